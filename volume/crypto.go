// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package volume

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/mmp/bkpack/storage"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// Encryption algorithms for volumes.
const (
	Unencrypted       = "none"
	AES256GCM         = "aes-256-gcm"
	XChaCha20Poly1305 = "xchacha20-poly1305"
)

// KeySize is the size in bytes of the keys used by both algorithms.
const KeySize = 32

var algorithmCodes = map[string]byte{Unencrypted: 0, AES256GCM: 1, XChaCha20Poly1305: 2}

func algorithmName(code byte) (string, error) {
	for n, c := range algorithmCodes {
		if c == code {
			return n, nil
		}
	}
	return "", errors.Errorf("%d: unknown encryption algorithm code", code)
}

// newAEAD returns the AEAD for the given algorithm, or nil for
// Unencrypted. Any problem with the key is a *storage.FatalConfigError.
func newAEAD(algorithm string, key []byte) (cipher.AEAD, error) {
	if algorithm == Unencrypted {
		return nil, nil
	}
	if _, ok := algorithmCodes[algorithm]; !ok {
		return nil, storage.ConfigErrorf("%s: unknown encryption algorithm", algorithm)
	}
	if len(key) != KeySize {
		return nil, storage.ConfigErrorf("%s: key must be %d bytes, got %d", algorithm,
			KeySize, len(key))
	}

	var aead cipher.AEAD
	var err error
	if algorithm == AES256GCM {
		var block cipher.Block
		if block, err = aes.NewCipher(key); err == nil {
			aead, err = cipher.NewGCM(block)
		}
	} else {
		aead, err = chacha20poly1305.NewX(key)
	}
	if err != nil {
		return nil, &storage.FatalConfigError{Msg: algorithm, Err: err}
	}
	return aead, nil
}

// Return the given number of bytes of random values, using a
// cryptographically-strong random number source.
func getRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, b)
	return b, err
}
