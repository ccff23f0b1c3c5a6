// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Portions derived from skicka, (c) 2016 Google, Inc. (BSD licensed).

package volume

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/mmp/bkpack/storage"
	"golang.org/x/crypto/pbkdf2"
)

const pbkdf2Rounds = 65536

// KeyParams holds everything needed to recover the repository's volume
// encryption key given the passphrase. None of it is secret on its own.
type KeyParams struct {
	Salt           []byte
	PassphraseHash []byte
	EncryptedKey   []byte
	Nonce          []byte
}

// NewKeyParams creates a new random encryption key and encrypts it using
// the user-provided passphrase.
func NewKeyParams(passphrase string) ([]byte, KeyParams, error) {
	if passphrase == "" {
		return nil, KeyParams{}, storage.ConfigErrorf("empty passphrase")
	}

	// Derive a 64-byte hash from the passphrase using PBKDF2 with 65536
	// rounds of SHA256.
	salt, err := getRandomBytes(32)
	if err != nil {
		return nil, KeyParams{}, err
	}
	hash := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Rounds, 64, sha256.New)

	// We'll store the first 32 bytes of the hash to use to confirm the
	// correct passphrase is given on subsequent runs.
	passHash := hash[:32]
	// And we'll use the remaining 32 bytes as a key to encrypt the actual
	// encryption key. (These bytes are *not* stored).
	keyEncryptKey := hash[32:]

	// Generate a random encryption key and encrypt it using the key
	// derived from the passphrase.
	key, err := getRandomBytes(KeySize)
	if err != nil {
		return nil, KeyParams{}, err
	}
	gcm, err := keyWrapper(keyEncryptKey)
	if err != nil {
		return nil, KeyParams{}, err
	}
	nonce, err := getRandomBytes(gcm.NonceSize())
	if err != nil {
		return nil, KeyParams{}, err
	}

	return key, KeyParams{
		Salt:           salt,
		PassphraseHash: passHash,
		EncryptedKey:   gcm.Seal(nil, nonce, key, nil),
		Nonce:          nonce,
	}, nil
}

// Key returns the encryption key protected by the given passphrase. A
// wrong passphrase is reported as a *storage.FatalConfigError.
func (kp KeyParams) Key(passphrase string) ([]byte, error) {
	// Run the salted passphrase through PBKDF2 to (slowly) generate a
	// 64-byte derived key.
	derivedKey := pbkdf2.Key([]byte(passphrase), kp.Salt, pbkdf2Rounds, 64, sha256.New)

	// Make sure the first 32 bytes of the derived key match the bytes stored
	// when we first generated the key; if they don't, the user gave us
	// the wrong passphrase.
	if !bytes.Equal(derivedKey[:32], kp.PassphraseHash) {
		return nil, storage.ConfigErrorf("incorrect passphrase")
	}

	// Use the last 32 bytes of the derived key to decrypt the actual
	// encryption key.
	gcm, err := keyWrapper(derivedKey[32:])
	if err != nil {
		return nil, err
	}
	key, err := gcm.Open(nil, kp.Nonce, kp.EncryptedKey, nil)
	if err != nil {
		return nil, &storage.FatalConfigError{Msg: "decrypting key", Err: err}
	}
	return key, nil
}

func keyWrapper(kek []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// String encodes the parameters as hex-encoded lines of text.
func (kp KeyParams) String() string {
	enc := fmt.Sprintf("%s\n", hex.EncodeToString(kp.Salt))
	enc += fmt.Sprintf("%s\n", hex.EncodeToString(kp.PassphraseHash))
	enc += fmt.Sprintf("%s\n", hex.EncodeToString(kp.EncryptedKey))
	enc += fmt.Sprintf("%s\n", hex.EncodeToString(kp.Nonce))
	return enc
}

// ParseKeyParams decodes parameters encoded by KeyParams.String.
func ParseKeyParams(enc string) (KeyParams, error) {
	// Parse the various values from the encryption config file text.
	var saltHex, passphraseHashHex, encKeyHex, nonceHex string
	n, err := fmt.Sscanf(enc, "%s\n%s\n%s\n%s", &saltHex, &passphraseHashHex,
		&encKeyHex, &nonceHex)
	if err != nil {
		return KeyParams{}, &storage.FatalConfigError{Msg: "key parameters", Err: err}
	} else if n != 4 {
		return KeyParams{}, storage.ConfigErrorf("key parameters: got %d fields", n)
	}

	var kp KeyParams
	for _, f := range []struct {
		s   string
		dst *[]byte
	}{{saltHex, &kp.Salt}, {passphraseHashHex, &kp.PassphraseHash},
		{encKeyHex, &kp.EncryptedKey}, {nonceHex, &kp.Nonce}} {
		if *f.dst, err = hex.DecodeString(f.s); err != nil {
			return KeyParams{}, &storage.FatalConfigError{Msg: "key parameters", Err: err}
		}
	}
	return kp, nil
}
