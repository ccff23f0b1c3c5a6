// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"encoding/hex"

	u "github.com/mmp/bkpack/util"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

var (
	ErrNotFound    = errors.New("object not found")
	ErrInvalidName = errors.New("invalid object name")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Hashing

// HashSize is the number of bytes in the hash values returned to
// represent blocks of data.
const HashSize = 32

// Hash encodes a fixed-size secure hash of a collection of bytes.
type Hash [HashSize]byte

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// NewHash returns the Hash stored in the given byte slice, which must be
// exactly HashSize bytes long.
func NewHash(b []byte) (h Hash, err error) {
	if len(b) != len(h) {
		return h, errors.Errorf("hash: got %d bytes, expected %d", len(b), HashSize)
	}
	copy(h[:], b)
	return h, nil
}

// ParseHash decodes a hexidecimal-encoded hash as returned by
// Hash.String.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, err
	}
	return NewHash(b)
}

// String returns the given Hash as a hexidecimal-encoded string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns an abbreviated form of the hash for log messages.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:6])
}

///////////////////////////////////////////////////////////////////////////
// Interface to storage backends

// Backend describes the contract the engine expects from a remote store:
// opaque named objects that can be put, fetched, listed and deleted.
// Volumes are never modified in place, so implementations don't need to
// worry about partial updates; a Put of an existing name simply replaces
// the object.
//
// All methods may be called concurrently. Errors that may succeed if the
// operation is retried should be returned as (or wrap) a
// *TransientBackendError.
type Backend interface {
	// String returns the name of the Backend in the form of a string.
	String() string

	// Put stores data under the given name. The object must be durably
	// stored when Put returns a nil error.
	Put(ctx context.Context, name string, data []byte) error

	// Get returns the contents of the named object, or an error wrapping
	// ErrNotFound if there is no such object.
	Get(ctx context.Context, name string) ([]byte, error)

	// List returns the names of all stored objects.
	List(ctx context.Context) ([]string, error)

	// Delete removes the named object. Deleting an object that doesn't
	// exist isn't an error.
	Delete(ctx context.Context, name string) error
}

// checkName makes sure that the object name is something that all of the
// backends can represent: no path separators and nothing that would be
// interpreted specially by a filesystem.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." {
		return errors.Wrapf(ErrInvalidName, "%q", name)
	}
	for _, r := range name {
		if r == '/' || r == '\\' || r == 0 {
			return errors.Wrapf(ErrInvalidName, "%q", name)
		}
	}
	return nil
}

// Duplicate the provided byte slice.
func dupe(src []byte) []byte {
	d := make([]byte, len(src))
	copy(d, src)
	return d
}
