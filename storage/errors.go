// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"fmt"

	"github.com/pkg/errors"
)

// TransientBackendError reports a backend failure that may go away if the
// operation is retried (timeouts, throttling, dropped connections).
type TransientBackendError struct {
	Op   string
	Name string
	Err  error
}

func (e *TransientBackendError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Name, e.Err)
}

func (e *TransientBackendError) Unwrap() error { return e.Err }

// Transient wraps err as a *TransientBackendError.
func Transient(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientBackendError{Op: op, Name: name, Err: err}
}

// IsTransient reports whether err is, or wraps, a *TransientBackendError.
func IsTransient(err error) bool {
	var te *TransientBackendError
	return errors.As(err, &te)
}

// FatalConfigError reports a configuration problem, such as a missing or
// invalid encryption key, that makes it impossible to run at all.
type FatalConfigError struct {
	Msg string
	Err error
}

func (e *FatalConfigError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *FatalConfigError) Unwrap() error { return e.Err }

// ConfigErrorf returns a *FatalConfigError with a formatted message.
func ConfigErrorf(f string, args ...interface{}) error {
	return &FatalConfigError{Msg: fmt.Sprintf(f, args...)}
}

// DataIntegrityError reports stored data that doesn't match its recorded
// hash or checksum, or that fails authentication when decrypted.
type DataIntegrityError struct {
	// Object is the volume or block that failed verification.
	Object string
	Err    error
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("%s: data integrity: %s", e.Object, e.Err)
}

func (e *DataIntegrityError) Unwrap() error { return e.Err }

// IsIntegrity reports whether err is, or wraps, a *DataIntegrityError.
func IsIntegrity(err error) bool {
	var de *DataIntegrityError
	return errors.As(err, &de)
}
