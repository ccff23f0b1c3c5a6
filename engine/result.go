// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package engine

import (
	"sync"

	"github.com/mmp/bkpack/fspath"
	"github.com/pkg/errors"
)

// BackupResult summarizes a backup run. Errors and Warnings are empty
// for a run that went cleanly.
type BackupResult struct {
	SetID uint64
	State State

	Errors   []error
	Warnings []error

	FilesAdded     int
	FilesUnchanged int
	FilesErrored   int

	BlocksUploaded     int
	BlocksDeduplicated int
	BytesUploaded      int64
	VolumesUploaded    int
}

// RestoreResult summarizes a restore.
type RestoreResult struct {
	State State

	Errors   []error
	Warnings []error

	FilesRestored int
	FilesErrored  int
	BytesRestored int64
}

// issues collects the per-file problems found during a run; it's safe
// for concurrent use.
type issues struct {
	mu       sync.Mutex
	errors   []error
	warnings []error
}

func (is *issues) addError(path string, err error) {
	err = annotate(path, err)
	log.Error("%s", err)
	is.mu.Lock()
	is.errors = append(is.errors, err)
	is.mu.Unlock()
}

func (is *issues) addWarning(path string, err error) {
	err = annotate(path, err)
	log.Warning("%s", err)
	is.mu.Lock()
	is.warnings = append(is.warnings, err)
	is.mu.Unlock()
}

// annotate adds the path to err unless it's a *fspath.PathError,
// which already carries it.
func annotate(path string, err error) error {
	var pe *fspath.PathError
	if path == "" || errors.As(err, &pe) {
		return err
	}
	return errors.Wrap(err, path)
}

// isWarning reports whether a problem with a single file is expected
// in normal operation and so shouldn't count as an error.
func isWarning(err error) bool {
	return fspath.IsVanished(err) || errors.Is(err, fspath.ErrUnhandledType)
}
