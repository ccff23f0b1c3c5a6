// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package fspath

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrVanished is reported for files that were listed in their
	// directory but were gone by the time we got to them.
	ErrVanished      = errors.New("file vanished during scan")
	ErrUnhandledType = errors.New("unhandled file type")
)

// IsVanished reports whether err is for a file that disappeared while
// it was being backed up; that's expected on a live filesystem and is
// reported as a warning rather than an error.
func IsVanished(err error) bool {
	return errors.Is(err, ErrVanished)
}

// Entry describes one file, directory, or symbolic link found by Walk.
type Entry struct {
	Path    string
	Size    int64
	ModTime time.Time
	Mode    os.FileMode
	// Only set for symbolic links.
	LinkTarget string
}

func (e Entry) IsDir() bool     { return e.Mode.IsDir() }
func (e Entry) IsFile() bool    { return e.Mode&os.ModeType == 0 }
func (e Entry) IsSymlink() bool { return e.Mode&os.ModeSymlink != 0 }

// WalkFunc is called by Walk for each entry. If err is non-nil, the
// entry couldn't be examined and only its Path is valid; the error is
// always a *PathError. Returning a non-nil error stops the walk.
type WalkFunc func(e Entry, err error) error

// Walk calls f for each of the roots and, recursively, everything under
// the ones that are directories, in lexical order within each directory.
// Roots that repeat or are under another root are only visited once.
// Paths that contain any of the excludes as a substring, or whose name
// matches one of them as a glob pattern, are skipped along with anything
// under them. Symbolic links are reported but not followed.
//
// Walk returns early with ctx.Err() if the context is canceled.
func Walk(ctx context.Context, roots []string, excludes []string, f WalkFunc) error {
	w := walker{ctx: ctx, excludes: excludes, f: f}
	var clean []string
	for _, root := range roots {
		path, err := Clean(root)
		if err != nil {
			if err := f(Entry{Path: root}, err); err != nil {
				return err
			}
			continue
		}
		clean = append(clean, path)
	}
	for _, path := range Roots(clean) {
		if err := w.visit(path, false); err != nil {
			return err
		}
	}
	return nil
}

type walker struct {
	ctx      context.Context
	excludes []string
	f        WalkFunc
}

func (w *walker) excluded(path string) bool {
	name := filepath.Base(path)
	for _, excl := range w.excludes {
		if excl == "" {
			continue
		}
		if strings.Contains(path, excl) {
			return true
		}
		if ok, _ := filepath.Match(excl, name); ok {
			return true
		}
	}
	return false
}

// visit reports the entry at path and descends into it if it's a
// directory. listed is set if path came from reading its parent
// directory, in which case its absence means it vanished.
func (w *walker) visit(path string, listed bool) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	if w.excluded(path) {
		log.Verbose("%s: excluding from backup", path)
		return nil
	}
	if err := Validate(path); err != nil {
		return w.f(Entry{Path: path}, err)
	}

	fi, err := os.Lstat(OSPath(path))
	if err != nil {
		if listed && errors.Is(err, fs.ErrNotExist) {
			err = ErrVanished
		}
		return w.f(Entry{Path: path}, &PathError{Path: path, Err: err})
	}

	e := Entry{Path: path, Size: fi.Size(), ModTime: fi.ModTime(), Mode: fi.Mode()}
	switch {
	case e.IsDir():
		e.Size = 0
	case e.IsFile():
	case e.IsSymlink():
		e.Size = 0
		if e.LinkTarget, err = os.Readlink(OSPath(path)); err != nil {
			return w.f(Entry{Path: path}, &PathError{Path: path, Err: err})
		}
	default:
		return w.f(Entry{Path: path}, &PathError{Path: path, Err: ErrUnhandledType})
	}

	if err := w.f(e, nil); err != nil {
		return err
	}
	if !e.IsDir() {
		return nil
	}

	dirents, err := os.ReadDir(OSPath(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = ErrVanished
		}
		return w.f(Entry{Path: path}, &PathError{Path: path, Err: err})
	}
	for _, de := range dirents {
		if err := w.visit(filepath.Join(path, de.Name()), true); err != nil {
			return err
		}
	}
	return nil
}
