// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package fspath canonicalizes the paths of files that are backed up and
// restored, maps them to their restore destinations, and enumerates the
// files under a set of source paths.
//
// Paths are kept byte-for-byte as the filesystem reports them: names
// that end in dots or spaces, or that are right at the length limit,
// are valid and must round trip unchanged.
package fspath

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

const (
	// MaxNameLen is the longest a single path component may be, in
	// bytes.
	MaxNameLen = 255
	// MaxPathLen is the longest a full path may be, in bytes.
	MaxPathLen = 4096
)

var (
	ErrEmpty       = errors.New("empty path")
	ErrNul         = errors.New("path contains a NUL byte")
	ErrNameTooLong = errors.New("file name too long")
	ErrPathTooLong = errors.New("path too long")
	ErrNotAbsolute = errors.New("path is not absolute")
)

// PathError reports a path that can't be backed up or restored as
// given. It's reported for the file in question, which is then skipped.
type PathError struct {
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error { return e.Err }

// Clean returns the absolute, canonical form of path: "." and ".."
// components are resolved and duplicate separators removed. Nothing else
// about the names is changed.
//
// filepath.Abs isn't used since on Windows it strips trailing dots and
// spaces from names.
func Clean(path string) (string, error) {
	if path == "" {
		return "", &PathError{Path: path, Err: ErrEmpty}
	}
	if strings.IndexByte(path, 0) >= 0 {
		return "", &PathError{Path: path, Err: ErrNul}
	}
	if !filepath.IsAbs(path) {
		wd, err := os.Getwd()
		if err != nil {
			return "", &PathError{Path: path, Err: err}
		}
		if filepath.VolumeName(path) == "" && os.IsPathSeparator(path[0]) {
			// Rooted but without a drive, on Windows.
			path = filepath.VolumeName(wd) + path
		} else {
			path = filepath.Join(wd, path)
		}
	}
	abs := filepath.Clean(path)
	return abs, Validate(abs)
}

// Contains reports whether path is dir or something under it. Both must
// be clean.
func Contains(dir, path string) bool {
	if path == dir {
		return true
	}
	if !strings.HasSuffix(dir, string(filepath.Separator)) {
		dir += string(filepath.Separator)
	}
	return strings.HasPrefix(path, dir)
}

// Roots sorts the given clean paths and removes any that are duplicates
// of another or that are under another, so that walking the result
// visits each file once.
func Roots(paths []string) []string {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	var roots []string
outer:
	for _, p := range sorted {
		for _, r := range roots {
			if Contains(r, p) {
				continue outer
			}
		}
		roots = append(roots, p)
	}
	return roots
}

// Validate checks that an absolute path is one that can be stored and
// restored.
func Validate(path string) error {
	switch {
	case path == "":
		return &PathError{Path: path, Err: ErrEmpty}
	case strings.IndexByte(path, 0) >= 0:
		return &PathError{Path: path, Err: ErrNul}
	case !filepath.IsAbs(path):
		return &PathError{Path: path, Err: ErrNotAbsolute}
	case len(path) > MaxPathLen:
		return &PathError{Path: path, Err: ErrPathTooLong}
	}
	for _, c := range strings.Split(filepath.ToSlash(path), "/") {
		if len(c) > MaxNameLen {
			return &PathError{Path: path, Err: ErrNameTooLong}
		}
	}
	return nil
}

// CommonParent returns the deepest directory that contains all of the
// given absolute paths. For a single path, that's its parent directory.
func CommonParent(paths []string) string {
	if len(paths) == 0 {
		return ""
	}

	split := func(p string) []string {
		d := filepath.Dir(p)
		d = filepath.ToSlash(strings.TrimPrefix(d, filepath.VolumeName(d)))
		if d == "/" {
			return nil
		}
		return strings.Split(strings.TrimPrefix(d, "/"), "/")
	}

	common := split(paths[0])
	for _, p := range paths[1:] {
		c := split(p)
		n := 0
		for n < len(common) && n < len(c) && common[n] == c[n] {
			n++
		}
		common = common[:n]
	}

	vol := filepath.VolumeName(paths[0])
	return vol + string(filepath.Separator) +
		filepath.FromSlash(strings.Join(common, "/"))
}

// Destination returns where the file at path should be restored. With
// no restore path, files go back where they came from; otherwise the
// path relative to parent is placed under restorePath.
func Destination(restorePath, parent, path string) (string, error) {
	if restorePath == "" {
		return path, Validate(path)
	}
	rel, err := filepath.Rel(parent, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &PathError{Path: path, Err: errors.New("not under " + parent)}
	}
	root, err := Clean(restorePath)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(root, rel)
	return dest, Validate(dest)
}
