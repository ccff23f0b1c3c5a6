// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

//go:build !windows

package fspath

// OSPath returns the form of path to hand to the operating system.
func OSPath(path string) string {
	return path
}
