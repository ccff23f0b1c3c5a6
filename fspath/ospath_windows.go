// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

//go:build windows

package fspath

import "strings"

// OSPath returns the form of path to hand to the operating system.
// Windows strips trailing dots and spaces from names and limits path
// lengths unless paths are given in the extended-length form.
func OSPath(path string) string {
	switch {
	case strings.HasPrefix(path, `\\?\`):
		return path
	case strings.HasPrefix(path, `\\`):
		// UNC: \\server\share\...
		return `\\?\UNC\` + path[2:]
	case len(path) >= 2 && path[1] == ':':
		return `\\?\` + path
	default:
		return path
	}
}
