// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio"
	"github.com/pkg/errors"
)

type disk struct {
	dir string
}

// NewDisk returns a new storage.Backend that stores objects as files in
// the given directory, which is created if it doesn't already exist.
// Writes go to a temporary file that is atomically renamed into place,
// so a crash never leaves a partially-written object behind under its
// final name.
func NewDisk(dir string) (Backend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	// Make sure that the backup directory is in fact a directory.
	stat, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !stat.IsDir() {
		return nil, errors.Errorf("%s: is a regular file", dir)
	}
	return &disk{dir: dir}, nil
}

func (d *disk) String() string {
	return "disk: " + d.dir
}

func (d *disk) path(name string) string {
	return filepath.Join(d.dir, name)
}

func (d *disk) Put(ctx context.Context, name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := renameio.WriteFile(d.path(name), data, 0600); err != nil {
		return Transient("put", name, err)
	}
	return nil
}

func (d *disk) Get(ctx context.Context, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	b, err := ioutil.ReadFile(d.path(name))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%s", name)
	} else if err != nil {
		return nil, Transient("get", name, err)
	}
	return b, nil
}

func (d *disk) List(ctx context.Context) ([]string, error) {
	entries, err := ioutil.ReadDir(d.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", d.dir)
	}

	var names []string
	for _, e := range entries {
		// Skip in-flight temporary files from renameio and anything else
		// that isn't ours.
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (d *disk) Delete(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	err := os.Remove(d.path(name))
	if err != nil && !os.IsNotExist(err) {
		return Transient("delete", name, err)
	}
	return nil
}
