// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemory returns a storage.Backend that stores all objects in RAM.
// It's really only useful for testing of code built on top of
// storage.Backend, where we may want to save the trouble of saving a
// bunch of stuff to disk.
func NewMemory() Backend {
	return &memory{objects: make(map[string][]byte)}
}

func (m *memory) String() string {
	return "memory"
}

func (m *memory) Put(ctx context.Context, name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Copy, since the caller is free to reuse the buffer.
	m.objects[name] = dupe(data)
	return nil
}

func (m *memory) Get(ctx context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.objects[name]; !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s", name)
	} else {
		return dupe(b), nil
	}
}

func (m *memory) List(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.objects))
	for n := range m.objects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memory) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, name)
	return nil
}
