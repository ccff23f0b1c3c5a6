// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"sort"
	"sync"
)

// Options collects the settings for all of the registered backends; each
// backend only looks at the fields that apply to it.
type Options struct {
	// file
	Path string

	// gcs
	Bucket       string
	Project      string
	Location     string
	Prefix       string
	StorageClass string

	// zero -> unlimited
	MaxUploadBytesPerSecond   int
	MaxDownloadBytesPerSecond int

	Retry RetryPolicy
}

// Factory creates a Backend from Options.
type Factory func(ctx context.Context, opts Options) (Backend, error)

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{
		"memory": func(ctx context.Context, opts Options) (Backend, error) {
			return NewMemory(), nil
		},
		"file": func(ctx context.Context, opts Options) (Backend, error) {
			if opts.Path == "" {
				return nil, ConfigErrorf("file backend: path must be specified")
			}
			b, err := NewDisk(opts.Path)
			if err != nil {
				return nil, err
			}
			if opts.MaxUploadBytesPerSecond > 0 || opts.MaxDownloadBytesPerSecond > 0 {
				b = NewRateLimited(b, NewLimiter(opts.MaxUploadBytesPerSecond,
					opts.MaxDownloadBytesPerSecond))
			}
			return b, nil
		},
		"gcs": func(ctx context.Context, opts Options) (Backend, error) {
			return NewGCS(ctx, GCSOptions{
				BucketName:                opts.Bucket,
				ProjectId:                 opts.Project,
				Location:                  opts.Location,
				Prefix:                    opts.Prefix,
				StorageClass:              opts.StorageClass,
				MaxUploadBytesPerSecond:   opts.MaxUploadBytesPerSecond,
				MaxDownloadBytesPerSecond: opts.MaxDownloadBytesPerSecond,
			})
		},
	}
)

// Register makes a backend implementation available to Open under the
// given name, replacing any existing registration.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Names returns the names of all registered backends.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	var n []string
	for name := range registry {
		n = append(n, name)
	}
	sort.Strings(n)
	return n
}

// Open creates the named backend and wraps it so that transient failures
// are retried according to opts.Retry.
func Open(ctx context.Context, name string, opts Options) (Backend, error) {
	registryMu.Lock()
	f, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, ConfigErrorf("%s: unknown storage backend (have %v)", name, Names())
	}

	b, err := f(ctx, opts)
	if err != nil {
		return nil, err
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy
	}
	return NewRetrying(b, opts.Retry), nil
}
