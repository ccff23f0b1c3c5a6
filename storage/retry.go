// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"time"
)

// RetryPolicy bounds how hard we try before giving up on a backend
// operation.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// Backoff is the delay before the first retry; the n'th retry waits
	// n*Backoff.
	Backoff time.Duration
}

var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, Backoff: 100 * time.Millisecond}

type retrying struct {
	backend Backend
	policy  RetryPolicy
}

// NewRetrying returns a Backend that retries operations on the given
// backend that fail with a *TransientBackendError, sleeping a little
// longer between each attempt. When the attempts are exhausted, the last
// error is returned.
func NewRetrying(backend Backend, policy RetryPolicy) Backend {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &retrying{backend: backend, policy: policy}
}

func (r *retrying) String() string {
	return r.backend.String()
}

func (r *retrying) retry(ctx context.Context, op, name string, f func() error) error {
	for tries := 1; ; tries++ {
		err := f()

		if err == nil || !IsTransient(err) || tries >= r.policy.MaxAttempts {
			return err
		}

		// Possibly temporary error; sleep and retry.
		log.Warning("%s %s: attempt %d/%d failed, retrying: %s", op, name,
			tries, r.policy.MaxAttempts, err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(tries) * r.policy.Backoff):
		}
	}
}

func (r *retrying) Put(ctx context.Context, name string, data []byte) error {
	return r.retry(ctx, "put", name, func() error {
		return r.backend.Put(ctx, name, data)
	})
}

func (r *retrying) Get(ctx context.Context, name string) ([]byte, error) {
	var b []byte
	err := r.retry(ctx, "get", name, func() error {
		var err error
		b, err = r.backend.Get(ctx, name)
		return err
	})
	return b, err
}

func (r *retrying) List(ctx context.Context) ([]string, error) {
	var names []string
	err := r.retry(ctx, "list", "", func() error {
		var err error
		names, err = r.backend.List(ctx)
		return err
	})
	return names, err
}

func (r *retrying) Delete(ctx context.Context, name string) error {
	return r.retry(ctx, "delete", name, func() error {
		return r.backend.Delete(ctx, name)
	})
}
