// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestSimple(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		// Write something simple and get it back.
		simple := []byte{0, 1, 2, 3, 4, 5}
		if err := backend.Put(ctx, "simple", simple); err != nil {
			t.Fatalf("%s: put: %v", backend, err)
		}

		b, err := backend.Get(ctx, "simple")
		if err != nil {
			t.Errorf("%s: get: %v", backend, err)
		}
		if !bytes.Equal(simple, b) {
			t.Errorf("%s: bytes mismatch: wrote %+v, read %+v", backend, simple, b)
		}

		// Overwriting is harmless.
		if err := backend.Put(ctx, "simple", simple); err != nil {
			t.Errorf("%s: re-put: %v", backend, err)
		}
	}
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		_, err := backend.Get(ctx, "nope")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound, got %v", backend, err)
		}
		if errors.Cause(err) != ErrNotFound {
			t.Errorf("%s: ErrNotFound isn't the cause of %v", backend, err)
		}
		if !strings.Contains(err.Error(), "nope") {
			t.Errorf("%s: object name missing from %q", backend, err)
		}
		if err := backend.Delete(ctx, "nope"); err != nil {
			t.Errorf("%s: delete of missing object: %v", backend, err)
		}
	}
}

func TestInvalidNames(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		for _, name := range []string{"", ".", "..", "a/b", "a\\b", "a\x00b"} {
			if err := backend.Put(ctx, name, []byte{1}); !errors.Is(err, ErrInvalidName) {
				t.Errorf("%s: %q: expected ErrInvalidName, got %v", backend, name, err)
			}
		}
	}
}

func TestListDelete(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		for _, n := range []string{"c", "a", "b"} {
			if err := backend.Put(ctx, n, []byte(n)); err != nil {
				t.Fatalf("%s: %v", backend, err)
			}
		}
		names, err := backend.List(ctx)
		if err != nil {
			t.Fatalf("%s: list: %v", backend, err)
		}
		if fmt.Sprintf("%v", names) != "[a b c]" {
			t.Errorf("%s: unexpected list %v", backend, names)
		}

		if err := backend.Delete(ctx, "b"); err != nil {
			t.Errorf("%s: delete: %v", backend, err)
		}
		names, _ = backend.List(ctx)
		if fmt.Sprintf("%v", names) != "[a c]" {
			t.Errorf("%s: unexpected list after delete %v", backend, names)
		}
	}
}

func genRandom(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func TestManyRandom(t *testing.T) {
	ctx := context.Background()
	for _, backend := range getStorage(t) {
		const count = 200
		chunks := make([][]byte, count)

		var wg sync.WaitGroup
		for i := 0; i < count; i++ {
			chunks[i] = genRandom(rand.Intn(32 * 1024))
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := backend.Put(ctx, fmt.Sprintf("obj%03d", i), chunks[i]); err != nil {
					t.Errorf("%s: %d: %v", backend, i, err)
				}
			}(i)
		}
		wg.Wait()

		for _, i := range rand.Perm(count) {
			c, err := backend.Get(ctx, fmt.Sprintf("obj%03d", i))
			if err != nil {
				t.Fatalf("%s: %d: %v", backend, i, err)
			}
			if !bytes.Equal(c, chunks[i]) {
				t.Errorf("%s: %d: didn't get same bytes back!", backend, i)
			}
		}
	}
}

func TestDiskIgnoresTemporaries(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewDisk(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".tmp-partial"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0700); err != nil {
		t.Fatal(err)
	}
	names, err := backend.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Errorf("expected empty listing, got %v", names)
	}
}

// flaky fails the first few calls with a transient error.
type flaky struct {
	Backend
	mu        sync.Mutex
	failures  int
	permanent bool
	calls     int
}

func (f *flaky) Put(ctx context.Context, name string, data []byte) error {
	f.mu.Lock()
	f.calls++
	if f.permanent {
		f.mu.Unlock()
		return errors.New("disk on fire")
	}
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return Transient("put", name, errors.New("timeout"))
	}
	f.mu.Unlock()
	return f.Backend.Put(ctx, name, data)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	policy := RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond}

	f := &flaky{Backend: NewMemory(), failures: 2}
	if err := NewRetrying(f, policy).Put(ctx, "x", []byte{1}); err != nil {
		t.Errorf("expected success after retries, got %v", err)
	}
	if f.calls != 3 {
		t.Errorf("expected 3 calls, got %d", f.calls)
	}

	f = &flaky{Backend: NewMemory(), failures: 10}
	err := NewRetrying(f, policy).Put(ctx, "x", []byte{1})
	if !IsTransient(err) {
		t.Errorf("expected transient error once retries exhausted, got %v", err)
	}
	if f.calls != 3 {
		t.Errorf("expected 3 calls, got %d", f.calls)
	}

	// Permanent errors aren't retried.
	f = &flaky{Backend: NewMemory(), permanent: true}
	if err := NewRetrying(f, policy).Put(ctx, "x", []byte{1}); err == nil {
		t.Errorf("expected error")
	}
	if f.calls != 1 {
		t.Errorf("expected 1 call, got %d", f.calls)
	}
}

func TestRateLimited(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(64*1024, 64*1024)
	defer l.Stop()
	backend := NewRateLimited(NewMemory(), l)

	b := genRandom(16 * 1024)
	start := time.Now()
	if err := backend.Put(ctx, "limited", b); err != nil {
		t.Fatal(err)
	}
	got, err := backend.Get(ctx, "limited")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, got) {
		t.Errorf("bytes mismatch through rate limiter")
	}
	// Nothing is available until the first tick.
	if time.Since(start) < 100*time.Millisecond {
		t.Errorf("transfer finished suspiciously quickly: %s", time.Since(start))
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, "carrier-pigeon", Options{}); err == nil {
		t.Errorf("expected error for unknown backend")
	} else {
		var ce *FatalConfigError
		if !errors.As(err, &ce) {
			t.Errorf("expected FatalConfigError, got %T", err)
		}
	}

	if _, err := Open(ctx, "file", Options{}); err == nil {
		t.Errorf("expected error for file backend without path")
	}

	b, err := Open(ctx, "file", Options{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Put(ctx, "x", []byte("y")); err != nil {
		t.Error(err)
	}

	Register("test-memory", func(ctx context.Context, opts Options) (Backend, error) {
		return NewMemory(), nil
	})
	found := false
	for _, n := range Names() {
		found = found || n == "test-memory"
	}
	if !found {
		t.Errorf("registered backend missing from %v", Names())
	}
}

func TestHash(t *testing.T) {
	h := HashBytes([]byte("hello"))
	p, err := ParseHash(h.String())
	if err != nil {
		t.Fatal(err)
	}
	if p != h {
		t.Errorf("parse mismatch")
	}
	if HashBytes([]byte("hello.")) == h {
		t.Errorf("distinct inputs hashed the same")
	}
	if _, err := NewHash([]byte{1, 2, 3}); err == nil {
		t.Errorf("expected error for short hash")
	}
}

func getStorage(t *testing.T) []Backend {
	var b []Backend

	b = append(b, NewMemory())

	d, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b = append(b, d)

	d, err = NewDisk(filepath.Join(t.TempDir(), "nested", "dir"))
	if err != nil {
		t.Fatal(err)
	}
	b = append(b, NewRetrying(d, DefaultRetryPolicy))

	return b
}
