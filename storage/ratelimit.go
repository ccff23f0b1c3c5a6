// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Taken from skicka: gdrive/readers.go. (c)2015, Google, Inc. (BSD Licensed).
// Updated to use time.Ticker

package storage

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"sync"
	"time"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting io.Reader

// Limiter doles out upload and download bandwidth. The amount of data
// that may currently be uploaded or downloaded given the limits is
// reduced by rateLimitedReader.Read() as data passes through, and is
// periodically increased by a goroutine launched by NewLimiter().
type Limiter struct {
	mu                                           sync.Mutex
	cond                                         *sync.Cond
	availableUploadBytes, availableDownloadBytes int
	uploadLimited, downloadLimited               bool
	ticker                                       *time.Ticker
	done                                         chan struct{}
}

// NewLimiter returns a Limiter for the given per-second limits; a zero
// limit means unlimited. Stop should be called when the Limiter is no
// longer needed.
func NewLimiter(uploadBytesPerSecond, downloadBytesPerSecond int) *Limiter {
	l := &Limiter{
		uploadLimited:   uploadBytesPerSecond != 0,
		downloadLimited: downloadBytesPerSecond != 0,
		// 1/8th of a second
		ticker: time.NewTicker(125 * time.Millisecond),
		done:   make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)

	go func() {
		for {
			select {
			case <-l.done:
				return
			case <-l.ticker.C:
			}

			l.mu.Lock()

			// Release 1/8th of the per-second limit every 8th of a second.
			// The 94/100 factor in the amount released adds some slop to
			// account for TCP/IP overhead and HTTP headers in an effort to
			// have the actual bandwidth used not exceed the desired limit.
			l.availableUploadBytes += uploadBytesPerSecond * 94 / 100 / 8
			if l.availableUploadBytes > uploadBytesPerSecond {
				// Don't ever queue up more than one second's worth of
				// transmission.
				l.availableUploadBytes = uploadBytesPerSecond
			}
			l.availableDownloadBytes += downloadBytesPerSecond * 94 / 100 / 8
			if l.availableDownloadBytes > downloadBytesPerSecond {
				l.availableDownloadBytes = downloadBytesPerSecond
			}

			// Wake up any readers that are waiting for more bandwidth now
			// that we've doled some more out.
			l.cond.Broadcast()
			l.mu.Unlock()
		}
	}()
	return l
}

// Stop shuts down the goroutine that replenishes the bandwidth budget.
func (l *Limiter) Stop() {
	l.ticker.Stop()
	close(l.done)
}

// rateLimitedReader is an io.Reader implementation that returns no
// more bytes than the current value of *availableBytes.  Thus, as long as
// the upload and download paths wrap the underlying io.Readers for local
// data and downloads (respectively), then we should stay under the
// bandwidth per second limit.
type rateLimitedReader struct {
	R              io.Reader
	l              *Limiter
	availableBytes *int
}

func (l *Limiter) UploadReader(r io.Reader) io.Reader {
	if l != nil && l.uploadLimited {
		return rateLimitedReader{R: r, l: l, availableBytes: &l.availableUploadBytes}
	}
	return r
}

func (l *Limiter) DownloadReader(r io.Reader) io.Reader {
	if l != nil && l.downloadLimited {
		return rateLimitedReader{R: r, l: l, availableBytes: &l.availableDownloadBytes}
	}
	return r
}

func (lr rateLimitedReader) Read(dst []byte) (int, error) {
	// Loop until some amount of bandwidth is available.
	lr.l.mu.Lock()
	for *lr.availableBytes <= 0 {
		// No further transfer is possible at the moment; wait for the
		// goroutine that periodically doles out more bandwidth to do its
		// thing, at which point it will signal the condition variable.
		lr.l.cond.Wait()
	}

	// The caller would like us to return up to this many bytes...
	n := len(dst)

	// but don't do more than we're allowed to...
	if n > *lr.availableBytes {
		n = *lr.availableBytes
	}

	// Update the budget for the maximum amount of what we may consume and
	// relinquish the lock so that other workers can claim bandwidth.
	*lr.availableBytes -= n
	lr.l.mu.Unlock()

	read, err := lr.R.Read(dst[:n])
	if read < n {
		// It may turn out that the amount we read from the original
		// io.Reader is less than the caller asked for; in this case,
		// we give back the bandwidth that we reserved but didn't use.
		lr.l.mu.Lock()
		*lr.availableBytes += n - read
		lr.l.mu.Unlock()
	}

	return read, err
}

///////////////////////////////////////////////////////////////////////////

// rateLimited is a Backend decorator that pushes all data that's put or
// fetched through a Limiter. Backends that stream (like GCS) use the
// Limiter directly instead.
type rateLimited struct {
	backend Backend
	l       *Limiter
}

// NewRateLimited returns a Backend that limits the bandwidth used for
// Put and Get calls to the given backend.
func NewRateLimited(backend Backend, l *Limiter) Backend {
	return &rateLimited{backend: backend, l: l}
}

func (r *rateLimited) String() string {
	return "rate limited " + r.backend.String()
}

func (r *rateLimited) Put(ctx context.Context, name string, data []byte) error {
	// Pace the upload before handing the bytes along.
	if _, err := io.Copy(ioutil.Discard, r.l.UploadReader(bytes.NewReader(data))); err != nil {
		return err
	}
	return r.backend.Put(ctx, name, data)
}

func (r *rateLimited) Get(ctx context.Context, name string) ([]byte, error) {
	b, err := r.backend.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return ioutil.ReadAll(r.l.DownloadReader(bytes.NewReader(b)))
}

func (r *rateLimited) List(ctx context.Context) ([]string, error) {
	return r.backend.List(ctx)
}

func (r *rateLimited) Delete(ctx context.Context, name string) error {
	return r.backend.Delete(ctx, name)
}
