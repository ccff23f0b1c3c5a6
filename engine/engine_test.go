// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package engine

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmp/bkpack/catalog"
	"github.com/mmp/bkpack/chunk"
	"github.com/mmp/bkpack/storage"
	"github.com/mmp/bkpack/volume"
	"github.com/stevegt/readercomp"
	"github.com/stretchr/testify/require"
)

const blockSize = 1024

type env struct {
	c       *Controller
	cat     *catalog.Catalog
	backend storage.Backend
}

func newEnv(t *testing.T, backend storage.Backend, modify func(*Options)) *env {
	cat, err := catalog.Open(catalog.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	if backend == nil {
		backend = storage.NewMemory()
	}
	key := make([]byte, volume.KeySize)
	rand.Read(key)
	opts := Options{
		Chunking: chunk.Config{Mode: chunk.Fixed, BlockSize: blockSize},
		Volume: volume.Options{
			Algorithm:   volume.AES256GCM,
			Compression: volume.Gzip,
			Key:         key,
			TargetSize:  64 * 1024,
		},
		Hashers: 4,
	}
	if modify != nil {
		modify(&opts)
	}
	c, err := New(cat, backend, opts)
	require.NoError(t, err)
	return &env{c: c, cat: cat, backend: backend}
}

func randBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	r.Read(b)
	return b
}

func writeFile(t *testing.T, path string, data []byte) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func (e *env) backup(t *testing.T, sources ...string) BackupResult {
	res, err := e.c.Backup(context.Background(), sources, BackupOptions{})
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Empty(t, res.Warnings)
	require.Equal(t, Done, res.State)
	return res
}

func (e *env) restore(t *testing.T, targets []string, sel catalog.Selector, dest string) RestoreResult {
	res, err := e.c.Restore(context.Background(), targets, sel, RestoreOptions{RestorePath: dest})
	require.NoError(t, err)
	return res
}

func sameContents(t *testing.T, a, b string) {
	fa, err := os.Open(a)
	require.NoError(t, err)
	defer fa.Close()
	fb, err := os.Open(b)
	require.NoError(t, err)
	defer fb.Close()
	ok, err := readercomp.Equal(fa, fb, 4096)
	require.NoError(t, err)
	require.True(t, ok, "%s and %s differ", a, b)
}

// compareTrees checks that everything under src was restored under dst
// with the same contents, sizes, permissions and modification times.
func compareTrees(t *testing.T, src, dst string) {
	n := 0
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		rel, err := filepath.Rel(src, path)
		require.NoError(t, err)
		restored := filepath.Join(dst, rel)

		fi, err := os.Lstat(path)
		require.NoError(t, err)
		ri, err := os.Lstat(restored)
		require.NoError(t, err, "%s not restored", rel)
		require.Equal(t, fi.Mode(), ri.Mode(), rel)

		switch {
		case fi.Mode().IsRegular():
			require.Equal(t, fi.Size(), ri.Size(), rel)
			require.True(t, fi.ModTime().Equal(ri.ModTime()), "%s: mtime %s vs %s", rel,
				fi.ModTime(), ri.ModTime())
			sameContents(t, path, restored)
		case fi.Mode()&os.ModeSymlink != 0:
			a, err := os.Readlink(path)
			require.NoError(t, err)
			b, err := os.Readlink(restored)
			require.NoError(t, err)
			require.Equal(t, a, b)
		}
		n++
		return nil
	})
	require.NoError(t, err)
	require.Greater(t, n, 1)
}

// Names that are easily mangled along the way.
var problematicNames = []string{
	"ends_with_dot.",
	"ends_with_dots..",
	"ends_with_space ",
	"ends_with_spaces  ",
	strings.Repeat("n", 255),
}

func makeTree(t *testing.T, r *rand.Rand) (string, int) {
	src := filepath.Join(t.TempDir(), "src")
	nFiles := 0
	for i, name := range problematicNames {
		writeFile(t, filepath.Join(src, name), randBytes(r, i*1000+3))
		nFiles++
	}
	writeFile(t, filepath.Join(src, "empty"), nil)
	writeFile(t, filepath.Join(src, "sub", "dir", "big"), randBytes(r, 100*blockSize+17))
	writeFile(t, filepath.Join(src, "sub", "dir.", "f "), randBytes(r, 3*blockSize))
	nFiles += 3
	require.NoError(t, os.Chmod(filepath.Join(src, "sub", "dir", "big"), 0600))
	require.NoError(t, os.Symlink("../ends_with_dot.", filepath.Join(src, "sub", "link")))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "empty dir"), 0750))
	return src, nFiles
}

func TestRoundTrip(t *testing.T) {
	for _, c := range []struct {
		chunking    string
		algorithm   string
		compression string
	}{
		{chunk.Fixed, volume.AES256GCM, volume.Gzip},
		{chunk.Rolling, volume.XChaCha20Poly1305, volume.XZ},
		{chunk.Rabin, volume.Unencrypted, volume.Snappy},
		{chunk.Fixed, volume.XChaCha20Poly1305, volume.None},
	} {
		t.Run(c.chunking+"-"+c.algorithm+"-"+c.compression, func(t *testing.T) {
			e := newEnv(t, nil, func(o *Options) {
				o.Chunking.Mode = c.chunking
				o.Volume.Algorithm = c.algorithm
				o.Volume.Compression = c.compression
				if c.algorithm == volume.Unencrypted {
					o.Volume.Key = nil
				}
				o.Volume.TargetSize = 16 * 1024
			})
			src, nFiles := makeTree(t, rand.New(rand.NewSource(1)))

			res := e.backup(t, src)
			require.Equal(t, nFiles, res.FilesAdded)
			require.Zero(t, res.FilesErrored)
			require.Greater(t, res.VolumesUploaded, 1)

			dst := t.TempDir()
			rr := e.restore(t, []string{src}, catalog.Latest, dst)
			require.Empty(t, rr.Errors)
			require.Empty(t, rr.Warnings)
			require.Equal(t, Done, rr.State)
			// Files plus the symlink.
			require.Equal(t, nFiles+1, rr.FilesRestored)

			compareTrees(t, src, filepath.Join(dst, "src"))
		})
	}
}

func TestTrailingDotScenario(t *testing.T) {
	e := newEnv(t, nil, nil)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "ends_with_dot."), []byte("abc"))

	res := e.backup(t, src)
	require.Empty(t, res.Errors)

	dst := t.TempDir()
	rr := e.restore(t, []string{filepath.Join(src, "ends_with_dot.")}, catalog.Latest, dst)
	require.Empty(t, rr.Errors)
	require.Empty(t, rr.Warnings)
	require.Equal(t, 1, rr.FilesRestored)

	b, err := os.ReadFile(filepath.Join(dst, "ends_with_dot."))
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), b)
}

func TestRepeatedBlocks(t *testing.T) {
	e := newEnv(t, nil, nil)
	r := rand.New(rand.NewSource(2))

	var blocks [][]byte
	for i := 0; i < 10; i++ {
		blocks = append(blocks, randBytes(r, blockSize))
	}
	// Block 5 is the same as block 9.
	blocks[8] = blocks[4]
	data := bytes.Join(blocks, nil)

	src := t.TempDir()
	path := filepath.Join(src, "repeats")
	writeFile(t, path, data)

	res := e.backup(t, src)
	require.Equal(t, 9, res.BlocksUploaded)
	require.Equal(t, 1, res.BlocksDeduplicated)

	fv, refs, err := e.cat.ResolveFileVersion(path, catalog.Latest)
	require.NoError(t, err)
	require.Len(t, refs, 10)
	require.Equal(t, refs[4].Hash, refs[8].Hash)

	dst := t.TempDir()
	rr := e.restore(t, []string{path}, catalog.Latest, dst)
	require.Empty(t, rr.Errors)
	sameContents(t, path, filepath.Join(dst, "repeats"))

	b, err := e.c.ReadFile(context.Background(), fv)
	require.NoError(t, err)
	require.Equal(t, data, b)
}

func TestDedupIdempotence(t *testing.T) {
	e := newEnv(t, nil, nil)
	src, nFiles := makeTree(t, rand.New(rand.NewSource(3)))

	first := e.backup(t, src)
	require.Greater(t, first.BlocksUploaded, 0)

	second := e.backup(t, src)
	require.Zero(t, second.BlocksUploaded)
	require.Zero(t, second.VolumesUploaded)
	require.Zero(t, second.BytesUploaded)
	require.Zero(t, second.FilesAdded)
	require.Equal(t, nFiles, second.FilesUnchanged)

	// Touching a file makes it get read again, but its blocks are all
	// known already.
	big := filepath.Join(src, "sub", "dir", "big")
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(big, later, later))
	third := e.backup(t, src)
	require.Equal(t, 1, third.FilesAdded)
	require.Equal(t, nFiles-1, third.FilesUnchanged)
	require.Zero(t, third.BlocksUploaded)
	require.Equal(t, 101, third.BlocksDeduplicated)

	sets, err := e.c.ListBackupSets()
	require.NoError(t, err)
	require.Len(t, sets, 3)
}

func TestConcurrentDedup(t *testing.T) {
	e := newEnv(t, nil, func(o *Options) {
		o.Hashers = 8
		// One block per volume.
		o.Volume.TargetSize = 1
	})
	data := randBytes(rand.New(rand.NewSource(4)), 5*blockSize)
	src := t.TempDir()
	for i := 0; i < 16; i++ {
		writeFile(t, filepath.Join(src, strings.Repeat("f", i+1)), data)
	}

	res := e.backup(t, src)
	require.Equal(t, 16, res.FilesAdded)
	require.Equal(t, 5, res.BlocksUploaded)
	require.Equal(t, 5, res.VolumesUploaded)
	require.Equal(t, 15*5, res.BlocksDeduplicated)

	vols, err := e.cat.Volumes()
	require.NoError(t, err)
	count := make(map[storage.Hash]int)
	for _, v := range vols {
		for _, entry := range v.Entries {
			count[entry.Hash]++
		}
	}
	require.Len(t, count, 5)
	for h, n := range count {
		require.Equal(t, 1, n, "block %s in %d volumes", h.Short(), n)
	}
}

// failing fails volume uploads once fail has been called.
type failing struct {
	storage.Backend
	mu      sync.Mutex
	failing bool
}

func (f *failing) fail() {
	f.mu.Lock()
	f.failing = true
	f.mu.Unlock()
}

func (f *failing) Put(ctx context.Context, name string, data []byte) error {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing && strings.HasSuffix(name, volume.Suffix) {
		return errors.New("backend on fire")
	}
	return f.Backend.Put(ctx, name, data)
}

func TestCommitAtomicity(t *testing.T) {
	backend := &failing{Backend: storage.NewMemory()}
	e := newEnv(t, backend, nil)
	r := rand.New(rand.NewSource(5))
	src := t.TempDir()
	changed := filepath.Join(src, "changed")
	writeFile(t, changed, randBytes(r, 3*blockSize))
	first := e.backup(t, src)

	before, err := backend.List(context.Background())
	require.NoError(t, err)

	writeFile(t, changed, randBytes(r, 5*blockSize))
	writeFile(t, filepath.Join(src, "new"), randBytes(r, 2*blockSize))
	backend.fail()

	res, err := e.c.Backup(context.Background(), []string{src}, BackupOptions{})
	require.Error(t, err)
	require.Equal(t, Aborted, res.State)
	require.Equal(t, Aborted, e.c.State())
	require.NotEmpty(t, res.Errors)

	// Only the first backup is visible.
	fv, _, err := e.cat.ResolveFileVersion(changed, catalog.Latest)
	require.NoError(t, err)
	require.Equal(t, first.SetID, fv.SetID)
	require.Equal(t, int64(3*blockSize), fv.Size)
	_, _, err = e.cat.ResolveFileVersion(filepath.Join(src, "new"), catalog.Latest)
	require.True(t, errors.Is(err, catalog.ErrNotFound))

	sets, err := e.c.ListBackupSets()
	require.NoError(t, err)
	require.Len(t, sets, 1)

	after, err := backend.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, before, after)

	problems, err := e.cat.Fsck()
	require.NoError(t, err)
	require.Empty(t, problems)
}

func TestCanceled(t *testing.T) {
	e := newEnv(t, nil, nil)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), []byte("data"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := e.c.Backup(ctx, []string{src}, BackupOptions{})
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, Aborted, res.State)

	sets, err := e.c.ListBackupSets()
	require.NoError(t, err)
	require.Empty(t, sets)
	names, err := e.backend.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, names)

	// A later run isn't bothered.
	e.backup(t, src)
}

// blocking holds up the first volume upload after arm is called until
// release is closed.
type blocking struct {
	storage.Backend
	mu      sync.Mutex
	armed   bool
	started chan struct{}
	release chan struct{}
}

func (b *blocking) arm() {
	b.mu.Lock()
	b.armed = true
	b.mu.Unlock()
}

func (b *blocking) Put(ctx context.Context, name string, data []byte) error {
	b.mu.Lock()
	wait := b.armed && strings.HasSuffix(name, volume.Suffix)
	if wait {
		b.armed = false
	}
	b.mu.Unlock()
	if wait {
		close(b.started)
		<-b.release
	}
	return b.Backend.Put(ctx, name, data)
}

func TestCanceledDuringUpload(t *testing.T) {
	backend := &blocking{Backend: storage.NewMemory(), started: make(chan struct{}),
		release: make(chan struct{})}
	e := newEnv(t, backend, nil)
	r := rand.New(rand.NewSource(12))
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "old"), randBytes(r, 3*blockSize))
	e.backup(t, src)

	ctx := context.Background()
	before, err := backend.List(ctx)
	require.NoError(t, err)

	writeFile(t, filepath.Join(src, "new"), randBytes(r, 4*blockSize))
	backend.arm()
	cctx, cancel := context.WithCancel(ctx)
	type result struct {
		res BackupResult
		err error
	}
	done := make(chan result)
	go func() {
		res, err := e.c.Backup(cctx, []string{src}, BackupOptions{})
		done <- result{res, err}
	}()

	// Cancel while the volume is being stored; the upload still finishes.
	<-backend.started
	cancel()
	close(backend.release)
	got := <-done
	require.True(t, errors.Is(got.err, context.Canceled), "%v", got.err)
	require.Equal(t, Aborted, got.res.State)

	sets, err := e.c.ListBackupSets()
	require.NoError(t, err)
	require.Len(t, sets, 1)
	_, _, err = e.cat.ResolveFileVersion(filepath.Join(src, "new"), catalog.Latest)
	require.True(t, errors.Is(err, catalog.ErrNotFound))

	after, err := backend.List(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)

	problems, err := e.cat.Fsck()
	require.NoError(t, err)
	require.Empty(t, problems)

	// The blocks that were thrown away are uploaded next time.
	res := e.backup(t, src)
	require.Equal(t, 4, res.BlocksUploaded)
}

// flipping corrupts volumes as they're stored: just the first one, or
// all of them if always is set.
type flipping struct {
	storage.Backend
	always bool
	mu     sync.Mutex
	puts   int
}

func (f *flipping) Put(ctx context.Context, name string, data []byte) error {
	if strings.HasSuffix(name, volume.Suffix) {
		f.mu.Lock()
		f.puts++
		flip := f.always || f.puts == 1
		f.mu.Unlock()
		if flip {
			data = append([]byte(nil), data...)
			data[len(data)/2] ^= 0xff
		}
	}
	return f.Backend.Put(ctx, name, data)
}

func TestVerifyUploads(t *testing.T) {
	verify := func(o *Options) {
		o.VerifyUploads = true
		o.Volume.TargetSize = 1
	}
	r := rand.New(rand.NewSource(13))
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a"), randBytes(r, blockSize))
	writeFile(t, filepath.Join(src, "b"), randBytes(r, blockSize))

	// A volume that doesn't read back intact is stored again.
	backend := &flipping{Backend: storage.NewMemory()}
	e := newEnv(t, backend, verify)
	res := e.backup(t, src)
	require.Equal(t, 2, res.FilesAdded)
	require.Equal(t, 2, res.VolumesUploaded)
	require.Equal(t, 3, backend.puts)

	dst := t.TempDir()
	rr := e.restore(t, []string{src}, catalog.Latest, dst)
	require.Empty(t, rr.Errors)
	compareTrees(t, src, filepath.Join(dst, filepath.Base(src)))

	// But not forever.
	backend = &flipping{Backend: storage.NewMemory(), always: true}
	e = newEnv(t, backend, func(o *Options) {
		verify(o)
		o.MaxUploads = 1
	})
	_, err := e.c.Backup(context.Background(), []string{filepath.Join(src, "a")}, BackupOptions{})
	require.True(t, storage.IsIntegrity(err), "%v", err)
	require.Equal(t, verifyAttempts, backend.puts)
	names, err := backend.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestOverlappingSources(t *testing.T) {
	e := newEnv(t, nil, nil)
	r := rand.New(rand.NewSource(14))
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a"), randBytes(r, 3*blockSize))
	writeFile(t, filepath.Join(src, "sub", "b"), randBytes(r, 2*blockSize))

	res := e.backup(t, filepath.Join(src, "sub"), src, src, filepath.Join(src, "a"))
	require.Equal(t, 2, res.FilesAdded)
	require.Equal(t, 5, res.BlocksUploaded)

	sets, err := e.c.ListBackupSets()
	require.NoError(t, err)
	require.Equal(t, []string{src}, sets[0].Sources)

	dst := t.TempDir()
	rr := e.restore(t, []string{src}, catalog.Latest, dst)
	require.Empty(t, rr.Errors)
	compareTrees(t, src, filepath.Join(dst, filepath.Base(src)))
}

// gated holds up the first volume fetch until release is closed.
type gated struct {
	storage.Backend
	once    sync.Once
	waiting chan struct{}
	release chan struct{}
}

func (g *gated) Get(ctx context.Context, name string) ([]byte, error) {
	if strings.HasSuffix(name, volume.Suffix) {
		g.once.Do(func() {
			close(g.waiting)
			<-g.release
		})
	}
	return g.Backend.Get(ctx, name)
}

func TestConcurrentRestores(t *testing.T) {
	backend := &gated{Backend: storage.NewMemory(), waiting: make(chan struct{}),
		release: make(chan struct{})}
	e := newEnv(t, backend, nil)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), []byte("contents"))
	e.backup(t, src)

	dst := t.TempDir()
	done := make(chan RestoreResult)
	go func() {
		res, _ := e.c.Restore(context.Background(), nil, catalog.Latest,
			RestoreOptions{RestorePath: dst})
		done <- res
	}()
	<-backend.waiting

	// A restore that fails while the first is still fetching.
	res, err := e.c.Restore(context.Background(), nil, catalog.Selector{SetID: 99},
		RestoreOptions{RestorePath: t.TempDir()})
	require.Error(t, err)
	require.Equal(t, Aborted, res.State)
	require.Equal(t, Aborted, e.c.RestoreState())

	close(backend.release)
	first := <-done
	require.Empty(t, first.Errors)
	require.Equal(t, 1, first.FilesRestored)
	require.Equal(t, Done, first.State)
	require.Equal(t, Done, e.c.RestoreState())
}

// corrupt flips a byte in the middle of a stored object.
func corrupt(t *testing.T, backend storage.Backend, name string) {
	ctx := context.Background()
	b, err := backend.Get(ctx, name)
	require.NoError(t, err)
	b = append([]byte(nil), b...)
	b[len(b)/2] ^= 0xff
	require.NoError(t, backend.Put(ctx, name, b))
}

func TestHashIntegrity(t *testing.T) {
	e := newEnv(t, nil, func(o *Options) { o.Volume.TargetSize = 1 })
	r := rand.New(rand.NewSource(6))
	src := t.TempDir()
	bad, good := filepath.Join(src, "bad"), filepath.Join(src, "good")
	writeFile(t, bad, randBytes(r, 2*blockSize))
	writeFile(t, good, randBytes(r, 2*blockSize))
	e.backup(t, src)

	_, refs, err := e.cat.ResolveFileVersion(bad, catalog.Latest)
	require.NoError(t, err)
	loc, found, err := e.cat.LookupBlock(refs[1].Hash)
	require.NoError(t, err)
	require.True(t, found)
	corrupt(t, e.backend, volume.ObjectName(loc.VolumeID))

	dst := t.TempDir()
	rr := e.restore(t, []string{src}, catalog.Latest, dst)
	require.Len(t, rr.Errors, 1)
	var de *storage.DataIntegrityError
	require.True(t, errors.As(rr.Errors[0], &de), "got %v", rr.Errors[0])
	require.Equal(t, 1, rr.FilesErrored)
	require.Equal(t, 1, rr.FilesRestored)
	require.Equal(t, PartiallyFailed, rr.State)

	sameContents(t, good, filepath.Join(dst, filepath.Base(src), "good"))
	_, err = os.Stat(filepath.Join(dst, filepath.Base(src), "bad"))
	require.True(t, errors.Is(err, fs.ErrNotExist))

	vr, err := e.c.Verify(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, vr.Errors, 1)
}

func TestParityRepair(t *testing.T) {
	e := newEnv(t, nil, func(o *Options) {
		o.ParityShards = 3
		o.Volume.TargetSize = 1
	})
	src := t.TempDir()
	path := filepath.Join(src, "f")
	writeFile(t, path, randBytes(rand.New(rand.NewSource(7)), 4*blockSize))
	e.backup(t, src)

	_, refs, err := e.cat.ResolveFileVersion(path, catalog.Latest)
	require.NoError(t, err)
	loc, _, err := e.cat.LookupBlock(refs[2].Hash)
	require.NoError(t, err)
	corrupt(t, e.backend, volume.ObjectName(loc.VolumeID))

	dst := t.TempDir()
	rr := e.restore(t, []string{path}, catalog.Latest, dst)
	require.Empty(t, rr.Errors)
	sameContents(t, path, filepath.Join(dst, "f"))
}

func TestRestoreVersions(t *testing.T) {
	e := newEnv(t, nil, nil)
	src := t.TempDir()
	path := filepath.Join(src, "f")
	writeFile(t, path, []byte("version one"))
	first := e.backup(t, src)
	writeFile(t, path, []byte("the second version"))
	second := e.backup(t, src)
	require.NotEqual(t, first.SetID, second.SetID)

	for sel, want := range map[catalog.Selector]string{
		{SetID: first.SetID}:  "version one",
		{SetID: second.SetID}: "the second version",
		catalog.Latest:        "the second version",
	} {
		dst := t.TempDir()
		rr := e.restore(t, []string{path}, sel, dst)
		require.Empty(t, rr.Errors, sel.String())
		b, err := os.ReadFile(filepath.Join(dst, "f"))
		require.NoError(t, err)
		require.Equal(t, want, string(b), sel.String())
	}

	_, err := e.c.Restore(context.Background(), nil, catalog.Selector{SetID: 1234},
		RestoreOptions{RestorePath: t.TempDir()})
	require.True(t, errors.Is(err, catalog.ErrNotFound))
}

func TestRestoreInPlace(t *testing.T) {
	e := newEnv(t, nil, nil)
	src, _ := makeTree(t, rand.New(rand.NewSource(8)))
	e.backup(t, src)

	saved := filepath.Join(t.TempDir(), "saved")
	require.NoError(t, os.Rename(src, saved))

	rr, err := e.c.Restore(context.Background(), []string{src}, catalog.Latest, RestoreOptions{})
	require.NoError(t, err)
	require.Empty(t, rr.Errors)
	compareTrees(t, saved, src)

	// Everything's there now, so without Overwrite, nothing is replaced.
	rr, err = e.c.Restore(context.Background(), []string{filepath.Join(src, "empty")},
		catalog.Latest, RestoreOptions{})
	require.NoError(t, err)
	require.Len(t, rr.Errors, 1)
	require.True(t, errors.Is(rr.Errors[0], ErrExists))

	rr, err = e.c.Restore(context.Background(), []string{filepath.Join(src, "empty")},
		catalog.Latest, RestoreOptions{Overwrite: true})
	require.NoError(t, err)
	require.Empty(t, rr.Errors)
	require.Equal(t, 1, rr.FilesRestored)
}

func TestRestoreMissingTarget(t *testing.T) {
	e := newEnv(t, nil, nil)
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), []byte("f"))
	e.backup(t, src)

	rr := e.restore(t, []string{filepath.Join(src, "f"), filepath.Join(src, "nope")},
		catalog.Latest, t.TempDir())
	require.Len(t, rr.Errors, 1)
	require.True(t, errors.Is(rr.Errors[0], catalog.ErrNotFound))
	require.Equal(t, 1, rr.FilesRestored)
	require.Equal(t, PartiallyFailed, e.c.RestoreState())
}

func TestCompact(t *testing.T) {
	e := newEnv(t, nil, func(o *Options) { o.Hashers = 1 })
	r := rand.New(rand.NewSource(9))
	src := t.TempDir()
	keep, drop := filepath.Join(src, "keep"), filepath.Join(src, "drop")
	writeFile(t, keep, randBytes(r, 3*blockSize))
	writeFile(t, drop, randBytes(r, 5*blockSize))

	first := e.backup(t, src)
	require.Equal(t, 1, first.VolumesUploaded)
	require.NoError(t, os.Remove(drop))
	second := e.backup(t, src)
	require.Zero(t, second.VolumesUploaded)

	ctx := context.Background()
	// Nothing to do while the first set still refers to everything.
	cr, err := e.c.Compact(ctx, DefaultCompactThreshold)
	require.NoError(t, err)
	require.Zero(t, cr.VolumesRepacked+cr.VolumesEmpty+cr.VolumesDeleted)

	require.NoError(t, e.c.DeleteBackupSet(first.SetID))
	cr, err = e.c.Compact(ctx, DefaultCompactThreshold)
	require.NoError(t, err)
	require.Empty(t, cr.Errors)
	require.Equal(t, 1, cr.VolumesRepacked)
	require.Equal(t, 1, cr.VolumesWritten)
	require.Equal(t, 1, cr.VolumesDeleted)

	names, err := e.backend.List(ctx)
	require.NoError(t, err)
	require.Len(t, names, 1)

	dst := t.TempDir()
	rr := e.restore(t, []string{keep}, catalog.Latest, dst)
	require.Empty(t, rr.Errors)
	sameContents(t, keep, filepath.Join(dst, "keep"))

	vr, err := e.c.Verify(ctx, true)
	require.NoError(t, err)
	require.Empty(t, vr.Errors)
	require.Empty(t, vr.Warnings)
	require.Equal(t, 1, vr.VolumesChecked)

	// Once no set refers to anything, it all goes.
	require.NoError(t, e.c.DeleteBackupSet(second.SetID))
	cr, err = e.c.Compact(ctx, DefaultCompactThreshold)
	require.NoError(t, err)
	require.Equal(t, 1, cr.VolumesEmpty)
	require.Equal(t, 1, cr.VolumesDeleted)
	names, err = e.backend.List(ctx)
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestVerify(t *testing.T) {
	e := newEnv(t, nil, func(o *Options) { o.Volume.TargetSize = 1 })
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), randBytes(rand.New(rand.NewSource(10)), 3*blockSize))
	e.backup(t, src)

	ctx := context.Background()
	vr, err := e.c.Verify(ctx, true)
	require.NoError(t, err)
	require.Empty(t, vr.Errors)
	require.Empty(t, vr.Warnings)
	require.Equal(t, 3, vr.VolumesChecked)

	require.NoError(t, e.backend.Put(ctx, "stray", []byte("?")))
	names, err := e.backend.List(ctx)
	require.NoError(t, err)
	var vols []string
	for _, n := range names {
		if strings.HasSuffix(n, volume.Suffix) {
			vols = append(vols, n)
		}
	}
	require.Len(t, vols, 3)
	require.NoError(t, e.backend.Delete(ctx, vols[0]))
	corrupt(t, e.backend, vols[1])

	// A quick check only notices the missing one.
	vr, err = e.c.Verify(ctx, false)
	require.NoError(t, err)
	require.Len(t, vr.Errors, 1)
	require.Len(t, vr.Warnings, 1)

	vr, err = e.c.Verify(ctx, true)
	require.NoError(t, err)
	require.Len(t, vr.Errors, 2)
}

func TestKey(t *testing.T) {
	cat, err := catalog.Open(catalog.Options{InMemory: true})
	require.NoError(t, err)
	defer cat.Close()

	k1, err := Key(cat, "correct horse")
	require.NoError(t, err)
	require.Len(t, k1, volume.KeySize)
	k2, err := Key(cat, "correct horse")
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	_, err = Key(cat, "battery staple")
	var ce *storage.FatalConfigError
	require.True(t, errors.As(err, &ce), "got %v", err)
}

func TestConfigErrors(t *testing.T) {
	cat, err := catalog.Open(catalog.Options{InMemory: true})
	require.NoError(t, err)
	defer cat.Close()

	for _, opts := range []Options{
		{Volume: volume.Options{Algorithm: volume.AES256GCM}},
		{Volume: volume.Options{Algorithm: "rot13"}},
		{Chunking: chunk.Config{Mode: "psychic"}},
		{ParityShards: -1},
	} {
		_, err := New(cat, storage.NewMemory(), opts)
		var ce *storage.FatalConfigError
		require.True(t, errors.As(err, &ce), "%+v: got %v", opts, err)
	}
}

func TestStates(t *testing.T) {
	e := newEnv(t, nil, nil)
	require.Equal(t, Idle, e.c.State())
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "f"), []byte("x"))
	e.backup(t, src)
	require.Equal(t, Done, e.c.State())
	e.restore(t, nil, catalog.Latest, t.TempDir())
	require.Equal(t, Done, e.c.RestoreState())

	require.Equal(t, "partially failed", PartiallyFailed.String())
	require.True(t, Aborted.Terminal())
	require.False(t, Uploading.Terminal())
}

func TestPending(t *testing.T) {
	p := newPending()
	h := storage.HashBytes([]byte("x"))
	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Claim(h) {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, claimed)
	require.Equal(t, 1, p.Len())
}
