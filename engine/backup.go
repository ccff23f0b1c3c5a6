// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package engine

import (
	"context"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/mmp/bkpack/catalog"
	"github.com/mmp/bkpack/chunk"
	"github.com/mmp/bkpack/fspath"
	"github.com/mmp/bkpack/storage"
	u "github.com/mmp/bkpack/util"
	"github.com/mmp/bkpack/volume"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type BackupOptions struct {
	// Paths containing any of these, or whose names match them as glob
	// patterns, are skipped.
	Excludes []string
	// Time is recorded as the time of the backup set; now if zero.
	Time time.Time
}

// block is a new block on its way to the packer.
type block struct {
	hash storage.Hash
	data []byte
}

type backup struct {
	c     *Controller
	set   catalog.BackupSet
	dedup dedup
	// The most recent committed set, if any, for finding unchanged files.
	prev *catalog.BackupSet
	issues

	mu  sync.Mutex
	res BackupResult
}

// Backup backs up the given source paths as a new backup set.
//
// Files are enumerated, split and hashed concurrently; new blocks are
// packed into volumes that are uploaded as they fill. Once every volume
// has been stored, the set is committed to the catalog in a single
// transaction. Problems with individual files are reported in the
// result and those files are skipped. If the run can't complete,
// because the context was canceled, a volume couldn't be stored, or the
// catalog couldn't be updated, the set is aborted: none of its file
// versions become visible and the volumes it uploaded are deleted. The
// returned error is non-nil in that case.
func (c *Controller) Backup(ctx context.Context, sources []string, opts BackupOptions) (BackupResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.advance(&c.backupState, Idle)
	b := &backup{c: c, dedup: dedup{cat: c.cat, pending: newPending()}}
	err := b.run(ctx, sources, opts)

	b.res.Errors, b.res.Warnings = b.errors, b.warnings
	b.res.State = c.State()
	return b.res, err
}

func (b *backup) run(ctx context.Context, sources []string, opts BackupOptions) error {
	c := b.c
	c.advance(&c.backupState, Scanning)

	// Clean up after earlier runs that didn't make it to the end.
	if ids, err := c.cat.AbortIncomplete(); err != nil {
		return b.fail(err)
	} else if len(ids) > 0 {
		c.deleteVolumes(ctx, ids)
	}

	var roots []string
	for _, s := range sources {
		p, err := fspath.Clean(s)
		if err != nil {
			b.addError(s, err)
			continue
		}
		roots = append(roots, p)
	}
	roots = fspath.Roots(roots)
	if len(roots) == 0 {
		return b.fail(storage.ConfigErrorf("no valid source paths to back up"))
	}

	t := opts.Time
	if t.IsZero() {
		t = time.Now()
	}
	var err error
	if b.set, err = c.cat.BeginBackupSet(t, roots); err != nil {
		return b.fail(err)
	}
	b.res.SetID = b.set.ID
	if prev, err := c.cat.ResolveSet(catalog.Latest); err == nil {
		b.prev = &prev
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return b.abort(ctx, err)
	}
	log.Verbose("backup set %d: backing up %v", b.set.ID, roots)

	if err := b.pipeline(ctx, roots, opts.Excludes); err != nil {
		return b.abort(ctx, err)
	}

	c.advance(&c.backupState, Committing)
	if err := c.cat.CommitBackupSet(b.set.ID); err != nil {
		return b.abort(ctx, err)
	}

	b.res.FilesErrored = len(b.errors)
	if len(b.errors) > 0 {
		c.advance(&c.backupState, PartiallyFailed)
	} else {
		c.advance(&c.backupState, Done)
	}
	log.Verbose("backup set %d: %d files added, %d unchanged, %d errors; uploaded %s in %d volumes",
		b.set.ID, b.res.FilesAdded, b.res.FilesUnchanged, len(b.errors),
		u.FmtBytes(b.res.BytesUploaded), b.res.VolumesUploaded)
	return nil
}

// fail records an error that kept the backup from starting.
func (b *backup) fail(err error) error {
	b.addError("", err)
	b.c.advance(&b.c.backupState, Aborted)
	return err
}

// abort discards the backup set and whatever was uploaded for it.
func (b *backup) abort(ctx context.Context, cause error) error {
	b.addError("", cause)
	// Cleanup happens even though the context may be canceled.
	ctx = context.WithoutCancel(ctx)

	ids, err := b.c.cat.AbortBackupSet(b.set.ID)
	if err != nil {
		log.Error("backup set %d: abort: %s", b.set.ID, err)
	}
	b.c.deleteVolumes(ctx, ids)

	b.res.FilesErrored = len(b.errors)
	b.c.advance(&b.c.backupState, Aborted)
	log.Warning("backup set %d aborted: %s", b.set.ID, cause)
	return cause
}

// pipeline runs the concurrent part of the backup: a scanner feeding
// hashers, which send new blocks to a single packer, which hands full
// volumes to the uploaders. Each stage is connected to the next with a
// bounded channel so that a slow backend holds everything else back.
func (b *backup) pipeline(ctx context.Context, roots, excludes []string) error {
	c := b.c
	pctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	g, gctx := errgroup.WithContext(pctx)

	files := make(chan fspath.Entry, c.opts.Hashers)
	blocks := make(chan block, 4*c.opts.Hashers)
	sealed := make(chan *volume.Sealed, c.opts.VolumesInFlight)

	g.Go(func() error {
		defer close(files)
		return b.scan(gctx, roots, excludes, files)
	})

	g.Go(func() error {
		defer close(blocks)
		hg, hctx := errgroup.WithContext(gctx)
		for i := 0; i < c.opts.Hashers; i++ {
			hg.Go(func() error {
				for e := range files {
					if err := b.hashFile(hctx, e, blocks); err != nil {
						return err
					}
				}
				return nil
			})
		}
		return hg.Wait()
	})

	g.Go(func() error {
		defer close(sealed)
		return b.pack(gctx, blocks, sealed)
	})

	// Uploads that have started run to completion even if the run is
	// canceled, so that they don't leave partial objects behind; they're
	// deleted when the set is aborted.
	var uploads errgroup.Group
	uploads.SetLimit(c.opts.MaxUploads)
	g.Go(func() error {
		for s := range sealed {
			s := s
			if gctx.Err() != nil {
				continue
			}
			c.advance(&c.backupState, Uploading)
			uploads.Go(func() error {
				err := b.upload(context.WithoutCancel(gctx), s)
				if err != nil {
					cancel(err)
				}
				return err
			})
		}
		return nil
	})

	err := g.Wait()
	if uerr := uploads.Wait(); uerr != nil {
		err = uerr
	}
	if err == nil {
		// Make sure that a cancellation right at the end still aborts.
		err = ctx.Err()
	}
	return err
}

func (b *backup) scan(ctx context.Context, roots, excludes []string, files chan<- fspath.Entry) error {
	return fspath.Walk(ctx, roots, excludes, func(e fspath.Entry, err error) error {
		if err != nil {
			b.fileProblem(e.Path, err)
			return nil
		}
		if !e.IsFile() {
			// Directories and symlinks have no blocks.
			return b.record(e, e.Size, nil)
		}

		if unchanged, err := b.unchanged(e); err != nil || unchanged {
			return err
		}

		b.c.advance(&b.c.backupState, Hashing)
		select {
		case files <- e:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// unchanged checks whether the file is the same as its most recent
// version, going by its size, modification time and mode. If so, the
// earlier version's blocks are recorded for it without reading it.
func (b *backup) unchanged(e fspath.Entry) (bool, error) {
	if b.prev == nil {
		return false, nil
	}
	prev, refs, err := b.c.cat.GetFileVersion(b.prev.ID, e.Path)
	if errors.Is(err, catalog.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if prev.Size != e.Size || !prev.ModTime.Equal(e.ModTime) || prev.Mode != uint32(e.Mode) {
		return false, nil
	}

	log.Debug("%s: unchanged since set %d", e.Path, b.prev.ID)
	if err := b.record(e, e.Size, refs); err != nil {
		return false, err
	}
	b.mu.Lock()
	b.res.FilesUnchanged++
	b.mu.Unlock()
	return true, nil
}

func (b *backup) record(e fspath.Entry, size int64, refs []catalog.BlockRef) error {
	fv := catalog.FileVersion{
		Path:       e.Path,
		Size:       size,
		ModTime:    e.ModTime,
		Mode:       uint32(e.Mode),
		LinkTarget: e.LinkTarget,
	}
	_, err := b.c.cat.RecordFileVersion(b.set.ID, fv, refs)
	return err
}

// fileProblem reports a problem with a single file.
func (b *backup) fileProblem(path string, err error) {
	if isWarning(err) {
		b.addWarning(path, err)
	} else {
		b.addError(path, err)
	}
}

// hashFile splits the file into blocks, sends the new ones to the
// packer, and records the file's version. Errors reading the file are
// reported and the file skipped; a returned error stops the backup.
func (b *backup) hashFile(ctx context.Context, e fspath.Entry, blocks chan<- block) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(fspath.OSPath(e.Path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = &fspath.PathError{Path: e.Path, Err: fspath.ErrVanished}
		}
		b.fileProblem(e.Path, err)
		return nil
	}
	defer f.Close()

	// Progress is logged for large files.
	r := &u.ReportingReader{R: f, Msg: e.Path, Log: log}
	s, err := chunk.New(r, b.c.opts.Chunking)
	if err != nil {
		return err
	}

	var refs []catalog.BlockRef
	var size int64
	nNew, nKnown := 0, 0
	for {
		// Check between blocks so that huge files don't hold up
		// cancellation.
		if err := ctx.Err(); err != nil {
			return err
		}
		blk, err := s.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			b.fileProblem(e.Path, err)
			return nil
		}

		refs = append(refs, catalog.BlockRef{Offset: blk.Offset, Length: int64(blk.Length),
			Hash: blk.Hash})
		size += int64(blk.Length)

		isNew, err := b.dedup.IsNew(blk.Hash)
		if err != nil {
			return err
		}
		if !isNew {
			nKnown++
			continue
		}
		nNew++
		select {
		case blocks <- block{hash: blk.Hash, data: blk.Data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if size != e.Size {
		b.addWarning(e.Path, errors.Errorf("size changed from %d to %d while reading", e.Size, size))
	}
	if err := b.record(e, size, refs); err != nil {
		return err
	}

	log.Debug("%s: %d blocks, %d new", e.Path, len(refs), nNew)
	b.mu.Lock()
	b.res.FilesAdded++
	b.res.BlocksDeduplicated += nKnown
	b.mu.Unlock()
	return nil
}

// pack accumulates new blocks into volumes and sends them along as they
// fill up.
func (b *backup) pack(ctx context.Context, blocks <-chan block, sealed chan<- *volume.Sealed) error {
	p, err := volume.NewPacker(b.c.opts.Volume)
	if err != nil {
		return err
	}

	seal := func() error {
		s, err := p.Seal()
		if err != nil {
			return err
		}
		log.Debug("%s: sealed %d blocks, %s", s.ID, len(s.Entries), u.FmtBytes(int64(len(s.Data))))
		select {
		case sealed <- s:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for blk := range blocks {
		b.c.advance(&b.c.backupState, Packing)
		if p.Add(blk.hash, blk.data) {
			if err := seal(); err != nil {
				return err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Len() > 0 {
		return seal()
	}
	return nil
}

// upload stores a volume and records it in the catalog as part of the
// set. If that doesn't work out, whatever made it to the backend is
// removed.
func (b *backup) upload(ctx context.Context, s *volume.Sealed) error {
	vol, err := b.c.storeVolume(ctx, s)
	if err == nil {
		err = b.c.cat.RecordVolume(b.set.ID, vol)
	}
	if err != nil {
		for _, name := range []string{volume.ObjectName(s.ID), s.ID + paritySuffix} {
			if derr := b.c.backend.Delete(ctx, name); derr != nil {
				log.Warning("%s: %s", name, derr)
			}
		}
		return err
	}

	b.mu.Lock()
	b.res.VolumesUploaded++
	b.res.BlocksUploaded += len(s.Entries)
	b.res.BytesUploaded += vol.Size
	b.mu.Unlock()
	return nil
}
