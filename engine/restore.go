// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package engine

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mmp/bkpack/catalog"
	"github.com/mmp/bkpack/fspath"
	"github.com/mmp/bkpack/storage"
	"github.com/mmp/bkpack/volume"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var ErrExists = errors.New("file exists; not overwriting")

type RestoreOptions struct {
	// RestorePath, if non-empty, is the directory to restore into. Each
	// file is placed there at its path relative to the common parent
	// directory of the restore targets; restoring a single file puts it
	// directly in RestorePath. Otherwise files are restored to their
	// original locations.
	RestorePath string
	// Overwrite allows existing files to be replaced.
	Overwrite bool
}

type restoreItem struct {
	fv   catalog.FileVersion
	refs []catalog.BlockRef
	dest string
}

func (it *restoreItem) mode() os.FileMode {
	return os.FileMode(it.fv.Mode)
}

type restore struct {
	c    *Controller
	opts RestoreOptions
	issues

	// Guarded by c.stateMu.
	state State

	mu  sync.Mutex
	res RestoreResult
}

// advance moves the restore to s and mirrors that to the controller.
func (r *restore) advance(s State) {
	r.c.stateMu.Lock()
	defer r.c.stateMu.Unlock()
	if step(&r.state, s) {
		r.c.restoreState = s
	}
}

// Restore restores the given target paths, files or directories, from
// the backup set chosen by sel; all of the set's files are restored if
// there are no targets. Every block is checked against its hash before
// it's written, and each file is written to a temporary file that's
// renamed into place only once it's complete. Problems with individual
// files, including corrupted data, are reported in the result without
// affecting the others. A non-nil error is returned if the restore
// couldn't be carried out at all.
func (c *Controller) Restore(ctx context.Context, targets []string, sel catalog.Selector,
	opts RestoreOptions) (RestoreResult, error) {
	r := &restore{c: c, opts: opts}
	err := r.run(ctx, targets, sel)

	if err != nil {
		r.addError("", err)
		r.advance(Aborted)
	} else if len(r.errors) > 0 {
		r.advance(PartiallyFailed)
	} else {
		r.advance(Done)
	}
	r.res.Errors, r.res.Warnings = r.errors, r.warnings
	c.stateMu.Lock()
	r.res.State = r.state
	c.stateMu.Unlock()
	return r.res, err
}

func (r *restore) run(ctx context.Context, targets []string, sel catalog.Selector) error {
	c := r.c
	r.advance(Resolving)

	items, err := r.resolve(targets, sel)
	if err != nil {
		return err
	}

	var files, links, dirs []*restoreItem
	for _, it := range items {
		switch m := it.mode(); {
		case m.IsDir():
			dirs = append(dirs, it)
		case m&os.ModeSymlink != 0:
			links = append(links, it)
		default:
			files = append(files, it)
		}
	}

	for _, it := range dirs {
		if err := os.MkdirAll(fspath.OSPath(it.dest), 0755); err != nil {
			r.fileError(it, err)
		}
	}

	// Fetch the blocks for as many files as fit in the batch budget,
	// write those files, and repeat.
	for len(files) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, needed := r.batch(files)
		blocks, failed, err := c.fetchBlocks(ctx, needed, r.advance)
		if err != nil {
			return err
		}

		r.advance(Reconstructing)
		for _, it := range files[:n] {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.writeFile(it, blocks, failed); err != nil {
				r.fileError(it, err)
			}
		}
		files = files[n:]
	}

	for _, it := range links {
		if err := r.writeLink(it); err != nil {
			r.fileError(it, err)
		}
	}

	// Deepest first, so that setting a directory's times isn't undone by
	// restoring its subdirectories.
	for i := len(dirs) - 1; i >= 0; i-- {
		it := dirs[i]
		p := fspath.OSPath(it.dest)
		if err := os.Chmod(p, it.mode().Perm()); err != nil {
			r.fileError(it, err)
			continue
		}
		if err := os.Chtimes(p, it.fv.ModTime, it.fv.ModTime); err != nil {
			r.fileError(it, err)
		}
	}
	return nil
}

// resolve finds the file versions to restore and where they go.
func (r *restore) resolve(targets []string, sel catalog.Selector) ([]*restoreItem, error) {
	set, err := r.c.cat.ResolveSet(sel)
	if err != nil {
		return nil, err
	}
	all, err := r.c.cat.ListFiles(set.ID)
	if err != nil {
		return nil, err
	}

	var selected []catalog.FileVersion
	roots := set.Sources
	if len(targets) == 0 {
		selected = all
	} else {
		roots = nil
		seen := make(map[uint64]bool)
		for _, t := range targets {
			p, err := fspath.Clean(t)
			if err != nil {
				r.addError(t, err)
				continue
			}
			prefix := strings.TrimSuffix(p, string(filepath.Separator)) + string(filepath.Separator)
			matched := false
			for _, fv := range all {
				if fv.Path != p && !strings.HasPrefix(fv.Path, prefix) {
					continue
				}
				matched = true
				if !seen[fv.ID] {
					seen[fv.ID] = true
					selected = append(selected, fv)
				}
			}
			if !matched {
				r.addError(p, errors.Wrapf(catalog.ErrNotFound, "set %d", set.ID))
				continue
			}
			roots = append(roots, p)
		}
		sort.Slice(selected, func(i, j int) bool { return selected[i].Path < selected[j].Path })
	}
	log.Verbose("restoring %d entries from backup set %d", len(selected), set.ID)

	parent := fspath.CommonParent(roots)
	var items []*restoreItem
	for _, fv := range selected {
		dest, err := fspath.Destination(r.opts.RestorePath, parent, fv.Path)
		if err != nil {
			r.addError(fv.Path, err)
			r.res.FilesErrored++
			continue
		}
		it := &restoreItem{fv: fv, dest: dest}
		if it.mode().IsRegular() {
			if it.refs, err = r.c.cat.BlockRefs(fv.ID); err != nil {
				return nil, err
			}
		}
		items = append(items, it)
	}
	return items, nil
}

// batch returns the number of files at the start of files whose unique
// blocks fit in the batch budget, always at least one, and their hashes.
func (r *restore) batch(files []*restoreItem) (int, []storage.Hash) {
	seen := make(map[storage.Hash]bool)
	var hashes []storage.Hash
	var size int64
	n := 0
	for ; n < len(files); n++ {
		var fileSize int64
		var fileHashes []storage.Hash
		for _, ref := range files[n].refs {
			if !seen[ref.Hash] {
				seen[ref.Hash] = true
				fileHashes = append(fileHashes, ref.Hash)
				fileSize += ref.Length
			}
		}
		if n > 0 && size+fileSize > r.c.opts.RestoreBatchBytes {
			break
		}
		size += fileSize
		hashes = append(hashes, fileHashes...)
	}
	return n, hashes
}

func (r *restore) fileError(it *restoreItem, err error) {
	r.addError(it.fv.Path, err)
	r.mu.Lock()
	r.res.FilesErrored++
	r.mu.Unlock()
}

// prepare makes sure that dest's directory exists and that it's okay to
// replace dest, if it's there already.
func (r *restore) prepare(dest string) error {
	if err := os.MkdirAll(fspath.OSPath(filepath.Dir(dest)), 0755); err != nil {
		return err
	}
	if _, err := os.Lstat(fspath.OSPath(dest)); err == nil {
		if !r.opts.Overwrite {
			return &fspath.PathError{Path: dest, Err: ErrExists}
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// writeFile reconstructs a file from its blocks. The data is written to
// a temporary file in the destination directory that's renamed into
// place once it's all there.
func (r *restore) writeFile(it *restoreItem, blocks map[storage.Hash][]byte,
	failed map[storage.Hash]error) error {
	for _, ref := range it.refs {
		if err, ok := failed[ref.Hash]; ok {
			return err
		}
	}
	if err := r.prepare(it.dest); err != nil {
		return err
	}

	// The temporary file gets a short name of its own since the
	// destination's name may already be as long as names can be.
	f, err := os.CreateTemp(fspath.OSPath(filepath.Dir(it.dest)), ".bkpack-restore-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	var written int64
	for _, ref := range it.refs {
		b, ok := blocks[ref.Hash]
		if !ok || int64(len(b)) != ref.Length {
			f.Close()
			return &storage.DataIntegrityError{Object: ref.Hash.String(),
				Err: errors.Errorf("block at offset %d has length %d, expected %d",
					ref.Offset, len(b), ref.Length)}
		}
		if _, err := f.Write(b); err != nil {
			f.Close()
			return err
		}
		written += ref.Length
	}
	if written != it.fv.Size {
		f.Close()
		return errors.Errorf("reconstructed %d bytes, expected %d", written, it.fv.Size)
	}

	if err := f.Chmod(it.mode().Perm()); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	dest := fspath.OSPath(it.dest)
	if err := os.Rename(tmp, dest); err != nil {
		return err
	}
	if err := os.Chtimes(dest, it.fv.ModTime, it.fv.ModTime); err != nil {
		return err
	}

	log.Debug("%s: restored %d bytes to %s", it.fv.Path, written, it.dest)
	r.mu.Lock()
	r.res.FilesRestored++
	r.res.BytesRestored += written
	r.mu.Unlock()
	return nil
}

func (r *restore) writeLink(it *restoreItem) error {
	if err := r.prepare(it.dest); err != nil {
		return err
	}
	dest := fspath.OSPath(it.dest)
	if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Symlink(it.fv.LinkTarget, dest); err != nil {
		return err
	}
	r.mu.Lock()
	r.res.FilesRestored++
	r.mu.Unlock()
	return nil
}

///////////////////////////////////////////////////////////////////////////

// fetchBlocks gets the blocks with the given hashes, fetching each
// volume that holds any of them once. Blocks that can't be had, because
// their volume is missing or damaged or the block itself doesn't match
// its hash, are returned in failed along with the reason. The returned
// error is only non-nil if the context is canceled or the catalog can't
// be read.
func (c *Controller) fetchBlocks(ctx context.Context, hashes []storage.Hash,
	progress func(State)) (blocks map[storage.Hash][]byte, failed map[storage.Hash]error, err error) {
	blocks = make(map[storage.Hash][]byte)
	failed = make(map[storage.Hash]error)

	byVolume := make(map[string][]storage.Hash)
	for _, h := range hashes {
		loc, found, err := c.cat.LookupBlock(h)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			failed[h] = &catalog.ConsistencyError{Msg: "block " + h.Short() +
				" isn't in any committed volume"}
			continue
		}
		byVolume[loc.VolumeID] = append(byVolume[loc.VolumeID], h)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.MaxDownloads)
	for id, hs := range byVolume {
		id, hs := id, hs
		g.Go(func() error {
			if progress != nil {
				progress(Fetching)
			}
			vol, err := c.cat.GetVolume(id)
			var contents *volume.Contents
			if err == nil {
				contents, err = c.fetchVolume(gctx, vol)
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Error("%s: %s", id, err)
				for _, h := range hs {
					failed[h] = err
				}
				return nil
			}
			for _, h := range hs {
				if b, err := contents.Block(h); err != nil {
					failed[h] = err
				} else {
					blocks[h] = b
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return blocks, failed, nil
}

// ReadFile returns the contents of a file version.
func (c *Controller) ReadFile(ctx context.Context, fv catalog.FileVersion) ([]byte, error) {
	refs, err := c.cat.BlockRefs(fv.ID)
	if err != nil {
		return nil, err
	}
	hashes := make([]storage.Hash, len(refs))
	for i, r := range refs {
		hashes[i] = r.Hash
	}
	blocks, failed, err := c.fetchBlocks(ctx, hashes, nil)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, fv.Size)
	for _, r := range refs {
		if err, ok := failed[r.Hash]; ok {
			return nil, err
		}
		buf = append(buf, blocks[r.Hash]...)
	}
	if int64(len(buf)) != fv.Size {
		return nil, &storage.DataIntegrityError{Object: fv.Path,
			Err: errors.Errorf("reconstructed %d bytes, expected %d", len(buf), fv.Size)}
	}
	return buf, nil
}
