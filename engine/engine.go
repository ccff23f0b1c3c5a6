// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package engine ties the pieces together: it runs backups through the
// splitter, deduplication, the volume packer and the storage backend,
// commits them to the catalog, and reconstructs files from the catalog
// and stored volumes on restore.
package engine

import (
	"context"
	"runtime"
	"sync"

	"github.com/mmp/bkpack/catalog"
	"github.com/mmp/bkpack/chunk"
	"github.com/mmp/bkpack/rdso"
	"github.com/mmp/bkpack/storage"
	u "github.com/mmp/bkpack/util"
	"github.com/mmp/bkpack/volume"
	"github.com/pkg/errors"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

const (
	// Reed-Solomon data shards per volume when parity is enabled.
	parityDataShards = 17
	parityHashRate   = 1024 * 1024
	paritySuffix     = ".rs"

	// Times a volume is stored before giving up when it doesn't read
	// back intact.
	verifyAttempts = 3

	defaultRestoreBatch = 256 * 1024 * 1024
)

// Options configures a Controller.
type Options struct {
	Chunking chunk.Config
	Volume   volume.Options

	// Hashers is the number of files that are split and hashed
	// concurrently; NumCPU if zero.
	Hashers int
	// MaxUploads bounds the number of concurrent volume uploads and
	// MaxDownloads the number of concurrent volume fetches on restore.
	MaxUploads   int
	MaxDownloads int
	// VolumesInFlight is the number of sealed volumes that may be waiting
	// for an upload slot before packing blocks.
	VolumesInFlight int

	// ParityShards, if non-zero, is the number of Reed-Solomon parity
	// shards stored alongside each volume.
	ParityShards int
	// VerifyUploads causes each volume to be read back and checked after
	// it's stored.
	VerifyUploads bool

	// RestoreBatchBytes bounds the amount of block data held in memory
	// during restore.
	RestoreBatchBytes int64
}

func (o *Options) validate() error {
	if err := o.Chunking.Validate(); err != nil {
		return err
	}
	if err := o.Volume.Validate(); err != nil {
		return err
	}
	if o.Hashers <= 0 {
		o.Hashers = runtime.NumCPU()
	}
	if o.MaxUploads <= 0 {
		o.MaxUploads = 4
	}
	if o.MaxDownloads <= 0 {
		o.MaxDownloads = 4
	}
	if o.VolumesInFlight <= 0 {
		o.VolumesInFlight = o.MaxUploads
	}
	if o.ParityShards < 0 || o.ParityShards > 256-parityDataShards {
		return storage.ConfigErrorf("%d: invalid number of parity shards", o.ParityShards)
	}
	if o.RestoreBatchBytes <= 0 {
		o.RestoreBatchBytes = defaultRestoreBatch
	}
	return nil
}

// Controller runs backups, restores and maintenance against one catalog
// and backend. Only one backup or maintenance operation runs at a time;
// restores may run concurrently with each other and with a backup.
type Controller struct {
	cat     *catalog.Catalog
	backend storage.Backend
	opts    Options

	// Held for the duration of backups, compaction and deletion.
	mu sync.Mutex

	stateMu      sync.Mutex
	backupState  State
	restoreState State
}

// New returns a Controller; the options are validated and defaults are
// filled in. Configuration problems are reported as
// *storage.FatalConfigError.
func New(cat *catalog.Catalog, backend storage.Backend, opts Options) (*Controller, error) {
	if cat == nil || backend == nil {
		return nil, storage.ConfigErrorf("engine: catalog and backend are required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Controller{cat: cat, backend: backend, opts: opts}, nil
}

// Catalog returns the controller's catalog.
func (c *Controller) Catalog() *catalog.Catalog {
	return c.cat
}

///////////////////////////////////////////////////////////////////////////
// Volume storage helpers shared by backup and compaction.

// storeVolume writes a sealed volume and its parity, if enabled, to the
// backend and returns its catalog record. The volume is read back and
// checked first if VerifyUploads is set.
func (c *Controller) storeVolume(ctx context.Context, s *volume.Sealed) (catalog.Volume, error) {
	vol := catalog.Volume{
		ID:          s.ID,
		Algorithm:   s.Algorithm,
		Compression: s.Compression,
		Nonce:       s.Nonce,
		Size:        int64(len(s.Data)),
		PlainSize:   s.PlainSize,
		Checksum:    s.Checksum,
	}
	for _, e := range s.Entries {
		vol.Entries = append(vol.Entries, catalog.ManifestEntry{Hash: e.Hash,
			Offset: e.Offset, Length: e.Length})
	}

	name := volume.ObjectName(s.ID)
	if err := c.putVolume(ctx, name, s); err != nil {
		return vol, err
	}

	if c.opts.ParityShards > 0 {
		rs, err := rdso.Encode(s.Data, parityDataShards, c.opts.ParityShards, parityHashRate)
		if err != nil {
			return vol, errors.Wrapf(err, "%s: parity", name)
		}
		if err := c.backend.Put(ctx, s.ID+paritySuffix, rs); err != nil {
			return vol, errors.Wrapf(err, "%s: parity upload", name)
		}
		vol.HasParity = true
	}
	log.Verbose("%s: stored %d blocks, %s", name, len(vol.Entries), u.FmtBytes(vol.Size))
	return vol, nil
}

// putVolume stores the volume's bytes. With VerifyUploads, they're read
// back, and stored again if they didn't arrive intact; puts of the same
// volume are idempotent.
func (c *Controller) putVolume(ctx context.Context, name string, s *volume.Sealed) error {
	var err error
	for attempt := 1; attempt <= verifyAttempts; attempt++ {
		if err := c.backend.Put(ctx, name, s.Data); err != nil {
			return errors.Wrapf(err, "%s: upload", name)
		}
		if !c.opts.VerifyUploads {
			return nil
		}

		b, gerr := c.backend.Get(ctx, name)
		if gerr != nil {
			return errors.Wrapf(gerr, "%s: verify", name)
		}
		sum := volume.Checksum(b)
		if sum == s.Checksum {
			return nil
		}
		err = &storage.DataIntegrityError{Object: name,
			Err: errors.Errorf("checksum %s after upload, expected %s", sum, s.Checksum)}
		log.Warning("%s (attempt %d of %d)", err, attempt, verifyAttempts)
	}
	return err
}

// deleteVolumes removes the given volumes from the backend and then
// from the catalog, which must already have them marked deletable.
// Failures are logged and returned; the volumes stay deletable and are
// retried the next time around.
func (c *Controller) deleteVolumes(ctx context.Context, ids []string) []error {
	var errs []error
	for _, id := range ids {
		err := c.backend.Delete(ctx, volume.ObjectName(id))
		if err == nil {
			err = c.backend.Delete(ctx, id+paritySuffix)
		}
		if err == nil {
			err = c.cat.ForgetVolume(id)
		}
		if err != nil {
			log.Warning("%s: unable to delete volume: %s", id, err)
			errs = append(errs, errors.Wrapf(err, "%s: delete", id))
			continue
		}
		log.Debug("%s: deleted volume", id)
	}
	return errs
}

// fetchVolume gets a volume from the backend and opens it. If the stored
// bytes are damaged and there's parity for the volume, it's repaired
// first.
func (c *Controller) fetchVolume(ctx context.Context, vol catalog.Volume) (*volume.Contents, error) {
	name := volume.ObjectName(vol.ID)
	data, err := c.backend.Get(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", name)
	}

	contents, err := c.openVolume(name, vol, data)
	if err == nil || !storage.IsIntegrity(err) || !vol.HasParity {
		return contents, err
	}

	log.Warning("%s: %s; trying to repair from parity", name, err)
	rs, rerr := c.backend.Get(ctx, vol.ID+paritySuffix)
	if rerr != nil {
		log.Warning("%s: %s", vol.ID+paritySuffix, rerr)
		return nil, err
	}
	repaired, rerr := rdso.Repair(data, rs, log)
	if rerr != nil {
		log.Warning("%s: %s", name, rerr)
		return nil, err
	}
	return c.openVolume(name, vol, repaired)
}

func (c *Controller) openVolume(name string, vol catalog.Volume, data []byte) (*volume.Contents, error) {
	if vol.Checksum != "" {
		if sum := volume.Checksum(data); sum != vol.Checksum {
			return nil, &storage.DataIntegrityError{Object: name,
				Err: errors.Errorf("checksum %s, expected %s", sum, vol.Checksum)}
		}
	}
	return volume.Open(name, data, c.opts.Volume.Key)
}
