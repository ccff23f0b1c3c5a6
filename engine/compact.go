// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package engine

import (
	"context"

	"github.com/mmp/bkpack/catalog"
	"github.com/mmp/bkpack/volume"
	"github.com/pkg/errors"
)

// DefaultCompactThreshold is the live fraction below which volumes are
// repacked by Compact.
const DefaultCompactThreshold = 0.5

type CompactResult struct {
	// Volumes with no live blocks, which are simply deleted.
	VolumesEmpty int
	// Sparse volumes whose live blocks were repacked.
	VolumesRepacked int
	VolumesWritten  int
	VolumesDeleted  int
	BytesWritten    int64
	BytesDeleted    int64
	Errors          []error
}

// Compact reclaims space held by blocks that are no longer referenced by
// any file version, e.g. after backup sets have been deleted. Volumes
// with no live blocks are retired outright; the live blocks of volumes
// whose live fraction is below threshold are packed into new volumes,
// which replace them in a single catalog transaction. Retired volumes
// are then deleted from the backend. A volume is never retired while a
// committed file version still refers to a block that only it holds.
func (c *Controller) Compact(ctx context.Context, threshold float64) (CompactResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res CompactResult
	usage, err := c.cat.VolumeUsage()
	if err != nil {
		return res, err
	}

	var empty []string
	var sparse []catalog.Usage
	for _, u := range usage {
		switch {
		case u.LiveBlocks == 0:
			empty = append(empty, u.Volume.ID)
		case u.Ratio() < threshold:
			sparse = append(sparse, u)
		}
	}

	if len(empty) > 0 {
		if err := c.cat.ReplaceVolumes(empty, nil); err != nil {
			return res, err
		}
		res.VolumesEmpty = len(empty)
		log.Verbose("retired %d volumes with no live blocks", len(empty))
	}

	if len(sparse) > 0 {
		if err := c.repack(ctx, sparse, &res); err != nil {
			return res, err
		}
	}

	deletable, err := c.cat.DeletableVolumes()
	if err != nil {
		return res, err
	}
	var ids []string
	sizes := make(map[string]int64)
	for _, v := range deletable {
		ids = append(ids, v.ID)
		sizes[v.ID] = v.Size
	}
	errs := c.deleteVolumes(ctx, ids)
	res.Errors = append(res.Errors, errs...)
	res.VolumesDeleted = len(ids) - len(errs)
	for _, id := range ids {
		if _, err := c.cat.GetVolume(id); errors.Is(err, catalog.ErrNotFound) {
			res.BytesDeleted += sizes[id]
		}
	}
	return res, ctx.Err()
}

// repack copies the live blocks of the given volumes into new ones and
// swaps them in.
func (c *Controller) repack(ctx context.Context, sparse []catalog.Usage, res *CompactResult) error {
	p, err := volume.NewPacker(c.opts.Volume)
	if err != nil {
		return err
	}

	var old []string
	var written []catalog.Volume
	seal := func() error {
		s, err := p.Seal()
		if err != nil {
			return err
		}
		vol, err := c.storeVolume(ctx, s)
		if err != nil {
			return err
		}
		written = append(written, vol)
		res.BytesWritten += vol.Size
		return nil
	}
	// Volumes that were stored but never made it into the catalog.
	cleanup := func() {
		var ids []string
		for _, v := range written {
			ids = append(ids, v.ID)
		}
		for _, id := range ids {
			for _, name := range []string{volume.ObjectName(id), id + paritySuffix} {
				if err := c.backend.Delete(context.WithoutCancel(ctx), name); err != nil {
					log.Warning("%s: %s", name, err)
				}
			}
		}
	}

	for _, u := range sparse {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}
		contents, err := c.fetchVolume(ctx, u.Volume)
		if err != nil {
			res.Errors = append(res.Errors, errors.Wrapf(err, "%s: not repacking", u.Volume.ID))
			log.Error("%s: not repacking: %s", u.Volume.ID, err)
			continue
		}

		blocks := make([][]byte, len(u.Live))
		for i, h := range u.Live {
			if blocks[i], err = contents.Block(h); err != nil {
				break
			}
		}
		if err != nil {
			res.Errors = append(res.Errors, errors.Wrapf(err, "%s: not repacking", u.Volume.ID))
			log.Error("%s: not repacking: %s", u.Volume.ID, err)
			continue
		}

		log.Verbose("%s: repacking %d of %d blocks", u.Volume.ID, u.LiveBlocks,
			len(u.Volume.Entries))
		for i, h := range u.Live {
			if p.Add(h, blocks[i]) {
				if err := seal(); err != nil {
					cleanup()
					return err
				}
			}
		}
		old = append(old, u.Volume.ID)
	}
	if p.Len() > 0 {
		if err := seal(); err != nil {
			cleanup()
			return err
		}
	}
	if len(old) == 0 {
		return nil
	}

	if err := c.cat.ReplaceVolumes(old, written); err != nil {
		cleanup()
		return err
	}
	res.VolumesRepacked = len(old)
	res.VolumesWritten = len(written)
	return nil
}
