// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package engine

import (
	"context"

	"github.com/mmp/bkpack/catalog"
	"github.com/mmp/bkpack/rdso"
	"github.com/mmp/bkpack/volume"
	"github.com/pkg/errors"
)

type VerifyResult struct {
	VolumesChecked int
	Errors         []error
	// Warnings are for things like objects in the backend that the
	// catalog doesn't know about.
	Warnings []error
}

// Verify checks the catalog's integrity and that the backend holds every
// committed volume. If full is set, each volume is also downloaded and
// checked: its checksum, that it decrypts, that every block matches its
// hash, and that its parity, if any, is consistent.
func (c *Controller) Verify(ctx context.Context, full bool) (VerifyResult, error) {
	var res VerifyResult

	problems, err := c.cat.Fsck()
	if err != nil {
		return res, err
	}
	res.Errors = append(res.Errors, problems...)

	names, err := c.backend.List(ctx)
	if err != nil {
		return res, err
	}
	have := make(map[string]bool)
	for _, n := range names {
		have[n] = true
	}

	vols, err := c.cat.Volumes()
	if err != nil {
		return res, err
	}
	known := make(map[string]bool)
	for _, v := range vols {
		name, rsName := volume.ObjectName(v.ID), v.ID+paritySuffix
		known[name] = true
		known[rsName] = true
		if v.State != catalog.VolumeCommitted {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		res.VolumesChecked++
		if !have[name] {
			res.Errors = append(res.Errors, errors.Errorf("%s: missing from %s", name, c.backend))
			continue
		}
		if v.HasParity && !have[rsName] {
			res.Warnings = append(res.Warnings, errors.Errorf("%s: missing from %s", rsName, c.backend))
		}
		if full {
			if err := c.verifyVolume(ctx, v, have[rsName]); err != nil {
				res.Errors = append(res.Errors, err)
			}
		}
	}

	for _, n := range names {
		if !known[n] {
			res.Warnings = append(res.Warnings, errors.Errorf("%s: not in catalog", n))
		}
	}
	for _, err := range res.Errors {
		log.Error("%s", err)
	}
	for _, err := range res.Warnings {
		log.Warning("%s", err)
	}
	return res, nil
}

func (c *Controller) verifyVolume(ctx context.Context, v catalog.Volume, parity bool) error {
	name := volume.ObjectName(v.ID)
	data, err := c.backend.Get(ctx, name)
	if err != nil {
		return errors.Wrap(err, name)
	}
	if v.Size != int64(len(data)) {
		return errors.Errorf("%s: size %d, expected %d", name, len(data), v.Size)
	}
	contents, err := c.openVolume(name, v, data)
	if err == nil {
		err = contents.Verify()
	}
	if err == nil {
		for _, e := range v.Entries {
			if _, err = contents.Block(e.Hash); err != nil {
				break
			}
		}
	}
	if err != nil {
		return err
	}

	if v.HasParity && parity {
		rs, err := c.backend.Get(ctx, v.ID+paritySuffix)
		if err != nil {
			return errors.Wrap(err, v.ID+paritySuffix)
		}
		if err := rdso.Check(data, rs, nil); err != nil {
			return errors.Wrap(err, v.ID+paritySuffix)
		}
	}
	log.Debug("%s: verified %d blocks", name, len(v.Entries))
	return nil
}
