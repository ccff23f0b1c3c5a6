// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package catalog

import (
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/mmp/bkpack/storage"
	"github.com/pkg/errors"
)

// GetVolume returns the record for the volume with the given id.
func (c *Catalog) GetVolume(id string) (Volume, error) {
	var v Volume
	err := c.db.View(func(txn *badger.Txn) error {
		return get(txn, volKey(id), &v)
	})
	return v, err
}

// Volumes returns all of the volumes the catalog knows about, in any
// state.
func (c *Catalog) Volumes() ([]Volume, error) {
	var vols []Volume
	err := c.db.View(func(txn *badger.Txn) error {
		return iterate(txn, volPrefix, true, func(k, v []byte) error {
			var vol Volume
			if err := unmarshal(v, &vol); err != nil {
				return err
			}
			vols = append(vols, vol)
			return nil
		})
	})
	return vols, err
}

// DeletableVolumes returns the volumes that are no longer needed and
// may be deleted from the backend.
func (c *Catalog) DeletableVolumes() ([]Volume, error) {
	vols, err := c.Volumes()
	var d []Volume
	for _, v := range vols {
		if v.State == VolumeDeletable {
			d = append(d, v)
		}
	}
	return d, err
}

// ForgetVolume removes the record of a deletable volume, once it has
// been deleted from the backend.
func (c *Catalog) ForgetVolume(id string) error {
	return c.update(func(txn *badger.Txn) error {
		var v Volume
		if err := get(txn, volKey(id), &v); err != nil {
			return err
		}
		if v.State != VolumeDeletable {
			return errors.Errorf("volume %s is %s, not deletable", id, v.State)
		}
		return txn.Delete(volKey(id))
	})
}

// liveBlocks returns the hashes of all blocks referenced by any file
// version, committed or staged.
func liveBlocks(txn *badger.Txn) (map[storage.Hash]struct{}, error) {
	live := make(map[storage.Hash]struct{})
	err := iterate(txn, refPrefix, true, func(k, v []byte) error {
		var refs []BlockRef
		if err := unmarshal(v, &refs); err != nil {
			return err
		}
		for _, r := range refs {
			live[r.Hash] = struct{}{}
		}
		return nil
	})
	return live, err
}

// Usage describes how much of a committed volume is still referenced.
type Usage struct {
	Volume     Volume
	LiveBlocks int
	LiveBytes  int64
	TotalBytes int64
	// Live holds the hashes of the volume's live blocks.
	Live []storage.Hash
}

// Ratio returns the fraction of the volume's payload that's live.
func (u Usage) Ratio() float64 {
	if u.TotalBytes == 0 {
		return 0
	}
	return float64(u.LiveBytes) / float64(u.TotalBytes)
}

// VolumeUsage returns the usage of every committed volume, sparsest
// first.
func (c *Catalog) VolumeUsage() ([]Usage, error) {
	var usage []Usage
	err := c.db.View(func(txn *badger.Txn) error {
		live, err := liveBlocks(txn)
		if err != nil {
			return err
		}
		return iterate(txn, volPrefix, true, func(k, v []byte) error {
			var vol Volume
			if err := unmarshal(v, &vol); err != nil {
				return err
			}
			if vol.State != VolumeCommitted {
				return nil
			}
			u := Usage{Volume: vol}
			for _, e := range vol.Entries {
				u.TotalBytes += e.Length
				if _, ok := live[e.Hash]; ok {
					u.LiveBlocks++
					u.LiveBytes += e.Length
					u.Live = append(u.Live, e.Hash)
				}
			}
			usage = append(usage, u)
			return nil
		})
	})
	sort.SliceStable(usage, func(i, j int) bool { return usage[i].Ratio() < usage[j].Ratio() })
	return usage, err
}

// ReplaceVolumes atomically swaps the old volumes for the replacements:
// block locations that pointed into the old volumes are repointed to the
// replacements, which are recorded as committed, and the old volumes are
// marked deletable. If any block that's still referenced by a file
// version would be left without a location, a *ConsistencyError is
// returned and nothing changes.
func (c *Catalog) ReplaceVolumes(old []string, replacements []Volume) error {
	return c.update(func(txn *badger.Txn) error {
		live, err := liveBlocks(txn)
		if err != nil {
			return err
		}

		newIDs := make(map[string]struct{})
		replaced := make(map[storage.Hash]struct{})
		for _, v := range replacements {
			newIDs[v.ID] = struct{}{}
			for _, e := range v.Entries {
				replaced[e.Hash] = struct{}{}
			}
		}

		for _, id := range old {
			var v Volume
			if err := get(txn, volKey(id), &v); err != nil {
				return err
			}
			if v.State != VolumeCommitted {
				return inconsistent("volume %s is %s; only committed volumes can be replaced",
					id, v.State)
			}
			for _, e := range v.Entries {
				var loc BlockLocation
				if err := get(txn, blkKey(e.Hash), &loc); err != nil || loc.VolumeID != id {
					// Stored elsewhere, or not at all.
					continue
				}
				if _, ok := replaced[e.Hash]; ok {
					continue
				}
				if _, ok := live[e.Hash]; ok {
					return inconsistent("volume %s: block %s is still referenced", id,
						e.Hash.Short())
				}
				if err := txn.Delete(blkKey(e.Hash)); err != nil {
					return err
				}
			}
			if _, ok := newIDs[id]; ok {
				continue
			}
			v.State = VolumeDeletable
			if err := put(txn, volKey(id), v); err != nil {
				return err
			}
		}

		for _, v := range replacements {
			v.State = VolumeCommitted
			if err := put(txn, volKey(v.ID), v); err != nil {
				return err
			}
			for _, e := range v.Entries {
				loc := BlockLocation{VolumeID: v.ID, Offset: e.Offset, Length: e.Length}
				if err := put(txn, blkKey(e.Hash), loc); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Fsck checks the referential integrity of the catalog and returns a
// description of each problem found.
func (c *Catalog) Fsck() ([]error, error) {
	var problems []error
	err := c.db.View(func(txn *badger.Txn) error {
		sets := make(map[uint64]BackupSet)
		if err := iterate(txn, setPrefix, true, func(k, v []byte) error {
			var s BackupSet
			if err := unmarshal(v, &s); err != nil {
				return err
			}
			sets[s.ID] = s
			return nil
		}); err != nil {
			return err
		}

		vols := make(map[string]Volume)
		if err := iterate(txn, volPrefix, true, func(k, v []byte) error {
			var vol Volume
			if err := unmarshal(v, &vol); err != nil {
				return err
			}
			vols[vol.ID] = vol
			return nil
		}); err != nil {
			return err
		}

		if err := iterate(txn, fvPrefix, true, func(k, v []byte) error {
			var fv FileVersion
			if err := unmarshal(v, &fv); err != nil {
				return err
			}
			set, ok := sets[fv.SetID]
			if !ok {
				problems = append(problems, inconsistent("%s: file version %d in unknown set %d",
					fv.Path, fv.ID, fv.SetID))
				return nil
			}
			if set.Status != Committed {
				return nil
			}

			var refs []BlockRef
			if err := get(txn, refKey(fv.ID), &refs); err != nil {
				problems = append(problems, inconsistent("%s: %s", fv.Path, err))
				return nil
			}
			if err := checkRefs(fv.Path, fv.Size, refs); err != nil {
				problems = append(problems, err)
			}
			for _, r := range refs {
				var loc BlockLocation
				if err := get(txn, blkKey(r.Hash), &loc); err != nil {
					problems = append(problems, inconsistent("%s: block %s has no location",
						fv.Path, r.Hash.Short()))
					continue
				}
				if vol, ok := vols[loc.VolumeID]; !ok || vol.State != VolumeCommitted {
					problems = append(problems, inconsistent("%s: block %s in missing or uncommitted volume %s",
						fv.Path, r.Hash.Short(), loc.VolumeID))
				}
			}
			return nil
		}); err != nil {
			return err
		}

		return iterate(txn, blkPrefix, true, func(k, v []byte) error {
			var loc BlockLocation
			if err := unmarshal(v, &loc); err != nil {
				return err
			}
			if _, ok := vols[loc.VolumeID]; !ok {
				h, _ := storage.NewHash(k)
				problems = append(problems, inconsistent("block %s: unknown volume %s",
					h.Short(), loc.VolumeID))
			}
			return nil
		})
	})
	return problems, err
}
