// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package catalog

import (
	"encoding/binary"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// BeginBackupSet starts a new backup set. Only one set may be in
// progress at a time; ErrSetInProgress is returned if there's already
// one.
func (c *Catalog) BeginBackupSet(t time.Time, sources []string) (BackupSet, error) {
	id, err := nextID(c.setSeq)
	if err != nil {
		return BackupSet{}, err
	}
	set := BackupSet{ID: id, Time: t, Status: InProgress, Sources: sources}

	err = c.update(func(txn *badger.Txn) error {
		err := iterate(txn, setPrefix, true, func(k, v []byte) error {
			var s BackupSet
			if err := unmarshal(v, &s); err != nil {
				return err
			}
			if s.Status == InProgress {
				return errors.Wrapf(ErrSetInProgress, "set %d", s.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		return put(txn, setKey(id), set)
	})
	if err != nil {
		return BackupSet{}, err
	}
	log.Debug("began backup set %d", id)
	return set, nil
}

func (c *Catalog) activeSet(txn *badger.Txn, setID uint64) (BackupSet, error) {
	var set BackupSet
	if err := get(txn, setKey(setID), &set); err != nil {
		return set, err
	}
	if set.Status != InProgress {
		return set, errors.Wrapf(ErrSetNotActive, "set %d is %s", setID, set.Status)
	}
	return set, nil
}

// checkRefs makes sure that the refs cover exactly size bytes, in order.
func checkRefs(path string, size int64, refs []BlockRef) error {
	var offset int64
	for i, r := range refs {
		if r.Offset != offset {
			return inconsistent("%s: block %d at offset %d, expected %d", path, i,
				r.Offset, offset)
		}
		if r.Length <= 0 {
			return inconsistent("%s: block %d has length %d", path, i, r.Length)
		}
		offset += r.Length
	}
	if offset != size {
		return inconsistent("%s: blocks cover %d bytes but size is %d", path, offset, size)
	}
	return nil
}

// RecordFileVersion stages a file version and its block references in
// the given in-progress set. It isn't visible to queries until the set
// is committed. The returned FileVersion has its ID and SetID filled in.
func (c *Catalog) RecordFileVersion(setID uint64, fv FileVersion, refs []BlockRef) (FileVersion, error) {
	if err := checkRefs(fv.Path, fv.Size, refs); err != nil {
		return fv, err
	}
	id, err := nextID(c.fvSeq)
	if err != nil {
		return fv, err
	}
	fv.ID, fv.SetID = id, setID

	err = c.update(func(txn *badger.Txn) error {
		if _, err := c.activeSet(txn, setID); err != nil {
			return err
		}
		pk := pathKey(fv.Path, setID)
		if _, err := txn.Get(pk); err == nil {
			return errors.Errorf("%s: already recorded in set %d", fv.Path, setID)
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if err := put(txn, fvKey(id), fv); err != nil {
			return err
		}
		if err := put(txn, refKey(id), refs); err != nil {
			return err
		}
		if err := txn.Set(pk, be64(id)); err != nil {
			return err
		}
		return txn.Set(setFVKey(setID, id), nil)
	})
	return fv, err
}

// RecordVolume records a volume that has been durably stored by the
// backend as part of the given in-progress set, along with the locations
// of its blocks. The volume and its blocks only become available for
// deduplication once the set commits.
func (c *Catalog) RecordVolume(setID uint64, vol Volume) error {
	vol.SetID = setID
	vol.State = VolumeUploaded

	return c.update(func(txn *badger.Txn) error {
		if _, err := c.activeSet(txn, setID); err != nil {
			return err
		}
		if err := put(txn, volKey(vol.ID), vol); err != nil {
			return err
		}
		if err := txn.Set(setVolKey(setID, vol.ID), nil); err != nil {
			return err
		}

		for _, e := range vol.Entries {
			// Don't clobber the location of a block that's already
			// safely stored elsewhere.
			var loc BlockLocation
			if err := get(txn, blkKey(e.Hash), &loc); err == nil && loc.VolumeID != vol.ID {
				var other Volume
				if err := get(txn, volKey(loc.VolumeID), &other); err == nil &&
					other.State == VolumeCommitted {
					continue
				}
			}
			loc = BlockLocation{VolumeID: vol.ID, Offset: e.Offset, Length: e.Length}
			if err := put(txn, blkKey(e.Hash), loc); err != nil {
				return err
			}
		}
		return nil
	})
}

// CommitBackupSet atomically makes all of the file versions and volumes
// recorded for the set visible. Before doing so, it verifies that every
// block referenced by the set's file versions is stored in a volume that
// is either already committed or was uploaded as part of this set; if
// not, a *ConsistencyError is returned and nothing changes.
func (c *Catalog) CommitBackupSet(setID uint64) error {
	return c.update(func(txn *badger.Txn) error {
		set, err := c.activeSet(txn, setID)
		if err != nil {
			return err
		}

		states := make(map[string]Volume)
		volume := func(id string) (Volume, error) {
			if v, ok := states[id]; ok {
				return v, nil
			}
			var v Volume
			if err := get(txn, volKey(id), &v); err != nil {
				return v, err
			}
			states[id] = v
			return v, nil
		}

		nFiles := 0
		err = iterate(txn, key(setFVPrefix, be64(setID)), false, func(k, _ []byte) error {
			nFiles++
			fvID := binary.BigEndian.Uint64(k)
			var refs []BlockRef
			if err := get(txn, refKey(fvID), &refs); err != nil {
				return inconsistent("file version %d: %s", fvID, err)
			}
			for _, r := range refs {
				var loc BlockLocation
				if err := get(txn, blkKey(r.Hash), &loc); err != nil {
					return inconsistent("file version %d: block %s has no location",
						fvID, r.Hash.Short())
				}
				v, err := volume(loc.VolumeID)
				if err != nil {
					return inconsistent("block %s: volume %s: %s", r.Hash.Short(),
						loc.VolumeID, err)
				}
				if v.State != VolumeCommitted && !(v.State == VolumeUploaded && v.SetID == setID) {
					return inconsistent("block %s: volume %s is %s", r.Hash.Short(),
						v.ID, v.State)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		volKeys, err := collectKeys(txn, key(setVolPrefix, be64(setID)))
		if err != nil {
			return err
		}
		for _, vk := range volKeys {
			id := string(vk[len(setVolPrefix)+8:])
			v, err := volume(id)
			if err != nil {
				return inconsistent("volume %s: %s", id, err)
			}
			if v.SetID == setID && v.State == VolumeUploaded {
				v.State = VolumeCommitted
				if err := put(txn, volKey(id), v); err != nil {
					return err
				}
			}
		}

		set.Status = Committed
		log.Verbose("committing backup set %d: %d files, %d volumes", setID, nFiles,
			len(volKeys))
		return put(txn, setKey(setID), set)
	})
}

// AbortBackupSet discards everything recorded for the given in-progress
// set. Its volumes are marked deletable and their ids are returned so
// that the caller can remove them from the backend.
func (c *Catalog) AbortBackupSet(setID uint64) ([]string, error) {
	err := c.update(func(txn *badger.Txn) error {
		set, err := c.activeSet(txn, setID)
		if err != nil {
			return err
		}
		set.Status = Aborted
		return put(txn, setKey(setID), set)
	})
	if err != nil {
		return nil, err
	}

	if err := c.deleteFileVersions(setID); err != nil {
		return nil, err
	}

	var ids []string
	err = c.db.View(func(txn *badger.Txn) error {
		return iterate(txn, key(setVolPrefix, be64(setID)), false, func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		err := c.update(func(txn *badger.Txn) error {
			var v Volume
			if err := get(txn, volKey(id), &v); err != nil {
				return err
			}
			if err := c.unlinkBlocks(txn, v); err != nil {
				return err
			}
			v.State = VolumeDeletable
			if err := put(txn, volKey(id), v); err != nil {
				return err
			}
			return txn.Delete(setVolKey(setID, id))
		})
		if err != nil {
			return nil, err
		}
	}
	log.Verbose("aborted backup set %d; %d volumes to delete", setID, len(ids))
	return ids, nil
}

// AbortIncomplete aborts any set left in progress, e.g. by a crash, and
// returns the ids of the volumes that were uploaded for them.
func (c *Catalog) AbortIncomplete() ([]string, error) {
	var stale []uint64
	err := c.db.View(func(txn *badger.Txn) error {
		return iterate(txn, setPrefix, true, func(k, v []byte) error {
			var s BackupSet
			if err := unmarshal(v, &s); err != nil {
				return err
			}
			if s.Status == InProgress {
				stale = append(stale, s.ID)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, id := range stale {
		log.Warning("backup set %d was left incomplete; aborting it", id)
		v, err := c.AbortBackupSet(id)
		if err != nil {
			return ids, err
		}
		ids = append(ids, v...)
	}
	return ids, nil
}

// DeleteBackupSet removes a committed backup set and its file versions.
// Volumes aren't touched; ones that are no longer referenced are cleaned
// up by compaction.
func (c *Catalog) DeleteBackupSet(setID uint64) error {
	var set BackupSet
	err := c.db.View(func(txn *badger.Txn) error {
		return get(txn, setKey(setID), &set)
	})
	if err != nil {
		return err
	}
	if set.Status == InProgress {
		return errors.Wrapf(ErrSetInProgress, "set %d", setID)
	}

	// Remove the set record first so that it's immediately invisible.
	if err := c.update(func(txn *badger.Txn) error {
		return txn.Delete(setKey(setID))
	}); err != nil {
		return err
	}
	return c.deleteFileVersions(setID)
}

// deleteFileVersions removes all of the file versions of a set. It's done
// with a write batch since there may be more than fit in a single
// transaction.
func (c *Catalog) deleteFileVersions(setID uint64) error {
	var fvs []FileVersion
	err := c.db.View(func(txn *badger.Txn) error {
		return iterate(txn, key(setFVPrefix, be64(setID)), false, func(k, _ []byte) error {
			var fv FileVersion
			if err := get(txn, fvKey(binary.BigEndian.Uint64(k)), &fv); err != nil {
				return err
			}
			fvs = append(fvs, fv)
			return nil
		})
	})
	if err != nil {
		return err
	}

	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for _, fv := range fvs {
		for _, k := range [][]byte{pathKey(fv.Path, setID), refKey(fv.ID), fvKey(fv.ID),
			setFVKey(setID, fv.ID)} {
			if err := wb.Delete(k); err != nil {
				return err
			}
		}
	}
	return wb.Flush()
}

// unlinkBlocks removes the block locations that point into the given
// volume.
func (c *Catalog) unlinkBlocks(txn *badger.Txn, v Volume) error {
	for _, e := range v.Entries {
		var loc BlockLocation
		if err := get(txn, blkKey(e.Hash), &loc); err != nil {
			continue
		}
		if loc.VolumeID == v.ID {
			if err := txn.Delete(blkKey(e.Hash)); err != nil {
				return err
			}
		}
	}
	return nil
}
