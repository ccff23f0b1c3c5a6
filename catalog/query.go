// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package catalog

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mmp/bkpack/storage"
	"github.com/pkg/errors"
)

// LookupBlock returns the location of the block with the given hash if
// it's stored in a committed volume.
func (c *Catalog) LookupBlock(h storage.Hash) (BlockLocation, bool, error) {
	var loc BlockLocation
	found := false
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		loc, found, err = lookupBlock(txn, h)
		return err
	})
	return loc, found, err
}

func lookupBlock(txn *badger.Txn, h storage.Hash) (BlockLocation, bool, error) {
	var loc BlockLocation
	item, err := txn.Get(blkKey(h))
	if err == badger.ErrKeyNotFound {
		return loc, false, nil
	} else if err != nil {
		return loc, false, err
	}
	if err := item.Value(func(b []byte) error { return unmarshal(b, &loc) }); err != nil {
		return loc, false, err
	}

	var v Volume
	if err := get(txn, volKey(loc.VolumeID), &v); err != nil {
		return loc, false, nil
	}
	return loc, v.State == VolumeCommitted, nil
}

// Selector picks a backup set: the one with the given ID if SetID is
// non-zero, otherwise the most recent one made at or before Time if it's
// non-zero, otherwise the most recent one.
type Selector struct {
	SetID uint64
	Time  time.Time
}

// Latest selects the most recent committed backup set.
var Latest = Selector{}

func (s Selector) String() string {
	switch {
	case s.SetID != 0:
		return fmt.Sprintf("set %d", s.SetID)
	case !s.Time.IsZero():
		return "as of " + s.Time.Format(time.RFC3339)
	default:
		return "latest"
	}
}

// ListBackupSets returns all of the committed backup sets, oldest first.
func (c *Catalog) ListBackupSets() ([]BackupSet, error) {
	var sets []BackupSet
	err := c.db.View(func(txn *badger.Txn) error {
		return iterate(txn, setPrefix, true, func(k, v []byte) error {
			var s BackupSet
			if err := unmarshal(v, &s); err != nil {
				return err
			}
			if s.Status == Committed {
				sets = append(sets, s)
			}
			return nil
		})
	})
	return sets, err
}

// ResolveSet returns the committed backup set chosen by the selector, or
// an error wrapping ErrNotFound.
func (c *Catalog) ResolveSet(sel Selector) (BackupSet, error) {
	sets, err := c.ListBackupSets()
	if err != nil {
		return BackupSet{}, err
	}
	for i := len(sets) - 1; i >= 0; i-- {
		s := sets[i]
		switch {
		case sel.SetID != 0:
			if s.ID == sel.SetID {
				return s, nil
			}
		case !sel.Time.IsZero():
			if !s.Time.After(sel.Time) {
				return s, nil
			}
		default:
			return s, nil
		}
	}
	return BackupSet{}, errors.Wrapf(ErrNotFound, "backup set (%s)", sel)
}

// ResolveFileVersion returns the version of the file at path in the
// backup set chosen by the selector, along with its block references in
// offset order. Only committed sets are considered.
func (c *Catalog) ResolveFileVersion(path string, sel Selector) (FileVersion, []BlockRef, error) {
	set, err := c.ResolveSet(sel)
	if err != nil {
		return FileVersion{}, nil, err
	}

	return c.GetFileVersion(set.ID, path)
}

// GetFileVersion returns the version of the file at path in the given
// set, along with its block references.
func (c *Catalog) GetFileVersion(setID uint64, path string) (FileVersion, []BlockRef, error) {
	var fv FileVersion
	var refs []BlockRef
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pathKey(path, setID))
		if err == badger.ErrKeyNotFound {
			return errors.Wrapf(ErrNotFound, "%s in set %d", path, setID)
		} else if err != nil {
			return err
		}
		var id uint64
		if err := item.Value(func(b []byte) error {
			id = binary.BigEndian.Uint64(b)
			return nil
		}); err != nil {
			return err
		}
		if err := get(txn, fvKey(id), &fv); err != nil {
			return err
		}
		return get(txn, refKey(id), &refs)
	})
	return fv, refs, err
}

// Versions returns all committed versions of the file at path, oldest
// first.
func (c *Catalog) Versions(path string) ([]FileVersion, error) {
	var fvs []FileVersion
	err := c.db.View(func(txn *badger.Txn) error {
		return iterate(txn, pathKeyPrefix(path), true, func(k, v []byte) error {
			var set BackupSet
			if err := get(txn, setKey(binary.BigEndian.Uint64(k)), &set); err != nil ||
				set.Status != Committed {
				return nil
			}
			var fv FileVersion
			if err := get(txn, fvKey(binary.BigEndian.Uint64(v)), &fv); err != nil {
				return err
			}
			fvs = append(fvs, fv)
			return nil
		})
	})
	return fvs, err
}

// ListFiles returns the file versions of a committed set, sorted by path.
func (c *Catalog) ListFiles(setID uint64) ([]FileVersion, error) {
	var fvs []FileVersion
	err := c.db.View(func(txn *badger.Txn) error {
		var set BackupSet
		if err := get(txn, setKey(setID), &set); err != nil {
			return err
		}
		if set.Status != Committed {
			return errors.Wrapf(ErrNotFound, "set %d is %s", setID, set.Status)
		}
		return iterate(txn, key(setFVPrefix, be64(setID)), false, func(k, _ []byte) error {
			var fv FileVersion
			if err := get(txn, fvKey(binary.BigEndian.Uint64(k)), &fv); err != nil {
				return err
			}
			fvs = append(fvs, fv)
			return nil
		})
	})
	sort.Slice(fvs, func(i, j int) bool { return fvs[i].Path < fvs[j].Path })
	return fvs, err
}

// BlockRefs returns the block references of the given file version.
func (c *Catalog) BlockRefs(fvID uint64) ([]BlockRef, error) {
	var refs []BlockRef
	err := c.db.View(func(txn *badger.Txn) error {
		return get(txn, refKey(fvID), &refs)
	})
	return refs, err
}
