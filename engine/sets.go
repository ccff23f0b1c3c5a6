// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package engine

import (
	"github.com/mmp/bkpack/catalog"
	"github.com/mmp/bkpack/storage"
	"github.com/mmp/bkpack/volume"
	"github.com/pkg/errors"
)

const keyParamsMeta = "key-params"

// Key returns the encryption key for the backups recorded in cat,
// unlocking it with the passphrase. The first time it's called for a
// catalog, a new random key is generated and stored, wrapped with a key
// derived from the passphrase. A wrong passphrase is reported as a
// *storage.FatalConfigError.
func Key(cat *catalog.Catalog, passphrase string) ([]byte, error) {
	b, err := cat.GetMeta(keyParamsMeta)
	if errors.Is(err, catalog.ErrNotFound) {
		key, kp, err := volume.NewKeyParams(passphrase)
		if err != nil {
			return nil, err
		}
		if err := cat.PutMeta(keyParamsMeta, []byte(kp.String())); err != nil {
			return nil, err
		}
		log.Verbose("generated new encryption key")
		return key, nil
	} else if err != nil {
		return nil, err
	}

	kp, err := volume.ParseKeyParams(string(b))
	if err != nil {
		return nil, &storage.FatalConfigError{Msg: "stored key parameters", Err: err}
	}
	return kp.Key(passphrase)
}

// ListBackupSets returns the committed backup sets, oldest first.
func (c *Controller) ListBackupSets() ([]catalog.BackupSet, error) {
	return c.cat.ListBackupSets()
}

// DeleteBackupSet removes a backup set from the catalog. The space used
// by blocks that only it referred to is reclaimed by the next Compact.
func (c *Controller) DeleteBackupSet(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.cat.DeleteBackupSet(id); err != nil {
		return err
	}
	log.Verbose("deleted backup set %d", id)
	return nil
}
