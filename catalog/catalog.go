// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package catalog implements the local, transactional record of backup
// sets, file versions, the blocks that make them up, and the volumes
// those blocks are stored in. It's the single source of truth for what
// has been backed up; the storage backend just holds opaque volumes.
package catalog

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mmp/bkpack/storage"
	u "github.com/mmp/bkpack/util"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

var (
	ErrNotFound      = errors.New("not found in catalog")
	ErrSetInProgress = errors.New("another backup set is in progress")
	ErrSetNotActive  = errors.New("backup set is not in progress")
)

// ConsistencyError reports a violation of the catalog's referential
// integrity, detected before it could be committed.
type ConsistencyError struct {
	Msg string
}

func (e *ConsistencyError) Error() string {
	return "catalog consistency: " + e.Msg
}

func inconsistent(f string, args ...interface{}) error {
	return &ConsistencyError{Msg: fmt.Sprintf(f, args...)}
}

///////////////////////////////////////////////////////////////////////////
// Records

type SetStatus uint8

const (
	InProgress SetStatus = iota
	Committed
	Aborted
)

func (s SetStatus) String() string {
	switch s {
	case InProgress:
		return "in-progress"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("SetStatus(%d)", s)
	}
}

// BackupSet is one run of the backup.
type BackupSet struct {
	ID     uint64
	Time   time.Time
	Status SetStatus
	// Sources are the paths that were backed up.
	Sources []string
}

// FileVersion is the state of a file as of a particular backup set.
type FileVersion struct {
	ID      uint64
	SetID   uint64
	Path    string
	Size    int64
	ModTime time.Time
	Mode    uint32
	// LinkTarget is set for symbolic links, which have no blocks.
	LinkTarget string
}

// BlockRef gives the block at a given offset in a file version. A file
// version's refs, in order, reproduce its contents exactly.
type BlockRef struct {
	Offset int64
	Length int64
	Hash   storage.Hash
}

type VolumeState uint8

const (
	// Uploaded volumes have been durably stored but belong to a set
	// that hasn't committed yet.
	VolumeUploaded VolumeState = iota
	VolumeCommitted
	// Deletable volumes are no longer referenced and may be removed
	// from the backend.
	VolumeDeletable
)

func (s VolumeState) String() string {
	switch s {
	case VolumeUploaded:
		return "uploaded"
	case VolumeCommitted:
		return "committed"
	case VolumeDeletable:
		return "deletable"
	default:
		return fmt.Sprintf("VolumeState(%d)", s)
	}
}

// ManifestEntry gives the location of a block's blob inside a volume's
// plaintext payload.
type ManifestEntry struct {
	Hash   storage.Hash
	Offset int64
	Length int64
}

type Volume struct {
	ID          string
	SetID       uint64
	State       VolumeState
	Algorithm   string
	Compression string
	Nonce       []byte
	// Size is the number of bytes stored in the backend; PlainSize is the
	// size of the payload before compression and encryption.
	Size      int64
	PlainSize int64
	Checksum  string
	// HasParity is set if a Reed-Solomon sidecar was stored alongside.
	HasParity bool
	Entries   []ManifestEntry
}

// BlockLocation gives the volume that holds a block and where it is.
type BlockLocation struct {
	VolumeID string
	Offset   int64
	Length   int64
}

///////////////////////////////////////////////////////////////////////////
// Keys

var (
	setPrefix    = []byte("set/")
	fvPrefix     = []byte("fv/")
	refPrefix    = []byte("ref/")
	pathPrefix   = []byte("path/")
	setFVPrefix  = []byte("setfv/")
	blkPrefix    = []byte("blk/")
	volPrefix    = []byte("vol/")
	setVolPrefix = []byte("setvol/")
	metaPrefix   = []byte("meta/")
)

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func key(prefix []byte, parts ...[]byte) []byte {
	k := append([]byte(nil), prefix...)
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

func setKey(id uint64) []byte        { return key(setPrefix, be64(id)) }
func fvKey(id uint64) []byte         { return key(fvPrefix, be64(id)) }
func refKey(fvID uint64) []byte      { return key(refPrefix, be64(fvID)) }
func blkKey(h storage.Hash) []byte   { return key(blkPrefix, h[:]) }
func volKey(id string) []byte        { return key(volPrefix, []byte(id)) }
func metaKey(name string) []byte     { return key(metaPrefix, []byte(name)) }
func setFVKey(set, fv uint64) []byte { return key(setFVPrefix, be64(set), be64(fv)) }
func setVolKey(set uint64, vol string) []byte {
	return key(setVolPrefix, be64(set), []byte(vol))
}

// Paths can't contain NUL bytes, so it terminates the path in path keys;
// all of the versions of a path are then adjacent, ordered by set id.
func pathKeyPrefix(path string) []byte { return key(pathPrefix, []byte(path), []byte{0}) }
func pathKey(path string, set uint64) []byte {
	return key(pathKeyPrefix(path), be64(set))
}

///////////////////////////////////////////////////////////////////////////

// Catalog is a handle to an open catalog database. All methods are safe
// for concurrent use.
type Catalog struct {
	db            *badger.DB
	setSeq, fvSeq *badger.Sequence
}

type Options struct {
	// Path is the directory holding the database. Ignored if InMemory
	// is set.
	Path     string
	InMemory bool
}

// Open opens (creating if necessary) the catalog described by opts.
func Open(opts Options) (*Catalog, error) {
	bopts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else if opts.Path == "" {
		return nil, storage.ConfigErrorf("catalog: path must be specified")
	}
	bopts = bopts.WithLogger(log.Logrus()).WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", opts.Path)
	}

	c := &Catalog{db: db}
	if c.setSeq, err = db.GetSequence(key(metaPrefix, []byte("seq/set")), 16); err != nil {
		db.Close()
		return nil, err
	}
	if c.fvSeq, err = db.GetSequence(key(metaPrefix, []byte("seq/fv")), 1024); err != nil {
		c.setSeq.Release()
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the database; the Catalog may not be used afterward.
func (c *Catalog) Close() error {
	var firstErr error
	for _, s := range []*badger.Sequence{c.setSeq, c.fvSeq} {
		if err := s.Release(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "release sequence")
		}
	}
	if err := c.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Sequences start at zero; ids start at one so that zero can mean "none".
func nextID(s *badger.Sequence) (uint64, error) {
	id, err := s.Next()
	return id + 1, err
}

// update runs f in a read-write transaction, retrying if the transaction
// conflicts with a concurrent one.
func (c *Catalog) update(f func(txn *badger.Txn) error) error {
	for tries := 0; ; tries++ {
		err := c.db.Update(f)
		if err != badger.ErrConflict || tries == 10 {
			return err
		}
		log.Debug("catalog transaction conflict; retrying")
	}
}

func put(txn *badger.Txn, k []byte, v interface{}) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(k, b)
}

// get decodes the value stored at k into v, returning an error wrapping
// ErrNotFound if there is no such key.
func get(txn *badger.Txn, k []byte, v interface{}) error {
	item, err := txn.Get(k)
	if err == badger.ErrKeyNotFound {
		return errors.Wrapf(ErrNotFound, "%q", k)
	} else if err != nil {
		return err
	}
	return item.Value(func(b []byte) error {
		return unmarshal(b, v)
	})
}

func unmarshal(b []byte, v interface{}) error {
	return msgpack.Unmarshal(b, v)
}

// iterate calls f with the key (minus the prefix) and value of each item
// with the given prefix, in key order. The slices are only valid during
// the call.
func iterate(txn *badger.Txn, prefix []byte, values bool,
	f func(k, v []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = values
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		k := item.Key()[len(prefix):]
		if !values {
			if err := f(k, nil); err != nil {
				return err
			}
			continue
		}
		if err := item.Value(func(v []byte) error { return f(k, v) }); err != nil {
			return err
		}
	}
	return nil
}

// collectKeys returns copies of all of the keys with the given prefix.
func collectKeys(txn *badger.Txn, prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := iterate(txn, prefix, false, func(k, _ []byte) error {
		keys = append(keys, key(prefix, k))
		return nil
	})
	return keys, err
}

///////////////////////////////////////////////////////////////////////////
// Metadata

// PutMeta stores an arbitrary named value, e.g. encryption parameters.
func (c *Catalog) PutMeta(name string, value []byte) error {
	return c.update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(name), value)
	})
}

// GetMeta returns the named value, or an error wrapping ErrNotFound.
func (c *Catalog) GetMeta(name string) ([]byte, error) {
	var value []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(name))
		if err == badger.ErrKeyNotFound {
			return errors.Wrapf(ErrNotFound, "%s", name)
		} else if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, err
}
