// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package volume packs blocks into self-describing containers that are
// compressed, encrypted and then handed to a storage.Backend as opaque
// objects.
package volume

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/mmp/bkpack/storage"
	u "github.com/mmp/bkpack/util"
	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/sha3"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// Suffix is appended to a volume's id to give its object name.
const Suffix = ".bkv"

// DefaultTargetSize is used when Options.TargetSize is zero.
const DefaultTargetSize = 50 * 1024 * 1024

var headerMagic = [4]byte{'B', 'K', 'V', '1'}

/*
Stored volume format:
- headerMagic
- compression method code (1 byte)
- encryption algorithm code (1 byte)
- nonce length (1 byte) followed by the nonce
- the compressed payload, encrypted with the header as additional data
  so that it can't be altered without detection.
*/

type Options struct {
	Algorithm   string
	Compression string
	Key         []byte
	// TargetSize is the payload size at which a volume is considered full.
	TargetSize int
}

// Validate checks the options and fills in defaults; problems are
// reported as *storage.FatalConfigError.
func (o *Options) Validate() error {
	if o.Algorithm == "" {
		o.Algorithm = Unencrypted
	}
	if o.Compression == "" {
		o.Compression = None
	}
	if o.TargetSize == 0 {
		o.TargetSize = DefaultTargetSize
	}
	if _, ok := compressionCodes[o.Compression]; !ok {
		return storage.ConfigErrorf("%s: unknown compression method", o.Compression)
	}
	if o.TargetSize < 0 {
		return storage.ConfigErrorf("%d: invalid volume size", o.TargetSize)
	}
	_, err := newAEAD(o.Algorithm, o.Key)
	return err
}

// ObjectName returns the backend object name for the volume with the
// given id.
func ObjectName(id string) string {
	return id + Suffix
}

// ID computes the id of the volume holding exactly the given blocks:
// the hash of their sorted hashes. Packing the same set of blocks again
// gives the same id.
func ID(hashes []storage.Hash) string {
	sorted := append([]storage.Hash(nil), hashes...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})
	sh := sha3.NewShake256()
	for _, h := range sorted {
		sh.Write(h[:])
	}
	var id storage.Hash
	sh.Read(id[:])
	return id.String()
}

// Checksum returns the checksum of a volume's stored bytes.
func Checksum(data []byte) string {
	return fmt.Sprintf("%x", xxh3.Hash128(data).Bytes())
}

///////////////////////////////////////////////////////////////////////////

// Packer accumulates blocks until it's time to seal them into a volume.
// A Packer isn't safe for concurrent use.
type Packer struct {
	opts    Options
	payload payloadBuilder
	seen    map[storage.Hash]struct{}
}

// NewPacker returns a Packer using the given options.
func NewPacker(opts Options) (*Packer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Packer{opts: opts, seen: make(map[storage.Hash]struct{})}, nil
}

// Add adds a block to the volume being built and reports whether the
// volume has reached its target size. Adding a hash that's already in
// the volume is a no-op.
func (p *Packer) Add(h storage.Hash, block []byte) (full bool) {
	if _, ok := p.seen[h]; !ok {
		p.seen[h] = struct{}{}
		p.payload.add(h, block)
	}
	return p.Full()
}

// Full reports whether the volume has reached its target size.
func (p *Packer) Full() bool {
	return p.payload.size() >= p.opts.TargetSize
}

// Len returns the number of blocks in the volume being built.
func (p *Packer) Len() int {
	return len(p.payload.entries)
}

// Size returns the current size of the uncompressed payload.
func (p *Packer) Size() int {
	return p.payload.size()
}

// Sealed is a finished volume, ready to be stored.
type Sealed struct {
	ID          string
	Data        []byte
	Entries     []Entry
	Checksum    string
	Compression string
	Algorithm   string
	Nonce       []byte
	PlainSize   int64
}

// Seal compresses and encrypts the accumulated blocks and returns the
// resulting volume. The Packer is reset and may be reused afterward.
func (p *Packer) Seal() (*Sealed, error) {
	if p.Len() == 0 {
		return nil, errors.New("no blocks to seal")
	}
	aead, err := newAEAD(p.opts.Algorithm, p.opts.Key)
	if err != nil {
		return nil, err
	}

	plain := p.payload.payload()
	compressed, method := compress(p.opts.Compression, plain)

	var nonce []byte
	if aead != nil {
		if nonce, err = getRandomBytes(aead.NonceSize()); err != nil {
			return nil, err
		}
	}

	header := make([]byte, 0, len(headerMagic)+3+len(nonce))
	header = append(header, headerMagic[:]...)
	header = append(header, compressionCodes[method], algorithmCodes[p.opts.Algorithm],
		byte(len(nonce)))
	header = append(header, nonce...)

	var data []byte
	if aead != nil {
		data = aead.Seal(append([]byte(nil), header...), nonce, compressed, header)
	} else {
		data = append(header, compressed...)
	}

	hashes := make([]storage.Hash, len(p.payload.entries))
	for i, e := range p.payload.entries {
		hashes[i] = e.Hash
	}
	s := &Sealed{
		ID:          ID(hashes),
		Data:        data,
		Entries:     p.payload.entries,
		Checksum:    Checksum(data),
		Compression: method,
		Algorithm:   p.opts.Algorithm,
		Nonce:       nonce,
		PlainSize:   int64(len(plain)),
	}

	p.payload = payloadBuilder{}
	p.seen = make(map[storage.Hash]struct{})
	return s, nil
}

///////////////////////////////////////////////////////////////////////////

// Contents is an opened volume.
type Contents struct {
	blobs   []byte
	entries map[storage.Hash]Entry
	order   []storage.Hash
}

// Open decrypts and decompresses a stored volume. Any failure to
// authenticate or decode the data is reported as a
// *storage.DataIntegrityError; a problem with the key is a
// *storage.FatalConfigError.
func Open(name string, data []byte, key []byte) (*Contents, error) {
	integrity := func(err error) error {
		return &storage.DataIntegrityError{Object: name, Err: err}
	}

	if len(data) < len(headerMagic)+3 || !bytes.Equal(data[:len(headerMagic)], headerMagic[:]) {
		return nil, integrity(errors.New("bad volume header"))
	}
	compression, err := compressionName(data[4])
	if err != nil {
		return nil, integrity(err)
	}
	algorithm, err := algorithmName(data[5])
	if err != nil {
		return nil, integrity(err)
	}
	nonceLen := int(data[6])
	if len(data) < 7+nonceLen {
		return nil, integrity(ErrPrematureEndOfData)
	}
	header, nonce, body := data[:7+nonceLen], data[7:7+nonceLen], data[7+nonceLen:]

	aead, err := newAEAD(algorithm, key)
	if err != nil {
		return nil, err
	}
	if aead != nil {
		if nonceLen != aead.NonceSize() {
			return nil, integrity(errors.Errorf("nonce length %d", nonceLen))
		}
		if body, err = aead.Open(nil, nonce, body, header); err != nil {
			return nil, integrity(err)
		}
	}

	plain, err := decompress(compression, body)
	if err != nil {
		return nil, integrity(err)
	}
	blobs, entries, err := splitPayload(plain)
	if err != nil {
		return nil, integrity(err)
	}

	c := &Contents{blobs: blobs, entries: make(map[storage.Hash]Entry)}
	for _, e := range entries {
		c.entries[e.Hash] = e
		c.order = append(c.order, e.Hash)
	}
	return c, nil
}

// Hashes returns the hashes of the blocks in the volume in the order
// they were packed.
func (c *Contents) Hashes() []storage.Hash {
	return c.order
}

// Block returns the block with the given hash after verifying that its
// contents match the hash.
func (c *Contents) Block(h storage.Hash) ([]byte, error) {
	e, ok := c.entries[h]
	if !ok {
		return nil, errors.Wrapf(ErrHashNotFound, "%s", h.Short())
	}
	block, err := DecodeBlob(c.blobs[e.Offset : e.Offset+e.Length])
	if err != nil {
		return nil, &storage.DataIntegrityError{Object: h.String(), Err: err}
	}
	if storage.HashBytes(block) != h {
		return nil, &storage.DataIntegrityError{Object: h.String(),
			Err: errors.New("block hash mismatch")}
	}
	return block, nil
}

// Verify checks every block in the volume, returning the first error
// found.
func (c *Contents) Verify() error {
	for _, h := range c.order {
		if _, err := c.Block(h); err != nil {
			return err
		}
	}
	return DecodeBlobs(bytes.NewReader(c.blobs), func([]byte) {})
}
