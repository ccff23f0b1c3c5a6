// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package volume

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/mmp/bkpack/storage"
	"github.com/pkg/errors"
)

var (
	ErrBlobMagicWrong     = errors.New("blob magic number mismatch")
	ErrIndexMagicWrong    = errors.New("index magic number mismatch")
	ErrPrematureEndOfData = errors.New("premature end of data")
	ErrHashNotFound       = errors.New("hash not found in volume")
)

var IdxMagic = [4]byte{'I', 'd', 'x', '2'}
var BlobMagic = [4]byte{'B', 'L', '0', 'B'}

/*
Plaintext volume payload format:
- Blob section: for each block, BlobMagic, the length of the block encoded
  as a varint, and then the block contents.
- Index section: for each block, IdxMagic, the hash, and then the offset
  of the blob from the start of the payload and the length of the blob,
  both encoded as varints.
- Trailer: the offset of the index section as an 8-byte little-endian
  integer.

Note: the index section can be recreated from the blob section alone.
*/

// Entry records where a block's blob lives inside a volume payload.
type Entry struct {
	Hash   storage.Hash
	Offset int64
	Length int64
}

// PackBlob takes (hash, block) pairs and the current size of the payload
// and converts them to the representation to be stored in the index and
// blob sections, returning the bytes to append to each.
func PackBlob(h storage.Hash, block []byte, payloadSize int64) (idx, pack []byte) {
	idxAlloc := len(IdxMagic) + storage.HashSize + 2*binary.MaxVarintLen64
	packAlloc := len(BlobMagic) + binary.MaxVarintLen64 + len(block)
	idx = make([]byte, idxAlloc)
	pack = make([]byte, packAlloc)

	// Blob: magic number, data length, block
	np := copy(pack, BlobMagic[:])
	np += binary.PutVarint(pack[np:], int64(len(block)))
	np += copy(pack[np:], block)
	pack = pack[:np]

	// Index: magic number, hash, payload offset, blob length
	ni := copy(idx, IdxMagic[:])
	ni += copy(idx[ni:], h[:])
	ni += binary.PutVarint(idx[ni:], payloadSize)
	ni += binary.PutVarint(idx[ni:], int64(len(pack)))
	idx = idx[:ni]

	return
}

// parseIndex decodes an index section.
func parseIndex(idx []byte) ([]Entry, error) {
	var entries []Entry
	for len(idx) > 0 {
		if len(idx) < len(IdxMagic) {
			return nil, ErrPrematureEndOfData
		}
		if !bytes.Equal(idx[:len(IdxMagic)], IdxMagic[:]) {
			return nil, ErrIndexMagicWrong
		}
		idx = idx[len(IdxMagic):]

		var e Entry
		n := copy(e.Hash[:], idx)
		if n < storage.HashSize {
			return nil, ErrPrematureEndOfData
		}

		var nvar int
		e.Offset, nvar = binary.Varint(idx[n:])
		if nvar <= 0 {
			return nil, errors.Errorf("varint: returned %d", nvar)
		}
		n += nvar

		e.Length, nvar = binary.Varint(idx[n:])
		if nvar <= 0 {
			return nil, errors.Errorf("varint: returned %d", nvar)
		}
		n += nvar

		entries = append(entries, e)
		idx = idx[n:]
	}
	return entries, nil
}

// DecodeBlob takes a blob from a volume payload (as per the location
// from an Entry) and returns the block stored in that blob.
func DecodeBlob(blob []byte) (block []byte, err error) {
	return decodeOneBlob(bytes.NewReader(blob))
}

type byteAndRegularReader interface {
	Read([]byte) (int, error)
	ReadByte() (byte, error)
}

// DecodeBlobs decodes the blob section read from r and calls the given
// callback function for each block.
func DecodeBlobs(r io.Reader, f func(block []byte)) error {
	br, ok := r.(byteAndRegularReader)
	if !ok {
		br = bufio.NewReader(r)
	}

	for {
		block, err := decodeOneBlob(br)
		switch err {
		case nil:
			f(block)
		case io.EOF:
			return nil
		default:
			return err
		}
	}
}

// Returns the block and nil on success, a nil block and io.EOF on a
// "clean" EOF, and a non-nil error otherwise.
func decodeOneBlob(r byteAndRegularReader) ([]byte, error) {
	var magic [4]byte
	_, err := io.ReadFull(r, magic[:])
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrPrematureEndOfData
		}
		return nil, err
	}
	if magic != BlobMagic {
		return nil, ErrBlobMagicWrong
	}

	length, err := binary.ReadVarint(r)
	if err != nil {
		if err == io.EOF {
			return nil, ErrPrematureEndOfData
		}
		return nil, err
	}
	if length < 0 || length > maxBlockSize {
		return nil, errors.Errorf("%d: invalid blob length", length)
	}

	block := make([]byte, length)
	_, err = io.ReadFull(r, block)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrPrematureEndOfData
		}
		return nil, err
	}

	return block, nil
}

const maxBlockSize = 256 * 1024 * 1024

///////////////////////////////////////////////////////////////////////////

// payloadBuilder accumulates the blob and index sections of a volume.
type payloadBuilder struct {
	blobs, idx bytes.Buffer
	entries    []Entry
}

func (p *payloadBuilder) add(h storage.Hash, block []byte) {
	idx, pack := PackBlob(h, block, int64(p.blobs.Len()))
	p.entries = append(p.entries, Entry{Hash: h, Offset: int64(p.blobs.Len()),
		Length: int64(len(pack))})
	p.blobs.Write(pack)
	p.idx.Write(idx)
}

func (p *payloadBuilder) size() int {
	return p.blobs.Len() + p.idx.Len() + 8
}

func (p *payloadBuilder) payload() []byte {
	b := make([]byte, 0, p.size())
	b = append(b, p.blobs.Bytes()...)
	b = append(b, p.idx.Bytes()...)
	var trailer [8]byte
	binary.LittleEndian.PutUint64(trailer[:], uint64(p.blobs.Len()))
	return append(b, trailer[:]...)
}

// splitPayload returns the blob section and the decoded index of a
// plaintext payload.
func splitPayload(payload []byte) (blobs []byte, entries []Entry, err error) {
	if len(payload) < 8 {
		return nil, nil, ErrPrematureEndOfData
	}
	idxOffset := binary.LittleEndian.Uint64(payload[len(payload)-8:])
	if idxOffset > uint64(len(payload)-8) {
		return nil, nil, errors.Errorf("%d: index offset out of range", idxOffset)
	}
	blobs = payload[:idxOffset]
	entries, err = parseIndex(payload[idxOffset : len(payload)-8])
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		if e.Offset < 0 || e.Length < 0 || e.Offset+e.Length > int64(len(blobs)) {
			return nil, nil, errors.Errorf("%s: blob location out of range", e.Hash.Short())
		}
	}
	return blobs, entries, nil
}
