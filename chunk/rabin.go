// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunk

import (
	"io"
	"math/bits"

	"github.com/restic/chunker"
)

// DefaultPoly is an irreducible polynomial of degree 53. Changing the
// polynomial changes all of the block boundaries, so it must be kept
// fixed for a given backup repository.
const DefaultPoly = 0x3DA3358B4DC173

type rabin struct {
	c      *chunker.Chunker
	buf    []byte
	offset int64
}

func newRabin(r io.Reader, blockSize int, poly uint64) *rabin {
	min, max := uint(blockSize/4), uint(blockSize*4)
	c := chunker.NewWithBoundaries(r, chunker.Pol(poly), min, max)
	c.SetAverageBits(bits.Len(uint(blockSize)) - 1)
	return &rabin{c: c, buf: make([]byte, max)}
}

func (r *rabin) Next() (Block, error) {
	c, err := r.c.Next(r.buf)
	if err != nil {
		return Block{}, err
	}
	// The chunker reuses its buffer, so take a copy.
	data := make([]byte, c.Length)
	copy(data, c.Data)

	b := makeBlock(r.offset, data)
	r.offset += int64(c.Length)
	return b, nil
}
