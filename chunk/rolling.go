// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunk

import (
	"bufio"
	"io"
	"math/bits"
)

type rolling struct {
	br      io.ByteReader
	hs      *HashSplitter
	maxSize int
	offset  int64
	eof     bool
}

func newRolling(r io.Reader, blockSize int) *rolling {
	// Wrap the reader with a buffered reader if it isn't buffered already
	// (as is the case for, e.g. stdin).  This is required for decent
	// performance in the the splitter code, which needs to process the
	// input a byte at a time.
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
	}

	splitBits := uint(bits.Len(uint(blockSize)) - 1)
	if splitBits < 8 {
		splitBits = 8
	} else if splitBits > 18 {
		splitBits = 18
	}
	return &rolling{
		br:      br,
		hs:      NewHashSplitter(splitBits),
		maxSize: 4 * blockSize,
	}
}

func (r *rolling) Next() (Block, error) {
	if r.eof {
		return Block{}, io.EOF
	}
	r.hs.Reset()
	data, err := r.hs.SplitFromReader(r.br, r.maxSize)
	if err == io.EOF {
		r.eof = true
		if len(data) == 0 {
			return Block{}, io.EOF
		}
	} else if err != nil {
		return Block{}, err
	}

	b := makeBlock(r.offset, data)
	r.offset += int64(len(data))
	return b, nil
}

///////////////////////////////////////////////////////////////////////////
// Rolling checksum stuff from bup...

// The lowest bits seem to be most useful; splitting based on, say, 4 bits
// in the middle is fiddly, especially when it spans the 16th
// bit.
type HashSplitter struct {
	splitBits uint
	s1, s2    uint32
	window    [splitWindowSize]byte
	wofs      int
	count     int
}

const splitterCharOffset = 31
const splitWindowBits = 6
const splitWindowSize = 1 << splitWindowBits

// NewHashSplitter returns a HashSplitter that splits on average every
// 1<<splitBits bytes; splitBits must be between 8 and 18.
func NewHashSplitter(splitBits uint) *HashSplitter {
	if splitBits < 8 || splitBits > 18 {
		panic("split bits out of range")
	}
	hs := &HashSplitter{splitBits: splitBits}
	hs.Reset()
	return hs
}

func (hs *HashSplitter) Reset() {
	hs.s1 = splitWindowSize * splitterCharOffset
	hs.s2 = splitWindowSize * (splitWindowSize - 1) * splitterCharOffset
	hs.wofs = 0
	hs.count = 0
	for i := 0; i < splitWindowSize; i++ {
		hs.window[i] = 0
	}
}

func (hs *HashSplitter) AddByte(b byte) {
	drop := hs.window[hs.wofs]
	hs.s1 += uint32(b) - uint32(drop)
	hs.s2 += hs.s1 - (splitWindowSize * uint32(drop+splitterCharOffset))
	hs.window[hs.wofs] = b
	hs.wofs = (hs.wofs + 1) % splitWindowSize
	hs.count++
}

func (hs *HashSplitter) SplitNow() bool {
	if hs.count < 8*splitWindowSize {
		return false
	}
	digest := (hs.s1 << 16) | (hs.s2 & 0xffff)
	splitSize := 1 << hs.splitBits
	return (digest & uint32(splitSize-1)) == uint32(splitSize-1)
}

// SplitFromReader consumes bytes from the reader until the rolling
// checksum says to split or maxSize bytes have been read, whichever comes
// first; a maxSize of zero means no limit. io.EOF is returned along with
// any final bytes when the reader is exhausted.
func (hs *HashSplitter) SplitFromReader(reader io.ByteReader, maxSize int) (ret []byte, err error) {
	for {
		add, err := reader.ReadByte()
		if err != nil {
			return ret, err
		}

		hs.AddByte(add)
		ret = append(ret, add)
		if hs.SplitNow() || (maxSize > 0 && len(ret) >= maxSize) {
			return ret, nil
		}
	}
}
