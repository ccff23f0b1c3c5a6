// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunk

import (
	"bytes"
	"io"
	"math/rand"
	"os"
	"testing"
	"testing/iotest"

	"github.com/mmp/bkpack/storage"
)

func split(t *testing.T, b []byte, c Config) []Block {
	s, err := New(bytes.NewReader(b), c)
	if err != nil {
		t.Fatal(err)
	}
	blocks, err := All(s)
	if err != nil {
		t.Fatal(err)
	}
	return blocks
}

func checkBlocks(t *testing.T, b []byte, blocks []Block) {
	var joined []byte
	var offset int64
	for i, blk := range blocks {
		if blk.Offset != offset {
			t.Errorf("block %d: offset %d, expected %d", i, blk.Offset, offset)
		}
		if blk.Length != len(blk.Data) {
			t.Errorf("block %d: length %d but %d bytes of data", i, blk.Length,
				len(blk.Data))
		}
		if blk.Hash != storage.HashBytes(blk.Data) {
			t.Errorf("block %d: hash mismatch", i)
		}
		offset += int64(blk.Length)
		joined = append(joined, blk.Data...)
	}
	// And make sure they match the original bytes!
	if !bytes.Equal(b, joined) {
		t.Fatalf("Contents don't match.")
	}
}

func TestFixed(t *testing.T) {
	for _, sz := range []int{0, 1, 1023, 1024, 1025, 10 * 1024, 10*1024 + 7} {
		b := make([]byte, sz)
		_, _ = rand.Read(b)
		blocks := split(t, b, Config{BlockSize: 1024})
		checkBlocks(t, b, blocks)

		if len(blocks) != (sz+1023)/1024 {
			t.Errorf("size %d: got %d blocks", sz, len(blocks))
		}
		for i, blk := range blocks {
			if i < len(blocks)-1 && blk.Length != 1024 {
				t.Errorf("size %d: block %d has length %d", sz, i, blk.Length)
			}
		}
	}
}

// Short reads from the underlying reader don't move block boundaries.
func TestFixedShortReads(t *testing.T) {
	b := make([]byte, 9000)
	_, _ = rand.Read(b)
	s, err := New(iotest.OneByteReader(bytes.NewReader(b)), Config{BlockSize: 2048})
	if err != nil {
		t.Fatal(err)
	}
	blocks, err := All(s)
	if err != nil {
		t.Fatal(err)
	}
	checkBlocks(t, b, blocks)
	if len(blocks) != 5 || blocks[4].Length != 9000-4*2048 {
		t.Errorf("unexpected blocks from one-byte reader")
	}
}

func TestDeterministic(t *testing.T) {
	b := make([]byte, 1024*1024)
	_, _ = rand.Read(b)
	for _, mode := range []string{Fixed, Rolling, Rabin} {
		c := Config{Mode: mode, BlockSize: 16 * 1024}
		first, second := split(t, b, c), split(t, b, c)
		checkBlocks(t, b, first)
		if len(first) != len(second) {
			t.Fatalf("%s: got %d then %d blocks", mode, len(first), len(second))
		}
		for i := range first {
			if first[i].Hash != second[i].Hash || first[i].Offset != second[i].Offset {
				t.Errorf("%s: block %d differs between runs", mode, i)
			}
		}
	}
}

func TestReadError(t *testing.T) {
	for _, mode := range []string{Fixed, Rolling, Rabin} {
		r := io.MultiReader(bytes.NewReader(make([]byte, 100)),
			iotest.ErrReader(io.ErrClosedPipe))
		s, err := New(r, Config{Mode: mode, BlockSize: 4096})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := All(s); err == nil {
			t.Errorf("%s: expected read error", mode)
		}
	}
}

func TestConfig(t *testing.T) {
	for _, c := range []Config{{Mode: "bogus"}, {BlockSize: 12}, {BlockSize: 1 << 30}} {
		if err := c.Validate(); err == nil {
			t.Errorf("%+v: expected error", c)
		}
	}
	c := Config{Mode: Rabin}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.BlockSize != DefaultBlockSize || c.Poly != DefaultPoly {
		t.Errorf("defaults not applied: %+v", c)
	}
}

func TestSplitCorrectAndDistribution(t *testing.T) {
	seed := int64(os.Getpid())
	rand.Seed(seed)
	t.Logf("Seed %d", seed)

	// Make a random byte array
	const sz = 8 * 1024 * 1024
	b := make([]byte, sz+rand.Intn(sz))
	_, _ = rand.Read(b)

	// For each of a range of split bits...
	for sb := 8; sb <= 16; sb++ {
		// Slice it until we get an empty slice back
		var sliced []byte
		reader := bytes.NewReader(b)
		numSlices := 0
		hs := NewHashSplitter(uint(sb))
		for {
			slice, err := hs.SplitFromReader(reader, 0)
			if len(slice) == 0 {
				break
			}
			numSlices++
			// Store the values that were returned
			sliced = append(sliced, slice...)
			hs.Reset()
			if err == io.EOF {
				break
			}
		}

		// And make sure they match the original bytes!
		if !bytes.Equal(b, sliced) {
			t.Fatalf("Contents don't match.")
		}

		// Finally, also make sure we got back a reasonable number of
		// slices.
		avgLen := 1 << uint(sb)
		expectedSlices := len(b) / avgLen
		switch sb {
		// Ad-hoc correction factors since the minimum size requirement
		// skews things a bit for small split sizes.
		case 8:
			expectedSlices /= 3
		case 9:
			expectedSlices /= 2
		}
		if numSlices < expectedSlices/2 ||
			numSlices > expectedSlices*3/2 {
			t.Errorf("Got %d slices for %d bits; expected ~%d",
				numSlices, sb, expectedSlices)
		}
	}
}

// Make an array, split it, insert a byte near the start, split again.
// With content-defined chunking most blocks after the insertion should
// still be found; with fixed chunking essentially none are.
func TestInsertionShift(t *testing.T) {
	b := make([]byte, 2*1024*1024)
	rng := rand.New(rand.NewSource(42))
	_, _ = rng.Read(b)

	shifted := append([]byte{0x17}, b...)

	reused := func(mode string) float64 {
		c := Config{Mode: mode, BlockSize: 8 * 1024}
		seen := make(map[storage.Hash]struct{})
		for _, blk := range split(t, b, c) {
			seen[blk.Hash] = struct{}{}
		}
		blocks := split(t, shifted, c)
		checkBlocks(t, shifted, blocks)
		n := 0
		for _, blk := range blocks {
			if _, ok := seen[blk.Hash]; ok {
				n++
			}
		}
		return float64(n) / float64(len(blocks))
	}

	if r := reused(Fixed); r > 0.01 {
		t.Errorf("fixed: %f of blocks reused after a shift?", r)
	}
	for _, mode := range []string{Rolling, Rabin} {
		if r := reused(mode); r < 0.8 {
			t.Errorf("%s: only %f of blocks reused after a shift", mode, r)
		}
	}
}
