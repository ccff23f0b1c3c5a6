// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package chunk splits byte streams into blocks and computes the
// content hash that identifies each one.
package chunk

import (
	"fmt"
	"io"

	"github.com/mmp/bkpack/storage"
)

const (
	// Fixed splits at multiples of the block size.
	Fixed = "fixed"
	// Rolling splits where bup's rolling checksum says to.
	Rolling = "rolling"
	// Rabin splits using a Rabin fingerprint over a stored polynomial.
	Rabin = "rabin"
)

// DefaultBlockSize is used when Config.BlockSize is zero.
const DefaultBlockSize = 100 * 1024

// Block is a contiguous range of a file's bytes along with their hash.
type Block struct {
	Offset int64
	Length int
	Hash   storage.Hash
	Data   []byte
}

// Splitter returns successive blocks of an underlying io.Reader. Next
// returns io.EOF after the last block. A Splitter is a pure function of
// its input bytes and Config; splitting the same bytes again gives the
// same blocks.
type Splitter interface {
	Next() (Block, error)
}

type Config struct {
	// Mode is one of Fixed, Rolling or Rabin; empty means Fixed.
	Mode string
	// BlockSize is the exact block size for Fixed and the target average
	// size for the content-defined modes.
	BlockSize int
	// Poly is the polynomial used by Rabin. Zero selects a default.
	Poly uint64
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Mode == "" {
		c.Mode = Fixed
	}
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	switch c.Mode {
	case Fixed, Rolling, Rabin:
	default:
		return storage.ConfigErrorf("%s: unknown chunking mode", c.Mode)
	}
	if c.BlockSize < 1024 {
		return storage.ConfigErrorf("block size %d: must be at least 1024 bytes",
			c.BlockSize)
	}
	if c.BlockSize > 64*1024*1024 {
		return storage.ConfigErrorf("block size %d: must be at most 64MiB",
			c.BlockSize)
	}
	if c.Mode == Rabin && c.Poly == 0 {
		c.Poly = DefaultPoly
	}
	return nil
}

// New returns a Splitter for r using the given configuration.
func New(r io.Reader, c Config) (Splitter, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Mode {
	case Fixed:
		return newFixed(r, c.BlockSize), nil
	case Rolling:
		return newRolling(r, c.BlockSize), nil
	case Rabin:
		return newRabin(r, c.BlockSize, c.Poly), nil
	default:
		panic(fmt.Sprintf("%s: unhandled mode", c.Mode))
	}
}

// All is a convenience function that returns all of the blocks from the
// given Splitter.
func All(s Splitter) ([]Block, error) {
	var blocks []Block
	for {
		b, err := s.Next()
		if err == io.EOF {
			return blocks, nil
		} else if err != nil {
			return blocks, err
		}
		blocks = append(blocks, b)
	}
}

func makeBlock(offset int64, data []byte) Block {
	return Block{
		Offset: offset,
		Length: len(data),
		Hash:   storage.HashBytes(data),
		Data:   data,
	}
}
