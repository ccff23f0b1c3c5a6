// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package chunk

import "io"

type fixed struct {
	r         io.Reader
	blockSize int
	offset    int64
	done      bool
}

func newFixed(r io.Reader, blockSize int) *fixed {
	return &fixed{r: r, blockSize: blockSize}
}

func (f *fixed) Next() (Block, error) {
	if f.done {
		return Block{}, io.EOF
	}

	buf := make([]byte, f.blockSize)
	n, err := io.ReadFull(f.r, buf)
	switch err {
	case nil:
	case io.EOF, io.ErrUnexpectedEOF:
		f.done = true
		if n == 0 {
			return Block{}, io.EOF
		}
	default:
		return Block{}, err
	}

	b := makeBlock(f.offset, buf[:n])
	f.offset += int64(n)
	return b, nil
}
