// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package volume

import (
	"bytes"
	"compress/gzip"
	"io"
	"io/ioutil"
	"os"
	"sync"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz/lzma"
)

// Compression methods for volume payloads.
const (
	None   = "none"
	Gzip   = "gzip"
	XZ     = "xz"
	Snappy = "snappy"
)

// The compression method is stored in the volume header as a single byte.
var compressionCodes = map[string]byte{None: 0, Gzip: 1, XZ: 2, Snappy: 3}

func compressionName(code byte) (string, error) {
	for n, c := range compressionCodes {
		if c == code {
			return n, nil
		}
	}
	return "", errors.Errorf("%d: unknown compression code", code)
}

// Reusing gzip writers gives a huge benefit; an almost 40% reduction in
// overall runtime thanks to much less GC.
var writerPool = sync.Pool{
	New: func() interface{} {
		return gzip.NewWriter(os.Stderr)
	},
}

func compressGzip(data []byte) ([]byte, error) {
	var compressed bytes.Buffer
	w := writerPool.Get().(*gzip.Writer)
	w.Reset(&compressed)
	defer writerPool.Put(w)

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return compressed.Bytes(), nil
}

func compressLzma(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err = w.Write(data); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// compress applies the given compression method to data. If compression
// fails or doesn't make the data any smaller, the data is returned
// as is along with None; callers record the method actually used.
func compress(method string, data []byte) ([]byte, string) {
	var c []byte
	var err error
	switch method {
	case Gzip:
		c, err = compressGzip(data)
	case XZ:
		c, err = compressLzma(data)
	case Snappy:
		c = snappy.Encode(nil, data)
	default:
		return data, None
	}

	if err != nil {
		log.Warning("%s compression failed; storing uncompressed: %s", method, err)
		return data, None
	}
	// Is the compressed buffer smaller than the input?
	if len(c) >= len(data) {
		return data, None
	}
	return c, method
}

func decompress(method string, data []byte) ([]byte, error) {
	var r io.Reader
	switch method {
	case None:
		return data, nil
	case Gzip:
		gzr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer gzr.Close()
		r = gzr
	case XZ:
		lr, err := lzma.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		r = lr
	case Snappy:
		return snappy.Decode(nil, data)
	default:
		return nil, errors.Errorf("%s: unknown compression method", method)
	}
	return ioutil.ReadAll(r)
}
