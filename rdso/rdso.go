// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple APIs to apply Reed-Solomon encoding to byte buffers and files,
// based on github.com/klauspost/reedsolomon. Provides facilities to check
// the integrity of encoded data and to recover corrupt data.

package rdso

import (
	"bytes"
	"encoding/gob"
	"io/ioutil"

	"github.com/klauspost/reedsolomon"
	u "github.com/mmp/bkpack/util"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

var (
	ErrCorrupt      = errors.New("data doesn't match Reed-Solomon hashes")
	ErrUnrepairable = errors.New("too many errors to repair")
)

// HashSize is the number of bytes in the hash values returned to
// represent blobs of data.
const HashSize = 64

// Hash encodes a fixed-size secure hash of a collection of bytes.
type Hash [HashSize]byte

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

type ReedSolomonFile struct {
	// Size of the original data
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int64
	Hashes                     [][]Hash // First the data hashes, then the parity hashes.
	ParityShards               [][]byte
}

// Encode computes Reed-Solomon parity for the given data and returns the
// encoded parity information, which can later be passed to Check and
// Repair along with the data.
func Encode(data []byte, nDataShards, nParityShards int, hashRate int64) ([]byte, error) {
	if hashRate <= 0 {
		return nil, errors.Errorf("%d: invalid hash rate", hashRate)
	}
	rs := ReedSolomonFile{
		FileSize:      int64(len(data)),
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}

	dataShards := shardData(data, rs.FileSize, nDataShards)

	// Allocate storage for the parity shards.
	for i := 0; i < nParityShards; i++ {
		rs.ParityShards = append(rs.ParityShards,
			make([]byte, len(dataShards[0])))
	}

	// Reed-Solomon encode the sharded data.
	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return nil, err
	}
	allShards := append(dataShards, rs.ParityShards...)
	if err = enc.Encode(allShards); err != nil {
		return nil, err
	}

	// Sanity check the results.
	if ok, err := enc.Verify(allShards); !ok || err != nil {
		return nil, errors.Errorf("reed-solomon verify failed: %v", err)
	}

	// Compute the hashes.
	for _, s := range allShards {
		rs.Hashes = append(rs.Hashes, hash(shard(s, hashRate)))
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Splits the first size bytes of data into nshards equally-sized shards,
// zero-padding as needed.
func shardData(data []byte, size int64, nshards int) [][]byte {
	shardSize := (size + int64(nshards) - 1) / int64(nshards)
	if shardSize == 0 {
		shardSize = 1
	}
	// Allocate extra space so all shards can be the same size.
	buf := make([]byte, int64(nshards)*shardSize)
	copy(buf, data[:min64(size, int64(len(data)))])
	return shard(buf, shardSize)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func shard(b []byte, size int64) (s [][]byte) {
	for {
		if int64(len(b)) > size {
			s = append(s, b[:size])
			b = b[size:]
		} else {
			s = append(s, b)
			return
		}
	}
}

func hash(b [][]byte) (hashes []Hash) {
	for _, s := range b {
		hashes = append(hashes, HashBytes(s))
	}
	return
}

func decode(rsBytes []byte) (ReedSolomonFile, error) {
	var rs ReedSolomonFile
	err := gob.NewDecoder(bytes.NewReader(rsBytes)).Decode(&rs)
	if err == nil && (rs.NDataShards <= 0 || rs.HashRate <= 0 ||
		len(rs.Hashes) != rs.NDataShards+rs.NParityShards) {
		err = errors.New("malformed Reed-Solomon encoding")
	}
	return rs, err
}

// Check verifies data against its Reed-Solomon encoding, returning
// ErrCorrupt if any part of either doesn't match its hash. Mismatches are
// reported to log, if it's non-nil.
func Check(data, rsBytes []byte, log *u.Logger) error {
	_, err := checkOrRepair(data, rsBytes, log, false)
	return err
}

// Repair returns a corrected copy of data using its Reed-Solomon
// encoding. Data that's intact is returned as is.
func Repair(data, rsBytes []byte, log *u.Logger) ([]byte, error) {
	return checkOrRepair(data, rsBytes, log, true)
}

func checkOrRepair(data, rsBytes []byte, log *u.Logger, repair bool) ([]byte, error) {
	rs, err := decode(rsBytes)
	if err != nil {
		return nil, err
	}
	warn := func(f string, args ...interface{}) {
		if log != nil {
			log.Warning(f, args...)
		}
	}

	dataShards := shardData(data, rs.FileSize, rs.NDataShards)

	// First shard as for R-S, then shard for the hash chunk size
	var allShards [][][]byte
	for _, s := range dataShards {
		allShards = append(allShards, shard(s, rs.HashRate))
	}
	for _, s := range rs.ParityShards {
		allShards = append(allShards, shard(s, rs.HashRate))
	}
	for s := range allShards {
		if len(allShards[s]) != len(rs.Hashes[s]) {
			return nil, errors.New("malformed Reed-Solomon encoding")
		}
	}

	// Loop over the hash chunks
	nErrors := 0
	if int64(len(data)) != rs.FileSize {
		warn("data length %d, expected %d", len(data), rs.FileSize)
		nErrors++
	}
	nHashChunks := len(allShards[0]) // == len(allShards[*])
	for hc := 0; hc < nHashChunks; hc++ {
		for s := 0; s < len(allShards); s++ {
			if HashBytes(allShards[s][hc]) != rs.Hashes[s][hc] {
				if s < len(dataShards) {
					warn("data shard %d hash %d mismatch", s, hc)
				} else {
					warn("parity shard %d hash %d mismatch",
						s-len(dataShards), hc)
				}
				nErrors++
				// nil it out (in case we're going to try and recover)
				allShards[s][hc] = nil
			}
		}
	}

	if nErrors == 0 {
		return data, nil
	}
	if !repair {
		return nil, ErrCorrupt
	}

	// Try to recover the data.
	enc, err := reedsolomon.New(rs.NDataShards, rs.NParityShards)
	if err != nil {
		return nil, err
	}

	for hc := 0; hc < nHashChunks; hc++ {
		// Recover this chunk, if needed.
		missing := 0
		var recon [][]byte
		for _, shard := range allShards {
			recon = append(recon, shard[hc])
			if shard[hc] == nil {
				missing++
			}
		}
		if missing > 0 {
			if err = enc.Reconstruct(recon); err != nil {
				return nil, errors.Wrapf(ErrUnrepairable, "%s", err)
			}
		}

		for s := 0; s < len(dataShards); s++ {
			copy(dataShards[s][int64(hc)*rs.HashRate:], recon[s])
		}
	}

	repaired := make([]byte, 0, rs.FileSize)
	for _, shard := range dataShards {
		repaired = append(repaired, shard...)
	}
	return repaired[:rs.FileSize], nil
}

///////////////////////////////////////////////////////////////////////////
// Files

// EncodeFile writes the Reed-Solomon encoding of the file fn to rsfn.
func EncodeFile(fn, rsfn string, nDataShards int, nParityShards int,
	hashRate int64) error {
	data, err := ioutil.ReadFile(fn)
	if err != nil {
		return err
	}
	rs, err := Encode(data, nDataShards, nParityShards, hashRate)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(rsfn, rs, 0644)
}

func CheckFile(fn, rsfn string, log *u.Logger) error {
	data, rs, err := readFiles(fn, rsfn)
	if err != nil {
		return err
	}
	return Check(data, rs, log)
}

// RestoreFile writes a repaired version of fn to fn.recovered if fn is
// corrupt.
func RestoreFile(fn, rsfn string, log *u.Logger) error {
	data, rs, err := readFiles(fn, rsfn)
	if err != nil {
		return err
	}
	if Check(data, rs, nil) == nil {
		return nil
	}
	repaired, err := Repair(data, rs, log)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(fn+".recovered", repaired, 0644)
}

func readFiles(fn, rsfn string) ([]byte, []byte, error) {
	data, err := ioutil.ReadFile(fn)
	if err != nil {
		return nil, nil, err
	}
	rs, err := ioutil.ReadFile(rsfn)
	return data, rs, err
}
