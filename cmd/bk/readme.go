// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

var readmeText = `

This document is an attempt to document the way that bk backs up data in
sufficient detail so that (if ever necessary), it's possible to restore a
backup from a bk repository even without the existing bk source code. We'll
proceed in bottom-up fashion from the stored volumes up to the catalog
that describes the backups.

# Blocks

Files are split into blocks: at fixed offsets (the default), at
boundaries chosen by bup's rolling checksum, or at boundaries chosen by a
Rabin fingerprint (as in restic). Each block is identified by its 32-byte
SHAKE256 hash. A block is only ever stored once, no matter how many files
or backups it appears in.

# Volumes

Blocks are packed into volumes, which are the only thing stored in the
backend: files in a directory for the file backend, objects in a bucket
for GCS. A volume named <id>.bkv starts with a header:

- the 4-byte string "BKV1"
- one byte giving the compression method: 0 none, 1 gzip, 2 lzma
  (github.com/ulikunitz/xz/lzma), 3 snappy
- one byte giving the encryption algorithm: 0 none, 1 AES-256-GCM,
  2 XChaCha20-Poly1305
- one byte giving the nonce length, followed by the nonce

The rest is the payload, compressed and then encrypted with the header
as additional authenticated data. If compression didn't make the
payload smaller, it's stored uncompressed and the header says so.

The decrypted and decompressed payload is a series of blobs, then an
index, then an 8-byte little-endian offset of the index. Each blob starts
with the 4-byte string "BL0B", then the length of the block stored using
go's binary.PutVarint, followed by the block's data. Each index entry
starts with the magic number "Idx2", then 32 bytes of the corresponding
block's hash, then the offset of the blob in the payload and the length
of the blob (both also encoded using binary.PutVarint).

Note that the index can be reconstructed from the blobs alone.

A volume's id is the hex-encoded SHAKE256 hash of the sorted hashes of
the blocks it holds.

# Reed-Solomon encoding

If parity is enabled, each volume has a <id>.rs sidecar with
Reed-Solomon parity (17 data shards). The .rs files are based on the Go
"gob" encoding package; they just store the following structure:

const HashSize = 64
type Hash [HashSize]byte

type ReedSolomonFile struct {
	// Size of the original data
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int64
	Hashes                     [][]Hash // First the data hashes, then the parity hashes.
	ParityShards               [][]byte
}

The "rdso" tool can check and repair a volume given its sidecar.

# Encryption keys

Volumes are encrypted with a random 32-byte key. The key parameters are
stored in the catalog's metadata under "key-params" as four hex-encoded
lines. In order: a salt, the hash of the passphrase, the encrypted key,
and the nonce used to encrypt the encryption key.

Given the passphrase from the user, a 64-byte derived key is computed using
65536 rounds of pbkdf2:

	derivedKey := pbkdf2.Key([]byte(passphrase), salt, 65536, 64, sha256.New)

The first 32 bytes of the result should match the passphrase hash. The
last 32 bytes give the AES-256-GCM key to use to decrypt the encrypted key.

# The catalog

The catalog is a badger database kept locally; records are encoded with
msgpack. It holds:

- set/<id>: each backup set: its time, status and the paths backed up.
  Only committed sets are visible.
- fv/<id>: each file version: path, size, mode, modification time and
  symlink target.
- ref/<file version id>: the file version's blocks, in order, as
  (offset, length, hash) triples.
- path/<path>\0<set id>: the file version of the path in the set.
- vol/<id>: each volume: its encryption parameters, size, checksum (xxh3)
  and the blocks it holds.
- blk/<hash>: the volume that holds each block.

All of the ids in keys are 8-byte big-endian integers. To restore a file
without bk, find its file version, look up each of its blocks' volumes,
and concatenate the blocks in order; each block's hash can be checked
along the way.

Without the catalog, the volumes still hold every block, but not how
they fit together into files.
`
