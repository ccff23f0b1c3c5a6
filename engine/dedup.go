// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package engine

import (
	"sync"

	"github.com/mmp/bkpack/catalog"
	"github.com/mmp/bkpack/storage"
)

// pending is the set of blocks that have been found to be new during the
// current run and handed to the packer.
type pending struct {
	mu     sync.Mutex
	hashes map[storage.Hash]struct{}
}

func newPending() *pending {
	return &pending{hashes: make(map[storage.Hash]struct{})}
}

// Claim adds h to the set and reports whether it wasn't there already.
// Exactly one of any number of concurrent callers with the same hash
// gets true.
func (p *pending) Claim(h storage.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.hashes[h]; ok {
		return false
	}
	p.hashes[h] = struct{}{}
	return true
}

func (p *pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hashes)
}

// dedup decides whether blocks need to be stored.
type dedup struct {
	cat     *catalog.Catalog
	pending *pending
}

// IsNew reports whether the block with hash h must be packed: it's
// neither in a committed volume nor already claimed by this run.
func (d *dedup) IsNew(h storage.Hash) (bool, error) {
	_, found, err := d.cat.LookupBlock(h)
	if err != nil || found {
		return false, err
	}
	return d.pending.Claim(h), nil
}
