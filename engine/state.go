// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package engine

import "fmt"

// State is where a backup or restore is in its progression.
//
// Backups go Idle -> Scanning -> Hashing -> Packing -> Uploading ->
// Committing -> Done, though scanning through uploading run concurrently
// and the state only reports the furthest stage reached. Restores go
// Idle -> Resolving -> Fetching -> Reconstructing -> Done. Either may end
// up PartiallyFailed if some files had errors, or Aborted if the run was
// canceled or hit an error that kept it from completing at all.
type State int

const (
	Idle State = iota
	Scanning
	Hashing
	Packing
	Uploading
	Committing
	Resolving
	Fetching
	Reconstructing
	Done
	PartiallyFailed
	Aborted
)

var stateNames = [...]string{
	Idle:            "idle",
	Scanning:        "scanning",
	Hashing:         "hashing",
	Packing:         "packing",
	Uploading:       "uploading",
	Committing:      "committing",
	Resolving:       "resolving",
	Fetching:        "fetching",
	Reconstructing:  "reconstructing",
	Done:            "done",
	PartiallyFailed: "partially failed",
	Aborted:         "aborted",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == Done || s == PartiallyFailed || s == Aborted
}

// State returns the state of the current or most recent backup.
func (c *Controller) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.backupState
}

// RestoreState returns the state of the restore that most recently
// changed state. Each restore's own state is in its RestoreResult.
func (c *Controller) RestoreState() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.restoreState
}

// advance moves *st to s.
func (c *Controller) advance(st *State, s State) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	step(st, s)
}

// step moves *st to s and reports whether it changed. Going backward is
// ignored unless s is Idle or terminal, since pipelined stages may
// report out of order. stateMu must be held.
func step(st *State, s State) bool {
	if s <= *st && s != Idle && !s.Terminal() {
		return false
	}
	if s == *st {
		return false
	}
	log.Debug("%s -> %s", *st, s)
	*st = s
	return true
}
