// Copyright 2019 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package history

import (
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"

	"github.com/arceye/stage/stage"
)

const defaultDecodeCacheSize = 256

// History is a branching tree of Snapshot[T] values, a subset of which
// are memory-resident around a single "current" position at any time.
// When attached to a Stage it behaves like a bounded-radius cache over
// an append-only log: nodes strictly beyond maxCachedStrata steps from
// current are represented only by their chunk ID, faulted back in on
// demand by Undo/Redo.
//
// A History is not safe for concurrent use; callers serialize their own
// access, mirroring the single-writer assumption the rest of this
// module makes about a Stage's owner.
type History[T any] struct {
	stg   *stage.Stage
	codec NodeIO[T]

	maxCachedStrata int
	current         *Snapshot[T]

	// forwardTail/backwardTail count how many more steps current can move
	// in each direction before the cache window needs to slide again.
	// Both are -1 (unbounded) once the tree has been fully lifted into
	// memory or while unattached.
	forwardTail  int
	backwardTail int

	cache *lru.Cache // chunk ID -> *cachedNode[T]

	logger log.Logger
}

// cachedNode is the decoded form of a chunk, kept in a bounded LRU so
// that repeatedly faulting the same boundary node (a common undo/redo
// pattern) skips the Stage read and NodeIO decode on every repeat. This
// is purely a decode cache: it has no bearing on the cache-radius
// invariant, which instead lives in forwardTail/backwardTail and the
// snapshot graph itself.
type cachedNode[T any] struct {
	stratum    int64
	previousID int64
	state      T
	nextIDs    []int64
}

// New creates a fresh History rooted at initialState. If stg and codec
// are both non-nil the History is attached from the start; otherwise it
// starts memory-only and can be attached later with SetStage/SetStateIO.
func New[T any](initialState T, stg *stage.Stage, codec NodeIO[T]) *History[T] {
	root := &Snapshot[T]{
		stratum:    0,
		state:      initialState,
		id:         stage.AbsentID,
		previousID: stage.AbsentID,
	}
	h := &History[T]{
		stg:             stg,
		codec:           codec,
		maxCachedStrata: 0,
		current:         root,
		forwardTail:     stage.AbsentID,
		backwardTail:    stage.AbsentID,
		logger:          log.New("attached", stg != nil && codec != nil),
	}
	root.history = h
	if h.attached() {
		h.forwardTail, h.backwardTail = 0, 0
		cache, _ := lru.New(defaultDecodeCacheSize)
		h.cache = cache
	}
	return h
}

// Load reconstructs a History whose root was previously persisted to
// stg at rootID. maxCachedStrata sets the initial cache radius. If
// attach is false the History drops stg and codec immediately after the
// root is read; unlike SetStage(nil, nil) it does not lift the rest of
// the tree into memory first, so any of the root's children are then
// unreachable until a
// later SetStage call reattaches to the same stage, since persisted
// chunks reference each other only by ID.
//
// Load does not eagerly hydrate the radius window around the freshly
// loaded root: like advance/undo/redo, neighboring snapshots are
// faulted in lazily the first time traversal reaches them. This keeps
// Load's cost independent of maxCachedStrata.
func Load[T any](stg *stage.Stage, codec NodeIO[T], rootID int64, maxCachedStrata int, attach bool) (*History[T], error) {
	if stg == nil || codec == nil {
		return nil, ErrIllegalArgument
	}
	if maxCachedStrata < 0 {
		return nil, ErrIllegalArgument
	}
	h := &History[T]{
		stg:             stg,
		codec:           codec,
		maxCachedStrata: maxCachedStrata,
		logger:          log.New("attached", attach),
	}
	cache, _ := lru.New(defaultDecodeCacheSize)
	h.cache = cache

	root, err := h.loadSnapshot(rootID, stage.AbsentID, nil)
	if err != nil {
		return nil, err
	}
	h.current = root

	if attach {
		h.forwardTail, h.backwardTail = maxCachedStrata, maxCachedStrata
	} else {
		h.forwardTail, h.backwardTail = stage.AbsentID, stage.AbsentID
		h.stg, h.codec, h.cache = nil, nil, nil
	}
	return h, nil
}

// attached reports whether the History currently has a Stage and codec
// to persist to.
func (h *History[T]) attached() bool {
	return h.stg != nil && h.codec != nil
}

// Current returns the snapshot the History is currently positioned at.
func (h *History[T]) Current() *Snapshot[T] { return h.current }

// Root returns the snapshot at stratum 0, faulting ancestors in from
// the Stage as needed (it is equivalent to repeated Undo without
// actually moving current).
func (h *History[T]) Root() (*Snapshot[T], error) {
	n := h.current
	for {
		if n.previous == nil {
			if n.previousID == stage.AbsentID {
				return n, nil
			}
			if !h.attached() {
				return nil, ErrIllegalState
			}
			parent, err := h.loadSnapshot(n.previousID, n.id, n)
			if err != nil {
				return nil, err
			}
			n.previous = parent
		}
		n = n.previous
	}
}

// MaxCachedStrata returns the current cache radius.
func (h *History[T]) MaxCachedStrata() int { return h.maxCachedStrata }
