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

import "github.com/arceye/stage/stage"

// boundedCache reports whether the cache radius is currently finite.
// It is false while unattached and also right after LiftAll, when
// forwardTail/backwardTail are deliberately left at stage.AbsentID to
// mean "everything is already in memory, no radius to enforce" --
// otherwise the ++/-- bookkeeping below would misread that sentinel as
// an ordinary count and arm a spurious resync.
func (h *History[T]) boundedCache() bool {
	return h.forwardTail != stage.AbsentID
}

// Advance appends newState as a fresh child of current and moves
// current to it. While the cache radius is bounded (see boundedCache),
// any other sibling current already held in memory (a branch left over
// from an earlier undo) is flushed forward to the Stage and evicted,
// mirroring what happens to siblings left behind by Redo.
func (h *History[T]) Advance(newState T) (*Snapshot[T], error) {
	parent := h.current
	child := &Snapshot[T]{
		history:    h,
		stratum:    parent.stratum + 1,
		state:      newState,
		id:         stage.AbsentID,
		previousID: stage.AbsentID,
		previous:   parent,
	}
	parent.nextLinks = append(parent.nextLinks, nextLink[T]{nextID: stage.AbsentID, next: child})
	parent.invalidate()

	if h.boundedCache() {
		if err := h.flushOtherSiblings(parent, child); err != nil {
			return nil, err
		}
	}

	h.current = child
	if h.boundedCache() {
		h.backwardTail++
		if h.forwardTail == 0 {
			if err := h.resync(); err != nil {
				return nil, err
			}
			h.forwardTail = h.maxCachedStrata
		} else {
			h.forwardTail--
		}
	}
	return child, nil
}

// flushOtherSiblings persists and evicts every in-memory child of
// parent other than keep, so parent is left with at most one live
// forward pointer: the one toward current.
func (h *History[T]) flushOtherSiblings(parent, keep *Snapshot[T]) error {
	for i := range parent.nextLinks {
		link := &parent.nextLinks[i]
		if link.next == nil || link.next == keep {
			continue
		}
		if err := link.next.saveForward(h, parent.stratum); err != nil {
			return err
		}
		link.nextID = link.next.id
		link.next = nil
	}
	return nil
}

// Undo moves current to its parent, faulting the parent in from the
// Stage if it is not already memory-resident. Undoing at the root
// returns ErrIllegalState.
func (h *History[T]) Undo() error {
	c := h.current
	if c.previous == nil && c.previousID == stage.AbsentID {
		return ErrIllegalState
	}
	if c.previous == nil {
		if !h.attached() {
			return ErrIllegalState
		}
		parent, err := h.loadSnapshot(c.previousID, c.id, c)
		if err != nil {
			return err
		}
		c.previous = parent
	}
	h.current = c.previous

	if h.boundedCache() {
		h.forwardTail++
		if h.backwardTail == 0 {
			if err := h.resync(); err != nil {
				return err
			}
			h.backwardTail = h.maxCachedStrata
		} else {
			h.backwardTail--
		}
	}
	return nil
}

// UndoTo repeatedly undoes until current.Stratum() == stratum. stratum
// must not exceed current's stratum.
func (h *History[T]) UndoTo(stratum int64) error {
	if stratum < 0 || stratum > h.current.stratum {
		return ErrIllegalArgument
	}
	for h.current.stratum > stratum {
		if err := h.Undo(); err != nil {
			return err
		}
	}
	return nil
}

// UndoToSnapshot repeatedly undoes until current is target. target must
// belong to this History and must be an ancestor of (or equal to)
// current.
func (h *History[T]) UndoToSnapshot(target *Snapshot[T]) error {
	if target == nil || target.history != h {
		return ErrIllegalArgument
	}
	if target.stratum > h.current.stratum {
		return ErrIllegalArgument
	}
	for h.current != target {
		if h.current.stratum <= target.stratum {
			return ErrIllegalState
		}
		if err := h.Undo(); err != nil {
			return err
		}
	}
	return nil
}

// redoStep moves current to the single child satisfying match, faulting
// it in from the Stage if needed, and flushes every other sibling link
// exactly as Advance does. It returns ErrIllegalState if no child
// matches.
func (h *History[T]) redoStep(match func(*nextLink[T]) bool) (*Snapshot[T], error) {
	c := h.current
	idx := -1
	for i := range c.nextLinks {
		if match(&c.nextLinks[i]) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrIllegalState
	}
	link := &c.nextLinks[idx]

	var target *Snapshot[T]
	if link.next != nil {
		target = link.next
	} else {
		if !h.attached() {
			return nil, ErrIllegalState
		}
		loaded, err := h.loadSnapshot(link.nextID, stage.AbsentID, nil)
		if err != nil {
			return nil, err
		}
		target = loaded
	}
	target.previous = c

	if h.boundedCache() {
		for i := range c.nextLinks {
			if i == idx {
				continue
			}
			other := &c.nextLinks[i]
			if other.next != nil {
				if err := other.next.saveForward(h, c.stratum); err != nil {
					return nil, err
				}
				other.nextID = other.next.id
				other.next = nil
			}
		}
	}
	link.next = target
	link.nextID = stage.AbsentID
	c.invalidate()
	h.current = target

	if h.boundedCache() {
		h.backwardTail++
		if h.forwardTail == 0 {
			if err := h.resync(); err != nil {
				return nil, err
			}
			h.forwardTail = h.maxCachedStrata
		} else {
			h.forwardTail--
		}
	}
	return target, nil
}

// RedoChunk moves current to the child whose chunk ID is id, single
// step. It returns ErrIllegalState if current has no such child.
func (h *History[T]) RedoChunk(id int64) (*Snapshot[T], error) {
	if id < 0 {
		return nil, ErrIllegalArgument
	}
	return h.redoStep(func(l *nextLink[T]) bool {
		if l.next != nil {
			return l.next.id == id
		}
		return l.nextID == id
	})
}

// Redo moves current to child, single step. child must be one of
// current's direct children.
func (h *History[T]) Redo(child *Snapshot[T]) (*Snapshot[T], error) {
	if child == nil || child.history != h {
		return nil, ErrIllegalArgument
	}
	return h.redoStep(func(l *nextLink[T]) bool {
		return l.next == child
	})
}

// RedoToSnapshot repeatedly redoes, one stratum at a time, until current
// is target. target must belong to this History and must be a
// descendant of current; every intermediate ancestor of target down to
// current's level is located by walking target's own previous chain, so
// target (and the path to it) must already be reachable through
// in-memory references or valid chunk IDs.
func (h *History[T]) RedoToSnapshot(target *Snapshot[T]) error {
	if target == nil || target.history != h {
		return ErrIllegalArgument
	}
	if target.stratum < h.current.stratum {
		return ErrIllegalArgument
	}
	for h.current != target {
		n := target
		for n.previous != nil && n.previous.stratum > h.current.stratum {
			n = n.previous
		}
		if n.previous != h.current {
			return ErrIllegalState
		}
		if _, err := h.Redo(n); err != nil {
			return err
		}
	}
	return nil
}
