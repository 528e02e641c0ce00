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

// nextLink is a forward edge from a snapshot to one of its children: a
// chunk ID, an in-memory reference, or both. A link with neither (chunk
// ID stage.AbsentID and a nil reference) is one whose on-disk slot was
// elided and for which loadSnapshot was given nothing to substitute --
// see loadSnapshot's elision substitution; Child reports such a link as
// ErrIllegalState.
type nextLink[T any] struct {
	nextID int64
	next   *Snapshot[T]
}

// Snapshot is a node in a History's branching tree: one value of the
// user's state, its depth from the root, and dual (chunk-ID / in-memory)
// links to its parent and children.
type Snapshot[T any] struct {
	history *History[T]

	stratum int64
	state   T

	id int64 // stage.AbsentID if never persisted, or stale since last child-set change

	previousID int64
	previous   *Snapshot[T]

	nextLinks []nextLink[T]
}

// Stratum is this snapshot's depth from the root (0 for the root).
func (s *Snapshot[T]) Stratum() int64 { return s.stratum }

// State is the user payload this snapshot captures.
func (s *Snapshot[T]) State() T { return s.state }

// ID is this snapshot's chunk ID on the owning History's Stage, or
// stage.AbsentID if it has never been persisted (or has been persisted
// but its child set has since changed, making that chunk stale).
func (s *Snapshot[T]) ID() int64 { return s.id }

// History returns the History this snapshot belongs to.
func (s *Snapshot[T]) History() *History[T] { return s.history }

// PreviousID returns this snapshot's parent's chunk ID, or
// stage.AbsentID for the root or for a parent that has not yet been
// persisted. It does not fault anything in; compare to Stratum()==0 to
// tell the root case apart from an unsaved parent.
func (s *Snapshot[T]) PreviousID() int64 {
	if s.previous != nil {
		return s.previous.id
	}
	return s.previousID
}

// ChildCount returns the number of forward links recorded for this
// snapshot, whether or not each child is currently memory-resident.
func (s *Snapshot[T]) ChildCount() int { return len(s.nextLinks) }

// Child returns the i'th forward link's target, faulting it in from the
// Stage if it is currently elided. It does not move current.
func (s *Snapshot[T]) Child(i int) (*Snapshot[T], error) {
	if i < 0 || i >= len(s.nextLinks) {
		return nil, ErrIllegalArgument
	}
	link := &s.nextLinks[i]
	if link.next != nil {
		return link.next, nil
	}
	if link.nextID == stage.AbsentID {
		return nil, ErrIllegalState
	}
	if !s.history.attached() {
		return nil, ErrIllegalState
	}
	child, err := s.history.loadSnapshot(link.nextID, stage.AbsentID, nil)
	if err != nil {
		return nil, err
	}
	child.previous = s
	link.next = child
	return child, nil
}

// invalidate resets id to stage.AbsentID, marking the snapshot
// saved-dirty: its persisted chunk (if any) no longer reflects the
// in-memory state, typically because its child set just changed. A
// node's chunk ID must be re-minted whenever its in-memory state
// diverges from the last-written form, since chunks are immutable once
// written.
func (s *Snapshot[T]) invalidate() {
	s.id = stage.AbsentID
}
