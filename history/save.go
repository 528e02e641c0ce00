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
	"encoding/binary"
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru"

	"github.com/arceye/stage/stage"
)

// chunk layout (big-endian): stratum(8) | prevID(8) | payload(N) | linkCount(4) | nextID[0..linkCount)(8 each)
const chunkHeaderSize = 8 + 8 // stratum + prevID
const linkCountSize = 4

// nodePayloadSize validates and returns the codec's declared buffer
// size. NodeBufferSize() must be a fixed positive byte count (NodeIO's
// own contract); a codec that reports otherwise cannot possibly write
// or read the right number of bytes, so this is treated the same way
// freezerTable treats an out-of-sequence append: an invariant violation
// that indicates a programming bug in the caller's NodeIO, not a
// recoverable runtime condition. A codec that writes within its
// declared size but leaves bytes untouched is not caught here -- see
// NodeIO's own doc comment.
func (h *History[T]) nodePayloadSize() int {
	n := h.codec.NodeBufferSize()
	if n <= 0 {
		panic(fmt.Sprintf("history: NodeIO.NodeBufferSize() = %d, want a positive fixed size", n))
	}
	return n
}

// writeChunk serializes one node and appends it to the Stage, returning
// its fresh chunk ID. Buffers are allocated per call; this module skips
// a shared scratch buffer (and the lock it would need) in favor of the
// simpler, equally valid per-call allocation.
func (h *History[T]) writeChunk(stratum, prevID int64, state T, nextIDs []int64) (int64, error) {
	payloadSize := h.nodePayloadSize()
	total := chunkHeaderSize + payloadSize + linkCountSize + 8*len(nextIDs)
	buf := make([]byte, total)

	binary.BigEndian.PutUint64(buf[0:8], uint64(stratum))
	binary.BigEndian.PutUint64(buf[8:16], uint64(prevID))
	// WriteNode is handed a slice of exactly payloadSize bytes; a codec
	// that indexes past it hits Go's own slice-bounds panic rather than
	// corrupting an adjacent field, the same invariant-violation-as-bug
	// treatment nodePayloadSize gives a non-positive NodeBufferSize().
	h.codec.WriteNode(state, buf[16:16+payloadSize])
	binary.BigEndian.PutUint32(buf[16+payloadSize:20+payloadSize], uint32(len(nextIDs)))
	off := 20 + payloadSize
	for i, nid := range nextIDs {
		binary.BigEndian.PutUint64(buf[off+i*8:off+i*8+8], uint64(nid))
	}
	return h.stg.Append(buf)
}

// loadSnapshot reads and decodes the chunk at id. Any forward link
// stored as stage.AbsentID is reconstructed as {elidedForwardID,
// elidedForward}: the one child slot a save deliberately severed
// because, at save time, it was the in-memory link toward whatever was
// current. Callers that are not reconnecting a specific direction (a
// plain forward descent into a real child, for instance) pass
// (stage.AbsentID, nil), leaving any such slot as an unresolved link
// that can only be recovered by continuing to traverse from the same
// in-memory position that produced it.
//
// The returned snapshot's previous/previousID are exactly as read from
// disk; reconnecting previous to a known parent is the caller's job.
func (h *History[T]) loadSnapshot(id, elidedForwardID int64, elidedForward *Snapshot[T]) (*Snapshot[T], error) {
	if cached, ok := h.cacheGet(id); ok {
		return h.snapshotFromCached(id, cached, elidedForwardID, elidedForward), nil
	}

	payloadSize := h.nodePayloadSize()
	static := make([]byte, chunkHeaderSize+payloadSize+linkCountSize)
	if err := h.stg.Read(static, id); err != nil {
		return nil, err
	}
	stratum := int64(binary.BigEndian.Uint64(static[0:8]))
	prevID := int64(binary.BigEndian.Uint64(static[8:16]))
	payload := static[16 : 16+payloadSize]
	linkCount := binary.BigEndian.Uint32(static[16+payloadSize : 20+payloadSize])

	state, err := h.codec.ReadNode(payload)
	if err != nil {
		return nil, err
	}

	nextIDs := make([]int64, linkCount)
	if linkCount > 0 {
		raw := make([]byte, 8*linkCount)
		if err := h.stg.Read(raw, id+int64(chunkHeaderSize+payloadSize+linkCountSize)); err != nil {
			return nil, err
		}
		for i := range nextIDs {
			nextIDs[i] = int64(binary.BigEndian.Uint64(raw[i*8 : i*8+8]))
		}
	}

	h.cachePut(id, &cachedNode[T]{stratum: stratum, previousID: prevID, state: state, nextIDs: nextIDs})
	return h.buildSnapshot(id, stratum, prevID, state, nextIDs, elidedForwardID, elidedForward), nil
}

func (h *History[T]) snapshotFromCached(id int64, c *cachedNode[T], elidedForwardID int64, elidedForward *Snapshot[T]) *Snapshot[T] {
	return h.buildSnapshot(id, c.stratum, c.previousID, c.state, c.nextIDs, elidedForwardID, elidedForward)
}

func (h *History[T]) buildSnapshot(id, stratum, prevID int64, state T, nextIDs []int64, elidedForwardID int64, elidedForward *Snapshot[T]) *Snapshot[T] {
	links := make([]nextLink[T], len(nextIDs))
	for i, nid := range nextIDs {
		if nid == stage.AbsentID {
			links[i] = nextLink[T]{nextID: elidedForwardID, next: elidedForward}
			continue
		}
		links[i] = nextLink[T]{nextID: nid}
	}
	return &Snapshot[T]{
		history:    h,
		stratum:    stratum,
		state:      state,
		id:         id,
		previousID: prevID,
		nextLinks:  links,
	}
}

func (h *History[T]) cacheGet(id int64) (*cachedNode[T], bool) {
	if h.cache == nil {
		return nil, false
	}
	v, ok := h.cache.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*cachedNode[T]), true
}

func (h *History[T]) cachePut(id int64, c *cachedNode[T]) {
	if h.cache == nil {
		return
	}
	h.cache.Add(id, c)
}

// computeNextIDs resolves the nextID array to write for n, eliding the
// one link that points at skip (the in-memory child toward current, for
// a backward-direction save) and otherwise fully realizing any other
// live in-memory child so its real chunk ID can be recorded.
func (h *History[T]) computeNextIDs(n *Snapshot[T], skip *Snapshot[T]) ([]int64, error) {
	ids := make([]int64, len(n.nextLinks))
	for i := range n.nextLinks {
		link := &n.nextLinks[i]
		switch {
		case link.next == skip && skip != nil:
			ids[i] = stage.AbsentID
		case link.next != nil:
			if err := link.next.saveForward(h, math.MaxInt64); err != nil {
				return nil, err
			}
			link.nextID = link.next.id
			ids[i] = link.nextID
		default:
			ids[i] = link.nextID
		}
	}
	return ids, nil
}

// saveBackward persists n and, recursively, its ancestors (root-ward
// first, so each node can record its parent's freshly minted ID),
// eliding the single forward link toward skipForward exactly as
// described in computeNextIDs. Once n's own stratum reaches
// minCachedStratum its in-memory previous pointer is dropped: n.
// previousID already carries a real, reloadable reference to its
// parent, and the live pointer to everything above is no longer needed.
func (n *Snapshot[T]) saveBackward(h *History[T], minCachedStratum int64, skipForward *Snapshot[T]) error {
	if n.previous != nil {
		if err := n.previous.saveBackward(h, minCachedStratum, n); err != nil {
			return err
		}
	}
	if n.id == stage.AbsentID {
		nextIDs, err := h.computeNextIDs(n, skipForward)
		if err != nil {
			return err
		}
		prevID := stage.AbsentID
		if n.previous != nil {
			prevID = n.previous.id
		} else {
			prevID = n.previousID
		}
		id, err := h.writeChunk(n.stratum, prevID, n.state, nextIDs)
		if err != nil {
			return err
		}
		n.id = id
		n.previousID = prevID
	}
	if n.stratum == minCachedStratum {
		n.previous = nil
	}
	return nil
}

// saveForward persists n's in-memory descendants before n itself
// (leaves first, so each parent can record each child's freshly minted
// ID), writing n with its backward link severed (prevID recorded as
// stage.AbsentID; it is reachable only by walking forward from its
// parent). At maxCachedStratum the in-memory next pointers are dropped.
func (n *Snapshot[T]) saveForward(h *History[T], maxCachedStratum int64) error {
	for i := range n.nextLinks {
		link := &n.nextLinks[i]
		if link.next != nil {
			if err := link.next.saveForward(h, maxCachedStratum); err != nil {
				return err
			}
			link.nextID = link.next.id
		}
	}
	if n.id == stage.AbsentID {
		nextIDs := make([]int64, len(n.nextLinks))
		for i, l := range n.nextLinks {
			nextIDs[i] = l.nextID
		}
		id, err := h.writeChunk(n.stratum, stage.AbsentID, n.state, nextIDs)
		if err != nil {
			return err
		}
		n.id = id
	}
	if n.stratum == maxCachedStratum {
		for i := range n.nextLinks {
			n.nextLinks[i].next = nil
		}
	}
	return nil
}

// Save writes every unsaved node within maxCachedStrata of current to
// the Stage and evicts anything beyond that radius from memory,
// re-establishing the cache-radius invariant around current's new
// position. It is a no-op on a History that is not attached to a Stage.
func (h *History[T]) Save() error {
	if !h.attached() {
		return nil
	}
	if err := h.resync(); err != nil {
		return err
	}
	h.forwardTail, h.backwardTail = h.maxCachedStrata, h.maxCachedStrata
	return nil
}

// resync performs the bounded backward/forward walk described by Save
// and updateCacheLevel: both are exactly this same operation, just
// triggered by a different event (radius consumed vs radius changed).
func (h *History[T]) resync() error {
	c := h.current
	minStratum := c.stratum - int64(h.maxCachedStrata)
	maxStratum := c.stratum + int64(h.maxCachedStrata)
	h.logger.Debug("resyncing cache window", "stratum", c.stratum, "min", minStratum, "max", maxStratum)

	if c.previous != nil {
		if err := c.previous.saveBackward(h, minStratum, c); err != nil {
			return err
		}
		if c.stratum == minStratum {
			h.logger.Debug("evicting backward tail", "stratum", c.stratum, "id", c.previous.id)
			c.previousID = c.previous.id
			c.previous = nil
		}
	}
	for i := range c.nextLinks {
		link := &c.nextLinks[i]
		if link.next != nil {
			if err := link.next.saveForward(h, maxStratum); err != nil {
				return err
			}
			link.nextID = link.next.id
		}
	}
	if c.stratum == maxStratum {
		h.logger.Debug("evicting forward tail", "stratum", c.stratum, "children", len(c.nextLinks))
		for i := range c.nextLinks {
			c.nextLinks[i].next = nil
		}
	}
	if c.id == stage.AbsentID {
		nextIDs := make([]int64, len(c.nextLinks))
		for i, l := range c.nextLinks {
			nextIDs[i] = l.nextID
		}
		prevID := stage.AbsentID
		if c.previous != nil {
			prevID = c.previous.id
		} else {
			prevID = c.previousID
		}
		id, err := h.writeChunk(c.stratum, prevID, c.state, nextIDs)
		if err != nil {
			return err
		}
		c.id = id
		c.previousID = prevID
	}
	return nil
}

// updateCacheLevel re-runs resync after SetMaxCachedStrata changes the
// radius, sliding the memory-resident window to match.
func (h *History[T]) updateCacheLevel() error {
	if !h.attached() {
		return nil
	}
	if err := h.resync(); err != nil {
		return err
	}
	h.forwardTail, h.backwardTail = h.maxCachedStrata, h.maxCachedStrata
	return nil
}

// LiftAll faults every elided node reachable from current fully into
// memory and resets every id to stage.AbsentID, detaching the cache
// radius (forwardTail = backwardTail = -1, unbounded). Afterward the
// History no longer depends on its Stage until the next Save,
// SetStage, or MapToStage.
func (h *History[T]) LiftAll() error {
	if err := h.liftToMemory(); err != nil {
		return err
	}
	h.forwardTail, h.backwardTail = stage.AbsentID, stage.AbsentID
	return nil
}

// liftToMemory does the faulting and id-reset work shared by LiftAll
// and MapToStage, without touching the tail counters (MapToStage
// re-establishes them itself once the tree lands on the new Stage).
func (h *History[T]) liftToMemory() error {
	if !h.attached() {
		return nil
	}
	n := h.current
	for {
		if n.previous == nil {
			if n.previousID == stage.AbsentID {
				break
			}
			parent, err := h.loadSnapshot(n.previousID, n.id, n)
			if err != nil {
				return err
			}
			n.previous = parent
		}
		n = n.previous
	}
	root := n
	if err := h.liftSubtree(root); err != nil {
		return err
	}
	h.resetIDs(root)
	return nil
}

func (h *History[T]) liftSubtree(n *Snapshot[T]) error {
	for i := range n.nextLinks {
		link := &n.nextLinks[i]
		if link.next == nil {
			if link.nextID == stage.AbsentID {
				continue
			}
			child, err := h.loadSnapshot(link.nextID, stage.AbsentID, nil)
			if err != nil {
				return err
			}
			child.previous = n
			link.next = child
		}
		if err := h.liftSubtree(link.next); err != nil {
			return err
		}
	}
	return nil
}

func (h *History[T]) resetIDs(n *Snapshot[T]) {
	n.id = stage.AbsentID
	for i := range n.nextLinks {
		if n.nextLinks[i].next != nil {
			h.resetIDs(n.nextLinks[i].next)
		}
	}
}

// MapToStage lifts the entire reachable tree into memory, switches the
// History onto newStage, and writes every node as a fresh chunk there
// through Save: current's ancestors are written root-first with real
// previous IDs, every other branch is written leaves-first with its
// backward link severed, and the one forward link on the path toward
// current is elided, as in any other Save. The current snapshot keeps
// its identity; only its on-disk representation and that of every other
// node in the tree is renewed. The cache-radius window around current is
// re-established on the new Stage by the same Save.
func (h *History[T]) MapToStage(newStage *stage.Stage, codec NodeIO[T]) error {
	if newStage == nil || codec == nil {
		return ErrIllegalArgument
	}
	if err := h.liftToMemory(); err != nil {
		return err
	}
	h.stg, h.codec = newStage, codec
	if h.cache == nil {
		cache, _ := lru.New(defaultDecodeCacheSize)
		h.cache = cache
	} else {
		h.cache.Purge()
	}
	return h.Save()
}

// saveEntireTree writes n and every in-memory descendant to h.stg,
// depth-first so each parent already knows its children's fresh IDs by
// the time it is written.
func (h *History[T]) saveEntireTree(n, parent *Snapshot[T]) error {
	for i := range n.nextLinks {
		link := &n.nextLinks[i]
		if link.next != nil {
			if err := h.saveEntireTree(link.next, n); err != nil {
				return err
			}
			link.nextID = link.next.id
		}
	}
	if n.id == stage.AbsentID {
		nextIDs := make([]int64, len(n.nextLinks))
		for i, l := range n.nextLinks {
			nextIDs[i] = l.nextID
		}
		prevID := stage.AbsentID
		if parent != nil {
			prevID = parent.id
		}
		id, err := h.writeChunk(n.stratum, prevID, n.state, nextIDs)
		if err != nil {
			return err
		}
		n.id = id
		n.previousID = prevID
	}
	return nil
}

// SetStage attaches or detaches the History's Stage and codec together.
// Passing nil for both lifts the entire tree into memory and fully
// detaches: the History no longer considers itself attached, so a later
// Save is a true no-op rather than silently re-persisting through a
// stale codec. Passing a non-nil stage/codec pair while already
// attached remaps the tree onto it exactly like MapToStage; the same
// stage and the same codec the History is already using is a no-op.
func (h *History[T]) SetStage(newStage *stage.Stage, codec NodeIO[T]) error {
	if newStage == nil && codec == nil {
		if err := h.LiftAll(); err != nil {
			return err
		}
		h.stg, h.codec, h.cache = nil, nil, nil
		return nil
	}
	if newStage == h.stg && codec == h.codec {
		return nil
	}
	return h.MapToStage(newStage, codec)
}

// SetStateIO changes only the codec, leaving the current Stage (if any)
// in place; the counterpart to SetStage for the case where the payload
// encoding changes but the underlying Stage does not. It follows the
// same save/lift/remap skeleton as SetStage, keyed off codec identity
// rather than the stage/codec pair: passing nil lifts the tree into
// memory and drops the codec, a codec identical to the current one is a
// no-op, and any other non-nil codec remaps the tree through MapToStage
// against the existing stage (or, if not yet attached to a stage, is
// simply recorded for the next SetStage/MapToStage call).
func (h *History[T]) SetStateIO(codec NodeIO[T]) error {
	if codec == nil {
		if err := h.LiftAll(); err != nil {
			return err
		}
		h.codec, h.cache = nil, nil
		return nil
	}
	if codec == h.codec {
		return nil
	}
	if h.stg == nil {
		h.codec = codec
		return nil
	}
	return h.MapToStage(h.stg, codec)
}

// defaultMaxCachedStrata is substituted for any negative radius passed
// to SetMaxCachedStrata, matching the source behavior of clamping rather
// than rejecting an out-of-range request.
const defaultMaxCachedStrata = 1

// SetMaxCachedStrata changes the cache radius and immediately re-slides
// the memory-resident window to match, if attached. A negative value is
// clamped to defaultMaxCachedStrata. A value equal to the current radius
// is a no-op.
func (h *History[T]) SetMaxCachedStrata(k int) error {
	if k < 0 {
		k = defaultMaxCachedStrata
	}
	if k == h.maxCachedStrata {
		return nil
	}
	h.maxCachedStrata = k
	return h.updateCacheLevel()
}
