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
	"path/filepath"
	"testing"

	"github.com/arceye/stage/stage"
)

func openStage(t *testing.T, name string) *stage.Stage {
	t.Helper()
	s, err := stage.Open(filepath.Join(t.TempDir(), name), true)
	if err != nil {
		t.Fatalf("open stage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestLinearUndoRedo covers S2: advance three times, undo twice, redo
// once, checking stratum/payload at each step and the radius invariant
// with K=1.
func TestLinearUndoRedo(t *testing.T) {
	stg := openStage(t, "s2.stage")
	h := New[int32](0, stg, int32Codec{})
	if err := h.SetMaxCachedStrata(1); err != nil {
		t.Fatalf("set radius: %v", err)
	}

	if _, err := h.Advance(10); err != nil {
		t.Fatalf("advance 10: %v", err)
	}
	if _, err := h.Advance(20); err != nil {
		t.Fatalf("advance 20: %v", err)
	}
	tenChild := h.current.previous // stratum-1 node holding 10, for the later redo
	if _, err := h.Advance(30); err != nil {
		t.Fatalf("advance 30: %v", err)
	}
	if h.current.Stratum() != 3 || h.current.State() != 30 {
		t.Fatalf("after advances: stratum=%d state=%d, want 3/30", h.current.Stratum(), h.current.State())
	}

	if err := h.Undo(); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if err := h.Undo(); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if h.current.Stratum() != 1 || h.current.State() != 10 {
		t.Fatalf("after undos: stratum=%d state=%d, want 1/10", h.current.Stratum(), h.current.State())
	}
	if h.current != tenChild {
		t.Fatalf("undo landed on a different node than the one advance created")
	}

	child, err := h.Redo(tenChild.nextLinks[0].next)
	if err != nil {
		t.Fatalf("redo: %v", err)
	}
	if child.Stratum() != 2 {
		t.Fatalf("after redo: stratum=%d, want 2", child.Stratum())
	}
	assertCacheRadius(t, h, 1)
}

// TestBranch covers S3: undoing and then advancing down a different
// path gives the stratum-1 node a second child. After Save, reopening from the
// branch point's own chunk ID (not the root's) shows both children --
// the root's single link toward whichever branch is still "current" at
// save time is elided on disk and is only ever meant to be resolved by
// continuing the same live session, not by a cold reload.
func TestBranch(t *testing.T) {
	stg := openStage(t, "s3.stage")
	h := New[int32](0, stg, int32Codec{})

	if _, err := h.Advance(10); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := h.Advance(20); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := h.Undo(); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if _, err := h.Advance(25); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if h.current.Stratum() != 2 || h.current.State() != 25 {
		t.Fatalf("after branch: stratum=%d state=%d, want 2/25", h.current.Stratum(), h.current.State())
	}
	branchPoint := h.current.previous // stratum-1 node, now has two children: 20 and 25

	if err := h.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	branchID := branchPoint.ID()
	if branchID < 0 {
		t.Fatalf("branch point not persisted after save")
	}

	reopened, err := Load[int32](stg, int32Codec{}, branchID, 4, true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reopened.current.ChildCount() != 2 {
		t.Fatalf("reopened branch point has %d children, want 2", reopened.current.ChildCount())
	}
	other, err := reopened.current.Child(0)
	if err != nil {
		t.Fatalf("child 0: %v", err)
	}
	if other.State() != 20 {
		t.Fatalf("reopened sibling state=%d, want 20", other.State())
	}
}

// TestRadiusSlide covers S4: with K=1, after several advances the root
// and early snapshots must have a valid id and must not be reachable
// through an in-memory previous chain beyond distance 1 from current.
func TestRadiusSlide(t *testing.T) {
	stg := openStage(t, "s4.stage")
	h := New[int32](0, stg, int32Codec{})
	if err := h.SetMaxCachedStrata(1); err != nil {
		t.Fatalf("set radius: %v", err)
	}

	for i := int32(1); i <= 5; i++ {
		if _, err := h.Advance(i * 10); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	root, err := h.Root()
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if root.ID() < 0 {
		t.Fatalf("root not persisted after radius slide")
	}
	assertCacheRadius(t, h, 1)
}

// assertCacheRadius checks that walking previous from current stays
// in-memory for exactly k steps and has a nil previous pointer beyond
// that, the observable form of invariant (11).
func assertCacheRadius(t *testing.T, h *History[int32], k int) {
	t.Helper()
	n := h.current
	for i := 0; i < k; i++ {
		if n.previous == nil {
			return // tree is shorter than the radius; nothing more to check
		}
		n = n.previous
	}
	if n.previous != nil {
		t.Fatalf("node at distance %d from current still has a live previous pointer", k)
	}
}

// TestDetachReattach covers S5: lift to memory, mutate, then remap onto
// a second stage; root and current payloads survive and every node
// gets a fresh id on the new stage.
func TestDetachReattach(t *testing.T) {
	stg1 := openStage(t, "s5a.stage")
	h := New[int32](0, stg1, int32Codec{})
	if _, err := h.Advance(1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := h.Advance(2); err != nil {
		t.Fatalf("advance: %v", err)
	}

	if err := h.LiftAll(); err != nil {
		t.Fatalf("lift: %v", err)
	}
	if h.MaxCachedStrata() < 0 {
		t.Fatalf("max cached strata should be unaffected by lift")
	}
	if h.current.ID() != stage.AbsentID {
		t.Fatalf("current id should be reset to AbsentID after lift")
	}

	if _, err := h.Advance(3); err != nil {
		t.Fatalf("advance after lift: %v", err)
	}

	stg2 := openStage(t, "s5b.stage")
	if err := h.MapToStage(stg2, int32Codec{}); err != nil {
		t.Fatalf("map to stage: %v", err)
	}
	if h.current.ID() < 0 {
		t.Fatalf("current should have a fresh id after remap")
	}
	if h.current.State() != 3 {
		t.Fatalf("current state = %d, want 3", h.current.State())
	}

	root, err := h.Root()
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if root.State() != 0 || root.ID() < 0 {
		t.Fatalf("root state=%d id=%d, want 0/>=0", root.State(), root.ID())
	}

	reopened, err := Load[int32](stg2, int32Codec{}, root.ID(), 4, true)
	if err != nil {
		t.Fatalf("reload from remapped stage: %v", err)
	}
	if reopened.current.State() != 0 {
		t.Fatalf("reloaded root state = %d, want 0", reopened.current.State())
	}
}

// TestSetStageNilDetachIsSticky checks that SetStage(nil, nil) actually
// clears the Stage/codec fields, not just the tail counters: a History
// that looks detached but still carries a live stg/codec would silently
// re-persist on the next Save.
func TestSetStageNilDetachIsSticky(t *testing.T) {
	stg := openStage(t, "s5c.stage")
	h := New[int32](0, stg, int32Codec{})
	if _, err := h.Advance(1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := h.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := h.SetStage(nil, nil); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if h.attached() {
		t.Fatalf("history should report detached after SetStage(nil, nil)")
	}

	sizeBeforeAdvance := stg.Size()
	if _, err := h.Advance(2); err != nil {
		t.Fatalf("advance after detach: %v", err)
	}
	sizeAfterAdvance := stg.Size()
	if err := h.Save(); err != nil {
		t.Fatalf("save after detach: %v", err)
	}
	if stg.Size() != sizeBeforeAdvance || stg.Size() != sizeAfterAdvance {
		t.Fatalf("stage grew after detach: before=%d afterAdvance=%d afterSave=%d", sizeBeforeAdvance, sizeAfterAdvance, stg.Size())
	}
	if h.current.ID() != stage.AbsentID {
		t.Fatalf("current id should stay AbsentID once detached, got %d", h.current.ID())
	}
}

// TestSetStageSameStageNewCodecRemaps checks that SetStage short-circuits
// only when both the stage and the codec are unchanged; passing the same
// stage with a different codec must still apply the new codec rather
// than silently no-op.
func TestSetStageSameStageNewCodecRemaps(t *testing.T) {
	stg := openStage(t, "s5d.stage")
	h := New[int32](0, stg, int32Codec{})
	if _, err := h.Advance(1); err != nil {
		t.Fatalf("advance: %v", err)
	}

	other := altInt32Codec{}
	if err := h.SetStage(stg, other); err != nil {
		t.Fatalf("set stage with new codec: %v", err)
	}
	if h.current.State() != 1 {
		t.Fatalf("state = %d, want 1 after remap", h.current.State())
	}
	if h.current.ID() == stage.AbsentID {
		t.Fatalf("current should have a fresh persisted id after remap")
	}
}

// TestSetStateIO covers SetStateIO's own save/lift/remap skeleton,
// independent of SetStage: detaching the codec alone must leave the
// Stage field untouched conceptually (LiftAll still runs, same as
// SetStage(nil, nil)), and a later reattach through SetStateIO must
// remap via the existing stage.
func TestSetStateIO(t *testing.T) {
	stg := openStage(t, "s5e.stage")
	h := New[int32](0, stg, int32Codec{})
	if _, err := h.Advance(1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := h.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := h.SetStateIO(nil); err != nil {
		t.Fatalf("detach codec: %v", err)
	}
	if h.attached() {
		t.Fatalf("history should report detached once codec is nil")
	}

	if err := h.SetStateIO(int32Codec{}); err != nil {
		t.Fatalf("reattach codec: %v", err)
	}
	if !h.attached() {
		t.Fatalf("history should report attached once codec is set again")
	}
	if h.current.State() != 1 {
		t.Fatalf("state = %d, want 1 after codec remap", h.current.State())
	}
}

// TestLiftWithoutDetachDisablesRadius calls LiftAll directly (as opposed
// to through SetStage(nil, nil)) while the History still has a live
// Stage and codec, mirroring what TestDetachReattach does before its own
// remap. A subsequent branch (undo, then advance down a different path)
// must not evict the abandoned sibling to the Stage: LiftAll's whole
// point is that the radius invariant is off until the next Save,
// SetStage, or MapToStage, regardless of whether the Stage/codec fields
// happen to still be set.
func TestLiftWithoutDetachDisablesRadius(t *testing.T) {
	stg := openStage(t, "s8.stage")
	h := New[int32](0, stg, int32Codec{})
	if err := h.SetMaxCachedStrata(1); err != nil {
		t.Fatalf("set radius: %v", err)
	}
	if _, err := h.Advance(1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := h.Advance(2); err != nil {
		t.Fatalf("advance: %v", err)
	}

	if err := h.LiftAll(); err != nil {
		t.Fatalf("lift: %v", err)
	}
	if h.forwardTail != -1 || h.backwardTail != -1 {
		t.Fatalf("tail counters after lift = %d/%d, want -1/-1", h.forwardTail, h.backwardTail)
	}

	if err := h.Undo(); err != nil {
		t.Fatalf("undo: %v", err)
	}
	sizeBeforeBranch := stg.Size()
	branchPoint := h.current
	if _, err := h.Advance(20); err != nil {
		t.Fatalf("advance down sibling branch: %v", err)
	}
	if stg.Size() != sizeBeforeBranch {
		t.Fatalf("advance while lifted wrote to the stage: size %d != %d", stg.Size(), sizeBeforeBranch)
	}
	if h.forwardTail != -1 || h.backwardTail != -1 {
		t.Fatalf("tail counters after advance while lifted = %d/%d, want still -1/-1", h.forwardTail, h.backwardTail)
	}
	sibling := branchPoint.nextLinks[0].next
	if sibling == nil || sibling.State() != 2 {
		t.Fatalf("abandoned sibling was evicted from memory while the radius invariant was disabled")
	}
}

// TestSaveIsIdempotent covers S6's durability guarantee at the Go level
// available without fault injection into the Stage: a repeated Save
// call does not re-mint already-persisted nodes (every id stays the
// same), so a caller that retries a failed save after a partial write
// never duplicates chunks for nodes that did make it to disk.
func TestSaveIsIdempotent(t *testing.T) {
	stg := openStage(t, "s6.stage")
	h := New[int32](0, stg, int32Codec{})
	for i := int32(1); i <= 3; i++ {
		if _, err := h.Advance(i); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if err := h.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	firstID := h.current.ID()
	sizeAfterFirst := stg.Size()

	if err := h.Save(); err != nil {
		t.Fatalf("second save: %v", err)
	}
	if h.current.ID() != firstID {
		t.Fatalf("second save re-minted current's id: %d != %d", h.current.ID(), firstID)
	}
	if stg.Size() != sizeAfterFirst {
		t.Fatalf("second save grew the stage file: %d != %d", stg.Size(), sizeAfterFirst)
	}
}

func TestUndoAtRoot(t *testing.T) {
	h := New[int32](0, nil, nil)
	if err := h.Undo(); err != ErrIllegalState {
		t.Fatalf("undo at root = %v, want ErrIllegalState", err)
	}
}

// TestUndoToAndRedoToSnapshot needs every snapshot it targets by
// pointer to stay the same memory-resident object across the whole
// sequence, so it sets a radius wide enough that none of them are
// evicted and reloaded as a distinct object in between.
func TestUndoToAndRedoToSnapshot(t *testing.T) {
	stg := openStage(t, "s7.stage")
	h := New[int32](0, stg, int32Codec{})
	if err := h.SetMaxCachedStrata(4); err != nil {
		t.Fatalf("set radius: %v", err)
	}
	var chain []*Snapshot[int32]
	chain = append(chain, h.current)
	for i := int32(1); i <= 4; i++ {
		s, err := h.Advance(i)
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		chain = append(chain, s)
	}
	if err := h.UndoToSnapshot(chain[1]); err != nil {
		t.Fatalf("undo to snapshot: %v", err)
	}
	if h.current != chain[1] {
		t.Fatalf("undo to snapshot landed elsewhere")
	}
	if err := h.RedoToSnapshot(chain[3]); err != nil {
		t.Fatalf("redo to snapshot: %v", err)
	}
	if h.current != chain[3] {
		t.Fatalf("redo to snapshot landed elsewhere")
	}
}
