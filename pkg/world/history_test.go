package world

import "testing"

func TestHistory_UndoRedo(t *testing.T) {
	w := New()
	h := NewHistory(w)

	if h.CanUndo(w) {
		t.Fatal("Fresh history should have nothing to undo")
	}

	h.Checkpoint(w)
	_, _ = w.AddBlock(KindValue, "a")
	s1 := w.Clone()

	h.Checkpoint(w)
	_, _ = w.AddBlock(KindValue, "b")

	prev, ok := h.Undo(w)
	if !ok || !prev.sameBlocks(s1) {
		t.Fatalf("Expected undo to return the one-block state")
	}
	w = prev

	prev, ok = h.Undo(w)
	if !ok || prev.Len() != 0 {
		t.Fatalf("Expected undo to return the empty state")
	}
	w = prev

	if _, ok := h.Undo(w); ok {
		t.Error("Expected no further undo")
	}

	next, ok := h.Redo(w)
	if !ok || !next.sameBlocks(s1) {
		t.Fatalf("Expected redo to return the one-block state")
	}
	w = next

	next, ok = h.Redo(w)
	if !ok || next.Len() != 2 {
		t.Fatalf("Expected redo to return the two-block state")
	}
}

func TestHistory_EditClearsRedo(t *testing.T) {
	w := New()
	h := NewHistory(w)

	h.Checkpoint(w)
	_, _ = w.AddBlock(KindValue, "a")

	w, _ = h.Undo(w)
	_, _ = w.AddBlock(KindScript, "other")

	if h.CanRedo(w) {
		t.Error("Redo must not be possible after a divergent edit")
	}
	if _, ok := h.Redo(w); ok {
		t.Error("Expected redo to fail")
	}
}

func TestHistory_Dirty(t *testing.T) {
	w := New()
	h := NewHistory(w)

	if !h.Dirty(w) {
		t.Error("Unsaved world should be dirty")
	}
	h.MarkSaved(w)
	if h.Dirty(w) {
		t.Error("Saved world should be clean")
	}
	_, _ = w.AddBlock(KindValue, "a")
	if !h.Dirty(w) {
		t.Error("Edited world should be dirty")
	}
}

func TestHistory_UndoNeverReusesIDs(t *testing.T) {
	w := New()
	h := NewHistory(w)

	first, _ := w.AddBlock(KindValue, "a")
	h.Checkpoint(w)

	w, ok := h.Undo(w)
	if !ok || w.Len() != 0 {
		t.Fatalf("Expected undo to return the empty state")
	}
	if w.NextIndex() != first+1 {
		t.Errorf("Expected next index %d after undo, got %d", first+1, w.NextIndex())
	}

	w, ok = h.Redo(w)
	if !ok || w.Len() != 1 {
		t.Fatalf("Expected redo to restore block %d", first)
	}
	w, _ = h.Undo(w)

	id, _ := w.AddBlock(KindValue, "unrelated")
	if id == first {
		t.Errorf("Block added after undo reused id %d", id)
	}
}

func TestHistory_AllocatorDoesNotMakeDirty(t *testing.T) {
	w := New()
	h := NewHistory(w)
	h.MarkSaved(w)

	_, _ = w.AddBlock(KindValue, "a")
	h.Checkpoint(w)
	w, _ = h.Undo(w)

	if h.Dirty(w) {
		t.Error("Undo back to the saved blocks should be clean")
	}
}
