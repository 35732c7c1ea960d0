package world

// History keeps undo and redo snapshots of a world. The undo stack always
// holds at least one entry: the state the latest edit started from.
//
// Undo and Redo never move the id allocator backwards: a restored state
// keeps the highest next index seen, so a block added after an undo gets
// an id no earlier block had.
type History struct {
	undo  []*World
	redo  []*World
	saved *World
}

// NewHistory starts a history at the given state.
func NewHistory(w *World) *History {
	return &History{undo: []*World{w.Clone()}}
}

// Checkpoint records w as an undo point if it differs from the last one.
// Any redo entries are discarded.
func (h *History) Checkpoint(w *World) {
	if h.top().Equal(w) {
		return
	}
	h.undo = append(h.undo, w.Clone())
	h.redo = nil
}

// CanUndo reports whether Undo would change w.
func (h *History) CanUndo(w *World) bool {
	return len(h.undo) > 1 || !h.top().Equal(w)
}

// CanRedo reports whether Redo would change w.
func (h *History) CanRedo(w *World) bool {
	return len(h.redo) > 0 && h.top().Equal(w)
}

// Undo returns the state before w, or false if there is none.
func (h *History) Undo(w *World) (*World, bool) {
	if !h.CanUndo(w) {
		return nil, false
	}
	if h.top().Equal(w) {
		h.undo = h.undo[:len(h.undo)-1]
	}
	h.redo = append(h.redo, w.Clone())
	prev := h.top()
	prev.raise(w.nextIndex)
	return prev.Clone(), true
}

// Redo returns the state undone most recently. If w changed since the undo,
// the redo stack is cleared and false is returned.
func (h *History) Redo(w *World) (*World, bool) {
	if !h.top().Equal(w) {
		h.redo = nil
		return nil, false
	}
	if len(h.redo) == 0 {
		return nil, false
	}
	next := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	next.raise(w.nextIndex)
	h.undo = append(h.undo, next)
	return next.Clone(), true
}

// MarkSaved records w as the state last written to disk.
func (h *History) MarkSaved(w *World) {
	h.saved = w.Clone()
}

// Dirty reports whether the blocks of w differ from the last saved state.
// Allocator movement alone does not make a world dirty.
func (h *History) Dirty(w *World) bool {
	return h.saved == nil || !h.saved.sameBlocks(w)
}

func (h *History) top() *World {
	return h.undo[len(h.undo)-1]
}
