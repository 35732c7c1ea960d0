package world

import (
	"errors"
	"fmt"
	"slices"
)

// ErrBlockNotFound is returned when an operation names an id that is not
// live in the world.
var ErrBlockNotFound = errors.New("block not found")

// NameProblem describes why a block does not own its name.
type NameProblem string

const (
	// NameInvalid means the name is not an identifier.
	NameInvalid NameProblem = "invalid_identifier"

	// NameDuplicate means an earlier block in display order has the same name.
	NameDuplicate NameProblem = "duplicate_name"

	// NameReserved means the script language already uses the name.
	NameReserved NameProblem = "reserved_name"
)

// World is the block document of one session. It is not safe for
// concurrent use; callers serialize edits.
type World struct {
	nextIndex BlockID
	order     []BlockID
	blocks    map[BlockID]*Block
}

// New creates an empty world.
func New() *World {
	return &World{
		blocks: make(map[BlockID]*Block),
	}
}

// Restore builds a world from persisted parts and checks that they are
// consistent: order lists every block exactly once and nextIndex exceeds
// every id.
func Restore(nextIndex BlockID, order []BlockID, blocks []*Block) (*World, error) {
	w := &World{
		nextIndex: nextIndex,
		order:     slices.Clone(order),
		blocks:    make(map[BlockID]*Block, len(blocks)),
	}
	for _, b := range blocks {
		if b == nil || b.Def == nil {
			return nil, fmt.Errorf("block without definition")
		}
		if _, exists := w.blocks[b.ID]; exists {
			return nil, fmt.Errorf("duplicate block id %d", b.ID)
		}
		if b.ID >= nextIndex {
			return nil, fmt.Errorf("block id %d is not below next index %d", b.ID, nextIndex)
		}
		w.blocks[b.ID] = b.Clone()
	}
	if len(order) != len(w.blocks) {
		return nil, fmt.Errorf("order has %d entries but there are %d blocks", len(order), len(w.blocks))
	}
	seen := make(map[BlockID]bool, len(order))
	for _, id := range order {
		if _, ok := w.blocks[id]; !ok {
			return nil, fmt.Errorf("order references unknown block %d", id)
		}
		if seen[id] {
			return nil, fmt.Errorf("order lists block %d twice", id)
		}
		seen[id] = true
	}
	return w, nil
}

// NextIndex returns the id the next added block will receive.
func (w *World) NextIndex() BlockID {
	return w.nextIndex
}

// raise moves the allocator up to next if it is behind, so ids handed out
// by a later state of the world are never allocated again.
func (w *World) raise(next BlockID) {
	if next > w.nextIndex {
		w.nextIndex = next
	}
}

// Len returns the number of live blocks.
func (w *World) Len() int {
	return len(w.order)
}

// Order returns the display order.
func (w *World) Order() []BlockID {
	return slices.Clone(w.order)
}

// Position returns the index of id in the display order, or -1.
func (w *World) Position(id BlockID) int {
	return slices.Index(w.order, id)
}

// Block returns a copy of the block with the given id.
func (w *World) Block(id BlockID) (*Block, bool) {
	b, ok := w.blocks[id]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

// Blocks returns copies of all blocks in display order.
func (w *World) Blocks() []*Block {
	out := make([]*Block, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.blocks[id].Clone())
	}
	return out
}

// AddBlock appends a block with the default definition for kind and returns
// its freshly allocated id.
func (w *World) AddBlock(kind Kind, name string) (BlockID, error) {
	def, err := DefaultDefinition(kind)
	if err != nil {
		return 0, err
	}
	id := w.nextIndex
	w.nextIndex++
	w.blocks[id] = &Block{ID: id, Name: name, Def: def}
	w.order = append(w.order, id)
	return id, nil
}

// RemoveBlock deletes a block. Blocks that referenced it are left as they
// are and fail on the next evaluation.
func (w *World) RemoveBlock(id BlockID) error {
	if _, ok := w.blocks[id]; !ok {
		return fmt.Errorf("remove %d: %w", id, ErrBlockNotFound)
	}
	delete(w.blocks, id)
	w.order = slices.DeleteFunc(w.order, func(o BlockID) bool { return o == id })
	return nil
}

// UpdateBlock replaces the definition of a block. The kind may change.
func (w *World) UpdateBlock(id BlockID, def Definition) error {
	b, ok := w.blocks[id]
	if !ok {
		return fmt.Errorf("update %d: %w", id, ErrBlockNotFound)
	}
	if def == nil {
		return fmt.Errorf("update %d: nil definition", id)
	}
	b.Def = def.clone()
	return nil
}

// Rename changes the display name of a block.
func (w *World) Rename(id BlockID, name string) error {
	b, ok := w.blocks[id]
	if !ok {
		return fmt.Errorf("rename %d: %w", id, ErrBlockNotFound)
	}
	b.Name = name
	return nil
}

// Reorder replaces the display order. The new order must be a permutation
// of the current one.
func (w *World) Reorder(order []BlockID) error {
	if len(order) != len(w.order) {
		return fmt.Errorf("reorder: expected %d ids, got %d", len(w.order), len(order))
	}
	seen := make(map[BlockID]bool, len(order))
	for _, id := range order {
		if _, ok := w.blocks[id]; !ok || seen[id] {
			return fmt.Errorf("reorder: %d is unknown or repeated", id)
		}
		seen[id] = true
	}
	w.order = slices.Clone(order)
	return nil
}

// Owners maps every referenceable name to the block that owns it, and
// reports the blocks that own no name. The first block in display order
// with a given name owns it.
func (w *World) Owners() (map[string]BlockID, map[BlockID]NameProblem) {
	owners := make(map[string]BlockID, len(w.order))
	problems := make(map[BlockID]NameProblem)
	for _, id := range w.order {
		name := w.blocks[id].Name
		switch {
		case !ValidName(name):
			problems[id] = NameInvalid
		case hasOwner(owners, name):
			problems[id] = NameDuplicate
		default:
			owners[name] = id
		}
	}
	return owners, problems
}

// Lookup returns the block that owns name.
func (w *World) Lookup(name string) (BlockID, bool) {
	if !ValidName(name) {
		return 0, false
	}
	for _, id := range w.order {
		if w.blocks[id].Name == name {
			return id, true
		}
	}
	return 0, false
}

// NextName returns prefix if no block uses it, otherwise the first unused
// name of the form prefix_000, prefix_001 and so on.
func (w *World) NextName(prefix string) string {
	names := make(map[string]bool, len(w.blocks))
	for _, b := range w.blocks {
		names[b.Name] = true
	}
	if !names[prefix] {
		return prefix
	}
	for i := 0; ; i++ {
		if name := fmt.Sprintf("%s_%03d", prefix, i); !names[name] {
			return name
		}
	}
}

func hasOwner(owners map[string]BlockID, name string) bool {
	_, ok := owners[name]
	return ok
}

// Clone returns a deep copy of the world.
func (w *World) Clone() *World {
	out := &World{
		nextIndex: w.nextIndex,
		order:     slices.Clone(w.order),
		blocks:    make(map[BlockID]*Block, len(w.blocks)),
	}
	for id, b := range w.blocks {
		out.blocks[id] = b.Clone()
	}
	return out
}

// Equal reports whether two worlds hold the same blocks in the same order
// with the same allocator state.
func (w *World) Equal(o *World) bool {
	return w.nextIndex == o.nextIndex && w.sameBlocks(o)
}

// sameBlocks is Equal without the allocator.
func (w *World) sameBlocks(o *World) bool {
	if !slices.Equal(w.order, o.order) {
		return false
	}
	for id, b := range w.blocks {
		ob, ok := o.blocks[id]
		if !ok || !b.Equal(ob) {
			return false
		}
	}
	return len(w.blocks) == len(o.blocks)
}
