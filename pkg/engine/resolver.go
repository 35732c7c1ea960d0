package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mkeeter/halfspace/pkg/world"
)

// valueSlot is the slot name used for the expression of a value block.
const valueSlot = "input"

// Resolution is the static analysis of one block definition: its parsed
// input expressions, compiled script and the references it reads.
type Resolution struct {
	// Refs is the union of references over all slots, sorted.
	Refs []Reference

	// Err is set when the script or an input expression does not parse.
	Err *BlockError

	key     string
	exprs   map[string]Expr
	slots   []string
	program Program
}

// Resolver extracts references from block definitions. Results are
// memoized per block and reused while the definition is unchanged.
// Unresolved names are not errors here; they surface at evaluation time.
type Resolver struct {
	capability Capability

	mu   sync.Mutex
	memo map[world.BlockID]*Resolution
}

// NewResolver creates a resolver backed by the given capability.
func NewResolver(capability Capability) *Resolver {
	return &Resolver{
		capability: capability,
		memo:       make(map[world.BlockID]*Resolution),
	}
}

// Resolve returns the resolution of a block, reusing the memoized one when
// the definition is unchanged.
func (r *Resolver) Resolve(b *world.Block) *Resolution {
	key := definitionKey(b)

	r.mu.Lock()
	defer r.mu.Unlock()

	if res, ok := r.memo[b.ID]; ok && res.key == key {
		return res
	}
	res := r.resolve(b)
	res.key = key
	r.memo[b.ID] = res
	return res
}

// Retain forgets memoized resolutions of blocks not in live.
func (r *Resolver) Retain(live map[world.BlockID]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.memo {
		if !live[id] {
			delete(r.memo, id)
		}
	}
}

func (r *Resolver) resolve(b *world.Block) *Resolution {
	res := &Resolution{exprs: make(map[string]Expr)}
	seen := make(map[Reference]bool)

	addExpr := func(slot, text string) bool {
		e, err := r.capability.ParseExpr(text)
		if err != nil {
			res.Err = NewParseError(b.ID, err).WithSlot(slot)
			return false
		}
		res.exprs[slot] = e
		res.slots = append(res.slots, slot)
		for _, ref := range e.References() {
			if !seen[ref] {
				seen[ref] = true
				res.Refs = append(res.Refs, ref)
			}
		}
		return true
	}

	switch def := b.Def.(type) {
	case world.Value:
		addExpr(valueSlot, def.Input)
	case world.Script:
		slots := make([]string, 0, len(def.Inputs))
		for slot := range def.Inputs {
			slots = append(slots, slot)
		}
		sort.Strings(slots)

		for _, slot := range slots {
			if !world.ValidName(slot) {
				res.Err = NewParseError(b.ID, fmt.Errorf("input name %q is not a valid identifier", slot)).WithSlot(slot)
				break
			}
			if !addExpr(slot, def.Inputs[slot]) {
				break
			}
		}
		if res.Err == nil {
			prog, err := r.capability.Parse(b.Name, def.Text, slots)
			if err != nil {
				res.Err = NewParseError(b.ID, err)
			} else {
				res.program = prog
			}
		}
	default:
		res.Err = NewParseError(b.ID, fmt.Errorf("unsupported block definition %T", b.Def))
	}

	sort.Slice(res.Refs, func(i, j int) bool { return res.Refs[i].Less(res.Refs[j]) })
	return res
}

// definitionKey identifies everything Resolve reads from a block.
func definitionKey(b *world.Block) string {
	var sb strings.Builder
	w := func(s string) {
		fmt.Fprintf(&sb, "%d:%s", len(s), s)
	}
	w(b.Name)
	w(string(b.Kind()))
	switch def := b.Def.(type) {
	case world.Value:
		w(def.Input)
	case world.Script:
		w(def.Text)
		slots := make([]string, 0, len(def.Inputs))
		for slot := range def.Inputs {
			slots = append(slots, slot)
		}
		sort.Strings(slots)
		for _, slot := range slots {
			w(slot)
			w(def.Inputs[slot])
		}
	}
	return sb.String()
}
