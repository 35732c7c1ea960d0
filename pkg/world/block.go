// Package world holds the mutable block document of one open session.
//
// A World owns every block, the display order and the Id allocator. Nothing
// outside this package writes block definitions; the evaluator reads a
// cloned snapshot.
package world

import (
	"fmt"
	"maps"
	"regexp"
	"strconv"
)

// BlockID identifies a block for the lifetime of a document. Ids are never
// reused after removal.
type BlockID uint64

// String returns the decimal form used as a key in saved documents.
func (id BlockID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseBlockID parses the decimal form produced by String.
func ParseBlockID(s string) (BlockID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid block id %q: %w", s, err)
	}
	return BlockID(n), nil
}

// Kind is the closed set of block variants.
type Kind string

const (
	// KindScript is a block that runs a script against named inputs.
	KindScript Kind = "script"

	// KindValue is a block holding a single expression.
	KindValue Kind = "value"
)

// Validate checks if the kind is known.
func (k Kind) Validate() error {
	switch k {
	case KindScript, KindValue:
		return nil
	default:
		return fmt.Errorf("invalid block kind: %s", k)
	}
}

// Definition is the kind-specific part of a block. It is implemented only by
// Script and Value.
type Definition interface {
	Kind() Kind
	clone() Definition
	equal(Definition) bool
}

// Script runs Text with each entry of Inputs bound as a global. Input
// values are expressions evaluated against the other blocks.
type Script struct {
	Text   string            `json:"script"`
	Inputs map[string]string `json:"inputs"`
}

// Kind implements Definition.
func (Script) Kind() Kind { return KindScript }

func (s Script) clone() Definition {
	out := Script{Text: s.Text, Inputs: make(map[string]string, len(s.Inputs))}
	maps.Copy(out.Inputs, s.Inputs)
	return out
}

func (s Script) equal(o Definition) bool {
	t, ok := o.(Script)
	if !ok || s.Text != t.Text {
		return false
	}
	return maps.Equal(s.Inputs, t.Inputs)
}

// Value publishes the result of a single expression.
type Value struct {
	Input string `json:"input"`
}

// Kind implements Definition.
func (Value) Kind() Kind { return KindValue }

func (v Value) clone() Definition { return v }

func (v Value) equal(o Definition) bool {
	t, ok := o.(Value)
	return ok && v == t
}

// DefaultDefinition returns the definition given to a newly added block.
func DefaultDefinition(kind Kind) (Definition, error) {
	switch kind {
	case KindScript:
		return Script{Inputs: map[string]string{}}, nil
	case KindValue:
		return Value{Input: "None"}, nil
	default:
		return nil, fmt.Errorf("invalid block kind: %s", kind)
	}
}

// Block is a named computation node.
type Block struct {
	ID   BlockID
	Name string
	Def  Definition
}

// Kind returns the kind of the block's definition.
func (b *Block) Kind() Kind {
	return b.Def.Kind()
}

// Clone returns a deep copy.
func (b *Block) Clone() *Block {
	return &Block{ID: b.ID, Name: b.Name, Def: b.Def.clone()}
}

// Equal reports whether two blocks have the same id, name and definition.
func (b *Block) Equal(o *Block) bool {
	return b.ID == o.ID && b.Name == o.Name && b.Def.equal(o.Def)
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidName reports whether name can be used to reference a block.
func ValidName(name string) bool {
	return identifierPattern.MatchString(name)
}
