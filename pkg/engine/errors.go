package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mkeeter/halfspace/pkg/world"
)

// ErrorKind classifies a per-block failure.
type ErrorKind string

const (
	// ErrKindParse is malformed script or expression text.
	ErrKindParse ErrorKind = "parse_error"

	// ErrKindRuntime is a script that executed and failed.
	ErrKindRuntime ErrorKind = "runtime_error"

	// ErrKindMissingReference is an input naming a block or output that
	// does not exist.
	ErrKindMissingReference ErrorKind = "missing_reference"

	// ErrKindCycle is a dependency cycle. The Graph Builder raises one per
	// cycle and each member block carries a copy naming itself.
	ErrKindCycle ErrorKind = "cycle"

	// ErrKindPropagated is a failure inherited from a dependency.
	ErrKindPropagated ErrorKind = "propagated_error"

	// ErrKindName is a block whose name is not a valid identifier or is
	// already owned by an earlier block.
	ErrKindName ErrorKind = "name_error"
)

// BlockError is the error recorded in a block's result slot. It never
// aborts an evaluation pass.
type BlockError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Block is the block the error belongs to.
	Block world.BlockID `json:"block"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Slot is the input binding that failed, if applicable.
	Slot string `json:"slot,omitempty"`

	// Referenced is the unresolved name (or name.output) of a missing reference.
	Referenced string `json:"referenced,omitempty"`

	// Origin is the block whose failure caused a propagated error.
	Origin world.BlockID `json:"origin,omitempty"`

	// Cycle is the cycle path, in dependency order.
	Cycle []world.BlockID `json:"cycle,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *BlockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s (block=%s", e.Kind, e.Message, e.Block)
	if e.Slot != "" {
		fmt.Fprintf(&b, ", slot=%s", e.Slot)
	}
	b.WriteString(")")
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *BlockError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is. Two block errors
// match when their kinds match.
func (e *BlockError) Is(target error) bool {
	t, ok := target.(*BlockError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewParseError creates a parse error.
func NewParseError(block world.BlockID, err error) *BlockError {
	return &BlockError{
		Kind:    ErrKindParse,
		Block:   block,
		Message: "parse failed",
		Err:     err,
	}
}

// NewRuntimeError creates a runtime error.
func NewRuntimeError(block world.BlockID, err error) *BlockError {
	return &BlockError{
		Kind:    ErrKindRuntime,
		Block:   block,
		Message: "execution failed",
		Err:     err,
	}
}

// NewMissingReferenceError creates an error for a reference that does not
// resolve. referenced is the name, or name.output for a missing output.
func NewMissingReferenceError(block world.BlockID, referenced string) *BlockError {
	return &BlockError{
		Kind:       ErrKindMissingReference,
		Block:      block,
		Message:    fmt.Sprintf("unknown reference %q", referenced),
		Referenced: referenced,
	}
}

// NewCycleError creates the error for a dependency cycle. The first block
// of the path is recorded as the error's block.
func NewCycleError(path []world.BlockID) *BlockError {
	e := &BlockError{
		Kind:    ErrKindCycle,
		Message: "circular dependency: " + formatCycle(path),
		Cycle:   append([]world.BlockID(nil), path...),
	}
	if len(path) > 0 {
		e.Block = path[0]
	}
	return e
}

// NewPropagatedError creates an error for a block whose dependency failed.
func NewPropagatedError(block, origin world.BlockID) *BlockError {
	return &BlockError{
		Kind:    ErrKindPropagated,
		Block:   block,
		Message: fmt.Sprintf("dependency %s failed", origin),
		Origin:  origin,
	}
}

// NewNameError creates an error for a block that does not own its name.
func NewNameError(block world.BlockID, name string, problem world.NameProblem) *BlockError {
	var msg string
	switch problem {
	case world.NameDuplicate:
		msg = fmt.Sprintf("name %q is already used by an earlier block", name)
	case world.NameReserved:
		msg = fmt.Sprintf("name %q is reserved by the script language", name)
	default:
		msg = fmt.Sprintf("name %q is not a valid identifier", name)
	}
	return &BlockError{
		Kind:    ErrKindName,
		Block:   block,
		Message: msg,
	}
}

// WithSlot adds the failing input binding to an error.
func (e *BlockError) WithSlot(slot string) *BlockError {
	e.Slot = slot
	return e
}

// forBlock returns a copy of e attributed to another block.
func (e *BlockError) forBlock(block world.BlockID) *BlockError {
	c := *e
	c.Block = block
	return &c
}

// rootCause returns the block where a failure started.
func (e *BlockError) rootCause() world.BlockID {
	if e.Kind == ErrKindPropagated {
		return e.Origin
	}
	return e.Block
}

func isKind(err error, kind ErrorKind) bool {
	var e *BlockError
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsParseError returns true if the error is a parse error.
func IsParseError(err error) bool { return isKind(err, ErrKindParse) }

// IsRuntimeError returns true if the error is a runtime error.
func IsRuntimeError(err error) bool { return isKind(err, ErrKindRuntime) }

// IsMissingReference returns true if the error is a missing reference.
func IsMissingReference(err error) bool { return isKind(err, ErrKindMissingReference) }

// IsCycleError returns true if the error is a cycle error.
func IsCycleError(err error) bool { return isKind(err, ErrKindCycle) }

// IsPropagatedError returns true if the error was inherited from a dependency.
func IsPropagatedError(err error) bool { return isKind(err, ErrKindPropagated) }

// IsNameError returns true if the error is a name error.
func IsNameError(err error) bool { return isKind(err, ErrKindName) }

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []world.BlockID) string {
	parts := make([]string, 0, len(cycle)+1)
	for _, id := range cycle {
		parts = append(parts, id.String())
	}
	if len(cycle) > 0 {
		parts = append(parts, cycle[0].String())
	}
	return strings.Join(parts, " -> ")
}
