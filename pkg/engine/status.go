package engine

import (
	"fmt"
)

// State is the evaluation state of a single block.
type State string

const (
	// StateUnevaluated is the state of a block that has never been part of
	// a completed pass.
	StateUnevaluated State = "unevaluated"

	// StateValid indicates the block produced a value.
	StateValid State = "valid"

	// StateParseError indicates the script or an input expression is malformed.
	StateParseError State = "parse_error"

	// StateRuntimeError indicates the script ran and failed.
	StateRuntimeError State = "runtime_error"

	// StateMissingReference indicates an input names a block or output that
	// does not exist.
	StateMissingReference State = "missing_reference"

	// StateCycleMember indicates the block is part of a dependency cycle.
	StateCycleMember State = "cycle_member"

	// StatePropagatedError indicates a dependency failed and the block was
	// not executed.
	StatePropagatedError State = "propagated_error"

	// StateNameError indicates the block does not own its name.
	StateNameError State = "name_error"
)

// IsTerminal returns true if the state is the outcome of an evaluation.
func (s State) IsTerminal() bool {
	return s != StateUnevaluated
}

// IsError returns true if the block has no usable value.
func (s State) IsError() bool {
	return s.IsTerminal() && s != StateValid
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StateUnevaluated, StateValid, StateParseError, StateRuntimeError,
		StateMissingReference, StateCycleMember, StatePropagatedError, StateNameError:
		return nil
	default:
		return fmt.Errorf("invalid block state: %s", s)
	}
}

// stateFor maps an error kind to the state it leaves a block in.
func stateFor(kind ErrorKind) State {
	switch kind {
	case ErrKindParse:
		return StateParseError
	case ErrKindRuntime:
		return StateRuntimeError
	case ErrKindMissingReference:
		return StateMissingReference
	case ErrKindCycle:
		return StateCycleMember
	case ErrKindPropagated:
		return StatePropagatedError
	case ErrKindName:
		return StateNameError
	default:
		return StateRuntimeError
	}
}
