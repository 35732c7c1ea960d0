package engine

import (
	"context"
)

// Value is a runtime value published by a block. Values handed out by a
// Capability must be immutable so that concurrent readers are safe.
type Value interface {
	String() string
	Type() string
}

// Program is a compiled block script. Its concrete type belongs to the
// Capability that produced it.
type Program interface{}

// Expr is a parsed input expression.
type Expr interface {
	// Source returns the expression text.
	Source() string

	// References returns the free block references read by the
	// expression, sorted by name and output.
	References() []Reference
}

// Outputs is what a script execution produces.
type Outputs struct {
	// Values maps output names to values.
	Values map[string]Value

	// Stdout holds text printed by the script, one entry per call.
	Stdout []string
}

// Capability parses and executes block scripts. The engine never inspects
// script syntax itself; everything language specific goes through this
// interface. Implementations must allow concurrent Execute and EvalExpr
// calls, each using its own interpreter state.
type Capability interface {
	// Parse compiles a script. inputs lists the names bound as globals when
	// the program runs.
	Parse(block, text string, inputs []string) (Program, error)

	// Execute runs a compiled program with the given input values.
	Execute(ctx context.Context, prog Program, inputs map[string]Value) (*Outputs, error)

	// ParseExpr parses an input expression.
	ParseExpr(text string) (Expr, error)

	// EvalExpr evaluates an expression with scope binding referenced block
	// names to their published values.
	EvalExpr(ctx context.Context, expr Expr, scope map[string]Value) (Value, error)

	// Publish builds the value other blocks see when they reference a
	// script block by name.
	Publish(outputs map[string]Value) Value

	// Reserved reports whether name belongs to the language (a keyword or
	// builtin) and so cannot be used to reference a block.
	Reserved(name string) bool
}
