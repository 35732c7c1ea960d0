package engine

import (
	"time"

	"github.com/mkeeter/halfspace/pkg/world"
)

// Reference is a read of another block's published value. An empty Output
// refers to the block as a whole.
type Reference struct {
	Name   string `json:"name"`
	Output string `json:"output,omitempty"`
}

// String returns the reference as it appears in an expression.
func (r Reference) String() string {
	if r.Output == "" {
		return r.Name
	}
	return r.Name + "." + r.Output
}

// Less orders references by name, then output.
func (r Reference) Less(o Reference) bool {
	if r.Name != o.Name {
		return r.Name < o.Name
	}
	return r.Output < o.Output
}

// Edge is a dependency of Consumer on an output of Producer.
type Edge struct {
	Consumer world.BlockID `json:"consumer"`
	Producer world.BlockID `json:"producer"`
	Output   string        `json:"output,omitempty"`
}

// Result is the outcome of evaluating one block.
type Result struct {
	// Block is the evaluated block.
	Block world.BlockID `json:"block"`

	// State is the evaluation state.
	State State `json:"state"`

	// Value is what other blocks see when referencing this block. Nil
	// unless State is valid.
	Value Value `json:"-"`

	// Outputs holds the named outputs of a script block.
	Outputs map[string]Value `json:"-"`

	// Stdout holds text printed while executing the block.
	Stdout []string `json:"stdout,omitempty"`

	// Err is set for every state except valid.
	Err *BlockError `json:"error,omitempty"`

	// Fingerprint identifies the inputs that produced this result. Empty
	// for results that are never cached.
	Fingerprint Fingerprint `json:"fingerprint,omitempty"`

	// Cached is true when the result was reused without recomputation.
	Cached bool `json:"cached"`
}

// OK returns true if the block produced a value.
func (r *Result) OK() bool {
	return r.State == StateValid
}

// Output returns a named output of a script block.
func (r *Result) Output(name string) (Value, bool) {
	v, ok := r.Outputs[name]
	return v, ok
}

// Results maps block ids to their results.
type Results map[world.BlockID]*Result

// Stats summarizes an evaluation pass.
type Stats struct {
	Blocks      int           `json:"blocks"`
	Invocations int           `json:"invocations"`
	CacheHits   int           `json:"cache_hits"`
	Errors      int           `json:"errors"`
	GraphReused bool          `json:"graph_reused"`
	Duration    time.Duration `json:"duration"`
}

// Report is the outcome of a completed evaluation pass.
type Report struct {
	// RunID identifies the pass.
	RunID string `json:"run_id"`

	// Results holds one entry per live block.
	Results Results `json:"results"`

	// Order is the topological order used by the pass.
	Order []world.BlockID `json:"order"`

	// Cycles holds one error per dependency cycle.
	Cycles []*BlockError `json:"cycles,omitempty"`

	// Stats summarizes the pass.
	Stats Stats `json:"stats"`

	// StartedAt is when the pass began.
	StartedAt time.Time `json:"started_at"`
}
