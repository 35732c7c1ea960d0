package policy

import (
	"sort"

	"github.com/mkeeter/halfspace/pkg/document"
	"github.com/mkeeter/halfspace/pkg/engine"
	"github.com/mkeeter/halfspace/pkg/world"
)

// Input is the document as policies see it, bound to `input` in Rego.
type Input struct {
	Document DocumentInput `json:"document"`
	Blocks   []BlockInput  `json:"blocks"`

	// Cycles lists the member names of each dependency cycle. Only set when
	// a report was given.
	Cycles [][]string `json:"cycles"`

	// Evaluated is true when block states come from an evaluation pass.
	Evaluated bool `json:"evaluated"`
}

// DocumentInput describes the document as a whole.
type DocumentInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Major       int    `json:"major"`
	Minor       int    `json:"minor"`
	Migrated    bool   `json:"migrated"`
}

// BlockInput describes one block, in display order.
type BlockInput struct {
	ID       string            `json:"id"`
	Position int               `json:"position"`
	Name     string            `json:"name"`
	Kind     string            `json:"kind"`
	Script   string            `json:"script,omitempty"`
	Inputs   map[string]string `json:"inputs,omitempty"`
	Input    string            `json:"input,omitempty"`

	// Result fields, empty without a report.
	State     string   `json:"state,omitempty"`
	ErrorKind string   `json:"error_kind,omitempty"`
	Message   string   `json:"message,omitempty"`
	Value     string   `json:"value,omitempty"`
	Type      string   `json:"type,omitempty"`
	Outputs   []string `json:"outputs,omitempty"`
	Stdout    []string `json:"stdout,omitempty"`
}

// NewInput builds the policy input for doc. report may be nil, in which
// case only the document structure is visible to policies.
func NewInput(doc *document.Document, report *engine.Report) *Input {
	w := doc.World
	in := &Input{
		Document: DocumentInput{
			Name:        doc.Meta.Name,
			Description: doc.Meta.Description,
			Major:       doc.Version.Major,
			Minor:       doc.Version.Minor,
			Migrated:    doc.Migrated(),
		},
		Blocks:    make([]BlockInput, 0, w.Len()),
		Cycles:    [][]string{},
		Evaluated: report != nil,
	}

	for pos, b := range w.Blocks() {
		bi := BlockInput{
			ID:       b.ID.String(),
			Position: pos,
			Name:     b.Name,
			Kind:     string(b.Kind()),
		}
		switch def := b.Def.(type) {
		case world.Script:
			bi.Script = def.Text
			bi.Inputs = def.Inputs
		case world.Value:
			bi.Input = def.Input
		}
		if report != nil {
			addResult(&bi, report.Results[b.ID])
		}
		in.Blocks = append(in.Blocks, bi)
	}

	if report != nil {
		for _, c := range report.Cycles {
			names := make([]string, 0, len(c.Cycle))
			for _, id := range c.Cycle {
				if b, ok := w.Block(id); ok {
					names = append(names, b.Name)
				}
			}
			in.Cycles = append(in.Cycles, names)
		}
	}
	return in
}

func addResult(bi *BlockInput, r *engine.Result) {
	if r == nil {
		bi.State = string(engine.StateUnevaluated)
		return
	}
	bi.State = string(r.State)
	bi.Stdout = r.Stdout
	if r.Err != nil {
		bi.ErrorKind = string(r.Err.Kind)
		bi.Message = r.Err.Error()
	}
	if r.Value != nil {
		bi.Value = r.Value.String()
		bi.Type = r.Value.Type()
	}
	for name := range r.Outputs {
		bi.Outputs = append(bi.Outputs, name)
	}
	sort.Strings(bi.Outputs)
}
