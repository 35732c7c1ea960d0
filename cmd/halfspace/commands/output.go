package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"

	"github.com/mkeeter/halfspace/pkg/engine"
	"github.com/mkeeter/halfspace/pkg/policy"
	"github.com/mkeeter/halfspace/pkg/world"
)

func newRunID() string {
	return uuid.New().String()
}

// blockOutput is one block of a report as printed by eval and watch.
type blockOutput struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Kind    string            `json:"kind"`
	State   string            `json:"state"`
	Cached  bool              `json:"cached"`
	Value   string            `json:"value,omitempty"`
	Type    string            `json:"type,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty"`
	Stdout  []string          `json:"stdout,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type reportOutput struct {
	RunID  string        `json:"run_id"`
	Blocks []blockOutput `json:"blocks"`
	Cycles []string      `json:"cycles,omitempty"`
	Stats  engine.Stats  `json:"stats"`
}

func newReportOutput(report *engine.Report, w *world.World) *reportOutput {
	out := &reportOutput{
		RunID:  report.RunID,
		Blocks: make([]blockOutput, 0, w.Len()),
		Stats:  report.Stats,
	}
	for _, b := range w.Blocks() {
		bo := blockOutput{
			ID:   b.ID.String(),
			Name: b.Name,
			Kind: string(b.Kind()),
		}
		if r, ok := report.Results[b.ID]; ok {
			bo.State = string(r.State)
			bo.Cached = r.Cached
			bo.Stdout = r.Stdout
			if r.Value != nil {
				bo.Value = r.Value.String()
				bo.Type = r.Value.Type()
			}
			if len(r.Outputs) > 0 {
				bo.Outputs = make(map[string]string, len(r.Outputs))
				for name, v := range r.Outputs {
					bo.Outputs[name] = v.String()
				}
			}
			if r.Err != nil {
				bo.Error = r.Err.Error()
			}
		}
		out.Blocks = append(out.Blocks, bo)
	}
	for _, c := range report.Cycles {
		out.Cycles = append(out.Cycles, c.Error())
	}
	return out
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printReport writes a report as a table, or as JSON with --json.
func printReport(w io.Writer, out *reportOutput) error {
	if jsonOutput {
		return writeJSON(w, out)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tVALUE")
	for _, b := range out.Blocks {
		value := b.Value
		if b.Error != "" {
			value = b.Error
		} else if b.Cached {
			value += " (cached)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.ID, b.Name, b.State, oneLine(value))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, b := range out.Blocks {
		for _, line := range b.Stdout {
			fmt.Fprintf(w, "[%s] %s\n", b.Name, line)
		}
	}
	for _, c := range out.Cycles {
		fmt.Fprintf(w, "cycle: %s\n", c)
	}

	s := out.Stats
	fmt.Fprintf(w, "\n%d blocks, %d evaluated, %d cached, %d errors in %s\n",
		s.Blocks, s.Invocations, s.CacheHits, s.Errors, s.Duration)
	return nil
}

// printPolicyResult writes lint violations.
func printPolicyResult(w io.Writer, result *policy.Result, names map[string]string) error {
	if jsonOutput {
		return writeJSON(w, result)
	}

	for _, v := range result.Violations {
		where := "document"
		if v.Block != "" {
			where = names[v.Block]
			if where == "" {
				where = "block " + v.Block
			}
		}
		fmt.Fprintf(w, "%-7s %s: %s [%s]\n", v.Severity, where, v.Message, v.Policy)
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}

	counts := []string{}
	for _, sev := range []policy.Severity{policy.SeverityError, policy.SeverityWarning, policy.SeverityInfo} {
		if n := result.Count(sev); n > 0 {
			counts = append(counts, fmt.Sprintf("%d %s", n, sev))
		}
	}
	if len(counts) == 0 {
		fmt.Fprintf(w, "ok: %d policies passed\n", len(result.EvaluatedPolicies))
	} else {
		fmt.Fprintf(w, "%s\n", strings.Join(counts, ", "))
	}
	return nil
}

// blockNames maps block ids, in both forms, to names.
func blockNames(w *world.World) (map[world.BlockID]string, map[string]string) {
	byID := make(map[world.BlockID]string, w.Len())
	byKey := make(map[string]string, w.Len())
	for _, b := range w.Blocks() {
		byID[b.ID] = b.Name
		byKey[b.ID.String()] = b.Name
	}
	return byID, byKey
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}
