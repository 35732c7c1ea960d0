package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkeeter/halfspace/pkg/world"
)

type graphOutput struct {
	Order  []string    `json:"order"`
	Levels [][]string  `json:"levels"`
	Edges  []edgeJSON  `json:"edges"`
	Cycles []cycleJSON `json:"cycles,omitempty"`
}

type edgeJSON struct {
	Consumer string `json:"consumer"`
	Producer string `json:"producer"`
	Output   string `json:"output,omitempty"`
}

type cycleJSON struct {
	Blocks  []string `json:"blocks"`
	Message string   `json:"message"`
}

func newGraphCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph <document>",
		Short: "Print the dependency graph of a document",
		Long: `Print the dependency graph of a document in Graphviz DOT format, with
blocks in evaluation order and cycle members drawn in red. No block is
evaluated.`,
		Example: `  # Render with Graphviz
  halfspace graph part.json | dot -Tsvg > part.svg

  # Machine readable order, levels and edges
  halfspace graph --json part.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(version, nil)
			if err != nil {
				return err
			}
			defer a.close()

			doc, _, err := a.loadDocument(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			g := a.evaluator(1).Graph(doc.World)
			names, _ := blockNames(doc.World)

			if !jsonOutput {
				_, err := fmt.Fprint(cmd.OutOrStdout(), g.ToDOT(names))
				return err
			}

			label := func(id world.BlockID) string {
				if n := names[id]; n != "" {
					return n
				}
				return id.String()
			}
			labels := func(ids []world.BlockID) []string {
				out := make([]string, len(ids))
				for i, id := range ids {
					out[i] = label(id)
				}
				return out
			}

			out := graphOutput{
				Order:  labels(g.Order),
				Levels: make([][]string, len(g.Levels)),
				Edges:  make([]edgeJSON, len(g.Edges)),
			}
			for i, level := range g.Levels {
				out.Levels[i] = labels(level)
			}
			for i, e := range g.Edges {
				out.Edges[i] = edgeJSON{Consumer: label(e.Consumer), Producer: label(e.Producer), Output: e.Output}
			}
			for _, c := range g.Cycles {
				out.Cycles = append(out.Cycles, cycleJSON{Blocks: labels(c.Cycle), Message: c.Error()})
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}

	return cmd
}
