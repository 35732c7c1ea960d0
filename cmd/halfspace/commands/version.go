package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/mkeeter/halfspace/pkg/document"
)

type versionOutput struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	Format    string `json:"document_format"`
	GoVersion string `json:"go_version"`
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := versionOutput{
				Version:   version,
				Commit:    commit,
				BuildDate: buildDate,
				Format:    document.Current().String(),
				GoVersion: runtime.Version(),
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "halfspace %s\n", out.Version)
			fmt.Fprintf(w, "  commit:          %s\n", out.Commit)
			fmt.Fprintf(w, "  built:           %s\n", out.BuildDate)
			fmt.Fprintf(w, "  document format: %s\n", out.Format)
			fmt.Fprintf(w, "  go:              %s\n", out.GoVersion)
			return nil
		},
	}
}
