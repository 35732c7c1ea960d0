package commands

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mkeeter/halfspace/pkg/document"
	"github.com/mkeeter/halfspace/pkg/telemetry"
)

func newMigrateCommand(version string) *cobra.Command {
	var (
		output string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "migrate <document>",
		Short: "Rewrite a document in the current format version",
		Long: `Rewrite a document in the current format version.

Older major versions are migrated on load; this command saves the result so
the migration does not happen again. Documents written by a newer version of
halfspace are rejected.`,
		Example: `  # Upgrade in place
  halfspace migrate part.json

  # Write the upgraded document elsewhere
  halfspace migrate -o part.v2.json part.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			a, err := newApp(version, nil)
			if err != nil {
				return err
			}
			defer a.close()

			doc, _, err := a.loadDocument(cmd.Context(), path)
			if err != nil {
				return err
			}

			current := document.Current()
			if doc.Version == current && output == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already at version %s\n", path, current)
				return nil
			}

			var buf bytes.Buffer
			op := telemetry.StartOperation(a.telemetry.WithContext(cmd.Context()), "document.save", telemetry.AttrDocument.String(path))
			err = a.codec.Save(&buf, doc)
			op.End(err)
			if err != nil {
				return err
			}
			if dryRun {
				_, err := cmd.OutOrStdout().Write(buf.Bytes())
				return err
			}

			dest := output
			if dest == "" {
				dest = path
			}
			if err := writeFileAtomic(dest, buf.Bytes()); err != nil {
				return err
			}

			a.logger.Info().
				Str("path", dest).
				Str("from", doc.Version.String()).
				Str("to", current.String()).
				Msg("Document migrated")
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of in place")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the migrated document instead of writing it")

	return cmd
}

// writeFileAtomic replaces path with data through a temporary file in the
// same directory.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace document: %w", err)
	}
	return nil
}
