package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkeeter/halfspace/pkg/engine"
	"github.com/mkeeter/halfspace/pkg/policy"
)

func newValidateCommand(version string) *cobra.Command {
	var (
		noEval   bool
		policies []string
	)

	cmd := &cobra.Command{
		Use:   "validate <document>",
		Short: "Validate a document against its schema and lint policies",
		Long: `Validate a document against the document schema and lint policies.

This command checks:
  - Document tag and format version
  - Schema conformance (CUE) and structural consistency
  - Policy compliance (OPA/rego), built-in and configured
  - Evaluation errors and dependency cycles, unless --no-eval is given`,
		Example: `  # Validate with built-in policies
  halfspace validate part.json

  # Add a directory of custom policies
  halfspace validate --policy ./policies part.json

  # Check structure only, without running scripts
  halfspace validate --no-eval part.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			ctx := cmd.Context()

			a, err := newApp(version, nil)
			if err != nil {
				return err
			}
			defer a.close()

			doc, _, err := a.loadDocument(ctx, path)
			if err != nil {
				return err
			}
			if doc.Migrated() {
				a.logger.Info().
					Str("path", path).
					Str("version", doc.Version.String()).
					Msg("Document uses an older format; run 'halfspace migrate' to upgrade it")
			}

			eng, err := a.policyEngine(ctx)
			if err != nil {
				return err
			}
			if len(policies) > 0 {
				if err := eng.LoadPolicies(ctx, append(a.cfg.Policies.Paths, policies...)); err != nil {
					return err
				}
			}

			var report *engine.Report
			if !noEval {
				report, err = a.evaluator(0).Evaluate(ctx, doc.World)
				if err != nil {
					return fmt.Errorf("evaluation cancelled: %w", err)
				}
			}

			result, err := eng.Evaluate(ctx, policy.NewInput(doc, report))
			if err != nil {
				return err
			}

			_, names := blockNames(doc.World)
			if err := printPolicyResult(cmd.OutOrStdout(), result, names); err != nil {
				return err
			}
			if !result.Allowed {
				return fmt.Errorf("%s failed validation with %d errors", path, result.Count(policy.SeverityError))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noEval, "no-eval", false, "check structure only, without evaluating blocks")
	cmd.Flags().StringSliceVarP(&policies, "policy", "p", nil, "additional policy file or directory")

	return cmd
}
