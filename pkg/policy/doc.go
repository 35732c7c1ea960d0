// Package policy lints halfspace documents with Open Policy Agent (OPA).
//
// Policies are Rego modules defining a `deny` set. They see the document
// through Input: the document metadata, every block in display order and,
// when an evaluation report is given, each block's state, value and error
// plus the dependency cycles of the pass.
//
// # Built-in Policies
//
//   - block-naming: block names should be lowercase snake_case (warning)
//   - duplicate-names: later blocks reusing a name (error)
//   - empty-script: script blocks with no code (warning)
//   - evaluation-errors: blocks that failed on their own (error)
//   - dependency-cycles: one violation per cycle (error)
//   - document-metadata: documents without a name (info)
//
// # Custom Policies
//
// A .rego file is loaded as one policy named after the file:
//
//	package halfspace.policies.width
//
//	deny contains violation if {
//	    some block in input.blocks
//	    block.name == "width"
//	    to_number(block.value) > 100
//	    violation := {
//	        "message": "width must not exceed 100",
//	        "severity": "error",
//	        "block": block.id,
//	    }
//	}
//
// A .json file holds one Policy with its Rego inline. Deny elements may be
// plain strings, in which case the policy's default severity applies.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	result, err := eng.Evaluate(ctx, policy.NewInput(doc, report))
//
// Engine.Watch reloads policy files when they change, so a long running
// process picks up edits without restarting.
package policy
