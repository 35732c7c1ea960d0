package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		blockNamingPolicy(),
		duplicateNamesPolicy(),
		emptyScriptPolicy(),
		evaluationErrorsPolicy(),
		dependencyCyclesPolicy(),
		documentMetadataPolicy(),
	}
}

// blockNamingPolicy asks for lowercase snake_case block names.
func blockNamingPolicy() Policy {
	return Policy{
		Name:        "block-naming",
		Description: "Block names should be lowercase snake_case identifiers",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package halfspace.policies.naming

deny contains violation if {
	some block in input.blocks
	not regex.match("^[a-z_][a-z0-9_]*$", block.name)
	violation := {
		"message": sprintf("Block name '%s' should be lowercase snake_case", [block.name]),
		"block": block.id,
	}
}

deny contains violation if {
	some block in input.blocks
	count(block.name) > 64
	violation := {
		"message": sprintf("Block name '%s' is longer than 64 characters", [block.name]),
		"block": block.id,
	}
}
`,
	}
}

// duplicateNamesPolicy flags blocks whose name is already owned by an
// earlier block. Only the first block with a name can be referenced.
func duplicateNamesPolicy() Policy {
	return Policy{
		Name:        "duplicate-names",
		Description: "Every block name must be unique within a document",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming"},
		Rego: `package halfspace.policies.duplicates

deny contains violation if {
	some block in input.blocks
	some earlier in input.blocks
	earlier.position < block.position
	earlier.name == block.name
	violation := {
		"message": sprintf("Block name '%s' is already used by block %s", [block.name, earlier.id]),
		"block": block.id,
	}
}
`,
	}
}

// emptyScriptPolicy flags script blocks with nothing to run.
func emptyScriptPolicy() Policy {
	return Policy{
		Name:        "empty-script",
		Description: "Script blocks should contain code",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"hygiene"},
		Rego: `package halfspace.policies.empty_script

deny contains violation if {
	some block in input.blocks
	block.kind == "script"
	trim_space(object.get(block, "script", "")) == ""
	violation := {
		"message": sprintf("Script block '%s' is empty", [block.name]),
		"block": block.id,
	}
}
`,
	}
}

// evaluationErrorsPolicy reports blocks that failed on their own. Cycle
// members and blocks failing because of an upstream error are left out.
func evaluationErrorsPolicy() Policy {
	return Policy{
		Name:        "evaluation-errors",
		Description: "Every block must evaluate without errors",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"evaluation"},
		Rego: `package halfspace.policies.errors

skipped := {"valid", "unevaluated", "propagated_error", "cycle_member"}

deny contains violation if {
	input.evaluated
	some block in input.blocks
	not block.state in skipped
	violation := {
		"message": sprintf("Block '%s' failed: %s", [block.name, object.get(block, "message", block.state)]),
		"block": block.id,
	}
}
`,
	}
}

// dependencyCyclesPolicy reports each dependency cycle once.
func dependencyCyclesPolicy() Policy {
	return Policy{
		Name:        "dependency-cycles",
		Description: "Blocks must not depend on themselves through other blocks",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"evaluation"},
		Rego: `package halfspace.policies.cycles

deny contains violation if {
	some cycle in input.cycles
	violation := {
		"message": sprintf("Dependency cycle: %s -> %s", [concat(" -> ", cycle), cycle[0]]),
	}
}
`,
	}
}

// documentMetadataPolicy asks for a document name.
func documentMetadataPolicy() Policy {
	return Policy{
		Name:        "document-metadata",
		Description: "Documents should be named",
		Severity:    SeverityInfo,
		Enabled:     true,
		Tags:        []string{"metadata"},
		Rego: `package halfspace.policies.metadata

deny contains "Document has no name" if {
	input.document.name == ""
}
`,
	}
}
