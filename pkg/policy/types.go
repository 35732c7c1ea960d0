package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for problems that make the document fail validation.
	SeverityError Severity = "error"
)

// Blocking returns true if a violation of this severity fails validation.
func (s Severity) Blocking() bool {
	return s == SeverityError
}

// Policy represents a lint rule with its Rego code. The Rego module must
// define a `deny` set; each element is either a message string or an object
// with "message" and optional "severity" and "block" fields.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" validate:"required"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego" validate:"required"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity" validate:"omitempty,oneof=info warning error"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Block is the id of the offending block, if the violation names one.
	Block string `json:"block,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the result of linting one document.
type Result struct {
	// Allowed is false if any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists all policy violations, ordered by block position,
	// then policy name, then message.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Count returns the number of violations with the given severity.
func (r *Result) Count(sev Severity) int {
	n := 0
	for i := range r.Violations {
		if r.Violations[i].Severity == sev {
			n++
		}
	}
	return n
}

// Bundle represents a collection of related policies in one JSON file.
type Bundle struct {
	Name        string   `json:"name" validate:"required"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Policies    []Policy `json:"policies" validate:"dive"`
}
