package policy

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/mkeeter/halfspace/pkg/telemetry"
)

// Engine compiles lint policies and evaluates them against documents.
type Engine struct {
	mu        sync.RWMutex
	policies  map[string]*compiledPolicy
	builtins  map[string]bool
	store     storage.Store
	logger    zerolog.Logger
	publisher *telemetry.EventPublisher
	noBuiltin bool
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher publishes a policy.violation event for every violation.
func WithPublisher(p *telemetry.EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithoutBuiltins starts the engine with no policies loaded.
func WithoutBuiltins() Option {
	return func(e *Engine) { e.noBuiltin = true }
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		builtins: make(map[string]bool),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if !e.noBuiltin {
		if err := e.loadBuiltinPolicies(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to load built-in policies: %w", err)
		}
	}

	return e, nil
}

// Evaluate runs every enabled policy against in. A policy that fails to
// evaluate is reported in Result.Warnings and does not stop the others.
func (e *Engine) Evaluate(ctx context.Context, in *Input) (*Result, error) {
	startTime := time.Now()

	value, err := ast.InterfaceToValue(in)
	if err != nil {
		return nil, fmt.Errorf("failed to convert policy input: %w", err)
	}

	e.mu.RLock()
	names := make([]string, 0, len(e.policies))
	for name, cp := range e.policies {
		if cp.policy.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	active := make([]*compiledPolicy, len(names))
	for i, name := range names {
		active[i] = e.policies[name]
	}
	e.mu.RUnlock()

	result := &Result{
		Allowed:           true,
		EvaluatedPolicies: names,
	}
	for _, cp := range active {
		violations, err := e.evaluatePolicy(ctx, cp, value)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("Policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	positions := make(map[string]int, len(in.Blocks))
	for _, b := range in.Blocks {
		positions[b.ID] = b.Position
	}
	sortViolations(result.Violations, positions)

	for i := range result.Violations {
		v := &result.Violations[i]
		if v.Severity.Blocking() {
			result.Allowed = false
		}
		if e.publisher != nil {
			if err := e.publisher.PublishPolicyViolation(v.Block, v.Policy, v.Message); err != nil {
				e.logger.Warn().Err(err).Msg("Failed to publish policy violation")
			}
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)
	e.logger.Debug().
		Str("document", in.Document.Name).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Document policy evaluation completed")

	return result, nil
}

// sortViolations orders violations by block position, with document-wide
// violations first, then by policy and message.
func sortViolations(vs []Violation, positions map[string]int) {
	pos := func(v Violation) int {
		if p, ok := positions[v.Block]; ok {
			return p
		}
		return -1
	}
	sort.SliceStable(vs, func(i, j int) bool {
		pi, pj := pos(vs[i]), pos(vs[j])
		if pi != pj {
			return pi < pj
		}
		if vs[i].Policy != vs[j].Policy {
			return vs[i].Policy < vs[j].Policy
		}
		return vs[i].Message < vs[j].Message
	})
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input ast.Value) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalParsedInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	return violations, nil
}

// createViolation creates a Violation from one element of a deny set.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			switch Severity(sev) {
			case SeverityInfo, SeverityWarning, SeverityError:
				violation.Severity = Severity(sev)
			}
		}
		switch block := v["block"].(type) {
		case string:
			violation.Block = block
		case fmt.Stringer:
			violation.Block = block.String()
		case float64:
			violation.Block = strconv.FormatFloat(block, 'f', -1, 64)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compile parses a policy and prepares its deny query.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	if policy.Name == "" {
		return nil, fmt.Errorf("policy has no name")
	}
	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}

	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := e.compile(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[cp.policy.Name] = cp
		e.builtins[cp.policy.Name] = true
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// AddPolicy compiles a policy and adds it, replacing any policy with the
// same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	cp, err := e.compile(ctx, &policy)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", policy.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[policy.Name] = cp
	delete(e.builtins, policy.Name)
	return nil
}

// SetPolicies replaces every loaded (non built-in) policy with policies.
// Nothing changes if any of them fails to compile.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		p := policies[i]
		cp, err := e.compile(ctx, &p)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name := range e.policies {
		if !e.builtins[name] {
			delete(e.policies, name)
		}
	}
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
		delete(e.builtins, cp.policy.Name)
	}

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Policies loaded successfully")

	return nil
}

// LoadPolicies loads policy files and directories, replacing previously
// loaded policies.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.SetPolicies(ctx, policies)
}

// Watch loads paths and reloads them whenever a policy file changes, until
// ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	if err := e.LoadPolicies(ctx, paths); err != nil {
		return err
	}
	loader := NewLoader(e.logger)
	return loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.SetPolicies(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies, sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}
