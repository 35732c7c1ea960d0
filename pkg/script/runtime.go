// Package script implements the engine's script capability with Starlark.
//
// Every Execute and EvalExpr call runs on its own starlark.Thread, and all
// values leaving the package are frozen, so a single Runtime can serve a
// pool of concurrent evaluator workers.
package script

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/mkeeter/halfspace/pkg/engine"
)

const (
	inputsLocal  = "halfspace.inputs"
	outputsLocal = "halfspace.outputs"

	// scriptFile names every compiled script in positions and backtraces.
	// Block names stay out of it because results are cached across renames.
	scriptFile = "script.star"
)

// keywords are the Starlark keywords and the Python keywords the Starlark
// scanner reserves.
var keywords = map[string]bool{
	"and": true, "as": true, "assert": true, "async": true, "await": true,
	"break": true, "class": true, "continue": true, "def": true, "del": true,
	"elif": true, "else": true, "except": true, "finally": true, "for": true,
	"from": true, "global": true, "if": true, "import": true, "in": true,
	"is": true, "lambda": true, "load": true, "nonlocal": true, "not": true,
	"or": true, "pass": true, "raise": true, "return": true, "try": true,
	"while": true, "with": true, "yield": true,
}

// Options configures a Runtime.
type Options struct {
	// MaxSteps bounds the work a single execution may do. Zero means no limit.
	MaxSteps uint64
}

// Runtime is a Starlark implementation of engine.Capability.
type Runtime struct {
	opts     Options
	fileOpts *syntax.FileOptions
	builtins starlark.StringDict
}

var _ engine.Capability = (*Runtime)(nil)

// New creates a Starlark runtime.
func New(opts Options) *Runtime {
	builtins := starlark.StringDict{
		"struct":    starlarkstruct.Default,
		"range":     starlark.NewBuiltin("range", builtinRange),
		"enumerate": starlark.NewBuiltin("enumerate", builtinEnumerate),
		"zip":       starlark.NewBuiltin("zip", builtinZip),
		"input":     starlark.NewBuiltin("input", builtinInput),
		"output":    starlark.NewBuiltin("output", builtinOutput),
	}
	builtins.Freeze()

	return &Runtime{
		opts: opts,
		fileOpts: &syntax.FileOptions{
			Set:             true,
			While:           true,
			TopLevelControl: true,
			GlobalReassign:  true,
		},
		builtins: builtins,
	}
}

// Reserved implements engine.Capability. Keywords, universe names such as
// len and None, and the halfspace builtins cannot name a referenceable
// block.
func (r *Runtime) Reserved(name string) bool {
	return keywords[name] || r.builtins.Has(name) || starlark.Universe.Has(name)
}

// program is a compiled block script.
type program struct {
	block  string
	inputs []string
	prog   *starlark.Program
}

// Parse implements engine.Capability.
func (r *Runtime) Parse(block, text string, inputs []string) (engine.Program, error) {
	names := slices.Clone(inputs)
	sort.Strings(names)

	isPredeclared := func(name string) bool {
		if r.builtins.Has(name) {
			return true
		}
		_, found := slices.BinarySearch(names, name)
		return found
	}

	_, prog, err := starlark.SourceProgramOptions(r.fileOpts, scriptFile, text, isPredeclared)
	if err != nil {
		return nil, err
	}
	return &program{block: block, inputs: names, prog: prog}, nil
}

// Execute implements engine.Capability. Outputs are the script's public
// globals (names not starting with an underscore, functions excluded)
// together with values recorded through output(name, value).
func (r *Runtime) Execute(ctx context.Context, p engine.Program, inputs map[string]engine.Value) (*engine.Outputs, error) {
	prog, ok := p.(*program)
	if !ok {
		return nil, fmt.Errorf("program of type %T was not compiled by this runtime", p)
	}

	predeclared := make(starlark.StringDict, len(r.builtins)+len(inputs))
	for k, v := range r.builtins {
		predeclared[k] = v
	}
	bound := make(starlark.StringDict, len(inputs))
	for _, name := range prog.inputs {
		v, ok := inputs[name]
		if !ok {
			return nil, fmt.Errorf("input %q is not bound", name)
		}
		sv, err := asStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		predeclared[name] = sv
		bound[name] = sv
	}

	var stdout []string
	thread, done := r.newThread(ctx, prog.block, &stdout)
	defer done()
	recorded := make(starlark.StringDict)
	thread.SetLocal(inputsLocal, bound)
	thread.SetLocal(outputsLocal, recorded)

	globals, err := prog.prog.Init(thread, predeclared)
	if err != nil {
		return nil, execError(err)
	}
	globals.Freeze()
	recorded.Freeze()

	out := &engine.Outputs{
		Values: make(map[string]engine.Value, len(globals)+len(recorded)),
		Stdout: stdout,
	}
	for name, v := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, isFunc := v.(starlark.Callable); isFunc {
			continue
		}
		out.Values[name] = v
	}
	for name, v := range recorded {
		if _, exists := out.Values[name]; exists {
			return nil, fmt.Errorf("output %q is defined twice", name)
		}
		out.Values[name] = v
	}
	return out, nil
}

// ParseExpr implements engine.Capability.
func (r *Runtime) ParseExpr(text string) (engine.Expr, error) {
	e, err := r.fileOpts.ParseExpr("<input>", text, 0)
	if err != nil {
		return nil, err
	}
	return &expr{src: text, refs: references(e, r.builtins)}, nil
}

// EvalExpr implements engine.Capability. The expression is parsed again for
// every evaluation since Starlark's resolver annotates the syntax tree.
func (r *Runtime) EvalExpr(ctx context.Context, e engine.Expr, scope map[string]engine.Value) (engine.Value, error) {
	env := make(starlark.StringDict, len(r.builtins)+len(scope))
	for k, v := range r.builtins {
		env[k] = v
	}
	for name, v := range scope {
		sv, err := asStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("reference %q: %w", name, err)
		}
		env[name] = sv
	}

	parsed, err := r.fileOpts.ParseExpr("<input>", e.Source(), 0)
	if err != nil {
		return nil, err
	}

	var discard []string
	thread, done := r.newThread(ctx, "<input>", &discard)
	defer done()
	v, err := starlark.EvalExprOptions(r.fileOpts, thread, parsed, env)
	if err != nil {
		return nil, execError(err)
	}
	if fn, isFunc := v.(starlark.Callable); isFunc {
		return nil, fmt.Errorf("expression is the function %s, not a value", fn.Name())
	}
	v.Freeze()
	return v, nil
}

// Publish implements engine.Capability. A script block is published as a
// struct whose fields are its outputs.
func (r *Runtime) Publish(outputs map[string]engine.Value) engine.Value {
	fields := make(starlark.StringDict, len(outputs))
	for name, v := range outputs {
		if sv, ok := v.(starlark.Value); ok {
			fields[name] = sv
		}
	}
	s := starlarkstruct.FromStringDict(starlarkstruct.Default, fields)
	s.Freeze()
	return s
}

// newThread returns a thread cancelled when ctx ends. The returned func
// must be called once the thread is no longer used.
func (r *Runtime) newThread(ctx context.Context, name string, stdout *[]string) (*starlark.Thread, func()) {
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			*stdout = append(*stdout, msg)
		},
	}
	if r.opts.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(r.opts.MaxSteps)
	}
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(context.Cause(ctx).Error())
	})
	return thread, func() { stop() }
}

func asStarlark(v engine.Value) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}
	sv, ok := v.(starlark.Value)
	if !ok {
		return nil, fmt.Errorf("value of type %T is not a starlark value", v)
	}
	return sv, nil
}

// execError strips the interpreter wrapper but keeps the backtrace.
func execError(err error) error {
	if evalErr, ok := err.(*starlark.EvalError); ok {
		return fmt.Errorf("%s", evalErr.Backtrace())
	}
	return err
}
