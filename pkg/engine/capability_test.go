package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/mkeeter/halfspace/pkg/world"
)

// The fake capability understands a tiny language. Expressions are sums of
// integer literals and references ("a", "a.out"). A script publishes one
// output "out" holding the sum of its inputs, except for a few keywords:
// "fail" raises a runtime error, "block" waits for cancellation, and any
// text containing "(" does not parse.

type fakeInt int64

func (v fakeInt) String() string { return strconv.FormatInt(int64(v), 10) }
func (v fakeInt) Type() string   { return "int" }

type fakeStruct map[string]Value

func (v fakeStruct) String() string {
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + v[name].String()
	}
	return "struct(" + strings.Join(parts, ", ") + ")"
}
func (v fakeStruct) Type() string { return "struct" }

type fakeTerm struct {
	literal int64
	ref     *Reference
}

type fakeExpr struct {
	src   string
	terms []fakeTerm
	refs  []Reference
}

func (e *fakeExpr) Source() string          { return e.src }
func (e *fakeExpr) References() []Reference { return e.refs }

type fakeProgram struct {
	block string
	text  string
}

type fakeCapability struct {
	mu      sync.Mutex
	calls   map[string]int
	started chan string
}

func newFakeCapability() *fakeCapability {
	return &fakeCapability{
		calls:   make(map[string]int),
		started: make(chan string, 16),
	}
}

func (c *fakeCapability) Parse(block, text string, inputs []string) (Program, error) {
	if strings.Contains(text, "(") {
		return nil, fmt.Errorf("%s: unexpected '('", block)
	}
	return &fakeProgram{block: block, text: text}, nil
}

func (c *fakeCapability) Execute(ctx context.Context, prog Program, inputs map[string]Value) (*Outputs, error) {
	p := prog.(*fakeProgram)

	c.mu.Lock()
	c.calls[p.block]++
	c.mu.Unlock()

	switch strings.TrimSpace(p.text) {
	case "fail":
		return nil, fmt.Errorf("%s failed", p.block)
	case "block":
		c.started <- p.block
		<-ctx.Done()
		return nil, ctx.Err()
	}

	var sum fakeInt
	for _, v := range inputs {
		n, ok := v.(fakeInt)
		if !ok {
			return nil, fmt.Errorf("input of type %s is not an int", v.Type())
		}
		sum += n
	}
	return &Outputs{
		Values: map[string]Value{"out": sum},
		Stdout: []string{fmt.Sprintf("%s=%d", p.block, sum)},
	}, nil
}

func (c *fakeCapability) ParseExpr(text string) (Expr, error) {
	e := &fakeExpr{src: text}
	seen := make(map[Reference]bool)
	for _, raw := range strings.Split(text, "+") {
		term := strings.TrimSpace(raw)
		if n, err := strconv.ParseInt(term, 10, 64); err == nil {
			e.terms = append(e.terms, fakeTerm{literal: n})
			continue
		}
		name, output, _ := strings.Cut(term, ".")
		if !world.ValidName(name) || (output != "" && !world.ValidName(output)) {
			return nil, fmt.Errorf("syntax error near %q", term)
		}
		ref := Reference{Name: name, Output: output}
		e.terms = append(e.terms, fakeTerm{ref: &ref})
		if !seen[ref] {
			seen[ref] = true
			e.refs = append(e.refs, ref)
		}
	}
	sort.Slice(e.refs, func(i, j int) bool { return e.refs[i].Less(e.refs[j]) })
	return e, nil
}

func (c *fakeCapability) EvalExpr(ctx context.Context, expr Expr, scope map[string]Value) (Value, error) {
	e := expr.(*fakeExpr)
	var sum fakeInt
	for _, term := range e.terms {
		if term.ref == nil {
			sum += fakeInt(term.literal)
			continue
		}
		v, ok := scope[term.ref.Name]
		if !ok {
			return nil, fmt.Errorf("name %q is not in scope", term.ref.Name)
		}
		if term.ref.Output != "" {
			s, ok := v.(fakeStruct)
			if !ok {
				return nil, fmt.Errorf("%s has no field %q", v.Type(), term.ref.Output)
			}
			v = s[term.ref.Output]
		}
		n, ok := v.(fakeInt)
		if !ok {
			return nil, fmt.Errorf("cannot add %s", v.Type())
		}
		sum += n
	}
	return sum, nil
}

func (c *fakeCapability) Publish(outputs map[string]Value) Value {
	return fakeStruct(outputs)
}

// Reserved treats "sum" as the fake language's only builtin.
func (c *fakeCapability) Reserved(name string) bool {
	return name == "sum"
}

func (c *fakeCapability) invocations(block string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[block]
}

func (c *fakeCapability) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = make(map[string]int)
}

// builder helpers

func addValue(t *testing.T, w *world.World, name, input string) world.BlockID {
	t.Helper()
	id, err := w.AddBlock(world.KindValue, name)
	if err != nil {
		t.Fatalf("AddBlock(%s) failed: %v", name, err)
	}
	if err := w.UpdateBlock(id, world.Value{Input: input}); err != nil {
		t.Fatalf("UpdateBlock(%s) failed: %v", name, err)
	}
	return id
}

func addScript(t *testing.T, w *world.World, name, text string, inputs map[string]string) world.BlockID {
	t.Helper()
	id, err := w.AddBlock(world.KindScript, name)
	if err != nil {
		t.Fatalf("AddBlock(%s) failed: %v", name, err)
	}
	if inputs == nil {
		inputs = map[string]string{}
	}
	if err := w.UpdateBlock(id, world.Script{Text: text, Inputs: inputs}); err != nil {
		t.Fatalf("UpdateBlock(%s) failed: %v", name, err)
	}
	return id
}

func mustEvaluate(t *testing.T, e *Evaluator, w *world.World) *Report {
	t.Helper()
	report, err := e.Evaluate(context.Background(), w)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(report.Results) != w.Len() {
		t.Fatalf("expected %d results, got %d", w.Len(), len(report.Results))
	}
	return report
}

func valueOf(t *testing.T, report *Report, id world.BlockID) string {
	t.Helper()
	r := report.Results[id]
	if r == nil {
		t.Fatalf("no result for block %s", id)
	}
	if !r.OK() {
		t.Fatalf("block %s is %s: %v", id, r.State, r.Err)
	}
	return r.Value.String()
}
