package engine_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkeeter/halfspace/pkg/document"
	"github.com/mkeeter/halfspace/pkg/engine"
	"github.com/mkeeter/halfspace/pkg/script"
	"github.com/mkeeter/halfspace/pkg/world"
)

// countingCapability wraps the Starlark runtime and counts script
// executions per block.
type countingCapability struct {
	engine.Capability

	mu      sync.Mutex
	calls   map[string]int
	started chan string
}

type countedProgram struct {
	block string
	inner engine.Program
}

func newCountingCapability() *countingCapability {
	return &countingCapability{
		Capability: script.New(script.Options{}),
		calls:      make(map[string]int),
		started:    make(chan string, 16),
	}
}

func (c *countingCapability) Parse(block, text string, inputs []string) (engine.Program, error) {
	prog, err := c.Capability.Parse(block, text, inputs)
	if err != nil {
		return nil, err
	}
	return &countedProgram{block: block, inner: prog}, nil
}

func (c *countingCapability) Execute(ctx context.Context, prog engine.Program, inputs map[string]engine.Value) (*engine.Outputs, error) {
	p := prog.(*countedProgram)
	c.mu.Lock()
	c.calls[p.block]++
	c.mu.Unlock()

	select {
	case c.started <- p.block:
	default:
	}
	return c.Capability.Execute(ctx, p.inner, inputs)
}

func (c *countingCapability) count(block string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[block]
}

func (c *countingCapability) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

func (c *countingCapability) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = make(map[string]int)
}

func newSession(t *testing.T, capability engine.Capability, opts ...engine.Option) *engine.Session {
	t.Helper()
	codec, err := document.NewCodec(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	return engine.NewSession(engine.NewEvaluator(capability, opts...), codec, zerolog.Nop())
}

func addValue(t *testing.T, s *engine.Session, name, input string) world.BlockID {
	t.Helper()
	id, err := s.AddBlock(world.KindValue, name)
	if err != nil {
		t.Fatalf("AddBlock(%s) failed: %v", name, err)
	}
	if err := s.UpdateBlock(id, world.Value{Input: input}); err != nil {
		t.Fatalf("UpdateBlock(%s) failed: %v", name, err)
	}
	return id
}

func addScript(t *testing.T, s *engine.Session, name, text string, inputs map[string]string) world.BlockID {
	t.Helper()
	id, err := s.AddBlock(world.KindScript, name)
	if err != nil {
		t.Fatalf("AddBlock(%s) failed: %v", name, err)
	}
	if inputs == nil {
		inputs = map[string]string{}
	}
	if err := s.UpdateBlock(id, world.Script{Text: text, Inputs: inputs}); err != nil {
		t.Fatalf("UpdateBlock(%s) failed: %v", name, err)
	}
	return id
}

func evaluate(t *testing.T, s *engine.Session) *engine.Report {
	t.Helper()
	report, err := s.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	return report
}

func output(t *testing.T, report *engine.Report, id world.BlockID, name string) interface{} {
	t.Helper()
	r := report.Results[id]
	if r == nil || !r.OK() {
		t.Fatalf("block %s did not evaluate: %+v", id, r)
	}
	v, ok := r.Output(name)
	if !ok {
		t.Fatalf("block %s has no output %q", id, name)
	}
	return script.ToGo(v)
}

func TestSession_ValueFeedsScript(t *testing.T) {
	capability := newCountingCapability()
	s := newSession(t, capability)

	a := addValue(t, s, "a", "5")
	b := addScript(t, s, "b", "out = a * 2\n", map[string]string{"a": "a"})

	report := evaluate(t, s)
	if got := output(t, report, b, "out"); got != int64(10) {
		t.Fatalf("Expected b.out=10, got %v", got)
	}

	capability.reset()
	if err := s.UpdateBlock(a, world.Value{Input: "7"}); err != nil {
		t.Fatal(err)
	}
	report = evaluate(t, s)

	if got := output(t, report, b, "out"); got != int64(14) {
		t.Errorf("Expected b.out=14, got %v", got)
	}
	if capability.total() != 1 || capability.count("b") != 1 {
		t.Errorf("Expected exactly one invocation of b, got %v", capability.calls)
	}
	if report.Stats.Invocations != 1 {
		t.Errorf("Expected 1 invocation in stats, got %d", report.Stats.Invocations)
	}
}

func TestSession_CycleIsReportedBeforeExecution(t *testing.T) {
	capability := newCountingCapability()
	s := newSession(t, capability)

	a := addScript(t, s, "a", "out = x\n", map[string]string{"x": "b.out"})
	b := addScript(t, s, "b", "out = x\n", map[string]string{"x": "c.out"})
	c := addScript(t, s, "c", "out = x\n", map[string]string{"x": "a.out"})

	report := evaluate(t, s)

	if len(report.Cycles) != 1 {
		t.Fatalf("Expected 1 cycle, got %d", len(report.Cycles))
	}
	if got := report.Cycles[0].Cycle; len(got) != 3 || got[0] != a || got[1] != b || got[2] != c {
		t.Errorf("Expected cycle [%s %s %s], got %v", a, b, c, got)
	}
	for _, id := range []world.BlockID{a, b, c} {
		if r := report.Results[id]; !engine.IsCycleError(r.Err) {
			t.Errorf("Expected block %s to carry a cycle error, got %v", id, r.Err)
		}
	}
	if capability.total() != 0 {
		t.Errorf("Expected no invocations, got %d", capability.total())
	}
}

func TestSession_LeafEditRunsOnlyTheLeaf(t *testing.T) {
	capability := newCountingCapability()
	s := newSession(t, capability)

	addValue(t, s, "w", "3")
	addScript(t, s, "area", "out = w * w\n", map[string]string{"w": "w"})
	addScript(t, s, "volume", "out = area * 2\n", map[string]string{"area": "area.out"})
	x := addScript(t, s, "x", "out = 1\n", nil)
	evaluate(t, s)

	capability.reset()
	if err := s.UpdateBlock(x, world.Script{Text: "out = 2\n", Inputs: map[string]string{}}); err != nil {
		t.Fatal(err)
	}
	report := evaluate(t, s)

	if capability.total() != 1 || capability.count("x") != 1 {
		t.Errorf("Expected only x to run, got %v", capability.calls)
	}
	if got := output(t, report, x, "out"); got != int64(2) {
		t.Errorf("Expected x.out=2, got %v", got)
	}
}

func TestSession_UnchangedRerunUsesCache(t *testing.T) {
	capability := newCountingCapability()
	s := newSession(t, capability, engine.WithWorkers(4))

	addValue(t, s, "w", "3")
	addScript(t, s, "area", "out = w * w\nprint(out)\n", map[string]string{"w": "w"})
	addValue(t, s, "half", "area.out // 2")
	evaluate(t, s)

	capability.reset()
	report := evaluate(t, s)

	if capability.total() != 0 {
		t.Errorf("Expected no invocations, got %d", capability.total())
	}
	if report.Stats.CacheHits != 3 {
		t.Errorf("Expected 3 cache hits, got %d", report.Stats.CacheHits)
	}
}

func TestSession_Errors(t *testing.T) {
	s := newSession(t, newCountingCapability())

	dangling := addValue(t, s, "dangling", "nowhere + 1")
	boom := addScript(t, s, "boom", "out = 1 // 0\n", nil)
	after := addValue(t, s, "after", "boom.out")
	noOutput := addValue(t, s, "no_output", "boom.missing")
	printed := addScript(t, s, "printed", "print('hi')\nout = 1\n", nil)

	report := evaluate(t, s)

	if r := report.Results[dangling]; !engine.IsMissingReference(r.Err) || r.Err.Referenced != "nowhere" {
		t.Errorf("Expected a missing reference to nowhere, got %v", r.Err)
	}
	if r := report.Results[boom]; !engine.IsRuntimeError(r.Err) || !strings.Contains(r.Err.Error(), "division by zero") {
		t.Errorf("Expected a division by zero, got %v", r.Err)
	}
	if r := report.Results[after]; !engine.IsPropagatedError(r.Err) || r.Err.Origin != boom {
		t.Errorf("Expected an error propagated from boom, got %v", r.Err)
	}
	if r := report.Results[noOutput]; !engine.IsPropagatedError(r.Err) {
		t.Errorf("Expected the failed producer to take precedence, got %v", r.Err)
	}
	if r := report.Results[printed]; len(r.Stdout) != 1 || r.Stdout[0] != "hi" {
		t.Errorf("Expected captured print output, got %v", r.Stdout)
	}
	if report.Stats.Errors != 4 {
		t.Errorf("Expected 4 errors, got %d", report.Stats.Errors)
	}
}

func TestSession_UpdateBlockReportsParseErrors(t *testing.T) {
	s := newSession(t, newCountingCapability())

	id, err := s.AddBlock(world.KindScript, "bad")
	if err != nil {
		t.Fatal(err)
	}
	err = s.UpdateBlock(id, world.Script{Text: "out = (\n", Inputs: map[string]string{}})
	if !engine.IsParseError(err) {
		t.Fatalf("Expected a parse error, got %v", err)
	}

	// The definition is kept so the user can keep editing it.
	b, ok := s.World().Block(id)
	if !ok || b.Def.(world.Script).Text != "out = (\n" {
		t.Errorf("Expected the malformed script to be stored, got %+v", b)
	}
	if r := evaluate(t, s).Results[id]; r.State != engine.StateParseError {
		t.Errorf("Expected a parse error result, got %s", r.State)
	}

	if err := s.UpdateBlock(world.BlockID(99), world.Value{Input: "1"}); !errors.Is(err, world.ErrBlockNotFound) {
		t.Errorf("Expected ErrBlockNotFound, got %v", err)
	}
}

func TestSession_UndoRedo(t *testing.T) {
	s := newSession(t, newCountingCapability())

	a := addValue(t, s, "a", "1")
	if err := s.UpdateBlock(a, world.Value{Input: "2"}); err != nil {
		t.Fatal(err)
	}

	if !s.Undo() {
		t.Fatal("Expected Undo to succeed")
	}
	if got := evaluate(t, s).Results[a].Value.String(); got != "1" {
		t.Errorf("Expected a=1 after undo, got %s", got)
	}

	if !s.Redo() {
		t.Fatal("Expected Redo to succeed")
	}
	if got := evaluate(t, s).Results[a].Value.String(); got != "2" {
		t.Errorf("Expected a=2 after redo, got %s", got)
	}
	if s.Redo() {
		t.Error("Expected nothing left to redo")
	}

	if err := s.RemoveBlock(a); err != nil {
		t.Fatal(err)
	}
	if s.World().Len() != 0 {
		t.Fatal("Expected the block to be removed")
	}
	s.Undo()
	if _, ok := s.World().Block(a); !ok {
		t.Error("Expected undo to restore the removed block")
	}
}

func TestSession_UndoNeverReusesIDs(t *testing.T) {
	s := newSession(t, newCountingCapability())

	a := addValue(t, s, "a", "1")
	if err := s.SetView(a, []byte(`{"stale":true}`)); err != nil {
		t.Fatal(err)
	}
	for s.Undo() {
	}
	if s.World().Len() != 0 {
		t.Fatalf("Expected undo to empty the world")
	}

	b, err := s.AddBlock(world.KindValue, "unrelated")
	if err != nil {
		t.Fatal(err)
	}
	if b == a {
		t.Fatalf("Block added after undo reused id %d", a)
	}
	if v, ok := s.Document().Views[b]; ok {
		t.Errorf("New block %d inherited view %s", b, v)
	}
}

func TestSession_UndoRemoveRestoresView(t *testing.T) {
	s := newSession(t, newCountingCapability())

	a := addValue(t, s, "a", "1")
	if err := s.SetView(a, []byte(`{"open":true}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveBlock(a); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Document().Views[a]; ok {
		t.Error("Expected no view for a removed block")
	}

	if !s.Undo() {
		t.Fatal("Expected Undo to succeed")
	}
	if got := string(s.Document().Views[a]); got != `{"open":true}` {
		t.Errorf("Expected undo to restore the view, got %q", got)
	}
}

func TestSession_BuiltinNamedBlock(t *testing.T) {
	s := newSession(t, newCountingCapability())

	shadow := addValue(t, s, "len", "3")
	user := addValue(t, s, "u", "len")

	report := evaluate(t, s)
	if got := report.Results[shadow].State; got != engine.StateNameError {
		t.Errorf("Expected a block named len to be a name error, got %s", got)
	}
	if r := report.Results[user]; r.State == engine.StateValid {
		t.Errorf("Expected u not to evaluate to the builtin, got %s", r.Value)
	}
}

func TestSession_AddBlockNamesUnnamedBlocks(t *testing.T) {
	s := newSession(t, newCountingCapability())

	var names []string
	for _, kind := range []world.Kind{world.KindValue, world.KindValue, world.KindScript} {
		id, err := s.AddBlock(kind, "")
		if err != nil {
			t.Fatalf("AddBlock failed: %v", err)
		}
		b, _ := s.World().Block(id)
		names = append(names, b.Name)
	}

	want := []string{"value", "value_000", "script"}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names = %v, want %v", names, want)
			break
		}
	}
}

func TestSession_SaveLoad(t *testing.T) {
	s := newSession(t, newCountingCapability())

	addValue(t, s, "w", "4")
	area := addScript(t, s, "area", "out = w * w\n", map[string]string{"w": "w"})
	scratch := addValue(t, s, "scratch", "0")
	if err := s.RemoveBlock(scratch); err != nil {
		t.Fatal(err)
	}
	if err := s.SetView(area, []byte(`{"open":true}`)); err != nil {
		t.Fatal(err)
	}
	if !s.Dirty() {
		t.Error("Expected an edited session to be dirty")
	}

	var buf bytes.Buffer
	if err := s.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if s.Dirty() {
		t.Error("Expected a saved session to be clean")
	}

	loaded := newSession(t, newCountingCapability())
	if err := loaded.Load(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Dirty() {
		t.Error("Expected a loaded session to be clean")
	}
	if !loaded.World().Equal(s.World()) {
		t.Error("Expected the loaded world to equal the saved one")
	}
	if got := string(loaded.Document().Views[area]); got != `{"open":true}` {
		t.Errorf("Expected the view to survive, got %s", got)
	}

	// Ids keep counting from where the saved document stopped.
	next, err := loaded.AddBlock(world.KindValue, "next")
	if err != nil {
		t.Fatal(err)
	}
	if next != scratch+1 {
		t.Errorf("Expected id %d, got %d", scratch+1, next)
	}

	report := evaluate(t, loaded)
	if got := output(t, report, area, "out"); got != int64(16) {
		t.Errorf("Expected area.out=16, got %v", got)
	}

	// A bad document leaves the session as it was.
	before := loaded.World()
	if err := loaded.Load(strings.NewReader(`{"tag":"other","major":2,"minor":1}`)); !document.IsBadTagError(err) {
		t.Fatalf("Expected a bad tag error, got %v", err)
	}
	if !loaded.World().Equal(before) {
		t.Error("Expected a failed load to leave the world unchanged")
	}
}

func TestSession_EditSupersedesRunningPass(t *testing.T) {
	capability := newCountingCapability()
	s := newSession(t, capability)

	a := addValue(t, s, "a", "1")
	addScript(t, s, "spin", "while True:\n    pass\n", nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Evaluate(context.Background())
		done <- err
	}()

	select {
	case <-capability.started:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the pass to start")
	}
	if err := s.UpdateBlock(a, world.Value{Input: "2"}); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, engine.ErrSuperseded) {
			t.Errorf("Expected ErrSuperseded, got %v", err)
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the superseded pass")
	}
	if s.LastReport() != nil {
		t.Error("Expected no report from a superseded pass")
	}
}

func TestSession_ParallelMatchesSequential(t *testing.T) {
	build := func(s *engine.Session) {
		addValue(t, s, "n", "6")
		for i := 0; i < 8; i++ {
			addScript(t, s, fmt.Sprintf("sq%d", i), fmt.Sprintf("out = n * n + %d\n", i), map[string]string{"n": "n"})
		}
		addScript(t, s, "total", "out = sum\n", map[string]string{
			"sum": "sq0.out + sq1.out + sq2.out + sq3.out + sq4.out + sq5.out + sq6.out + sq7.out",
		})
	}

	seq := newSession(t, newCountingCapability())
	build(seq)
	par := newSession(t, newCountingCapability(), engine.WithWorkers(8))
	build(par)

	want := evaluate(t, seq)
	got := evaluate(t, par)

	for id, r := range want.Results {
		if got.Results[id].Value.String() != r.Value.String() {
			t.Errorf("Block %s: expected %s, got %s", id, r.Value, got.Results[id].Value)
		}
	}
	total, _ := seq.World().Lookup("total")
	if v := output(t, got, total, "out"); v != int64(8*36+28) {
		t.Errorf("Expected total=%d, got %v", 8*36+28, v)
	}
}
