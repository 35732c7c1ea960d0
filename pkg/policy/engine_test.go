package policy

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkeeter/halfspace/pkg/document"
	"github.com/mkeeter/halfspace/pkg/engine"
	"github.com/mkeeter/halfspace/pkg/script"
	"github.com/mkeeter/halfspace/pkg/telemetry"
	"github.com/mkeeter/halfspace/pkg/world"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

// newDocument builds a named document. Each entry of values becomes a value
// block with that input, in order.
func newDocument(t *testing.T, name string, values ...[2]string) *document.Document {
	t.Helper()
	doc := document.New()
	doc.Meta.Name = name
	for _, v := range values {
		id, err := doc.World.AddBlock(world.KindValue, v[0])
		if err != nil {
			t.Fatalf("AddBlock failed: %v", err)
		}
		if err := doc.World.UpdateBlock(id, world.Value{Input: v[1]}); err != nil {
			t.Fatalf("UpdateBlock failed: %v", err)
		}
	}
	return doc
}

func evaluate(t *testing.T, doc *document.Document) *engine.Report {
	t.Helper()
	report, err := engine.NewEvaluator(script.New(script.Options{})).Evaluate(context.Background(), doc.World)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	return report
}

func policiesOf(vs []Violation) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Policy
	}
	return out
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{
		"block-naming",
		"dependency-cycles",
		"document-metadata",
		"duplicate-names",
		"empty-script",
		"evaluation-errors",
	}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, p := range policies {
		if p.Name != expected[i] {
			t.Errorf("Expected policy %s at %d, got %s", expected[i], i, p.Name)
		}
	}

	if got := newTestEngine(t, WithoutBuiltins()).ListPolicies(); len(got) != 0 {
		t.Errorf("Expected no policies, got %d", len(got))
	}
}

func TestEvaluate_Structure(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name     string
		build    func(*document.Document)
		expected []string
		allowed  bool
	}{
		{
			name:     "clean document",
			build:    func(*document.Document) {},
			expected: nil,
			allowed:  true,
		},
		{
			name: "uppercase name",
			build: func(d *document.Document) {
				_, _ = d.World.AddBlock(world.KindValue, "Width")
			},
			expected: []string{"block-naming"},
			allowed:  true,
		},
		{
			name: "duplicate name",
			build: func(d *document.Document) {
				_, _ = d.World.AddBlock(world.KindValue, "width")
			},
			expected: []string{"duplicate-names"},
			allowed:  false,
		},
		{
			name: "empty script",
			build: func(d *document.Document) {
				_, _ = d.World.AddBlock(world.KindScript, "shape")
			},
			expected: []string{"empty-script"},
			allowed:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := newDocument(t, "plate", [2]string{"width", "5"})
			tt.build(doc)

			result, err := eng.Evaluate(context.Background(), NewInput(doc, nil))
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}

			got := policiesOf(result.Violations)
			if strings.Join(got, ",") != strings.Join(tt.expected, ",") {
				t.Errorf("Expected violations %v, got %+v", tt.expected, result.Violations)
			}
			if result.Allowed != tt.allowed {
				t.Errorf("Expected allowed=%v, got %v", tt.allowed, result.Allowed)
			}
			if len(result.Warnings) != 0 {
				t.Errorf("Unexpected warnings: %v", result.Warnings)
			}
			if len(result.EvaluatedPolicies) != 6 {
				t.Errorf("Expected 6 evaluated policies, got %d", len(result.EvaluatedPolicies))
			}
		})
	}
}

func TestEvaluate_Metadata(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.Evaluate(context.Background(), NewInput(newDocument(t, ""), nil))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %+v", result.Violations)
	}
	v := result.Violations[0]
	if v.Policy != "document-metadata" || v.Severity != SeverityInfo || v.Message != "Document has no name" || v.Block != "" {
		t.Errorf("Unexpected violation %+v", v)
	}
	if !result.Allowed || result.Count(SeverityInfo) != 1 {
		t.Errorf("Info violations must not block, got %+v", result)
	}
}

func TestEvaluate_WithReport(t *testing.T) {
	eng := newTestEngine(t)

	doc := newDocument(t, "plate",
		[2]string{"a", "1 // 0"},
		[2]string{"c", "d"},
		[2]string{"d", "c"},
	)
	b, _ := doc.World.AddBlock(world.KindScript, "b")
	if err := doc.World.UpdateBlock(b, world.Script{Text: "y = x + 1", Inputs: map[string]string{"x": "a"}}); err != nil {
		t.Fatalf("UpdateBlock failed: %v", err)
	}

	// Structure alone is clean.
	result, err := eng.Evaluate(context.Background(), NewInput(doc, nil))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(result.Violations) != 0 {
		t.Fatalf("Expected no violations before evaluation, got %+v", result.Violations)
	}

	in := NewInput(doc, evaluate(t, doc))
	if len(in.Cycles) != 1 || len(in.Cycles[0]) != 2 {
		t.Fatalf("Expected one cycle of two blocks, got %v", in.Cycles)
	}

	result, err = eng.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	got := policiesOf(result.Violations)
	if strings.Join(got, ",") != "dependency-cycles,evaluation-errors" {
		t.Fatalf("Unexpected violations %+v", result.Violations)
	}
	if !strings.HasPrefix(result.Violations[0].Message, "Dependency cycle: ") {
		t.Errorf("Unexpected cycle message %q", result.Violations[0].Message)
	}
	if result.Violations[1].Block != "0" || !strings.Contains(result.Violations[1].Message, "Block 'a' failed") {
		t.Errorf("Unexpected error violation %+v", result.Violations[1])
	}
	if result.Allowed {
		t.Error("Expected evaluation errors to block")
	}
}

func TestNewInput(t *testing.T) {
	doc := newDocument(t, "plate", [2]string{"width", "150"})
	s, _ := doc.World.AddBlock(world.KindScript, "area")
	_ = doc.World.UpdateBlock(s, world.Script{
		Text:   "print('hi')\narea = w * w",
		Inputs: map[string]string{"w": "width"},
	})

	in := NewInput(doc, evaluate(t, doc))
	if !in.Evaluated || in.Document.Name != "plate" || in.Document.Major != document.MajorVersion {
		t.Errorf("Unexpected document input %+v", in.Document)
	}
	if len(in.Blocks) != 2 {
		t.Fatalf("Expected 2 blocks, got %d", len(in.Blocks))
	}

	width := in.Blocks[0]
	if width.Kind != "value" || width.Input != "150" || width.Value != "150" || width.State != "valid" {
		t.Errorf("Unexpected value block %+v", width)
	}

	area := in.Blocks[1]
	if area.Position != 1 || area.Inputs["w"] != "width" {
		t.Errorf("Unexpected script block %+v", area)
	}
	if len(area.Outputs) != 1 || area.Outputs[0] != "area" {
		t.Errorf("Expected output area, got %v", area.Outputs)
	}
	if len(area.Stdout) != 1 || area.Stdout[0] != "hi" {
		t.Errorf("Expected captured stdout, got %v", area.Stdout)
	}
}

const widthLimit = `package halfspace.policies.width

deny contains violation if {
	some block in input.blocks
	block.name == "width"
	to_number(block.value) > 100
	violation := {
		"message": "width must not exceed 100",
		"severity": "error",
		"block": block.id,
	}
}

deny contains "plain message" if {
	false
}
`

func TestAddPolicy(t *testing.T) {
	eng := newTestEngine(t, WithoutBuiltins())

	if err := eng.AddPolicy(context.Background(), Policy{Name: "width-limit", Rego: widthLimit, Enabled: true}); err != nil {
		t.Fatalf("AddPolicy failed: %v", err)
	}

	p, err := eng.GetPolicy("width-limit")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Severity != SeverityWarning {
		t.Errorf("Expected default severity warning, got %s", p.Severity)
	}

	doc := newDocument(t, "plate", [2]string{"width", "150"})
	result, err := eng.Evaluate(context.Background(), NewInput(doc, evaluate(t, doc)))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(result.Violations) != 1 {
		t.Fatalf("Expected 1 violation, got %+v", result.Violations)
	}
	v := result.Violations[0]
	if v.Severity != SeverityError || v.Block != "0" || v.Message != "width must not exceed 100" {
		t.Errorf("Unexpected violation %+v", v)
	}

	if err := eng.AddPolicy(context.Background(), Policy{Name: "broken", Rego: "package broken\ndeny contains"}); err == nil {
		t.Error("Expected a compile error")
	}
	if err := eng.AddPolicy(context.Background(), Policy{Rego: widthLimit}); err == nil {
		t.Error("Expected an error for a nameless policy")
	}
}

func TestSetPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.SetPolicies(ctx, []Policy{{Name: "width-limit", Rego: widthLimit, Enabled: true}}); err != nil {
		t.Fatalf("SetPolicies failed: %v", err)
	}
	if len(eng.ListPolicies()) != 7 {
		t.Errorf("Expected built-ins plus one, got %d", len(eng.ListPolicies()))
	}

	// A failing set leaves the engine untouched.
	err := eng.SetPolicies(ctx, []Policy{
		{Name: "other", Rego: "package other\n", Enabled: true},
		{Name: "broken", Rego: "package broken\ndeny contains", Enabled: true},
	})
	if err == nil {
		t.Fatal("Expected a compile error")
	}
	if _, err := eng.GetPolicy("width-limit"); err != nil {
		t.Errorf("Expected width-limit to survive: %v", err)
	}
	if _, err := eng.GetPolicy("other"); err == nil {
		t.Error("Expected other not to be loaded")
	}

	if err := eng.SetPolicies(ctx, nil); err != nil {
		t.Fatalf("SetPolicies failed: %v", err)
	}
	if len(eng.ListPolicies()) != 6 {
		t.Errorf("Expected only built-ins, got %d", len(eng.ListPolicies()))
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	doc := newDocument(t, "")

	if err := eng.DisablePolicy("document-metadata"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	result, err := eng.Evaluate(context.Background(), NewInput(doc, nil))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(result.Violations) != 0 || len(result.EvaluatedPolicies) != 5 {
		t.Errorf("Expected the disabled policy to be skipped, got %+v", result)
	}

	if err := eng.EnablePolicy("document-metadata"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	result, err = eng.Evaluate(context.Background(), NewInput(doc, nil))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(result.Violations) != 1 {
		t.Errorf("Expected 1 violation, got %d", len(result.Violations))
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected an error for an unknown policy")
	}
}

func TestEvaluate_PublishesViolations(t *testing.T) {
	publisher, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}
	var events []telemetry.Event
	publisher.Subscribe(func(ev telemetry.Event) {
		events = append(events, ev)
	}, telemetry.FilterByType(telemetry.EventTypePolicyViolation))

	eng := newTestEngine(t, WithPublisher(publisher))
	doc := newDocument(t, "plate", [2]string{"Width", "1"})
	if _, err := eng.Evaluate(context.Background(), NewInput(doc, nil)); err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].BlockID != "0" || events[0].Data["policy"] != "block-naming" {
		t.Errorf("Unexpected event %+v", events[0])
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "first.rego"), "package first\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := newTestEngine(t, WithoutBuiltins())
	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if _, err := eng.GetPolicy("first"); err != nil {
		t.Fatalf("Expected first to be loaded: %v", err)
	}

	writeFile(t, filepath.Join(dir, "second.rego"), "package second\n")

	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, err := eng.GetPolicy("second"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for the policy reload")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
