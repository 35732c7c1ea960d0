package document_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/mkeeter/halfspace/pkg/document"
	"github.com/mkeeter/halfspace/pkg/engine"
	"github.com/mkeeter/halfspace/pkg/script"
	"github.com/mkeeter/halfspace/pkg/world"
)

const documentV1 = `{
  "tag": "halfspace",
  "major": 1,
  "minor": 2,
  "world": {
    "next_index": 5,
    "order": [4, 1],
    "blocks": {
      "1": {"name": "base", "script": "x = 1\n", "inputs": {}},
      "4": {"name": "top", "script": "y = v + 1\n", "inputs": {"v": "base.x"}}
    }
  },
  "views": {"4": {"View2": {"scale": 2}}}
}`

func valueBlock(t *testing.T, w *world.World, name, input string) {
	t.Helper()
	id, err := w.AddBlock(world.KindValue, name)
	if err != nil {
		t.Fatalf("AddBlock(%s) failed: %v", name, err)
	}
	if err := w.UpdateBlock(id, world.Value{Input: input}); err != nil {
		t.Fatalf("UpdateBlock(%s) failed: %v", name, err)
	}
}

func scriptBlock(t *testing.T, w *world.World, name, text string, inputs map[string]string) {
	t.Helper()
	id, err := w.AddBlock(world.KindScript, name)
	if err != nil {
		t.Fatalf("AddBlock(%s) failed: %v", name, err)
	}
	if err := w.UpdateBlock(id, world.Script{Text: text, Inputs: inputs}); err != nil {
		t.Fatalf("UpdateBlock(%s) failed: %v", name, err)
	}
}

// describe flattens a result into the parts a reader of the document sees.
func describe(r *engine.Result) string {
	var b strings.Builder
	b.WriteString(string(r.State))
	if r.Value != nil {
		b.WriteString(" " + r.Value.String())
	}
	if r.Err != nil {
		b.WriteString(" " + r.Err.Error())
	}
	return b.String()
}

func TestRoundTrip_EvaluatesTheSame(t *testing.T) {
	tests := []struct {
		name  string
		build func(t *testing.T) *document.Document
	}{
		{
			name: "migrated v1 document",
			build: func(t *testing.T) *document.Document {
				doc, err := document.Load(strings.NewReader(documentV1))
				if err != nil {
					t.Fatalf("Load failed: %v", err)
				}
				return doc
			},
		},
		{
			name: "cycle",
			build: func(t *testing.T) *document.Document {
				doc := document.New()
				valueBlock(t, doc.World, "a", "b + 1")
				valueBlock(t, doc.World, "b", "a + 1")
				valueBlock(t, doc.World, "c", "a")
				valueBlock(t, doc.World, "free", "2")
				return doc
			},
		},
		{
			name: "dangling reference",
			build: func(t *testing.T) *document.Document {
				doc := document.New()
				valueBlock(t, doc.World, "a", "missing + 1")
				scriptBlock(t, doc.World, "s", "out = v * 2\n", map[string]string{"v": "a"})
				valueBlock(t, doc.World, "ok", "3")
				return doc
			},
		},
		{
			name: "duplicate names",
			build: func(t *testing.T) *document.Document {
				doc := document.New()
				valueBlock(t, doc.World, "x", "1")
				valueBlock(t, doc.World, "x", "2")
				valueBlock(t, doc.World, "y", "x * 10")
				return doc
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := tt.build(t)

			var buf bytes.Buffer
			if err := document.Save(&buf, doc); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			loaded, err := document.Load(bytes.NewReader(buf.Bytes()))
			if err != nil {
				t.Fatalf("Load failed: %v\n%s", err, buf.String())
			}
			if !loaded.World.Equal(doc.World) {
				t.Fatalf("world changed across save and load")
			}

			rt := script.New(script.Options{})
			before, err := engine.NewEvaluator(rt).Evaluate(context.Background(), doc.World)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			after, err := engine.NewEvaluator(rt).Evaluate(context.Background(), loaded.World)
			if err != nil {
				t.Fatalf("Evaluate after load failed: %v", err)
			}

			if len(after.Results) != len(before.Results) {
				t.Fatalf("got %d results after load, want %d", len(after.Results), len(before.Results))
			}
			for id, want := range before.Results {
				got, ok := after.Results[id]
				if !ok {
					t.Errorf("block %d has no result after load", id)
					continue
				}
				if describe(got) != describe(want) {
					t.Errorf("block %d: got %q after load, want %q", id, describe(got), describe(want))
				}
			}
		})
	}
}
