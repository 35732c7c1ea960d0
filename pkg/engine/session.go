package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mkeeter/halfspace/pkg/document"
	"github.com/mkeeter/halfspace/pkg/world"
)

// ErrSuperseded is the cancellation cause of a pass interrupted by an edit
// or by a newer pass.
var ErrSuperseded = errors.New("evaluation pass superseded")

// Session is one open document: the world, its undo history and the
// evaluator that keeps results up to date. All methods are safe for
// concurrent use. Edits never interleave with each other; a pass runs on a
// snapshot taken when it starts, and any edit or newer pass cancels it.
type Session struct {
	mu        sync.Mutex
	world     *world.World
	history   *world.History
	evaluator *Evaluator
	codec     *document.Codec
	logger    zerolog.Logger

	meta  document.Meta
	views map[world.BlockID]json.RawMessage

	cancel context.CancelCauseFunc
	gen    uint64
	last   *Report
}

// NewSession creates a session over an empty document.
func NewSession(evaluator *Evaluator, codec *document.Codec, logger zerolog.Logger) *Session {
	w := world.New()
	return &Session{
		world:     w,
		history:   world.NewHistory(w),
		evaluator: evaluator,
		codec:     codec,
		logger:    logger.With().Str("component", "session").Logger(),
		views:     make(map[world.BlockID]json.RawMessage),
	}
}

// cancelInflight cancels the running pass, if any. Callers hold s.mu.
func (s *Session) cancelInflight() {
	if s.cancel != nil {
		s.cancel(ErrSuperseded)
		s.cancel = nil
	}
}

// edit applies fn to the world as one undoable step.
func (s *Session) edit(fn func(w *world.World) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fn(s.world); err != nil {
		return err
	}
	s.cancelInflight()
	s.history.Checkpoint(s.world)
	return nil
}

// AddBlock appends a block with the default definition of kind. An empty
// name is replaced by an unused one derived from the kind.
func (s *Session) AddBlock(kind world.Kind, name string) (world.BlockID, error) {
	var id world.BlockID
	err := s.edit(func(w *world.World) error {
		if name == "" {
			name = w.NextName(string(kind))
		}
		var err error
		id, err = w.AddBlock(kind, name)
		return err
	})
	return id, err
}

// RemoveBlock deletes a block. Blocks that referenced it fail with a
// missing reference on the next pass. Its view is kept so an undo brings it
// back; ids are never reused, so no other block can pick it up.
func (s *Session) RemoveBlock(id world.BlockID) error {
	return s.edit(func(w *world.World) error {
		return w.RemoveBlock(id)
	})
}

// UpdateBlock replaces a block's definition. The definition is stored even
// when it does not parse; the returned error is then the ParseError the
// block will report on evaluation.
func (s *Session) UpdateBlock(id world.BlockID, def world.Definition) error {
	var parseErr *BlockError
	err := s.edit(func(w *world.World) error {
		if err := w.UpdateBlock(id, def); err != nil {
			return err
		}
		b, _ := w.Block(id)
		parseErr = s.evaluator.Resolver().Resolve(b).Err
		return nil
	})
	if err != nil {
		return err
	}
	if parseErr != nil {
		return parseErr
	}
	return nil
}

// Rename changes a block's name.
func (s *Session) Rename(id world.BlockID, name string) error {
	return s.edit(func(w *world.World) error {
		return w.Rename(id, name)
	})
}

// Reorder replaces the display order.
func (s *Session) Reorder(order []world.BlockID) error {
	return s.edit(func(w *world.World) error {
		return w.Reorder(order)
	})
}

// SetView stores opaque view state for a block.
func (s *Session) SetView(id world.BlockID, view json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.world.Block(id); !ok {
		return fmt.Errorf("set view %d: %w", id, world.ErrBlockNotFound)
	}
	s.views[id] = append(json.RawMessage(nil), view...)
	return nil
}

// Undo reverts the last edit.
func (s *Session) Undo() bool {
	return s.step(s.history.Undo)
}

// Redo reapplies the last undone edit.
func (s *Session) Redo() bool {
	return s.step(s.history.Redo)
}

func (s *Session) step(fn func(*world.World) (*world.World, bool)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := fn(s.world)
	if !ok {
		return false
	}
	s.cancelInflight()
	s.world = w
	return true
}

// World returns a snapshot of the current world.
func (s *Session) World() *world.World {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.world.Clone()
}

// Dirty returns true if the world changed since the last Load or Save.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Dirty(s.world)
}

// LastReport returns the report of the last completed pass, or nil.
func (s *Session) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Evaluate runs a pass over the current world. A pass that is still
// running is cancelled first; a cancelled pass returns an error wrapping
// context.Canceled and commits nothing.
func (s *Session) Evaluate(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	s.cancelInflight()
	ctx, cancel := context.WithCancelCause(ctx)
	s.cancel = cancel
	s.gen++
	gen := s.gen
	snapshot := s.world.Clone()
	s.mu.Unlock()

	report, err := s.evaluator.Evaluate(ctx, snapshot)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.cancel = nil
	}
	cancel(nil)

	if err != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			err = fmt.Errorf("%w: %w", err, cause)
		}
		return nil, err
	}
	s.last = report
	return report, nil
}

// Load replaces the session's document with one read from r. On error the
// session is unchanged.
func (s *Session) Load(r io.Reader) error {
	doc, err := s.codec.Load(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelInflight()
	s.world = doc.World
	s.history = world.NewHistory(doc.World)
	s.history.MarkSaved(doc.World)
	s.meta = doc.Meta
	s.views = doc.Views
	s.last = nil

	s.logger.Info().
		Int("blocks", doc.World.Len()).
		Str("version", doc.Version.String()).
		Bool("migrated", doc.Migrated()).
		Msg("Document loaded")
	return nil
}

// Save writes the session's document to w at the current version.
func (s *Session) Save(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := &document.Document{
		Meta:    s.meta,
		World:   s.world,
		Views:   s.liveViews(),
		Version: document.Current(),
	}
	if err := s.codec.Save(w, doc); err != nil {
		return err
	}
	s.history.MarkSaved(s.world)
	return nil
}

// Document returns a snapshot of the session as a document.
func (s *Session) Document() *document.Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &document.Document{
		Meta:    s.meta,
		World:   s.world.Clone(),
		Views:   s.liveViews(),
		Version: document.Current(),
	}
}

// liveViews returns the views of blocks that exist in the current world.
// Callers hold s.mu.
func (s *Session) liveViews() map[world.BlockID]json.RawMessage {
	out := make(map[world.BlockID]json.RawMessage, len(s.views))
	for id, v := range s.views {
		if _, ok := s.world.Block(id); ok {
			out[id] = v
		}
	}
	return out
}
