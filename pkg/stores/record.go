package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkeeter/halfspace/pkg/engine"
	"github.com/mkeeter/halfspace/pkg/telemetry"
	"github.com/mkeeter/halfspace/pkg/world"
)

// FromReport converts an evaluation report into a run and one block result
// per block, in display order. Block names come from w, the world the pass
// evaluated.
func FromReport(report *engine.Report, w *world.World, path string, workers int) (*Run, []*BlockResult) {
	status := RunStatusSucceeded
	if report.Stats.Errors > 0 {
		status = RunStatusPartial
	}

	run := &Run{
		ID:           report.RunID,
		DocumentPath: path,
		Status:       status,
		Workers:      workers,
		Blocks:       report.Stats.Blocks,
		Invocations:  report.Stats.Invocations,
		CacheHits:    report.Stats.CacheHits,
		Errors:       report.Stats.Errors,
		GraphReused:  report.Stats.GraphReused,
		StartedAt:    report.StartedAt.UTC(),
		DurationMS:   report.Stats.Duration.Milliseconds(),
	}

	results := make([]*BlockResult, 0, len(report.Results))
	for pos, id := range w.Order() {
		r, ok := report.Results[id]
		if !ok {
			continue
		}
		b, _ := w.Block(id)
		br := &BlockResult{
			RunID:       report.RunID,
			BlockID:     uint64(id),
			Position:    pos,
			Name:        b.Name,
			State:       string(r.State),
			Fingerprint: string(r.Fingerprint),
			Cached:      r.Cached,
		}
		if r.Err != nil {
			kind := string(r.Err.Kind)
			msg := r.Err.Error()
			br.ErrorKind = &kind
			br.Message = &msg
		}
		if r.Value != nil {
			v := r.Value.String()
			br.Value = &v
		}
		results = append(results, br)
	}
	return run, results
}

// CancelledRun describes a pass that was cancelled before it completed.
func CancelledRun(id, path string, workers int, startedAt time.Time, err error) *Run {
	msg := err.Error()
	return &Run{
		ID:           id,
		DocumentPath: path,
		Status:       RunStatusCancelled,
		Workers:      workers,
		StartedAt:    startedAt.UTC(),
		DurationMS:   time.Since(startedAt).Milliseconds(),
		Error:        &msg,
	}
}

// EventRecorder returns a subscriber that appends telemetry events to the
// store. Failures are logged and never reach the publisher.
func EventRecorder(store Store, logger zerolog.Logger) telemetry.EventSubscriber {
	logger = logger.With().Str("component", "event_recorder").Logger()
	return func(ev telemetry.Event) {
		e := &Event{
			EventID:   ev.ID,
			Type:      ev.Type,
			Level:     ev.Level,
			Message:   ev.Message,
			Timestamp: ev.Timestamp.UTC(),
		}
		if ev.RunID != "" {
			e.RunID = &ev.RunID
		}
		if ev.BlockID != "" {
			e.BlockID = &ev.BlockID
		}
		if len(ev.Data) > 0 {
			data, err := json.Marshal(ev.Data)
			if err != nil {
				logger.Warn().Err(err).Str("event", ev.ID).Msg("Dropping event data")
			} else {
				s := string(data)
				e.Data = &s
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.AppendEvent(ctx, e); err != nil {
			logger.Error().Err(err).Str("event", ev.ID).Msg("Failed to record event")
		}
	}
}
