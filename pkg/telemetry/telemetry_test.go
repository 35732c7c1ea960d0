package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "otlp without endpoint", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, wantErr: true},
		{name: "sampling rate", mutate: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: true},
		{name: "metrics without address", mutate: func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddress = ""
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMetrics_RecordsPasses(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordPassStarted()
	m.RecordBlockEvaluated("valid", false, time.Millisecond)
	m.RecordBlockEvaluated("valid", true, 0)
	m.RecordBlockEvaluated("runtime_error", false, time.Millisecond)
	m.RecordPassCompleted("partial", 10*time.Millisecond, 2, 1)
	m.SetBlockCount(3)

	if got := testutil.ToFloat64(m.passesCompleted.WithLabelValues("partial")); got != 1 {
		t.Errorf("passes_completed_total{partial} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.blocksEvaluated.WithLabelValues("valid", "true")); got != 1 {
		t.Errorf("blocks_evaluated_total{valid,true} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.invocations); got != 2 {
		t.Errorf("script_invocations_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.cacheHits); got != 1 {
		t.Errorf("cache_hits_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.activePasses); got != 0 {
		t.Errorf("active_passes = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.blocks); got != 3 {
		t.Errorf("blocks = %v, want 3", got)
	}
	if n := testutil.CollectAndCount(m.blockDuration); n != 2 {
		t.Errorf("block_duration_seconds series = %d, want 2", n)
	}
}

func TestMetrics_DisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordPassStarted()
	m.RecordPassCompleted("succeeded", time.Second, 1, 1)
	m.RecordBlockEvaluated("valid", false, time.Second)
	m.SetBlockCount(1)
	m.RecordDocumentError("bad_tag")
	if m.Registry() != nil {
		t.Errorf("disabled metrics have a registry")
	}
	if err := m.StartMetricsServer(context.Background(), nopLogger().Zerolog()); err != nil {
		t.Errorf("StartMetricsServer on disabled metrics: %v", err)
	}
}

func TestEventPublisher_Sync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByType(EventTypeBlockEvaluated))

	_ = ep.PublishPassStarted("run-1", 2)
	_ = ep.PublishBlockEvaluated("run-1", "0", "a", "valid")
	_ = ep.PublishBlockEvaluated("run-1", "1", "b", "runtime_error")
	_ = ep.PublishPassCompleted("run-1", "partial", time.Millisecond)

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].BlockName != "a" || got[1].BlockName != "b" {
		t.Errorf("events out of order: %+v", got)
	}
	if got[1].Level != EventLevelError {
		t.Errorf("failed block published at level %q", got[1].Level)
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Errorf("event id and timestamp not set: %+v", got[0])
	}
}

func TestEventPublisher_AsyncDeliversOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 16, MaxBatchSize: 4})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var (
		mu  sync.Mutex
		ids []string
	)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		ids = append(ids, e.BlockID)
	}, nil)
	ep.AddFilter(FilterByRunID("run-2"))

	for _, id := range []string{"0", "1", "2", "3", "4"} {
		if err := ep.PublishBlockEvaluated("run-2", id, "b"+id, "valid"); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	_ = ep.PublishBlockEvaluated("other", "9", "x", "valid")

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"0", "1", "2", "3", "4"}
	if len(ids) != len(want) {
		t.Fatalf("delivered %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("delivered %v, want %v", ids, want)
			break
		}
	}
	if err := ep.PublishPassStarted("run-2", 1); err == nil {
		t.Errorf("publish after shutdown succeeded")
	}
}

func TestFilterByLevel(t *testing.T) {
	f := FilterByLevel(EventLevelWarning)
	if f(Event{Level: EventLevelInfo}) {
		t.Errorf("info passed a warning filter")
	}
	if !f(Event{Level: EventLevelError}) {
		t.Errorf("error rejected by a warning filter")
	}
}

func TestLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)
	logger.NewComponentLogger("evaluator").WithRunID("run-3").WithBlock("4", "plate").Debug("Block evaluated")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v: %s", err, buf.String())
	}
	for key, want := range map[string]string{
		"component": "evaluator",
		"run_id":    "run-3",
		"block":     "4",
		"name":      "plate",
		"level":     "debug",
		"message":   "Block evaluated",
	} {
		if entry[key] != want {
			t.Errorf("%s = %v, want %q", key, entry[key], want)
		}
	}
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %s", buf.String())
	}
	logger.Warn("shown")
	if buf.Len() == 0 {
		t.Errorf("warning not logged")
	}
}

func TestDisabled(t *testing.T) {
	tel := Disabled()
	ctx, span := tel.Tracer.StartPassSpan(context.Background(), "run", 1)
	RecordSuccess(span)
	span.End()
	if TraceID(ctx) != "" {
		t.Errorf("disabled tracer produced a sampled span")
	}
	if err := tel.Events.PublishPassStarted("run", 1); err != nil {
		t.Errorf("disabled events returned %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestStartOperation(t *testing.T) {
	tel := Disabled()
	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Fatalf("telemetry not found in context")
	}

	op := StartOperation(ctx, "document.load", AttrDocument.String("a.json"))
	if op.Logger == nil || op.Timer == nil {
		t.Fatalf("incomplete operation: %+v", op)
	}
	op.End(nil)

	bare := StartOperation(context.Background(), "document.save")
	bare.End(context.Canceled)
}
