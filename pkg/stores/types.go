package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// RunStatus represents the outcome of an evaluation pass
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partial"
	RunStatusCancelled RunStatus = "cancelled"
)

// DocumentSnapshot is the saved text of a document at one point in time.
type DocumentSnapshot struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	Major      int       `json:"major"`
	Minor      int       `json:"minor"`
	Hash       string    `json:"hash"` // SHA256 of Content
	Content    []byte    `json:"-"`
	BlockCount int       `json:"block_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Run represents one recorded evaluation pass
type Run struct {
	ID           string    `json:"id"`
	DocumentID   *string   `json:"document_id,omitempty"`
	DocumentPath string    `json:"document_path"`
	Status       RunStatus `json:"status"`
	Workers      int       `json:"workers"`
	Blocks       int       `json:"blocks"`
	Invocations  int       `json:"invocations"`
	CacheHits    int       `json:"cache_hits"`
	Errors       int       `json:"errors"`
	GraphReused  bool      `json:"graph_reused"`
	StartedAt    time.Time `json:"started_at"`
	DurationMS   int64     `json:"duration_ms"`
	Error        *string   `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// BlockResult is the recorded result of one block in a run
type BlockResult struct {
	RunID       string  `json:"run_id"`
	BlockID     uint64  `json:"block_id"`
	Position    int     `json:"position"`
	Name        string  `json:"name"`
	State       string  `json:"state"`
	Fingerprint string  `json:"fingerprint"`
	Cached      bool    `json:"cached"`
	ErrorKind   *string `json:"error_kind,omitempty"`
	Message     *string `json:"message,omitempty"`
	Value       *string `json:"value,omitempty"`
}

// Event represents an append-only log event
type Event struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	RunID     *string   `json:"run_id,omitempty"`
	Type      string    `json:"type"`
	BlockID   *string   `json:"block_id,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Data      *string   `json:"data,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the history store
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Document snapshots
	SaveDocument(ctx context.Context, doc *DocumentSnapshot) error
	GetDocument(ctx context.Context, id string) (*DocumentSnapshot, error)
	LatestDocument(ctx context.Context, path string) (*DocumentSnapshot, error)
	ListDocuments(ctx context.Context, path *string, limit, offset int) ([]*DocumentSnapshot, error)

	// Runs and their block results
	RecordRun(ctx context.Context, run *Run, results []*BlockResult) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, path *string, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, keep int) (int64, error)
	ListBlockResults(ctx context.Context, runID string) ([]*BlockResult, error)
	BlockHistory(ctx context.Context, path, name string, limit int) ([]*BlockResult, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, level *string, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
