package stores

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// memoryPath opens a private in-memory database.
const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func (s *SQLiteStore) dsn() string {
	if s.cfg.Path == memoryPath {
		return "file::memory:?_pragma=foreign_keys(1)"
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)
}

// Init opens the database connection and enables WAL mode for file
// databases.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveDocument stores a document snapshot. Saving the same content for the
// same path twice keeps the first snapshot; doc.ID and doc.CreatedAt are
// set to the stored values either way.
func (s *SQLiteStore) SaveDocument(ctx context.Context, doc *DocumentSnapshot) error {
	if doc.Hash == "" {
		sum := sha256.Sum256(doc.Content)
		doc.Hash = hex.EncodeToString(sum[:])
	}
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO documents (id, path, name, major, minor, hash, content, block_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path, hash) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		doc.ID,
		doc.Path,
		doc.Name,
		doc.Major,
		doc.Minor,
		doc.Hash,
		doc.Content,
		doc.BlockCount,
		doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT id, created_at FROM documents WHERE path = ? AND hash = ?`,
		doc.Path, doc.Hash,
	).Scan(&doc.ID, &doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to read back document: %w", err)
	}
	return nil
}

const documentColumns = `id, path, name, major, minor, hash, content, block_count, created_at`

func scanDocument(row interface{ Scan(...any) error }) (*DocumentSnapshot, error) {
	doc := &DocumentSnapshot{}
	err := row.Scan(
		&doc.ID,
		&doc.Path,
		&doc.Name,
		&doc.Major,
		&doc.Minor,
		&doc.Hash,
		&doc.Content,
		&doc.BlockCount,
		&doc.CreatedAt,
	)
	return doc, err
}

// GetDocument retrieves a snapshot by ID
func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*DocumentSnapshot, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = ?`

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// LatestDocument retrieves the newest snapshot of a path
func (s *SQLiteStore) LatestDocument(ctx context.Context, path string) (*DocumentSnapshot, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE path = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document at %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest document: %w", err)
	}
	return doc, nil
}

// ListDocuments lists snapshots, newest first, optionally for one path
func (s *SQLiteStore) ListDocuments(ctx context.Context, path *string, limit, offset int) ([]*DocumentSnapshot, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE (? IS NULL OR path = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, path, path, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := []*DocumentSnapshot{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}

	return docs, nil
}

// RecordRun stores a run and its block results in one transaction
func (s *SQLiteStore) RecordRun(ctx context.Context, run *Run, results []*BlockResult) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, document_id, document_path, status, workers, blocks, invocations,
			cache_hits, errors, graph_reused, started_at, duration_ms, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.DocumentID,
		run.DocumentPath,
		run.Status,
		run.Workers,
		run.Blocks,
		run.Invocations,
		run.CacheHits,
		run.Errors,
		run.GraphReused,
		run.StartedAt,
		run.DurationMS,
		run.Error,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO block_results (
			run_id, block_id, position, name, state, fingerprint, cached, error_kind, message, value
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare block results: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		r.RunID = run.ID
		_, err := stmt.ExecContext(ctx,
			r.RunID,
			int64(r.BlockID),
			r.Position,
			r.Name,
			r.State,
			r.Fingerprint,
			r.Cached,
			r.ErrorKind,
			r.Message,
			r.Value,
		)
		if err != nil {
			return fmt.Errorf("failed to record block %d: %w", r.BlockID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `id, document_id, document_path, status, workers, blocks, invocations,
	cache_hits, errors, graph_reused, started_at, duration_ms, error, created_at`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.DocumentID,
		&run.DocumentPath,
		&run.Status,
		&run.Workers,
		&run.Blocks,
		&run.Invocations,
		&run.CacheHits,
		&run.Errors,
		&run.GraphReused,
		&run.StartedAt,
		&run.DurationMS,
		&run.Error,
		&run.CreatedAt,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs with pagination, newest first, optionally for one
// document path
func (s *SQLiteStore) ListRuns(ctx context.Context, path *string, limit, offset int) ([]*Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE (? IS NULL OR document_path = ?)
		ORDER BY started_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, path, path, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run and its block results
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// PruneRuns deletes all but the newest keep runs and returns how many were
// deleted.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	query := `
		DELETE FROM runs
		WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
		)
	`

	result, err := s.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

const blockResultColumns = `br.run_id, br.block_id, br.position, br.name, br.state, br.fingerprint,
	br.cached, br.error_kind, br.message, br.value`

func (s *SQLiteStore) queryBlockResults(ctx context.Context, query string, args ...any) ([]*BlockResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list block results: %w", err)
	}
	defer rows.Close()

	results := []*BlockResult{}
	for rows.Next() {
		r := &BlockResult{}
		var blockID int64
		err := rows.Scan(
			&r.RunID,
			&blockID,
			&r.Position,
			&r.Name,
			&r.State,
			&r.Fingerprint,
			&r.Cached,
			&r.ErrorKind,
			&r.Message,
			&r.Value,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block result: %w", err)
		}
		r.BlockID = uint64(blockID)
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating block results: %w", err)
	}

	return results, nil
}

// ListBlockResults lists the block results of a run in display order
func (s *SQLiteStore) ListBlockResults(ctx context.Context, runID string) ([]*BlockResult, error) {
	query := `
		SELECT ` + blockResultColumns + `
		FROM block_results br
		WHERE br.run_id = ?
		ORDER BY br.position
	`
	return s.queryBlockResults(ctx, query, runID)
}

// BlockHistory lists the recorded results of the block called name in
// runs over the document at path, newest first.
func (s *SQLiteStore) BlockHistory(ctx context.Context, path, name string, limit int) ([]*BlockResult, error) {
	query := `
		SELECT ` + blockResultColumns + `
		FROM block_results br
		JOIN runs r ON r.id = br.run_id
		WHERE r.document_path = ? AND br.name = ?
		ORDER BY r.started_at DESC, r.rowid DESC
		LIMIT ?
	`
	return s.queryBlockResults(ctx, query, path, name, limit)
}

// AppendEvent appends an event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO events (event_id, run_id, type, block_id, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.RunID,
		event.Type,
		event.BlockID,
		event.Level,
		event.Message,
		event.Data,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events in insertion order with optional filters
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, level *string, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, event_id, run_id, type, block_id, level, message, data, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, runID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.RunID,
			&event.Type,
			&event.BlockID,
			&event.Level,
			&event.Message,
			&event.Data,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
