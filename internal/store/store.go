package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/tracereplay/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on traces(event_id, step_order) for step-ordered reads
const currentSchemaVersion = 1

// Store is the persistence contract for the five record collections.
//
// Implementations must:
//   - assign event sequence numbers atomically in AppendEvent
//   - return model.ErrNotFound (wrapped) for absent records
//   - return model.ErrDuplicateName when a recording name is reused
//   - return empty slices, never nil, from List methods
type Store interface {
	CreateRecording(ctx context.Context, rec model.Recording) error
	GetRecording(ctx context.Context, id string) (model.Recording, error)
	GetRecordingByName(ctx context.Context, name string) (model.Recording, error)
	ListRecordings(ctx context.Context, filter RecordingFilter) ([]model.Recording, error)
	UpdateRecordingStatus(ctx context.Context, id string, status model.RecordingStatus) error

	// AppendEvent assigns ev.Sequence = event_count + 1 and bumps the parent
	// recording's event_count and last_event_at in one transaction. The
	// recording must be active; maxEvents > 0 caps event_count.
	AppendEvent(ctx context.Context, ev model.WebhookEvent, maxEvents int) (model.WebhookEvent, error)
	ListEvents(ctx context.Context, recordingID string) ([]model.WebhookEvent, error)

	CreateTrace(ctx context.Context, tr model.ExecutionTrace) error
	ListTraces(ctx context.Context, eventID string) ([]model.ExecutionTrace, error)
	ListRecordingTraces(ctx context.Context, recordingID string) ([]model.ExecutionTrace, error)

	CreateReplayExecution(ctx context.Context, exec model.ReplayExecution) error
	GetReplayExecution(ctx context.Context, id string) (model.ReplayExecution, error)
	ListReplayExecutions(ctx context.Context, recordingID string) ([]model.ReplayExecution, error)

	// FinalizeReplayExecution writes the final state of a running execution.
	// A second finalize fails with model.ErrValidation.
	FinalizeReplayExecution(ctx context.Context, exec model.ReplayExecution) error

	CreateValidation(ctx context.Context, v model.TraceValidation) error
	ListValidations(ctx context.Context, executionID string) ([]model.TraceValidation, error)

	Stats(ctx context.Context) (model.Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// RecordingFilter narrows ListRecordings. Zero fields match everything.
type RecordingFilter struct {
	Status         model.RecordingStatus
	ConversationID string
	Limit          int
}

// SQLite provides durable storage backed by a single SQLite file.
// Uses SQLite with WAL mode for concurrent read access.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time. A single connection also
	// makes AppendEvent's read-increment-write transaction exclusive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the step-order index for databases created before it.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_traces_event_order
		ON traces(event_id, step_order)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
