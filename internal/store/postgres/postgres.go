// Package postgres implements store.Store on PostgreSQL via pgx.
//
// Semantics match the SQLite store: canonical JSON payload columns, atomic
// event sequencing (row lock on the parent recording) and exactly-once
// finalization of replay executions.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/tracereplay/internal/model"
	"github.com/roach88/tracereplay/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to databaseURL, verifies the connection and applies the
// schema. The schema statements are idempotent.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateRecording inserts a new recording.
func (s *Store) CreateRecording(ctx context.Context, rec model.Recording) error {
	configJSON, err := store.EncodeJSON(rec.Config)
	if err != nil {
		return fmt.Errorf("create recording: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO recordings
		 (id, conversation_id, name, description, status, event_count, config, created_at, last_event_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID,
		rec.ConversationID,
		rec.Name,
		rec.Description,
		string(rec.Status),
		rec.EventCount,
		configJSON,
		rec.CreatedAt.UTC(),
		utcPtr(rec.LastEventAt),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && strings.Contains(pgErr.ConstraintName, "name") {
			return fmt.Errorf("create recording: %w", model.DuplicateNameError(rec.Name))
		}
		return fmt.Errorf("create recording: %w", err)
	}
	return nil
}

const recordingColumns = `id, conversation_id, name, description, status, event_count, config, created_at, last_event_at`

// GetRecording returns a recording by id.
func (s *Store) GetRecording(ctx context.Context, id string) (model.Recording, error) {
	rec, err := scanRecording(s.pool.QueryRow(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, fmt.Errorf("get recording: %w", model.NotFoundError("recording", id))
	}
	if err != nil {
		return rec, fmt.Errorf("get recording: %w", err)
	}
	return rec, nil
}

// GetRecordingByName returns a recording by its unique name.
func (s *Store) GetRecordingByName(ctx context.Context, name string) (model.Recording, error) {
	rec, err := scanRecording(s.pool.QueryRow(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, fmt.Errorf("get recording: %w", model.NotFoundError("recording", name))
	}
	if err != nil {
		return rec, fmt.Errorf("get recording: %w", err)
	}
	return rec, nil
}

// ListRecordings returns recordings oldest first.
func (s *Store) ListRecordings(ctx context.Context, filter store.RecordingFilter) ([]model.Recording, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ConversationID != "" {
		args = append(args, filter.ConversationID)
		where = append(where, fmt.Sprintf("conversation_id = $%d", len(args)))
	}

	query := `SELECT ` + recordingColumns + ` FROM recordings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id COLLATE "C" ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recordings: %w", err)
	}
	defer rows.Close()

	recordings := []model.Recording{}
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		recordings = append(recordings, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recordings: %w", err)
	}
	return recordings, nil
}

// UpdateRecordingStatus changes a recording's lifecycle status.
func (s *Store) UpdateRecordingStatus(ctx context.Context, id string, status model.RecordingStatus) error {
	if !model.ValidRecordingStatuses[status] {
		return fmt.Errorf("update recording status: %w", model.Validationf("invalid status %q", status))
	}
	tag, err := s.pool.Exec(ctx, `UPDATE recordings SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("update recording status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update recording status: %w", model.NotFoundError("recording", id))
	}
	return nil
}

// AppendEvent inserts an event and assigns its sequence number atomically.
// SELECT ... FOR UPDATE serializes concurrent appends to one recording.
func (s *Store) AppendEvent(ctx context.Context, ev model.WebhookEvent, maxEvents int) (model.WebhookEvent, error) {
	state, err := store.EncodePayload(ev.State)
	if err != nil {
		return ev, fmt.Errorf("append event: %w", err)
	}
	raw, err := store.EncodePayload(ev.RawPayload)
	if err != nil {
		return ev, fmt.Errorf("append event: %w", err)
	}
	var scrubbed *string
	if ev.ScrubbedPayload != nil {
		text, err := store.EncodePayload(ev.ScrubbedPayload)
		if err != nil {
			return ev, fmt.Errorf("append event: %w", err)
		}
		scrubbed = &text
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ev, fmt.Errorf("append event: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	var count int64
	err = tx.QueryRow(ctx, `SELECT status, event_count FROM recordings WHERE id = $1 FOR UPDATE`, ev.RecordingID).
		Scan(&status, &count)
	if errors.Is(err, pgx.ErrNoRows) {
		return ev, fmt.Errorf("append event: %w", model.NotFoundError("recording", ev.RecordingID))
	}
	if err != nil {
		return ev, fmt.Errorf("append event: %w", err)
	}
	if err := store.CheckAppendable(ev.RecordingID, model.RecordingStatus(status), count, maxEvents); err != nil {
		return ev, fmt.Errorf("append event: %w", err)
	}

	ev.Sequence = count + 1
	recordedAt := ev.RecordedAt.UTC()

	_, err = tx.Exec(ctx,
		`INSERT INTO events
		 (id, recording_id, sequence, correlation_id, state_hash, state, pii_status, raw_payload, scrubbed_payload, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.RecordingID, ev.Sequence, ev.CorrelationID, ev.StateHash,
		state, string(ev.PIIStatus), raw, scrubbed, recordedAt,
	)
	if err != nil {
		return ev, fmt.Errorf("append event: insert: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE recordings SET event_count = $1, last_event_at = $2 WHERE id = $3`,
		ev.Sequence, recordedAt, ev.RecordingID,
	)
	if err != nil {
		return ev, fmt.Errorf("append event: bump counter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ev, fmt.Errorf("append event: commit: %w", err)
	}
	return ev, nil
}

// ListEvents returns a recording's events in sequence order.
func (s *Store) ListEvents(ctx context.Context, recordingID string) ([]model.WebhookEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, recording_id, sequence, correlation_id, state_hash, state, pii_status,
		        raw_payload, scrubbed_payload, recorded_at
		 FROM events WHERE recording_id = $1 ORDER BY sequence ASC`, recordingID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []model.WebhookEvent{}
	for rows.Next() {
		var ev model.WebhookEvent
		var piiStatus, state, raw string
		var scrubbed *string
		if err := rows.Scan(&ev.ID, &ev.RecordingID, &ev.Sequence, &ev.CorrelationID, &ev.StateHash,
			&state, &piiStatus, &raw, &scrubbed, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.PIIStatus = model.PIIStatus(piiStatus)
		ev.RecordedAt = ev.RecordedAt.UTC()
		if ev.State, err = store.DecodePayload(state); err != nil {
			return nil, err
		}
		if ev.RawPayload, err = store.DecodePayload(raw); err != nil {
			return nil, err
		}
		if scrubbed != nil {
			if ev.ScrubbedPayload, err = store.DecodePayload(*scrubbed); err != nil {
				return nil, err
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// CreateTrace inserts an execution trace.
func (s *Store) CreateTrace(ctx context.Context, tr model.ExecutionTrace) error {
	input, err := store.EncodePayload(tr.Input)
	if err != nil {
		return fmt.Errorf("create trace: %w", err)
	}
	output, err := store.EncodePayload(tr.Output)
	if err != nil {
		return fmt.Errorf("create trace: %w", err)
	}
	callsJSON, err := store.EncodeCalls(tr.ExternalCalls)
	if err != nil {
		return fmt.Errorf("create trace: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO traces
		 (id, event_id, recording_id, correlation_id, step_name, step_order, input_hash, output_hash,
		  input, output, elapsed_ms, external_calls, error, is_reproducible, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		tr.ID, tr.EventID, tr.RecordingID, tr.CorrelationID, tr.StepName, tr.StepOrder,
		tr.InputHash, tr.OutputHash, input, output, tr.ElapsedMs, callsJSON, tr.Error,
		tr.IsReproducible, tr.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create trace: %w", err)
	}
	return nil
}

const traceColumns = `t.id, t.event_id, t.recording_id, t.correlation_id, t.step_name, t.step_order, t.input_hash,
	t.output_hash, t.input, t.output, t.elapsed_ms, t.external_calls, t.error, t.is_reproducible, t.created_at`

// ListTraces returns an event's traces in step order.
func (s *Store) ListTraces(ctx context.Context, eventID string) ([]model.ExecutionTrace, error) {
	return s.queryTraces(ctx,
		`SELECT `+traceColumns+` FROM traces t WHERE t.event_id = $1 ORDER BY t.step_order ASC`, eventID)
}

// ListRecordingTraces returns every trace of a recording in (sequence, step
// order) order.
func (s *Store) ListRecordingTraces(ctx context.Context, recordingID string) ([]model.ExecutionTrace, error) {
	return s.queryTraces(ctx,
		`SELECT `+traceColumns+`
		 FROM traces t JOIN events e ON t.event_id = e.id
		 WHERE t.recording_id = $1
		 ORDER BY e.sequence ASC, t.step_order ASC`, recordingID)
}

func (s *Store) queryTraces(ctx context.Context, query string, args ...any) ([]model.ExecutionTrace, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	traces := []model.ExecutionTrace{}
	for rows.Next() {
		var tr model.ExecutionTrace
		var input, output, calls string
		if err := rows.Scan(&tr.ID, &tr.EventID, &tr.RecordingID, &tr.CorrelationID, &tr.StepName,
			&tr.StepOrder, &tr.InputHash, &tr.OutputHash, &input, &output, &tr.ElapsedMs, &calls,
			&tr.Error, &tr.IsReproducible, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		tr.CreatedAt = tr.CreatedAt.UTC()
		if tr.Input, err = store.DecodePayload(input); err != nil {
			return nil, err
		}
		if tr.Output, err = store.DecodePayload(output); err != nil {
			return nil, err
		}
		if tr.ExternalCalls, err = store.DecodeCalls(calls); err != nil {
			return nil, err
		}
		traces = append(traces, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate traces: %w", err)
	}
	return traces, nil
}

// CreateReplayExecution inserts a replay run in its initial state.
func (s *Store) CreateReplayExecution(ctx context.Context, exec model.ReplayExecution) error {
	config, mismatches, summary, err := encodeExecution(exec)
	if err != nil {
		return fmt.Errorf("create replay execution: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO replay_executions
		 (id, recording_id, status, config, total_steps, reproducible_steps, reproducibility_rate,
		  hash_mismatches, summary, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		exec.ID, exec.RecordingID, string(exec.Status), config, exec.TotalSteps, exec.ReproducibleSteps,
		exec.ReproducibilityRate, mismatches, summary, exec.StartedAt.UTC(), utcPtr(exec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create replay execution: %w", err)
	}
	return nil
}

// FinalizeReplayExecution writes the terminal state of a running execution.
func (s *Store) FinalizeReplayExecution(ctx context.Context, exec model.ReplayExecution) error {
	if exec.Status == model.ReplayRunning {
		return fmt.Errorf("finalize replay execution: %w", model.Validationf("terminal status required"))
	}
	_, mismatches, summary, err := encodeExecution(exec)
	if err != nil {
		return fmt.Errorf("finalize replay execution: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE replay_executions
		 SET status = $1, total_steps = $2, reproducible_steps = $3, reproducibility_rate = $4,
		     hash_mismatches = $5, summary = $6, completed_at = $7
		 WHERE id = $8 AND status = 'running'`,
		string(exec.Status), exec.TotalSteps, exec.ReproducibleSteps, exec.ReproducibilityRate,
		mismatches, summary, utcPtr(exec.CompletedAt), exec.ID,
	)
	if err != nil {
		return fmt.Errorf("finalize replay execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetReplayExecution(ctx, exec.ID); err != nil {
			return fmt.Errorf("finalize replay execution: %w", err)
		}
		return fmt.Errorf("finalize replay execution: %w",
			model.Validationf("replay execution %q already finalized", exec.ID))
	}
	return nil
}

const executionColumns = `id, recording_id, status, config, total_steps, reproducible_steps, reproducibility_rate,
	hash_mismatches, summary, started_at, completed_at`

// GetReplayExecution returns a replay run by id.
func (s *Store) GetReplayExecution(ctx context.Context, id string) (model.ReplayExecution, error) {
	exec, err := scanExecution(s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM replay_executions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return exec, fmt.Errorf("get replay execution: %w", model.NotFoundError("replay execution", id))
	}
	if err != nil {
		return exec, fmt.Errorf("get replay execution: %w", err)
	}
	return exec, nil
}

// ListReplayExecutions returns a recording's replay runs oldest first.
func (s *Store) ListReplayExecutions(ctx context.Context, recordingID string) ([]model.ReplayExecution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM replay_executions
		 WHERE recording_id = $1 ORDER BY started_at ASC, id COLLATE "C" ASC`, recordingID)
	if err != nil {
		return nil, fmt.Errorf("query replay executions: %w", err)
	}
	defer rows.Close()

	execs := []model.ReplayExecution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan replay execution: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replay executions: %w", err)
	}
	return execs, nil
}

// CreateValidation appends a trace validation verdict.
func (s *Store) CreateValidation(ctx context.Context, v model.TraceValidation) error {
	original, err := store.EncodePayload(v.OriginalValue)
	if err != nil {
		return fmt.Errorf("create validation: %w", err)
	}
	replayed, err := store.EncodePayload(v.ReplayValue)
	if err != nil {
		return fmt.Errorf("create validation: %w", err)
	}
	diff, err := store.EncodePayload(v.Difference)
	if err != nil {
		return fmt.Errorf("create validation: %w", err)
	}
	calls, err := store.EncodeCalls(v.ExternalCalls)
	if err != nil {
		return fmt.Errorf("create validation: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO trace_validations
		 (id, execution_id, trace_id, event_id, step_name, step_order, validation_type, is_valid,
		  confidence, original_value, replay_value, difference, notes, external_calls, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		v.ID, v.ExecutionID, v.TraceID, v.EventID, v.StepName, v.StepOrder, string(v.ValidationType),
		v.IsValid, v.Confidence, original, replayed, diff, v.Notes, calls, v.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create validation: %w", err)
	}
	return nil
}

// ListValidations returns an execution's validations in insertion order.
func (s *Store) ListValidations(ctx context.Context, executionID string) ([]model.TraceValidation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, execution_id, trace_id, event_id, step_name, step_order, validation_type, is_valid,
		        confidence, original_value, replay_value, difference, notes, external_calls, created_at
		 FROM trace_validations WHERE execution_id = $1 ORDER BY seq ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query validations: %w", err)
	}
	defer rows.Close()

	validations := []model.TraceValidation{}
	for rows.Next() {
		var v model.TraceValidation
		var vtype, original, replayed, diff, calls string
		if err := rows.Scan(&v.ID, &v.ExecutionID, &v.TraceID, &v.EventID, &v.StepName, &v.StepOrder,
			&vtype, &v.IsValid, &v.Confidence, &original, &replayed, &diff, &v.Notes, &calls, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan validation: %w", err)
		}
		v.ValidationType = model.ValidationType(vtype)
		v.CreatedAt = v.CreatedAt.UTC()
		if v.OriginalValue, err = store.DecodePayload(original); err != nil {
			return nil, err
		}
		if v.ReplayValue, err = store.DecodePayload(replayed); err != nil {
			return nil, err
		}
		if v.Difference, err = store.DecodePayload(diff); err != nil {
			return nil, err
		}
		if v.ExternalCalls, err = store.DecodeCalls(calls); err != nil {
			return nil, err
		}
		validations = append(validations, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate validations: %w", err)
	}
	return validations, nil
}

// Stats returns per-collection row counts.
func (s *Store) Stats(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	err := s.pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM recordings),
			(SELECT COUNT(*) FROM events),
			(SELECT COUNT(*) FROM traces),
			(SELECT COUNT(*) FROM replay_executions),
			(SELECT COUNT(*) FROM trace_validations)`,
	).Scan(&st.Recordings, &st.Events, &st.Traces, &st.ReplayExecutions, &st.TraceValidations)
	if err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

func scanRecording(row pgx.Row) (model.Recording, error) {
	var rec model.Recording
	var status, configJSON string
	if err := row.Scan(&rec.ID, &rec.ConversationID, &rec.Name, &rec.Description, &status,
		&rec.EventCount, &configJSON, &rec.CreatedAt, &rec.LastEventAt); err != nil {
		return rec, err
	}
	rec.Status = model.RecordingStatus(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.LastEventAt = utcPtr(rec.LastEventAt)
	if err := store.DecodeJSON(configJSON, &rec.Config); err != nil {
		return rec, err
	}
	return rec, nil
}

func scanExecution(row pgx.Row) (model.ReplayExecution, error) {
	var exec model.ReplayExecution
	var status, configJSON, mismatches, summary string
	if err := row.Scan(&exec.ID, &exec.RecordingID, &status, &configJSON, &exec.TotalSteps,
		&exec.ReproducibleSteps, &exec.ReproducibilityRate, &mismatches, &summary,
		&exec.StartedAt, &exec.CompletedAt); err != nil {
		return exec, err
	}
	exec.Status = model.ReplayStatus(status)
	exec.StartedAt = exec.StartedAt.UTC()
	exec.CompletedAt = utcPtr(exec.CompletedAt)
	if err := store.DecodeExecutionColumns(&exec, configJSON, mismatches, summary); err != nil {
		return exec, err
	}
	return exec, nil
}

func encodeExecution(exec model.ReplayExecution) (config, mismatches, summary string, err error) {
	if config, err = store.EncodeJSON(exec.Config); err != nil {
		return
	}
	list := exec.HashMismatches
	if list == nil {
		list = []model.HashMismatch{}
	}
	if mismatches, err = store.EncodeJSON(list); err != nil {
		return
	}
	summary, err = store.EncodeJSON(exec.Summary)
	return
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
