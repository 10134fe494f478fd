package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/tracereplay/internal/model"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const recordingColumns = `id, conversation_id, name, description, status, event_count, config, created_at, last_event_at`

// GetRecording returns a recording by id.
func (s *SQLite) GetRecording(ctx context.Context, id string) (model.Recording, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Recording{}, fmt.Errorf("get recording: %w", model.NotFoundError("recording", id))
	}
	if err != nil {
		return model.Recording{}, fmt.Errorf("get recording: %w", err)
	}
	return rec, nil
}

// GetRecordingByName returns a recording by its unique name.
func (s *SQLite) GetRecordingByName(ctx context.Context, name string) (model.Recording, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE name = ?`, name)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Recording{}, fmt.Errorf("get recording: %w", model.NotFoundError("recording", name))
	}
	if err != nil {
		return model.Recording{}, fmt.Errorf("get recording: %w", err)
	}
	return rec, nil
}

// ListRecordings returns recordings oldest first.
// Returns an empty slice (not nil) if nothing matches.
func (s *SQLite) ListRecordings(ctx context.Context, filter RecordingFilter) ([]model.Recording, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, filter.ConversationID)
	}

	query := `SELECT ` + recordingColumns + ` FROM recordings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id COLLATE BINARY ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recordings: %w", err)
	}
	defer rows.Close()

	recordings := []model.Recording{}
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		recordings = append(recordings, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recordings: %w", err)
	}
	return recordings, nil
}

const eventColumns = `id, recording_id, sequence, correlation_id, state_hash, state, pii_status, raw_payload, scrubbed_payload, recorded_at`

// ListEvents returns a recording's events in sequence order.
func (s *SQLite) ListEvents(ctx context.Context, recordingID string) ([]model.WebhookEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE recording_id = ?
		ORDER BY sequence ASC
	`, recordingID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []model.WebhookEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

const traceColumns = `t.id, t.event_id, t.recording_id, t.correlation_id, t.step_name, t.step_order, t.input_hash,
	t.output_hash, t.input, t.output, t.elapsed_ms, t.external_calls, t.error, t.is_reproducible, t.created_at`

// ListTraces returns an event's traces in step order.
func (s *SQLite) ListTraces(ctx context.Context, eventID string) ([]model.ExecutionTrace, error) {
	return s.queryTraces(ctx, `
		SELECT `+traceColumns+`
		FROM traces t
		WHERE t.event_id = ?
		ORDER BY t.step_order ASC
	`, eventID)
}

// ListRecordingTraces returns every trace of a recording, flattened in
// (event sequence, step order) order.
func (s *SQLite) ListRecordingTraces(ctx context.Context, recordingID string) ([]model.ExecutionTrace, error) {
	return s.queryTraces(ctx, `
		SELECT `+traceColumns+`
		FROM traces t
		JOIN events e ON t.event_id = e.id
		WHERE t.recording_id = ?
		ORDER BY e.sequence ASC, t.step_order ASC
	`, recordingID)
}

func (s *SQLite) queryTraces(ctx context.Context, query string, args ...any) ([]model.ExecutionTrace, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	traces := []model.ExecutionTrace{}
	for rows.Next() {
		tr, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		traces = append(traces, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate traces: %w", err)
	}
	return traces, nil
}

const executionColumnList = `id, recording_id, status, config, total_steps, reproducible_steps, reproducibility_rate,
	hash_mismatches, summary, started_at, completed_at`

// GetReplayExecution returns a replay run by id.
func (s *SQLite) GetReplayExecution(ctx context.Context, id string) (model.ReplayExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumnList+` FROM replay_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ReplayExecution{}, fmt.Errorf("get replay execution: %w", model.NotFoundError("replay execution", id))
	}
	if err != nil {
		return model.ReplayExecution{}, fmt.Errorf("get replay execution: %w", err)
	}
	return exec, nil
}

// ListReplayExecutions returns a recording's replay runs oldest first.
func (s *SQLite) ListReplayExecutions(ctx context.Context, recordingID string) ([]model.ReplayExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumnList+`
		FROM replay_executions
		WHERE recording_id = ?
		ORDER BY started_at ASC, id COLLATE BINARY ASC
	`, recordingID)
	if err != nil {
		return nil, fmt.Errorf("query replay executions: %w", err)
	}
	defer rows.Close()

	execs := []model.ReplayExecution{}
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replay executions: %w", err)
	}
	return execs, nil
}

// ListValidations returns an execution's validations in insertion order.
func (s *SQLite) ListValidations(ctx context.Context, executionID string) ([]model.TraceValidation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, trace_id, event_id, step_name, step_order, validation_type, is_valid,
		       confidence, original_value, replay_value, difference, notes, external_calls, created_at
		FROM trace_validations
		WHERE execution_id = ?
		ORDER BY rowid ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query validations: %w", err)
	}
	defer rows.Close()

	validations := []model.TraceValidation{}
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
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
func (s *SQLite) Stats(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM recordings),
			(SELECT COUNT(*) FROM events),
			(SELECT COUNT(*) FROM traces),
			(SELECT COUNT(*) FROM replay_executions),
			(SELECT COUNT(*) FROM trace_validations)
	`).Scan(&st.Recordings, &st.Events, &st.Traces, &st.ReplayExecutions, &st.TraceValidations)
	if err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

func scanRecording(row rowScanner) (model.Recording, error) {
	var rec model.Recording
	var status, configJSON, createdAt string
	var lastEventAt sql.NullString

	err := row.Scan(
		&rec.ID,
		&rec.ConversationID,
		&rec.Name,
		&rec.Description,
		&status,
		&rec.EventCount,
		&configJSON,
		&createdAt,
		&lastEventAt,
	)
	if err != nil {
		return rec, err
	}

	rec.Status = model.RecordingStatus(status)
	if err := DecodeJSON(configJSON, &rec.Config); err != nil {
		return rec, fmt.Errorf("scan recording %s: %w", rec.ID, err)
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return rec, fmt.Errorf("scan recording %s: %w", rec.ID, err)
	}
	if lastEventAt.Valid {
		t, err := parseTime(lastEventAt.String)
		if err != nil {
			return rec, fmt.Errorf("scan recording %s: %w", rec.ID, err)
		}
		rec.LastEventAt = &t
	}
	return rec, nil
}

func scanEvent(row rowScanner) (model.WebhookEvent, error) {
	var ev model.WebhookEvent
	var piiStatus, state, raw, recordedAt string
	var scrubbed sql.NullString

	err := row.Scan(
		&ev.ID,
		&ev.RecordingID,
		&ev.Sequence,
		&ev.CorrelationID,
		&ev.StateHash,
		&state,
		&piiStatus,
		&raw,
		&scrubbed,
		&recordedAt,
	)
	if err != nil {
		return ev, fmt.Errorf("scan event: %w", err)
	}

	ev.PIIStatus = model.PIIStatus(piiStatus)
	if ev.State, err = DecodePayload(state); err != nil {
		return ev, fmt.Errorf("scan event %s: %w", ev.ID, err)
	}
	if ev.RawPayload, err = DecodePayload(raw); err != nil {
		return ev, fmt.Errorf("scan event %s: %w", ev.ID, err)
	}
	if scrubbed.Valid {
		if ev.ScrubbedPayload, err = DecodePayload(scrubbed.String); err != nil {
			return ev, fmt.Errorf("scan event %s: %w", ev.ID, err)
		}
	}
	if ev.RecordedAt, err = parseTime(recordedAt); err != nil {
		return ev, fmt.Errorf("scan event %s: %w", ev.ID, err)
	}
	return ev, nil
}

func scanTrace(row rowScanner) (model.ExecutionTrace, error) {
	var tr model.ExecutionTrace
	var input, output, calls, createdAt string

	err := row.Scan(
		&tr.ID,
		&tr.EventID,
		&tr.RecordingID,
		&tr.CorrelationID,
		&tr.StepName,
		&tr.StepOrder,
		&tr.InputHash,
		&tr.OutputHash,
		&input,
		&output,
		&tr.ElapsedMs,
		&calls,
		&tr.Error,
		&tr.IsReproducible,
		&createdAt,
	)
	if err != nil {
		return tr, fmt.Errorf("scan trace: %w", err)
	}

	if tr.Input, err = DecodePayload(input); err != nil {
		return tr, fmt.Errorf("scan trace %s: %w", tr.ID, err)
	}
	if tr.Output, err = DecodePayload(output); err != nil {
		return tr, fmt.Errorf("scan trace %s: %w", tr.ID, err)
	}
	if tr.ExternalCalls, err = DecodeCalls(calls); err != nil {
		return tr, fmt.Errorf("scan trace %s: %w", tr.ID, err)
	}
	if tr.CreatedAt, err = parseTime(createdAt); err != nil {
		return tr, fmt.Errorf("scan trace %s: %w", tr.ID, err)
	}
	return tr, nil
}

func scanExecution(row rowScanner) (model.ReplayExecution, error) {
	var exec model.ReplayExecution
	var status, configJSON, mismatches, summary, startedAt string
	var completedAt sql.NullString

	err := row.Scan(
		&exec.ID,
		&exec.RecordingID,
		&status,
		&configJSON,
		&exec.TotalSteps,
		&exec.ReproducibleSteps,
		&exec.ReproducibilityRate,
		&mismatches,
		&summary,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return exec, err
	}

	exec.Status = model.ReplayStatus(status)
	if err := DecodeExecutionColumns(&exec, configJSON, mismatches, summary); err != nil {
		return exec, err
	}
	if exec.StartedAt, err = parseTime(startedAt); err != nil {
		return exec, fmt.Errorf("scan replay execution %s: %w", exec.ID, err)
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return exec, fmt.Errorf("scan replay execution %s: %w", exec.ID, err)
		}
		exec.CompletedAt = &t
	}
	return exec, nil
}

// DecodeExecutionColumns fills the JSON-encoded columns of a replay
// execution. Shared with other Store implementations.
func DecodeExecutionColumns(exec *model.ReplayExecution, configJSON, mismatches, summary string) error {
	if err := DecodeJSON(configJSON, &exec.Config); err != nil {
		return fmt.Errorf("scan replay execution %s: %w", exec.ID, err)
	}
	exec.HashMismatches = []model.HashMismatch{}
	if err := DecodeJSON(mismatches, &exec.HashMismatches); err != nil {
		return fmt.Errorf("scan replay execution %s: %w", exec.ID, err)
	}
	if err := DecodeJSON(summary, &exec.Summary); err != nil {
		return fmt.Errorf("scan replay execution %s: %w", exec.ID, err)
	}
	return nil
}

func scanValidation(row rowScanner) (model.TraceValidation, error) {
	var v model.TraceValidation
	var vtype, original, replayed, diff, calls, createdAt string

	err := row.Scan(
		&v.ID,
		&v.ExecutionID,
		&v.TraceID,
		&v.EventID,
		&v.StepName,
		&v.StepOrder,
		&vtype,
		&v.IsValid,
		&v.Confidence,
		&original,
		&replayed,
		&diff,
		&v.Notes,
		&calls,
		&createdAt,
	)
	if err != nil {
		return v, fmt.Errorf("scan validation: %w", err)
	}

	v.ValidationType = model.ValidationType(vtype)
	if v.OriginalValue, err = DecodePayload(original); err != nil {
		return v, fmt.Errorf("scan validation %s: %w", v.ID, err)
	}
	if v.ReplayValue, err = DecodePayload(replayed); err != nil {
		return v, fmt.Errorf("scan validation %s: %w", v.ID, err)
	}
	if v.Difference, err = DecodePayload(diff); err != nil {
		return v, fmt.Errorf("scan validation %s: %w", v.ID, err)
	}
	if v.ExternalCalls, err = DecodeCalls(calls); err != nil {
		return v, fmt.Errorf("scan validation %s: %w", v.ID, err)
	}
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return v, fmt.Errorf("scan validation %s: %w", v.ID, err)
	}
	return v, nil
}
