package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/tracereplay/internal/model"
)

// CreateRecording inserts a new recording.
// Fails with model.ErrDuplicateName when the name is already taken; names
// are globally unique, not per conversation.
func (s *SQLite) CreateRecording(ctx context.Context, rec model.Recording) error {
	configJSON, err := EncodeJSON(rec.Config)
	if err != nil {
		return fmt.Errorf("create recording: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recordings
		(id, conversation_id, name, description, status, event_count, config, created_at, last_event_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.ConversationID,
		rec.Name,
		rec.Description,
		string(rec.Status),
		rec.EventCount,
		configJSON,
		formatTime(rec.CreatedAt),
		formatTimePtr(rec.LastEventAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create recording: %w", model.DuplicateNameError(rec.Name))
		}
		return fmt.Errorf("create recording: %w", err)
	}
	return nil
}

// UpdateRecordingStatus changes a recording's lifecycle status.
func (s *SQLite) UpdateRecordingStatus(ctx context.Context, id string, status model.RecordingStatus) error {
	if !model.ValidRecordingStatuses[status] {
		return fmt.Errorf("update recording status: %w", model.Validationf("invalid status %q", status))
	}
	res, err := s.db.ExecContext(ctx, `UPDATE recordings SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update recording status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update recording status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update recording status: %w", model.NotFoundError("recording", id))
	}
	return nil
}

// AppendEvent inserts an event and assigns its sequence number atomically.
//
// The read of event_count, the event insert and the counter update share one
// transaction on the store's single connection, so concurrent appends to the
// same recording observe strictly increasing sequences with no gaps.
func (s *SQLite) AppendEvent(ctx context.Context, ev model.WebhookEvent, maxEvents int) (model.WebhookEvent, error) {
	state, err := EncodePayload(ev.State)
	if err != nil {
		return ev, fmt.Errorf("append event: %w", err)
	}
	raw, err := EncodePayload(ev.RawPayload)
	if err != nil {
		return ev, fmt.Errorf("append event: %w", err)
	}
	var scrubbed any
	if ev.ScrubbedPayload != nil {
		text, err := EncodePayload(ev.ScrubbedPayload)
		if err != nil {
			return ev, fmt.Errorf("append event: %w", err)
		}
		scrubbed = text
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ev, fmt.Errorf("append event: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var status string
	var count int64
	err = tx.QueryRowContext(ctx, `SELECT status, event_count FROM recordings WHERE id = ?`, ev.RecordingID).
		Scan(&status, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return ev, fmt.Errorf("append event: %w", model.NotFoundError("recording", ev.RecordingID))
	}
	if err != nil {
		return ev, fmt.Errorf("append event: %w", err)
	}

	if err := CheckAppendable(ev.RecordingID, model.RecordingStatus(status), count, maxEvents); err != nil {
		return ev, fmt.Errorf("append event: %w", err)
	}

	ev.Sequence = count + 1
	recordedAt := formatTime(ev.RecordedAt)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events
		(id, recording_id, sequence, correlation_id, state_hash, state, pii_status, raw_payload, scrubbed_payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID,
		ev.RecordingID,
		ev.Sequence,
		ev.CorrelationID,
		ev.StateHash,
		state,
		string(ev.PIIStatus),
		raw,
		scrubbed,
		recordedAt,
	)
	if err != nil {
		return ev, fmt.Errorf("append event: insert: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE recordings SET event_count = ?, last_event_at = ? WHERE id = ?
	`, ev.Sequence, recordedAt, ev.RecordingID)
	if err != nil {
		return ev, fmt.Errorf("append event: bump counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ev, fmt.Errorf("append event: commit: %w", err)
	}
	return ev, nil
}

// CheckAppendable enforces the recording-level preconditions of AppendEvent.
// Shared with other Store implementations.
func CheckAppendable(recordingID string, status model.RecordingStatus, count int64, maxEvents int) error {
	if status != model.RecordingActive {
		return model.Validationf("recording %q is %s and no longer accepts events", recordingID, status).
			With("status", string(status))
	}
	if maxEvents > 0 && count >= int64(maxEvents) {
		return model.NewError(model.CodeEventLimit, "recording %q reached %d events", recordingID, maxEvents).
			With("max_events", fmt.Sprint(maxEvents))
	}
	return nil
}

// CreateTrace inserts an execution trace.
// Note: The event referenced by EventID must exist (foreign key constraint).
func (s *SQLite) CreateTrace(ctx context.Context, tr model.ExecutionTrace) error {
	input, err := EncodePayload(tr.Input)
	if err != nil {
		return fmt.Errorf("create trace: %w", err)
	}
	output, err := EncodePayload(tr.Output)
	if err != nil {
		return fmt.Errorf("create trace: %w", err)
	}
	callsJSON, err := EncodeCalls(tr.ExternalCalls)
	if err != nil {
		return fmt.Errorf("create trace: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO traces
		(id, event_id, recording_id, correlation_id, step_name, step_order, input_hash, output_hash,
		 input, output, elapsed_ms, external_calls, error, is_reproducible, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tr.ID,
		tr.EventID,
		tr.RecordingID,
		tr.CorrelationID,
		tr.StepName,
		tr.StepOrder,
		tr.InputHash,
		tr.OutputHash,
		input,
		output,
		tr.ElapsedMs,
		callsJSON,
		tr.Error,
		tr.IsReproducible,
		formatTime(tr.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create trace: %w", err)
	}
	return nil
}

// CreateReplayExecution inserts a replay run in its initial state.
func (s *SQLite) CreateReplayExecution(ctx context.Context, exec model.ReplayExecution) error {
	cols, err := encodeExecution(exec)
	if err != nil {
		return fmt.Errorf("create replay execution: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO replay_executions
		(id, recording_id, status, config, total_steps, reproducible_steps, reproducibility_rate,
		 hash_mismatches, summary, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		exec.ID,
		exec.RecordingID,
		string(exec.Status),
		cols.config,
		exec.TotalSteps,
		exec.ReproducibleSteps,
		exec.ReproducibilityRate,
		cols.mismatches,
		cols.summary,
		formatTime(exec.StartedAt),
		formatTimePtr(exec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create replay execution: %w", err)
	}
	return nil
}

// FinalizeReplayExecution writes the terminal state of a running execution.
// The status guard in the WHERE clause makes finalization happen exactly once.
func (s *SQLite) FinalizeReplayExecution(ctx context.Context, exec model.ReplayExecution) error {
	if exec.Status == model.ReplayRunning {
		return fmt.Errorf("finalize replay execution: %w", model.Validationf("terminal status required"))
	}
	cols, err := encodeExecution(exec)
	if err != nil {
		return fmt.Errorf("finalize replay execution: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE replay_executions
		SET status = ?, total_steps = ?, reproducible_steps = ?, reproducibility_rate = ?,
		    hash_mismatches = ?, summary = ?, completed_at = ?
		WHERE id = ? AND status = 'running'
	`,
		string(exec.Status),
		exec.TotalSteps,
		exec.ReproducibleSteps,
		exec.ReproducibilityRate,
		cols.mismatches,
		cols.summary,
		formatTimePtr(exec.CompletedAt),
		exec.ID,
	)
	if err != nil {
		return fmt.Errorf("finalize replay execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize replay execution: %w", err)
	}
	if n == 0 {
		if _, err := s.GetReplayExecution(ctx, exec.ID); err != nil {
			return fmt.Errorf("finalize replay execution: %w", err)
		}
		return fmt.Errorf("finalize replay execution: %w",
			model.Validationf("replay execution %q already finalized", exec.ID))
	}
	return nil
}

// CreateValidation appends a trace validation verdict.
func (s *SQLite) CreateValidation(ctx context.Context, v model.TraceValidation) error {
	original, err := EncodePayload(v.OriginalValue)
	if err != nil {
		return fmt.Errorf("create validation: %w", err)
	}
	replayed, err := EncodePayload(v.ReplayValue)
	if err != nil {
		return fmt.Errorf("create validation: %w", err)
	}
	diff, err := EncodePayload(v.Difference)
	if err != nil {
		return fmt.Errorf("create validation: %w", err)
	}
	calls, err := EncodeCalls(v.ExternalCalls)
	if err != nil {
		return fmt.Errorf("create validation: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trace_validations
		(id, execution_id, trace_id, event_id, step_name, step_order, validation_type, is_valid,
		 confidence, original_value, replay_value, difference, notes, external_calls, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		v.ID,
		v.ExecutionID,
		v.TraceID,
		v.EventID,
		v.StepName,
		v.StepOrder,
		string(v.ValidationType),
		v.IsValid,
		v.Confidence,
		original,
		replayed,
		diff,
		v.Notes,
		calls,
		formatTime(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create validation: %w", err)
	}
	return nil
}

type executionColumns struct {
	config     string
	mismatches string
	summary    string
}

func encodeExecution(exec model.ReplayExecution) (executionColumns, error) {
	var cols executionColumns
	var err error
	if cols.config, err = EncodeJSON(exec.Config); err != nil {
		return cols, err
	}
	mismatches := exec.HashMismatches
	if mismatches == nil {
		mismatches = []model.HashMismatch{}
	}
	if cols.mismatches, err = EncodeJSON(mismatches); err != nil {
		return cols, err
	}
	if cols.summary, err = EncodeJSON(exec.Summary); err != nil {
		return cols, err
	}
	return cols, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
