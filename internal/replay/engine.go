package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/tracereplay/internal/model"
	"github.com/roach88/tracereplay/internal/steps"
	"github.com/roach88/tracereplay/internal/store"
)

const (
	// DefaultMinRate is the reproducibility rate a run must reach to succeed.
	DefaultMinRate = 0.95

	// MaxRetriesLimit caps replay config maxRetries.
	MaxRetriesLimit = 10

	// finalizeTimeout bounds the final write of a cancelled run.
	finalizeTimeout = 5 * time.Second
)

var tracer = otel.Tracer("tracereplay/replay")

// Engine replays recordings against a step registry.
//
// Thread-safety: Engine is safe for concurrent use; each run keeps its state
// on the stack.
type Engine struct {
	store    store.Store
	registry *steps.Registry
	clock    model.Clock
	ids      model.IDGenerator
	logger   *slog.Logger
	minRate  float64
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c model.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithIDGenerator(g model.IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMinRate overrides the success threshold (default 0.95).
func WithMinRate(rate float64) Option {
	return func(e *Engine) { e.minRate = rate }
}

// New creates a replay engine.
func New(st store.Store, registry *steps.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		registry: registry,
		clock:    model.SystemClock{},
		ids:      model.UUIDv7Generator{},
		logger:   slog.Default(),
		minRate:  DefaultMinRate,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ValidateConfig rejects replay configurations that cannot run.
func ValidateConfig(cfg model.ReplayConfig) error {
	if cfg.TimeoutMs < 0 {
		return model.Validationf("timeoutMs must not be negative")
	}
	if cfg.MaxRetries < 0 || cfg.MaxRetries > MaxRetriesLimit {
		return model.Validationf("maxRetries must be between 0 and %d", MaxRetriesLimit)
	}
	_, err := ParseLevel(cfg.LogLevel)
	return err
}

// run is the mutable state of one replay.
type run struct {
	exec       model.ReplayExecution
	cfg        model.ReplayConfig
	conv       string
	logger     *slog.Logger
	started    time.Time
	reproduced int
}

// Replay re-executes every recorded step of a recording.
//
// The returned result is always populated once the execution record exists,
// including on error. Setup failures (missing recording, no events) and
// storage failures finalize the run as failed and are returned as errors;
// per-step failures are data in the result. Cancelling ctx stops the run at
// the next step and finalizes it as failed with the partial summary.
func (e *Engine) Replay(ctx context.Context, recordingID string, cfg model.ReplayConfig) (model.ReplayResult, error) {
	if err := ValidateConfig(cfg); err != nil {
		return model.ReplayResult{}, err
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = model.DefaultTimeoutMs
	}
	level, _ := ParseLevel(cfg.LogLevel)

	ctx, span := tracer.Start(ctx, "replay.run",
		trace.WithAttributes(attribute.String("recording.id", recordingID)))
	defer span.End()

	r := &run{
		cfg:     cfg,
		logger:  runLogger(e.logger, level),
		started: e.clock.Now(),
	}
	r.exec = model.ReplayExecution{
		ID:             e.ids.Generate(),
		RecordingID:    recordingID,
		Status:         model.ReplayRunning,
		Config:         cfg,
		HashMismatches: []model.HashMismatch{},
		Summary:        newSummary(),
		StartedAt:      r.started,
	}
	span.SetAttributes(attribute.String("replay.execution_id", r.exec.ID))
	r.logger = r.logger.With("execution_id", r.exec.ID, "recording_id", recordingID)

	if err := e.store.CreateReplayExecution(ctx, r.exec); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return model.ReplayResult{}, fmt.Errorf("create replay execution: %w", err)
	}
	r.logger.Info("replay started",
		"skip_external_apis", cfg.SkipExternalAPIs,
		"validate_hashes", cfg.ValidateHashes,
		"strict", cfg.StrictMode,
		"timeout_ms", cfg.TimeoutMs,
		"max_retries", cfg.MaxRetries,
	)

	err := e.replayEvents(ctx, r)
	res, finErr := e.finalize(ctx, r, err)
	if finErr != nil && err == nil {
		err = finErr
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.Float64("replay.reproducibility_rate", res.ReproducibilityRate),
		attribute.Bool("replay.success", res.Success),
	)
	return res, err
}

func (e *Engine) replayEvents(ctx context.Context, r *run) error {
	rec, err := e.store.GetRecording(ctx, r.exec.RecordingID)
	if err != nil {
		return err
	}
	r.conv = rec.ConversationID

	events, err := e.store.ListEvents(ctx, rec.ID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return model.Validationf("recording %q has no events to replay", rec.ID).With("recording_id", rec.ID)
	}

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		summary, err := e.replayEvent(ctx, r, ev)
		r.exec.Summary.Events = append(r.exec.Summary.Events, summary)
		if err != nil {
			return err
		}
	}
	return nil
}

// finalize aggregates the run and writes its final state. cause is the
// error that ended the run early, if any.
func (e *Engine) finalize(ctx context.Context, r *run, cause error) (model.ReplayResult, error) {
	exec := &r.exec
	exec.ReproducibleSteps = r.reproduced
	if exec.TotalSteps > 0 {
		exec.ReproducibilityRate = float64(r.reproduced) / float64(exec.TotalSteps)
	}

	sum := &exec.Summary
	sum.ReproducibilityRate = exec.ReproducibilityRate
	sum.DurationMs = e.clock.Now().Sub(r.started).Milliseconds()

	exec.Status = model.ReplayCompleted
	if cause != nil {
		exec.Status = model.ReplayFailed
		sum.Error = cause.Error()
		sum.Cancelled = errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded)
	} else {
		sum.Success = exec.ReproducibilityRate >= e.minRate &&
			(!r.cfg.StrictMode || len(exec.HashMismatches) == 0)
	}
	now := e.clock.Now()
	exec.CompletedAt = &now

	// The caller's context may be what ended the run.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	err := e.store.FinalizeReplayExecution(writeCtx, *exec)

	logFn := r.logger.Info
	if exec.Status == model.ReplayFailed {
		logFn = r.logger.Warn
	}
	logFn("replay finished",
		"status", exec.Status,
		"success", sum.Success,
		"total_steps", exec.TotalSteps,
		"reproducible_steps", exec.ReproducibleSteps,
		"rate", exec.ReproducibilityRate,
		"mismatches", len(exec.HashMismatches),
		"duration_ms", sum.DurationMs,
	)

	if err != nil {
		return resultOf(*exec), fmt.Errorf("finalize replay execution: %w", err)
	}
	return resultOf(*exec), nil
}

func newSummary() model.ReplaySummary {
	return model.ReplaySummary{
		Events: []model.EventSummary{},
		SeverityCounts: map[string]int{
			string(model.SeverityMinor):    0,
			string(model.SeverityMajor):    0,
			string(model.SeverityCritical): 0,
		},
	}
}

func resultOf(exec model.ReplayExecution) model.ReplayResult {
	return model.ReplayResult{
		ExecutionID:         exec.ID,
		RecordingID:         exec.RecordingID,
		Status:              exec.Status,
		Success:             exec.Summary.Success,
		ReproducibilityRate: exec.ReproducibilityRate,
		TotalSteps:          exec.TotalSteps,
		ReproducibleSteps:   exec.ReproducibleSteps,
		HashMismatches:      exec.HashMismatches,
		Summary:             exec.Summary,
	}
}

// Execution returns a stored replay execution.
func (e *Engine) Execution(ctx context.Context, id string) (model.ReplayExecution, error) {
	return e.store.GetReplayExecution(ctx, id)
}

// Executions lists the replay runs of a recording, oldest first.
func (e *Engine) Executions(ctx context.Context, recordingID string) ([]model.ReplayExecution, error) {
	return e.store.ListReplayExecutions(ctx, recordingID)
}

// Validations lists the per-step verdicts of a replay execution.
func (e *Engine) Validations(ctx context.Context, executionID string) ([]model.TraceValidation, error) {
	if _, err := e.store.GetReplayExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return e.store.ListValidations(ctx, executionID)
}
