package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/tracereplay/internal/canonical"
	"github.com/roach88/tracereplay/internal/model"
	"github.com/roach88/tracereplay/internal/steps"
)

// replayEvent replays the steps of one event in step order. The returned
// error is fatal to the run (cancellation or a failed write); anything else
// is recorded in the event summary.
func (e *Engine) replayEvent(ctx context.Context, r *run, ev model.WebhookEvent) (model.EventSummary, error) {
	summary := model.EventSummary{
		EventID:        ev.ID,
		Sequence:       ev.Sequence,
		HashMismatches: []model.HashMismatch{},
	}

	traces, err := e.store.ListTraces(ctx, ev.ID)
	if err != nil {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.Error = err.Error()
		r.logger.Warn("event skipped", "event_id", ev.ID, "error", err)
		return summary, nil
	}

	env := steps.Env{
		SkipExternalAPIs: r.cfg.SkipExternalAPIs,
		ConversationID:   r.conv,
		CorrelationID:    ev.CorrelationID,
	}
	for _, tr := range traces {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		outcome, err := e.replayStep(ctx, r, ev, tr, env)
		if err != nil {
			return summary, err
		}

		summary.TotalSteps++
		r.exec.TotalSteps++
		if outcome.reproducible {
			summary.ReproducibleSteps++
			r.reproduced++
		}
		if outcome.semantic {
			r.exec.Summary.SemanticEquivalent++
		}
		if outcome.execErr {
			r.exec.Summary.ExecutionErrors++
		}
		summary.SimulatedCalls += outcome.simulated
		r.exec.Summary.SimulatedCalls += outcome.simulated
		if outcome.mismatch != nil {
			summary.HashMismatches = append(summary.HashMismatches, *outcome.mismatch)
			r.exec.HashMismatches = append(r.exec.HashMismatches, *outcome.mismatch)
			r.exec.Summary.SeverityCounts[string(outcome.mismatch.Severity)]++
		}
	}
	return summary, nil
}

type stepOutcome struct {
	reproducible bool
	semantic     bool // hash differed but semantically equivalent
	execErr      bool
	simulated    int // external calls simulated instead of made
	mismatch     *model.HashMismatch
}

func (e *Engine) replayStep(ctx context.Context, r *run, ev model.WebhookEvent, tr model.ExecutionTrace, env steps.Env) (stepOutcome, error) {
	ctx, span := tracer.Start(ctx, "replay.step", trace.WithAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("step.name", tr.StepName),
		attribute.Int("step.order", tr.StepOrder),
	))
	defer span.End()

	base := model.TraceValidation{
		ExecutionID:   r.exec.ID,
		TraceID:       tr.ID,
		EventID:       ev.ID,
		StepName:      tr.StepName,
		StepOrder:     tr.StepOrder,
		OriginalValue: tr.Output,
	}
	mismatch := model.HashMismatch{
		EventID:      ev.ID,
		Sequence:     ev.Sequence,
		StepName:     tr.StepName,
		StepOrder:    tr.StepOrder,
		OriginalHash: tr.OutputHash,
	}

	kind, err := steps.ParseKind(tr.StepName)
	var out steps.Output
	if err == nil {
		out, err = e.execute(ctx, r, kind, tr, env)
	}
	var replayHash string
	if err == nil {
		replayHash, err = canonical.Hash(out.Value)
	}
	if err != nil {
		// The run's own context ending is not a step failure.
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return stepOutcome{}, ctx.Err()
		}
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("step execution failed",
			"event_id", ev.ID, "step", tr.StepName, "step_order", tr.StepOrder, "error", err)

		v := base
		v.ValidationType = model.ValidationExecutionError
		v.Confidence = 0.0
		v.Notes = err.Error()
		if err := e.writeValidation(ctx, v); err != nil {
			return stepOutcome{}, err
		}
		mismatch.ReplayHash = model.ExecutionErrorHash
		mismatch.Severity = model.SeverityCritical
		mismatch.Error = err.Error()
		return stepOutcome{execErr: true, mismatch: &mismatch}, nil
	}

	matched := replayHash == tr.OutputHash
	base.ExternalCalls = out.ExternalCalls
	simulated := countSimulated(out.ExternalCalls)
	span.SetAttributes(
		attribute.Bool("replay.hash_match", matched),
		attribute.Int("replay.simulated_calls", simulated),
	)

	if r.cfg.ValidateHashes {
		v := base
		v.ValidationType = model.ValidationHashMatch
		v.IsValid = matched
		v.ReplayValue = out.Value
		if matched {
			v.Confidence = 1.0
			v.Notes = "output hash reproduced"
		} else {
			v.Notes = fmt.Sprintf("expected %s, got %s", tr.OutputHash, replayHash)
		}
		if err := e.writeValidation(ctx, v); err != nil {
			return stepOutcome{}, err
		}
		if matched {
			r.logger.Debug("step reproduced", "event_id", ev.ID, "step", tr.StepName)
			return stepOutcome{reproducible: true, simulated: simulated}, nil
		}
	} else if matched {
		v := base
		v.ValidationType = model.ValidationSemanticEquivalence
		v.IsValid = true
		v.Confidence = 1.0
		v.ReplayValue = out.Value
		v.Notes = "output hash reproduced"
		if err := e.writeValidation(ctx, v); err != nil {
			return stepOutcome{}, err
		}
		return stepOutcome{reproducible: true, simulated: simulated}, nil
	}

	verdict := Equivalent(kind, tr.Output, out.Value)
	v := base
	v.ValidationType = model.ValidationSemanticEquivalence
	v.IsValid = verdict.Equivalent
	v.Confidence = verdict.Confidence
	v.ReplayValue = out.Value
	v.Difference = verdict.Divergences
	v.Notes = verdict.Notes
	if err := e.writeValidation(ctx, v); err != nil {
		return stepOutcome{}, err
	}

	// Without hash validation the semantic verdict alone decides.
	if !r.cfg.ValidateHashes && verdict.Equivalent {
		return stepOutcome{reproducible: true, semantic: true, simulated: simulated}, nil
	}

	mismatch.ReplayHash = replayHash
	mismatch.Severity = Classify(kind, verdict, false)
	mismatch.SemanticEquivalent = verdict.Equivalent
	mismatch.Difference = verdict.Divergences
	r.logger.Info("hash mismatch",
		"event_id", ev.ID,
		"step", tr.StepName,
		"severity", mismatch.Severity,
		"semantic_equivalent", verdict.Equivalent,
	)
	return stepOutcome{semantic: verdict.Equivalent, simulated: simulated, mismatch: &mismatch}, nil
}

func countSimulated(calls []model.ExternalCall) int {
	n := 0
	for _, c := range calls {
		if c.Simulated {
			n++
		}
	}
	return n
}

func (e *Engine) writeValidation(ctx context.Context, v model.TraceValidation) error {
	v.ID = e.ids.Generate()
	v.CreatedAt = e.clock.Now()
	if err := e.store.CreateValidation(ctx, v); err != nil {
		return fmt.Errorf("record %s validation for step %s: %w", v.ValidationType, v.StepName, err)
	}
	return nil
}

// execute runs the step with a deadline per attempt and retries execution
// errors and timeouts up to cfg.MaxRetries times.
func (e *Engine) execute(ctx context.Context, r *run, kind steps.Kind, tr model.ExecutionTrace, env steps.Env) (steps.Output, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			r.logger.Debug("retrying step",
				"step", tr.StepName, "attempt", attempt+1, "error", lastErr)
		}
		input, err := canonical.Clone(tr.Input)
		if err != nil {
			return steps.Output{}, model.WrapError(model.CodeExecution, err, "recorded input of %s is unreadable", tr.StepName)
		}
		out, err := e.attempt(ctx, kind, input, env, r.cfg.Timeout())
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return steps.Output{}, ctx.Err()
		}
		lastErr = err
	}
	return steps.Output{}, lastErr
}

type attemptResult struct {
	out steps.Output
	err error
}

// attempt runs one executor call under timeout. The executor runs on its own
// goroutine so that an executor ignoring its context cannot stall the run.
func (e *Engine) attempt(ctx context.Context, kind steps.Kind, input any, env steps.Env, timeout time.Duration) (steps.Output, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- attemptResult{err: model.NewError(model.CodeExecution, "step %s panicked: %v", kind, p)}
			}
		}()
		out, err := e.registry.Execute(stepCtx, kind, input, env)
		if err != nil {
			err = model.WrapError(model.CodeExecution, err, "step %s failed", kind)
		}
		done <- attemptResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			return steps.Output{}, timeoutError(kind, timeout)
		}
		return res.out, res.err
	case <-stepCtx.Done():
		if err := ctx.Err(); err != nil {
			return steps.Output{}, err
		}
		return steps.Output{}, timeoutError(kind, timeout)
	}
}

func timeoutError(kind steps.Kind, timeout time.Duration) error {
	return model.NewError(model.CodeStepTimeout, "step %s exceeded %s", kind, timeout).
		With("timeout", timeout.String())
}
