package recording

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/tracereplay/internal/canonical"
	"github.com/roach88/tracereplay/internal/model"
)

// Step is one unit of work to record.
type Step struct {
	Name          string
	Input         any
	Output        any
	ElapsedMs     int64
	ExternalCalls []model.ExternalCall

	// Error is the failure message when the step did not complete.
	Error string
}

// Session is the open event that steps are recorded into. Step orders start
// at 1 and increase per recorded step; a failed write does not consume an
// order.
//
// Thread-safety: Session is safe for concurrent use via internal mutex;
// concurrent RecordStep calls are serialized.
type Session struct {
	svc            *Service
	event          model.WebhookEvent
	conversationID string
	capture        model.CaptureConfig

	mu     sync.Mutex
	order  int
	closed bool
}

// Event returns the event this session records into.
func (s *Session) Event() model.WebhookEvent { return s.event }

// CorrelationID is the id generated for this event.
func (s *Session) CorrelationID() string { return s.event.CorrelationID }

// ConversationID of the parent recording.
func (s *Session) ConversationID() string { return s.conversationID }

// Steps returns the number of steps recorded so far.
func (s *Session) Steps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order
}

// Closed reports whether Finish has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// RecordStep hashes the step's input and output and persists it as the next
// trace of the event. Fails with model.ErrNoActiveSession after Finish.
func (s *Session) RecordStep(ctx context.Context, step Step) (model.ExecutionTrace, error) {
	ctx, span := tracer.Start(ctx, "recording.step", trace.WithAttributes(
		attribute.String("event.id", s.event.ID),
		attribute.String("correlation.id", s.event.CorrelationID),
		attribute.String("step.name", step.Name),
	))
	defer span.End()

	if strings.TrimSpace(step.Name) == "" {
		return model.ExecutionTrace{}, model.Validationf("step name is required")
	}

	inputHash, err := canonical.Hash(step.Input)
	if err != nil {
		return model.ExecutionTrace{}, model.WrapError(model.CodeValidation, err, "step %q input is not hashable", step.Name)
	}
	outputHash, err := canonical.Hash(step.Output)
	if err != nil {
		return model.ExecutionTrace{}, model.WrapError(model.CodeValidation, err, "step %q output is not hashable", step.Name)
	}

	calls := []model.ExternalCall{}
	if s.capture.CaptureExternalAPIs && len(step.ExternalCalls) > 0 {
		calls = append(calls, step.ExternalCalls...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		err := model.NewError(model.CodeNoActiveSession, "event %s is finished; step %q rejected", s.event.ID, step.Name)
		return model.ExecutionTrace{}, spanError(span, err)
	}

	tr := model.ExecutionTrace{
		ID:             s.svc.ids.Generate(),
		EventID:        s.event.ID,
		RecordingID:    s.event.RecordingID,
		CorrelationID:  s.event.CorrelationID,
		StepName:       step.Name,
		StepOrder:      s.order + 1,
		InputHash:      inputHash,
		OutputHash:     outputHash,
		Input:          step.Input,
		Output:         step.Output,
		ElapsedMs:      step.ElapsedMs,
		ExternalCalls:  calls,
		Error:          step.Error,
		IsReproducible: true,
		CreatedAt:      s.svc.clock.Now(),
	}
	if err := s.svc.store.CreateTrace(ctx, tr); err != nil {
		return model.ExecutionTrace{}, spanError(span, err)
	}
	s.order = tr.StepOrder

	s.svc.logger.Debug("step recorded",
		"event_id", tr.EventID,
		"step", tr.StepName,
		"step_order", tr.StepOrder,
		"output_hash", tr.OutputHash,
	)
	return tr, nil
}

// Finish closes the session. Further steps fail; calling Finish again is a
// no-op.
func (s *Session) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.svc.logger.Debug("event finished",
		"event_id", s.event.ID,
		"steps", s.order,
	)
}
