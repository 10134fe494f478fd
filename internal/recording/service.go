package recording

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/tracereplay/internal/archive"
	"github.com/roach88/tracereplay/internal/canonical"
	"github.com/roach88/tracereplay/internal/model"
	"github.com/roach88/tracereplay/internal/pii"
	"github.com/roach88/tracereplay/internal/store"
)

// DefaultMaxEvents caps events per recording when no capture config is given.
const DefaultMaxEvents = 1000

// DefaultCaptureConfig enables every capture feature.
func DefaultCaptureConfig() model.CaptureConfig {
	return model.CaptureConfig{
		PIIScrubbing:          true,
		HashValidation:        true,
		CaptureExternalAPIs:   true,
		MaxEventsPerRecording: DefaultMaxEvents,
	}
}

var tracer = otel.Tracer("tracereplay/recording")

// Service records events and steps into a store.
//
// Thread-safety: Service holds no per-session state and is safe for
// concurrent use.
type Service struct {
	store    store.Store
	clock    model.Clock
	ids      model.IDGenerator
	logger   *slog.Logger
	scrubber *pii.Scrubber
	archive  archive.Store
	enabled  bool
	capture  model.CaptureConfig
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock used for timestamps.
func WithClock(c model.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithIDGenerator overrides record and correlation id generation.
func WithIDGenerator(g model.IDGenerator) Option {
	return func(s *Service) { s.ids = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithScrubber(p *pii.Scrubber) Option {
	return func(s *Service) { s.scrubber = p }
}

// WithArchive sets the object store bundles are exported to by Archive.
func WithArchive(a archive.Store) Option {
	return func(s *Service) { s.archive = a }
}

// WithEnabled turns recording on or off. A disabled service rejects new
// recordings and events with model.ErrRecordingDisabled.
func WithEnabled(enabled bool) Option {
	return func(s *Service) { s.enabled = enabled }
}

// WithCaptureConfig sets the capture settings snapshotted into each new
// recording.
func WithCaptureConfig(c model.CaptureConfig) Option {
	return func(s *Service) { s.capture = c }
}

// New creates a recording service over st.
func New(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:    st,
		clock:    model.SystemClock{},
		ids:      model.UUIDv7Generator{},
		logger:   slog.Default(),
		scrubber: pii.New(),
		archive:  archive.NoopStore{},
		enabled:  true,
		capture:  DefaultCaptureConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled reports whether new recordings and events are accepted.
func (s *Service) Enabled() bool { return s.enabled }

// CaptureConfig returns the settings applied to new recordings.
func (s *Service) CaptureConfig() model.CaptureConfig { return s.capture }

// StartRecording creates an active recording. Names are unique across all
// conversations; reuse fails with model.ErrDuplicateName.
func (s *Service) StartRecording(ctx context.Context, conversationID, name, description string) (model.Recording, error) {
	ctx, span := tracer.Start(ctx, "recording.start")
	defer span.End()

	if !s.enabled {
		return model.Recording{}, model.NewError(model.CodeRecordingDisabled, "recording is disabled")
	}
	conversationID = strings.TrimSpace(conversationID)
	name = strings.TrimSpace(name)
	if conversationID == "" {
		return model.Recording{}, model.Validationf("conversationId is required")
	}
	if name == "" {
		return model.Recording{}, model.Validationf("recordingName is required")
	}

	rec := model.Recording{
		ID:             s.ids.Generate(),
		ConversationID: conversationID,
		Name:           name,
		Description:    description,
		Status:         model.RecordingActive,
		Config:         s.capture,
		CreatedAt:      s.clock.Now(),
	}
	span.SetAttributes(
		attribute.String("recording.id", rec.ID),
		attribute.String("conversation.id", conversationID),
	)

	if err := s.store.CreateRecording(ctx, rec); err != nil {
		return model.Recording{}, spanError(span, err)
	}

	s.logger.Info("recording started",
		"recording_id", rec.ID,
		"conversation_id", conversationID,
		"name", name,
	)
	return rec, nil
}

// RecordEvent appends an event to an active recording and opens a Session
// for its steps. The state snapshot is hashed canonically; when the
// recording was started with PII scrubbing, a scrubbed copy of rawPayload is
// stored next to the raw one.
func (s *Service) RecordEvent(ctx context.Context, recordingID string, rawPayload, state any) (*Session, error) {
	ctx, span := tracer.Start(ctx, "recording.event",
		trace.WithAttributes(attribute.String("recording.id", recordingID)))
	defer span.End()

	if !s.enabled {
		return nil, model.NewError(model.CodeRecordingDisabled, "recording is disabled")
	}

	rec, err := s.store.GetRecording(ctx, recordingID)
	if err != nil {
		return nil, spanError(span, err)
	}

	stateHash, err := canonical.Hash(state)
	if err != nil {
		return nil, model.WrapError(model.CodeValidation, err, "state is not hashable")
	}

	ev := model.WebhookEvent{
		ID:            s.ids.Generate(),
		RecordingID:   rec.ID,
		CorrelationID: s.ids.Generate(),
		StateHash:     stateHash,
		State:         state,
		PIIStatus:     model.PIIRaw,
		RawPayload:    rawPayload,
		RecordedAt:    s.clock.Now(),
	}
	if rec.Config.PIIScrubbing && rawPayload != nil {
		scrubbed, err := s.scrubber.Scrub(rawPayload)
		if err != nil {
			return nil, model.WrapError(model.CodeValidation, err, "payload is not scrubbable")
		}
		ev.ScrubbedPayload = scrubbed
		ev.PIIStatus = model.PIIScrubbed
	}

	ev, err = s.store.AppendEvent(ctx, ev, rec.Config.MaxEventsPerRecording)
	if err != nil {
		return nil, spanError(span, err)
	}

	span.SetAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("correlation.id", ev.CorrelationID),
		attribute.Int64("event.sequence", ev.Sequence),
	)
	s.logger.Info("event recorded",
		"recording_id", rec.ID,
		"event_id", ev.ID,
		"sequence", ev.Sequence,
		"correlation_id", ev.CorrelationID,
		"pii_status", ev.PIIStatus,
	)

	return &Session{
		svc:            s,
		event:          ev,
		conversationID: rec.ConversationID,
		capture:        rec.Config,
	}, nil
}

// RecordStep records a step into sess. A nil session fails with
// model.ErrNoActiveSession.
func (s *Service) RecordStep(ctx context.Context, sess *Session, step Step) (model.ExecutionTrace, error) {
	if sess == nil {
		return model.ExecutionTrace{}, model.NewError(model.CodeNoActiveSession, "no open event for step %q", step.Name)
	}
	return sess.RecordStep(ctx, step)
}

// FinishRecording closes sess. Closing a nil or closed session is a no-op.
func (s *Service) FinishRecording(sess *Session) {
	if sess == nil {
		return
	}
	sess.Finish()
}

// Get returns a recording by id.
func (s *Service) Get(ctx context.Context, id string) (model.Recording, error) {
	return s.store.GetRecording(ctx, id)
}

// List returns recordings matching filter in creation order.
func (s *Service) List(ctx context.Context, filter store.RecordingFilter) ([]model.Recording, error) {
	if filter.Status != "" && !model.ValidRecordingStatuses[filter.Status] {
		return nil, model.Validationf("invalid status %q", filter.Status).With("status", string(filter.Status))
	}
	return s.store.ListRecordings(ctx, filter)
}

// Events returns a recording's events in sequence order.
func (s *Service) Events(ctx context.Context, recordingID string) ([]model.WebhookEvent, error) {
	if _, err := s.store.GetRecording(ctx, recordingID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, recordingID)
}

// Traces returns every trace of a recording, ordered by event sequence then
// step order.
func (s *Service) Traces(ctx context.Context, recordingID string) ([]model.ExecutionTrace, error) {
	if _, err := s.store.GetRecording(ctx, recordingID); err != nil {
		return nil, err
	}
	return s.store.ListRecordingTraces(ctx, recordingID)
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// isNotConfigured reports whether err means no archive store is set up.
func isNotConfigured(err error) bool {
	return errors.Is(err, archive.ErrNotConfigured)
}
