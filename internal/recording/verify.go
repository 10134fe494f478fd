package recording

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/tracereplay/internal/canonical"
	"github.com/roach88/tracereplay/internal/model"
)

// Corruption is one stored hash that no longer matches its payload.
type Corruption struct {
	Kind     string `json:"kind"` // event_state, trace_input or trace_output
	ID       string `json:"id"`
	Stored   string `json:"storedHash"`
	Computed string `json:"computedHash"`
}

// VerifyReport is the outcome of an integrity check.
type VerifyReport struct {
	RecordingID string                `json:"recordingId"`
	Status      model.RecordingStatus `json:"status"`
	Events      int                   `json:"events"`
	Traces      int                   `json:"traces"`
	Valid       bool                  `json:"valid"`
	Corruptions []Corruption          `json:"corruptions"`
}

// Verify recomputes the canonical hash of every stored state snapshot and
// step payload of a recording. Any mismatch marks the recording corrupted.
func (s *Service) Verify(ctx context.Context, recordingID string) (VerifyReport, error) {
	ctx, span := tracer.Start(ctx, "recording.verify",
		trace.WithAttributes(attribute.String("recording.id", recordingID)))
	defer span.End()

	rec, err := s.store.GetRecording(ctx, recordingID)
	if err != nil {
		return VerifyReport{}, spanError(span, err)
	}
	events, err := s.store.ListEvents(ctx, recordingID)
	if err != nil {
		return VerifyReport{}, spanError(span, err)
	}
	traces, err := s.store.ListRecordingTraces(ctx, recordingID)
	if err != nil {
		return VerifyReport{}, spanError(span, err)
	}

	report := VerifyReport{
		RecordingID: rec.ID,
		Status:      rec.Status,
		Events:      len(events),
		Traces:      len(traces),
		Corruptions: []Corruption{},
	}
	check := func(kind, id, stored string, payload any) {
		computed, err := canonical.Hash(payload)
		if err != nil {
			computed = ""
		}
		if computed != stored {
			report.Corruptions = append(report.Corruptions, Corruption{
				Kind: kind, ID: id, Stored: stored, Computed: computed,
			})
		}
	}
	for _, ev := range events {
		check("event_state", ev.ID, ev.StateHash, ev.State)
	}
	for _, tr := range traces {
		check("trace_input", tr.ID, tr.InputHash, tr.Input)
		check("trace_output", tr.ID, tr.OutputHash, tr.Output)
	}
	report.Valid = len(report.Corruptions) == 0

	if !report.Valid && rec.Status != model.RecordingCorrupted {
		if err := s.store.UpdateRecordingStatus(ctx, rec.ID, model.RecordingCorrupted); err != nil {
			return report, spanError(span, err)
		}
		report.Status = model.RecordingCorrupted
		s.logger.Warn("recording marked corrupted",
			"recording_id", rec.ID,
			"corruptions", len(report.Corruptions),
		)
	}
	span.SetAttributes(attribute.Bool("recording.valid", report.Valid))
	return report, nil
}
