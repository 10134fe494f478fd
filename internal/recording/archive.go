package recording

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/tracereplay/internal/archive"
	"github.com/roach88/tracereplay/internal/model"
)

// ArchiveResult describes an Archive call.
type ArchiveResult struct {
	RecordingID string `json:"recordingId"`
	Key         string `json:"key,omitempty"`
	Store       string `json:"store"`
	Bytes       int    `json:"bytes"`

	// Exported is false when no archive store is configured; the recording
	// is then archived in place only.
	Exported bool `json:"exported"`
}

// Archive exports a recording bundle to the archive store and sets the
// recording's status to archived. The status only changes after a
// successful export. Corrupted recordings cannot be archived.
func (s *Service) Archive(ctx context.Context, recordingID string) (ArchiveResult, error) {
	ctx, span := tracer.Start(ctx, "recording.archive",
		trace.WithAttributes(attribute.String("recording.id", recordingID)))
	defer span.End()

	rec, err := s.store.GetRecording(ctx, recordingID)
	if err != nil {
		return ArchiveResult{}, spanError(span, err)
	}
	if rec.Status == model.RecordingCorrupted {
		return ArchiveResult{}, spanError(span,
			model.Validationf("recording %q is corrupted and cannot be archived", rec.ID))
	}

	events, err := s.store.ListEvents(ctx, rec.ID)
	if err != nil {
		return ArchiveResult{}, spanError(span, err)
	}
	traces, err := s.store.ListRecordingTraces(ctx, rec.ID)
	if err != nil {
		return ArchiveResult{}, spanError(span, err)
	}

	rec.Status = model.RecordingArchived
	body, err := archive.Encode(archive.Bundle{
		Version:    archive.BundleVersion,
		Recording:  rec,
		Events:     events,
		Traces:     traces,
		ExportedAt: s.clock.Now(),
	})
	if err != nil {
		return ArchiveResult{}, spanError(span, err)
	}

	res := ArchiveResult{
		RecordingID: rec.ID,
		Store:       s.archive.Name(),
	}
	key := archive.Key(rec.ID)
	switch err := s.archive.Put(ctx, key, body); {
	case err == nil:
		res.Key = key
		res.Bytes = len(body)
		res.Exported = true
	case isNotConfigured(err):
		s.logger.Warn("archive store not configured; archiving in place", "recording_id", rec.ID)
	default:
		return ArchiveResult{}, spanError(span, err)
	}

	if err := s.store.UpdateRecordingStatus(ctx, rec.ID, model.RecordingArchived); err != nil {
		return res, spanError(span, err)
	}

	s.logger.Info("recording archived",
		"recording_id", rec.ID,
		"exported", res.Exported,
		"key", res.Key,
		"bytes", res.Bytes,
	)
	return res, nil
}
