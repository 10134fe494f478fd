// Package storetest is a conformance suite every store.Store implementation
// must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tracereplay/internal/canonical"
	"github.com/roach88/tracereplay/internal/model"
	"github.com/roach88/tracereplay/internal/store"
)

// Factory returns an empty store. The suite registers no cleanup; the
// factory owns the store's lifetime.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGetRecording", testCreateAndGetRecording},
		{"DuplicateName", testDuplicateName},
		{"GetMissing", testGetMissing},
		{"ListRecordingsFilter", testListRecordingsFilter},
		{"UpdateRecordingStatus", testUpdateRecordingStatus},
		{"AppendEventSequencing", testAppendEventSequencing},
		{"AppendEventConcurrent", testAppendEventConcurrent},
		{"AppendEventRejectsInactive", testAppendEventRejectsInactive},
		{"AppendEventLimit", testAppendEventLimit},
		{"PayloadRoundTrip", testPayloadRoundTrip},
		{"TracesOrdered", testTracesOrdered},
		{"ReplayExecutionLifecycle", testReplayExecutionLifecycle},
		{"ValidationsAppendOnly", testValidationsAppendOnly},
		{"Stats", testStats},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func newRecording(id, name string) model.Recording {
	return model.Recording{
		ID:             id,
		ConversationID: "conv-" + id,
		Name:           name,
		Status:         model.RecordingActive,
		Config:         model.CaptureConfig{PIIScrubbing: true, HashValidation: true, MaxEventsPerRecording: 1000},
		CreatedAt:      base,
	}
}

func newEvent(id, recordingID string) model.WebhookEvent {
	return model.WebhookEvent{
		ID:            id,
		RecordingID:   recordingID,
		CorrelationID: "corr-" + id,
		StateHash:     canonical.MustHash(map[string]any{"stage": "new"}),
		State:         map[string]any{"stage": "new"},
		PIIStatus:     model.PIIRaw,
		RawPayload:    map[string]any{"text": "hi"},
		RecordedAt:    base.Add(time.Minute),
	}
}

func mustCreateRecording(t *testing.T, s store.Store, id string) model.Recording {
	t.Helper()
	rec := newRecording(id, "recording-"+id)
	require.NoError(t, s.CreateRecording(context.Background(), rec))
	return rec
}

func testCreateAndGetRecording(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := newRecording("r1", "checkout-flow")
	rec.Description = "baseline"
	require.NoError(t, s.CreateRecording(ctx, rec))

	got, err := s.GetRecording(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, rec.ConversationID, got.ConversationID)
	assert.Equal(t, "baseline", got.Description)
	assert.Equal(t, model.RecordingActive, got.Status)
	assert.Equal(t, rec.Config, got.Config)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.LastEventAt)

	byName, err := s.GetRecordingByName(ctx, "checkout-flow")
	require.NoError(t, err)
	assert.Equal(t, "r1", byName.ID)
}

func testDuplicateName(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateRecording(ctx, newRecording("r1", "same")))

	other := newRecording("r2", "same")
	other.ConversationID = "a-different-conversation"
	err := s.CreateRecording(ctx, other)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrDuplicateName), "got %v", err)
}

func testGetMissing(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetRecording(ctx, "nope")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	_, err = s.GetRecordingByName(ctx, "nope")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	_, err = s.GetReplayExecution(ctx, "nope")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	events, err := s.ListEvents(ctx, "nope")
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)
}

func testListRecordingsFilter(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		rec := newRecording(fmt.Sprintf("r%d", i), fmt.Sprintf("rec-%d", i))
		rec.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.CreateRecording(ctx, rec))
	}
	require.NoError(t, s.UpdateRecordingStatus(ctx, "r2", model.RecordingArchived))

	all, err := s.ListRecordings(ctx, store.RecordingFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"r1", "r2", "r3"}, []string{all[0].ID, all[1].ID, all[2].ID})

	active, err := s.ListRecordings(ctx, store.RecordingFilter{Status: model.RecordingActive})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	byConv, err := s.ListRecordings(ctx, store.RecordingFilter{ConversationID: "conv-r3"})
	require.NoError(t, err)
	require.Len(t, byConv, 1)
	assert.Equal(t, "r3", byConv[0].ID)

	limited, err := s.ListRecordings(ctx, store.RecordingFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testUpdateRecordingStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreateRecording(t, s, "r1")

	require.NoError(t, s.UpdateRecordingStatus(ctx, "r1", model.RecordingCorrupted))
	got, err := s.GetRecording(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RecordingCorrupted, got.Status)

	err = s.UpdateRecordingStatus(ctx, "missing", model.RecordingArchived)
	assert.True(t, errors.Is(err, model.ErrNotFound))

	err = s.UpdateRecordingStatus(ctx, "r1", "bogus")
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func testAppendEventSequencing(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreateRecording(t, s, "r1")

	for i := 1; i <= 3; i++ {
		ev := newEvent(fmt.Sprintf("e%d", i), "r1")
		ev.RecordedAt = base.Add(time.Duration(i) * time.Minute)
		got, err := s.AppendEvent(ctx, ev, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(i), got.Sequence)
	}

	rec, err := s.GetRecording(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.EventCount)
	require.NotNil(t, rec.LastEventAt)
	assert.True(t, base.Add(3*time.Minute).Equal(*rec.LastEventAt))

	events, err := s.ListEvents(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
		assert.Equal(t, fmt.Sprintf("e%d", i+1), ev.ID)
	}
}

func testAppendEventConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreateRecording(t, s, "r1")

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendEvent(ctx, newEvent(fmt.Sprintf("e%02d", i), "r1"), 0)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := s.ListEvents(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
}

func testAppendEventRejectsInactive(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreateRecording(t, s, "r1")
	require.NoError(t, s.UpdateRecordingStatus(ctx, "r1", model.RecordingArchived))

	_, err := s.AppendEvent(ctx, newEvent("e1", "r1"), 0)
	assert.True(t, errors.Is(err, model.ErrValidation), "got %v", err)

	_, err = s.AppendEvent(ctx, newEvent("e2", "missing"), 0)
	assert.True(t, errors.Is(err, model.ErrNotFound), "got %v", err)
}

func testAppendEventLimit(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreateRecording(t, s, "r1")

	_, err := s.AppendEvent(ctx, newEvent("e1", "r1"), 2)
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, newEvent("e2", "r1"), 2)
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, newEvent("e3", "r1"), 2)
	assert.True(t, errors.Is(err, model.ErrEventLimit), "got %v", err)

	rec, err := s.GetRecording(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.EventCount)
}

func testPayloadRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreateRecording(t, s, "r1")

	ev := newEvent("e1", "r1")
	ev.PIIStatus = model.PIIScrubbed
	ev.RawPayload = map[string]any{"phone": "+34911234567", "big": int64(9007199254740993)}
	ev.ScrubbedPayload = map[string]any{"phone": "+3**********", "big": int64(9007199254740993)}
	_, err := s.AppendEvent(ctx, ev, 0)
	require.NoError(t, err)

	events, err := s.ListEvents(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	got := events[0]

	assert.Equal(t, model.PIIScrubbed, got.PIIStatus)
	assert.Equal(t, canonical.MustHash(ev.RawPayload), canonical.MustHash(got.RawPayload))
	assert.Equal(t, canonical.MustHash(ev.ScrubbedPayload), canonical.MustHash(got.ScrubbedPayload))
	assert.Equal(t, ev.StateHash, canonical.MustHash(got.State))

	raw := got.RawPayload.(map[string]any)
	assert.Equal(t, "9007199254740993", fmt.Sprint(raw["big"]))
}

func testTracesOrdered(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreateRecording(t, s, "r1")
	for _, id := range []string{"e1", "e2"} {
		_, err := s.AppendEvent(ctx, newEvent(id, "r1"), 0)
		require.NoError(t, err)
	}

	// Insert out of order to prove reads sort.
	insert := []struct {
		id    string
		event string
		order int
	}{
		{"t-e2-1", "e2", 1},
		{"t-e1-2", "e1", 2},
		{"t-e1-1", "e1", 1},
	}
	for _, in := range insert {
		require.NoError(t, s.CreateTrace(ctx, model.ExecutionTrace{
			ID:             in.id,
			EventID:        in.event,
			RecordingID:    "r1",
			CorrelationID:  "corr-" + in.event,
			StepName:       "metrics_calc",
			StepOrder:      in.order,
			InputHash:      canonical.MustHash(map[string]any{"a": 1}),
			OutputHash:     canonical.MustHash(map[string]any{"score": 0.42}),
			Input:          map[string]any{"a": 1},
			Output:         map[string]any{"score": 0.42},
			ElapsedMs:      3,
			ExternalCalls:  []model.ExternalCall{{Service: "crm", DurationMs: 10, Success: true}},
			IsReproducible: true,
			CreatedAt:      base,
		}))
	}

	perEvent, err := s.ListTraces(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, perEvent, 2)
	assert.Equal(t, "t-e1-1", perEvent[0].ID)
	assert.Equal(t, "t-e1-2", perEvent[1].ID)

	flat, err := s.ListRecordingTraces(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, flat, 3)
	assert.Equal(t, []string{"t-e1-1", "t-e1-2", "t-e2-1"}, []string{flat[0].ID, flat[1].ID, flat[2].ID})

	tr := flat[0]
	assert.Equal(t, tr.OutputHash, canonical.MustHash(tr.Output))
	assert.Equal(t, []model.ExternalCall{{Service: "crm", DurationMs: 10, Success: true}}, tr.ExternalCalls)
	assert.True(t, tr.IsReproducible)
}

func testReplayExecutionLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()

	exec := model.ReplayExecution{
		ID:          "x1",
		RecordingID: "r-missing-is-fine",
		Status:      model.ReplayRunning,
		Config:      model.DefaultReplayConfig(),
		StartedAt:   base,
	}
	require.NoError(t, s.CreateReplayExecution(ctx, exec))

	got, err := s.GetReplayExecution(ctx, "x1")
	require.NoError(t, err)
	assert.Equal(t, model.ReplayRunning, got.Status)
	assert.Equal(t, exec.Config, got.Config)
	assert.Empty(t, got.HashMismatches)
	assert.Nil(t, got.CompletedAt)

	done := base.Add(time.Second)
	exec.Status = model.ReplayCompleted
	exec.TotalSteps = 4
	exec.ReproducibleSteps = 3
	exec.ReproducibilityRate = 0.75
	exec.HashMismatches = []model.HashMismatch{{
		EventID: "e1", Sequence: 1, StepName: "metrics_calc", StepOrder: 2,
		OriginalHash: "aaa", ReplayHash: "bbb", Severity: model.SeverityMinor,
	}}
	exec.Summary = model.ReplaySummary{Success: false, ReproducibilityRate: 0.75}
	exec.CompletedAt = &done
	require.NoError(t, s.FinalizeReplayExecution(ctx, exec))

	got, err = s.GetReplayExecution(ctx, "x1")
	require.NoError(t, err)
	assert.Equal(t, model.ReplayCompleted, got.Status)
	assert.Equal(t, 4, got.TotalSteps)
	assert.Equal(t, 3, got.ReproducibleSteps)
	assert.InDelta(t, 0.75, got.ReproducibilityRate, 1e-9)
	require.Len(t, got.HashMismatches, 1)
	assert.Equal(t, model.SeverityMinor, got.HashMismatches[0].Severity)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))

	err = s.FinalizeReplayExecution(ctx, exec)
	assert.True(t, errors.Is(err, model.ErrValidation), "second finalize must fail, got %v", err)

	missing := exec
	missing.ID = "x-missing"
	err = s.FinalizeReplayExecution(ctx, missing)
	assert.True(t, errors.Is(err, model.ErrNotFound), "got %v", err)

	list, err := s.ListReplayExecutions(ctx, "r-missing-is-fine")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testValidationsAppendOnly(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateReplayExecution(ctx, model.ReplayExecution{
		ID: "x1", RecordingID: "r1", Status: model.ReplayRunning, StartedAt: base,
	}))

	kinds := []model.ValidationType{
		model.ValidationHashMatch,
		model.ValidationSemanticEquivalence,
		model.ValidationExecutionError,
	}
	for i, kind := range kinds {
		var calls []model.ExternalCall
		if i == 0 {
			calls = []model.ExternalCall{{Service: "log", Success: true, Simulated: true}}
		}
		require.NoError(t, s.CreateValidation(ctx, model.TraceValidation{
			ID:             fmt.Sprintf("v%d", i),
			ExecutionID:    "x1",
			TraceID:        "t1",
			EventID:        "e1",
			StepName:       "metrics_calc",
			StepOrder:      1,
			ValidationType: kind,
			IsValid:        i == 0,
			Confidence:     1.0 - float64(i)*0.5,
			OriginalValue:  map[string]any{"score": 0.42},
			ReplayValue:    map[string]any{"score": 0.43},
			Difference:     map[string]any{"score": map[string]any{"original": 0.42, "replay": 0.43}},
			Notes:          "note",
			CreatedAt:      base,
			ExternalCalls:  calls,
		}))
	}

	got, err := s.ListValidations(ctx, "x1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, v := range got {
		assert.Equal(t, kinds[i], v.ValidationType)
	}
	assert.True(t, got[0].IsValid)
	assert.False(t, got[1].IsValid)
	assert.InDelta(t, 0.5, got[1].Confidence, 1e-9)
	assert.Equal(t, canonical.MustHash(map[string]any{"score": 0.43}), canonical.MustHash(got[0].ReplayValue))
	assert.Equal(t, []model.ExternalCall{{Service: "log", Success: true, Simulated: true}}, got[0].ExternalCalls)
	assert.Equal(t, []model.ExternalCall{}, got[1].ExternalCalls)
}

func testStats(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreateRecording(t, s, "r1")
	_, err := s.AppendEvent(ctx, newEvent("e1", "r1"), 0)
	require.NoError(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.Stats{Recordings: 1, Events: 1}, st)

	require.NoError(t, s.Ping(ctx))
}
