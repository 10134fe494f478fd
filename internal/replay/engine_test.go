package replay

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tracereplay/internal/cache"
	"github.com/roach88/tracereplay/internal/model"
	"github.com/roach88/tracereplay/internal/recording"
	"github.com/roach88/tracereplay/internal/steps"
)

func TestReplay_UnmodifiedRecordingIsReproducible(t *testing.T) {
	f := newFixture(t)
	rec := f.record(t, "R", []recording.Step{metricsStep(map[string]any{"score": 0.42})})
	eng := f.engine(registry(map[steps.Kind]steps.Executor{
		steps.KindMetricsCalc: returning(map[string]any{"score": 0.42}),
	}))
	ctx := context.Background()

	res, err := eng.Replay(ctx, rec.ID, model.DefaultReplayConfig())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, model.ReplayCompleted, res.Status)
	assert.Equal(t, 1.0, res.ReproducibilityRate)
	assert.Equal(t, 1, res.TotalSteps)
	assert.Equal(t, 1, res.ReproducibleSteps)
	assert.Empty(t, res.HashMismatches)
	require.Len(t, res.Summary.Events, 1)
	assert.Equal(t, int64(1), res.Summary.Events[0].Sequence)

	vals, err := eng.Validations(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, model.ValidationHashMatch, vals[0].ValidationType)
	assert.True(t, vals[0].IsValid)
	assert.Equal(t, 1.0, vals[0].Confidence)

	stored, err := eng.Execution(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, model.ReplayCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, 1.0, stored.ReproducibilityRate)
}

func TestReplay_PerturbedMetricsAreMinor(t *testing.T) {
	f := newFixture(t)
	rec := f.record(t, "R", []recording.Step{metricsStep(map[string]any{"score": 0.42})})
	eng := f.engine(registry(map[steps.Kind]steps.Executor{
		steps.KindMetricsCalc: returning(map[string]any{"score": 0.43}),
	}))
	ctx := context.Background()

	res, err := eng.Replay(ctx, rec.ID, model.DefaultReplayConfig())
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, model.ReplayCompleted, res.Status)
	assert.Equal(t, 0.0, res.ReproducibilityRate)
	require.Len(t, res.HashMismatches, 1)

	m := res.HashMismatches[0]
	assert.Equal(t, model.SeverityMinor, m.Severity)
	assert.False(t, m.SemanticEquivalent)
	assert.NotEqual(t, m.OriginalHash, m.ReplayHash)
	divs := m.Difference.([]Divergence)
	require.Len(t, divs, 1)
	assert.Equal(t, "score", divs[0].Path)
	assert.Equal(t, 1, res.Summary.SeverityCounts["minor"])

	vals, err := eng.Validations(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.Equal(t, model.ValidationHashMatch, vals[0].ValidationType)
	assert.False(t, vals[0].IsValid)
	assert.Equal(t, model.ValidationSemanticEquivalence, vals[1].ValidationType)
	assert.False(t, vals[1].IsValid)
}

func TestReplay_MetricsWithinToleranceStayNonReproducible(t *testing.T) {
	f := newFixture(t)
	rec := f.record(t, "R", []recording.Step{metricsStep(map[string]any{"score": 0.42})})
	eng := f.engine(registry(map[steps.Kind]steps.Executor{
		steps.KindMetricsCalc: returning(map[string]any{"score": 0.4205}),
	}))

	res, err := eng.Replay(context.Background(), rec.ID, model.DefaultReplayConfig())
	require.NoError(t, err)

	assert.Equal(t, 0, res.ReproducibleSteps)
	require.Len(t, res.HashMismatches, 1)
	assert.True(t, res.HashMismatches[0].SemanticEquivalent)
	assert.Equal(t, model.SeverityMinor, res.HashMismatches[0].Severity)
	assert.Equal(t, 1, res.Summary.SemanticEquivalent)
}

func TestReplay_SemanticOnlyWhenHashValidationOff(t *testing.T) {
	f := newFixture(t)
	rec := f.record(t, "R", []recording.Step{metricsStep(map[string]any{"score": 0.42})})
	eng := f.engine(registry(map[steps.Kind]steps.Executor{
		steps.KindMetricsCalc: returning(map[string]any{"score": 0.4205}),
	}))
	cfg := model.DefaultReplayConfig()
	cfg.ValidateHashes = false

	res, err := eng.Replay(context.Background(), rec.ID, cfg)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 1.0, res.ReproducibilityRate)
	assert.Empty(t, res.HashMismatches)
	assert.Equal(t, 1, res.Summary.SemanticEquivalent)
}

func TestReplay_DecisionMismatchIsMajor(t *testing.T) {
	f := newFixture(t)
	rec := f.record(t, "R", []recording.Step{
		{Name: "decision", Input: map[string]any{"score": 1}, Output: map[string]any{"text": "Q1", "index": 0}},
		{Name: "make_decision", Input: map[string]any{"score": 2}, Output: map[string]any{"text": "Q2", "index": 1}},
	})
	calls := 0
	eng := f.engine(registry(map[steps.Kind]steps.Executor{
		steps.KindDecision: func(context.Context, any, steps.Env) (steps.Output, error) {
			calls++
			if calls == 1 {
				return steps.Output{Value: map[string]any{"text": "Q9", "index": 0}}, nil
			}
			// Same selected text, different index.
			return steps.Output{Value: map[string]any{"text": "Q2", "index": 7}}, nil
		},
	}))

	res, err := eng.Replay(context.Background(), rec.ID, model.DefaultReplayConfig())
	require.NoError(t, err)
	require.Len(t, res.HashMismatches, 2)

	assert.Equal(t, model.SeverityMajor, res.HashMismatches[0].Severity)
	assert.False(t, res.HashMismatches[0].SemanticEquivalent)
	assert.Equal(t, model.SeverityMajor, res.HashMismatches[1].Severity)
	assert.True(t, res.HashMismatches[1].SemanticEquivalent)
	assert.Equal(t, 2, res.Summary.SeverityCounts["major"])
}

func TestReplay_WideMetricsDriftIsMajor(t *testing.T) {
	original := map[string]any{"a": 1, "b": 1, "c": 1, "d": 1, "e": 1, "f": 1}
	drifted := map[string]any{"a": 2, "b": 2, "c": 2, "d": 2, "e": 2, "f": 2}

	f := newFixture(t)
	rec := f.record(t, "R", []recording.Step{metricsStep(original)})
	eng := f.engine(registry(map[steps.Kind]steps.Executor{
		steps.KindMetricsCalc: returning(drifted),
	}))

	res, err := eng.Replay(context.Background(), rec.ID, model.DefaultReplayConfig())
	require.NoError(t, err)
	require.Len(t, res.HashMismatches, 1)
	assert.Equal(t, model.SeverityMajor, res.HashMismatches[0].Severity)
}

func TestReplay_TimeoutIsCritical(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	tests := []struct {
		name string
		exec steps.Executor
	}{
		{"honors context", func(ctx context.Context, _ any, _ steps.Env) (steps.Output, error) {
			<-ctx.Done()
			return steps.Output{}, ctx.Err()
		}},
		{"ignores context", func(context.Context, any, steps.Env) (steps.Output, error) {
			<-block
			return steps.Output{}, nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec := f.record(t, "R", []recording.Step{metricsStep(map[string]any{"score": 0.42})})
			eng := f.engine(registry(map[steps.Kind]steps.Executor{steps.KindMetricsCalc: tt.exec}))
			cfg := model.DefaultReplayConfig()
			cfg.TimeoutMs = 20
			ctx := context.Background()

			res, err := eng.Replay(ctx, rec.ID, cfg)
			require.NoError(t, err)
			assert.Equal(t, model.ReplayCompleted, res.Status)
			require.Len(t, res.HashMismatches, 1)

			m := res.HashMismatches[0]
			assert.Equal(t, model.SeverityCritical, m.Severity)
			assert.Equal(t, model.ExecutionErrorHash, m.ReplayHash)
			assert.Contains(t, m.Error, "exceeded")
			assert.Equal(t, 1, res.Summary.ExecutionErrors)

			vals, err := eng.Validations(ctx, res.ExecutionID)
			require.NoError(t, err)
			require.Len(t, vals, 1)
			assert.Equal(t, model.ValidationExecutionError, vals[0].ValidationType)
			assert.False(t, vals[0].IsValid)
			assert.Equal(t, 0.0, vals[0].Confidence)
		})
	}
}

func TestReplay_RetriesExecutionErrors(t *testing.T) {
	flaky := func() steps.Executor {
		var calls atomic.Int32
		return func(context.Context, any, steps.Env) (steps.Output, error) {
			if calls.Add(1) == 1 {
				return steps.Output{}, errors.New("transient")
			}
			return steps.Output{Value: map[string]any{"score": 0.42}}, nil
		}
	}

	for _, retries := range []int{0, 1} {
		f := newFixture(t)
		rec := f.record(t, "R", []recording.Step{metricsStep(map[string]any{"score": 0.42})})
		eng := f.engine(registry(map[steps.Kind]steps.Executor{steps.KindMetricsCalc: flaky()}))
		cfg := model.DefaultReplayConfig()
		cfg.MaxRetries = retries

		res, err := eng.Replay(context.Background(), rec.ID, cfg)
		require.NoError(t, err)
		if retries == 0 {
			assert.Equal(t, 0, res.ReproducibleSteps)
			require.Len(t, res.HashMismatches, 1)
			assert.Equal(t, model.SeverityCritical, res.HashMismatches[0].Severity)
		} else {
			assert.Equal(t, 1, res.ReproducibleSteps)
			assert.Empty(t, res.HashMismatches)
		}
	}
}

func TestReplay_PanickingExecutor(t *testing.T) {
	f := newFixture(t)
	rec := f.record(t, "R", []recording.Step{metricsStep(map[string]any{"score": 0.42})})
	eng := f.engine(registry(map[steps.Kind]steps.Executor{
		steps.KindMetricsCalc: func(context.Context, any, steps.Env) (steps.Output, error) {
			panic("boom")
		},
	}))

	res, err := eng.Replay(context.Background(), rec.ID, model.DefaultReplayConfig())
	require.NoError(t, err)
	require.Len(t, res.HashMismatches, 1)
	assert.Equal(t, model.SeverityCritical, res.HashMismatches[0].Severity)
	assert.Contains(t, res.HashMismatches[0].Error, "panicked")
}

func TestReplay_UnknownStepDoesNotAbortRun(t *testing.T) {
	f := newFixture(t)
	rec := f.record(t, "R",
		[]recording.Step{{Name: "summon_llm", Input: map[string]any{}, Output: map[string]any{"x": 1}}},
		[]recording.Step{metricsStep(map[string]any{"score": 0.42})},
	)
	eng := f.engine(registry(map[steps.Kind]steps.Executor{
		steps.KindMetricsCalc: returning(map[string]any{"score": 0.42}),
	}))

	res, err := eng.Replay(context.Background(), rec.ID, model.DefaultReplayConfig())
	require.NoError(t, err)
	assert.Equal(t, model.ReplayCompleted, res.Status)
	assert.Equal(t, 2, res.TotalSteps)
	assert.Equal(t, 1, res.ReproducibleSteps)
	assert.Equal(t, 0.5, res.ReproducibilityRate)
	require.Len(t, res.HashMismatches, 1)
	assert.Equal(t, "summon_llm", res.HashMismatches[0].StepName)
	assert.Equal(t, model.SeverityCritical, res.HashMismatches[0].Severity)
	require.Len(t, res.Summary.Events, 2)
	assert.Len(t, res.Summary.Events[0].HashMismatches, 1)
	assert.Empty(t, res.Summary.Events[1].HashMismatches)
}

func TestReplay_StrictMode(t *testing.T) {
	stepsList := make([]recording.Step, 20)
	for i := range stepsList {
		stepsList[i] = recording.Step{Name: "learning_update", Input: map[string]any{"n": i}, Output: map[string]any{"n": i}}
	}
	f := newFixture(t)
	rec := f.record(t, "R", stepsList)
	eng := f.engine(registry(map[steps.Kind]steps.Executor{
		steps.KindLearningUpdate: func(_ context.Context, input any, _ steps.Env) (steps.Output, error) {
			m := input.(map[string]any)
			if m["n"].(interface{ String() string }).String() == "7" {
				return steps.Output{Value: map[string]any{"n": 8}}, nil
			}
			return steps.Output{Value: m}, nil
		},
	}))
	ctx := context.Background()

	res, err := eng.Replay(ctx, rec.ID, model.DefaultReplayConfig())
	require.NoError(t, err)
	assert.Equal(t, 0.95, res.ReproducibilityRate)
	assert.True(t, res.Success)

	cfg := model.DefaultReplayConfig()
	cfg.StrictMode = true
	res, err = eng.Replay(ctx, rec.ID, cfg)
	require.NoError(t, err)
	assert.Equal(t, 0.95, res.ReproducibilityRate)
	assert.False(t, res.Success)
}

func TestReplay_MissingRecordingFailsRun(t *testing.T) {
	f := newFixture(t)
	eng := f.engine(steps.NewRegistry(nil, nil))
	ctx := context.Background()

	res, err := eng.Replay(ctx, "nope", model.DefaultReplayConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.Equal(t, model.ReplayFailed, res.Status)
	assert.False(t, res.Success)
	require.NotEmpty(t, res.ExecutionID)

	stored, err := eng.Execution(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, model.ReplayFailed, stored.Status)
	assert.NotEmpty(t, stored.Summary.Error)
}

func TestReplay_NoEventsFailsRun(t *testing.T) {
	f := newFixture(t)
	rec := f.record(t, "empty")
	eng := f.engine(steps.NewRegistry(nil, nil))

	res, err := eng.Replay(context.Background(), rec.ID, model.DefaultReplayConfig())
	assert.True(t, errors.Is(err, model.ErrValidation))
	assert.Equal(t, model.ReplayFailed, res.Status)
	assert.Equal(t, 0.0, res.ReproducibilityRate)
}

func TestReplay_CancellationMarksRunFailed(t *testing.T) {
	f := newFixture(t)
	rec := f.record(t, "R",
		[]recording.Step{metricsStep(map[string]any{"score": 0.42})},
		[]recording.Step{metricsStep(map[string]any{"score": 0.42})},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng := f.engine(registry(map[steps.Kind]steps.Executor{
		steps.KindMetricsCalc: func(context.Context, any, steps.Env) (steps.Output, error) {
			cancel()
			return steps.Output{Value: map[string]any{"score": 0.42}}, nil
		},
	}))

	res, err := eng.Replay(ctx, rec.ID, model.DefaultReplayConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, model.ReplayFailed, res.Status)
	assert.True(t, res.Summary.Cancelled)
	assert.Less(t, res.TotalSteps, 2)

	stored, err := eng.Execution(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, model.ReplayFailed, stored.Status, "cancelled runs are never left running")
}

func TestReplay_InvalidConfig(t *testing.T) {
	f := newFixture(t)
	rec := f.record(t, "R", []recording.Step{metricsStep(map[string]any{"score": 0.42})})
	eng := f.engine(steps.NewRegistry(nil, nil))
	ctx := context.Background()

	for _, cfg := range []model.ReplayConfig{
		{LogLevel: "loud"},
		{TimeoutMs: -1},
		{MaxRetries: MaxRetriesLimit + 1},
	} {
		_, err := eng.Replay(ctx, rec.ID, cfg)
		assert.True(t, errors.Is(err, model.ErrValidation), "%+v", cfg)
	}

	execs, err := eng.Executions(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestReplay_PerRunLogLevel(t *testing.T) {
	f := newFixture(t)
	rec := f.record(t, "R", []recording.Step{metricsStep(map[string]any{"score": 0.42})})
	var buf bytes.Buffer
	eng := f.engine(
		registry(map[steps.Kind]steps.Executor{steps.KindMetricsCalc: returning(map[string]any{"score": 0.42})}),
		WithLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))),
	)
	ctx := context.Background()

	cfg := model.DefaultReplayConfig()
	cfg.LogLevel = "error"
	_, err := eng.Replay(ctx, rec.ID, cfg)
	require.NoError(t, err)
	assert.Empty(t, buf.String())

	cfg.LogLevel = "debug"
	_, err = eng.Replay(ctx, rec.ID, cfg)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "replay started")
	assert.Contains(t, buf.String(), "step reproduced")
}

func TestReplay_RecordedPipelineIsReproducible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := steps.NewRegistry(cache.New(), nil)
	pipeline := steps.NewPipeline(f.recorder, reg, steps.WithPipelineLogger(discardLogger()))

	rec, err := f.recorder.StartRecording(ctx, "C1", "pipeline", "")
	require.NoError(t, err)
	for _, text := range []string{"hello", "Can we talk tomorrow?", "send the proposal please"} {
		_, err := pipeline.Run(ctx, rec.ID, map[string]any{"from": "u1", "text": text},
			map[string]any{"signals": map[string]any{"engagement": 3}})
		require.NoError(t, err)
	}

	res, err := f.engine(reg).Replay(ctx, rec.ID, model.DefaultReplayConfig())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 15, res.TotalSteps)
	assert.Equal(t, 1.0, res.ReproducibilityRate)
}

func TestReplay_ExecutionsListed(t *testing.T) {
	f := newFixture(t)
	rec := f.record(t, "R", []recording.Step{metricsStep(map[string]any{"score": 0.42})})
	eng := f.engine(registry(map[steps.Kind]steps.Executor{steps.KindMetricsCalc: echo}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		f.clock.Advance(time.Second)
		_, err := eng.Replay(ctx, rec.ID, model.DefaultReplayConfig())
		require.NoError(t, err)
	}
	execs, err := eng.Executions(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, execs, 2)

	_, err = eng.Validations(ctx, "missing")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

type countingSender struct{ sent atomic.Int32 }

func (*countingSender) Name() string { return "counting" }

func (s *countingSender) Send(context.Context, string, string) error {
	s.sent.Add(1)
	return nil
}

func TestReplay_ReportsExternalCalls(t *testing.T) {
	f := newFixture(t)
	rec := f.record(t, "R", []recording.Step{{
		Name:  "send_response",
		Input: map[string]any{"to": "u1", "text": "hi"},
		Output: map[string]any{
			"to": "u1", "text": "hi", "delivered": true, "characters": 2,
		},
	}})
	sender := &countingSender{}
	eng := f.engine(steps.NewRegistry(nil, sender))
	ctx := context.Background()

	res, err := eng.Replay(ctx, rec.ID, model.DefaultReplayConfig())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Summary.SimulatedCalls)
	require.Len(t, res.Summary.Events, 1)
	assert.Equal(t, 1, res.Summary.Events[0].SimulatedCalls)
	assert.Zero(t, sender.sent.Load())

	vals, err := eng.Validations(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Len(t, vals, 1)
	require.Len(t, vals[0].ExternalCalls, 1)
	assert.True(t, vals[0].ExternalCalls[0].Simulated)
	assert.Equal(t, "counting", vals[0].ExternalCalls[0].Service)

	cfg := model.DefaultReplayConfig()
	cfg.SkipExternalAPIs = false
	f.clock.Advance(time.Second)
	res, err = eng.Replay(ctx, rec.ID, cfg)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.Summary.SimulatedCalls)
	assert.Equal(t, int32(1), sender.sent.Load())

	vals, err = eng.Validations(ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Len(t, vals, 1)
	require.Len(t, vals[0].ExternalCalls, 1)
	assert.False(t, vals[0].ExternalCalls[0].Simulated)
	assert.True(t, vals[0].ExternalCalls[0].Success)
}
