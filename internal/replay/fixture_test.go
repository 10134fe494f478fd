package replay

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tracereplay/internal/model"
	"github.com/roach88/tracereplay/internal/recording"
	"github.com/roach88/tracereplay/internal/steps"
	"github.com/roach88/tracereplay/internal/store"
	"github.com/roach88/tracereplay/internal/testutil"
)

type fixture struct {
	store    *store.SQLite
	recorder *recording.Service
	clock    *testutil.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := testutil.NewFakeClock()
	return &fixture{
		store: st,
		recorder: recording.New(st,
			recording.WithClock(clock),
			recording.WithIDGenerator(testutil.NewSequentialGenerator("rec")),
			recording.WithLogger(discardLogger()),
		),
		clock: clock,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// record creates a recording with one event per steps slice.
func (f *fixture) record(t *testing.T, name string, events ...[]recording.Step) model.Recording {
	t.Helper()
	ctx := context.Background()
	f.clock.Advance(time.Second)
	rec, err := f.recorder.StartRecording(ctx, "C1", name, "")
	require.NoError(t, err)
	for i, stepList := range events {
		f.clock.Advance(time.Second)
		sess, err := f.recorder.RecordEvent(ctx, rec.ID, map[string]any{"text": "hi"}, map[string]any{"turn": i})
		require.NoError(t, err)
		for _, s := range stepList {
			_, err := sess.RecordStep(ctx, s)
			require.NoError(t, err)
		}
		sess.Finish()
	}
	return rec
}

func (f *fixture) engine(reg *steps.Registry, opts ...Option) *Engine {
	base := []Option{
		WithClock(f.clock),
		WithIDGenerator(testutil.NewSequentialGenerator("exec")),
		WithLogger(discardLogger()),
	}
	return New(f.store, reg, append(base, opts...)...)
}

// returning builds an executor with a fixed output.
func returning(v any) steps.Executor {
	return func(context.Context, any, steps.Env) (steps.Output, error) {
		return steps.Output{Value: v}, nil
	}
}

// echo returns its input unchanged.
func echo(_ context.Context, input any, _ steps.Env) (steps.Output, error) {
	return steps.Output{Value: input}, nil
}

func registry(overrides map[steps.Kind]steps.Executor) *steps.Registry {
	reg := steps.NewRegistry(nil, nil)
	for k, fn := range overrides {
		reg = reg.With(k, fn)
	}
	return reg
}

func metricsStep(output any) recording.Step {
	return recording.Step{Name: "metrics_calc", Input: map[string]any{"a": 1}, Output: output}
}
