package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tracereplay/internal/canonical"
	"github.com/roach88/tracereplay/internal/model"
	"github.com/roach88/tracereplay/internal/testutil"
)

// newTestCache returns a cache with a fake clock and a counting "double"
// operation.
func newTestCache(t *testing.T, opts ...Option) (*Cache, *testutil.FakeClock, *atomic.Int64) {
	t.Helper()
	clock := testutil.NewFakeClock()
	c := New(append([]Option{WithClock(clock)}, opts...)...)

	calls := &atomic.Int64{}
	c.Register("double", func(_ context.Context, inputs any) (any, error) {
		calls.Add(1)
		m, ok := inputs.(map[string]any)
		if !ok {
			return nil, errors.New("inputs must be an object")
		}
		n, ok := canonical.Float(m["n"])
		if !ok {
			return nil, errors.New("n must be a number")
		}
		return map[string]any{"value": n * 2}, nil
	})
	return c, clock, calls
}

func TestCompute_Idempotent(t *testing.T) {
	c, _, calls := newTestCache(t)
	ctx := context.Background()

	first, err := c.Compute(ctx, "double", map[string]any{"n": 21}, Scope{ConversationID: "c1"})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := c.Compute(ctx, "double", map[string]any{"n": 21}, Scope{ConversationID: "c1"})
	require.NoError(t, err)
	assert.True(t, second.Cached)

	assert.Equal(t, canonical.MustHash(first.Value), canonical.MustHash(second.Value))
	assert.Equal(t, int64(1), calls.Load())
}

func TestCompute_IgnoresRequestScopedKeys(t *testing.T) {
	c, _, calls := newTestCache(t)
	ctx := context.Background()

	_, err := c.Compute(ctx, "double", map[string]any{"n": 1, "traceId": "t-1", "requestId": "r-1", "timestamp": 1}, Scope{})
	require.NoError(t, err)
	res, err := c.Compute(ctx, "double", map[string]any{"n": 1, "traceId": "t-2", "requestId": "r-2", "timestamp": 2}, Scope{})
	require.NoError(t, err)

	assert.True(t, res.Cached)
	assert.Equal(t, int64(1), calls.Load())
}

func TestCompute_DistinctOperationsDistinctKeys(t *testing.T) {
	k1, err := Key("double", map[string]any{"n": 1})
	require.NoError(t, err)
	k2, err := Key("triple", map[string]any{"n": 1})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
}

func TestCompute_ReturnsDeepCopies(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	first, err := c.Compute(ctx, "double", map[string]any{"n": 2}, Scope{})
	require.NoError(t, err)
	first.Value.(map[string]any)["value"] = "tampered"

	second, err := c.Compute(ctx, "double", map[string]any{"n": 2}, Scope{})
	require.NoError(t, err)
	require.True(t, second.Cached)
	assert.Equal(t, "4", fmt.Sprint(second.Value.(map[string]any)["value"]))
}

func TestCompute_UnknownOperation(t *testing.T) {
	c, _, _ := newTestCache(t)

	_, err := c.Compute(context.Background(), "nope", map[string]any{}, Scope{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrUnknownOperation))
}

func TestCompute_FailuresAreNotCached(t *testing.T) {
	c, _, _ := newTestCache(t)
	cause := errors.New("upstream exploded")
	var calls int
	c.Register("flaky", func(_ context.Context, _ any) (any, error) {
		calls++
		if calls == 1 {
			return nil, cause
		}
		return map[string]any{"ok": true}, nil
	})
	ctx := context.Background()

	_, err := c.Compute(ctx, "flaky", map[string]any{"x": 1}, Scope{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrComputationFailed))
	assert.True(t, errors.Is(err, cause))

	res, err := c.Compute(ctx, "flaky", map[string]any{"x": 1}, Scope{})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, 2, calls)
}

func TestCompute_TTL(t *testing.T) {
	c, clock, calls := newTestCache(t)
	ctx := context.Background()
	in := map[string]any{"n": 5}

	_, err := c.Compute(ctx, "double", in, Scope{})
	require.NoError(t, err)

	clock.Advance(23*time.Hour + 59*time.Minute)
	res, err := c.Compute(ctx, "double", in, Scope{})
	require.NoError(t, err)
	assert.True(t, res.Cached, "entry is still live just before 24h")

	clock.Advance(time.Minute)
	res, err = c.Compute(ctx, "double", in, Scope{})
	require.NoError(t, err)
	assert.True(t, res.Cached, "entry exactly 24h old is still live")

	clock.Advance(time.Nanosecond)
	res, err = c.Compute(ctx, "double", in, Scope{})
	require.NoError(t, err)
	assert.False(t, res.Cached, "entry aged past 24h must be absent")
	assert.Equal(t, int64(2), calls.Load())
}

func TestCompute_CustomTTL(t *testing.T) {
	c, clock, _ := newTestCache(t, WithTTL(time.Minute))
	ctx := context.Background()

	_, err := c.Compute(ctx, "double", map[string]any{"n": 1}, Scope{})
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	res, err := c.Compute(ctx, "double", map[string]any{"n": 1}, Scope{})
	require.NoError(t, err)
	assert.False(t, res.Cached)
}

func TestCompute_EvictionBound(t *testing.T) {
	const maxSize = 10
	c, clock, _ := newTestCache(t, WithMaxSize(maxSize))
	ctx := context.Background()

	for i := 0; i < 3*maxSize; i++ {
		clock.Advance(time.Second)
		_, err := c.Compute(ctx, "double", map[string]any{"n": i}, Scope{})
		require.NoError(t, err)

		size, err := c.backend.Len(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, size, maxSize, "after insert %d", i)
	}
}

func TestCompute_EvictsLeastRecentlyAccessed(t *testing.T) {
	c, clock, _ := newTestCache(t, WithMaxSize(5))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		_, err := c.Compute(ctx, "double", map[string]any{"n": i}, Scope{})
		require.NoError(t, err)
	}

	// Touch n=0 so n=1 becomes the least recently accessed.
	clock.Advance(time.Second)
	res, err := c.Compute(ctx, "double", map[string]any{"n": 0}, Scope{})
	require.NoError(t, err)
	require.True(t, res.Cached)

	clock.Advance(time.Second)
	_, err = c.Compute(ctx, "double", map[string]any{"n": 99}, Scope{})
	require.NoError(t, err)

	key0, _ := Key("double", map[string]any{"n": 0})
	key1, _ := Key("double", map[string]any{"n": 1})

	_, ok, err := c.backend.Get(ctx, key0)
	require.NoError(t, err)
	assert.True(t, ok, "recently touched entry survives")

	_, ok, err = c.backend.Get(ctx, key1)
	require.NoError(t, err)
	assert.False(t, ok, "least recently accessed entry is evicted")
}

func TestStats_HitRate(t *testing.T) {
	c, _, _ := newTestCache(t, WithMaxSize(50))
	ctx := context.Background()

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Size)
	assert.Equal(t, 0.0, st.HitRate)
	assert.NotNil(t, st.Entries)

	for _, n := range []int{1, 1, 2} {
		_, err := c.Compute(ctx, "double", map[string]any{"n": n}, Scope{})
		require.NoError(t, err)
	}

	st, err = c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, 50, st.MaxSize)
	assert.Equal(t, "memory", st.Backend)
	assert.InDelta(t, 1.0/3.0, st.HitRate, 1e-9)
	assert.Len(t, st.Entries, 2)
}

func TestInvalidateConversation(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	for i, conv := range []string{"A", "A", "B"} {
		_, err := c.Compute(ctx, "double", map[string]any{"n": i}, Scope{ConversationID: conv})
		require.NoError(t, err)
	}

	removed, err := c.InvalidateConversation(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, st.Entries, 1)
	assert.Equal(t, "B", st.Entries[0].ConversationID)

	removed, err = c.InvalidateConversation(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	_, err = c.InvalidateConversation(ctx, "")
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestClear(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Compute(ctx, "double", map[string]any{"n": 1}, Scope{})
	require.NoError(t, err)
	require.NoError(t, c.Clear(ctx))

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Size)
	assert.NoError(t, c.Ping(ctx))
}

func TestOperations_Sorted(t *testing.T) {
	c, _, _ := newTestCache(t)
	c.Register("alpha", func(context.Context, any) (any, error) { return nil, nil })
	assert.Equal(t, []string{"alpha", "double"}, c.Operations())
}
