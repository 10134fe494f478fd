package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_UnwrapsToSentinel(t *testing.T) {
	err := NotFoundError("recording", "rec-1")

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrValidation))
	assert.Equal(t, "recording", err.Details["kind"])
	assert.Equal(t, "rec-1", err.Details["id"])
}

func TestError_UnwrapsToCause(t *testing.T) {
	cause := errors.New("disk on fire")
	err := WrapError(CodeComputationFailed, cause, "operation %q", "metrics")

	assert.True(t, errors.Is(err, ErrComputationFailed))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Contains(t, err.Error(), "COMPUTATION_FAILED")
}

func TestError_SurvivesFmtWrap(t *testing.T) {
	err := fmt.Errorf("start recording: %w", DuplicateNameError("demo"))

	assert.True(t, errors.Is(err, ErrDuplicateName))
	assert.Equal(t, CodeDuplicateName, CodeOf(err))
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"structured", Validationf("bad"), CodeValidation},
		{"bare sentinel", ErrNoActiveSession, CodeNoActiveSession},
		{"wrapped sentinel", fmt.Errorf("x: %w", ErrEventLimit), CodeEventLimit},
		{"foreign", errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestReplayConfig_Timeout(t *testing.T) {
	assert.Equal(t, int64(30000), ReplayConfig{}.Timeout().Milliseconds())
	assert.Equal(t, int64(250), ReplayConfig{TimeoutMs: 250}.Timeout().Milliseconds())
	assert.True(t, DefaultReplayConfig().ValidateHashes)
}

func TestUUIDv7Generator_Unique(t *testing.T) {
	g := UUIDv7Generator{}
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := g.Generate()
		assert.Len(t, id, 36)
		assert.False(t, seen[id])
		seen[id] = true
	}
}
