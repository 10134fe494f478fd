package replay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tracereplay/internal/model"
	"github.com/roach88/tracereplay/internal/steps"
)

func TestEquivalent_MetricsTolerance(t *testing.T) {
	tests := []struct {
		name     string
		replay   any
		expected bool
	}{
		{"identical", map[string]any{"score": 0.42}, true},
		{"within tolerance", map[string]any{"score": 0.4209}, true},
		{"outside tolerance", map[string]any{"score": 0.43}, false},
		{"stored number", map[string]any{"score": json.Number("0.42")}, true},
		{"missing field", map[string]any{}, false},
		{"type changed", map[string]any{"score": "0.42"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Equivalent(steps.KindMetricsCalc, map[string]any{"score": 0.42}, tt.replay)
			assert.Equal(t, tt.expected, v.Equivalent)
		})
	}
}

func TestEquivalent_DecisionComparesSelectedText(t *testing.T) {
	original := map[string]any{"text": "Shall we meet?", "index": 1}

	v := Equivalent(steps.KindDecision, original, map[string]any{"text": "Shall we meet?", "index": 2})
	assert.True(t, v.Equivalent)
	assert.Less(t, v.Confidence, 1.0)

	v = Equivalent(steps.KindDecision, original, map[string]any{"text": "Something else", "index": 1})
	assert.False(t, v.Equivalent)

	v = Equivalent(steps.KindDecision, original, map[string]any{"index": 1})
	assert.False(t, v.Equivalent, "text lost on replay")

	v = Equivalent(steps.KindDecision, map[string]any{"choice": 1}, map[string]any{"choice": 1})
	assert.True(t, v.Equivalent, "structural fallback without text")
}

func TestEquivalent_StructuralIgnoresVolatileFields(t *testing.T) {
	a := map[string]any{"weights": map[string]any{"x": 1}, "timestamp": 1, "traceId": "t1"}
	b := map[string]any{"weights": map[string]any{"x": 1}, "timestamp": 2, "traceId": "t2"}

	v := Equivalent(steps.KindLearningUpdate, a, b)
	assert.True(t, v.Equivalent)
	assert.Equal(t, 1.0, v.Confidence)
}

func TestDecisionText(t *testing.T) {
	tests := []struct {
		name  string
		value any
		text  string
		ok    bool
	}{
		{"text", map[string]any{"text": "a", "question": "b"}, "a", true},
		{"question", map[string]any{"question": "b"}, "b", true},
		{"decision", map[string]any{"decision": "c"}, "c", true},
		{"nested selected", map[string]any{"selected": map[string]any{"question": "d"}}, "d", true},
		{"nested text wins", map[string]any{"decision": map[string]any{"text": "e", "question": "f"}}, "e", true},
		{"none", map[string]any{"index": 1}, "", false},
		{"not an object", "x", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, ok := DecisionText(tt.value)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.text, text)
		})
	}
}

func TestClassify(t *testing.T) {
	wide := Equivalent(steps.KindMetricsCalc,
		map[string]any{"a": 1, "b": 1, "c": 1, "d": 1, "e": 1, "f": 1},
		map[string]any{"a": 2, "b": 2, "c": 2, "d": 2, "e": 2, "f": 2})
	narrow := Equivalent(steps.KindMetricsCalc,
		map[string]any{"a": 1, "b": 1, "c": 1, "d": 1, "e": 1, "f": 1},
		map[string]any{"a": 2, "b": 2, "c": 2, "d": 2, "e": 2, "f": 1})

	assert.Equal(t, model.SeverityCritical, Classify(steps.KindMetricsCalc, narrow, true))
	assert.Equal(t, model.SeverityMajor, Classify(steps.KindDecision, Verdict{}, false))
	assert.Equal(t, model.SeverityMajor, Classify(steps.KindMetricsCalc, wide, false))
	assert.Equal(t, model.SeverityMinor, Classify(steps.KindMetricsCalc, narrow, false))
	assert.Equal(t, model.SeverityMinor, Classify(steps.KindSendResponse, Verdict{fields: 9}, false))
}

func TestCompare_Paths(t *testing.T) {
	c := compare(
		map[string]any{"a": map[string]any{"b": []any{1, 2, 3}}, "gone": true},
		map[string]any{"a": map[string]any{"b": []any{1, 5}}, "new": "x"},
		0,
	)

	byPath := map[string]DivergenceType{}
	for _, d := range c.divergences {
		byPath[d.Path] = d.Type
	}
	assert.Equal(t, map[string]DivergenceType{
		"a.b":    DivergenceLength,
		"a.b[1]": DivergenceValue,
		"gone":   DivergenceMissing,
		"new":    DivergenceExtra,
	}, byPath)
	assert.Equal(t, 3, c.topLevelFields())
	// Leaves: b[0], b[1], unpaired b[2], gone, new.
	assert.InDelta(t, 1.0/5.0, c.confidence(), 1e-9)
}

func TestCompare_RootScalars(t *testing.T) {
	c := compare("x", 1, 0)
	require.Len(t, c.divergences, 1)
	assert.Equal(t, "$", c.divergences[0].Path)
	assert.Equal(t, DivergenceTypeMismatch, c.divergences[0].Type)

	c = compare(nil, nil, 0)
	assert.Empty(t, c.divergences)
	assert.Equal(t, 1.0, c.confidence())
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("trace")
	assert.True(t, errors.Is(err, model.ErrValidation))
}
