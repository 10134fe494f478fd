package replay

import (
	"github.com/roach88/tracereplay/internal/model"
	"github.com/roach88/tracereplay/internal/steps"
)

// MetricsTolerance is the absolute tolerance for numeric metric fields.
const MetricsTolerance = 0.001

// majorMetricFields is the number of differing top-level metric fields above
// which a metrics mismatch is major.
const majorMetricFields = 5

// Verdict is the outcome of a semantic equivalence check.
type Verdict struct {
	Equivalent  bool
	Confidence  float64
	Divergences []Divergence
	Notes       string

	// fields is the number of distinct top-level fields that differ.
	fields int
}

// Equivalent compares a recorded and a replayed output the way kind
// requires.
func Equivalent(kind steps.Kind, original, replay any) Verdict {
	switch kind {
	case steps.KindMetricsCalc:
		c := compare(original, replay, MetricsTolerance)
		return Verdict{
			Equivalent:  len(c.divergences) == 0,
			Confidence:  c.confidence(),
			Divergences: c.divergences,
			Notes:       "numeric fields compared within 0.001",
			fields:      c.topLevelFields(),
		}
	case steps.KindDecision:
		c := compare(original, replay, 0)
		v := Verdict{
			Confidence:  c.confidence(),
			Divergences: c.divergences,
			fields:      c.topLevelFields(),
		}
		origText, okA := DecisionText(original)
		replayText, okB := DecisionText(replay)
		if okA || okB {
			v.Equivalent = okA && okB && origText == replayText
			v.Notes = "selected text compared exactly"
			return v
		}
		v.Equivalent = len(c.divergences) == 0
		v.Notes = "no selected text; compared structurally"
		return v
	default:
		c := compare(original, replay, 0)
		return Verdict{
			Equivalent:  len(c.divergences) == 0,
			Confidence:  c.confidence(),
			Divergences: c.divergences,
			Notes:       "structural comparison",
			fields:      c.topLevelFields(),
		}
	}
}

// decisionKeys are searched in order for a decision's identifying text.
var decisionKeys = []string{"text", "question", "decision", "selected"}

// DecisionText returns the identifying text of a decision output: the first
// of text, question, decision or selected that holds a string, or an object
// with a text or question string.
func DecisionText(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	for _, k := range decisionKeys {
		switch val := m[k].(type) {
		case string:
			return val, true
		case map[string]any:
			for _, inner := range []string{"text", "question"} {
				if s, ok := val[inner].(string); ok {
					return s, true
				}
			}
		}
	}
	return "", false
}

// Classify returns the severity of a mismatch for kind. execErr marks a
// step that failed to execute.
func Classify(kind steps.Kind, v Verdict, execErr bool) model.Severity {
	switch {
	case execErr:
		return model.SeverityCritical
	case kind == steps.KindDecision:
		return model.SeverityMajor
	case kind == steps.KindMetricsCalc && v.fields > majorMetricFields:
		return model.SeverityMajor
	default:
		return model.SeverityMinor
	}
}
