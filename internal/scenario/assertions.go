package scenario

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/roach88/tracereplay/internal/canonical"
	"github.com/roach88/tracereplay/internal/model"
)

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
)

// Assertion checks the traces an imported scenario produced.
type Assertion struct {
	// Type is one of trace_contains, trace_order or trace_count.
	Type string `yaml:"type"`

	// Step is the recorded step name (trace_contains, trace_count).
	Step string `yaml:"step,omitempty"`

	// Input and Output are subset matches against the recorded payloads
	// (trace_contains).
	Input  map[string]any `yaml:"input,omitempty"`
	Output map[string]any `yaml:"output,omitempty"`

	// Count is the exact number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Steps must appear in this order, not necessarily adjacent
	// (trace_order).
	Steps []string `yaml:"steps,omitempty"`
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Traces   []model.ExecutionTrace
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Traces) > 0 {
		fmt.Fprintf(&buf, "\nRecorded steps:\n")
		for i, tr := range e.Traces {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, tr.StepName)
		}
	}
	return buf.String()
}

// Check evaluates every assertion against traces, which must be in
// recording order. It returns one error per failed assertion.
func Check(traces []model.ExecutionTrace, assertions []Assertion) []error {
	var failures []error
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(traces, a)
		case AssertTraceOrder:
			err = assertTraceOrder(traces, a)
		case AssertTraceCount:
			err = assertTraceCount(traces, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, err)
		}
	}
	return failures
}

func assertTraceContains(traces []model.ExecutionTrace, a Assertion) error {
	for _, tr := range traces {
		if tr.StepName == a.Step && subset(tr.Input, a.Input) && subset(tr.Output, a.Output) {
			return nil
		}
	}
	expected := "step " + a.Step
	if len(a.Input) > 0 {
		expected += fmt.Sprintf(" with input %v", a.Input)
	}
	if len(a.Output) > 0 {
		expected += fmt.Sprintf(" with output %v", a.Output)
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in traces",
		Traces:   traces,
	}
}

func assertTraceOrder(traces []model.ExecutionTrace, a Assertion) error {
	// First occurrence of each step, 1-indexed; 0 means absent.
	positions := make(map[string]int, len(a.Steps))
	for i, tr := range traces {
		if _, seen := positions[tr.StepName]; !seen {
			positions[tr.StepName] = i + 1
		}
	}

	for _, step := range a.Steps {
		if positions[step] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all steps present: %v", a.Steps),
				Actual:   "missing step: " + step,
				Traces:   traces,
			}
		}
	}
	for i := 1; i < len(a.Steps); i++ {
		prev, curr := a.Steps[i-1], a.Steps[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("steps in order: %v", a.Steps),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Traces: traces,
			}
		}
	}
	return nil
}

func assertTraceCount(traces []model.ExecutionTrace, a Assertion) error {
	count := 0
	for _, tr := range traces {
		if tr.StepName == a.Step {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Step),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Traces:   traces,
		}
	}
	return nil
}

// subset reports whether every key of expected is present in actual with a
// canonically equal value. Extra keys in actual are allowed.
func subset(actual any, expected map[string]any) bool {
	if len(expected) == 0 {
		return true
	}
	m, ok := actual.(map[string]any)
	if !ok {
		return false
	}
	for k, want := range expected {
		got, ok := m[k]
		if !ok || !canonicalEqual(got, want) {
			return false
		}
	}
	return true
}

func canonicalEqual(a, b any) bool {
	ab, err := canonical.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := canonical.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: step is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Steps) == 0 {
			return fmt.Errorf("assertions[%d]: steps list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: step is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
