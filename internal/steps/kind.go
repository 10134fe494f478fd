// Package steps defines the closed set of pipeline step kinds, their
// deterministic executors, and the reference pipeline that runs them under a
// recording session.
//
// Replay dispatches on Kind, never on free-form step names: a recorded name
// is parsed once with ParseKind and an unrecognized name is an error.
package steps

import (
	"strings"

	"github.com/roach88/tracereplay/internal/model"
)

// Kind identifies a step executor.
type Kind uint8

const (
	KindParseInput Kind = iota + 1
	KindMetricsCalc
	KindDecision
	KindSendResponse
	KindLearningUpdate
)

// Kinds lists every step kind in pipeline order.
var Kinds = []Kind{
	KindParseInput,
	KindMetricsCalc,
	KindDecision,
	KindSendResponse,
	KindLearningUpdate,
}

var kindNames = map[Kind]string{
	KindParseInput:     "parse_input",
	KindMetricsCalc:    "metrics_calc",
	KindDecision:       "decision",
	KindSendResponse:   "send_response",
	KindLearningUpdate: "learning_update",
}

// aliases maps alternative recorded step names to kinds. Keys are folded
// with foldName.
var aliases = map[string]Kind{
	"parseinput":            KindParseInput,
	"parsemessage":          KindParseInput,
	"metricscalc":           KindMetricsCalc,
	"calculatemetrics":      KindMetricsCalc,
	"recomputemetrics":      KindMetricsCalc,
	"decision":              KindDecision,
	"makedecision":          KindDecision,
	"questionselection":     KindDecision,
	"sendresponse":          KindSendResponse,
	"sendresponsesimulated": KindSendResponse,
	"learningupdate":        KindLearningUpdate,
	"applylearningupdate":   KindLearningUpdate,
}

// String returns the canonical step name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind resolves a recorded step name. Case, '_' and '-' are ignored, so
// "metrics_calc", "metricsCalc" and "metrics-calc" are the same kind.
func ParseKind(name string) (Kind, error) {
	if k, ok := aliases[foldName(name)]; ok {
		return k, nil
	}
	return 0, model.NewError(model.CodeUnknownStep, "unknown step %q", name).With("step", name)
}

func foldName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if r == '_' || r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
