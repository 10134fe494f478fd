package steps

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/tracereplay/internal/model"
	"github.com/roach88/tracereplay/internal/recording"
)

// Pipeline runs the five step kinds for one incoming webhook and records
// every step into a recording session.
type Pipeline struct {
	recorder *recording.Service
	registry *Registry
	logger   *slog.Logger
	simulate bool
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// WithSimulatedSends makes send_response simulate delivery.
func WithSimulatedSends(simulate bool) PipelineOption {
	return func(p *Pipeline) { p.simulate = simulate }
}

// NewPipeline creates a pipeline recording through recorder.
func NewPipeline(recorder *recording.Service, registry *Registry, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		recorder: recorder,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PipelineResult is the recorded outcome of one Run.
type PipelineResult struct {
	Event    model.WebhookEvent     `json:"event"`
	Traces   []model.ExecutionTrace `json:"traces"`
	Response string                 `json:"response,omitempty"`
}

// Run records payload as a new event of recordingID and executes:
//
//	parse_input -> metrics_calc -> decision -> send_response -> learning_update
//
// state supplies optional "signals" (numeric metrics inputs), "candidates"
// (decision options) and "weights" (learning state). A failing step is
// recorded with its error and ends the run with model.ErrExecution; the
// partial result is returned alongside.
func (p *Pipeline) Run(ctx context.Context, recordingID string, payload, state any) (PipelineResult, error) {
	sess, err := p.recorder.RecordEvent(ctx, recordingID, payload, state)
	if err != nil {
		return PipelineResult{}, err
	}
	defer sess.Finish()

	res := PipelineResult{Event: sess.Event(), Traces: []model.ExecutionTrace{}}
	st, _ := state.(map[string]any)
	env := Env{
		SkipExternalAPIs: p.simulate,
		ConversationID:   sess.ConversationID(),
		CorrelationID:    sess.CorrelationID(),
	}

	run := func(kind Kind, input any) (any, error) {
		start := time.Now()
		out, execErr := p.registry.Execute(ctx, kind, input, env)
		step := recording.Step{
			Name:          kind.String(),
			Input:         input,
			Output:        out.Value,
			ElapsedMs:     time.Since(start).Milliseconds(),
			ExternalCalls: out.ExternalCalls,
		}
		if execErr != nil {
			step.Error = execErr.Error()
		}
		tr, err := sess.RecordStep(ctx, step)
		if err != nil {
			return nil, err
		}
		res.Traces = append(res.Traces, tr)
		if execErr != nil {
			return nil, model.WrapError(model.CodeExecution, execErr, "step %s failed", kind).
				With("event_id", sess.Event().ID)
		}
		return out.Value, nil
	}

	parsedV, err := run(KindParseInput, payload)
	if err != nil {
		return res, err
	}
	parsed := parsedV.(map[string]any)

	metricsV, err := run(KindMetricsCalc, metricsInput(parsed, st))
	if err != nil {
		return res, err
	}
	metrics := metricsV.(map[string]any)

	candidates, ok := st["candidates"].([]any)
	if !ok || len(candidates) == 0 {
		candidates = DefaultCandidates
	}
	decisionV, err := run(KindDecision, map[string]any{
		"score":      metrics["mean"],
		"candidates": candidates,
	})
	if err != nil {
		return res, err
	}
	decision := decisionV.(map[string]any)
	res.Response, _ = decision["text"].(string)

	if _, err := run(KindSendResponse, map[string]any{
		"to":   parsed["from"],
		"text": res.Response,
	}); err != nil {
		return res, err
	}

	weights, _ := st["weights"].(map[string]any)
	if weights == nil {
		weights = map[string]any{}
	}
	if _, err := run(KindLearningUpdate, map[string]any{
		"weights":  weights,
		"observed": metrics["values"],
		"rate":     DefaultLearningRate,
	}); err != nil {
		return res, err
	}

	p.logger.Info("pipeline recorded",
		"recording_id", recordingID,
		"event_id", res.Event.ID,
		"steps", len(res.Traces),
	)
	return res, nil
}

// metricsInput combines message features with the state's numeric signals.
// Message features win on key collisions.
func metricsInput(parsed, state map[string]any) map[string]any {
	in := make(map[string]any)
	if signals, ok := state["signals"].(map[string]any); ok {
		for k, v := range signals {
			if _, ok := number(v); ok {
				in[k] = v
			}
		}
	}
	in["wordCount"] = parsed["wordCount"]
	in["isQuestion"] = parsed["isQuestion"]
	return in
}
