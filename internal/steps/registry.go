package steps

import (
	"context"

	"github.com/roach88/tracereplay/internal/cache"
	"github.com/roach88/tracereplay/internal/model"
)

// MetricsOperation is the cache operation name metrics are memoized under.
const MetricsOperation = "metrics_calc"

// Registry maps every Kind to its executor.
//
// Thread-safety: a Registry is immutable after construction; With returns a
// modified copy.
type Registry struct {
	executors map[Kind]Executor
}

// RegisterOperations registers the pure step computations on c.
func RegisterOperations(c *cache.Cache) {
	c.Register(MetricsOperation, func(_ context.Context, inputs any) (any, error) {
		return ComputeMetrics(inputs)
	})
}

// NewRegistry builds the reference executor set. When c is non-nil, metrics
// are computed through the cache; sender delivers responses and defaults to
// LogSender.
func NewRegistry(c *cache.Cache, sender Sender) *Registry {
	if sender == nil {
		sender = LogSender{}
	}
	metrics := pure(ComputeMetrics)
	if c != nil {
		RegisterOperations(c)
		metrics = cachedMetrics(c)
	}
	return &Registry{executors: map[Kind]Executor{
		KindParseInput:  pure(ParseInput),
		KindMetricsCalc: metrics,
		KindDecision:    pure(Decide),
		KindSendResponse: func(ctx context.Context, input any, env Env) (Output, error) {
			return sendResponse(ctx, sender, input, env)
		},
		KindLearningUpdate: pure(LearningUpdate),
	}}
}

// With returns a copy of r with kind executed by fn.
func (r *Registry) With(kind Kind, fn Executor) *Registry {
	next := make(map[Kind]Executor, len(r.executors)+1)
	for k, v := range r.executors {
		next[k] = v
	}
	next[kind] = fn
	return &Registry{executors: next}
}

// Execute runs the executor for kind. Context cancellation is checked
// before the executor starts.
func (r *Registry) Execute(ctx context.Context, kind Kind, input any, env Env) (Output, error) {
	exec, ok := r.executors[kind]
	if !ok {
		return Output{}, model.NewError(model.CodeUnknownStep, "no executor for step kind %d", kind)
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	return exec(ctx, input, env)
}

func pure(fn func(any) (map[string]any, error)) Executor {
	return func(_ context.Context, input any, _ Env) (Output, error) {
		v, err := fn(input)
		if err != nil {
			return Output{}, err
		}
		return Output{Value: v}, nil
	}
}

func cachedMetrics(c *cache.Cache) Executor {
	return func(ctx context.Context, input any, env Env) (Output, error) {
		res, err := c.Compute(ctx, MetricsOperation, input, cache.Scope{
			ConversationID: env.ConversationID,
			CorrelationID:  env.CorrelationID,
		})
		if err != nil {
			return Output{}, err
		}
		return Output{Value: res.Value}, nil
	}
}
