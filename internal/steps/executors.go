package steps

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/roach88/tracereplay/internal/canonical"
	"github.com/roach88/tracereplay/internal/model"
)

// Env is the execution environment of one step.
type Env struct {
	// SkipExternalAPIs simulates outbound calls instead of performing them.
	SkipExternalAPIs bool
	ConversationID   string
	CorrelationID    string
}

// Output is what an executor produced.
type Output struct {
	Value         any
	ExternalCalls []model.ExternalCall
}

// Executor runs one step kind. Executors must be deterministic in input:
// the same input, whether native Go values or values decoded from stored
// JSON, must produce outputs with the same canonical hash.
type Executor func(ctx context.Context, input any, env Env) (Output, error)

// Sender delivers a response to a conversation participant.
type Sender interface {
	Name() string
	Send(ctx context.Context, to, text string) error
}

// LogSender logs responses instead of delivering them.
type LogSender struct {
	Logger *slog.Logger
}

func (LogSender) Name() string { return "log" }

func (s LogSender) Send(_ context.Context, to, text string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("response sent", "to", to, "chars", len(text))
	return nil
}

// DefaultLearningRate is used by learning updates that do not carry a rate.
const DefaultLearningRate = 0.1

// DefaultCandidates are offered to the decision step when the state has
// none.
var DefaultCandidates = []any{
	map[string]any{"text": "Could you tell me a bit more about what you need?", "minScore": 0},
	map[string]any{"text": "What would be the best time for a quick call?", "minScore": 2},
	map[string]any{"text": "Shall I send you a proposal today?", "minScore": 5},
}

// ParseInput extracts and normalizes the message text of a webhook payload.
// The text is read from "text", "body", or "message.text"/"message.body".
func ParseInput(input any) (map[string]any, error) {
	m, err := object(input, "parse_input input")
	if err != nil {
		return nil, err
	}

	text := firstString(m, "text", "body")
	if text == "" {
		if msg, ok := m["message"].(map[string]any); ok {
			text = firstString(msg, "text", "body")
		}
	}
	text = strings.TrimSpace(text)
	words := strings.Fields(strings.ToLower(text))

	return map[string]any{
		"text":       text,
		"normalized": strings.Join(words, " "),
		"wordCount":  len(words),
		"isQuestion": strings.HasSuffix(text, "?"),
		"from":       firstString(m, "from", "sender"),
	}, nil
}

// ComputeMetrics summarizes the numeric top-level fields of input. Other
// fields are ignored.
func ComputeMetrics(input any) (map[string]any, error) {
	m, err := object(input, "metrics_calc input")
	if err != nil {
		return nil, err
	}

	values := make(map[string]any)
	var count int
	var total float64
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, k := range canonical.SortedKeys(m) {
		f, ok := number(m[k])
		if !ok {
			continue
		}
		values[k] = f
		count++
		total += f
		lo = math.Min(lo, f)
		hi = math.Max(hi, f)
	}

	mean := 0.0
	if count > 0 {
		mean = total / float64(count)
	} else {
		lo, hi = 0, 0
	}

	return map[string]any{
		"values": values,
		"count":  count,
		"total":  total,
		"mean":   mean,
		"min":    lo,
		"max":    hi,
	}, nil
}

// Decide picks the candidate with the highest minScore not above score.
// Ties go to the earlier candidate. When no candidate qualifies, the one with
// the lowest minScore is chosen.
func Decide(input any) (map[string]any, error) {
	m, err := object(input, "decision input")
	if err != nil {
		return nil, err
	}
	score, ok := number(m["score"])
	if !ok {
		return nil, model.Validationf("decision input: score must be a number")
	}
	list, ok := m["candidates"].([]any)
	if !ok || len(list) == 0 {
		return nil, model.Validationf("decision input: candidates must be a non-empty array")
	}

	best, fallback := -1, 0
	var bestMin, fallbackMin float64
	for i, c := range list {
		cand, ok := c.(map[string]any)
		if !ok {
			return nil, model.Validationf("decision input: candidate %d is not an object", i)
		}
		if _, ok := cand["text"].(string); !ok {
			return nil, model.Validationf("decision input: candidate %d has no text", i)
		}
		minScore, _ := number(cand["minScore"])
		if i == 0 || minScore < fallbackMin {
			fallback, fallbackMin = i, minScore
		}
		if minScore <= score && (best < 0 || minScore > bestMin) {
			best, bestMin = i, minScore
		}
	}
	if best < 0 {
		best, bestMin = fallback, fallbackMin
	}

	chosen := list[best].(map[string]any)
	return map[string]any{
		"text":     chosen["text"].(string),
		"index":    best,
		"score":    score,
		"minScore": bestMin,
	}, nil
}

// LearningUpdate moves each weight toward its observed value by rate:
// w' = w + rate*(observed - w). Weights without an observation are kept;
// observations without a weight start from 0.
func LearningUpdate(input any) (map[string]any, error) {
	m, err := object(input, "learning_update input")
	if err != nil {
		return nil, err
	}
	weights, err := optionalObject(m["weights"], "learning_update weights")
	if err != nil {
		return nil, err
	}
	observed, err := optionalObject(m["observed"], "learning_update observed")
	if err != nil {
		return nil, err
	}
	rate := DefaultLearningRate
	if v, ok := m["rate"]; ok && v != nil {
		r, ok := number(v)
		if !ok || r <= 0 || r > 1 {
			return nil, model.Validationf("learning_update input: rate must be in (0, 1]")
		}
		rate = r
	}

	keys := make(map[string]struct{}, len(weights)+len(observed))
	for k := range weights {
		keys[k] = struct{}{}
	}
	for k := range observed {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	next := make(map[string]any, len(sorted))
	updated := 0
	for _, k := range sorted {
		w, _ := number(weights[k])
		obs, ok := number(observed[k])
		if ok {
			w += rate * (obs - w)
			updated++
		}
		next[k] = w
	}

	return map[string]any{
		"weights": next,
		"updated": updated,
		"rate":    rate,
	}, nil
}

// sendResponse delivers the decided text, or simulates delivery when
// env.SkipExternalAPIs is set. The output is the same either way; only the
// external call record differs.
func sendResponse(ctx context.Context, sender Sender, input any, env Env) (Output, error) {
	m, err := object(input, "send_response input")
	if err != nil {
		return Output{}, err
	}
	text, _ := m["text"].(string)
	if text == "" {
		return Output{}, model.Validationf("send_response input: text is required")
	}
	to, _ := m["to"].(string)

	value := map[string]any{
		"to":         to,
		"text":       text,
		"delivered":  true,
		"characters": len([]rune(text)),
	}

	if env.SkipExternalAPIs {
		return Output{
			Value: value,
			ExternalCalls: []model.ExternalCall{{
				Service:   sender.Name(),
				Success:   true,
				Simulated: true,
			}},
		}, nil
	}

	start := time.Now()
	sendErr := sender.Send(ctx, to, text)
	call := model.ExternalCall{
		Service:    sender.Name(),
		DurationMs: time.Since(start).Milliseconds(),
		Success:    sendErr == nil,
	}
	if sendErr != nil {
		return Output{ExternalCalls: []model.ExternalCall{call}}, sendErr
	}
	return Output{Value: value, ExternalCalls: []model.ExternalCall{call}}, nil
}

func object(v any, what string) (map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, model.Validationf("%s must be an object", what)
	}
	return m, nil
}

// optionalObject treats nil as an empty object.
func optionalObject(v any, what string) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	return object(v, what)
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// number accepts Go numerics, json.Number and booleans (as 0/1).
func number(v any) (float64, bool) {
	if b, ok := v.(bool); ok {
		if b {
			return 1, true
		}
		return 0, true
	}
	return canonical.Float(v)
}
