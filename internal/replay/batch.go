package replay

import (
	"context"
	"sort"

	"github.com/roach88/tracereplay/internal/model"
	"github.com/roach88/tracereplay/internal/store"
)

const (
	DefaultSampleSize = 10
	MaxSampleSize     = 100
)

// BatchRequest selects recordings for ValidateBatch. With no RecordingIDs the
// SampleSize most recently created replayable recordings are used.
type BatchRequest struct {
	MinRate      float64            `json:"minRate"`
	SampleSize   int                `json:"sampleSize"`
	RecordingIDs []string           `json:"recordingIds,omitempty"`
	Config       model.ReplayConfig `json:"config"`
}

// ValidateBatch replays a sample of recordings and checks each against
// MinRate. The batch passes when at least one recording was evaluated and
// every evaluated recording reached MinRate.
func (e *Engine) ValidateBatch(ctx context.Context, req BatchRequest) (model.BatchResult, error) {
	if req.MinRate == 0 {
		req.MinRate = e.minRate
	}
	if req.MinRate < 0 || req.MinRate > 1 {
		return model.BatchResult{}, model.Validationf("minRate must be between 0 and 1")
	}
	if req.SampleSize == 0 {
		req.SampleSize = DefaultSampleSize
	}
	if req.SampleSize < 0 || req.SampleSize > MaxSampleSize {
		return model.BatchResult{}, model.Validationf("sampleSize must be between 1 and %d", MaxSampleSize)
	}
	if err := ValidateConfig(req.Config); err != nil {
		return model.BatchResult{}, err
	}

	ids := req.RecordingIDs
	if len(ids) == 0 {
		sampled, err := e.sample(ctx, req.SampleSize)
		if err != nil {
			return model.BatchResult{}, err
		}
		ids = sampled
	}

	result := model.BatchResult{
		MinRate:    req.MinRate,
		SampleSize: req.SampleSize,
		Results:    []model.BatchItem{},
	}
	var rateSum float64
	for _, id := range ids {
		res, err := e.Replay(ctx, id, req.Config)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		item := model.BatchItem{
			RecordingID:         id,
			ExecutionID:         res.ExecutionID,
			ReproducibilityRate: res.ReproducibilityRate,
		}
		if err != nil {
			item.Error = err.Error()
		} else {
			item.Passed = res.ReproducibilityRate >= req.MinRate &&
				(!req.Config.StrictMode || len(res.HashMismatches) == 0)
		}
		result.Results = append(result.Results, item)
		result.Evaluated++
		rateSum += res.ReproducibilityRate
		if item.Passed {
			result.PassedCount++
		}
	}

	if result.Evaluated == 0 {
		result.Note = "no recordings with events to validate"
		return result, nil
	}
	result.PassRate = float64(result.PassedCount) / float64(result.Evaluated)
	result.AverageRate = rateSum / float64(result.Evaluated)
	result.Passed = result.PassedCount == result.Evaluated

	e.logger.Info("batch validation finished",
		"evaluated", result.Evaluated,
		"passed", result.PassedCount,
		"pass_rate", result.PassRate,
		"min_rate", result.MinRate,
	)
	return result, nil
}

// sample returns up to n ids of the newest recordings that have events and
// are not corrupted.
func (e *Engine) sample(ctx context.Context, n int) ([]string, error) {
	recs, err := e.store.ListRecordings(ctx, store.RecordingFilter{})
	if err != nil {
		return nil, err
	}
	candidates := make([]model.Recording, 0, len(recs))
	for _, rec := range recs {
		if rec.Status == model.RecordingCorrupted || rec.EventCount == 0 {
			continue
		}
		candidates = append(candidates, rec)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	ids := make([]string, len(candidates))
	for i, rec := range candidates {
		ids[i] = rec.ID
	}
	return ids, nil
}

