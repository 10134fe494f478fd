package replay

import (
	"context"

	"github.com/roach88/tracereplay/internal/cache"
	"github.com/roach88/tracereplay/internal/model"
	"github.com/roach88/tracereplay/internal/store"
)

// Health states, ordered from best to worst.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
	HealthDisabled  = "disabled"
)

// ComponentHealth is the state of one subsystem.
type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Detail any    `json:"detail,omitempty"`
}

// Health is the aggregate state reported by /replay/health.
type Health struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
}

// HealthSources are the subsystems Check inspects. Cache may be nil.
type HealthSources struct {
	Store            store.Store
	Cache            *cache.Cache
	TracingEnabled   bool
	RecordingEnabled bool
}

// Check reports the health of the store, cache, tracing and recording
// subsystems. A store failure makes the aggregate unhealthy; a cache
// failure degrades it. Disabled subsystems do not affect the aggregate.
func Check(ctx context.Context, src HealthSources) Health {
	h := Health{Status: HealthHealthy, Components: map[string]ComponentHealth{}}
	worsen := func(status string) {
		if status == HealthUnhealthy || (status == HealthDegraded && h.Status == HealthHealthy) {
			h.Status = status
		}
	}

	var stats model.Stats
	if err := src.Store.Ping(ctx); err != nil {
		h.Components["store"] = ComponentHealth{Status: HealthUnhealthy, Error: err.Error()}
		worsen(HealthUnhealthy)
	} else if stats, err = src.Store.Stats(ctx); err != nil {
		h.Components["store"] = ComponentHealth{Status: HealthDegraded, Error: err.Error()}
		worsen(HealthDegraded)
	} else {
		h.Components["store"] = ComponentHealth{Status: HealthHealthy}
	}

	switch {
	case src.Cache == nil:
		h.Components["cache"] = ComponentHealth{Status: HealthDisabled}
	default:
		st, err := src.Cache.Stats(ctx)
		if err == nil {
			err = src.Cache.Ping(ctx)
		}
		if err != nil {
			h.Components["cache"] = ComponentHealth{Status: HealthDegraded, Error: err.Error()}
			worsen(HealthDegraded)
			break
		}
		h.Components["cache"] = ComponentHealth{Status: HealthHealthy, Detail: map[string]any{
			"backend": st.Backend,
			"size":    st.Size,
			"maxSize": st.MaxSize,
			"hitRate": st.HitRate,
		}}
	}

	if src.TracingEnabled {
		h.Components["tracing"] = ComponentHealth{Status: HealthHealthy}
	} else {
		h.Components["tracing"] = ComponentHealth{Status: HealthDisabled}
	}

	rec := ComponentHealth{Status: HealthHealthy, Detail: stats}
	if !src.RecordingEnabled {
		rec.Status = HealthDisabled
	}
	h.Components["recordings"] = rec

	return h
}
