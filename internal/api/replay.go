package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/tracereplay/internal/model"
	"github.com/roach88/tracereplay/internal/replay"
)

// replayRequest mirrors model.ReplayConfig with every field optional.
type replayRequest struct {
	SkipExternalAPIs *bool   `json:"skipExternalAPIs"`
	ValidateHashes   *bool   `json:"validateHashes"`
	StrictMode       *bool   `json:"strictMode"`
	TimeoutMs        *int64  `json:"timeoutMs"`
	MaxRetries       *int    `json:"maxRetries"`
	LogLevel         *string `json:"logLevel"`
}

func (req replayRequest) apply(cfg model.ReplayConfig) model.ReplayConfig {
	if req.SkipExternalAPIs != nil {
		cfg.SkipExternalAPIs = *req.SkipExternalAPIs
	}
	if req.ValidateHashes != nil {
		cfg.ValidateHashes = *req.ValidateHashes
	}
	if req.StrictMode != nil {
		cfg.StrictMode = *req.StrictMode
	}
	if req.TimeoutMs != nil {
		cfg.TimeoutMs = *req.TimeoutMs
	}
	if req.MaxRetries != nil {
		cfg.MaxRetries = *req.MaxRetries
	}
	if req.LogLevel != nil {
		cfg.LogLevel = *req.LogLevel
	}
	return cfg
}

// runReplay answers 200 with the full result for every finished run,
// successful or not. A run that failed outright returns the error status
// with the partial result attached.
func (h *Handler) runReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	cfg := req.apply(h.deps.ReplayDefaults)

	res, err := h.deps.Engine.Replay(r.Context(), chi.URLParam(r, "recordingId"), cfg)
	if err != nil {
		if res.ExecutionID != "" {
			h.writeErrorWith(w, r, err, &res)
			return
		}
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.deps.Engine.Execution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handler) listValidations(w http.ResponseWriter, r *http.Request) {
	vals, err := h.deps.Engine.Validations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vals)
}

type batchRequest struct {
	MinRate      float64        `json:"minRate"`
	SampleSize   int            `json:"sampleSize"`
	RecordingIDs []string       `json:"recordingIds"`
	Config       *replayRequest `json:"config"`
}

func (h *Handler) validateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	cfg := h.deps.ReplayDefaults
	if req.Config != nil {
		cfg = req.Config.apply(cfg)
	}

	res, err := h.deps.Engine.ValidateBatch(r.Context(), replay.BatchRequest{
		MinRate:      req.MinRate,
		SampleSize:   req.SampleSize,
		RecordingIDs: req.RecordingIDs,
		Config:       cfg,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	health := replay.Check(r.Context(), replay.HealthSources{
		Store:            h.deps.Store,
		Cache:            h.deps.Cache,
		TracingEnabled:   h.deps.TracingEnabled,
		RecordingEnabled: h.deps.Recorder.Enabled(),
	})
	status := http.StatusOK
	if health.Status == replay.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}
