// Package api exposes the recording, replay and cache services over HTTP.
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/tracereplay/internal/cache"
	"github.com/roach88/tracereplay/internal/model"
	"github.com/roach88/tracereplay/internal/recording"
	"github.com/roach88/tracereplay/internal/replay"
	"github.com/roach88/tracereplay/internal/steps"
	"github.com/roach88/tracereplay/internal/store"
)

// Deps are the services the handlers call. Cache and Pipeline may be nil;
// the endpoints that need them then report the feature as unavailable.
type Deps struct {
	Store    store.Store
	Recorder *recording.Service
	Engine   *replay.Engine
	Cache    *cache.Cache
	Pipeline *steps.Pipeline

	// ReplayDefaults fill the fields a replay request omits.
	ReplayDefaults model.ReplayConfig

	TracingEnabled bool
	Logger         *slog.Logger
}

type Handler struct {
	deps   Deps
	logger *slog.Logger
}

func New(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{deps: deps, logger: logger}
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/recordings", func(r chi.Router) {
		r.Post("/", h.startRecording)
		r.Get("/", h.listRecordings)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getRecording)
			r.Get("/events", h.listEvents)
			r.Post("/events", h.ingestEvent)
			r.Get("/traces", h.listTraces)
			r.Get("/replay-executions", h.listExecutions)
			r.Post("/verify", h.verifyRecording)
			r.Post("/archive", h.archiveRecording)
		})
	})

	r.Get("/replay/health", h.health)
	r.Post("/replay/{recordingId}", h.runReplay)
	r.Get("/replay-executions/{id}", h.getExecution)
	r.Get("/replay-executions/{id}/validations", h.listValidations)
	r.Post("/validate-reproducibility", h.validateBatch)

	r.Get("/cache/stats", h.cacheStats)
	r.Delete("/cache", h.clearCache)
	r.Delete("/cache/conversation/{id}", h.invalidateConversation)

	r.Get("/db/stats", h.dbStats)
}
