package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/tracereplay/internal/model"
	"github.com/roach88/tracereplay/internal/store"
)

type startRecordingRequest struct {
	ConversationID string `json:"conversationId"`
	RecordingName  string `json:"recordingName"`
	Description    string `json:"description"`
}

func (h *Handler) startRecording(w http.ResponseWriter, r *http.Request) {
	var req startRecordingRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	rec, err := h.deps.Recorder.StartRecording(r.Context(), req.ConversationID, req.RecordingName, req.Description)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) listRecordings(w http.ResponseWriter, r *http.Request) {
	filter := store.RecordingFilter{
		Status:         model.RecordingStatus(r.URL.Query().Get("status")),
		ConversationID: r.URL.Query().Get("conversationId"),
	}
	recs, err := h.deps.Recorder.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) getRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Recorder.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.deps.Recorder.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) listTraces(w http.ResponseWriter, r *http.Request) {
	traces, err := h.deps.Recorder.Traces(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, traces)
}

type ingestRequest struct {
	Payload map[string]any `json:"payload"`
	State   map[string]any `json:"state"`
}

// ingestEvent runs the reference pipeline for one webhook payload under the
// recording. A failing step is recorded and reported with status 422.
func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	if h.deps.Pipeline == nil {
		writeUnavailable(w, r, "pipeline")
		return
	}
	var req ingestRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Payload == nil {
		h.writeError(w, r, model.Validationf("payload is required"))
		return
	}

	res, err := h.deps.Pipeline.Run(r.Context(), chi.URLParam(r, "id"), req.Payload, req.State)
	if err != nil {
		if res.Event.ID != "" && model.CodeOf(err) == model.CodeExecution {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":  err.Error(),
				"code":   model.CodeExecution,
				"result": res,
			})
			return
		}
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) verifyRecording(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Recorder.Verify(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) archiveRecording(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Recorder.Archive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.deps.Recorder.Get(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	execs, err := h.deps.Engine.Executions(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (h *Handler) dbStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Store.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
