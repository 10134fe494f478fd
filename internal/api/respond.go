package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/roach88/tracereplay/internal/model"
	"github.com/roach88/tracereplay/internal/server"
)

// maxBodyBytes bounds request bodies; webhook payloads are small.
const maxBodyBytes = 1 << 20

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error   string            `json:"error"`
	Code    model.ErrorCode   `json:"code"`
	Details map[string]string `json:"details,omitempty"`

	// Result is set when a replay failed after its execution was created.
	Result *model.ReplayResult `json:"result,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(code model.ErrorCode) int {
	switch code {
	case model.CodeValidation, model.CodeDuplicateName, model.CodeUnknownStep,
		model.CodeUnknownOperation, model.CodeEventLimit:
		return http.StatusBadRequest
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeNoActiveSession:
		return http.StatusConflict
	case model.CodeRecordingDisabled:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	h.writeErrorWith(w, r, err, nil)
}

func (h *Handler) writeErrorWith(w http.ResponseWriter, r *http.Request, err error, result *model.ReplayResult) {
	server.AddError(r.Context(), err)

	code := model.CodeOf(err)
	body := errorBody{Error: err.Error(), Code: code, Result: result}
	var e *model.Error
	if errors.As(err, &e) {
		body.Details = e.Details
	}
	status := statusOf(code)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

// writeUnavailable reports an optional subsystem that is not configured.
func writeUnavailable(w http.ResponseWriter, r *http.Request, what string) {
	err := what + " is not configured"
	server.AddLogField(r.Context(), "error", err)
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err, "code": "UNAVAILABLE"})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return model.Validationf("invalid JSON body: %v", err)
	}
	return nil
}
