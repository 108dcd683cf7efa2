package handle

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"snapish/api/internal/assistant"
	"snapish/api/internal/logging"
)

type chatResponse struct {
	Data   *string `json:"data"`
	Status string  `json:"status"`
}

// ChatResult blocks until the assistant run finishes or times out.
func (h *Handle) ChatResult(w http.ResponseWriter, r *http.Request) {
	if h.assistant == nil {
		writeJSON(w, http.StatusNotFound, chatResponse{Status: "Assistant is disabled"})
		return
	}
	job := assistant.Handle{
		ThreadID: chi.URLParam(r, "threadID"),
		RunID:    chi.URLParam(r, "runID"),
	}

	text, err := h.assistant.Wait(r.Context(), job)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, chatResponse{Data: &text, Status: "Success"})
	case errors.Is(err, assistant.ErrNoReply):
		writeJSON(w, http.StatusNotFound, chatResponse{Status: "No response from assistant"})
	case errors.Is(err, assistant.ErrTimeout):
		writeJSON(w, http.StatusRequestTimeout, chatResponse{Status: "Assistant response timed out"})
	case errors.Is(err, assistant.ErrBadHandle):
		writeJSON(w, http.StatusBadRequest, chatResponse{Status: "Invalid assistant request id"})
	default:
		logging.Ctx(r.Context()).Warn().Err(err).
			Str("thread_id", job.ThreadID).
			Str("run_id", job.RunID).
			Msg("assistant poll failed")
		status := "Internal server error"
		if errors.Is(err, assistant.ErrRunFailed) {
			status = "Assistant run failed"
		}
		writeJSON(w, http.StatusInternalServerError, chatResponse{Status: status})
	}
}
