package http

import (
	"encoding/json"
	"net/http"

	"github.com/orchestrator/controlplane/internal/apperr"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrorStatus(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, errorResponse{Error: reason + ": " + message})
}

// writeError maps an apperr sentinel to the status codes §7 of the
// spec requires: validation->400, conflict->409, not-found->404,
// forbidden->403, transient->503, internal->500. 429 is never emitted
// here — only the rate-limit middleware issues it.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperr.IsValidation(err):
		status = http.StatusBadRequest
	case apperr.IsConflict(err):
		status = http.StatusConflict
	case apperr.IsNotFound(err):
		status = http.StatusNotFound
	case apperr.IsForbidden(err):
		status = http.StatusForbidden
	case apperr.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		writeErrorStatus(w, http.StatusBadRequest, "validation", "request body required")
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "validation", "malformed json body: "+err.Error())
		return false
	}
	return true
}
