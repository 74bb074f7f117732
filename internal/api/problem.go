// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/sectify/sectify/internal/log"
)

// HeaderRequestID is echoed on every response.
const HeaderRequestID = "X-Request-Id"

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeProblem writes an RFC 7807 problem details response. Every error the
// API emits funnels through here so denial responses stay uniform and never
// leak internals.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, problemType, title, detail string) {
	reqID := log.RequestIDFromContext(r.Context())
	if reqID == "" {
		reqID = w.Header().Get(HeaderRequestID)
	}

	res := map[string]any{
		"type":       problemType,
		"title":      title,
		"status":     status,
		"request_id": reqID,
		"instance":   r.URL.EscapedPath(),
	}
	if detail != "" {
		res["detail"] = detail
	}

	if reqID != "" {
		w.Header().Set(HeaderRequestID, reqID)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		lg := log.WithComponent("api")
		lg.Error().Err(err).
			Str("type", problemType).Int("status", status).
			Msg("failed to encode problem response")
	}
}

func writeAuthRequired(w http.ResponseWriter, r *http.Request) {
	deniedRequests.WithLabelValues("auth_required").Inc()
	writeProblem(w, r, http.StatusUnauthorized, "auth/required", "Authentication Required", "")
}

func writeForbidden(w http.ResponseWriter, r *http.Request) {
	deniedRequests.WithLabelValues("forbidden").Inc()
	writeProblem(w, r, http.StatusForbidden, "auth/forbidden", "Forbidden", "")
}

func writeNotFound(w http.ResponseWriter, r *http.Request) {
	writeProblem(w, r, http.StatusNotFound, "resource/not_found", "Not Found", "")
}

func writeInvalid(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusBadRequest, "request/invalid", "Invalid Request", detail)
}

func writeConflict(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusConflict, "resource/conflict", "Conflict", detail)
}

// writeIntegrity reports a failed at-rest integrity check without exposing
// which check failed.
func writeIntegrity(w http.ResponseWriter, r *http.Request) {
	writeProblem(w, r, http.StatusInternalServerError, "media/integrity", "Media Unavailable", "")
}

func writeInternal(w http.ResponseWriter, r *http.Request) {
	writeProblem(w, r, http.StatusInternalServerError, "system/internal", "Internal Error", "")
}

// writeBusy signals transient overload with a Retry-After hint.
func writeBusy(w http.ResponseWriter, r *http.Request, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeProblem(w, r, http.StatusServiceUnavailable, "system/busy", "Service Busy", "")
}
