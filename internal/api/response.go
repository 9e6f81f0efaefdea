// Package api is the admin HTTP surface: routing, authentication, request
// binding and response formatting.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/nexus-cloaker/trafficguard/internal/database"
	"github.com/nexus-cloaker/trafficguard/internal/integrations"
	"github.com/nexus-cloaker/trafficguard/internal/lists"
	"github.com/nexus-cloaker/trafficguard/internal/mitigation"
	"github.com/nexus-cloaker/trafficguard/internal/reports"
	"github.com/nexus-cloaker/trafficguard/internal/settings"
)

// envelope wraps every response. Exactly one of Data and Error is set.
type envelope struct {
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

func fail(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Error: &apiError{Code: code, Message: message}})
}

func badRequest(w http.ResponseWriter, code, message string) {
	fail(w, http.StatusBadRequest, code, message)
}

func unauthorized(w http.ResponseWriter, message string) {
	fail(w, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

func forbidden(w http.ResponseWriter, message string) {
	fail(w, http.StatusForbidden, "FORBIDDEN", message)
}

// writeError maps service errors onto status codes. Anything unrecognised is
// logged and reported as a 500 without its message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *reports.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, envelope{Error: &apiError{
			Code:    "VERSION_CONFLICT",
			Message: conflict.Error(),
			Details: conflict,
		}})
	case errors.Is(err, lists.ErrNotFound),
		errors.Is(err, reports.ErrNotFound),
		errors.Is(err, database.ErrNotFound):
		fail(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, integrations.ErrNoSubscribers):
		fail(w, http.StatusNotFound, "NO_SUBSCRIBERS", err.Error())
	case errors.Is(err, lists.ErrInvalidAddress),
		errors.Is(err, lists.ErrInvalidRiskScore),
		errors.Is(err, reports.ErrInvalidPatch),
		errors.Is(err, settings.ErrInvalidThreshold),
		errors.Is(err, integrations.ErrInvalidWebhook):
		badRequest(w, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, mitigation.ErrNotifierUnavailable):
		fail(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		fail(w, http.StatusInternalServerError, "INTERNAL_ERROR", "an unexpected error occurred")
	}
}
