// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/ManuGH/jobstream/internal/api/middleware"
	"github.com/ManuGH/jobstream/internal/eventlog"
	"github.com/ManuGH/jobstream/internal/lifecycle"
	"github.com/ManuGH/jobstream/internal/log"
	"github.com/ManuGH/jobstream/internal/replay"
	"github.com/ManuGH/jobstream/internal/stream"
)

// storeRetryAfter is advertised on 503 answers caused by the store.
const storeRetryAfter = 5

// writeProblem writes an RFC 7807 problem details response.
//
//   - type: canonical machine identifier (e.g. "job/not_found")
//   - title: human-readable short label
//   - code: stable machine-readable short code (e.g. "JOB_NOT_FOUND")
//   - detail: explanation of this occurrence
func writeProblem(w http.ResponseWriter, r *http.Request, status int, problemType, title, code, detail string, extra map[string]any) {
	reqID := log.RequestIDFromContext(r.Context())
	if reqID == "" {
		reqID = w.Header().Get(middleware.HeaderRequestID)
	}

	res := map[string]any{
		"type":      problemType,
		"title":     title,
		"status":    status,
		"code":      code,
		"requestId": reqID,
		"instance":  r.URL.EscapedPath(),
	}
	if detail != "" {
		res["detail"] = detail
	}
	for k, v := range extra {
		switch k {
		case "type", "title", "status", "detail", "instance", "code", "requestId":
			continue
		}
		res[k] = v
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().
			Err(err).
			Str("type", problemType).
			Int("status", status).
			Msg("failed to encode problem response")
	}
}

// writeError maps domain errors onto problem responses. Unexpected errors
// are logged and answered with a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var transition *lifecycle.TransitionError

	switch {
	case errors.Is(err, eventlog.ErrJobNotFound):
		writeProblem(w, r, http.StatusNotFound, "job/not_found", "Job Not Found", "JOB_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, eventlog.ErrJobExists):
		writeProblem(w, r, http.StatusConflict, "job/exists", "Job Already Exists", "JOB_EXISTS", err.Error(), nil)
	case errors.Is(err, eventlog.ErrJobTerminal):
		writeProblem(w, r, http.StatusConflict, "job/terminal", "Job Is Terminal", "JOB_TERMINAL", err.Error(), nil)
	case errors.As(err, &transition):
		writeProblem(w, r, http.StatusConflict, "job/illegal_transition", "Illegal Status Transition", "ILLEGAL_TRANSITION", err.Error(),
			map[string]any{"from": transition.From, "to": transition.To, "reason": transition.Reason})
	case errors.Is(err, eventlog.ErrInvalidEvent):
		writeProblem(w, r, http.StatusBadRequest, "event/invalid", "Invalid Event", "INVALID_EVENT", err.Error(), nil)
	case errors.Is(err, replay.ErrCursorAhead):
		badRequest(w, r, "INVALID_CURSOR", err.Error())
	case errors.Is(err, eventlog.ErrStoreUnavailable):
		w.Header().Set("Retry-After", strconv.Itoa(storeRetryAfter))
		writeProblem(w, r, http.StatusServiceUnavailable, "store/unavailable", "Event Store Unavailable", "STORE_UNAVAILABLE", "", nil)
	case errors.Is(err, stream.ErrClosed):
		writeProblem(w, r, http.StatusServiceUnavailable, "server/shutting_down", "Shutting Down", "SHUTTING_DOWN", "", nil)
	case errors.Is(err, context.Canceled):
		// client went away; nobody reads the answer
		return
	default:
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "api.internal_error").
			Str("path", r.URL.Path).
			Msg("unhandled error")
		writeProblem(w, r, http.StatusInternalServerError, "server/internal", "Internal Server Error", "INTERNAL", "", nil)
	}
}

func badRequest(w http.ResponseWriter, r *http.Request, code, detail string) {
	writeProblem(w, r, http.StatusBadRequest, "request/invalid", "Bad Request", code, detail, nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
