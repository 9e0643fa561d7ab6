// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	stdjson "encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/ManuGH/jobstream/internal/eventlog"
	"github.com/ManuGH/jobstream/internal/log"
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

type createJobRequest struct {
	JobID string `json:"job_id"`
}

type emitRequest struct {
	Type    eventlog.EventType `json:"type"`
	Payload stdjson.RawMessage `json:"payload"`
}

// SnapshotResponse is the poll fallback for clients that cannot hold a
// stream open.
type SnapshotResponse struct {
	Job        eventlog.Job     `json:"job"`
	Events     []eventlog.Event `json:"events"`
	NextCursor uint64           `json:"next_cursor"`
}

// decodeBody decodes an optional JSON body. An empty body leaves v untouched.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func bodyError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeProblem(w, r, http.StatusRequestEntityTooLarge, "request/too_large", "Request Too Large", "BODY_TOO_LARGE",
			"body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes", nil)
		return
	}
	badRequest(w, r, "INVALID_BODY", err.Error())
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := chi.URLParam(r, "jobID")
	if !jobIDPattern.MatchString(jobID) {
		badRequest(w, r, "INVALID_JOB_ID", "job id must be 1-128 characters of [A-Za-z0-9._:-]")
		return "", false
	}
	return jobID, true
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		bodyError(w, r, err)
		return
	}
	if req.JobID != "" && !jobIDPattern.MatchString(req.JobID) {
		badRequest(w, r, "INVALID_JOB_ID", "job id must be 1-128 characters of [A-Za-z0-9._:-]")
		return
	}

	job, err := s.mgr.CreateJob(r.Context(), req.JobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/jobs/"+job.JobID)
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := s.mgr.GetStatus(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	after, err := parseSeq(q.Get("after"))
	if err != nil {
		badRequest(w, r, "INVALID_CURSOR", "after must be a non-negative integer")
		return
	}
	limit := s.replaySettings().BatchSize
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > eventlog.MaxReadLimit {
			badRequest(w, r, "INVALID_LIMIT", "limit must be between 1 and "+strconv.Itoa(eventlog.MaxReadLimit))
			return
		}
		limit = n
	}

	// Status first: events read afterwards are at least as new as it.
	job, err := s.mgr.GetStatus(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	events, err := s.mgr.ReadAfter(r.Context(), jobID, after, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := SnapshotResponse{Job: job, Events: events, NextCursor: after}
	if resp.Events == nil {
		resp.Events = []eventlog.Event{}
	}
	if n := len(events); n > 0 {
		resp.NextCursor = events[n-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	var req emitRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		bodyError(w, r, err)
		return
	}
	if req.Type == "" {
		badRequest(w, r, "INVALID_EVENT", "type is required")
		return
	}

	ev, err := s.mgr.Emit(r.Context(), jobID, req.Type, req.Payload)
	if err != nil {
		logger := log.WithComponentFromContext(log.ContextWithJobID(r.Context(), jobID), "api")
		logger.Debug().
			Err(err).
			Str(log.FieldEvent, "api.emit_rejected").
			Str(log.FieldEventType, string(req.Type)).
			Msg("event rejected")
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func parseSeq(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
