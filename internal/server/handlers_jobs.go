package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/casarerpa/orchestrator/internal/models"
	"github.com/casarerpa/orchestrator/internal/storage"
)

// submitJobRequest is the POST /api/jobs body.
type submitJobRequest struct {
	WorkflowID           string            `json:"workflow_id"`
	WorkflowPayload      []byte            `json:"workflow_payload"`
	Priority             int               `json:"priority"`
	Environment          string            `json:"environment"`
	RequiredCapabilities []string          `json:"required_capabilities"`
	TargetRobotID        string            `json:"target_robot_id"`
	TriggerContext       map[string]string `json:"trigger_context"`
	MaxRetries           int               `json:"max_retries"`
	TimeoutSeconds       int               `json:"timeout_seconds"`
	DeduplicationKey     string            `json:"deduplication_key"`
}

func (s *Server) handleJobsRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		RequireMethod(w, r, http.MethodPost, http.MethodGet)
	}
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrincipal(w, r); !ok {
		return
	}
	if !s.app.SubmitLimiter.Allow() {
		WriteError(w, http.StatusTooManyRequests, "submit rate limit exceeded")
		return
	}

	var req submitJobRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.WorkflowID == "" {
		WriteError(w, http.StatusBadRequest, "workflow_id is required")
		return
	}

	job, err := s.app.Queue.Submit(r.Context(), req.WorkflowID, req.WorkflowPayload, models.SubmitOptions{
		Priority:             req.Priority,
		Environment:          req.Environment,
		RequiredCapabilities: req.RequiredCapabilities,
		TargetRobotID:        req.TargetRobotID,
		TriggerContext:       req.TriggerContext,
		MaxRetries:           req.MaxRetries,
		TimeoutSeconds:       req.TimeoutSeconds,
		DeduplicationKey:     req.DeduplicationKey,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.JobFilter{
		State:       models.JobState(q.Get("state")),
		Environment: q.Get("environment"),
		RobotID:     q.Get("robot_id"),
		WorkflowID:  q.Get("workflow_id"),
		Limit:       atoiDefault(q.Get("limit"), 100),
		Offset:      atoiDefault(q.Get("offset"), 0),
	}

	jobs, err := s.app.Storage.ListJobs(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, jobs)
}

// routeJobs dispatches /api/jobs/{id}, /api/jobs/{id}/cancel and
// /api/jobs/{id}/audit.
func (s *Server) routeJobs(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.SplitN(rest, "/", 2)
	jobID := parts[0]
	if jobID == "" {
		WriteError(w, http.StatusNotFound, "job id is required")
		return
	}

	if len(parts) == 2 && parts[1] == "cancel" {
		s.handleCancelJob(w, r, jobID)
		return
	}
	if len(parts) == 2 && parts[1] == "audit" {
		s.handleJobAudit(w, r, jobID)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetJob(w, r, jobID)
	case http.MethodDelete:
		s.handleCancelJob(w, r, jobID)
	default:
		RequireMethod(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.app.Storage.GetJob(r.Context(), jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodDelete, http.MethodPost) {
		return
	}
	if _, ok := requirePrincipal(w, r); !ok {
		return
	}

	job, err := s.app.Queue.Cancel(r.Context(), jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if job.AssignedRobotID != "" {
		deadline := time.Now().Add(s.app.Config.Timeouts.CancelAck())
		s.app.Sessions.CancelAsync(job.AssignedRobotID, job.JobID, deadline)
	}
	WriteJSON(w, http.StatusOK, job)
}

// handleJobAudit serves a job's audit trail (spec §3 "Audit Entry": used
// for reconciliation and user-visible activity feeds).
func (s *Server) handleJobAudit(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	limit := atoiDefault(r.URL.Query().Get("limit"), 100)
	entries, err := s.app.Storage.ListAudit(r.Context(), "job", jobID, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	limit := atoiDefault(r.URL.Query().Get("limit"), 100)
	jobs, err := s.app.Storage.ListDLQ(r.Context(), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, jobs)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
