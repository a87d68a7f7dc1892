package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/casarerpa/orchestrator/internal/models"
)

var scheduleCronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type createScheduleRequest struct {
	WorkflowID           string            `json:"workflow_id"`
	WorkflowPayload      []byte            `json:"workflow_payload"`
	CronExpr             string            `json:"cron_expr"`
	Timezone             string            `json:"timezone"`
	Priority             int               `json:"priority"`
	Environment          string            `json:"environment"`
	RequiredCapabilities []string          `json:"required_capabilities"`
	TriggerContext       map[string]string `json:"trigger_context"`
}

func (s *Server) handleSchedulesRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateSchedule(w, r)
	case http.MethodGet:
		s.handleListSchedules(w, r)
	default:
		RequireMethod(w, r, http.MethodPost, http.MethodGet)
	}
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrincipal(w, r); !ok {
		return
	}

	var req createScheduleRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.WorkflowID == "" || req.CronExpr == "" {
		WriteError(w, http.StatusBadRequest, "workflow_id and cron_expr are required")
		return
	}

	loc := time.UTC
	if req.Timezone != "" {
		l, err := time.LoadLocation(req.Timezone)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid timezone: "+err.Error())
			return
		}
		loc = l
	}

	parsed, err := scheduleCronParser.Parse(req.CronExpr)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid cron expression: "+err.Error())
		return
	}

	now := time.Now()
	sched := &models.Schedule{
		ScheduleID:           uuid.New().String(),
		WorkflowID:           req.WorkflowID,
		WorkflowPayload:      req.WorkflowPayload,
		CronExpr:             req.CronExpr,
		Timezone:             loc.String(),
		Enabled:              true,
		NextFireAt:           parsed.Next(now.In(loc)),
		Priority:             req.Priority,
		Environment:          req.Environment,
		RequiredCapabilities: req.RequiredCapabilities,
		TriggerContext:       req.TriggerContext,
		ExecutionMode:        models.ExecutionModeNormal,
		CreatedAt:            now,
	}

	if err := s.app.Storage.CreateSchedule(r.Context(), sched); err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	scheds, err := s.app.Storage.ListSchedules(r.Context(), enabledOnly)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, scheds)
}

// routeSchedules dispatches /api/schedules/{id}, .../enable, .../disable.
func (s *Server) routeSchedules(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/schedules/")
	parts := strings.SplitN(rest, "/", 2)
	scheduleID := parts[0]
	if scheduleID == "" {
		WriteError(w, http.StatusNotFound, "schedule id is required")
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "enable":
			s.handleSetScheduleEnabled(w, r, scheduleID, true)
			return
		case "disable":
			s.handleSetScheduleEnabled(w, r, scheduleID, false)
			return
		}
	}

	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	sched, err := s.app.Storage.GetSchedule(r.Context(), scheduleID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sched)
}

func (s *Server) handleSetScheduleEnabled(w http.ResponseWriter, r *http.Request, scheduleID string, enabled bool) {
	if !RequireMethod(w, r, http.MethodPut, http.MethodPost) {
		return
	}
	if _, ok := requirePrincipal(w, r); !ok {
		return
	}

	if err := s.app.Storage.SetScheduleEnabled(r.Context(), scheduleID, enabled); err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}
