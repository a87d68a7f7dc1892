package server

import (
	"net/http"
	"strings"

	"github.com/casarerpa/orchestrator/internal/models"
)

// registerRobotRequest is the POST /api/robots body, mirroring the
// RegisterPayload a worker sends over its session (spec §4.C) for
// operators who provision robots out of band.
type registerRobotRequest struct {
	RobotID           string   `json:"robot_id"`
	Token             string   `json:"token"`
	Capabilities      []string `json:"capabilities"`
	Environment       string   `json:"environment"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
}

func (s *Server) handleRobotsList(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleRegisterRobot(w, r)
	case http.MethodGet:
		s.handleListRobots(w, r)
	default:
		RequireMethod(w, r, http.MethodPost, http.MethodGet)
	}
}

func (s *Server) handleRegisterRobot(w http.ResponseWriter, r *http.Request) {
	if _, ok := requirePrincipal(w, r); !ok {
		return
	}

	var req registerRobotRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.RobotID == "" {
		WriteError(w, http.StatusBadRequest, "robot_id is required")
		return
	}

	robot, err := s.app.Registry.Register(r.Context(), models.RegisterOptions{
		RobotID:           req.RobotID,
		Token:             req.Token,
		Capabilities:      req.Capabilities,
		Environment:       req.Environment,
		MaxConcurrentJobs: req.MaxConcurrentJobs,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, robot)
}

func (s *Server) handleListRobots(w http.ResponseWriter, r *http.Request) {
	robots, err := s.app.Storage.ListRobots(r.Context(), r.URL.Query().Get("environment"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, robots)
}

// routeRobots dispatches /api/robots/{id} and /api/robots/{id}/drain.
func (s *Server) routeRobots(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/robots/")
	parts := strings.SplitN(rest, "/", 2)
	robotID := parts[0]
	if robotID == "" {
		WriteError(w, http.StatusNotFound, "robot id is required")
		return
	}

	if len(parts) == 2 && parts[1] == "drain" {
		s.handleDrainRobot(w, r, robotID)
		return
	}

	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	robot, err := s.app.Storage.GetRobot(r.Context(), robotID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, robot)
}

func (s *Server) handleDrainRobot(w http.ResponseWriter, r *http.Request, robotID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if _, ok := requirePrincipal(w, r); !ok {
		return
	}

	if err := s.app.Registry.Drain(r.Context(), robotID); err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "draining"})
}
