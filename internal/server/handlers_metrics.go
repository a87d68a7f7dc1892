package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/casarerpa/orchestrator/internal/models"
	"github.com/casarerpa/orchestrator/internal/storage"
)

var promHandler = promhttp.Handler()

// handlePrometheusMetrics serves the scrape endpoint backed by the
// internal/metrics registry.
func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	promHandler.ServeHTTP(w, r)
}

// fleetMetrics is the JSON summary behind GET /api/metrics/fleet.
type fleetMetrics struct {
	RobotsOnline        int `json:"robots_online"`
	RobotsIdle          int `json:"robots_idle"`
	RobotsBusy          int `json:"robots_busy"`
	RobotsDraining       int `json:"robots_draining"`
	WorkerSessionsActive int `json:"worker_sessions_active"`
}

func (s *Server) handleFleetMetrics(w http.ResponseWriter, r *http.Request) {
	robots, err := s.app.Storage.ListRobots(r.Context(), r.URL.Query().Get("environment"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	m := fleetMetrics{WorkerSessionsActive: s.app.Sessions.SessionCount()}
	for _, robot := range robots {
		switch robot.Status {
		case models.RobotIdle:
			m.RobotsIdle++
			m.RobotsOnline++
		case models.RobotBusy:
			m.RobotsBusy++
			m.RobotsOnline++
		case models.RobotDraining:
			m.RobotsDraining++
			m.RobotsOnline++
		}
	}
	WriteJSON(w, http.StatusOK, m)
}

func (s *Server) handleRobotMetrics(w http.ResponseWriter, r *http.Request) {
	robots, err := s.app.Storage.ListRobots(r.Context(), r.URL.Query().Get("environment"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, robots)
}

// jobMetrics is the JSON summary behind GET /api/metrics/jobs.
type jobMetrics struct {
	Pending   int `json:"pending"`
	Assigned  int `json:"assigned"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
}

func (s *Server) handleJobMetrics(w http.ResponseWriter, r *http.Request) {
	environment := r.URL.Query().Get("environment")
	m := jobMetrics{}

	counts := []struct {
		state models.JobState
		dest  *int
	}{
		{models.JobPending, &m.Pending},
		{models.JobAssigned, &m.Assigned},
		{models.JobRunning, &m.Running},
		{models.JobCompleted, &m.Completed},
		{models.JobFailed, &m.Failed},
		{models.JobDeadLetter, &m.DeadLettered},
	}
	for _, c := range counts {
		jobs, err := s.app.Storage.ListJobs(r.Context(), storage.JobFilter{
			State:       c.state,
			Environment: environment,
			Limit:       10000,
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}
		*c.dest = len(jobs)
	}
	WriteJSON(w, http.StatusOK, m)
}
