package server

import (
	"net/http"
	"runtime"

	"github.com/casarerpa/orchestrator/internal/version"
)

// registerRoutes sets up every REST, metrics and WebSocket route on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// System
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/debug/memstats", s.handleMemstats)
	mux.HandleFunc("/api/admin/login", s.handleAdminLogin)

	// Jobs
	mux.HandleFunc("/api/jobs", s.handleJobsRoot)
	mux.HandleFunc("/api/jobs/", s.routeJobs)
	mux.HandleFunc("/api/dlq", s.handleDLQList)

	// Robots
	mux.HandleFunc("/api/robots", s.handleRobotsList)
	mux.HandleFunc("/api/robots/", s.routeRobots)

	// Schedules
	mux.HandleFunc("/api/schedules", s.handleSchedulesRoot)
	mux.HandleFunc("/api/schedules/", s.routeSchedules)

	// Metrics
	mux.HandleFunc("/metrics", s.handlePrometheusMetrics)
	mux.HandleFunc("/api/metrics/fleet", s.handleFleetMetrics)
	mux.HandleFunc("/api/metrics/robots", s.handleRobotMetrics)
	mux.HandleFunc("/api/metrics/jobs", s.handleJobMetrics)

	// Observer streaming
	mux.HandleFunc("/ws/live-jobs", s.handleWSLiveJobs)
	mux.HandleFunc("/ws/robot-status", s.handleWSRobotStatus)
	mux.HandleFunc("/ws/queue-metrics", s.handleWSQueueMetrics)

	// Worker session
	mux.HandleFunc("/ws/robot", s.handleWSRobot)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	if err := s.app.Storage.Ping(r.Context()); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": version.GetVersion(),
		"build":   version.GetBuild(),
		"commit":  version.GetGitCommit(),
	})
}

func (s *Server) handleMemstats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"heap_alloc_bytes": m.HeapAlloc,
		"heap_inuse_bytes": m.HeapInuse,
		"sys_bytes":        m.Sys,
		"num_gc":           m.NumGC,
	})
}
