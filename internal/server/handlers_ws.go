package server

import "net/http"

// handleWSLiveJobs streams job state-change events to observers (spec §4.G,
// §6, topic "jobs").
func (s *Server) handleWSLiveJobs(w http.ResponseWriter, r *http.Request) {
	s.app.Fanout.Jobs().ServeWS(w, r)
}

// handleWSRobotStatus streams robot registration/heartbeat/status events to
// observers (spec §4.G, §6, topic "robots").
func (s *Server) handleWSRobotStatus(w http.ResponseWriter, r *http.Request) {
	s.app.Fanout.Robots().ServeWS(w, r)
}

// handleWSQueueMetrics streams queue depth/throughput events to observers
// (spec §4.G, §6, topic "queue-metrics").
func (s *Server) handleWSQueueMetrics(w http.ResponseWriter, r *http.Request) {
	s.app.Fanout.Queue().ServeWS(w, r)
}

// handleWSRobot is the worker session endpoint (spec §4.E, §6): a robot
// opens one long-lived bidirectional connection here for its whole
// lifetime, registering, heartbeating, accepting job assignments and
// reporting progress over framed messages.
func (s *Server) handleWSRobot(w http.ResponseWriter, r *http.Request) {
	s.app.Sessions.ServeWS(w, r)
}
