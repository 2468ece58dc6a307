package server

import (
	"net/http"
	"time"
)

// handleHealth handles GET /api/health, grounded on
// ws/internal/single/core's handleHealth: a liveness check with no
// dependency probing, always 200 while the process is up.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime_s": int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleHealthDetailed handles GET /api/health/detailed, probing every
// dependency a request actually touches: KV, Postgres, and the upstream
// WS connection state.
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	kvOK := s.kvStore.IsAvailable()
	dbOK := s.st.Ping() == nil
	upstreamConnected := s.driver.IsConnected()
	streaming := s.adminEngine.IsStreaming()

	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"status":             map[bool]string{true: "ok", false: "degraded"}[dbOK],
		"uptime_s":           int64(time.Since(s.startedAt).Seconds()),
		"kv_available":       kvOK,
		"db_available":       dbOK,
		"upstream_connected": upstreamConnected,
		"streaming":          streaming,
		"subscribed_pairs":   len(s.mux.Snapshot()),
		"resources":          s.guard.Snapshot(),
	})
}
