package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/guysv/ilua/internal/dispatch"
)

// handleHealthz handles GET /healthz (no auth). It stays 200 until the
// engine has stopped.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: s.uptime(),
	}
	code := http.StatusOK
	if s.status.Status().State == dispatch.StateStopped {
		resp.Status = "stopped"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.status.Status()
	respondJSON(w, http.StatusOK, StatusResponse{
		State:          string(st.State),
		ExecutionCount: st.ExecutionCount,
		Session:        s.config.Session,
		UptimeSeconds:  s.uptime(),
	})
}

func (s *Server) uptime() int64 {
	return int64(time.Since(s.startedAt).Seconds())
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
