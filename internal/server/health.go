package server

import (
	"log/slog"
	"net/http"
	"time"
)

// handleHealth reports liveness, backend occupancy and host load.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"controllers": s.mux.Len(),
	}

	if host, err := s.sysInfo.Host(); err == nil {
		response["host"] = host
	} else {
		slog.Warn("Host info collection failed", "error", err)
	}

	if s.reaper != nil {
		reaper := map[string]interface{}{
			"enabled": s.reaper.Enabled(),
			"reaped":  s.reaper.Reaped(),
		}
		if last := s.reaper.LastRun(); !last.IsZero() {
			reaper["lastRun"] = last.UTC().Format(time.RFC3339)
		}
		response["reaper"] = reaper
	}

	writeJSON(w, http.StatusOK, response)
}
