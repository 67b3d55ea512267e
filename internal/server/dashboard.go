package server

import (
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/workspace/gdbmux/internal/persistence"
	"github.com/workspace/gdbmux/internal/session"
	"github.com/workspace/gdbmux/internal/sysinfo"
)

// dashboardEntry is one running backend with live process statistics.
type dashboardEntry struct {
	session.DashboardInfo
	Process sysinfo.ProcessStats `json:"process"`
}

// handleDashboard lists running backends in creation order.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snapshot := s.mux.Dashboard()

	entries := make([]dashboardEntry, 0, len(snapshot))
	for _, info := range snapshot {
		entries = append(entries, dashboardEntry{
			DashboardInfo: info,
			Process:       s.sysInfo.Process(info.Pid),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})

	writeJSON(w, http.StatusOK, entries)
}

// handleDashboardHistory lists journaled backends, newest first.
func (s *Server) handleDashboardHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []persistence.Backend{})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	backends, err := s.store.RecentBackends(limit)
	if err != nil {
		slog.Error("Failed to list backend history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list backend history")
		return
	}
	writeJSON(w, http.StatusOK, backends)
}
