package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/workspace/gdbmux/internal/mi"
	"github.com/workspace/gdbmux/internal/session"
)

// commandList accepts either a single command string or a list of them.
type commandList []string

func (c *commandList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*c = commandList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("cmd must be a string or a list of strings")
	}
	*c = many
	return nil
}

// handleConnect attaches the caller to a gdb backend, spawning one unless
// gdbpid names a running backend.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GdbPid int `json:"gdbpid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := ensureClientID(w, r)
	result, err := s.mux.Connect(id, body.GdbPid)
	if err != nil {
		var allocErr *session.AllocationError
		if errors.As(err, &allocErr) {
			slog.Error("Failed to start gdb", "client", id, "op", allocErr.Op, "error", allocErr.Err)
		} else {
			slog.Error("Connect failed", "client", id, "error", err)
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, connectResponse{AttachResult: result, ClientID: id})
}

type connectResponse struct {
	session.AttachResult
	ClientID string `json:"client_id"`
}

// handleDisconnect detaches the caller from everything it is attached to.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := clientID(r)
	if id == "" {
		writeError(w, http.StatusBadRequest, "client id is required")
		return
	}
	s.mux.Disconnect(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

// handleKillSession terminates the backend running as gdbpid and tells the
// clients that were attached to it.
func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GdbPid int `json:"gdbpid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.GdbPid <= 0 {
		writeError(w, http.StatusBadRequest, "gdbpid is required")
		return
	}

	orphans := s.mux.RemoveControllerByPid(body.GdbPid)
	s.notifyExited(orphans, body.GdbPid)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":             true,
		"orphaned_client_ids": orphans,
	})
}

// handleRunGdbCommand writes commands to the caller's backend and returns
// whatever it answered within the command timeout.
func (s *Server) handleRunGdbCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cmd commandList `json:"cmd"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.Cmd) == 0 {
		writeError(w, http.StatusBadRequest, "cmd is required")
		return
	}

	id := clientID(r)
	_, backend, ok := s.mux.ControllerForClient(id)
	if !ok {
		writeError(w, http.StatusBadRequest, "gdb is not running")
		return
	}

	records, err := backend.Write(body.Cmd, s.config.CommandTimeout)
	if err != nil {
		slog.Error("gdb command failed", "client", id, "pid", backend.Pid(), "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nonNil(records))
}

// handleGetGdbResponse returns the records queued for the caller's backend
// without waiting.
func (s *Server) handleGetGdbResponse(w http.ResponseWriter, r *http.Request) {
	_, backend, ok := s.mux.ControllerForClient(clientID(r))
	if !ok {
		writeError(w, http.StatusBadRequest, "gdb is not running")
		return
	}

	records, err := backend.ReadAvailable(0, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nonNil(records))
}

// handleGdbConsole returns the recent terminal output of the caller's gdb.
// bytes, when given, limits the output to its most recent bytes.
func (s *Server) handleGdbConsole(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("bytes"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid bytes")
			return
		}
		limit = n
	}

	term, ok := s.mux.PtyForClient(clientID(r))
	if !ok {
		writeError(w, http.StatusBadRequest, "gdb is not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pid":          term.Pid(),
		"tty":          term.Name(),
		"output":       string(term.Output(limit)),
		"output_total": term.OutputTotal(),
	})
}

func nonNil(records []mi.Record) []mi.Record {
	if records == nil {
		return []mi.Record{}
	}
	return records
}
