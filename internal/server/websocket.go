package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/workspace/gdbmux/internal/gdb"
	"github.com/workspace/gdbmux/internal/session"
)

const (
	pumpPollInterval = 200 * time.Millisecond
	wsWriteTimeout   = 10 * time.Second
)

// createUpgrader creates a WebSocket upgrader with proper origin validation.
// WebSocket upgrades bypass CORS, so we must validate origins explicitly.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header - likely same-origin or non-browser client
				return true
			}
			return s.isOriginAllowed(origin)
		},
	}
}

// isOriginAllowed checks if the given origin is in the allowed list.
// Supports wildcard patterns like "https://*.example.com".
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" {
			return true
		}
		if allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", s.config.AllowedOrigins)
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix := parts[0]
	suffix := parts[1]

	if len(origin) < len(prefix)+len(suffix) {
		return false
	}
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}

	// The subdomain must not contain "/"
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

// WebSocket message types
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type wsConnectData struct {
	GdbPid int `json:"gdbpid"`
}

type wsCommandData struct {
	Cmd commandList `json:"cmd"`
}

// wsConn is one browser socket. A client id may own several.
type wsConn struct {
	clientID string
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

func (c *wsConn) send(msgType string, data interface{}) error {
	msg := wsMessage{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		msg.Data = raw
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(msg)
}

type pumpState struct {
	// rearm is set when a socket shows up while the pump is deciding to exit.
	rearm bool
}

// hub tracks open sockets by client id and the record pump of each
// controller that has sockets listening.
type hub struct {
	mu     sync.Mutex
	conns  map[string]map[*wsConn]struct{}
	pumps  map[session.ControllerID]*pumpState
	closed bool
}

func newHub() *hub {
	return &hub{
		conns: make(map[string]map[*wsConn]struct{}),
		pumps: make(map[session.ControllerID]*pumpState),
	}
}

func (h *hub) add(c *wsConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.conns[c.clientID]
	if !ok {
		set = make(map[*wsConn]struct{})
		h.conns[c.clientID] = set
	}
	set[c] = struct{}{}
	return true
}

// remove forgets c and reports whether it was the client's last socket.
func (h *hub) remove(c *wsConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.clientID]
	if !ok {
		return false
	}
	delete(set, c)
	if len(set) > 0 {
		return false
	}
	delete(h.conns, c.clientID)
	return true
}

func (h *hub) connsFor(clientIDs []string) []*wsConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*wsConn
	for _, id := range clientIDs {
		for c := range h.conns[id] {
			out = append(out, c)
		}
	}
	return out
}

func (h *hub) hasAnyLocked(clientIDs []string) bool {
	for _, id := range clientIDs {
		if len(h.conns[id]) > 0 {
			return true
		}
	}
	return false
}

// claimPump registers a pump for id. It returns false when one is already
// running, in which case that pump is asked to stay.
func (h *hub) claimPump(id session.ControllerID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if p, ok := h.pumps[id]; ok {
		p.rearm = true
		return false
	}
	h.pumps[id] = &pumpState{}
	return true
}

// releasePumpIfIdle unregisters the pump for id when none of clientIDs has
// an open socket and nobody asked it to stay since the last check.
func (h *hub) releasePumpIfIdle(id session.ControllerID, clientIDs []string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pumps[id]
	if !ok {
		return true
	}
	if p.rearm {
		p.rearm = false
		return false
	}
	if !h.closed && h.hasAnyLocked(clientIDs) {
		return false
	}
	delete(h.pumps, id)
	return true
}

func (h *hub) dropPump(id session.ControllerID) {
	h.mu.Lock()
	delete(h.pumps, id)
	h.mu.Unlock()
}

func (h *hub) pumpCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pumps)
}

// closeAll closes every socket and refuses new ones.
func (h *hub) closeAll() {
	h.mu.Lock()
	h.closed = true
	var all []*wsConn
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		_ = c.conn.Close()
	}
}

// sendTo delivers one message to every socket of clientIDs.
func (s *Server) sendTo(clientIDs []string, msgType string, data interface{}) {
	for _, c := range s.hub.connsFor(clientIDs) {
		if err := c.send(msgType, data); err != nil {
			slog.Debug("WebSocket send failed", "client", c.clientID, "type", msgType, "error", err)
		}
	}
}

// notifyExited tells clients that the backend they were attached to is gone.
func (s *Server) notifyExited(clientIDs []string, pid int) {
	if len(clientIDs) == 0 {
		return
	}
	s.sendTo(clientIDs, "gdb_exited", map[string]interface{}{
		"pid": pid,
	})
}

// ensurePump starts fanning out the records of the client's controller, if
// it has one and no pump is running for it yet.
func (s *Server) ensurePump(clientID string) {
	id, backend, ok := s.mux.ControllerForClient(clientID)
	if !ok {
		return
	}
	if s.hub.claimPump(id) {
		go s.pump(id, backend)
	}
}

// pump forwards records of one controller to every attached socket until the
// controller goes away or nobody listens over WebSocket anymore.
func (s *Server) pump(id session.ControllerID, backend session.Backend) {
	for {
		select {
		case <-s.done:
			s.hub.dropPump(id)
			return
		default:
		}

		if !s.mux.HasController(id) {
			s.hub.dropPump(id)
			return
		}
		clients := s.mux.ClientIDsForController(id)
		if s.hub.releasePumpIfIdle(id, clients) {
			return
		}

		records, err := backend.ReadAvailable(pumpPollInterval, false)
		if errors.Is(err, gdb.ErrClosed) {
			s.hub.dropPump(id)
			pid := backend.Pid()
			orphans := s.mux.RemoveController(id)
			if len(orphans) > 0 {
				slog.Info("gdb exited", "pid", pid, "clients", len(orphans))
			}
			s.notifyExited(orphans, pid)
			return
		}
		if err != nil {
			slog.Warn("gdb read failed", "pid", backend.Pid(), "error", err)
			s.hub.dropPump(id)
			return
		}
		if len(records) > 0 {
			s.sendTo(s.mux.ClientIDsForController(id), "gdb_response", records)
		}
	}
}

// handleWS serves the push channel. Records of the client's backend are
// pushed as they arrive; connect and command requests may also be sent over
// the socket. Closing a client's last socket detaches that client.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := clientID(r)
	header := http.Header{}
	if id == "" {
		id = uuid.NewString()
		header.Add("Set-Cookie", (&http.Cookie{
			Name:     clientIDCookie,
			Value:    id,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		}).String())
	}

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := &wsConn{clientID: id, conn: conn}
	if !s.hub.add(c) {
		_ = conn.Close()
		return
	}
	defer func() {
		_ = conn.Close()
		if s.hub.remove(c) {
			s.mux.Disconnect(id)
		}
	}()

	slog.Debug("WebSocket opened", "client", id)
	s.ensurePump(id)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read error", "client", id, "error", err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			_ = c.send("error", map[string]string{"message": "invalid message format"})
			continue
		}

		switch msg.Type {
		case "connect":
			s.wsConnect(c, msg.Data)
		case "command":
			s.wsCommand(c, msg.Data)
		case "ping":
			_ = c.send("pong", nil)
		default:
			_ = c.send("error", map[string]string{"message": "unknown message type: " + msg.Type})
		}
	}
}

func (s *Server) wsConnect(c *wsConn, raw json.RawMessage) {
	var data wsConnectData
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			_ = c.send("error", map[string]string{"message": "invalid connect data"})
			return
		}
	}

	result, err := s.mux.Connect(c.clientID, data.GdbPid)
	if err != nil {
		slog.Error("Connect failed", "client", c.clientID, "error", err)
		_ = c.send("error", map[string]string{"message": err.Error()})
		return
	}
	_ = c.send("connected", connectResponse{AttachResult: result, ClientID: c.clientID})
	s.ensurePump(c.clientID)
}

func (s *Server) wsCommand(c *wsConn, raw json.RawMessage) {
	var data wsCommandData
	if err := json.Unmarshal(raw, &data); err != nil || len(data.Cmd) == 0 {
		_ = c.send("error", map[string]string{"message": "cmd is required"})
		return
	}

	id, backend, ok := s.mux.ControllerForClient(c.clientID)
	if !ok {
		_ = c.send("error", map[string]string{"message": "gdb is not running"})
		return
	}

	// Replies are picked up by the pump unless they are already queued.
	records, err := backend.Write(data.Cmd, 0)
	if err != nil {
		_ = c.send("error", map[string]string{"message": err.Error()})
		return
	}
	if len(records) > 0 {
		s.sendTo(s.mux.ClientIDsForController(id), "gdb_response", records)
	}
	s.ensurePump(c.clientID)
}
