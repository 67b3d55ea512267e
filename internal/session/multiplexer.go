// Package session maps front-end clients onto gdb backends.
//
// A Multiplexer owns every backend it creates. Clients attach to a new
// backend, to an existing one by gdb pid, or share a backend with other
// clients; each client is attached to at most one backend at a time.
// Backends are terminated by explicit removal, by ExitAll, or by ReapOrphans
// once nobody has been attached for a grace period. A backend whose gdb
// exits on its own is removed as soon as the exit is observed.
package session

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/gdbmux/internal/metrics"
	"github.com/workspace/gdbmux/internal/persistence"
)

// Options configures a Multiplexer.
type Options struct {
	Config   Config
	Launcher Launcher
	Journal  Journal          // optional
	Metrics  *metrics.Metrics // optional
	Logger   *slog.Logger
	// OnBackendExit, if set, is called after a gdb that exited on its own
	// has been removed, with the clients that were attached to it.
	OnBackendExit func(pid int, orphans []string)
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type controllerEntry struct {
	id         ControllerID
	sessionID  string
	backend    Backend
	clients    []string
	emptySince time.Time // zero while clients are attached
	startedAt  time.Time
}

type ptyEntry struct {
	owner   ControllerID
	term    Terminal
	clients []string
}

// removal is a controller taken out of the mapping, waiting to be terminated.
type removal struct {
	entry     *controllerEntry
	terminals []Terminal
}

type journalWrite struct {
	what string
	fn   func(Journal) error
}

// Multiplexer is the authoritative client to backend mapping.
type Multiplexer struct {
	cfg      Config
	launcher Launcher
	journal  Journal
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.RWMutex
	nextID      ControllerID
	controllers map[ControllerID]*controllerEntry
	order       []ControllerID
	ptys        []*ptyEntry
	onExit      func(pid int, orphans []string)
	// journal writes queued under mu, flushed by unlockAndFlush
	pending []journalWrite

	// journalMu orders journal writes; it is taken before mu is released.
	journalMu sync.Mutex
}

// New creates an empty Multiplexer.
func New(opts Options) *Multiplexer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Multiplexer{
		cfg:         opts.Config,
		launcher:    opts.Launcher,
		journal:     opts.Journal,
		metrics:     opts.Metrics,
		logger:      logger,
		now:         now,
		controllers: make(map[ControllerID]*controllerEntry),
		onExit:      opts.OnBackendExit,
	}
}

// SetBackendExitHandler replaces the OnBackendExit callback.
func (m *Multiplexer) SetBackendExitHandler(fn func(pid int, orphans []string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit = fn
}

// Connect attaches clientID to a backend.
//
// A positive desiredPid asks to share the backend running as that pid; a
// miss is reported in the result, not as an error. Independently, a client
// that ends up without a backend gets a newly spawned one. Only allocation
// failures are returned as errors, as *AllocationError.
func (m *Multiplexer) Connect(clientID string, desiredPid int) (AttachResult, error) {
	m.mu.Lock()
	defer m.unlockAndFlush()

	var res AttachResult

	if desiredPid > 0 {
		if e := m.findByPidLocked(desiredPid); e != nil {
			m.detachControllersLocked(clientID, e.id)
			m.attachClientLocked(e, clientID)
			m.attachPtysLocked(clientID, e.id)
			res.Pid = desiredPid
			res.UsingExisting = true
			res.Message = fmt.Sprintf("gdbmux is using existing subprocess with pid %d", desiredPid)
			m.logger.Info("Client attached to existing gdb", "client", clientID, "pid", desiredPid)
		} else {
			res.Error = true
			res.Message = fmt.Sprintf("Could not find a gdb subprocess with pid %d. ", desiredPid)
			m.metrics.LookupMissed()
			m.logger.Info("No gdb controller with requested pid", "client", clientID, "pid", desiredPid)
		}
	}

	if m.controllerForClientLocked(clientID) == nil {
		pid, err := m.spawnLocked(clientID)
		if err != nil {
			return AttachResult{}, err
		}
		res.Pid = pid
		res.Message += fmt.Sprintf("gdbmux spawned subprocess with pid %d.", pid)
	}

	m.updateOccupancyLocked()
	return res, nil
}

// launchCmd is the argument vector recorded on the controller.
func (m *Multiplexer) launchCmd() []string {
	cmd := []string{"--interpreter=mi2"}
	cmd = append(cmd, m.cfg.GdbArgs...)
	return append(cmd, m.argsBlock()...)
}

// spawnArgv is the argument vector actually exec'd. The spawned gdb opens a
// second MI interface on the control terminal.
func (m *Multiplexer) spawnArgv(controlName string) []string {
	argv := []string{m.cfg.GdbPath}
	argv = append(argv, m.cfg.GdbArgs...)
	argv = append(argv, "-ex", "new-ui mi2 "+controlName)
	return append(argv, m.argsBlock()...)
}

func (m *Multiplexer) argsBlock() []string {
	if len(m.cfg.InitialBinaryAndArgs) == 0 {
		return nil
	}
	return append([]string{"--args"}, m.cfg.InitialBinaryAndArgs...)
}

// spawnLocked creates the control channel, controller and gdb process for
// clientID. Nothing is registered unless every step succeeds.
func (m *Multiplexer) spawnLocked(clientID string) (int, error) {
	ch, err := m.launcher.OpenChannel()
	if err != nil {
		m.metrics.SpawnFailed("open_pty")
		m.logger.Error("Failed to open control pty", "client", clientID, "error", err)
		return 0, &AllocationError{Op: "open control pty", Err: err}
	}

	backend := m.launcher.NewController(m.launchCmd(), ch)

	term, err := m.launcher.Spawn(m.spawnArgv(ch.Name()))
	if err != nil {
		m.metrics.SpawnFailed("spawn")
		m.logger.Error("Failed to spawn gdb", "client", clientID, "gdb", m.cfg.GdbPath, "error", err)
		if terr := backend.Terminate(); terr != nil {
			m.logger.Warn("Failed to release control pty", "tty", ch.Name(), "error", terr)
		}
		return 0, &AllocationError{Op: "spawn gdb", Err: err}
	}

	pid := term.Pid()
	backend.BindProcess(pid)

	m.nextID++
	e := &controllerEntry{
		id:        m.nextID,
		sessionID: uuid.NewString(),
		backend:   backend,
		startedAt: m.now(),
	}
	m.controllers[e.id] = e
	m.order = append(m.order, e.id)
	m.record("record backend start", func(j Journal) error {
		return j.BackendStarted(e.sessionID, pid, backend.Cmd(), backend.AbsGdbPath())
	})
	m.attachClientLocked(e, clientID)

	p := &ptyEntry{owner: e.id, term: term}
	m.ptys = append(m.ptys, p)
	m.attachPtysLocked(clientID, e.id)

	go m.watchExit(e.id, term)

	m.metrics.BackendSpawned()
	m.logger.Info("Spawned gdb", "client", clientID, "pid", pid, "tty", ch.Name(), "cmd", strings.Join(backend.Cmd(), " "))
	return pid, nil
}

// watchExit removes controller id once its gdb process is gone and reports
// the clients that were attached to it. A controller already removed by
// other means is left alone.
func (m *Multiplexer) watchExit(id ControllerID, term Terminal) {
	<-term.Exited()

	m.mu.Lock()
	if _, ok := m.controllers[id]; !ok {
		m.mu.Unlock()
		return
	}
	r := m.purgeLocked(id)
	onExit := m.onExit
	m.mu.Unlock()

	pid := r.entry.backend.Pid()
	m.terminate(r, persistence.ReasonExited)
	if onExit != nil {
		onExit(pid, slices.Clone(r.entry.clients))
	}
}

// attachClientLocked adds clientID to e, keeping insertion order and
// ignoring duplicates.
func (m *Multiplexer) attachClientLocked(e *controllerEntry, clientID string) {
	if slices.Contains(e.clients, clientID) {
		return
	}
	e.clients = append(e.clients, clientID)
	e.emptySince = time.Time{}
	m.record("record attach", func(j Journal) error {
		return j.ClientAttached(e.sessionID, clientID)
	})
}

// attachPtysLocked points clientID at the terminals spawned for owner and
// away from every other terminal.
func (m *Multiplexer) attachPtysLocked(clientID string, owner ControllerID) {
	for _, p := range m.ptys {
		i := slices.Index(p.clients, clientID)
		switch {
		case p.owner == owner && i < 0:
			p.clients = append(p.clients, clientID)
		case p.owner != owner && i >= 0:
			p.clients = slices.Delete(p.clients, i, i+1)
		}
	}
}

// detachControllersLocked removes clientID from every controller except keep.
func (m *Multiplexer) detachControllersLocked(clientID string, keep ControllerID) {
	for _, id := range m.order {
		e := m.controllers[id]
		if id == keep {
			continue
		}
		i := slices.Index(e.clients, clientID)
		if i < 0 {
			continue
		}
		e.clients = slices.Delete(e.clients, i, i+1)
		if len(e.clients) == 0 {
			e.emptySince = m.now()
		}
		m.record("record detach", func(j Journal) error {
			return j.ClientDetached(e.sessionID, clientID)
		})
	}
}

// Disconnect removes clientID from every controller and terminal. Backends
// left without clients keep running.
func (m *Multiplexer) Disconnect(clientID string) {
	m.mu.Lock()
	defer m.unlockAndFlush()

	m.detachControllersLocked(clientID, 0)
	for _, p := range m.ptys {
		if i := slices.Index(p.clients, clientID); i >= 0 {
			p.clients = slices.Delete(p.clients, i, i+1)
		}
	}
	m.updateOccupancyLocked()
	m.logger.Debug("Client disconnected", "client", clientID)
}

// RemoveControllerByPid terminates the controller whose gdb runs as pid and
// returns the clients that were attached to it. A miss returns an empty list.
func (m *Multiplexer) RemoveControllerByPid(pid int) []string {
	m.mu.Lock()
	e := m.findByPidLocked(pid)
	if e == nil {
		m.mu.Unlock()
		m.metrics.LookupMissed()
		m.logger.Info("No gdb controller to remove", "pid", pid)
		return []string{}
	}
	r := m.purgeLocked(e.id)
	m.mu.Unlock()

	m.terminate(r, persistence.ReasonRemoved)
	return slices.Clone(r.entry.clients)
}

// RemoveController terminates a controller and returns the clients that were
// attached to it. An unknown id returns an empty list.
func (m *Multiplexer) RemoveController(id ControllerID) []string {
	m.mu.Lock()
	if _, ok := m.controllers[id]; !ok {
		m.mu.Unlock()
		return []string{}
	}
	r := m.purgeLocked(id)
	m.mu.Unlock()

	m.terminate(r, persistence.ReasonRemoved)
	return slices.Clone(r.entry.clients)
}

// ReapOrphans removes controllers that have had no clients for at least
// maxIdle and returns how many were removed.
func (m *Multiplexer) ReapOrphans(maxIdle time.Duration) int {
	now := m.now()

	m.mu.Lock()
	var victims []removal
	for _, id := range slices.Clone(m.order) {
		e := m.controllers[id]
		if len(e.clients) > 0 || e.emptySince.IsZero() {
			continue
		}
		if now.Sub(e.emptySince) < maxIdle {
			continue
		}
		victims = append(victims, m.purgeLocked(id))
	}
	m.mu.Unlock()

	for _, r := range victims {
		m.logger.Info("Reaping orphaned gdb", "pid", r.entry.backend.Pid(), "idle", now.Sub(r.entry.emptySince).Round(time.Second))
	}
	m.terminateAll(victims, persistence.ReasonReaped)
	m.metrics.OrphansReaped(len(victims))
	return len(victims)
}

// ExitAll terminates every backend and empties the mapping.
func (m *Multiplexer) ExitAll() {
	m.mu.Lock()
	victims := make([]removal, 0, len(m.order))
	for _, id := range slices.Clone(m.order) {
		victims = append(victims, m.purgeLocked(id))
	}
	m.ptys = nil
	m.mu.Unlock()

	if len(victims) > 0 {
		m.logger.Info("Terminating all gdb backends", "count", len(victims))
	}
	m.terminateAll(victims, persistence.ReasonShutdown)
}

// purgeLocked drops a controller and the terminals spawned for it.
func (m *Multiplexer) purgeLocked(id ControllerID) removal {
	e := m.controllers[id]
	delete(m.controllers, id)
	m.order = slices.DeleteFunc(m.order, func(x ControllerID) bool { return x == id })

	r := removal{entry: e}
	m.ptys = slices.DeleteFunc(m.ptys, func(p *ptyEntry) bool {
		if p.owner != id {
			return false
		}
		r.terminals = append(r.terminals, p.term)
		return true
	})
	m.updateOccupancyLocked()
	return r
}

func (m *Multiplexer) terminateAll(victims []removal, reason string) {
	var wg sync.WaitGroup
	for _, r := range victims {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.terminate(r, reason)
		}()
	}
	wg.Wait()
}

// terminate stops a removed controller. Failures are logged and counted.
func (m *Multiplexer) terminate(r removal, reason string) {
	pid := r.entry.backend.Pid()
	if err := r.entry.backend.Terminate(); err != nil {
		m.metrics.TerminationFailed()
		m.logger.Warn("Failed to terminate gdb controller", "pid", pid, "error", err)
	}
	for _, t := range r.terminals {
		if err := t.Terminate(); err != nil {
			m.metrics.TerminationFailed()
			m.logger.Warn("Failed to terminate gdb process", "pid", t.Pid(), "tty", t.Name(), "error", err)
		}
	}
	m.journalDo("record backend stop", func(j Journal) error {
		return j.BackendStopped(r.entry.sessionID, reason)
	})
	m.logger.Info("Removed gdb controller", "pid", pid, "reason", reason, "orphaned", len(r.entry.clients))
}

// ClientIDsForPid returns the clients attached to the backend running as pid.
func (m *Multiplexer) ClientIDsForPid(pid int) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e := m.findByPidLocked(pid); e != nil {
		return slices.Clone(e.clients)
	}
	return []string{}
}

// ClientIDsForController returns the clients attached to a controller in
// attach order.
func (m *Multiplexer) ClientIDsForController(id ControllerID) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e, ok := m.controllers[id]; ok {
		return slices.Clone(e.clients)
	}
	return []string{}
}

// ControllerForClient returns the backend clientID is attached to.
func (m *Multiplexer) ControllerForClient(clientID string) (ControllerID, Backend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e := m.controllerForClientLocked(clientID); e != nil {
		return e.id, e.backend, true
	}
	return 0, nil, false
}

// PtyForClient returns the terminal spawned for clientID.
func (m *Multiplexer) PtyForClient(clientID string) (Terminal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.ptys {
		if slices.Contains(p.clients, clientID) {
			return p.term, true
		}
	}
	return nil, false
}

// HasController reports whether id is still registered.
func (m *Multiplexer) HasController(id ControllerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.controllers[id]
	return ok
}

// Len returns the number of registered controllers.
func (m *Multiplexer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.controllers)
}

// Dashboard returns a snapshot of every controller.
func (m *Multiplexer) Dashboard() map[ControllerID]DashboardInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[ControllerID]DashboardInfo, len(m.controllers))
	for _, id := range m.order {
		e := m.controllers[id]
		out[id] = DashboardInfo{
			ID:         id,
			SessionID:  e.sessionID,
			Cmd:        strings.Join(e.backend.Cmd(), " "),
			AbsGdbPath: e.backend.AbsGdbPath(),
			Pid:        e.backend.Pid(),
			NumClients: len(e.clients),
			ClientIDs:  slices.Clone(e.clients),
			StartedAt:  e.startedAt,
		}
	}
	return out
}

func (m *Multiplexer) findByPidLocked(pid int) *controllerEntry {
	if pid <= 0 {
		return nil
	}
	for _, id := range m.order {
		if e := m.controllers[id]; e.backend.Pid() == pid {
			return e
		}
	}
	return nil
}

func (m *Multiplexer) controllerForClientLocked(clientID string) *controllerEntry {
	for _, id := range m.order {
		if e := m.controllers[id]; slices.Contains(e.clients, clientID) {
			return e
		}
	}
	return nil
}

func (m *Multiplexer) updateOccupancyLocked() {
	if m.metrics == nil {
		return
	}
	clients := 0
	for _, e := range m.controllers {
		clients += len(e.clients)
	}
	m.metrics.SetOccupancy(len(m.controllers), clients)
}

// record queues a journal write. The caller holds mu and releases it with
// unlockAndFlush.
func (m *Multiplexer) record(what string, fn func(Journal) error) {
	if m.journal == nil {
		return
	}
	m.pending = append(m.pending, journalWrite{what: what, fn: fn})
}

// unlockAndFlush releases mu and then performs the queued journal writes.
// journalMu is taken first so writes land in the order they were queued.
func (m *Multiplexer) unlockAndFlush() {
	pending := m.pending
	m.pending = nil
	if len(pending) == 0 {
		m.mu.Unlock()
		return
	}

	m.journalMu.Lock()
	m.mu.Unlock()
	defer m.journalMu.Unlock()
	for _, w := range pending {
		m.writeJournal(w)
	}
}

func (m *Multiplexer) journalDo(what string, fn func(Journal) error) {
	if m.journal == nil {
		return
	}
	m.journalMu.Lock()
	defer m.journalMu.Unlock()
	m.writeJournal(journalWrite{what: what, fn: fn})
}

func (m *Multiplexer) writeJournal(w journalWrite) {
	if err := w.fn(m.journal); err != nil {
		m.logger.Warn("Journal write failed", "op", w.what, "error", err)
	}
}
