package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/workspace/gdbmux/internal/mi"
)

type fakeChannel struct {
	name       string
	terminated int
}

func (c *fakeChannel) Read(p []byte) (int, error)  { return 0, errors.New("not readable") }
func (c *fakeChannel) Write(p []byte) (int, error) { return len(p), nil }
func (c *fakeChannel) Name() string                { return c.name }
func (c *fakeChannel) Terminate() error {
	c.terminated++
	return nil
}

type fakeBackend struct {
	mu           sync.Mutex
	cmd          []string
	ch           *fakeChannel
	pid          int
	terminated   int
	terminateErr error
}

func (b *fakeBackend) Write(cmds []string, _ time.Duration) ([]mi.Record, error) {
	return []mi.Record{{Type: mi.TypeResult, Message: "done"}}, nil
}

func (b *fakeBackend) ReadAvailable(time.Duration, bool) ([]mi.Record, error) { return nil, nil }
func (b *fakeBackend) Cmd() []string                                          { return b.cmd }
func (b *fakeBackend) AbsGdbPath() string                                     { return "/usr/bin/gdb" }

// Terminate is idempotent like the real controller; only the first call
// counts.
func (b *fakeBackend) Terminate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminated > 0 {
		return b.terminateErr
	}
	b.terminated++
	_ = b.ch.Terminate()
	return b.terminateErr
}

func (b *fakeBackend) Terminations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminated
}

func (b *fakeBackend) Pid() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pid
}

func (b *fakeBackend) BindProcess(pid int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pid = pid
}

type fakeTerminal struct {
	mu           sync.Mutex
	argv         []string
	pid          int
	terminated   int
	terminateErr error
	exited       chan struct{}
	exitOnce     sync.Once
}

func (t *fakeTerminal) Name() string   { return fmt.Sprintf("/dev/pts/spawn%d", t.pid) }
func (t *fakeTerminal) Pid() int       { return t.pid }
func (t *fakeTerminal) Output(int) []byte  { return []byte("GNU gdb\n") }
func (t *fakeTerminal) OutputTotal() int64 { return 8 }

func (t *fakeTerminal) Exited() <-chan struct{} { return t.exited }

// exit simulates the gdb process going away.
func (t *fakeTerminal) exit() { t.exitOnce.Do(func() { close(t.exited) }) }

func (t *fakeTerminal) Terminate() error {
	t.exit()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.terminated++
	return t.terminateErr
}

func (t *fakeTerminal) Terminations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminated
}

type fakeLauncher struct {
	mu        sync.Mutex
	nextPid   int
	openErr   error
	spawnErr  error
	channels  []*fakeChannel
	backends  []*fakeBackend
	terminals []*fakeTerminal
	// spawnDelay widens the window between the connect check and spawn.
	spawnDelay time.Duration
}

func newFakeLauncher() *fakeLauncher { return &fakeLauncher{nextPid: 1000} }

func (l *fakeLauncher) OpenChannel() (Channel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.openErr != nil {
		return nil, l.openErr
	}
	ch := &fakeChannel{name: fmt.Sprintf("/dev/pts/ctl%d", len(l.channels))}
	l.channels = append(l.channels, ch)
	return ch, nil
}

func (l *fakeLauncher) NewController(cmd []string, ch Channel) Backend {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := &fakeBackend{cmd: cmd, ch: ch.(*fakeChannel)}
	l.backends = append(l.backends, b)
	return b
}

func (l *fakeLauncher) Spawn(argv []string) (Terminal, error) {
	if l.spawnDelay > 0 {
		time.Sleep(l.spawnDelay)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.spawnErr != nil {
		return nil, l.spawnErr
	}
	l.nextPid++
	t := &fakeTerminal{argv: argv, pid: l.nextPid, exited: make(chan struct{})}
	l.terminals = append(l.terminals, t)
	return t, nil
}

func (l *fakeLauncher) spawned() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.terminals)
}

type journalEvent struct {
	op      string
	backend string
	client  string
	reason  string
	pid     int
}

type fakeJournal struct {
	mu     sync.Mutex
	events []journalEvent
	err    error
	// onWrite runs before each write is recorded.
	onWrite func(op string)
}

func (j *fakeJournal) add(e journalEvent) error {
	if j.onWrite != nil {
		j.onWrite(e.op)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
	return j.err
}

func (j *fakeJournal) BackendStarted(id string, pid int, cmd []string, gdbPath string) error {
	return j.add(journalEvent{op: "start", backend: id, pid: pid})
}

func (j *fakeJournal) BackendStopped(id, reason string) error {
	return j.add(journalEvent{op: "stop", backend: id, reason: reason})
}

func (j *fakeJournal) ClientAttached(backendID, clientID string) error {
	return j.add(journalEvent{op: "attach", backend: backendID, client: clientID})
}

func (j *fakeJournal) ClientDetached(backendID, clientID string) error {
	return j.add(journalEvent{op: "detach", backend: backendID, client: clientID})
}

func (j *fakeJournal) ops() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, e := range j.events {
		s := e.op
		if e.client != "" {
			s += ":" + e.client
		}
		if e.reason != "" {
			s += ":" + e.reason
		}
		out = append(out, s)
	}
	return out
}
