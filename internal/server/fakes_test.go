package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/workspace/gdbmux/internal/config"
	"github.com/workspace/gdbmux/internal/gdb"
	"github.com/workspace/gdbmux/internal/metrics"
	"github.com/workspace/gdbmux/internal/mi"
	"github.com/workspace/gdbmux/internal/persistence"
	"github.com/workspace/gdbmux/internal/session"
)

type fakeChannel struct{ name string }

func (c *fakeChannel) Read(p []byte) (int, error)  { return 0, errors.New("not readable") }
func (c *fakeChannel) Write(p []byte) (int, error) { return len(p), nil }
func (c *fakeChannel) Name() string                { return c.name }
func (c *fakeChannel) Terminate() error            { return nil }

// fakeBackend queues records pushed by the test and hands them out the way
// the real controller does.
type fakeBackend struct {
	mu         sync.Mutex
	cmd        []string
	pid        int
	written    []string
	queue      []mi.Record
	notify     chan struct{}
	closed     bool
	terminated int
}

func newFakeBackend(cmd []string) *fakeBackend {
	return &fakeBackend{cmd: cmd, notify: make(chan struct{})}
}

func (b *fakeBackend) push(records ...mi.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, records...)
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *fakeBackend) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *fakeBackend) Write(cmds []string, timeout time.Duration) ([]mi.Record, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("write to gdb: %w", gdb.ErrClosed)
	}
	b.written = append(b.written, cmds...)
	b.mu.Unlock()

	b.push(mi.Record{Type: mi.TypeResult, Message: "done", Stream: "stdout"})
	return b.ReadAvailable(timeout, false)
}

func (b *fakeBackend) ReadAvailable(timeout time.Duration, raiseOnTimeout bool) ([]mi.Record, error) {
	deadline := time.After(timeout)
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			out := b.queue
			b.queue = nil
			b.mu.Unlock()
			return out, nil
		}
		if b.closed {
			b.mu.Unlock()
			return nil, gdb.ErrClosed
		}
		wait := b.notify
		b.mu.Unlock()

		if timeout <= 0 {
			return nil, nil
		}
		select {
		case <-wait:
		case <-deadline:
			if raiseOnTimeout {
				return nil, gdb.ErrTimeout
			}
			return nil, nil
		}
	}
}

func (b *fakeBackend) Terminate() error {
	b.close()
	b.mu.Lock()
	b.terminated++
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Written() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.written...)
}

func (b *fakeBackend) Cmd() []string      { return b.cmd }
func (b *fakeBackend) AbsGdbPath() string { return "/usr/bin/gdb" }

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
	pid      int
	exited   chan struct{}
	exitOnce sync.Once
}

func (t *fakeTerminal) Name() string            { return fmt.Sprintf("/dev/pts/spawn%d", t.pid) }
func (t *fakeTerminal) Pid() int                { return t.pid }
func (t *fakeTerminal) Exited() <-chan struct{} { return t.exited }

const fakeConsole = "GNU gdb (GDB) 14.2\n"

func (t *fakeTerminal) Output(limit int) []byte {
	out := []byte(fakeConsole)
	if limit > 0 && limit < len(out) {
		out = out[len(out)-limit:]
	}
	return out
}

func (t *fakeTerminal) OutputTotal() int64 { return int64(len(fakeConsole)) }

// exit simulates gdb going away on its own.
func (t *fakeTerminal) exit() { t.exitOnce.Do(func() { close(t.exited) }) }

func (t *fakeTerminal) Terminate() error {
	t.exit()
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	nextPid  int
	spawnErr  error
	backends  []*fakeBackend
	terminals []*fakeTerminal
}

func (l *fakeLauncher) OpenChannel() (session.Channel, error) {
	return &fakeChannel{name: "/dev/pts/ctl"}, nil
}

func (l *fakeLauncher) NewController(cmd []string, _ session.Channel) session.Backend {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := newFakeBackend(cmd)
	l.backends = append(l.backends, b)
	return b
}

func (l *fakeLauncher) Spawn(argv []string) (session.Terminal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.spawnErr != nil {
		return nil, l.spawnErr
	}
	l.nextPid++
	t := &fakeTerminal{pid: l.nextPid, exited: make(chan struct{})}
	l.terminals = append(l.terminals, t)
	return t, nil
}

func (l *fakeLauncher) terminal(i int) *fakeTerminal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.terminals[i]
}

func (l *fakeLauncher) backend(i int) *fakeBackend {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backends[i]
}

type testEnv struct {
	srv      *Server
	mux      *session.Multiplexer
	launcher *fakeLauncher
	metrics  *metrics.Metrics
}

type envOption func(*Options, *session.Options)

// withStore journals into store and serves its history.
func withStore(store *persistence.Store) envOption {
	return func(o *Options, so *session.Options) {
		o.Store = store
		so.Journal = store
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.AllowedOrigins = []string{"https://*.example.com"}
	cfg.CommandTimeout = 50 * time.Millisecond

	launcher := &fakeLauncher{nextPid: 1000}
	m := metrics.New()
	so := session.Options{
		Config:   session.Config{GdbPath: "gdb"},
		Launcher: launcher,
		Metrics:  m,
	}
	o := Options{Config: cfg, Metrics: m}
	for _, opt := range opts {
		opt(&o, &so)
	}
	mux := session.New(so)
	o.Multiplexer = mux

	srv, err := New(o)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		mux.ExitAll()
		_ = srv.Stop(context.Background())
	})

	return &testEnv{srv: srv, mux: mux, launcher: launcher, metrics: m}
}
