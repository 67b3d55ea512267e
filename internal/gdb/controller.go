// Package gdb drives one debugger backend over its machine interface.
package gdb

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/workspace/gdbmux/internal/mi"
)

var (
	// ErrTimeout is returned by ReadAvailable when no record arrived in time
	// and the caller asked to be told about it.
	ErrTimeout = errors.New("timed out waiting for gdb response")
	// ErrClosed is returned once the backend's output stream has ended and
	// every buffered record has been handed out.
	ErrClosed = errors.New("gdb output stream closed")
)

// Endpoint is the byte channel a controller speaks over, typically the
// master side of a pseudo-terminal.
type Endpoint interface {
	io.Reader
	io.Writer
	Terminate() error
}

// Config describes a controller.
type Config struct {
	// Cmd is the argument vector the backend was launched with; used for
	// display and lookup only.
	Cmd []string
	// GdbPath is the executable name or path, resolved to an absolute path.
	GdbPath  string
	Endpoint Endpoint
	Logger   *slog.Logger
}

// Controller sends commands to a backend and queues the records it emits.
type Controller struct {
	cmd        []string
	absGdbPath string
	endpoint   Endpoint
	logger     *slog.Logger
	pid        atomic.Int64

	writeMu sync.Mutex

	mu      sync.Mutex
	queue   []mi.Record
	notify  chan struct{} // closed and replaced whenever records arrive
	readErr error
	done    chan struct{}

	terminateOnce sync.Once
	terminateErr  error
}

// NewController wraps endpoint and starts decoding its output.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		cmd:        append([]string(nil), cfg.Cmd...),
		absGdbPath: ResolvePath(cfg.GdbPath),
		endpoint:   cfg.Endpoint,
		logger:     logger,
		notify:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// ResolvePath returns the absolute path of an executable, searching PATH for
// bare names. The input is returned unchanged when it cannot be resolved.
func ResolvePath(name string) string {
	if name == "" {
		return ""
	}
	path, err := exec.LookPath(name)
	if err != nil {
		path = name
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func (c *Controller) readLoop() {
	defer close(c.done)

	dec := mi.NewDecoder(c.endpoint)
	for {
		rec, err := dec.Next()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.wakeLocked()
			c.mu.Unlock()
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				c.logger.Debug("gdb output stream ended", "pid", c.Pid(), "error", err)
			}
			return
		}
		c.mu.Lock()
		c.queue = append(c.queue, rec)
		c.wakeLocked()
		c.mu.Unlock()
	}
}

func (c *Controller) wakeLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// Write sends each command on its own line, then collects whatever the
// backend emits within timeout.
func (c *Controller) Write(commands []string, timeout time.Duration) ([]mi.Record, error) {
	c.writeMu.Lock()
	for _, cmd := range commands {
		if _, err := c.endpoint.Write(mi.FormatCommand(cmd)); err != nil {
			c.writeMu.Unlock()
			return nil, fmt.Errorf("write %q to gdb: %w", cmd, err)
		}
	}
	c.writeMu.Unlock()

	records, err := c.ReadAvailable(timeout, false)
	if errors.Is(err, ErrClosed) {
		return records, fmt.Errorf("read gdb response: %w", err)
	}
	return records, err
}

// ReadAvailable returns the records queued so far. With a zero timeout it
// never blocks. Otherwise it waits up to timeout for the first record; an
// empty result is an error only when raiseOnTimeout is set.
func (c *Controller) ReadAvailable(timeout time.Duration, raiseOnTimeout bool) ([]mi.Record, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			out := c.queue
			c.queue = nil
			c.mu.Unlock()
			return out, nil
		}
		if c.readErr != nil {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		wait := c.notify
		c.mu.Unlock()

		if deadline == nil {
			return nil, nil
		}
		select {
		case <-wait:
		case <-deadline:
			if raiseOnTimeout {
				return nil, ErrTimeout
			}
			return nil, nil
		}
	}
}

// Terminate closes the endpoint. Safe to call more than once.
func (c *Controller) Terminate() error {
	c.terminateOnce.Do(func() {
		c.terminateErr = c.endpoint.Terminate()
	})
	return c.terminateErr
}

// streamDone is closed when the backend's output stream has ended.
func (c *Controller) streamDone() <-chan struct{} { return c.done }

// Cmd returns a copy of the launch argument vector.
func (c *Controller) Cmd() []string { return append([]string(nil), c.cmd...) }

// AbsGdbPath returns the resolved backend executable.
func (c *Controller) AbsGdbPath() string { return c.absGdbPath }

// Pid returns the backend's process id, or 0 until BindProcess is called.
func (c *Controller) Pid() int { return int(c.pid.Load()) }

// BindProcess records the process id of the backend behind this controller.
func (c *Controller) BindProcess(pid int) { c.pid.Store(int64(pid)) }
