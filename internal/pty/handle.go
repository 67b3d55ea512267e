// Package pty owns pseudo-terminal pairs used to talk to debugger backends.
//
// A Handle is either a bare terminal pair (Open), used as a communication
// endpoint that another process attaches to by device name, or a pair with a
// child process whose controlling terminal is the slave side (Start).
package pty

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

const defaultTerminateTimeout = 2 * time.Second

// Options configures a Handle.
type Options struct {
	// TerminateTimeout bounds each wait after a signal is sent to the child.
	TerminateTimeout time.Duration
	// ConsoleBufferSize is the capacity of the output buffer of a forked handle.
	ConsoleBufferSize int
	Rows              int
	Cols              int
	Env               []string
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.TerminateTimeout <= 0 {
		o.TerminateTimeout = defaultTerminateTimeout
	}
	if o.Rows <= 0 {
		o.Rows = 24
	}
	if o.Cols <= 0 {
		o.Cols = 80
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Handle is one pseudo-terminal pair, optionally forked into a child process.
type Handle struct {
	name   string
	master *os.File
	tty    *os.File // slave side; nil for forked handles
	cmd    *exec.Cmd
	output *ConsoleBuffer
	opts   Options

	exited    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Open allocates a pseudo-terminal pair without forking. The slave side is
// switched to raw mode so that commands written to the master are not echoed
// back to whichever process opens Name().
func Open(opts Options) (*Handle, error) {
	opts = opts.withDefaults()

	master, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}
	if _, err := term.MakeRaw(int(tty.Fd())); err != nil {
		_ = master.Close()
		_ = tty.Close()
		return nil, fmt.Errorf("set raw mode on %s: %w", tty.Name(), err)
	}

	exited := make(chan struct{})
	close(exited)

	return &Handle{
		name:   tty.Name(),
		master: master,
		tty:    tty,
		opts:   opts,
		exited: exited,
	}, nil
}

// Start allocates a pseudo-terminal pair and execs argv with the slave as its
// controlling terminal. Output written by the child is kept in a bounded
// ConsoleBuffer so the child never blocks on a full terminal.
func Start(argv []string, opts Options) (*Handle, error) {
	if len(argv) == 0 {
		return nil, errors.New("start: empty argument vector")
	}
	opts = opts.withDefaults()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	master, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}
	if err := pty.Setsize(master, &pty.Winsize{
		Rows: uint16(opts.Rows),
		Cols: uint16(opts.Cols),
	}); err != nil {
		opts.Logger.Debug("set pty size failed", "tty", tty.Name(), "error", err)
	}

	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	name := tty.Name()
	err = cmd.Start()
	// the child holds its own copy of the slave
	_ = tty.Close()
	if err != nil {
		_ = master.Close()
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	h := &Handle{
		name:   name,
		master: master,
		cmd:    cmd,
		output: NewConsoleBuffer(opts.ConsoleBufferSize),
		opts:   opts,
		exited: make(chan struct{}),
	}

	go h.drain()
	go h.wait()

	return h, nil
}

func (h *Handle) drain() {
	// io.Copy ends with EIO once the child side is closed.
	_, _ = io.Copy(h.output, h.master)
}

func (h *Handle) wait() {
	_ = h.cmd.Wait()
	close(h.exited)
}

// Name returns the slave device path, suitable for "new-ui" style redirection.
func (h *Handle) Name() string { return h.name }

// Pid returns the child's process id, or 0 when the handle did not fork.
func (h *Handle) Pid() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Read reads from the master side.
func (h *Handle) Read(p []byte) (int, error) { return h.master.Read(p) }

// Write writes to the master side.
func (h *Handle) Write(p []byte) (int, error) { return h.master.Write(p) }

// Output returns the buffered terminal output of a forked child, limited to
// the last limit bytes when limit is positive.
func (h *Handle) Output(limit int) []byte {
	switch {
	case h.output == nil:
		return nil
	case limit > 0:
		return h.output.Tail(limit)
	default:
		return h.output.Bytes()
	}
}

// OutputTotal returns how many bytes the child has written to its terminal,
// including bytes no longer buffered.
func (h *Handle) OutputTotal() int64 {
	if h.output == nil {
		return 0
	}
	return h.output.Total()
}

// Exited is closed once the forked child has been reaped. It is closed from
// the start for non-forking handles.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// Running reports whether a forked child is still alive.
func (h *Handle) Running() bool {
	if h.cmd == nil {
		return false
	}
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// Terminate stops the child, if any, and closes both descriptors. The child
// gets SIGTERM, then SIGKILL if it has not exited within TerminateTimeout.
// Only the first call does any work; later calls return its result.
func (h *Handle) Terminate() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.terminate()
	})
	return h.closeErr
}

func (h *Handle) terminate() error {
	var errs []error

	if h.Running() {
		if err := h.signal(unix.SIGTERM); err != nil {
			errs = append(errs, err)
		}
		if !h.waitExit(h.opts.TerminateTimeout) {
			h.opts.Logger.Warn("backend ignored SIGTERM, killing", "pid", h.Pid(), "tty", h.name)
			if err := h.signal(unix.SIGKILL); err != nil {
				errs = append(errs, err)
			}
			if !h.waitExit(h.opts.TerminateTimeout) {
				errs = append(errs, fmt.Errorf("pid %d did not exit after SIGKILL", h.Pid()))
			}
		}
	}

	if err := h.master.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = append(errs, fmt.Errorf("close master: %w", err))
	}
	if h.tty != nil {
		if err := h.tty.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("close tty: %w", err))
		}
	}
	return errors.Join(errs...)
}

// signal delivers sig to the child's process group. The child is a session
// leader, so its pgid equals its pid.
func (h *Handle) signal(sig unix.Signal) error {
	pid := h.Pid()
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal %v to pid %d: %w", sig, pid, err)
	}
	return nil
}

func (h *Handle) waitExit(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.exited:
		return true
	case <-timer.C:
		return false
	}
}
