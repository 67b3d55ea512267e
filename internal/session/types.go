package session

import (
	"fmt"
	"io"
	"time"

	"github.com/workspace/gdbmux/internal/mi"
)

// ControllerID identifies a controller for as long as it is registered.
// IDs are never reused within one Multiplexer and increase with creation
// order.
type ControllerID uint64

// Backend is a gdb controller as seen by the multiplexer.
type Backend interface {
	Write(commands []string, timeout time.Duration) ([]mi.Record, error)
	ReadAvailable(timeout time.Duration, raiseOnTimeout bool) ([]mi.Record, error)
	Terminate() error
	Cmd() []string
	AbsGdbPath() string
	Pid() int
	BindProcess(pid int)
}

// Terminal is a pseudo-terminal, forked or not.
type Terminal interface {
	Name() string
	Pid() int
	// Output returns buffered terminal output; a positive limit keeps only
	// the most recent bytes.
	Output(limit int) []byte
	OutputTotal() int64
	// Exited is closed once the process behind the terminal is gone.
	Exited() <-chan struct{}
	Terminate() error
}

// Channel is a non-forking terminal a controller speaks over.
type Channel interface {
	io.ReadWriter
	Name() string
	Terminate() error
}

// Launcher allocates the resources behind a new backend.
type Launcher interface {
	// OpenChannel allocates the control terminal a controller reads and
	// writes machine-interface records on.
	OpenChannel() (Channel, error)
	// NewController wraps ch. cmd is the launch vector shown on the dashboard.
	NewController(cmd []string, ch Channel) Backend
	// Spawn forks argv on a fresh terminal.
	Spawn(argv []string) (Terminal, error)
}

// Journal records backend and attachment lifecycle. Errors are logged by the
// multiplexer and otherwise ignored.
type Journal interface {
	BackendStarted(id string, pid int, cmd []string, gdbPath string) error
	BackendStopped(id, reason string) error
	ClientAttached(backendID, clientID string) error
	ClientDetached(backendID, clientID string) error
}

// Config is the backend launch configuration.
type Config struct {
	GdbPath              string
	GdbArgs              []string
	InitialBinaryAndArgs []string
}

// AttachResult is returned by Connect.
type AttachResult struct {
	Pid           int    `json:"pid"`
	Message       string `json:"message"`
	Error         bool   `json:"error"`
	UsingExisting bool   `json:"using_existing"`
}

// DashboardInfo is a read-only view of one controller.
type DashboardInfo struct {
	ID         ControllerID `json:"id"`
	SessionID  string       `json:"session_id"`
	Cmd        string       `json:"cmd"`
	AbsGdbPath string       `json:"abs_gdb_path"`
	Pid        int          `json:"pid"`
	NumClients int          `json:"number_of_connected_browser_tabs"`
	ClientIDs  []string     `json:"client_ids"`
	StartedAt  time.Time    `json:"started_at"`
}

// AllocationError reports a failure to allocate a terminal or spawn gdb
// during Connect. The mapping is left as it was before the call.
type AllocationError struct {
	Op  string
	Err error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }
