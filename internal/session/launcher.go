package session

import (
	"log/slog"

	"github.com/workspace/gdbmux/internal/gdb"
	"github.com/workspace/gdbmux/internal/pty"
)

// PTYLauncher allocates real pseudo-terminals and gdb controllers.
type PTYLauncher struct {
	GdbPath string
	Options pty.Options
	Logger  *slog.Logger
}

func (l *PTYLauncher) OpenChannel() (Channel, error) {
	h, err := pty.Open(l.Options)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (l *PTYLauncher) NewController(cmd []string, ch Channel) Backend {
	return gdb.NewController(gdb.Config{
		Cmd:      cmd,
		GdbPath:  l.GdbPath,
		Endpoint: ch,
		Logger:   l.Logger,
	})
}

func (l *PTYLauncher) Spawn(argv []string) (Terminal, error) {
	h, err := pty.Start(argv, l.Options)
	if err != nil {
		return nil, err
	}
	return h, nil
}
