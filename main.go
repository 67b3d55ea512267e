// gdbmux - shares gdb sessions between browser clients
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/workspace/gdbmux/internal/config"
	"github.com/workspace/gdbmux/internal/idle"
	"github.com/workspace/gdbmux/internal/logging"
	"github.com/workspace/gdbmux/internal/metrics"
	"github.com/workspace/gdbmux/internal/persistence"
	"github.com/workspace/gdbmux/internal/pty"
	"github.com/workspace/gdbmux/internal/retry"
	"github.com/workspace/gdbmux/internal/server"
	"github.com/workspace/gdbmux/internal/session"
	"github.com/workspace/gdbmux/internal/sysinfo"
)

type rootFlagData struct {
	configPath string
	host       string
	port       int
	gdbPath    string
	gdbArgs    string
	debug      bool
}

var flags rootFlagData

const (
	configFlag  = "config"
	hostFlag    = "host"
	portFlag    = "port"
	gdbFlag     = "gdb"
	gdbArgsFlag = "gdb-args"
	debugFlag   = "debug"
)

func main() {
	// Initialize structured logging before anything else
	logging.Setup()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gdbmux [flags] [binary [args...]]",
		Short: "Serve gdb sessions to browser clients",
		Long: `gdbmux starts gdb backends on demand and lets several browser clients
attach to the same one. Arguments after the flags name the program every new
gdb is started on.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, args)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, configFlag, "c", "", "Path to a YAML configuration file.")
	cmd.Flags().StringVar(&flags.host, hostFlag, "", "Address to listen on.")
	cmd.Flags().IntVarP(&flags.port, portFlag, "p", 0, "Port to listen on.")
	cmd.Flags().StringVarP(&flags.gdbPath, gdbFlag, "g", "", "gdb executable to run.")
	cmd.Flags().StringVar(&flags.gdbArgs, gdbArgsFlag, "", "Extra arguments passed to every gdb, separated by spaces.")
	cmd.Flags().BoolVar(&flags.debug, debugFlag, false, "Log at debug level.")
	// Everything after the binary belongs to the program being debugged.
	cmd.Flags().SetInterspersed(false)

	return cmd
}

// loadConfig resolves defaults, file and environment, then applies flags
// that were set explicitly.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed(hostFlag) {
		cfg.Host = flags.host
	}
	if f.Changed(portFlag) {
		cfg.Port = flags.port
	}
	if f.Changed(gdbFlag) {
		cfg.GdbPath = flags.gdbPath
	}
	if f.Changed(gdbArgsFlag) {
		cfg.GdbArgs = strings.Fields(flags.gdbArgs)
	}
	if flags.debug {
		cfg.LogLevel = "debug"
	}
	if len(args) > 0 {
		cfg.InitialBinaryAndArgs = args
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	logging.Configure(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.Info("Configuration loaded", "addr", cfg.Addr(), "gdb", cfg.GdbPath, "program", cfg.InitialBinaryAndArgs)

	// The journal is optional; gdbmux runs without history if it cannot open.
	var journal session.Journal
	store, err := openStore(cfg.DBPath)
	if err != nil {
		slog.Warn("Persistence unavailable, running without history", "path", cfg.DBPath, "error", err)
	} else {
		if n, err := store.CloseAbandoned(); err != nil {
			slog.Warn("Failed to close abandoned backends", "error", err)
		} else if n > 0 {
			slog.Info("Closed backends left open by a previous run", "count", n)
		}
		journal = store
	}

	m := metrics.New()
	mux := session.New(session.Options{
		Config: session.Config{
			GdbPath:              cfg.GdbPath,
			GdbArgs:              cfg.GdbArgs,
			InitialBinaryAndArgs: cfg.InitialBinaryAndArgs,
		},
		Launcher: &session.PTYLauncher{
			GdbPath: cfg.GdbPath,
			Options: pty.Options{
				TerminateTimeout:  cfg.TerminateTimeout,
				ConsoleBufferSize: cfg.ConsoleBufferSize,
				Logger:            logging.Component("pty"),
			},
			Logger: logging.Component("gdb"),
		},
		Journal: journal,
		Metrics: m,
		Logger:  logging.Component("session"),
	})

	reaper := idle.NewReaper(mux, cfg.OrphanGracePeriod, cfg.ReapInterval)
	go reaper.Start()

	srv, err := server.New(server.Options{
		Config:      cfg,
		Multiplexer: mux,
		Store:       store,
		Metrics:     m,
		SysInfo:     sysinfo.NewCollector(sysinfo.CollectorConfig{}),
		Reaper:      reaper,
	})
	if err != nil {
		reaper.Stop()
		return fmt.Errorf("create server: %w", err)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case err := <-errCh:
		slog.Error("Server error", "error", err)
		runErr = err
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	reaper.Stop()
	mux.ExitAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	slog.Info("gdbmux stopped")
	return runErr
}

// openStore opens the journal, waiting briefly while a previous instance
// still holds the database.
func openStore(path string) (*persistence.Store, error) {
	var store *persistence.Store
	err := retry.Do(context.Background(), retry.DefaultPolicy(), "open journal", func(context.Context) error {
		s, err := persistence.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return retry.Permanent(err)
			}
			return err
		}
		store = s
		return nil
	})
	return store, err
}
