// Package cli wires the batch queue, config, storage, metrics and triggers
// into the batchq command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"batchq/internal/config"
	"batchq/pkg/logx"
)

// DefaultConfigPath is tried when --config is not given.
const DefaultConfigPath = "./batchq.yaml"

// exitError carries a process exit code without printing anything extra.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

// app holds state shared by all subcommands of one invocation.
type app struct {
	cfgPath  string
	logLevel string

	stdout io.Writer
	stderr io.Writer

	mgr  *config.Manager // nil when running on defaults
	cfg  *config.Config
	logs *logx.Service
	log  logx.Logger
}

// NewRootCmd builds the command tree. Output goes to stdout/stderr.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "batchq",
		Short:         "batchq runs files through a bounded-concurrency batch queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logs != nil {
				_ = a.logs.Close()
			}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "config file path, JSON or YAML (default: "+DefaultConfigPath+" if present)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level: trace | debug | info | warn | error")

	root.AddCommand(
		newRunCmd(a),
		newWatchCmd(a),
		newHistoryCmd(a),
		newVersionCmd(),
	)
	return root
}

// init loads config and starts logging.
func (a *app) init() error {
	path := strings.TrimSpace(a.cfgPath)
	if path == "" {
		if _, err := os.Stat(DefaultConfigPath); err == nil {
			path = DefaultConfigPath
		}
	}
	if path != "" {
		a.mgr = config.NewManager(path)
		// console logger until the configured service exists
		boot := a.logLevel
		if boot == "" {
			boot = "warn"
		}
		a.mgr.SetLogger(logx.NewConsole(boot).With(logx.String("component", "config")))
		cfg, err := a.mgr.Load()
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		a.cfg = cfg
	} else {
		a.cfg = config.Default()
	}
	if a.logLevel != "" {
		a.cfg.Logging.Level = a.logLevel
		if err := config.Validate(a.cfg); err != nil {
			return err
		}
	}

	a.logs, a.log = logx.New(logConfig(a.cfg.Logging))
	if a.mgr != nil {
		a.mgr.SetLogger(a.log.With(logx.String("component", "config")))
		a.log.Debug("config loaded", logx.String("path", a.mgr.Path()))
	}
	return nil
}

func logConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

// Execute runs the CLI with os.Args and returns the process exit code.
func Execute() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := NewRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				fmt.Fprintln(os.Stderr, ee.msg)
			}
			return ee.code
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
