package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/procbind/internal/cliutil"
	"github.com/Paintersrp/procbind/internal/engine"
	"github.com/Paintersrp/procbind/internal/proc"
)

// envStatusHistory bounds the per-process transition history kept for status
// reports.
const envStatusHistory = "PROCBIND_STATUS_HISTORY"

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	var logLevel, logFormat string

	root := &cobra.Command{
		Use:   "procbind",
		Short: "Spawn and supervise a child process",
		Long: "procbind starts a child process with explicit stdio wiring, streams its output,\n" +
			"relays signals and IPC messages, and reports how it exited.",
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "diagnostics level (trace, debug, info, warn, error); defaults to $"+cliutil.EnvLogLevel+" or warn")
	root.PersistentFlags().StringVar(&logFormat, "log-format", cliutil.FormatAuto, "diagnostics and output format: auto, text or json")

	ctx := &context{logLevel: &logLevel, logFormat: &logFormat}
	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newExecCmd(ctx))
	root.AddCommand(newServeCmd(ctx))
	root.AddCommand(newWatchCmd(ctx))
	root.AddCommand(newValidateCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newSignalsCmd())
	root.AddCommand(newVersionCmd())

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint. A child that exits unsuccessfully makes
// procbind exit with the same code, or 128+N when signal N killed it.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetContext(ctx)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		stop()
		os.Exit(exitErr.code)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

// exitError carries the child's outcome out of a command so that Execute can
// mirror it in procbind's own exit status.
type exitError struct {
	name   string
	status proc.ExitStatus
	code   int
}

func newExitError(name string, status proc.ExitStatus) *exitError {
	if status.Success() {
		return nil
	}
	code := 1
	if c, ok := status.Code.Get(); ok {
		code = c
	} else if sig, ok := status.Signal.Get(); ok {
		if num, ok := sig.Syscall(); ok {
			code = 128 + int(num)
		}
	}
	return &exitError{name: name, status: status, code: code}
}

func (e *exitError) Error() string {
	return fmt.Sprintf("%s: %s", e.name, e.status)
}

// ExitCode is the status procbind exits with.
func (e *exitError) ExitCode() int {
	return e.code
}

type context struct {
	logLevel  *string
	logFormat *string

	mu         sync.RWMutex
	logger     *logrus.Logger
	supervisor *engine.Supervisor
	tracker    *statusTracker
}

// diagnostics returns the shared logger, building it on first use against w.
func (c *context) diagnostics(w io.Writer) (*logrus.Logger, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.logger != nil {
		return c.logger, nil
	}
	level, format := "", ""
	if c.logLevel != nil {
		level = *c.logLevel
	}
	if c.logFormat != nil {
		format = *c.logFormat
	}
	logger, err := cliutil.NewLogger(w, level, format)
	if err != nil {
		return nil, err
	}
	c.logger = logger
	return logger, nil
}

func (c *context) outputFormat(w io.Writer) (string, error) {
	format := ""
	if c.logFormat != nil {
		format = *c.logFormat
	}
	return cliutil.ResolveFormat(format, w)
}

func (c *context) setSupervisor(sup *engine.Supervisor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.supervisor = sup
}

func (c *context) clearSupervisor(sup *engine.Supervisor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.supervisor == sup {
		c.supervisor = nil
	}
}

func (c *context) currentSupervisor() *engine.Supervisor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supervisor
}

func (c *context) statusTracker() *statusTracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tracker == nil {
		var opts []StatusTrackerOption
		if value := os.Getenv(envStatusHistory); value != "" {
			if size, err := strconv.Atoi(value); err == nil {
				opts = append(opts, WithHistorySize(size))
			}
		}
		c.tracker = newStatusTracker(opts...)
	}
	return c.tracker
}
