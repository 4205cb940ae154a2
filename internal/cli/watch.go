package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/procbind/internal/cliutil"
	"github.com/Paintersrp/procbind/internal/config"
	"github.com/Paintersrp/procbind/internal/engine"
	"github.com/Paintersrp/procbind/internal/logmux"
	"github.com/Paintersrp/procbind/internal/proc"
	"github.com/Paintersrp/procbind/internal/tui"
)

func newWatchCmd(ctx *context) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "watch [-f manifest | -- command [args...]]",
		Short: "Run a process inside the interactive status interface",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cliutil.IsTerminal(cmd.OutOrStdout()) {
				return fmt.Errorf("watch requires an interactive terminal")
			}

			var (
				m   *config.Manifest
				err error
			)
			if len(args) > 0 {
				flags := &runFlags{uid: -1, gid: -1, killSignal: string(proc.SIGTERM), stopGrace: proc.DefaultStopGrace}
				flags.stdio = []string{config.StdioIgnore, config.StdioPipe, config.StdioPipe}
				m, err = flags.manifest(args)
			} else {
				m, err = loadManifest(path)
			}
			if err != nil {
				return err
			}
			return runWatch(cmd, ctx, m)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVarP(&path, "file", "f", defaultManifestPath, "path to the spawn manifest (YAML or TOML)")
	return cmd
}

func runWatch(cmd *cobra.Command, ctx *context, m *config.Manifest) error {
	// The interface owns the terminal; diagnostics would corrupt it.
	if _, err := ctx.diagnostics(io.Discard); err != nil {
		return err
	}

	ui := tui.New(tui.WithController(contextController{ctx: ctx}))
	sink := uiSink{events: ui.EventSink(), lines: ui.LineSink()}

	runErr := make(chan error, 1)
	go func() {
		err := runManifest(cmd, ctx, m, runOptions{sink: sink, hold: ui.Done()})
		ui.CloseEvents()
		// Setup errors return before the interface is dismissed.
		ui.Stop()
		runErr <- err
	}()

	uiErr := ui.Run(cmd.Context())
	err := <-runErr
	if uiErr != nil {
		return uiErr
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		// The interface already showed how the process ended.
		return nil
	}
	return err
}

type uiSink struct {
	events chan<- engine.Event
	lines  chan<- logmux.Line
}

func (s uiSink) Event(evt engine.Event) { s.events <- evt }
func (s uiSink) Line(line logmux.Line)  { s.lines <- line }

// contextController resolves the current supervisor on every call so the
// interface can be built before the process is started.
type contextController struct {
	ctx *context
}

func (c contextController) Signal(sig proc.Signal) (bool, error) {
	sup := c.ctx.currentSupervisor()
	if sup == nil {
		return false, engine.ErrNotStarted
	}
	return sup.Signal(sig)
}

func (c contextController) Disconnect() error {
	sup := c.ctx.currentSupervisor()
	if sup == nil {
		return engine.ErrNotStarted
	}
	return sup.Disconnect()
}
