package cli

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/procbind/internal/cliutil"
	"github.com/Paintersrp/procbind/internal/config"
	"github.com/Paintersrp/procbind/internal/engine"
	"github.com/Paintersrp/procbind/internal/logmux"
	"github.com/Paintersrp/procbind/internal/proc"
)

// relayedSignals are forwarded to the child unchanged. SIGINT and SIGTERM
// instead cancel the command context, which stops the child gracefully.
var relayedSignals = []os.Signal{syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2}

// apiHook starts an auxiliary server once the child is running and returns a
// function that shuts it down.
type apiHook func(stdcontext.Context) (func() error, error)

// runSink receives everything a supervised run produces.
type runSink interface {
	Event(engine.Event)
	Line(logmux.Line)
}

type runOptions struct {
	sink         runSink
	hook         apiHook
	forwardStdin bool
	// hold, when set, keeps the run open after the child is done until it is
	// closed. Closing it earlier stops the child.
	hold <-chan struct{}
}

// runManifest supervises the process described by m until it is closed and
// returns an *exitError when it did not succeed.
func runManifest(cmd *cobra.Command, ctx *context, m *config.Manifest, opts runOptions) error {
	logger, err := ctx.diagnostics(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	cfg, files, err := m.ProcConfig()
	if err != nil {
		return err
	}
	cfg.Logger = logger

	events := make(chan engine.Event, 256)
	mux := logmux.New(256)
	sup, err := engine.New(engine.Options{
		Name:      m.Name,
		Command:   m.Command,
		Args:      m.Args,
		Config:    cfg,
		PidFile:   m.PidFile,
		StopGrace: m.StopGrace.Duration,
		Events:    events,
		Mux:       mux,
		Logger:    logger,
	})
	if err != nil {
		_ = files.Close()
		return err
	}
	ctx.setSupervisor(sup)
	defer ctx.clearSupervisor(sup)

	tracker := ctx.statusTracker()
	var consumers sync.WaitGroup
	consumers.Add(2)
	go func() {
		defer consumers.Done()
		for evt := range events {
			tracker.Apply(evt)
			opts.sink.Event(evt)
		}
	}()
	go func() {
		defer consumers.Done()
		for line := range mux.Output() {
			opts.sink.Line(line)
		}
	}()
	shutdown := func() {
		mux.Close()
		close(events)
		consumers.Wait()
	}

	runCtx := cmd.Context()
	if runCtx == nil {
		runCtx = stdcontext.Background()
	}

	startErr := sup.Start(stdcontext.Background())
	if err := files.Close(); err != nil {
		logger.WithError(err).Debug("closing stdio files")
	}
	if startErr != nil {
		if opts.hold != nil {
			<-opts.hold
		}
		shutdown()
		return startErr
	}

	var stopAPI func() error
	if opts.hook != nil {
		stopAPI, err = opts.hook(runCtx)
		if err != nil {
			_ = sup.Stop(stdcontext.Background())
			<-sup.Done()
			shutdown()
			return err
		}
	}

	if opts.forwardStdin {
		if stdin := sup.Handle().Stdin(); stdin != nil {
			go func() {
				if _, err := io.Copy(stdin, cmd.InOrStdin()); err != nil {
					logger.WithError(err).Debug("forwarding stdin")
				}
				_ = stdin.Close()
			}()
		}
	}

	relayDone := relaySignals(runCtx, sup, opts.hold, logger)
	<-sup.Done()
	<-relayDone
	if opts.hold != nil {
		<-opts.hold
	}

	var apiErr error
	if stopAPI != nil {
		apiErr = stopAPI()
	}
	shutdown()

	status, err := sup.Wait(stdcontext.Background())
	if err != nil {
		return err
	}
	if apiErr != nil {
		return apiErr
	}
	if exitErr := newExitError(sup.Name(), status); exitErr != nil {
		return exitErr
	}
	return nil
}

// relaySignals forwards relayedSignals to the child and stops it when ctx
// ends or hold closes. The returned channel closes once the child is done.
func relaySignals(ctx stdcontext.Context, sup *engine.Supervisor, hold <-chan struct{}, logger logrus.FieldLogger) <-chan struct{} {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, relayedSignals...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		ctxDone := ctx.Done()
		for {
			select {
			case <-sup.Done():
				return
			case sig := <-sigCh:
				sysSig, ok := sig.(syscall.Signal)
				if !ok {
					continue
				}
				if _, err := sup.Signal(proc.SignalFromSyscall(sysSig)); err != nil {
					logger.WithError(err).Debug("relaying signal")
				}
			case <-ctxDone:
				ctxDone = nil
				stopChild(sup, logger)
			case <-hold:
				hold = nil
				stopChild(sup, logger)
			}
		}
	}()
	return done
}

func stopChild(sup *engine.Supervisor, logger logrus.FieldLogger) {
	if err := sup.Stop(stdcontext.Background()); err != nil && !errors.Is(err, engine.ErrExited) {
		logger.WithError(err).Warn("stopping process")
	}
}

// outputSink writes child output to the command's streams and logs lifecycle
// events through the diagnostics logger.
type outputSink struct {
	out    io.Writer
	errOut io.Writer
	logger *logrus.Logger
	enc    *json.Encoder
	prefix bool

	mu        sync.Mutex
	lines     int64
	bytes     uint64
	startedAt time.Time
	closed    *engine.Event
}

func newOutputSink(cmd *cobra.Command, ctx *context, prefix bool) (*outputSink, error) {
	logger, err := ctx.diagnostics(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	format, err := ctx.outputFormat(cmd.OutOrStdout())
	if err != nil {
		return nil, err
	}
	sink := &outputSink{
		out:    cmd.OutOrStdout(),
		errOut: cmd.ErrOrStderr(),
		logger: logger,
		prefix: prefix,
	}
	if format == cliutil.FormatJSON {
		sink.enc = json.NewEncoder(sink.out)
	}
	return sink, nil
}

func (s *outputSink) Event(evt engine.Event) {
	level, err := logrus.ParseLevel(evt.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	entry := s.logger.WithFields(logrus.Fields{
		"process": evt.Process,
		"event":   string(evt.Type),
	})
	if evt.Pid > 0 {
		entry = entry.WithField("pid", evt.Pid)
	}
	if evt.Reason != "" {
		entry = entry.WithField("reason", evt.Reason)
	}
	entry.Log(level, cliutil.RedactSecrets(evt.Message))

	s.mu.Lock()
	defer s.mu.Unlock()
	switch evt.Type {
	case engine.EventTypeSpawned:
		s.startedAt = evt.Timestamp
	case engine.EventTypeClosed:
		closed := evt
		s.closed = &closed
	}
}

func (s *outputSink) Line(line logmux.Line) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if line.Source != logmux.SourceSystem {
		s.lines++
		s.bytes += uint64(len(line.Message)) + 1
	}
	if s.enc != nil {
		cliutil.EncodeLine(s.enc, s.errOut, line)
		return
	}
	w := s.out
	if line.Source != logmux.SourceStdout {
		w = s.errOut
	}
	fmt.Fprintln(w, cliutil.TextLine(line, s.prefix))
}

// Summary describes the finished run in one line.
func (s *outputSink) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed == nil {
		return ""
	}
	evt := s.closed
	outcome := "exited"
	if evt.Status != nil {
		outcome = evt.Status.String()
	}
	elapsed := ""
	if !s.startedAt.IsZero() {
		elapsed = fmt.Sprintf(" after %s", evt.Timestamp.Sub(s.startedAt).Round(time.Millisecond))
	}
	return fmt.Sprintf("%s (pid %d) %s%s; %s lines, %s of output",
		evt.Process, evt.Pid, outcome, elapsed, humanize.Comma(s.lines), humanize.Bytes(s.bytes))
}

// printSummary reports the outcome on stderr when running in text mode at
// info level or below.
func (s *outputSink) printSummary() {
	if s.enc != nil || !s.logger.IsLevelEnabled(logrus.InfoLevel) {
		return
	}
	if summary := s.Summary(); summary != "" {
		fmt.Fprintln(s.errOut, summary)
	}
}
