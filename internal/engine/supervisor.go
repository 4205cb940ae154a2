package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Paintersrp/procbind/internal/eventloop"
	"github.com/Paintersrp/procbind/internal/ipc"
	"github.com/Paintersrp/procbind/internal/logmux"
	"github.com/Paintersrp/procbind/internal/pidfile"
	"github.com/Paintersrp/procbind/internal/proc"
)

var (
	ErrNotStarted     = errors.New("process not started")
	ErrAlreadyStarted = errors.New("process already started")
	ErrExited         = errors.New("process exited")
	ErrNotConnected   = errors.New("ipc channel not connected")
	ErrUnknownSignal  = errors.New("unknown signal")
)

// Options configure a Supervisor.
type Options struct {
	// Name labels events and output lines; defaults to the command basename.
	Name    string
	Command string
	Args    []string
	Config  proc.Config

	// PidFile, when set, is locked for the supervisor's lifetime and holds
	// the child's pid while it runs.
	PidFile string
	// StopGrace is the SIGTERM to SIGKILL delay used by Stop.
	StopGrace time.Duration

	// Events receives lifecycle notifications. Sends block, so the consumer
	// must keep draining until the closed event arrives.
	Events chan<- Event
	// Mux, when set, receives piped stdout and stderr line by line.
	Mux *logmux.Mux

	Logger logrus.FieldLogger
}

// Supervisor owns one child process: it spawns it, translates handle
// callbacks into events, keeps the pid file current and stops the child when
// its context ends.
type Supervisor struct {
	opts Options
	name string
	log  logrus.FieldLogger

	mu        sync.Mutex
	handle    *proc.Handle
	pid       *pidfile.File
	startedAt time.Time
	lastErr   *proc.Error
	unsubs    []proc.Unsubscribe

	messagesIn  atomic.Int64
	messagesOut atomic.Int64

	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// New validates opts and returns an idle supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	name := opts.Name
	if name == "" {
		name = filepath.Base(opts.Command)
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = proc.DefaultStopGrace
	}
	logger := opts.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	if opts.Config.Logger == nil {
		opts.Config.Logger = logger
	}
	return &Supervisor{
		opts: opts,
		name: name,
		log:  logger.WithField("process", name),
		done: make(chan struct{}),
	}, nil
}

// Name returns the process label.
func (s *Supervisor) Name() string { return s.name }

// Command returns the configured command.
func (s *Supervisor) Command() string { return s.opts.Command }

// Args returns a copy of the configured arguments.
func (s *Supervisor) Args() []string { return append([]string(nil), s.opts.Args...) }

// Start spawns the child. When the spawn fails the supervisor is finished and
// the *proc.Error is returned. Once started, cancelling ctx stops the child.
func (s *Supervisor) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.handle != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}

	var lock *pidfile.File
	if s.opts.PidFile != "" {
		f, err := pidfile.Acquire(s.opts.PidFile)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("pid file: %w", err)
		}
		lock = f
	}

	h := proc.Spawn(s.opts.Command, s.opts.Args, s.opts.Config)
	s.handle = h
	s.pid = lock
	s.startedAt = time.Now()
	s.mu.Unlock()

	if h.Pid() == 0 {
		// The failure sits in the handle's error backlog until subscribe
		// flushes it; finish only after it has been turned into an event.
		reported := make(chan struct{})
		var once sync.Once
		s.subscribe(h, func() { once.Do(func() { close(reported) }) })
		<-reported
		_, err := h.Wait(context.Background())
		s.finish()
		if err == nil {
			err = fmt.Errorf("spawn %s: no process", s.opts.Command)
		}
		return err
	}

	if lock != nil {
		if err := lock.Write(h.Pid()); err != nil {
			s.log.WithError(err).Warn("failed to write pid file")
		}
	}
	s.attachOutput(h)

	sendEvent(s.opts.Events, Event{
		Process: s.name,
		Pid:     h.Pid(),
		Type:    EventTypeSpawned,
		Message: fmt.Sprintf("started pid %d", h.Pid()),
		Reason:  ReasonStart,
	})
	s.log.WithField("pid", h.Pid()).Info("process started")
	s.subscribe(h, nil)

	go func() {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), s.opts.StopGrace+5*time.Second)
			defer cancel()
			_ = s.stop(stopCtx, ReasonContextDone)
		case <-h.Done():
		}
	}()
	go func() {
		<-h.Done()
		s.finish()
	}()
	return nil
}

func (s *Supervisor) attachOutput(h *proc.Handle) {
	if s.opts.Mux == nil {
		return
	}
	if out := h.Stdout(); out != nil {
		s.opts.Mux.AddReader(s.name, h.Pid(), logmux.SourceStdout, out)
	}
	if errStream := h.Stderr(); errStream != nil {
		s.opts.Mux.AddReader(s.name, h.Pid(), logmux.SourceStderr, errStream)
	}
}

// subscribe wires handle callbacks to the events channel. afterError, when
// set, runs on the loop once an error event has been sent.
func (s *Supervisor) subscribe(h *proc.Handle, afterError func()) {
	pid := h.Pid()
	unsubs := []proc.Unsubscribe{
		h.OnError(func(err *proc.Error) {
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			reason := ReasonOperationError
			if pid == 0 {
				reason = ReasonSpawnFailure
			}
			sendEvent(s.opts.Events, Event{
				Process: s.name,
				Pid:     pid,
				Type:    EventTypeError,
				Message: err.Error(),
				Level:   "error",
				Err:     err,
				Reason:  reason,
			})
			if afterError != nil {
				afterError()
			}
		}),
		h.OnMessage(func(msg ipc.Message, handle *ipc.Handle) {
			s.messagesIn.Add(1)
			if handle != nil {
				_ = handle.Close()
			}
			sendEvent(s.opts.Events, Event{
				Process: s.name,
				Pid:     pid,
				Type:    EventTypeMessage,
				Message: msg.String(),
				Payload: msg,
				Reason:  ReasonChildMessage,
			})
		}),
		h.OnDisconnect(func() {
			sendEvent(s.opts.Events, Event{
				Process: s.name,
				Pid:     pid,
				Type:    EventTypeDisconnected,
				Message: "ipc channel closed",
				Reason:  ReasonChannelClosed,
			})
		}),
		h.OnExit(func(status proc.ExitStatus) {
			s.releasePidFile()
			sendEvent(s.opts.Events, exitEvent(s.name, pid, EventTypeExited, status))
		}),
		h.OnClose(func(status proc.ExitStatus) {
			sendEvent(s.opts.Events, exitEvent(s.name, pid, EventTypeClosed, status))
		}),
	}
	s.mu.Lock()
	s.unsubs = unsubs
	s.mu.Unlock()
}

func exitEvent(name string, pid int, t EventType, status proc.ExitStatus) Event {
	st := status
	evt := Event{
		Process: name,
		Pid:     pid,
		Type:    t,
		Message: status.String(),
		Status:  &st,
		Reason:  ReasonExitCode,
	}
	if status.Signal.IsSet() {
		evt.Reason = ReasonExitSignal
	}
	if !status.Success() {
		evt.Level = "warn"
	}
	return evt
}

func (s *Supervisor) releasePidFile() {
	s.mu.Lock()
	lock := s.pid
	s.pid = nil
	s.mu.Unlock()
	if lock == nil {
		return
	}
	if err := lock.Release(); err != nil {
		s.log.WithError(err).Warn("failed to release pid file")
	}
}

func (s *Supervisor) finish() {
	s.releasePidFile()
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	s.settle()
	close(s.done)
}

// settle waits until the callback running on the loop, if any, has returned.
// Later callbacks see their subscription revoked, so nothing is sent on the
// events channel once done is closed.
func (s *Supervisor) settle() {
	loop := s.opts.Config.Loop
	if loop == nil {
		loop = eventloop.Default()
	}
	flushed := make(chan struct{})
	if loop.Post(func() { close(flushed) }) {
		<-flushed
	}
}

// Handle returns the supervised handle, or nil before Start.
func (s *Supervisor) Handle() *proc.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// StartedAt returns when Start spawned the child.
func (s *Supervisor) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// LastError returns the most recent operational error reported by the handle.
func (s *Supervisor) LastError() *proc.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// MessageCounts returns the number of IPC messages received and sent.
func (s *Supervisor) MessageCounts() (in, out int64) {
	return s.messagesIn.Load(), s.messagesOut.Load()
}

func (s *Supervisor) running() (*proc.Handle, error) {
	h := s.Handle()
	if h == nil || h.Pid() == 0 {
		return nil, ErrNotStarted
	}
	if _, exited := h.ExitStatus(); exited {
		return nil, ErrExited
	}
	return h, nil
}

// Signal delivers sig to the running child. The boolean mirrors Kill: it
// reports dispatch, not the child's reaction.
func (s *Supervisor) Signal(sig proc.Signal) (bool, error) {
	if _, ok := sig.Syscall(); !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSignal, sig)
	}
	h, err := s.running()
	if err != nil {
		return false, err
	}
	sendEvent(s.opts.Events, Event{
		Process: s.name,
		Pid:     h.Pid(),
		Type:    EventTypeSignal,
		Message: string(sig),
		Reason:  ReasonSignalRequest,
	})
	return h.Kill(sig), nil
}

// Send queues message for the child over the IPC channel.
func (s *Supervisor) Send(message any) (bool, error) {
	h := s.Handle()
	if h == nil || h.Pid() == 0 {
		return false, ErrNotStarted
	}
	if !h.Connected() {
		return false, ErrNotConnected
	}
	ok := h.Send(message, nil)
	if ok {
		s.messagesOut.Add(1)
	}
	return ok, nil
}

// Disconnect closes the IPC channel.
func (s *Supervisor) Disconnect() error {
	h := s.Handle()
	if h == nil || h.Pid() == 0 {
		return ErrNotStarted
	}
	if !h.Connected() {
		return ErrNotConnected
	}
	h.Disconnect()
	return nil
}

// Stop terminates the child with the configured grace period and waits for
// it to exit. Subsequent calls return the first result.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.stop(ctx, ReasonStopRequest)
}

func (s *Supervisor) stop(ctx context.Context, reason string) error {
	h, err := s.running()
	if err != nil {
		if errors.Is(err, ErrExited) {
			return nil
		}
		return err
	}
	s.stopOnce.Do(func() {
		sendEvent(s.opts.Events, Event{
			Process: s.name,
			Pid:     h.Pid(),
			Type:    EventTypeStopping,
			Message: fmt.Sprintf("stopping with %s grace", s.opts.StopGrace),
			Reason:  reason,
		})
		s.stopErr = h.Stop(ctx, s.opts.StopGrace)
	})
	return s.stopErr
}

// Done is closed once the child is closed, or the spawn failure has been
// delivered.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until Done and returns the child's exit status.
func (s *Supervisor) Wait(ctx context.Context) (proc.ExitStatus, error) {
	h := s.Handle()
	if h == nil {
		return proc.ExitStatus{}, ErrNotStarted
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return proc.ExitStatus{}, ctx.Err()
	}
	return h.Wait(ctx)
}
