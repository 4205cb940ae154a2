package proc

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Paintersrp/procbind/internal/eventloop"
	"github.com/Paintersrp/procbind/internal/ipc"
	"github.com/Paintersrp/procbind/internal/metrics"
	"github.com/Paintersrp/procbind/internal/opt"
)

// exitSettle bounds how long the exit event waits for the reader to consume
// frames the child wrote before exiting, when a descendant keeps the channel
// open.
const exitSettle = 100 * time.Millisecond

// Handle is a child process started by Spawn. Its accessors are projections
// of state captured at spawn time; Connected, ExitStatus and Killed are read
// live.
type Handle struct {
	id       string
	command  string
	args     []string
	detached bool

	cmd     *exec.Cmd
	pid     int
	streams []*Stream

	loop *eventloop.Loop
	log  logrus.FieldLogger

	channel        *ipc.Channel
	connected      atomic.Bool
	disconnectOnce sync.Once
	readIdle       chan struct{}
	readIdleOnce   sync.Once

	killed   atomic.Bool
	exited   chan struct{}
	done     chan struct{}
	status   ExitStatus
	spawnErr *Error

	closers sync.WaitGroup

	evMu sync.Mutex
	ev   events
}

// Spawn starts command with args as described by cfg and returns at once.
// Spawn itself never fails: if the process cannot be started the handle
// reports the failure on OnError, its Pid is 0, and OnExit never fires.
func Spawn(command string, args []string, cfg Config) *Handle {
	h := &Handle{
		id:       uuid.NewString(),
		command:  command,
		args:     append([]string(nil), args...),
		detached: cfg.Detached,
		loop:     cfg.Loop,
		exited:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	if h.loop == nil {
		h.loop = eventloop.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = discardLogger()
	}
	h.log = logger.WithFields(logrus.Fields{"handle": h.id, "command": command})

	if err := h.start(cfg); err != nil {
		if err.Path == "" {
			err.Path = command
			err.Spawnargs = h.Args()
		}
		h.spawnErr = err
		h.log.WithError(err).Debug("spawn failed")
		h.emitError(err)
		h.loop.Post(func() { close(h.done) })
	}
	return h
}

func (h *Handle) start(cfg Config) *Error {
	file, argv := h.command, h.args
	if shell, ok := cfg.Shell.Get(); ok {
		file = shell
		argv = []string{"-c", strings.Join(append([]string{h.command}, h.args...), " ")}
	}

	cmd := exec.Command(file, argv...)
	if argv0, ok := cfg.Argv0.Get(); ok {
		cmd.Args[0] = argv0
	}
	if cwd, ok := cfg.Cwd.Get(); ok {
		cmd.Dir = cwd
	}

	plan, perr := planStdio(cfg)
	if perr != nil {
		return perr
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr, cmd.ExtraFiles = plan.childFiles()
	cmd.Env = buildEnv(cfg.Env, plan.ipcFD)
	configureSysProcAttr(cmd, cfg)

	if err := cmd.Start(); err != nil {
		plan.abort()
		return spawnError(h.command, h.args, err)
	}
	plan.releaseChildEnds()

	h.cmd = cmd
	h.pid = cmd.Process.Pid
	h.streams = plan.streams
	h.log = h.log.WithField("pid", h.pid)
	h.log.Debug("process started")
	metrics.RecordSpawn(h.command)

	for _, s := range h.streams {
		if s != nil && s.readable {
			h.closers.Add(1)
			s.onFinish = h.closers.Done
		}
	}
	for _, job := range plan.copies {
		if job.output {
			h.closers.Add(1)
			go func(run func()) {
				defer h.closers.Done()
				run()
			}(job.run)
			continue
		}
		go job.run()
	}
	if plan.ipcLocal != nil {
		h.openChannel(plan.ipcLocal)
	}

	go h.wait()

	if cfg.Timeout > 0 {
		timer := time.AfterFunc(cfg.Timeout, func() {
			h.log.WithField("timeout", cfg.Timeout).Debug("timeout elapsed, signalling child")
			h.Kill(cfg.KillSignal)
		})
		go func() {
			<-h.exited
			timer.Stop()
		}()
	}
	return nil
}

func buildEnv(env opt.Value[map[string]string], ipcFD int) []string {
	var out []string
	if vars, ok := env.Get(); ok {
		keys := make([]string, 0, len(vars))
		for k := range vars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out = make([]string, 0, len(keys)+1)
		for _, k := range keys {
			out = append(out, k+"="+vars[k])
		}
	} else {
		out = os.Environ()
	}
	if ipcFD >= 0 {
		out = append(out, ipc.EnvChannelFD+"="+strconv.Itoa(ipcFD))
	}
	return out
}

func (h *Handle) openChannel(local *os.File) {
	ch, err := ipc.NewChannel(local, ipc.WithWriteErrorHandler(func(err error) {
		h.emitError(errnoError("write", err))
	}))
	if err != nil {
		h.emitError(codeError("spawn", CodeIPCChannelError, "%v", err))
		return
	}
	h.channel = ch
	h.readIdle = make(chan struct{})
	h.connected.Store(true)
	h.closers.Add(1)
	go h.readMessages()
}

func (h *Handle) readMessages() {
	defer h.closers.Done()
	for {
		msg, handle, err := h.channel.Receive()
		if err == nil {
			metrics.RecordMessage("in")
			fireQueued(h, &h.ev.message, inbound{msg: msg, handle: handle})
			continue
		}
		if errors.Is(err, ipc.ErrMalformedFrame) {
			h.emitError(codeError("read", CodeInvalidMessage, "%v", err))
			continue
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			_ = h.channel.SetReadDeadline(time.Time{})
			h.markReadIdle()
			continue
		}
		if !errors.Is(err, io.EOF) {
			h.emitError(errnoError("read", err))
		}
		break
	}
	h.markDisconnected()
	h.markReadIdle()
}

func (h *Handle) markReadIdle() {
	h.readIdleOnce.Do(func() { close(h.readIdle) })
}

// awaitChannelIdle returns once every frame the exited child left on the
// channel has been posted. Normally that is the reader reaching EOF; if a
// descendant inherited the child's end, the reader is cut off after
// exitSettle and keeps going in the background.
func (h *Handle) awaitChannelIdle() {
	if h.readIdle == nil {
		return
	}
	select {
	case <-h.readIdle:
		return
	default:
	}
	if err := h.channel.SetReadDeadline(time.Now().Add(exitSettle)); err != nil {
		// The socket is already released, so the reader is finishing.
		h.log.WithError(err).Debug("set ipc read deadline")
	}
	<-h.readIdle
}

func (h *Handle) markDisconnected() {
	h.disconnectOnce.Do(func() {
		h.connected.Store(false)
		_ = h.channel.Close()
		h.log.Debug("ipc channel disconnected")
		fireLatched(h, &h.ev.disconnect, struct{}{}, nil)
	})
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		h.emitError(errnoError("waitpid", err))
	}

	status := exitStatusOf(h.cmd.ProcessState)
	h.status = status
	close(h.exited)

	code, hasCode := status.Code.Get()
	sig, _ := status.Signal.Get()
	metrics.RecordExit(h.command, code, hasCode, string(sig))
	h.log.WithField("status", status.String()).Debug("process exited")
	h.awaitChannelIdle()
	fireLatched(h, &h.ev.exit, status, nil)

	for _, s := range h.streams {
		if s != nil {
			s.drainIfUnused()
		}
	}
	h.closers.Wait()
	fireLatched(h, &h.ev.close, status, func() { close(h.done) })
}

func exitStatusOf(state *os.ProcessState) ExitStatus {
	if state == nil {
		return ExitStatus{}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Signal: opt.Some(SignalFromSyscall(ws.Signal()))}
	}
	return ExitStatus{Code: opt.Some(state.ExitCode())}
}

func (h *Handle) emitError(err *Error) {
	metrics.RecordError(err.Code, err.Syscall)
	h.log.WithFields(logrus.Fields{"code": err.Code, "syscall": err.Syscall}).Debug(err.Error())
	fireQueued(h, &h.ev.err, err)
}

// ID is a unique identifier for the handle, stable for its lifetime. Unlike
// the pid it is never reused.
func (h *Handle) ID() string { return h.id }

// Command returns the command as passed to Spawn.
func (h *Handle) Command() string { return h.command }

// Args returns a copy of the arguments passed to Spawn.
func (h *Handle) Args() []string { return append([]string(nil), h.args...) }

// Pid is the process id captured at spawn time, or 0 when the spawn failed.
// The OS may hand the same pid to another process after this one exits.
func (h *Handle) Pid() int { return h.pid }

// Stdin is the child's standard input when slot 0 is Pipe, nil otherwise.
func (h *Handle) Stdin() *Stream { return h.Stdio(0) }

// Stdout is the child's standard output when slot 1 is Pipe, nil otherwise.
func (h *Handle) Stdout() *Stream { return h.Stdio(1) }

// Stderr is the child's standard error when slot 2 is Pipe, nil otherwise.
func (h *Handle) Stderr() *Stream { return h.Stdio(2) }

// Stdio returns the parent's end of slot fd when that slot is Pipe.
func (h *Handle) Stdio(fd int) *Stream {
	if fd < 0 || fd >= len(h.streams) {
		return nil
	}
	return h.streams[fd]
}

// Connected reports whether the IPC channel is open. It changes over time, so
// read it each time rather than caching it.
func (h *Handle) Connected() bool {
	return h.connected.Load()
}

// Killed reports whether Kill successfully dispatched a signal.
func (h *Handle) Killed() bool {
	return h.killed.Load()
}

// Exited is closed once the process has terminated, before exit callbacks run.
func (h *Handle) Exited() <-chan struct{} {
	return h.exited
}

// Done is closed once the handle is inert: after the close callbacks have
// run, or after a spawn failure has been delivered.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitStatus returns the exit status once the process has exited.
func (h *Handle) ExitStatus() (ExitStatus, bool) {
	select {
	case <-h.exited:
		return h.status, true
	default:
		return ExitStatus{}, false
	}
}

// Wait blocks until the handle is done and returns the exit status, or the
// spawn failure when the process never started.
func (h *Handle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
	if h.spawnErr != nil {
		return ExitStatus{}, h.spawnErr
	}
	return h.status, nil
}

// Send queues message, and optionally handle, for delivery to the child over
// the IPC channel. It returns false without raising anything when there is no
// open channel. True means the message was accepted for sending, not that the
// child received it.
func (h *Handle) Send(message any, handle *ipc.Handle) bool {
	if h.channel == nil || !h.connected.Load() {
		return false
	}
	if err := h.channel.Send(message, handle); err != nil {
		if !errors.Is(err, ipc.ErrClosed) {
			h.emitError(codeError("send", CodeInvalidMessage, "%v", err))
		}
		return false
	}
	metrics.RecordMessage("out")
	return true
}

// Disconnect closes the IPC channel once queued messages are flushed. It does
// not wait; OnDisconnect fires when the channel is closed. Disconnecting an
// already disconnected handle does nothing.
func (h *Handle) Disconnect() {
	if h.channel == nil || !h.connected.Swap(false) {
		return
	}
	_ = h.channel.Close()
}

// Kill asks the OS to deliver sig to the child; the zero Signal means
// SIGTERM. Despite the historical name it sends any signal, and the result
// only says whether the signal was dispatched, not whether the child reacted
// to it. Signals outside the vocabulary, or unknown to this platform, are
// rejected before reaching the OS and reported on OnError.
func (h *Handle) Kill(sig Signal) bool {
	if sig == "" {
		sig = SIGTERM
	}
	num, ok := sig.Syscall()
	if !ok {
		h.emitError(codeError("kill", CodeUnknownSignal, "unknown signal %q", string(sig)))
		return false
	}
	if h.cmd == nil || h.cmd.Process == nil {
		return false
	}
	select {
	case <-h.exited:
		return false
	default:
	}
	if err := h.cmd.Process.Signal(num); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			return false
		}
		h.emitError(errnoError("kill", err))
		return false
	}
	h.killed.Store(true)
	metrics.RecordSignal(string(sig))
	h.log.WithField("signal", string(sig)).Debug("signal dispatched")
	return true
}

func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
