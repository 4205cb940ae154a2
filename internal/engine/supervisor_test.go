package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/procbind/internal/eventloop"
	"github.com/Paintersrp/procbind/internal/ipc"
	"github.com/Paintersrp/procbind/internal/logmux"
	"github.com/Paintersrp/procbind/internal/opt"
	"github.com/Paintersrp/procbind/internal/pidfile"
	"github.com/Paintersrp/procbind/internal/proc"
)

const helperEnv = "PROCBIND_ENGINE_HELPER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelper(mode))
	}
	os.Exit(m.Run())
}

func runHelper(mode string) int {
	ch, err := ipc.FromEnv()
	if err != nil {
		return 2
	}
	defer ch.Close()
	switch mode {
	case "echo-once":
		msg, _, err := ch.Receive()
		if err != nil {
			return 3
		}
		if err := ch.Send(msg, nil); err != nil {
			return 4
		}
		// Wait for the parent to hang up.
		_, _, _ = ch.Receive()
		return 0
	default:
		return 2
	}
}

func testConfig(t *testing.T) proc.Config {
	t.Helper()
	loop := eventloop.New()
	t.Cleanup(loop.Close)
	return proc.Config{Loop: loop}
}

func newSupervisor(t *testing.T, opts Options) (*Supervisor, <-chan Event) {
	t.Helper()
	events := make(chan Event, 64)
	opts.Events = events
	sup, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sup, events
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case evt := <-events:
			out = append(out, evt)
			if evt.Type.Terminal() {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out waiting for closed event; got %v", eventTypes(out))
		}
	}
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, len(events))
	for i, evt := range events {
		types[i] = evt.Type
	}
	return types
}

func TestSupervisorEventsInOrder(t *testing.T) {
	cfg := testConfig(t)
	cfg.Shell = opt.Some("/bin/sh")
	sup, events := newSupervisor(t, Options{Command: "exit 3", Config: cfg})

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := collect(t, events)

	want := []EventType{EventTypeSpawned, EventTypeExited, EventTypeClosed}
	if types := eventTypes(got); len(types) != len(want) || types[0] != want[0] || types[1] != want[1] || types[2] != want[2] {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for _, evt := range got {
		if evt.Process != "exit 3" {
			t.Fatalf("expected process label from command, got %q", evt.Process)
		}
		if evt.Pid <= 0 {
			t.Fatalf("expected pid on %s event", evt.Type)
		}
	}
	closed := got[2]
	if code, ok := closed.Status.Code.Get(); !ok || code != 3 {
		t.Fatalf("expected exit code 3, got %v", closed.Status)
	}
	if closed.Level != "warn" || closed.Reason != ReasonExitCode {
		t.Fatalf("unexpected closed event %+v", closed)
	}

	status, err := sup.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if status.Success() {
		t.Fatalf("expected failure status")
	}
}

func TestSupervisorSpawnFailure(t *testing.T) {
	sup, events := newSupervisor(t, Options{Command: "/definitely/not/here", Config: testConfig(t)})

	err := sup.Start(context.Background())
	var perr *proc.Error
	if !errors.As(err, &perr) || perr.Code != "ENOENT" {
		t.Fatalf("expected ENOENT proc error, got %v", err)
	}
	select {
	case <-sup.Done():
	default:
		t.Fatalf("expected supervisor to be done after a spawn failure")
	}

	select {
	case evt := <-events:
		if evt.Type != EventTypeError || evt.Reason != ReasonSpawnFailure || evt.Pid != 0 {
			t.Fatalf("expected spawn_failure error event, got %+v", evt)
		}
	default:
		t.Fatalf("expected error event to be delivered before Start returned")
	}
	select {
	case evt := <-events:
		t.Fatalf("unexpected extra event %+v", evt)
	default:
	}

	if last := sup.LastError(); last == nil || last.Code != "ENOENT" {
		t.Fatalf("expected last error to be recorded, got %v", last)
	}
	if _, err := sup.Signal(proc.SIGTERM); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestSupervisorSpawnFailureEventPrecedesDone(t *testing.T) {
	cfg := testConfig(t)
	for i := 0; i < 200; i++ {
		events := make(chan Event)
		received := make(chan []Event, 1)
		go func() {
			var got []Event
			for evt := range events {
				got = append(got, evt)
			}
			received <- got
		}()

		sup, err := New(Options{Command: "/definitely/not/here", Config: cfg, Events: events})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := sup.Start(context.Background()); err == nil {
			t.Fatalf("expected spawn failure")
		}
		<-sup.Done()
		close(events)

		got := <-received
		if len(got) != 1 || got[0].Reason != ReasonSpawnFailure {
			t.Fatalf("iteration %d: expected one spawn_failure event, got %v", i, eventTypes(got))
		}
	}
}

func TestSupervisorForwardsOutputToMux(t *testing.T) {
	cfg := testConfig(t)
	cfg.Shell = opt.Some("/bin/sh")
	mux := logmux.New(16)
	sup, events := newSupervisor(t, Options{Name: "talker", Command: "echo out; echo err >&2", Config: cfg, Mux: mux})

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	collect(t, events)
	mux.Close()

	seen := map[string]logmux.Line{}
	for line := range mux.Output() {
		seen[line.Source] = line
	}
	if line := seen[logmux.SourceStdout]; line.Message != "out" || line.Process != "talker" || line.Level != "info" {
		t.Fatalf("unexpected stdout line %+v", line)
	}
	if line := seen[logmux.SourceStderr]; line.Message != "err" || line.Level != "warn" {
		t.Fatalf("unexpected stderr line %+v", line)
	}
}

func TestSupervisorStopOnContextCancel(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "run", "sleeper.pid")
	cfg := testConfig(t)
	cfg.Stdio = proc.StdioSlots(proc.Ignore(), proc.Ignore(), proc.Ignore())
	sup, events := newSupervisor(t, Options{
		Command:   "sleep",
		Args:      []string{"30"},
		Config:    cfg,
		PidFile:   pidPath,
		StopGrace: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	pid, err := pidfile.Read(pidPath)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if pid != sup.Handle().Pid() {
		t.Fatalf("pid file holds %d, handle pid is %d", pid, sup.Handle().Pid())
	}
	if _, err := pidfile.Acquire(pidPath); !errors.Is(err, pidfile.ErrLocked) {
		t.Fatalf("expected pid file to be locked, got %v", err)
	}

	cancel()
	got := collect(t, events)
	types := eventTypes(got)
	if types[1] != EventTypeStopping || got[1].Reason != ReasonContextDone {
		t.Fatalf("expected stopping event after cancel, got %v", types)
	}
	closed := got[len(got)-1]
	if sig, ok := closed.Status.Signal.Get(); !ok || sig != proc.SIGTERM {
		t.Fatalf("expected SIGTERM termination, got %v", closed.Status)
	}

	<-sup.Done()
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("expected pid file to be removed, stat err %v", err)
	}
	if err := sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after exit should be a no-op, got %v", err)
	}
}

func TestSupervisorSignal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stdio = proc.StdioSlots(proc.Ignore(), proc.Ignore(), proc.Ignore())
	sup, events := newSupervisor(t, Options{Command: "sleep", Args: []string{"30"}, Config: cfg})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := sup.Signal(proc.Other("SIGNOPE")); !errors.Is(err, ErrUnknownSignal) {
		t.Fatalf("expected ErrUnknownSignal, got %v", err)
	}
	delivered, err := sup.Signal(proc.SIGKILL)
	if err != nil || !delivered {
		t.Fatalf("expected SIGKILL delivery, got %v %v", delivered, err)
	}

	got := collect(t, events)
	if types := eventTypes(got); types[1] != EventTypeSignal || got[1].Message != "SIGKILL" {
		t.Fatalf("expected signal event, got %v", types)
	}
	if _, err := sup.Signal(proc.SIGTERM); !errors.Is(err, ErrExited) {
		t.Fatalf("expected ErrExited after close, got %v", err)
	}
}

func TestSupervisorSendAndDisconnect(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stdio = proc.StdioSlots(proc.Ignore(), proc.Ignore(), proc.Inherit(), proc.IPC())
	cfg.Env = opt.Some(map[string]string{helperEnv: "echo-once"})
	sup, events := newSupervisor(t, Options{Name: "helper", Command: os.Args[0], Config: cfg})

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ok, err := sup.Send(map[string]string{"ping": "pong"})
	if err != nil || !ok {
		t.Fatalf("Send: %v %v", ok, err)
	}

	var message Event
	deadline := time.After(10 * time.Second)
	for message.Type != EventTypeMessage {
		select {
		case message = <-events:
		case <-deadline:
			t.Fatalf("timed out waiting for message event")
		}
	}
	if !strings.Contains(message.Message, `"ping":"pong"`) {
		t.Fatalf("unexpected echoed message %s", message.Message)
	}

	if err := sup.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	rest := collect(t, events)
	sawDisconnect := false
	for _, evt := range rest {
		if evt.Type == EventTypeDisconnected {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Fatalf("expected disconnected event, got %v", eventTypes(rest))
	}
	if err := sup.Disconnect(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if in, out := sup.MessageCounts(); in != 1 || out != 1 {
		t.Fatalf("expected 1/1 messages, got %d/%d", in, out)
	}
}

func TestNewRequiresCommand(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without command")
	}
	sup, err := New(Options{Command: "/usr/bin/env"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sup.Name() != "env" {
		t.Fatalf("expected name from command basename, got %q", sup.Name())
	}
	if _, err := sup.Wait(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}
