package cli

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Paintersrp/procbind/internal/api"
	"github.com/Paintersrp/procbind/internal/engine"
	"github.com/Paintersrp/procbind/internal/eventloop"
	"github.com/Paintersrp/procbind/internal/proc"
)

func TestControlAPINilGuards(t *testing.T) {
	var ctrl *ControlAPI
	bg := stdcontext.Background()

	if _, err := ctrl.Status(bg); !errors.Is(err, api.ErrNoProcess) {
		t.Fatalf("expected ErrNoProcess for Status, got %v", err)
	}
	if _, err := ctrl.Signal(bg, "TERM"); !errors.Is(err, api.ErrNoProcess) {
		t.Fatalf("expected ErrNoProcess for Signal, got %v", err)
	}
	if _, err := ctrl.Send(bg, json.RawMessage(`{}`)); !errors.Is(err, api.ErrNoProcess) {
		t.Fatalf("expected ErrNoProcess for Send, got %v", err)
	}
	if err := ctrl.Disconnect(bg); !errors.Is(err, api.ErrNoProcess) {
		t.Fatalf("expected ErrNoProcess for Disconnect, got %v", err)
	}

	if NewControlAPI(nil) != nil {
		t.Fatalf("expected nil controller without a context")
	}
	if _, err := NewControlAPI(&context{}).Status(bg); !errors.Is(err, api.ErrNoProcess) {
		t.Fatalf("expected ErrNoProcess before a process is supervised, got %v", err)
	}
}

func TestControlAPIHonoursCancelledContext(t *testing.T) {
	ctrl := NewControlAPI(&context{})
	ctx, cancel := stdcontext.WithCancel(stdcontext.Background())
	cancel()
	if _, err := ctrl.Status(ctx); !errors.Is(err, stdcontext.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// startSupervised runs command under a supervisor registered on a fresh CLI
// context, feeding its events into the context's status tracker.
func startSupervised(t *testing.T, command string, args ...string) (*context, *engine.Supervisor) {
	t.Helper()
	loop := eventloop.New()
	t.Cleanup(loop.Close)

	ctx := &context{}
	events := make(chan engine.Event, 64)
	cfg := proc.Config{Loop: loop, Stdio: proc.StdioSlots(proc.Ignore(), proc.Ignore(), proc.Ignore())}
	sup, err := engine.New(engine.Options{Name: "sleeper", Command: command, Args: args, Config: cfg, Events: events})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	tracker := ctx.statusTracker()
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for evt := range events {
			tracker.Apply(evt)
		}
	}()
	t.Cleanup(func() {
		_ = sup.Stop(stdcontext.Background())
		<-sup.Done()
		close(events)
		<-consumed
	})

	if err := sup.Start(stdcontext.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx.setSupervisor(sup)
	return ctx, sup
}

func TestControlAPIReportsLifecycle(t *testing.T) {
	ctx, sup := startSupervised(t, "sleep", "30")
	ctrl := NewControlAPI(ctx)
	bg := stdcontext.Background()

	report, err := ctrl.Status(bg)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.State != "running" || !report.Running || report.Pid != sup.Handle().Pid() {
		t.Fatalf("unexpected running report %+v", report)
	}
	if report.Name != "sleeper" || report.Command != "sleep" || len(report.Args) != 1 || report.Args[0] != "30" {
		t.Fatalf("unexpected identity in report %+v", report)
	}
	if report.ID == "" || report.Uptime == "" || report.Exit != nil || report.Connected {
		t.Fatalf("unexpected report details %+v", report)
	}

	if _, err := ctrl.Send(bg, json.RawMessage(`{"hello":"world"}`)); !errors.Is(err, api.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected without an ipc slot, got %v", err)
	}
	if _, err := ctrl.Send(bg, json.RawMessage(`{broken`)); !errors.Is(err, api.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if err := ctrl.Disconnect(bg); !errors.Is(err, api.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected for Disconnect, got %v", err)
	}
	if _, err := ctrl.Signal(bg, "SIGNOPE"); !errors.Is(err, api.ErrUnknownSignal) {
		t.Fatalf("expected ErrUnknownSignal, got %v", err)
	}

	result, err := ctrl.Signal(bg, "term")
	if err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if result.Signal != "SIGTERM" || !result.Delivered {
		t.Fatalf("unexpected signal result %+v", result)
	}

	select {
	case <-sup.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for process to close")
	}

	report, err = ctrl.Status(bg)
	if err != nil {
		t.Fatalf("Status after exit: %v", err)
	}
	if report.State != "closed" || report.Running || report.Uptime != "" {
		t.Fatalf("unexpected closed report %+v", report)
	}
	if report.Exit == nil || report.Exit.Signal != "SIGTERM" || report.Exit.Code != nil {
		t.Fatalf("expected SIGTERM exit, got %+v", report.Exit)
	}
	if !report.Killed {
		t.Fatalf("expected killed flag after a delivered signal")
	}

	if _, err := ctrl.Signal(bg, "TERM"); !errors.Is(err, api.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after exit, got %v", err)
	}
}

func TestControlAPIReportsSpawnFailure(t *testing.T) {
	loop := eventloop.New()
	t.Cleanup(loop.Close)
	ctx := &context{}
	sup, err := engine.New(engine.Options{Command: "/definitely/not/here", Config: proc.Config{Loop: loop}})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	if err := sup.Start(stdcontext.Background()); err == nil {
		t.Fatalf("expected spawn failure")
	}
	ctx.setSupervisor(sup)

	report, err := NewControlAPI(ctx).Status(stdcontext.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if report.State != "error" || report.Pid != 0 || report.Running {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.LastError == nil || report.LastError.Code != "ENOENT" || report.LastError.Errno != "-2" {
		t.Fatalf("expected ENOENT last error, got %+v", report.LastError)
	}
	if _, err := NewControlAPI(ctx).Signal(stdcontext.Background(), "TERM"); !errors.Is(err, api.ErrNoProcess) {
		t.Fatalf("expected ErrNoProcess for a process that never started, got %v", err)
	}
}
