package cli

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/procbind/internal/engine"
	"github.com/Paintersrp/procbind/internal/opt"
	"github.com/Paintersrp/procbind/internal/proc"
)

func TestStatusTrackerRecordsLifecycle(t *testing.T) {
	t.Parallel()

	tracker := newStatusTracker()
	base := time.Now().Add(-10 * time.Second)
	status := proc.ExitStatus{Code: opt.Some(3)}

	tracker.Apply(engine.Event{Process: "api", Pid: 42, Type: engine.EventTypeSpawned, Reason: engine.ReasonStart, Message: "started pid 42", Timestamp: base})
	tracker.Apply(engine.Event{Process: "api", Pid: 42, Type: engine.EventTypeMessage, Message: `{"n":1}`, Timestamp: base.Add(time.Second)})
	tracker.Apply(engine.Event{Process: "api", Pid: 42, Type: engine.EventTypeMessage, Message: `{"n":2}`, Timestamp: base.Add(2 * time.Second)})

	snap := tracker.Snapshot()["api"]
	if snap.State != engine.EventTypeSpawned || snap.Pid != 42 || snap.Messages != 2 {
		t.Fatalf("unexpected snapshot after messages %+v", snap)
	}
	if snap.Message != "started pid 42" {
		t.Fatalf("expected messages not to replace the lifecycle message, got %q", snap.Message)
	}

	tracker.Apply(engine.Event{Process: "api", Pid: 42, Type: engine.EventTypeExited, Reason: engine.ReasonExitCode, Message: status.String(), Status: &status, Timestamp: base.Add(3 * time.Second)})
	tracker.Apply(engine.Event{Process: "api", Pid: 42, Type: engine.EventTypeClosed, Reason: engine.ReasonExitCode, Message: status.String(), Status: &status, Timestamp: base.Add(4 * time.Second)})

	snap = tracker.Snapshot()["api"]
	if snap.State != engine.EventTypeClosed || snap.LastReason != engine.ReasonExitCode {
		t.Fatalf("unexpected snapshot after close %+v", snap)
	}
	if snap.Exit == nil {
		t.Fatalf("expected exit status to be recorded")
	}
	if code, ok := snap.Exit.Code.Get(); !ok || code != 3 {
		t.Fatalf("expected exit code 3, got %v", snap.Exit)
	}
	if !snap.FirstSeen.Equal(base) || !snap.LastEvent.Equal(base.Add(4*time.Second)) {
		t.Fatalf("unexpected timestamps first=%s last=%s", snap.FirstSeen, snap.LastEvent)
	}

	history := tracker.History("api", 0)
	if len(history) != 3 {
		t.Fatalf("expected messages to stay out of the history, got %d entries", len(history))
	}
	if history[0].Type != engine.EventTypeSpawned || history[2].Type != engine.EventTypeClosed {
		t.Fatalf("unexpected history order %+v", history)
	}
}

func TestStatusTrackerSpawnFailure(t *testing.T) {
	t.Parallel()

	tracker := newStatusTracker()
	tracker.Apply(engine.Event{
		Process: "ghost",
		Type:    engine.EventTypeError,
		Reason:  engine.ReasonSpawnFailure,
		Err:     errors.New("spawn /nope ENOENT"),
	})
	tracker.Apply(engine.Event{Process: "other", Pid: 7, Type: engine.EventTypeSpawned})
	tracker.Apply(engine.Event{Process: "other", Pid: 7, Type: engine.EventTypeError, Reason: engine.ReasonOperationError, Message: "kill EPERM"})

	ghost := tracker.Snapshot()["ghost"]
	if ghost.State != engine.EventTypeError || ghost.Errors != 1 || ghost.Message != "spawn /nope ENOENT" {
		t.Fatalf("unexpected spawn failure snapshot %+v", ghost)
	}
	if ghost.LastEvent.IsZero() {
		t.Fatalf("expected missing timestamps to be filled in")
	}

	other := tracker.Snapshot()["other"]
	if other.State != engine.EventTypeSpawned || other.Errors != 1 {
		t.Fatalf("expected operational errors to leave the state alone, got %+v", other)
	}

	if names := tracker.Names(); len(names) != 2 || names[0] != "ghost" || names[1] != "other" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestStatusTrackerBoundsHistory(t *testing.T) {
	t.Parallel()

	tracker := newStatusTracker(WithHistorySize(2))
	base := time.Now()
	for i, typ := range []engine.EventType{engine.EventTypeSpawned, engine.EventTypeSignal, engine.EventTypeStopping, engine.EventTypeExited} {
		tracker.Apply(engine.Event{Process: "api", Type: typ, Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	history := tracker.History("api", 0)
	if len(history) != 2 || history[0].Type != engine.EventTypeStopping || history[1].Type != engine.EventTypeExited {
		t.Fatalf("expected the two most recent transitions, got %+v", history)
	}
	if limited := tracker.History("api", 1); len(limited) != 1 || limited[0].Type != engine.EventTypeExited {
		t.Fatalf("expected limit to keep the newest entry, got %+v", limited)
	}
	if tracker.History("missing", 5) != nil {
		t.Fatalf("expected nil history for an unknown process")
	}
}

func TestStatusTrackerRedactsMessages(t *testing.T) {
	t.Parallel()

	tracker := newStatusTracker()
	tracker.Apply(engine.Event{Process: "api", Type: engine.EventTypeSpawned, Message: "boot API_KEY=abc123"})

	snap := tracker.Snapshot()["api"]
	if strings.Contains(snap.Message, "abc123") {
		t.Fatalf("expected secret to be redacted, got %q", snap.Message)
	}
	if history := tracker.History("api", 0); strings.Contains(history[0].Message, "abc123") {
		t.Fatalf("expected history to be redacted, got %q", history[0].Message)
	}
}
