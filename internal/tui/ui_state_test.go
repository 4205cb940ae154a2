package tui

import (
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/procbind/internal/engine"
	"github.com/Paintersrp/procbind/internal/logmux"
	"github.com/Paintersrp/procbind/internal/opt"
	"github.com/Paintersrp/procbind/internal/proc"
)

func TestApplyEventTracksLifecycle(t *testing.T) {
	ui := newTestUI(t)
	base := time.Now()

	ui.applyEventLocked(engine.Event{Process: "api", Pid: 42, Type: engine.EventTypeSpawned, Timestamp: base})
	ui.applyEventLocked(engine.Event{Process: "api", Pid: 42, Type: engine.EventTypeMessage, Message: `{"ok":true}`, Timestamp: base})
	ui.applyEventLocked(engine.Event{Process: "api", Pid: 42, Type: engine.EventTypeError, Err: errors.New("write EPIPE"), Timestamp: base})

	if ui.proc.name != "api" || ui.proc.pid != 42 || ui.proc.state != engine.EventTypeSpawned {
		t.Fatalf("unexpected state %+v", ui.proc)
	}
	if ui.proc.messages != 1 || ui.proc.errors != 1 {
		t.Fatalf("expected 1 message and 1 error, got %+v", ui.proc)
	}

	status := proc.ExitStatus{Code: opt.Some(2)}
	ui.applyEventLocked(engine.Event{Process: "api", Pid: 42, Type: engine.EventTypeExited, Status: &status, Timestamp: base})
	if ui.proc.state != engine.EventTypeExited || ui.proc.exit != "exit code 2" {
		t.Fatalf("unexpected exit state %+v", ui.proc)
	}
	if len(ui.history) != 4 {
		t.Fatalf("expected 4 history entries, got %d", len(ui.history))
	}

	ui.renderTableLocked()
	if got := ui.table.GetCell(1, 1).Text; got != "Exited" {
		t.Fatalf("expected newest event first, got %q", got)
	}
	if got := ui.table.GetCell(2, 4).Text; got != "write EPIPE" {
		t.Fatalf("expected error text in message column, got %q", got)
	}
}

func TestApplyEventSpawnFailureSetsErrorState(t *testing.T) {
	ui := newTestUI(t)
	ui.applyEventLocked(engine.Event{Process: "nope", Type: engine.EventTypeError, Reason: engine.ReasonSpawnFailure})
	if ui.proc.state != engine.EventTypeError {
		t.Fatalf("expected error state, got %q", ui.proc.state)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	ui := newTestUI(t)
	for i := 0; i < defaultEventHistory+10; i++ {
		ui.applyEventLocked(engine.Event{Process: "api", Type: engine.EventTypeMessage})
	}
	if len(ui.history) != defaultEventHistory {
		t.Fatalf("expected history capped at %d, got %d", defaultEventHistory, len(ui.history))
	}
}

func TestOutputRetentionAndFilter(t *testing.T) {
	ui := newTestUI(t)
	ui.maxLines = 3
	for _, msg := range []string{"one", "two", "three", "four"} {
		ui.applyLineLocked(logmux.Line{Process: "api", Source: logmux.SourceStdout, Message: msg})
	}
	if len(ui.records) != 3 || ui.records[0].Message != "two" {
		t.Fatalf("expected the last three lines, got %+v", ui.records)
	}

	ui.filter = "^t"
	ui.filterExpr = mustCompile(t, ui.filter)
	ui.renderOutputLocked()
	text := ui.output.GetText(true)
	if !strings.Contains(text, "two") || !strings.Contains(text, "three") || strings.Contains(text, "four") {
		t.Fatalf("unexpected filtered output %q", text)
	}

	ui.outputJSON = true
	ui.renderOutputLocked()
	if text := ui.output.GetText(true); !strings.Contains(text, `"msg":"two"`) {
		t.Fatalf("expected JSON records, got %q", text)
	}
}

func TestOutputRedactsSecrets(t *testing.T) {
	ui := newTestUI(t)
	ui.applyLineLocked(logmux.Line{Process: "api", Source: logmux.SourceStderr, Message: "API_KEY=abc123"})
	ui.renderOutputLocked()
	if text := ui.output.GetText(true); strings.Contains(text, "abc123") {
		t.Fatalf("expected secret to be redacted, got %q", text)
	}
}

func mustCompile(t *testing.T, expr string) *regexp.Regexp {
	t.Helper()
	re, err := regexp.Compile(expr)
	if err != nil {
		t.Fatalf("compile %q: %v", expr, err)
	}
	return re
}
