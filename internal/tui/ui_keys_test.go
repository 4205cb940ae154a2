package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/procbind/internal/engine"
	"github.com/Paintersrp/procbind/internal/logmux"
	"github.com/Paintersrp/procbind/internal/proc"
)

func newTestUI(t *testing.T) *UI {
	t.Helper()
	app := tview.NewApplication()
	header := tview.NewTextView()
	table := tview.NewTable().SetFixed(1, 0).SetSelectable(true, false)
	output := tview.NewTextView()
	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(header, 4, 0, false).
		AddItem(table, 0, 2, true).
		AddItem(output, 0, 3, false)
	pages := tview.NewPages().AddPage("main", flex, true, true)

	ui := &UI{
		app:      app,
		pages:    pages,
		header:   header,
		table:    table,
		output:   output,
		events:   make(chan engine.Event, 1),
		lines:    make(chan logmux.Line, 1),
		maxLines: defaultLineRetention,
		done:     make(chan struct{}),
	}

	app.SetRoot(pages, true)
	app.SetInputCapture(ui.handleKey)

	return ui
}

type fakeController struct {
	signals     []proc.Signal
	signalErr   error
	disconnects int
}

func (f *fakeController) Signal(sig proc.Signal) (bool, error) {
	f.signals = append(f.signals, sig)
	return f.signalErr == nil, f.signalErr
}

func (f *fakeController) Disconnect() error {
	f.disconnects++
	return nil
}

func TestHandleKeyRespectsOverlayFocus(t *testing.T) {
	ui := newTestUI(t)
	ui.app.SetFocus(ui.table)

	slash := tcell.NewEventKey(tcell.KeyRune, '/', tcell.ModNone)
	if res := ui.handleKey(slash); res != nil {
		t.Fatalf("expected filter shortcut to be consumed when table focused")
	}

	if _, ok := ui.app.GetFocus().(*tview.InputField); !ok {
		t.Fatalf("expected filter input to have focus, got %T", ui.app.GetFocus())
	}

	enter := tcell.NewEventKey(tcell.KeyEnter, 0, tcell.ModNone)
	if res := ui.handleKey(enter); res != enter {
		t.Fatalf("expected Enter to bypass global handler when overlay focused")
	}

	runeEvent := tcell.NewEventKey(tcell.KeyRune, 'k', tcell.ModNone)
	if res := ui.handleKey(runeEvent); res != runeEvent {
		t.Fatalf("expected rune to bypass global handler when overlay focused")
	}

	ui.pages.RemovePage(filterPageName)
	ui.app.SetFocus(ui.table)

	other := tcell.NewEventKey(tcell.KeyRune, 'x', tcell.ModNone)
	if res := ui.handleKey(other); res != other {
		t.Fatalf("expected unbound rune to pass through when table focused")
	}
	if ui.outputFocused {
		t.Fatalf("expected outputFocused to match table focus")
	}
}

func TestHandleKeyAllowsOutputShortcuts(t *testing.T) {
	ui := newTestUI(t)
	ui.app.SetFocus(ui.table)

	ui.toggleFocus()
	if ui.app.GetFocus() != ui.output {
		t.Fatalf("expected output to have focus after toggle")
	}

	slash := tcell.NewEventKey(tcell.KeyRune, '/', tcell.ModNone)
	if res := ui.handleKey(slash); res != nil {
		t.Fatalf("expected filter shortcut to be consumed when output focused")
	}
}

func TestSignalKeysReachController(t *testing.T) {
	ui := newTestUI(t)
	ctrl := &fakeController{}
	ui.ctrl = ctrl
	ui.app.SetFocus(ui.table)

	for _, r := range []rune{'t', 'k', '1'} {
		if res := ui.handleKey(tcell.NewEventKey(tcell.KeyRune, r, tcell.ModNone)); res != nil {
			t.Fatalf("expected %q to be consumed", r)
		}
	}
	want := []proc.Signal{proc.SIGTERM, proc.SIGKILL, proc.SIGUSR1}
	if len(ctrl.signals) != len(want) {
		t.Fatalf("expected %v, got %v", want, ctrl.signals)
	}
	for i := range want {
		if ctrl.signals[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ctrl.signals)
		}
	}
	if ui.notice != "sent SIGUSR1" {
		t.Fatalf("unexpected notice %q", ui.notice)
	}

	ctrl.signalErr = errors.New("process exited")
	ui.handleKey(tcell.NewEventKey(tcell.KeyRune, 'h', tcell.ModNone))
	if ui.notice != "SIGHUP: process exited" {
		t.Fatalf("unexpected notice %q", ui.notice)
	}

	ui.handleKey(tcell.NewEventKey(tcell.KeyRune, 'd', tcell.ModNone))
	if ctrl.disconnects != 1 {
		t.Fatalf("expected one disconnect, got %d", ctrl.disconnects)
	}
}

func TestSignalNoticeRendersInHeader(t *testing.T) {
	ui := newTestUI(t)
	ui.ctrl = &fakeController{}
	ui.app.SetFocus(ui.table)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ui.handleKey(tcell.NewEventKey(tcell.KeyRune, 't', tcell.ModNone))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("signal key handler blocked")
	}
	if !strings.Contains(ui.header.GetText(true), "sent SIGTERM") {
		t.Fatalf("expected notice in header, got %q", ui.header.GetText(true))
	}
}

func TestApplyFilterRendersWithoutQueueing(t *testing.T) {
	ui := newTestUI(t)
	ui.applyLineLocked(logmux.Line{Process: "api", Source: logmux.SourceStdout, Message: "keep me"})
	ui.applyLineLocked(logmux.Line{Process: "api", Source: logmux.SourceStdout, Message: "drop me"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		ui.applyFilter("keep")
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("applyFilter blocked")
	}

	text := ui.output.GetText(true)
	if !strings.Contains(text, "keep me") || strings.Contains(text, "drop me") {
		t.Fatalf("unexpected filtered output %q", text)
	}

	ui.applyFilter("  ")
	if ui.filter != "" || ui.filterExpr != nil {
		t.Fatalf("expected blank filter to clear, got %q", ui.filter)
	}
	if !strings.Contains(ui.output.GetText(true), "drop me") {
		t.Fatalf("expected all output after clearing the filter")
	}

	ui.applyFilter("(")
	if ui.filter != "" {
		t.Fatalf("invalid expression must leave the filter unchanged, got %q", ui.filter)
	}
}
