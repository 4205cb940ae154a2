package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/procbind/internal/cliutil"
	"github.com/Paintersrp/procbind/internal/engine"
	"github.com/Paintersrp/procbind/internal/logmux"
	"github.com/Paintersrp/procbind/internal/proc"
)

const (
	eventsTitle          = "Events"
	outputTitle          = "Output"
	filterPageName       = "filter"
	defaultLineRetention = 500
	defaultEventHistory  = 200
)

// Controller is the subset of supervisor operations bound to keys.
type Controller interface {
	Signal(proc.Signal) (bool, error)
	Disconnect() error
}

// signalKeys maps runes to the signal they send.
var signalKeys = map[rune]proc.Signal{
	't': proc.SIGTERM,
	'k': proc.SIGKILL,
	'i': proc.SIGINT,
	'h': proc.SIGHUP,
	'1': proc.SIGUSR1,
	'2': proc.SIGUSR2,
}

// Option configures UI behaviour.
type Option func(*UI)

// WithMaxLines sets the maximum number of output lines retained.
func WithMaxLines(n int) Option {
	return func(u *UI) {
		if n > 0 {
			u.maxLines = n
		}
	}
}

// WithController binds the signal and disconnect keys.
func WithController(ctrl Controller) Option {
	return func(u *UI) {
		u.ctrl = ctrl
	}
}

// UI is the interactive view over one supervised process: a header with its
// current state, the lifecycle event table and its output.
type UI struct {
	app    *tview.Application
	pages  *tview.Pages
	header *tview.TextView
	table  *tview.Table
	output *tview.TextView
	ctrl   Controller

	events chan engine.Event
	lines  chan logmux.Line

	proc    processState
	history []engine.Event
	records []cliutil.LogRecord

	outputJSON    bool
	filter        string
	filterExpr    *regexp.Regexp
	outputFocused bool
	maxLines      int
	notice        string

	mu sync.RWMutex

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	wg        sync.WaitGroup
	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

type processState struct {
	name      string
	pid       int
	state     engine.EventType
	startedAt time.Time
	exit      string
	messages  int
	errors    int
}

// New constructs a UI configured with the supplied options.
func New(opts ...Option) *UI {
	app := tview.NewApplication()
	header := tview.NewTextView().SetDynamicColors(true)
	header.SetBorder(true).SetTitle("procbind")

	table := tview.NewTable().SetFixed(1, 0).SetSelectable(true, false)
	table.SetBorder(true).SetTitle(eventsTitle)

	output := tview.NewTextView().SetDynamicColors(false).SetWrap(false)
	output.SetBorder(true).SetTitle(outputTitle)
	output.SetChangedFunc(func() {
		app.Draw()
	})

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
		events:   make(chan engine.Event, 256),
		lines:    make(chan logmux.Line, 256),
		maxLines: defaultLineRetention,
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(ui)
	}

	app.SetRoot(pages, true)
	app.SetInputCapture(ui.handleKey)

	ui.mu.Lock()
	ui.refreshLocked(true)
	ui.mu.Unlock()

	return ui
}

// EventSink exposes the channel where supervisor events should be delivered.
func (u *UI) EventSink() chan<- engine.Event {
	return u.events
}

// LineSink exposes the channel where output lines should be delivered.
func (u *UI) LineSink() chan<- logmux.Line {
	return u.lines
}

// CloseEvents releases both input channels, allowing internal goroutines to
// exit cleanly. Nothing may be sent after it is called.
func (u *UI) CloseEvents() {
	u.closeOnce.Do(func() {
		close(u.events)
		close(u.lines)
	})
}

// Done returns a channel that is closed when the UI stops.
func (u *UI) Done() <-chan struct{} {
	return u.done
}

// Run starts the tview application and processes incoming events until Stop
// is invoked or the provided context is cancelled.
func (u *UI) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	u.cancelMu.Lock()
	u.cancel = cancel
	u.cancelMu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.consume(ctx)
	}()

	go func() {
		<-ctx.Done()
		u.Stop()
	}()

	err := u.app.Run()

	u.cancelMu.Lock()
	cancel = u.cancel
	u.cancel = nil
	u.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}

	u.wg.Wait()
	u.Stop()

	return err
}

// Stop terminates the application loop and releases resources.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.cancelMu.Lock()
		cancel := u.cancel
		u.cancel = nil
		u.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		u.app.Stop()
		close(u.done)
	})
}

func (u *UI) consume(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	draining := false
	ctxDone := ctx.Done()
	events, lines := u.events, u.lines

	for events != nil || lines != nil {
		var tick <-chan time.Time
		if !draining {
			tick = ticker.C
		}

		select {
		case <-ctxDone:
			draining = true
			ctxDone = nil
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !draining {
				u.applyEvent(evt)
			}
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if !draining {
				u.applyLine(line)
			}
		case <-tick:
			u.queueRefresh(false)
		}
	}
}

func (u *UI) overlayActive() bool {
	focus := u.app.GetFocus()
	return focus != nil && focus != u.table && focus != u.output
}

func (u *UI) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if u.overlayActive() {
		return event
	}
	switch event.Key() {
	case tcell.KeyEnter:
		u.toggleFocus()
		return nil
	case tcell.KeyUp, tcell.KeyDown:
		return event
	case tcell.KeyRune:
		r := event.Rune()
		if sig, ok := signalKeys[r]; ok {
			u.sendSignal(sig)
			return nil
		}
		switch r {
		case 'q', 'Q':
			go u.Stop()
			return nil
		case '/':
			u.showFilterPrompt()
			return nil
		case 'j', 'J':
			u.toggleJSON()
			return nil
		case 'd', 'D':
			u.disconnect()
			return nil
		}
	}
	return event
}

func (u *UI) sendSignal(sig proc.Signal) {
	if u.ctrl == nil {
		return
	}
	delivered, err := u.ctrl.Signal(sig)
	switch {
	case err != nil:
		u.setNotice(fmt.Sprintf("%s: %v", sig, err))
	case !delivered:
		u.setNotice(fmt.Sprintf("%s not delivered", sig))
	default:
		u.setNotice(fmt.Sprintf("sent %s", sig))
	}
}

func (u *UI) disconnect() {
	if u.ctrl == nil {
		return
	}
	if err := u.ctrl.Disconnect(); err != nil {
		u.setNotice(fmt.Sprintf("disconnect: %v", err))
		return
	}
	u.setNotice("disconnecting ipc channel")
}

// setNotice runs on the application goroutine, from key handlers, so it
// renders directly; the application redraws once the handler returns.
func (u *UI) setNotice(notice string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.notice = notice
	u.renderHeaderLocked()
}

func (u *UI) toggleFocus() {
	if u.outputFocused {
		u.app.SetFocus(u.table)
	} else {
		u.app.SetFocus(u.output)
	}
	u.outputFocused = !u.outputFocused
}

func (u *UI) toggleJSON() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.outputJSON = !u.outputJSON
	u.renderOutputLocked()
}

func (u *UI) showFilterPrompt() {
	u.mu.RLock()
	current := u.filter
	u.mu.RUnlock()

	input := tview.NewInputField().
		SetLabel("Regex filter: ").
		SetText(current).
		SetFieldWidth(40)

	form := tview.NewForm().
		AddFormItem(input).
		AddButton("Apply", func() {
			u.applyFilter(input.GetText())
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		}).
		AddButton("Cancel", func() {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	form.SetBorder(true).SetTitle("Filter Output")

	grid := tview.NewGrid().
		SetColumns(0, 60, 0).
		SetRows(0, 7, 0).
		AddItem(form, 1, 1, 1, 1, 0, 0, true)

	u.pages.AddPage(filterPageName, grid, true, true)
	u.app.SetFocus(input)
}

func (u *UI) applyFilter(expr string) {
	expr = strings.TrimSpace(expr)
	var re *regexp.Regexp
	if expr != "" {
		compiled, err := regexp.Compile(expr)
		if err != nil {
			u.showErrorModal(fmt.Sprintf("Invalid filter: %v", err))
			return
		}
		re = compiled
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.filter = expr
	u.filterExpr = re
	u.refreshLocked(true)
}

func (u *UI) showErrorModal(message string) {
	modal := tview.NewModal().
		SetText(message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	u.pages.RemovePage(filterPageName)
	u.pages.AddPage(filterPageName, modal, true, true)
}

func (u *UI) applyEvent(evt engine.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	u.mu.Lock()
	u.applyEventLocked(evt)
	u.mu.Unlock()

	u.queueRefresh(false)
}

func (u *UI) applyEventLocked(evt engine.Event) {
	st := &u.proc
	if st.name == "" {
		st.name = evt.Process
	}
	if evt.Pid > 0 {
		st.pid = evt.Pid
	}
	switch evt.Type {
	case engine.EventTypeSpawned:
		st.state = evt.Type
		st.startedAt = evt.Timestamp
	case engine.EventTypeStopping, engine.EventTypeExited, engine.EventTypeClosed:
		st.state = evt.Type
	case engine.EventTypeMessage:
		st.messages++
	case engine.EventTypeError:
		st.errors++
		if evt.Reason == engine.ReasonSpawnFailure {
			st.state = evt.Type
		}
	}
	if evt.Status != nil {
		st.exit = evt.Status.String()
	}

	u.history = append(u.history, evt)
	if len(u.history) > defaultEventHistory {
		u.history = append([]engine.Event(nil), u.history[len(u.history)-defaultEventHistory:]...)
	}
}

func (u *UI) applyLine(line logmux.Line) {
	u.mu.Lock()
	u.applyLineLocked(line)
	u.mu.Unlock()

	u.queueRefresh(true)
}

func (u *UI) applyLineLocked(line logmux.Line) {
	u.records = append(u.records, cliutil.NewLogRecord(line))
	if len(u.records) > u.maxLines {
		trim := len(u.records) - u.maxLines
		u.records = append([]cliutil.LogRecord(nil), u.records[trim:]...)
	}
}

// queueRefresh is for goroutines other than the application's own; called
// from a key handler it would wait on itself.
func (u *UI) queueRefresh(updateOutput bool) {
	u.app.QueueUpdateDraw(func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.refreshLocked(updateOutput)
	})
}

func (u *UI) refreshLocked(updateOutput bool) {
	u.renderHeaderLocked()
	u.renderTableLocked()
	if updateOutput {
		u.renderOutputLocked()
	}
}

func (u *UI) renderHeaderLocked() {
	u.header.Clear()
	st := u.proc
	name := st.name
	if name == "" {
		name = "-"
	}
	uptime := "-"
	if !st.startedAt.IsZero() {
		uptime = time.Since(st.startedAt).Truncate(time.Second).String()
	}
	exit := st.exit
	if exit == "" {
		exit = "-"
	}
	fmt.Fprintf(u.header, "[::b]%s[::-]  pid %d  state %s  up %s  exit %s  messages %d  errors %d\n",
		tview.Escape(name), st.pid, formatState(st.state), uptime, exit, st.messages, st.errors)
	fmt.Fprint(u.header, "[gray]t term  k kill  i int  h hup  1/2 usr  d disconnect  / filter  j json  q quit[-]")
	if u.notice != "" {
		fmt.Fprintf(u.header, "  [yellow]%s[-]", tview.Escape(u.notice))
	}
}

func (u *UI) renderTableLocked() {
	u.table.Clear()

	headers := []string{"TIME", "EVENT", "PID", "REASON", "MESSAGE"}
	for col, header := range headers {
		cell := tview.NewTableCell(header).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold)
		u.table.SetCell(0, col, cell)
	}

	for i := range u.history {
		evt := u.history[len(u.history)-1-i]
		message := cliutil.RedactSecrets(evt.Message)
		if message == "" && evt.Err != nil {
			message = evt.Err.Error()
		}
		if len(message) > 80 {
			message = message[:77] + "..."
		}
		values := []string{
			evt.Timestamp.Format("15:04:05.000"),
			formatState(evt.Type),
			fmt.Sprintf("%d", evt.Pid),
			evt.Reason,
			message,
		}
		for col, value := range values {
			cell := tview.NewTableCell(tview.Escape(value))
			if evt.Type == engine.EventTypeError && col == 1 {
				cell.SetTextColor(tcell.ColorRed)
			}
			u.table.SetCell(i+1, col, cell)
		}
	}
}

func (u *UI) renderOutputLocked() {
	u.output.Clear()
	if u.filter != "" {
		u.output.SetTitle(fmt.Sprintf("%s /%s/", outputTitle, u.filter))
	} else {
		u.output.SetTitle(outputTitle)
	}

	for _, record := range u.records {
		if u.filterExpr != nil && !u.filterExpr.MatchString(record.Message) {
			continue
		}
		if !u.outputJSON {
			fmt.Fprintf(u.output, "%s %-6s %s\n", record.Timestamp.Format("15:04:05"), record.Source, record.Message)
			continue
		}
		data, err := json.Marshal(record)
		if err != nil {
			fmt.Fprintf(u.output, "{\"error\":\"%v\"}\n", err)
			continue
		}
		fmt.Fprintf(u.output, "%s\n", data)
	}
	u.output.ScrollToEnd()
}

func formatState(t engine.EventType) string {
	if t == "" {
		return "-"
	}
	s := string(t)
	if len(s) <= 1 {
		return strings.ToUpper(s)
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
