package cli

import (
	"sort"
	"sync"
	"time"

	"github.com/Paintersrp/procbind/internal/cliutil"
	"github.com/Paintersrp/procbind/internal/engine"
	"github.com/Paintersrp/procbind/internal/proc"
)

const defaultHistorySize = 50

// processStatus captures runtime state for a process observed via events.
type processStatus struct {
	name       string
	pid        int
	firstSeen  time.Time
	lastEvent  time.Time
	state      engine.EventType
	message    string
	lastReason string
	exit       *proc.ExitStatus
	messages   int
	errors     int

	history []Transition
}

// Transition is one recorded lifecycle event.
type Transition struct {
	Timestamp time.Time
	Type      engine.EventType
	Reason    string
	Message   string
}

// StatusTrackerOption customises a statusTracker.
type StatusTrackerOption func(*statusTracker)

// WithHistorySize bounds the transitions kept per process.
func WithHistorySize(n int) StatusTrackerOption {
	return func(t *statusTracker) {
		if n > 0 {
			t.historySize = n
		}
	}
}

// statusTracker maintains in-memory status for processes based on supervisor
// events.
type statusTracker struct {
	mu          sync.RWMutex
	processes   map[string]*processStatus
	historySize int
}

func newStatusTracker(opts ...StatusTrackerOption) *statusTracker {
	t := &statusTracker{processes: make(map[string]*processStatus), historySize: defaultHistorySize}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Apply updates the tracker based on the supplied event.
func (t *statusTracker) Apply(evt engine.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.processes[evt.Process]
	if state == nil {
		state = &processStatus{name: evt.Process, firstSeen: evt.Timestamp}
		t.processes[evt.Process] = state
	}
	if evt.Timestamp.After(state.lastEvent) {
		state.lastEvent = evt.Timestamp
	}
	if evt.Pid > 0 {
		state.pid = evt.Pid
	}

	// Messages are counted, not recorded, so that chatty children do not push
	// lifecycle transitions out of the history.
	if evt.Type == engine.EventTypeMessage {
		state.messages++
		return
	}

	switch evt.Type {
	case engine.EventTypeSpawned, engine.EventTypeStopping, engine.EventTypeExited, engine.EventTypeClosed:
		state.state = evt.Type
	case engine.EventTypeError:
		state.errors++
		if evt.Reason == engine.ReasonSpawnFailure {
			state.state = evt.Type
		}
	}
	if evt.Status != nil {
		st := *evt.Status
		state.exit = &st
	}

	message := evt.Message
	if message == "" && evt.Err != nil {
		message = evt.Err.Error()
	}
	message = cliutil.RedactSecrets(message)
	state.message = message
	state.lastReason = evt.Reason

	state.history = append(state.history, Transition{
		Timestamp: evt.Timestamp,
		Type:      evt.Type,
		Reason:    evt.Reason,
		Message:   message,
	})
	if len(state.history) > t.historySize {
		state.history = append([]Transition(nil), state.history[len(state.history)-t.historySize:]...)
	}
}

// ProcessStatus captures a snapshot of a process state for presentation.
type ProcessStatus struct {
	Name       string
	Pid        int
	FirstSeen  time.Time
	LastEvent  time.Time
	State      engine.EventType
	Message    string
	LastReason string
	Exit       *proc.ExitStatus
	Messages   int
	Errors     int
}

// Snapshot returns a map keyed by process name containing copies of the
// tracked state.
func (t *statusTracker) Snapshot() map[string]ProcessStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := make(map[string]ProcessStatus, len(t.processes))
	for name, state := range t.processes {
		snapshot[name] = ProcessStatus{
			Name:       state.name,
			Pid:        state.pid,
			FirstSeen:  state.firstSeen,
			LastEvent:  state.lastEvent,
			State:      state.state,
			Message:    state.message,
			LastReason: state.lastReason,
			Exit:       state.exit,
			Messages:   state.messages,
			Errors:     state.errors,
		}
	}
	return snapshot
}

// History returns up to limit of the most recent transitions for name, oldest
// first. A non-positive limit returns everything retained.
func (t *statusTracker) History(name string, limit int) []Transition {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state := t.processes[name]
	if state == nil {
		return nil
	}
	history := state.history
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return append([]Transition(nil), history...)
}

// Names returns the list of known processes sorted alphabetically.
func (t *statusTracker) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.processes))
	for name := range t.processes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
