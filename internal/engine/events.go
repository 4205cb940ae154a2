package engine

import (
	"time"

	"github.com/Paintersrp/procbind/internal/ipc"
	"github.com/Paintersrp/procbind/internal/logmux"
	"github.com/Paintersrp/procbind/internal/proc"
)

// EventType captures high level lifecycle notifications emitted by a
// supervisor.
type EventType string

const (
	EventTypeSpawned      EventType = "spawned"
	EventTypeSignal       EventType = "signal"
	EventTypeStopping     EventType = "stopping"
	EventTypeExited       EventType = "exited"
	EventTypeClosed       EventType = "closed"
	EventTypeDisconnected EventType = "disconnected"
	EventTypeMessage      EventType = "message"
	EventTypeError        EventType = "error"
)

// Event represents a single lifecycle notification.
type Event struct {
	Timestamp time.Time
	Process   string
	Pid       int
	Type      EventType
	Message   string
	Level     string
	Source    string
	// Status is set on exited and closed events.
	Status *proc.ExitStatus
	// Payload is set on message events.
	Payload ipc.Message
	Err     error
	Reason  string
}

const (
	ReasonStart          = "start"
	ReasonSpawnFailure   = "spawn_failure"
	ReasonSignalRequest  = "signal_request"
	ReasonStopRequest    = "stop_request"
	ReasonContextDone    = "context_done"
	ReasonChannelClosed  = "channel_closed"
	ReasonChildMessage   = "child_message"
	ReasonOperationError = "operation_error"
	ReasonExitCode       = "exit_code"
	ReasonExitSignal     = "exit_signal"
)

func sendEvent(events chan<- Event, evt Event) {
	if events == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	if evt.Source == "" {
		evt.Source = logmux.SourceSystem
	}
	events <- evt
}

// Terminal reports whether no further events follow for the process.
func (t EventType) Terminal() bool {
	return t == EventTypeClosed
}
