package api

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNoProcess      = errors.New("no supervised process")
	ErrNotRunning     = errors.New("process not running")
	ErrNotConnected   = errors.New("ipc channel not connected")
	ErrUnknownSignal  = errors.New("unknown signal")
	ErrInvalidMessage = errors.New("invalid message")
)

// ExitReport describes how the process ended. Exactly one of Code and Signal
// is set.
type ExitReport struct {
	Code   *int   `json:"code,omitempty"`
	Signal string `json:"signal,omitempty"`
}

// ErrorReport mirrors an operational error raised by the process handle.
type ErrorReport struct {
	Code    string `json:"code"`
	Errno   string `json:"errno,omitempty"`
	Syscall string `json:"syscall"`
	Message string `json:"message"`
}

// Transition is one lifecycle event in a process's history.
type Transition struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
}

// ProcessReport describes the runtime state of the supervised process.
type ProcessReport struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Command     string       `json:"command"`
	Args        []string     `json:"args"`
	Pid         int          `json:"pid"`
	State       string       `json:"state"`
	Running     bool         `json:"running"`
	Connected   bool         `json:"connected"`
	Killed      bool         `json:"killed"`
	StartedAt   time.Time    `json:"started_at"`
	Uptime      string       `json:"uptime"`
	Exit        *ExitReport  `json:"exit,omitempty"`
	LastError   *ErrorReport `json:"last_error,omitempty"`
	MessagesIn  int          `json:"messages_in"`
	MessagesOut int          `json:"messages_out"`
	History     []Transition `json:"history"`
	GeneratedAt time.Time    `json:"generated_at"`
}

// SignalResult captures the outcome of a signal request. Delivered reports
// whether the OS accepted the signal, not whether the process reacted.
type SignalResult struct {
	Signal    string `json:"signal"`
	Delivered bool   `json:"delivered"`
}

// SendResult captures the outcome of a message send. Queued reports whether
// the message was accepted for sending, not whether the child received it.
type SendResult struct {
	Queued bool `json:"queued"`
}

// Controller exposes process operations required by control servers.
type Controller interface {
	Status(stdcontext.Context) (*ProcessReport, error)
	Signal(stdcontext.Context, string) (*SignalResult, error)
	Send(stdcontext.Context, json.RawMessage) (*SendResult, error)
	Disconnect(stdcontext.Context) error
}
