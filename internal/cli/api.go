package cli

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Paintersrp/procbind/internal/api"
	"github.com/Paintersrp/procbind/internal/engine"
	"github.com/Paintersrp/procbind/internal/proc"
)

const defaultHistoryDepth = 10

// ControlAPI exposes supervisor operations for the HTTP control plane.
type ControlAPI struct {
	ctx *context
	now func() time.Time
}

// NewControlAPI constructs a ControlAPI wrapper around the shared CLI context.
func NewControlAPI(ctx *context) *ControlAPI {
	if ctx == nil {
		return nil
	}
	return &ControlAPI{ctx: ctx, now: time.Now}
}

func (c *ControlAPI) supervisor(ctx stdcontext.Context, op string) (*engine.Supervisor, error) {
	if c == nil || c.ctx == nil {
		return nil, fmt.Errorf("%w for %s", api.ErrNoProcess, op)
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	sup := c.ctx.currentSupervisor()
	if sup == nil || sup.Handle() == nil {
		return nil, fmt.Errorf("%w for %s", api.ErrNoProcess, op)
	}
	return sup, nil
}

// Status reports the supervised process.
func (c *ControlAPI) Status(ctx stdcontext.Context) (*api.ProcessReport, error) {
	sup, err := c.supervisor(ctx, "status")
	if err != nil {
		return nil, err
	}
	h := sup.Handle()
	now := c.now()

	report := &api.ProcessReport{
		ID:          h.ID(),
		Name:        sup.Name(),
		Command:     sup.Command(),
		Args:        sup.Args(),
		Pid:         h.Pid(),
		Connected:   h.Connected(),
		Killed:      h.Killed(),
		StartedAt:   sup.StartedAt(),
		History:     []api.Transition{},
		GeneratedAt: now,
	}
	in, out := sup.MessageCounts()
	report.MessagesIn, report.MessagesOut = int(in), int(out)

	status, exited := h.ExitStatus()
	switch {
	case h.Pid() == 0:
		report.State = string(engine.EventTypeError)
	case exited:
		report.State = string(engine.EventTypeExited)
		report.Exit = exitReport(status)
		select {
		case <-h.Done():
			report.State = string(engine.EventTypeClosed)
		default:
		}
	default:
		report.State = "running"
		report.Running = true
		report.Uptime = now.Sub(report.StartedAt).Round(time.Second).String()
	}

	if last := sup.LastError(); last != nil {
		report.LastError = &api.ErrorReport{
			Code:    last.Code,
			Errno:   last.Errno,
			Syscall: last.Syscall,
			Message: last.Error(),
		}
	}

	for _, entry := range c.ctx.statusTracker().History(sup.Name(), defaultHistoryDepth) {
		report.History = append(report.History, api.Transition{
			Timestamp: entry.Timestamp,
			Type:      string(entry.Type),
			Message:   entry.Message,
		})
	}
	return report, nil
}

func exitReport(status proc.ExitStatus) *api.ExitReport {
	report := &api.ExitReport{}
	if code, ok := status.Code.Get(); ok {
		report.Code = &code
	}
	if sig, ok := status.Signal.Get(); ok {
		report.Signal = string(sig)
	}
	return report
}

// Signal delivers the named signal to the process.
func (c *ControlAPI) Signal(ctx stdcontext.Context, name string) (*api.SignalResult, error) {
	sup, err := c.supervisor(ctx, "signal")
	if err != nil {
		return nil, err
	}
	sig := proc.ParseSignal(name)
	delivered, err := sup.Signal(sig)
	if err != nil {
		return nil, translateEngineError(err)
	}
	return &api.SignalResult{Signal: string(sig), Delivered: delivered}, nil
}

// Send forwards a JSON message to the process over its IPC channel.
func (c *ControlAPI) Send(ctx stdcontext.Context, message json.RawMessage) (*api.SendResult, error) {
	sup, err := c.supervisor(ctx, "send")
	if err != nil {
		return nil, err
	}
	if !json.Valid(message) {
		return nil, fmt.Errorf("%w: body is not valid JSON", api.ErrInvalidMessage)
	}
	queued, err := sup.Send(message)
	if err != nil {
		return nil, translateEngineError(err)
	}
	return &api.SendResult{Queued: queued}, nil
}

// Disconnect closes the process's IPC channel.
func (c *ControlAPI) Disconnect(ctx stdcontext.Context) error {
	sup, err := c.supervisor(ctx, "disconnect")
	if err != nil {
		return err
	}
	if err := sup.Disconnect(); err != nil {
		return translateEngineError(err)
	}
	return nil
}

func translateEngineError(err error) error {
	switch {
	case errors.Is(err, engine.ErrNotStarted):
		return fmt.Errorf("%w: %v", api.ErrNoProcess, err)
	case errors.Is(err, engine.ErrExited):
		return fmt.Errorf("%w: %v", api.ErrNotRunning, err)
	case errors.Is(err, engine.ErrUnknownSignal):
		return fmt.Errorf("%w: %v", api.ErrUnknownSignal, err)
	case errors.Is(err, engine.ErrNotConnected):
		return fmt.Errorf("%w: %v", api.ErrNotConnected, err)
	default:
		return err
	}
}
