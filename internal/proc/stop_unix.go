//go:build !windows

package proc

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"
)

// DefaultStopGrace is how long Stop waits between SIGTERM and SIGKILL when
// called with a zero grace period.
const DefaultStopGrace = 2 * time.Second

// Stop terminates the child and blocks until it has exited or ctx ends. It
// sends SIGTERM, waits up to grace, then sends SIGKILL. Detached children lead
// their own process group, and the whole group is signalled.
func (h *Handle) Stop(ctx context.Context, grace time.Duration) error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	if err := h.signalTree(syscall.SIGTERM); err != nil {
		return err
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-h.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := h.signalTree(syscall.SIGKILL); err != nil {
		return err
	}
	select {
	case <-h.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) signalTree(sig syscall.Signal) error {
	select {
	case <-h.exited:
		return nil
	default:
	}
	target := h.pid
	if h.detached {
		target = -h.pid
	}
	if err := syscall.Kill(target, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal process %d: %w", h.pid, err)
	}
	h.killed.Store(true)
	return nil
}
