package proc

import (
	"fmt"
	"sync/atomic"

	"github.com/Paintersrp/procbind/internal/ipc"
	"github.com/Paintersrp/procbind/internal/opt"
)

// ExitStatus is the payload of the exit and close events. Exactly one of Code
// and Signal is set: Code when the process exited on its own, Signal when a
// signal terminated it.
type ExitStatus struct {
	Code   opt.Value[int]
	Signal opt.Value[Signal]
}

// Success reports a zero exit code.
func (s ExitStatus) Success() bool {
	code, ok := s.Code.Get()
	return ok && code == 0
}

func (s ExitStatus) String() string {
	if sig, ok := s.Signal.Get(); ok {
		return "signal " + string(sig)
	}
	if code, ok := s.Code.Get(); ok {
		return fmt.Sprintf("exit code %d", code)
	}
	return "unknown"
}

// Unsubscribe removes a callback. Calling it more than once is harmless.
type Unsubscribe func()

type inbound struct {
	msg    ipc.Message
	handle *ipc.Handle
}

type entry[T any] struct {
	live *atomic.Bool
	fn   func(T)
}

// latched is an event that fires at most once. Subscribers that arrive after
// it fired get the recorded value replayed.
type latched[T any] struct {
	fired bool
	value T
	subs  []entry[T]
}

// queued is an event that fires any number of times. Values emitted while
// nobody listens are kept and handed to the first subscriber.
type queued[T any] struct {
	backlog []T
	subs    []entry[T]
}

type events struct {
	exit       latched[ExitStatus]
	close      latched[ExitStatus]
	disconnect latched[struct{}]
	message    queued[inbound]
	err        queued[*Error]
}

func live[T any](subs []entry[T]) []entry[T] {
	out := subs[:0]
	for _, s := range subs {
		if s.live.Load() {
			out = append(out, s)
		}
	}
	return out
}

func invoke[T any](subs []entry[T], v T) {
	for _, s := range subs {
		if s.live.Load() {
			s.fn(v)
		}
	}
}

// Posting happens with evMu held so that the loop sees events in the same
// order they were recorded, including replays and backlog flushes.

func subscribeLatched[T any](h *Handle, ev *latched[T], fn func(T)) Unsubscribe {
	if fn == nil {
		return func() {}
	}
	flag := &atomic.Bool{}
	flag.Store(true)
	h.evMu.Lock()
	defer h.evMu.Unlock()
	if ev.fired {
		v := ev.value
		h.loop.Post(func() {
			if flag.Load() {
				fn(v)
			}
		})
	} else {
		ev.subs = append(live(ev.subs), entry[T]{live: flag, fn: fn})
	}
	return func() { flag.Store(false) }
}

func fireLatched[T any](h *Handle, ev *latched[T], v T, after func()) bool {
	h.evMu.Lock()
	defer h.evMu.Unlock()
	if ev.fired {
		return false
	}
	ev.fired = true
	ev.value = v
	subs := ev.subs
	ev.subs = nil
	h.loop.Post(func() {
		invoke(subs, v)
		if after != nil {
			after()
		}
	})
	return true
}

func subscribeQueued[T any](h *Handle, ev *queued[T], fn func(T)) Unsubscribe {
	if fn == nil {
		return func() {}
	}
	flag := &atomic.Bool{}
	flag.Store(true)
	h.evMu.Lock()
	defer h.evMu.Unlock()
	ev.subs = append(live(ev.subs), entry[T]{live: flag, fn: fn})
	if backlog := ev.backlog; len(backlog) > 0 {
		ev.backlog = nil
		subs := []entry[T]{{live: flag, fn: fn}}
		h.loop.Post(func() {
			for _, v := range backlog {
				invoke(subs, v)
			}
		})
	}
	return func() { flag.Store(false) }
}

func fireQueued[T any](h *Handle, ev *queued[T], v T) {
	h.evMu.Lock()
	defer h.evMu.Unlock()
	ev.subs = live(ev.subs)
	if len(ev.subs) == 0 {
		ev.backlog = append(ev.backlog, v)
		return
	}
	subs := append([]entry[T](nil), ev.subs...)
	h.loop.Post(func() { invoke(subs, v) })
}

// OnExit registers fn for the moment the process itself ends.
func (h *Handle) OnExit(fn func(ExitStatus)) Unsubscribe {
	return subscribeLatched(h, &h.ev.exit, fn)
}

// OnClose registers fn for the moment the process has exited and all of its
// readable stdio streams and the IPC channel have closed. It always follows
// the exit event.
func (h *Handle) OnClose(fn func(ExitStatus)) Unsubscribe {
	return subscribeLatched(h, &h.ev.close, fn)
}

// OnDisconnect registers fn for the closing of the IPC channel, whether by
// Disconnect, by the child, or because the child exited.
func (h *Handle) OnDisconnect(fn func()) Unsubscribe {
	if fn == nil {
		return func() {}
	}
	return subscribeLatched(h, &h.ev.disconnect, func(struct{}) { fn() })
}

// OnMessage registers fn for every message the child sends, in send order.
func (h *Handle) OnMessage(fn func(msg ipc.Message, handle *ipc.Handle)) Unsubscribe {
	if fn == nil {
		return func() {}
	}
	return subscribeQueued(h, &h.ev.message, func(in inbound) { fn(in.msg, in.handle) })
}

// OnError registers fn for failures of the binding itself, such as a failed
// spawn or a signal that could not be delivered. A non-zero exit is not an
// error; see OnExit.
func (h *Handle) OnError(fn func(*Error)) Unsubscribe {
	return subscribeQueued(h, &h.ev.err, fn)
}
