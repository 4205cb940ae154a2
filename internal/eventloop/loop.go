// Package eventloop runs callbacks one at a time, in the order they were
// posted, on a single goroutine. Every subscriber callback of a process
// handle is delivered through a Loop so that user code never observes two
// lifecycle events concurrently.
package eventloop

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Loop is a serial FIFO dispatcher. Post never blocks; the queue is unbounded.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	closing bool

	done   chan struct{}
	logger logrus.FieldLogger
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger routes recovered callback panics to logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New starts a loop goroutine.
func New(opts ...Option) *Loop {
	l := &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: discardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.run()
	return l
}

var (
	defaultOnce sync.Once
	defaultLoop *Loop
)

// Default returns the process-wide loop shared by handles that were not given
// one explicitly. It is never closed.
func Default() *Loop {
	defaultOnce.Do(func() {
		defaultLoop = New(WithLogger(logrus.StandardLogger()))
	})
	return defaultLoop
}

// Post enqueues fn. It reports false when the loop is closing and fn was
// dropped.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting work. Callbacks already queued still run; Done is
// closed after the last of them returns.
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.closing {
		l.closing = true
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	l.mu.Unlock()
}

// Done is closed once the loop has drained after Close.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		batch, closing := l.take()
		for _, fn := range batch {
			l.invoke(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closing {
			return
		}
		<-l.wake
	}
}

func (l *Loop) take() ([]func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.queue
	l.queue = nil
	return batch, l.closing
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithField("panic", fmt.Sprint(r)).Error("event loop callback panicked")
		}
	}()
	fn()
}

func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
