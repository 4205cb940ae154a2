package logmux

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"time"
)

// Line sources.
const (
	SourceStdout = "stdout"
	SourceStderr = "stderr"
	SourceSystem = "procbind"
)

// maxLineSize bounds a single scanned line; longer lines are split.
const maxLineSize = 1 << 20

// Line is one line of child output, or a synthesized notice from the mux.
type Line struct {
	Timestamp time.Time
	Process   string
	Pid       int
	Source    string
	Level     string
	Message   string
}

// Mux fans in output lines from multiple processes and delivers them via a
// bounded channel. When downstream consumers cannot keep up and the output
// buffer would overflow, the mux drops lines and emits a synthesized warning
// line carrying the number of discarded entries.
type Mux struct {
	out chan Line

	mu     sync.Mutex
	drops  map[string]dropRecord
	inputs sync.WaitGroup
}

type dropRecord struct {
	count int
	pid   int
}

// New constructs a mux backed by a channel of the provided size. A size of
// zero results in a minimally buffered channel.
func New(size int) *Mux {
	if size <= 0 {
		size = 1
	}
	return &Mux{
		out:   make(chan Line, size),
		drops: make(map[string]dropRecord),
	}
}

// Output exposes the muxed line channel.
func (m *Mux) Output() <-chan Line {
	return m.out
}

// Add registers a new source channel. The mux consumes lines until the source
// channel is closed.
func (m *Mux) Add(source <-chan Line) {
	if source == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		for line := range source {
			m.deliver(normalize(line))
		}
	}()
}

// AddReader scans r line by line until it reports EOF or an error and feeds
// each line into the mux tagged with process, pid and source. Nil readers are
// ignored so callers can pass a handle's optional streams directly.
func (m *Mux) AddReader(process string, pid int, source string, r io.Reader) {
	if r == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			m.deliver(normalize(Line{
				Timestamp: time.Now(),
				Process:   process,
				Pid:       pid,
				Source:    source,
				Message:   scanner.Text(),
			}))
		}
		if err := scanner.Err(); err != nil {
			m.deliver(Line{
				Timestamp: time.Now(),
				Process:   process,
				Pid:       pid,
				Source:    SourceSystem,
				Level:     "error",
				Message:   fmt.Sprintf("read %s: %v", source, err),
			})
		}
		// Keep the stream at EOF so its owner sees it finish.
		_, _ = io.Copy(io.Discard, r)
	}()
}

// Close waits for all sources to be drained, emits any pending drop metadata,
// and closes the output channel.
func (m *Mux) Close() {
	m.inputs.Wait()
	m.flushDrops()
	close(m.out)
}

func (m *Mux) deliver(line Line) {
	if !m.flushPending(line.Process) {
		m.recordDrop(line.Process, line.Pid)
		return
	}
	if m.trySend(line) {
		return
	}
	m.recordDrop(line.Process, line.Pid)
}

func (m *Mux) flushPending(process string) bool {
	for {
		rec := m.takeDrops(process)
		if rec.count == 0 {
			return true
		}
		if m.trySend(synthesizeDropLine(process, rec)) {
			continue
		}
		m.recordDropWithCount(process, rec.count, rec.pid)
		return false
	}
}

func (m *Mux) takeDrops(process string) dropRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.drops[process]
	if rec.count != 0 {
		delete(m.drops, process)
	}
	return rec
}

func (m *Mux) recordDrop(process string, pid int) {
	m.recordDropWithCount(process, 1, pid)
}

func (m *Mux) recordDropWithCount(process string, count int, pid int) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.drops[process]
	rec.count += count
	if pid != 0 {
		rec.pid = pid
	}
	m.drops[process] = rec
}

func (m *Mux) flushDrops() {
	for process, rec := range m.collectDrops() {
		m.out <- synthesizeDropLine(process, rec)
	}
}

func (m *Mux) collectDrops() map[string]dropRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.drops) == 0 {
		return nil
	}
	dup := make(map[string]dropRecord, len(m.drops))
	for process, rec := range m.drops {
		if rec.count == 0 {
			continue
		}
		dup[process] = rec
	}
	m.drops = make(map[string]dropRecord)
	return dup
}

func (m *Mux) trySend(line Line) bool {
	select {
	case m.out <- line:
		return true
	default:
		return false
	}
}

func normalize(line Line) Line {
	if line.Timestamp.IsZero() {
		line.Timestamp = time.Now()
	}
	if line.Source == "" {
		line.Source = SourceStdout
	}
	if line.Level == "" {
		if line.Source == SourceStderr {
			line.Level = "warn"
		} else {
			line.Level = "info"
		}
	}
	return line
}

func synthesizeDropLine(process string, rec dropRecord) Line {
	return Line{
		Timestamp: time.Now(),
		Process:   process,
		Pid:       rec.pid,
		Message:   fmt.Sprintf("dropped=%d", rec.count),
		Level:     "warn",
		Source:    SourceSystem,
	}
}
