package proc

import (
	"bytes"
	"io"
	"os"
	"sync"
)

// maxRetained caps the output kept for a stream drained after exit; the rest
// is discarded.
const maxRetained = 4 << 20

// Stream is the parent's end of a piped stdio slot. Readable streams count
// towards the close event: OnClose fires only after every readable stream has
// hit end-of-file or been closed.
type Stream struct {
	file     *os.File
	fd       int
	readable bool
	writable bool

	mu       sync.Mutex
	used     bool
	retained *bytes.Buffer
	drained  chan struct{}

	finishOnce sync.Once
	onFinish   func()
}

func newStream(f *os.File, fd int, readable, writable bool) *Stream {
	return &Stream{file: f, fd: fd, readable: readable, writable: writable}
}

// Read reads from the child's output. It returns io.EOF once the child and
// every other holder of the write end have closed it.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	s.used = true
	retained := s.retained
	s.mu.Unlock()
	if retained != nil {
		<-s.drained
		return retained.Read(p)
	}
	n, err := s.file.Read(p)
	if err != nil {
		s.finish()
	}
	return n, err
}

// Write writes to the child's input.
func (s *Stream) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

// Close releases the parent's end. Closing stdin signals end-of-input to the
// child.
func (s *Stream) Close() error {
	err := s.file.Close()
	s.finish()
	return err
}

// File exposes the underlying descriptor for callers that need it, for
// example to pass it on to another process.
func (s *Stream) File() *os.File {
	return s.file
}

// ChildFD is the descriptor number this stream is connected to in the child.
func (s *Stream) ChildFD() int {
	return s.fd
}

// Readable reports whether the parent reads from this stream.
func (s *Stream) Readable() bool {
	return s.readable
}

// Writable reports whether the parent writes to this stream.
func (s *Stream) Writable() bool {
	return s.writable
}

func (s *Stream) finish() {
	s.finishOnce.Do(func() {
		if s.onFinish != nil {
			s.onFinish()
		}
	})
}

// drainIfUnused collects the output of a readable stream nobody has read so
// that a child which exited does not hold up the close event. The collected
// bytes are still served to a later Read.
func (s *Stream) drainIfUnused() {
	if !s.readable {
		return
	}
	s.mu.Lock()
	if s.used {
		s.mu.Unlock()
		return
	}
	buf := &bytes.Buffer{}
	s.retained = buf
	s.drained = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.drained)
		_, _ = io.Copy(buf, io.LimitReader(s.file, maxRetained))
		_, _ = io.Copy(io.Discard, s.file)
		s.finish()
	}()
}
