// Package ipc implements the message channel between a parent and a child
// process. The transport is a unix stream socketpair: the parent keeps one end
// and the child inherits the other as an extra file descriptor whose number is
// advertised in the PROCBIND_CHANNEL_FD environment variable.
//
// Every frame is a single line of JSON, {"msg": <value>, "handle": <bool>}.
// When a frame carries a handle, the descriptor travels as SCM_RIGHTS
// ancillary data on the same sendmsg call.
package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// EnvChannelFD names the environment variable carrying the child's channel fd.
const EnvChannelFD = "PROCBIND_CHANNEL_FD"

const (
	readChunk      = 64 * 1024
	maxFdsPerRead  = 16
	channelFileTag = "ipc-channel"
)

var (
	// ErrClosed is returned when sending on a channel that is closed or closing.
	ErrClosed = errors.New("ipc: channel closed")
	// ErrNoChannel is returned by FromEnv when the process was not spawned with
	// an IPC slot.
	ErrNoChannel = errors.New("ipc: no channel advertised in environment")
	// ErrMalformedFrame wraps frames that could not be decoded. The channel stays
	// usable after such an error.
	ErrMalformedFrame = errors.New("ipc: malformed frame")
)

// Message is an opaque JSON value carried over the channel.
type Message json.RawMessage

// MarshalJSON returns the raw value.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m) == 0 {
		return []byte("null"), nil
	}
	return m, nil
}

// UnmarshalJSON stores a copy of data.
func (m *Message) UnmarshalJSON(data []byte) error {
	*m = append((*m)[:0], data...)
	return nil
}

// Decode unmarshals the message into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m, v)
}

func (m Message) String() string {
	return string(m)
}

// Handle is an operating-system handle, such as a socket or pipe end, passed
// alongside a message. Whoever receives a Handle owns it and must close it.
type Handle struct {
	file *os.File
}

// NewHandle wraps f for transfer. The sender keeps its own copy of f and may
// close it as soon as Send returns; the receiver gets a duplicate descriptor.
func NewHandle(f *os.File) *Handle {
	if f == nil {
		return nil
	}
	return &Handle{file: f}
}

// File exposes the underlying descriptor.
func (h *Handle) File() *os.File {
	if h == nil {
		return nil
	}
	return h.file
}

// Close releases the descriptor.
func (h *Handle) Close() error {
	if h == nil || h.file == nil {
		return nil
	}
	return h.file.Close()
}

type frame struct {
	Msg    json.RawMessage `json:"msg"`
	Handle bool            `json:"handle,omitempty"`
}

type outbound struct {
	data []byte
	fd   int // duplicate owned by the queue, -1 when the frame carries none
}

func (o outbound) release() {
	if o.fd >= 0 {
		_ = unix.Close(o.fd)
	}
}

// Option configures a Channel.
type Option func(*Channel)

// WithWriteErrorHandler installs fn to observe asynchronous write failures.
// After a write fails the channel stops writing and closes.
func WithWriteErrorHandler(fn func(error)) Option {
	return func(c *Channel) {
		c.onWriteError = fn
	}
}

// Channel is one end of an IPC connection. Send queues without blocking; a
// single writer goroutine drains the queue in order.
type Channel struct {
	conn *net.UnixConn

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []outbound
	closing bool

	writerDone   chan struct{}
	onWriteError func(error)

	readMu sync.Mutex
	rbuf   []byte
	fds    []int
}

// Pair creates a connected socketpair. Both ends are close-on-exec; the remote
// end is meant to be handed to a child through exec's file table, which clears
// the flag on the inherited copy.
func Pair() (local, remote *os.File, err error) {
	syscall.ForkLock.RLock()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err)
	}
	return os.NewFile(uintptr(fds[0]), channelFileTag), os.NewFile(uintptr(fds[1]), channelFileTag), nil
}

// NewChannel takes ownership of f, which must be a unix stream socket.
func NewChannel(f *os.File, opts ...Option) (*Channel, error) {
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("ipc: wrap channel fd: %w", err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("ipc: channel fd is %T, not a unix socket", conn)
	}
	c := &Channel{
		conn:       uc,
		writerDone: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	for _, opt := range opts {
		opt(c)
	}
	go c.writeLoop()
	return c, nil
}

// FromEnv opens the channel a parent advertised through EnvChannelFD. The
// variable is removed so that grandchildren do not inherit it.
func FromEnv(opts ...Option) (*Channel, error) {
	value := os.Getenv(EnvChannelFD)
	if value == "" {
		return nil, ErrNoChannel
	}
	fd, err := strconv.Atoi(value)
	if err != nil || fd < 0 {
		return nil, fmt.Errorf("ipc: invalid %s=%q", EnvChannelFD, value)
	}
	_ = os.Unsetenv(EnvChannelFD)
	return NewChannel(os.NewFile(uintptr(fd), channelFileTag), opts...)
}

// Connected reports whether the channel still accepts messages.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closing
}

// Send encodes msg and queues it, with h attached when non-nil. It returns
// ErrClosed once Close has been called or the peer went away.
func (c *Channel) Send(msg any, h *Handle) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ipc: encode message: %w", err)
	}
	withHandle := h != nil && h.file != nil
	data, err := json.Marshal(frame{Msg: raw, Handle: withHandle})
	if err != nil {
		return fmt.Errorf("ipc: encode frame: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrClosed
	}
	item := outbound{data: data, fd: -1}
	if withHandle {
		// The writer runs later; it must not depend on the caller's file
		// staying open.
		fd, err := unix.FcntlInt(h.file.Fd(), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			return fmt.Errorf("ipc: duplicate handle: %w", os.NewSyscallError("fcntl", err))
		}
		item.fd = fd
	}
	c.queue = append(c.queue, item)
	c.cond.Signal()
	return nil
}

// Close stops accepting messages. Queued messages are still written, then the
// socket is closed, which unblocks any pending Receive. Close does not wait;
// use Closed to observe completion.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closing = true
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

// Closed is closed after the socket has been released.
func (c *Channel) Closed() <-chan struct{} {
	return c.writerDone
}

func (c *Channel) writeLoop() {
	defer close(c.writerDone)
	defer c.conn.Close()
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closing {
			c.cond.Wait()
		}
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		item := c.queue[0]
		c.queue[0] = outbound{fd: -1}
		c.queue = c.queue[1:]
		c.mu.Unlock()

		err := c.write(item)
		item.release()
		if err != nil {
			c.mu.Lock()
			c.closing = true
			dropped := c.queue
			c.queue = nil
			c.mu.Unlock()
			for _, rest := range dropped {
				rest.release()
			}
			if c.onWriteError != nil {
				c.onWriteError(err)
			}
			return
		}
	}
}

func (c *Channel) write(item outbound) error {
	var oob []byte
	if item.fd >= 0 {
		oob = unix.UnixRights(item.fd)
	}
	n, _, err := c.conn.WriteMsgUnix(item.data, oob, nil)
	if err != nil {
		return err
	}
	for n < len(item.data) {
		m, err := c.conn.Write(item.data[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}

// SetReadDeadline bounds pending and future Receive calls. A Receive cut off
// by the deadline returns an error wrapping os.ErrDeadlineExceeded and keeps
// any partial frame for the next call. The zero time clears the deadline.
func (c *Channel) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Receive blocks until the next message arrives. It returns io.EOF once the
// peer has closed its end or Close has released the socket. Errors wrapping
// ErrMalformedFrame leave the channel readable.
func (c *Channel) Receive() (Message, *Handle, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	buf := make([]byte, readChunk)
	oob := make([]byte, unix.CmsgSpace(maxFdsPerRead*4))
	for {
		if i := bytes.IndexByte(c.rbuf, '\n'); i >= 0 {
			line := make([]byte, i)
			copy(line, c.rbuf[:i])
			c.rbuf = c.rbuf[i+1:]
			return c.decode(line)
		}

		n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
		if oobn > 0 {
			if perr := c.collectRights(oob[:oobn]); perr != nil {
				return nil, nil, perr
			}
		}
		if n > 0 {
			c.rbuf = append(c.rbuf, buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) {
				c.dropPendingFds()
				return nil, nil, io.EOF
			}
			return nil, nil, fmt.Errorf("ipc: read: %w", err)
		}
		if n == 0 && oobn == 0 {
			c.dropPendingFds()
			return nil, nil, io.EOF
		}
	}
}

func (c *Channel) decode(line []byte) (Message, *Handle, error) {
	var fr frame
	if err := json.Unmarshal(line, &fr); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	var h *Handle
	if fr.Handle {
		if len(c.fds) == 0 {
			return nil, nil, fmt.Errorf("%w: handle announced but no descriptor received", ErrMalformedFrame)
		}
		fd := c.fds[0]
		c.fds = c.fds[1:]
		h = &Handle{file: os.NewFile(uintptr(fd), "ipc-handle")}
	}
	return Message(fr.Msg), h, nil
}

func (c *Channel) collectRights(oob []byte) error {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("ipc: parse control message: %w", err)
	}
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
		}
		c.fds = append(c.fds, fds...)
	}
	return nil
}

func (c *Channel) dropPendingFds() {
	for _, fd := range c.fds {
		_ = unix.Close(fd)
	}
	c.fds = nil
}
