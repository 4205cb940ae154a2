package proc

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Paintersrp/procbind/internal/eventloop"
	"github.com/Paintersrp/procbind/internal/opt"
)

// StdioKind enumerates the behaviours a stdio slot can take.
type StdioKind int

const (
	// StdioPipe connects the slot to a pipe exposed on the Handle.
	StdioPipe StdioKind = iota
	// StdioIgnore connects the slot to the null device.
	StdioIgnore
	// StdioInherit shares the parent's descriptor with the same number.
	StdioInherit
	// StdioStream redirects the slot to a caller-owned stream.
	StdioStream
	// StdioFD redirects the slot to a caller-owned descriptor.
	StdioFD
	// StdioIPC makes the slot the IPC message channel.
	StdioIPC
)

func (k StdioKind) String() string {
	switch k {
	case StdioPipe:
		return "pipe"
	case StdioIgnore:
		return "ignore"
	case StdioInherit:
		return "inherit"
	case StdioStream:
		return "stream"
	case StdioFD:
		return "fd"
	case StdioIPC:
		return "ipc"
	default:
		return "unknown"
	}
}

// Stdio is the behaviour of one child descriptor slot. Build values with Pipe,
// Ignore, Inherit, ShareStream, ShareFD or IPC.
type Stdio struct {
	kind   StdioKind
	stream any
	fd     uintptr
}

// Pipe creates a connected pipe. Slot 0 is writable from the parent, slots 1
// and 2 are readable, and slots from 3 up are bidirectional sockets.
func Pipe() Stdio { return Stdio{kind: StdioPipe} }

// Ignore discards the slot.
func Ignore() Stdio { return Stdio{kind: StdioIgnore} }

// Inherit shares the parent's descriptor with the same number.
func Inherit() Stdio { return Stdio{kind: StdioInherit} }

// IPC makes the slot the message channel used by Send and OnMessage. At most
// one slot may be IPC.
func IPC() Stdio { return Stdio{kind: StdioIPC} }

// ShareStream redirects the slot to s, which stays owned by the caller. For
// slot 0 s must be an io.Reader, for other slots an io.Writer. Streams backed
// by a file descriptor (such as *os.File) are handed to the child directly;
// anything else is copied through an internal pipe.
func ShareStream(s any) Stdio { return Stdio{kind: StdioStream, stream: s} }

// ShareFD redirects the slot to an already-open descriptor owned by the
// caller.
func ShareFD(fd uintptr) Stdio { return Stdio{kind: StdioFD, fd: fd} }

// Kind reports which behaviour s selects.
func (s Stdio) Kind() StdioKind { return s.kind }

// Stream returns the caller stream of a ShareStream slot.
func (s Stdio) Stream() any { return s.stream }

// FD returns the descriptor of a ShareFD slot.
func (s Stdio) FD() uintptr { return s.fd }

func (s Stdio) String() string { return s.kind.String() }

// StdioSlots builds a slot list from the given behaviours, all present.
func StdioSlots(slots ...Stdio) []opt.Value[Stdio] {
	out := make([]opt.Value[Stdio], len(slots))
	for i, s := range slots {
		out[i] = opt.Some(s)
	}
	return out
}

// Config describes how Spawn creates a process. Unset optional fields mean
// "use the host default". A Config must not be modified after it has been
// passed to Spawn.
type Config struct {
	// Cwd is the working directory; unset inherits the parent's.
	Cwd opt.Value[string]
	// Stdio holds one slot per child descriptor, index = fd. Absent slots and
	// a short list fall back to Pipe for 0-2 and Ignore above that.
	Stdio []opt.Value[Stdio]
	// Env replaces the child environment; unset inherits the parent's.
	Env opt.Value[map[string]string]
	// Detached puts the child in a new session so it outlives the parent's
	// process group.
	Detached bool
	UID      opt.Value[uint32]
	GID      opt.Value[uint32]

	// Argv0 overrides argv[0] as seen by the child.
	Argv0 opt.Value[string]
	// Shell runs the command line through "<Shell> -c".
	Shell opt.Value[string]
	// Timeout, when positive, sends KillSignal once it elapses.
	Timeout time.Duration
	// KillSignal is used by Timeout; the zero value means SIGTERM.
	KillSignal Signal

	// Loop delivers callbacks; nil selects eventloop.Default().
	Loop *eventloop.Loop
	// Logger receives binding diagnostics; nil discards them.
	Logger logrus.FieldLogger
}

func (c Config) slot(fd int) Stdio {
	if fd < len(c.Stdio) {
		if s, ok := c.Stdio[fd].Get(); ok {
			return s
		}
	}
	if fd <= 2 {
		return Pipe()
	}
	return Ignore()
}

func (c Config) slotCount() int {
	if len(c.Stdio) < 3 {
		return 3
	}
	return len(c.Stdio)
}
