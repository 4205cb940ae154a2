package proc

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Signal names an inter-process signal. The declared constants cover the
// standard POSIX vocabulary; any other string is kept verbatim as an
// unrecognized value so that names reported by the host are never lost.
type Signal string

const (
	SIGHUP    Signal = "SIGHUP"
	SIGINT    Signal = "SIGINT"
	SIGQUIT   Signal = "SIGQUIT"
	SIGILL    Signal = "SIGILL"
	SIGTRAP   Signal = "SIGTRAP"
	SIGABRT   Signal = "SIGABRT"
	SIGBUS    Signal = "SIGBUS"
	SIGFPE    Signal = "SIGFPE"
	SIGKILL   Signal = "SIGKILL"
	SIGUSR1   Signal = "SIGUSR1"
	SIGSEGV   Signal = "SIGSEGV"
	SIGUSR2   Signal = "SIGUSR2"
	SIGPIPE   Signal = "SIGPIPE"
	SIGALRM   Signal = "SIGALRM"
	SIGTERM   Signal = "SIGTERM"
	SIGCHLD   Signal = "SIGCHLD"
	SIGCONT   Signal = "SIGCONT"
	SIGSTOP   Signal = "SIGSTOP"
	SIGTSTP   Signal = "SIGTSTP"
	SIGTTIN   Signal = "SIGTTIN"
	SIGTTOU   Signal = "SIGTTOU"
	SIGURG    Signal = "SIGURG"
	SIGXCPU   Signal = "SIGXCPU"
	SIGXFSZ   Signal = "SIGXFSZ"
	SIGVTALRM Signal = "SIGVTALRM"
	SIGPROF   Signal = "SIGPROF"
	SIGWINCH  Signal = "SIGWINCH"
	SIGIO     Signal = "SIGIO"
	SIGSYS    Signal = "SIGSYS"
)

var knownSignals = []Signal{
	SIGHUP, SIGINT, SIGQUIT, SIGILL, SIGTRAP, SIGABRT, SIGBUS, SIGFPE, SIGKILL,
	SIGUSR1, SIGSEGV, SIGUSR2, SIGPIPE, SIGALRM, SIGTERM, SIGCHLD, SIGCONT,
	SIGSTOP, SIGTSTP, SIGTTIN, SIGTTOU, SIGURG, SIGXCPU, SIGXFSZ, SIGVTALRM,
	SIGPROF, SIGWINCH, SIGIO, SIGSYS,
}

var knownIndex = func() map[Signal]struct{} {
	idx := make(map[Signal]struct{}, len(knownSignals))
	for _, s := range knownSignals {
		idx[s] = struct{}{}
	}
	return idx
}()

// Signals lists the standard vocabulary in conventional numeric order.
func Signals() []Signal {
	out := make([]Signal, len(knownSignals))
	copy(out, knownSignals)
	return out
}

// Other wraps a name the vocabulary does not know.
func Other(name string) Signal {
	return Signal(name)
}

// ParseSignal maps arbitrary input onto a Signal. It never fails: "SIGTERM",
// "term", "Term" and "15" all yield SIGTERM, and anything unrecognized comes
// back unchanged as an Other value.
func ParseSignal(s string) Signal {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Signal(s)
	}
	if n, err := strconv.Atoi(trimmed); err == nil {
		if n > 0 {
			return SignalFromSyscall(syscall.Signal(n))
		}
		return Signal(s)
	}
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SIG") {
		upper = "SIG" + upper
	}
	if _, ok := knownIndex[Signal(upper)]; ok {
		return Signal(upper)
	}
	// Aliases the host knows under a different canonical name.
	switch upper {
	case "SIGIOT":
		return SIGABRT
	case "SIGPOLL":
		return SIGIO
	}
	return Signal(s)
}

// SignalFromSyscall names a host signal number, falling back to an Other value
// of the form "SIG<n>" for numbers outside the vocabulary.
func SignalFromSyscall(sig syscall.Signal) Signal {
	if name := unix.SignalName(sig); name != "" {
		return ParseSignal(name)
	}
	return Other(fmt.Sprintf("SIG%d", int(sig)))
}

// Known reports whether s is part of the standard vocabulary.
func (s Signal) Known() bool {
	_, ok := knownIndex[s]
	return ok
}

// Syscall resolves s to the host signal number. Unknown names, and names the
// current platform does not define, report false.
func (s Signal) Syscall() (syscall.Signal, bool) {
	if !s.Known() {
		return 0, false
	}
	num := unix.SignalNum(string(s))
	if num == 0 {
		return 0, false
	}
	return num, true
}

func (s Signal) String() string {
	return string(s)
}
