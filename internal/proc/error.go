package proc

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Codes used for failures that do not originate from an errno.
const (
	CodeUnknownSignal   = "ERR_UNKNOWN_SIGNAL"
	CodeInvalidStdio    = "ERR_INVALID_STDIO"
	CodeIPCOnePipe      = "ERR_IPC_ONE_PIPE"
	CodeInvalidMessage  = "ERR_INVALID_MESSAGE"
	CodeIPCChannelError = "ERR_IPC_CHANNEL"
	CodeUnknown         = "UNKNOWN"
)

// Error describes a failure of an operation against the process, as opposed
// to the child exiting unsuccessfully. Code, Errno and Syscall are passed
// through unchanged for tooling that inspects them.
type Error struct {
	// Code is a short symbolic code, an errno name such as "ENOENT" or one of
	// the ERR_* constants.
	Code string
	// Errno is the negated numeric errno rendered as a string, e.g. "-2".
	// Empty when the failure did not come from the OS.
	Errno string
	// Syscall names the failing operation, e.g. "spawn /bin/ls" or "kill".
	Syscall string

	Path      string
	Spawnargs []string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Syscall)
	if e.Code != "" {
		b.WriteByte(' ')
		b.WriteString(e.Code)
	}
	if e.Err != nil && !strings.Contains(b.String(), e.Err.Error()) {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether the error means the executable does not exist.
func (e *Error) IsNotFound() bool {
	return e.Code == "ENOENT"
}

// errnoError builds an Error for syscall, deriving Code and Errno from the
// innermost syscall.Errno in err when there is one.
func errnoError(syscallName string, err error) *Error {
	out := &Error{Syscall: syscallName, Code: CodeUnknown, Err: err}
	var errno syscall.Errno
	switch {
	case errors.As(err, &errno):
		out.Code = errnoName(errno)
		out.Errno = strconv.Itoa(-int(errno))
	case errors.Is(err, exec.ErrNotFound):
		out.Code = errnoName(syscall.ENOENT)
		out.Errno = strconv.Itoa(-int(syscall.ENOENT))
	}
	return out
}

func spawnError(command string, args []string, err error) *Error {
	out := errnoError("spawn "+command, err)
	out.Path = command
	out.Spawnargs = append([]string(nil), args...)
	return out
}

func codeError(syscallName, code string, format string, a ...any) *Error {
	return &Error{Syscall: syscallName, Code: code, Err: fmt.Errorf(format, a...)}
}

func errnoName(errno syscall.Errno) string {
	if name := unix.ErrnoName(errno); name != "" {
		return name
	}
	return "E" + strconv.Itoa(int(errno))
}
