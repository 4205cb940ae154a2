package proc

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/Paintersrp/procbind/internal/ipc"
)

// stdioPlan is the result of resolving every configured slot into a file the
// child inherits and, for pipes, the parent's end.
type stdioPlan struct {
	child      []*os.File
	childOwned []*os.File
	streams    []*Stream

	ipcLocal *os.File
	ipcFD    int

	copies    []pumpJob
	pumpFiles []*os.File
}

// pumpJob copies between a caller stream that has no descriptor and an
// internal pipe. Output pumps count towards the close event.
type pumpJob struct {
	run    func()
	output bool
}

func planStdio(cfg Config) (*stdioPlan, *Error) {
	n := cfg.slotCount()
	plan := &stdioPlan{
		child:   make([]*os.File, n),
		streams: make([]*Stream, n),
		ipcFD:   -1,
	}
	for fd := 0; fd < n; fd++ {
		if err := plan.resolve(fd, cfg.slot(fd)); err != nil {
			plan.abort()
			return nil, err
		}
	}
	return plan, nil
}

func (p *stdioPlan) resolve(fd int, slot Stdio) *Error {
	switch slot.kind {
	case StdioPipe:
		return p.pipe(fd)
	case StdioIgnore:
		f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return errnoError("open "+os.DevNull, err)
		}
		p.own(fd, f)
	case StdioInherit:
		switch fd {
		case 0:
			p.child[fd] = os.Stdin
		case 1:
			p.child[fd] = os.Stdout
		case 2:
			p.child[fd] = os.Stderr
		default:
			return p.dup(fd, uintptr(fd))
		}
	case StdioFD:
		return p.dup(fd, slot.fd)
	case StdioStream:
		return p.shareStream(fd, slot.stream)
	case StdioIPC:
		if p.ipcFD >= 0 {
			return codeError("spawn", CodeIPCOnePipe, "stdio slots %d and %d both request the IPC channel", p.ipcFD, fd)
		}
		local, remote, err := ipc.Pair()
		if err != nil {
			return errnoError("socketpair", err)
		}
		p.own(fd, remote)
		p.ipcLocal = local
		p.ipcFD = fd
	default:
		return codeError("spawn", CodeInvalidStdio, "stdio slot %d has unknown kind %d", fd, slot.kind)
	}
	return nil
}

func (p *stdioPlan) pipe(fd int) *Error {
	if fd > 2 {
		local, remote, err := ipc.Pair()
		if err != nil {
			return errnoError("socketpair", err)
		}
		p.own(fd, remote)
		p.streams[fd] = newStream(local, fd, true, true)
		return nil
	}
	r, w, err := os.Pipe()
	if err != nil {
		return errnoError("pipe", err)
	}
	if fd == 0 {
		p.own(fd, r)
		p.streams[fd] = newStream(w, fd, false, true)
		return nil
	}
	p.own(fd, w)
	p.streams[fd] = newStream(r, fd, true, false)
	return nil
}

// dup duplicates a caller-owned descriptor so that the caller's copy is never
// closed on its behalf.
func (p *stdioPlan) dup(fd int, src uintptr) *Error {
	syscall.ForkLock.RLock()
	nfd, err := unix.Dup(int(src))
	if err == nil {
		unix.CloseOnExec(nfd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return errnoError("dup", os.NewSyscallError("dup", err))
	}
	p.own(fd, os.NewFile(uintptr(nfd), fmt.Sprintf("stdio-%d", fd)))
	return nil
}

func (p *stdioPlan) shareStream(fd int, stream any) *Error {
	switch s := stream.(type) {
	case *os.File:
		if s == nil {
			return codeError("spawn", CodeInvalidStdio, "stdio slot %d: nil file", fd)
		}
		p.child[fd] = s
		return nil
	case interface{ Fd() uintptr }:
		return p.dup(fd, s.Fd())
	}

	if fd == 0 {
		src, ok := stream.(io.Reader)
		if !ok || src == nil {
			return codeError("spawn", CodeInvalidStdio, "stdio slot 0 needs an io.Reader, got %T", stream)
		}
		r, w, err := os.Pipe()
		if err != nil {
			return errnoError("pipe", err)
		}
		p.own(fd, r)
		p.copies = append(p.copies, pumpJob{run: func() {
			_, _ = io.Copy(w, src)
			_ = w.Close()
		}})
		p.pumpFiles = append(p.pumpFiles, w)
		return nil
	}

	dst, ok := stream.(io.Writer)
	if !ok || dst == nil {
		return codeError("spawn", CodeInvalidStdio, "stdio slot %d needs an io.Writer, got %T", fd, stream)
	}
	r, w, err := os.Pipe()
	if err != nil {
		return errnoError("pipe", err)
	}
	p.own(fd, w)
	p.pumpFiles = append(p.pumpFiles, r)
	p.copies = append(p.copies, pumpJob{output: true, run: func() {
		_, _ = io.Copy(dst, r)
		_ = r.Close()
	}})
	return nil
}

func (p *stdioPlan) own(fd int, f *os.File) {
	p.child[fd] = f
	p.childOwned = append(p.childOwned, f)
}

// childFiles splits the resolved slots the way exec.Cmd expects them.
func (p *stdioPlan) childFiles() (stdin, stdout, stderr *os.File, extra []*os.File) {
	extra = append([]*os.File(nil), p.child[3:]...)
	return p.child[0], p.child[1], p.child[2], extra
}

// releaseChildEnds closes the descriptors the child now holds its own copies
// of. Called once the process has started.
func (p *stdioPlan) releaseChildEnds() {
	for _, f := range p.childOwned {
		if f != nil {
			_ = f.Close()
		}
	}
	p.childOwned = nil
}

// abort releases everything after a failed start.
func (p *stdioPlan) abort() {
	p.releaseChildEnds()
	for _, s := range p.streams {
		if s != nil {
			_ = s.file.Close()
		}
	}
	for _, f := range p.pumpFiles {
		_ = f.Close()
	}
	if p.ipcLocal != nil {
		_ = p.ipcLocal.Close()
	}
}
