package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Paintersrp/procbind/internal/opt"
	"github.com/Paintersrp/procbind/internal/proc"
)

// Files holds descriptors opened for file stdio entries. The child receives
// its own copies at spawn, so the caller closes these once Spawn returns.
type Files []*os.File

// Close closes every file, returning the joined errors.
func (f Files) Close() error {
	var errs []error
	for _, file := range f {
		if err := file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ProcConfig converts the manifest into a spawn configuration. Loop and
// Logger are left for the caller to set.
func (m *Manifest) ProcConfig() (proc.Config, Files, error) {
	cfg := proc.Config{
		Detached:   m.Detached,
		Timeout:    m.Timeout.Duration,
		KillSignal: proc.ParseSignal(m.KillSignal),
		UID:        opt.FromPtr(m.UID),
		GID:        opt.FromPtr(m.GID),
	}
	if m.Cwd != "" {
		cfg.Cwd = opt.Some(m.Cwd)
	}
	if m.Argv0 != "" {
		cfg.Argv0 = opt.Some(m.Argv0)
	}
	if m.Shell != "" {
		cfg.Shell = opt.Some(m.Shell)
	}
	if env, ok := m.environment(); ok {
		cfg.Env = opt.Some(env)
	}

	var files Files
	slots := make([]proc.Stdio, 0, len(m.Stdio))
	for i, entry := range m.Stdio {
		switch entry.Kind {
		case StdioPipe:
			slots = append(slots, proc.Pipe())
		case StdioIgnore:
			slots = append(slots, proc.Ignore())
		case StdioInherit:
			slots = append(slots, proc.Inherit())
		case StdioIPC:
			slots = append(slots, proc.IPC())
		case StdioFD:
			slots = append(slots, proc.ShareFD(uintptr(entry.FD)))
		case StdioFile:
			f, err := openStdioFile(i, entry)
			if err != nil {
				_ = files.Close()
				return proc.Config{}, nil, fmt.Errorf("%s: %w", stdioField(i), err)
			}
			files = append(files, f)
			slots = append(slots, proc.ShareStream(f))
		default:
			_ = files.Close()
			return proc.Config{}, nil, fmt.Errorf("%s: unknown kind %q", stdioField(i), entry.Kind)
		}
	}
	if len(slots) > 0 {
		cfg.Stdio = proc.StdioSlots(slots...)
	}
	return cfg, files, nil
}

// environment returns the child environment when the manifest sets one, which
// includes an explicitly empty env. With inheritEnv the manifest's variables
// are layered over the parent's.
func (m *Manifest) environment() (map[string]string, bool) {
	if m.Env == nil {
		return nil, false
	}
	env := make(map[string]string, len(m.Env))
	if m.InheritEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				env[k] = v
			}
		}
	}
	for k, v := range m.Env {
		env[k] = v
	}
	return env, true
}

func openStdioFile(slot int, entry StdioEntry) (*os.File, error) {
	if slot == 0 {
		return os.Open(entry.Path)
	}
	flags := os.O_WRONLY | os.O_CREATE
	if entry.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	return os.OpenFile(entry.Path, flags, 0o644)
}
