// Package pidfile records the pid of a supervised child on disk. A sibling
// lock file held with flock(2) for the supervisor's lifetime stops a second
// supervisor from adopting the same pid file.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// ErrLocked means another supervisor holds the pid file.
var ErrLocked = errors.New("pid file is locked by another supervisor")

// File is a held pid file.
type File struct {
	path string
	lock *flock.Flock
}

// LockPath is the lock file guarding path.
func LockPath(path string) string {
	return path + ".lock"
}

// Acquire takes the lock for path without blocking and creates the parent
// directory if needed. The pid itself is written with Write once known.
func Acquire(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating pid file directory: %w", err)
	}
	lock := flock.New(LockPath(path))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}
	return &File{path: path, lock: lock}, nil
}

// Path returns the pid file location.
func (f *File) Path() string {
	return f.path
}

// Write records pid, replacing the file atomically.
func (f *File) Write(pid int) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	if _, err := tmp.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing pid file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing pid file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing pid file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

// Release removes the pid file and drops the lock. The lock file itself is
// left in place; removing it would race with a new supervisor locking it.
func (f *File) Release() error {
	removeErr := os.Remove(f.path)
	if errors.Is(removeErr, os.ErrNotExist) {
		removeErr = nil
	}
	return errors.Join(removeErr, f.lock.Unlock())
}

// Read returns the pid stored at path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading pid file: %w", err)
	}
	raw := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid %q in %s", raw, path)
	}
	return pid, nil
}

// Alive reports whether the pid stored at path belongs to a live process.
// A missing file is not an error.
func Alive(path string) (bool, int, error) {
	pid, err := Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, 0, nil
		}
		return false, 0, err
	}
	// Signal 0 probes for existence. EPERM still means the pid is in use.
	if err := syscall.Kill(pid, 0); err != nil && !errors.Is(err, syscall.EPERM) {
		return false, pid, nil
	}
	return true, pid, nil
}
