package pidfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireWriteRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "child.pid")

	f, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := f.Write(os.Getpid()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	pid, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), pid)
	}
	alive, alivePid, err := Alive(path)
	if err != nil || !alive || alivePid != os.Getpid() {
		t.Fatalf("Alive() = %v, %d, %v", alive, alivePid, err)
	}

	if err := f.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected pid file removed, stat err=%v", err)
	}
	alive, _, err = Alive(path)
	if err != nil || alive {
		t.Fatalf("missing pid file should report not alive without error, got %v %v", alive, err)
	}
}

func TestAcquireIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "child.pid")

	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if _, err := Acquire(path); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	second, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = second.Release()
}

func TestReadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(path); err == nil {
		t.Fatalf("expected error for garbage pid file")
	}
	if _, _, err := Alive(path); err == nil {
		t.Fatalf("expected Alive to surface the parse error")
	}
}
