package cli

import (
	"bytes"
	stdcontext "context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/procbind/internal/api"
)

func TestWriteReportRunning(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	report := &api.ProcessReport{
		Name:        "worker",
		Command:     "node",
		Args:        []string{"worker.js"},
		Pid:         4242,
		State:       "running",
		Running:     true,
		Connected:   true,
		StartedAt:   now.Add(-90 * time.Second),
		MessagesIn:  1200,
		MessagesOut: 3,
		History: []api.Transition{
			{Timestamp: now.Add(-90 * time.Second), Type: "spawned", Message: "started pid 4242"},
		},
	}

	var buf bytes.Buffer
	if err := writeReport(&buf, report, now); err != nil {
		t.Fatalf("writeReport: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"worker", "4242", "running", "About a minute", "connected", "1,200/3", "Command: node worker.js", "1 minute ago", "started pid 4242"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in report:\n%s", want, out)
		}
	}
}

func TestWriteReportExited(t *testing.T) {
	code := 3
	report := &api.ProcessReport{
		Name:      "job",
		Command:   "job",
		State:     "closed",
		Exit:      &api.ExitReport{Code: &code},
		LastError: &api.ErrorReport{Code: "EPIPE", Message: "write EPIPE"},
	}
	var buf bytes.Buffer
	if err := writeReport(&buf, report, time.Now()); err != nil {
		t.Fatalf("writeReport: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"closed", "disconnected", "code 3", "Last error: write EPIPE"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in report:\n%s", want, out)
		}
	}
	if formatExit(&api.ExitReport{Signal: "SIGKILL"}) != "SIGKILL" || formatExit(nil) != "-" {
		t.Fatalf("unexpected exit formatting")
	}
}

func TestFetchStatusReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/status" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"no_process","message":"no supervised process for status"}`))
	}))
	defer srv.Close()

	_, _, err := fetchStatus(stdcontext.Background(), strings.TrimPrefix(srv.URL, "http://"))
	if err == nil || !strings.Contains(err.Error(), "no supervised process for status (no_process)") {
		t.Fatalf("expected decoded API error, got %v", err)
	}
}

func TestStatusCommandRequiresSource(t *testing.T) {
	_, _, err := executeRoot(t, "", "status")
	if err == nil || !strings.Contains(err.Error(), "--api or --pid-file") {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestStatusCommandPidFile(t *testing.T) {
	dir := t.TempDir()

	missing := filepath.Join(dir, "missing.pid")
	stdout, _, err := executeRoot(t, "", "status", "--pid-file", missing)
	if err != nil || !strings.Contains(stdout, "no pid file") {
		t.Fatalf("expected missing pid file report, got %q (%v)", stdout, err)
	}

	live := filepath.Join(dir, "live.pid")
	if err := os.WriteFile(live, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	stdout, _, err = executeRoot(t, "", "status", "--pid-file", live)
	if err != nil || !strings.Contains(stdout, "is running") {
		t.Fatalf("expected live pid report, got %q (%v)", stdout, err)
	}

	garbage := filepath.Join(dir, "garbage.pid")
	if err := os.WriteFile(garbage, []byte("nope"), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	if _, _, err := executeRoot(t, "", "status", "--pid-file", garbage); err == nil {
		t.Fatalf("expected error for an invalid pid file")
	}
}
