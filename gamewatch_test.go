package gamewatch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const testConfig = `
[server]
name = "facade"
command = "sleep 60"
process_name = "gamewatch-facade-no-such-process"

[monitor]
disabled = true

[api]
enabled = false

[metrics]
enabled = false

[[events]]
name = "nightly"
type = "restart"
cron = "0 4 * * *"
`

func newSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	p := filepath.Join(t.TempDir(), "gamewatch.toml")
	if err := os.WriteFile(p, []byte(testConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := New(Options{ConfigPath: p, LogOutput: &bytes.Buffer{}, Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return s
}

func TestSupervisorFacade(t *testing.T) {
	s := newSupervisor(t)

	if st := s.Status(); !st.Disabled || st.RestartLock {
		t.Fatalf("unexpected initial status: %+v", st)
	}
	s.SetRestartLock(true)
	if !s.Status().RestartLock {
		t.Fatal("restart lock not applied")
	}

	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Name != "nightly" {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint: %d", rec.Code)
	}
}

func TestSupervisorServe(t *testing.T) {
	s := newSupervisor(t)
	stop := s.OnStateChange(func(StateChange) {})
	defer stop()
	defer s.OnNotification(func(Notification) {})()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	if n := len(s.Jobs()); n != 0 {
		t.Fatalf("jobs left after stop: %d", n)
	}
}
