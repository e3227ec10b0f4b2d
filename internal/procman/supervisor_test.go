package procman

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/devdeck/devdeck/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []domain.ServiceStatus
	done     chan struct{}
	once     sync.Once
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{done: make(chan struct{})}
}

func (r *statusRecorder) record(status domain.ServiceStatus, err error) {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
	if status == domain.StatusStopped || status == domain.StatusError {
		r.once.Do(func() { close(r.done) })
	}
}

func (r *statusRecorder) wait(t *testing.T) []domain.ServiceStatus {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal status")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ServiceStatus, len(r.statuses))
	copy(out, r.statuses)
	return out
}

func TestStartRunsCommandAndReportsLifecycle(t *testing.T) {
	s := NewSupervisor(testLogger(), time.Second)
	rec := newStatusRecorder()
	var mu sync.Mutex
	var lines []string

	err := s.Start("p/echo", "echo hello world", t.TempDir(), nil,
		func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		}, rec.record)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	statuses := rec.wait(t)
	want := []domain.ServiceStatus{domain.StatusStarting, domain.StatusRunning, domain.StatusStopped}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v; want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses[%d] = %s; want %s", i, statuses[i], want[i])
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 1 || lines[0] != "hello world" {
		t.Fatalf("captured output %v; want [hello world]", lines)
	}
	if s.IsRunning("p/echo") {
		t.Fatal("exited process still tracked")
	}
}

func TestStartFailureReportsError(t *testing.T) {
	s := NewSupervisor(testLogger(), time.Second)
	rec := newStatusRecorder()
	err := s.Start("p/missing", "definitely-not-a-real-binary-xyz", t.TempDir(), nil,
		func(string) {}, rec.record)
	if err == nil {
		t.Fatal("expected spawn error")
	}
	statuses := rec.wait(t)
	if statuses[len(statuses)-1] != domain.StatusError {
		t.Fatalf("terminal status %v; want error", statuses)
	}
	if s.IsRunning("p/missing") {
		t.Fatal("failed spawn must not stay tracked")
	}
}

func TestStopTerminatesTrackedProcess(t *testing.T) {
	s := NewSupervisor(testLogger(), time.Second)
	rec := newStatusRecorder()
	err := s.Start("p/sleep", "sleep 30", t.TempDir(), nil, func(string) {}, rec.record)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !s.IsRunning("p/sleep") {
		t.Fatal("process should be tracked")
	}
	if found := s.Stop("p/sleep"); !found {
		t.Fatal("stop should find the process")
	}
	statuses := rec.wait(t)
	if statuses[len(statuses)-1] != domain.StatusStopped {
		t.Fatalf("terminal status %v; want stopped", statuses)
	}
	if s.IsRunning("p/sleep") {
		t.Fatal("stopped process still tracked")
	}
}

func TestStopAllTerminatesEveryTrackedProcess(t *testing.T) {
	s := NewSupervisor(testLogger(), time.Second)
	recA := newStatusRecorder()
	recB := newStatusRecorder()
	if err := s.Start("p/sleep-a", "sleep 30", t.TempDir(), nil, func(string) {}, recA.record); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := s.Start("p/sleep-b", "sleep 30", t.TempDir(), nil, func(string) {}, recB.record); err != nil {
		t.Fatalf("start b: %v", err)
	}

	ids := s.TrackedIDs()
	if len(ids) != 2 || ids[0] != "p/sleep-a" || ids[1] != "p/sleep-b" {
		t.Fatalf("TrackedIDs = %v; want sorted [p/sleep-a p/sleep-b]", ids)
	}

	if n := s.StopAll(); n != 2 {
		t.Fatalf("StopAll signalled %d processes; want 2", n)
	}
	statusesA := recA.wait(t)
	statusesB := recB.wait(t)
	if statusesA[len(statusesA)-1] != domain.StatusStopped {
		t.Fatalf("a terminal status %v; want stopped", statusesA)
	}
	if statusesB[len(statusesB)-1] != domain.StatusStopped {
		t.Fatalf("b terminal status %v; want stopped", statusesB)
	}
	if n := s.StopAll(); n != 0 {
		t.Fatalf("second StopAll signalled %d; want 0", n)
	}
}

func TestStopUnknownIDReportsNotFound(t *testing.T) {
	s := NewSupervisor(testLogger(), time.Second)
	if found := s.Stop("nope"); found {
		t.Fatal("stop on unknown id should report not found")
	}
}

func TestStartPassesEnvironment(t *testing.T) {
	s := NewSupervisor(testLogger(), time.Second)
	rec := newStatusRecorder()
	var mu sync.Mutex
	var lines []string
	err := s.Start("p/env", "sh -c 'echo $DEVDECK_TEST_VALUE'", t.TempDir(),
		map[string]string{"DEVDECK_TEST_VALUE": "from-config"},
		func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		}, rec.record)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	rec.wait(t)
	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 1 || lines[0] != "from-config" {
		t.Fatalf("env not passed through, output %v", lines)
	}
}
