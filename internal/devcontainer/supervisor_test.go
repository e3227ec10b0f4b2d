package devcontainer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/errdefs"

	"github.com/devdeck/devdeck/internal/domain"
)

type fakeContainerEngine struct {
	stopErr error
	stopped []string
	logsErr error
	logsRC  io.ReadCloser
}

func (f *fakeContainerEngine) Stop(ctx context.Context, name string) error {
	f.stopped = append(f.stopped, name)
	return f.stopErr
}

func (f *fakeContainerEngine) Logs(ctx context.Context, name, tail string, follow bool) (io.ReadCloser, error) {
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	return f.logsRC, nil
}

func newTestSupervisor(lister Lister, engine Engine, logs io.Writer) *Supervisor {
	if logs == nil {
		logs = io.Discard
	}
	logger := slog.New(slog.NewTextHandler(logs, nil))
	return NewSupervisor("devcontainer", engine, NewStatusCache(lister, time.Minute), logger)
}

func TestBuildContainerNameSanitizesBothParts(t *testing.T) {
	got := BuildContainerName("My App!", "Web Server")
	want := "devdeck-my-app-web-server"
	if got != want {
		t.Fatalf("BuildContainerName = %q; want %q", got, want)
	}
}

func TestBuildContainerNameIsDeterministic(t *testing.T) {
	a := BuildContainerName("shop", "api")
	b := BuildContainerName("shop", "api")
	if a != b {
		t.Fatalf("names differ: %q vs %q", a, b)
	}
	if BuildContainerName("shop-api", "x") == BuildContainerName("shop", "api-x") {
		t.Log("segment collision tolerated only through identical sanitized input")
	}
}

func TestStatusEngineDownDegradesSilently(t *testing.T) {
	lister := &fakeLister{err: errors.New("Cannot connect to the Docker daemon at unix:///var/run/docker.sock")}
	var logged bytes.Buffer
	s := newTestSupervisor(lister, &fakeContainerEngine{}, &logged)

	if got := s.Status(context.Background(), "devdeck-app-web"); got != domain.StatusStopped {
		t.Fatalf("Status = %s; want stopped", got)
	}
	if strings.Contains(logged.String(), "container status lookup failed") {
		t.Fatalf("unreachable engine was logged as a failure:\n%s", logged.String())
	}
}

func TestStatusUnexpectedErrorIsLoggedThenStopped(t *testing.T) {
	lister := &fakeLister{err: errors.New("engine exploded")}
	var logged bytes.Buffer
	s := newTestSupervisor(lister, &fakeContainerEngine{}, &logged)

	if got := s.Status(context.Background(), "devdeck-app-web"); got != domain.StatusStopped {
		t.Fatalf("Status = %s; want stopped", got)
	}
	if !strings.Contains(logged.String(), "container status lookup failed") {
		t.Fatalf("unexpected engine error was not logged:\n%s", logged.String())
	}
}

func TestStatusMissingContainerIsStopped(t *testing.T) {
	lister := &fakeLister{summaries: []ContainerSummary{{Name: "devdeck-app-db", State: "running"}}}
	s := newTestSupervisor(lister, &fakeContainerEngine{}, nil)
	if got := s.Status(context.Background(), "devdeck-app-web"); got != domain.StatusStopped {
		t.Fatalf("Status = %s; want stopped for unknown container", got)
	}
}

func TestStreamLogsMissingContainerYieldsNoopCleanup(t *testing.T) {
	engine := &fakeContainerEngine{logsErr: errdefs.NotFound(errors.New("no such container"))}
	s := newTestSupervisor(&fakeLister{}, engine, nil)

	cleanup, err := s.StreamLogs(context.Background(), "devdeck-app-web", func(string) {
		t.Error("no log line expected for a missing container")
	})
	if err != nil {
		t.Fatalf("StreamLogs: %v", err)
	}
	if cleanup == nil {
		t.Fatal("cleanup is nil")
	}
	cleanup()
}

func TestStreamLogsEngineDownYieldsNoopCleanup(t *testing.T) {
	engine := &fakeContainerEngine{logsErr: errors.New("error during connect: connection refused")}
	s := newTestSupervisor(&fakeLister{}, engine, nil)

	cleanup, err := s.StreamLogs(context.Background(), "devdeck-app-web", func(string) {})
	if err != nil {
		t.Fatalf("StreamLogs: %v", err)
	}
	if cleanup == nil {
		t.Fatal("cleanup is nil")
	}
	cleanup()
}

func TestStreamLogsOtherErrorPropagates(t *testing.T) {
	engine := &fakeContainerEngine{logsErr: errors.New("engine exploded")}
	s := newTestSupervisor(&fakeLister{}, engine, nil)

	if _, err := s.StreamLogs(context.Background(), "devdeck-app-web", func(string) {}); err == nil {
		t.Fatal("expected error for unexpected engine failure")
	}
}

func TestStreamLogsForwardsDemuxedLines(t *testing.T) {
	payload := []byte("hello from the container\n")
	frame := make([]byte, 8+len(payload))
	frame[0] = 1 // stdout channel of the multiplexed stream
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[8:], payload)

	engine := &fakeContainerEngine{logsRC: io.NopCloser(bytes.NewReader(frame))}
	s := newTestSupervisor(&fakeLister{}, engine, nil)

	lines := make(chan string, 4)
	cleanup, err := s.StreamLogs(context.Background(), "devdeck-app-web", func(line string) { lines <- line })
	if err != nil {
		t.Fatalf("StreamLogs: %v", err)
	}
	defer cleanup()

	select {
	case line := <-lines:
		if line != "hello from the container" {
			t.Fatalf("forwarded line = %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no log line forwarded")
	}
}

func TestStopInvalidatesStatusCache(t *testing.T) {
	lister := &fakeLister{}
	engine := &fakeContainerEngine{}
	s := newTestSupervisor(lister, engine, nil)
	ctx := context.Background()

	s.Status(ctx, "devdeck-app-web")
	if err := s.Stop(ctx, "devdeck-app-web"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	s.Status(ctx, "devdeck-app-web")

	if lister.calls != 2 {
		t.Fatalf("engine listed %d times; want 2 after invalidation", lister.calls)
	}
	if len(engine.stopped) != 1 || engine.stopped[0] != "devdeck-app-web" {
		t.Fatalf("stop calls = %v", engine.stopped)
	}
}

func TestMapEngineState(t *testing.T) {
	cases := map[string]domain.ServiceStatus{
		"running":    domain.StatusRunning,
		"created":    domain.StatusStarting,
		"restarting": domain.StatusStarting,
		"exited":     domain.StatusStopped,
		"dead":       domain.StatusStopped,
		"paused":     domain.StatusStopped,
		"":           domain.StatusStopped,
	}
	for state, want := range cases {
		if got := MapEngineState(state); got != want {
			t.Fatalf("MapEngineState(%q) = %s; want %s", state, got, want)
		}
	}
}
