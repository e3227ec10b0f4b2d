package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/devdeck/devdeck/internal/domain"
	"github.com/devdeck/devdeck/internal/logbuf"
	"github.com/devdeck/devdeck/internal/procman"
	"github.com/devdeck/devdeck/internal/registry"
)

type fakeStore struct {
	projects map[string]*domain.Project
	removed  []string
}

func (s *fakeStore) Projects() ([]domain.Project, error) {
	var out []domain.Project
	for _, p := range s.projects {
		out = append(out, *p)
	}
	return out, nil
}

func (s *fakeStore) Project(id string) (*domain.Project, error) {
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrProjectNotFound, id)
	}
	return p, nil
}

func (s *fakeStore) AddProject(name, path string) (*domain.Project, error) {
	p := &domain.Project{ID: name, Name: name, Path: path}
	s.projects[name] = p
	return p, nil
}

func (s *fakeStore) RemoveProject(id string) error {
	if _, ok := s.projects[id]; !ok {
		return fmt.Errorf("%w: %s", registry.ErrProjectNotFound, id)
	}
	delete(s.projects, id)
	s.removed = append(s.removed, id)
	return nil
}

func (s *fakeStore) ReallocatePortRange(projectID string, newBase int, gen registry.DescriptorWriter) (*domain.Project, error) {
	return s.Project(projectID)
}

type fakeConfigs struct {
	configs map[string]*domain.ProjectConfig
}

func (c *fakeConfigs) Load(projectPath string) (*domain.ProjectConfig, error) {
	cfg, ok := c.configs[projectPath]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrConfigNotFound, projectPath)
	}
	return cfg, nil
}

func (c *fakeConfigs) Save(projectPath string, cfg *domain.ProjectConfig) error {
	c.configs[projectPath] = cfg
	return nil
}

type nativeCall struct {
	id      string
	command string
	dir     string
	env     map[string]string
}

type fakeNative struct {
	mu       sync.Mutex
	calls    []nativeCall
	running  map[string]bool
	stopped  []string
	startErr error
}

func (n *fakeNative) Start(id, command, dir string, env map[string]string, onLog procman.LogFunc, onStatus procman.StatusFunc) error {
	if n.startErr != nil {
		onStatus(domain.StatusError, n.startErr)
		return n.startErr
	}
	n.mu.Lock()
	n.calls = append(n.calls, nativeCall{id: id, command: command, dir: dir, env: env})
	n.running[id] = true
	n.mu.Unlock()
	onStatus(domain.StatusStarting, nil)
	onStatus(domain.StatusRunning, nil)
	return nil
}

func (n *fakeNative) Stop(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running[id] {
		return false
	}
	delete(n.running, id)
	n.stopped = append(n.stopped, id)
	return true
}

func (n *fakeNative) IsRunning(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running[id]
}

type fakeContainers struct {
	mu        sync.Mutex
	buildErr  error
	startErr  error
	stopErr   error
	built     []string
	started   []string
	stopped   []string
	startEnv  map[string]string
	streamed  []string
	cleanedUp int
	state     domain.ServiceStatus
}

func (c *fakeContainers) Status(ctx context.Context, name string) domain.ServiceStatus {
	if c.state == "" {
		return domain.StatusStopped
	}
	return c.state
}

func (c *fakeContainers) Build(ctx context.Context, workspaceFolder, configPath string, onLog func(string)) error {
	if c.buildErr != nil {
		return c.buildErr
	}
	c.mu.Lock()
	c.built = append(c.built, configPath)
	c.mu.Unlock()
	onLog("build output")
	return nil
}

func (c *fakeContainers) Start(ctx context.Context, workspaceFolder, configPath, command string, env map[string]string, onLog func(string)) error {
	if c.startErr != nil {
		return c.startErr
	}
	c.mu.Lock()
	c.started = append(c.started, command)
	c.startEnv = env
	c.mu.Unlock()
	return nil
}

func (c *fakeContainers) Stop(ctx context.Context, name string) error {
	if c.stopErr != nil {
		return c.stopErr
	}
	c.mu.Lock()
	c.stopped = append(c.stopped, name)
	c.mu.Unlock()
	return nil
}

func (c *fakeContainers) StreamLogs(ctx context.Context, name string, onLog func(string)) (func(), error) {
	c.mu.Lock()
	c.streamed = append(c.streamed, name)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.cleanedUp++
		c.mu.Unlock()
	}, nil
}

type fakeManifests struct{ written []string }

func (m *fakeManifests) Write(project *domain.Project, svc domain.Service) (string, error) {
	path := project.Path + "/.devdeck/" + svc.ID + "/devcontainer.json"
	m.written = append(m.written, path)
	return path, nil
}

func (m *fakeManifests) Path(projectPath, serviceID string) string {
	return projectPath + "/.devdeck/" + serviceID + "/devcontainer.json"
}

type recordingHub struct {
	mu     sync.Mutex
	events []domain.Event
}

func (h *recordingHub) Publish(ev domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHub) statuses(serviceID string) []domain.ServiceStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.ServiceStatus
	for _, ev := range h.events {
		if ev.Kind == domain.EventStatus && ev.ServiceID == serviceID {
			out = append(out, ev.Status)
		}
	}
	return out
}

type fixture struct {
	orch       *Orchestrator
	store      *fakeStore
	native     *fakeNative
	containers *fakeContainers
	manifests  *fakeManifests
	hub        *recordingHub
	logs       *logbuf.Manager
	killed     []int
}

func newFixture(t *testing.T, services ...domain.Service) *fixture {
	t.Helper()
	store := &fakeStore{projects: map[string]*domain.Project{
		"shop": {ID: "shop", Name: "Shop", Path: "/tmp/shop"},
	}}
	configs := &fakeConfigs{configs: map[string]*domain.ProjectConfig{
		"/tmp/shop": {Name: "Shop", Services: services},
	}}
	native := &fakeNative{running: make(map[string]bool)}
	containers := &fakeContainers{}
	manifests := &fakeManifests{}
	hub := &recordingHub{}
	logs := logbuf.NewManager(100)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	namer := func(projectName, serviceID string) string {
		return "devdeck-" + strings.ToLower(projectName) + "-" + serviceID
	}
	orch := New(store, configs, native, containers, manifests, logs, hub, namer, logger)

	fx := &fixture{orch: orch, store: store, native: native, containers: containers, manifests: manifests, hub: hub, logs: logs}
	orch.killPort = func(ctx context.Context, port int) (<-chan procman.KillResult, error) {
		fx.killed = append(fx.killed, port)
		ch := make(chan procman.KillResult, 1)
		ch <- procman.KillResult{Killed: 1}
		return ch, nil
	}
	return fx
}

func nativeService(id string, port int) domain.Service {
	return domain.Service{
		ID:      id,
		Name:    id,
		Command: "npm run dev",
		Port:    port,
		Mode:    domain.ModeNative,
		Active:  true,
	}
}

func TestStartUnknownProjectAndService(t *testing.T) {
	fx := newFixture(t, nativeService("web", 3000))

	err := fx.orch.Start(context.Background(), "nope", "web", "")
	if !errors.Is(err, registry.ErrProjectNotFound) {
		t.Fatalf("err = %v; want ErrProjectNotFound", err)
	}

	err = fx.orch.Start(context.Background(), "shop", "nope", "")
	if !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("err = %v; want ErrServiceNotFound", err)
	}
}

func TestStartNativePreemptsPortBeforeRunning(t *testing.T) {
	fx := newFixture(t, nativeService("web", 3000))

	if err := fx.orch.Start(context.Background(), "shop", "web", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(fx.killed) != 1 || fx.killed[0] != 3000 {
		t.Fatalf("killed ports = %v; want [3000]", fx.killed)
	}
	lines := fx.logs.Buffer("shop", "web")
	killLines := 0
	for _, line := range lines {
		if strings.Contains(line, "killed existing process on port 3000") {
			killLines++
		}
	}
	if killLines != 1 {
		t.Fatalf("kill narrative lines = %d in %v; want 1", killLines, lines)
	}
	got := fx.hub.statuses("web")
	want := []domain.ServiceStatus{domain.StatusStarting, domain.StatusRunning}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("status sequence = %v; want %v", got, want)
	}
	if len(fx.native.calls) != 1 {
		t.Fatalf("native starts = %d; want 1", len(fx.native.calls))
	}
	if fx.native.calls[0].env["PORT"] != "3000" {
		t.Fatalf("PORT env = %q; want 3000", fx.native.calls[0].env["PORT"])
	}
	if fx.native.calls[0].id != "shop/web" {
		t.Fatalf("runtime key = %q; want shop/web", fx.native.calls[0].id)
	}
}

func TestStartPreemptsHardcodedPortToo(t *testing.T) {
	svc := nativeService("web", 3000)
	svc.HardcodedPort = &domain.HardcodedPort{Value: 3001, Source: "command-flag", Flag: "-p"}
	fx := newFixture(t, svc)

	if err := fx.orch.Start(context.Background(), "shop", "web", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(fx.killed) != 2 || fx.killed[0] != 3000 || fx.killed[1] != 3001 {
		t.Fatalf("killed ports = %v; want [3000 3001]", fx.killed)
	}
}

func TestStartInterpolatesEnvAndSurfacesWarnings(t *testing.T) {
	backend := nativeService("backend", 4000)
	web := nativeService("web", 3000)
	web.Env = map[string]string{
		"API_URL": "http://localhost:${services.backend.port}",
		"BROKEN":  "${services.ghost.port}",
	}
	fx := newFixture(t, backend, web)

	if err := fx.orch.Start(context.Background(), "shop", "web", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	env := fx.native.calls[0].env
	if env["API_URL"] != "http://localhost:4000" {
		t.Fatalf("API_URL = %q; want resolved port", env["API_URL"])
	}
	if env["BROKEN"] != "${services.ghost.port}" {
		t.Fatalf("BROKEN = %q; want template left in place", env["BROKEN"])
	}
	warned := false
	for _, line := range fx.logs.Buffer("shop", "web") {
		if strings.Contains(line, "env warning") && strings.Contains(line, "ghost") {
			warned = true
		}
	}
	if !warned {
		t.Fatal("unresolved reference was not surfaced in the log stream")
	}
}

func TestStartContainerEmitsLifecycleAndAppliesOverrides(t *testing.T) {
	svc := domain.Service{
		ID:      "api",
		Name:    "api",
		Command: "npm start",
		Port:    3100,
		Mode:    domain.ModeContainer,
		Active:  true,
		Env:     map[string]string{"DB_URL": "postgres://localhost:5432/app"},
		ContainerEnvOverrides: []domain.ContainerEnvOverride{
			{Match: "localhost", Replace: "host.docker.internal", Enabled: true},
			{Match: "postgres", Replace: "mysql", Enabled: false},
		},
	}
	fx := newFixture(t, svc)

	if err := fx.orch.Start(context.Background(), "shop", "api", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := fx.hub.statuses("api")
	want := []domain.ServiceStatus{domain.StatusBuilding, domain.StatusStarting, domain.StatusRunning}
	if len(got) != len(want) {
		t.Fatalf("status sequence = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status sequence = %v; want %v", got, want)
		}
	}
	if fx.containers.startEnv["DB_URL"] != "postgres://host.docker.internal:5432/app" {
		t.Fatalf("override not applied: %q", fx.containers.startEnv["DB_URL"])
	}
	if len(fx.manifests.written) != 1 {
		t.Fatalf("manifests written = %d; want 1", len(fx.manifests.written))
	}
	if len(fx.containers.streamed) != 1 || fx.containers.streamed[0] != "devdeck-shop-api" {
		t.Fatalf("streamed = %v; want [devdeck-shop-api]", fx.containers.streamed)
	}
}

func TestStartContainerBuildFailureTransitionsToError(t *testing.T) {
	svc := domain.Service{ID: "api", Name: "api", Command: "npm start", Mode: domain.ModeContainer, Active: true}
	fx := newFixture(t, svc)
	fx.containers.buildErr = errors.New("image pull failed")

	err := fx.orch.Start(context.Background(), "shop", "api", "")
	if err == nil || !strings.Contains(err.Error(), "image pull failed") {
		t.Fatalf("err = %v; want build failure", err)
	}
	got := fx.hub.statuses("api")
	if len(got) != 2 || got[0] != domain.StatusBuilding || got[1] != domain.StatusError {
		t.Fatalf("status sequence = %v; want [building error]", got)
	}
	narrated := false
	for _, line := range fx.logs.Buffer("shop", "api") {
		if strings.Contains(line, "image pull failed") {
			narrated = true
		}
	}
	if !narrated {
		t.Fatal("failure missing from the log narrative")
	}
}

func TestModeOverrideForcesContainerPath(t *testing.T) {
	fx := newFixture(t, nativeService("web", 3000))

	if err := fx.orch.Start(context.Background(), "shop", "web", domain.ModeContainer); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(fx.containers.started) != 1 {
		t.Fatalf("container starts = %d; want 1", len(fx.containers.started))
	}
	if len(fx.native.calls) != 0 {
		t.Fatalf("native starts = %d; want 0", len(fx.native.calls))
	}
}

func TestStopContainerRunsStreamCleanup(t *testing.T) {
	svc := domain.Service{ID: "api", Name: "api", Command: "npm start", Mode: domain.ModeContainer, Active: true}
	fx := newFixture(t, svc)

	if err := fx.orch.Start(context.Background(), "shop", "api", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := fx.orch.Stop(context.Background(), "shop", "api"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if fx.containers.cleanedUp != 1 {
		t.Fatalf("stream cleanups = %d; want 1", fx.containers.cleanedUp)
	}
	if len(fx.containers.stopped) != 1 || fx.containers.stopped[0] != "devdeck-shop-api" {
		t.Fatalf("stopped = %v; want [devdeck-shop-api]", fx.containers.stopped)
	}
}

func TestServicesDegradesToEmptyForMissingProject(t *testing.T) {
	fx := newFixture(t, nativeService("web", 3000))

	states, err := fx.orch.Services(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Services: %v", err)
	}
	if len(states) != 0 {
		t.Fatalf("states = %v; want empty", states)
	}
}

func TestServicesReportsUnifiedStatus(t *testing.T) {
	fx := newFixture(t, nativeService("web", 3000), domain.Service{
		ID: "api", Name: "api", Command: "npm start", Mode: domain.ModeContainer, Active: true,
	})
	fx.containers.state = domain.StatusRunning

	if err := fx.orch.Start(context.Background(), "shop", "web", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	states, err := fx.orch.Services(context.Background(), "shop")
	if err != nil {
		t.Fatalf("Services: %v", err)
	}
	byID := make(map[string]domain.ServiceStatus, len(states))
	for _, st := range states {
		byID[st.ServiceID] = st.Status
	}
	if byID["web"] != domain.StatusRunning {
		t.Fatalf("web status = %s; want running", byID["web"])
	}
	if byID["api"] != domain.StatusRunning {
		t.Fatalf("api status = %s; want running", byID["api"])
	}
}

func TestStartAllCollectsIndependentOutcomes(t *testing.T) {
	good := nativeService("good", 3000)
	bad := domain.Service{ID: "bad", Name: "bad", Command: "npm start", Mode: domain.ModeContainer, Active: true}
	hidden := nativeService("hidden", 3002)
	hidden.Active = false
	fx := newFixture(t, good, bad, hidden)
	fx.containers.buildErr = errors.New("boom")

	outcomes, err := fx.orch.StartAll(context.Background(), "shop")
	if err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d; want 2 (hidden service skipped)", len(outcomes))
	}
	byID := make(map[string]Outcome, len(outcomes))
	for _, oc := range outcomes {
		byID[oc.ServiceID] = oc
	}
	if byID["good"].Err != nil {
		t.Fatalf("good outcome = %v; want success", byID["good"].Err)
	}
	if byID["bad"].Err == nil {
		t.Fatal("bad outcome succeeded; want failure")
	}
}

func TestRestartStopsThenStarts(t *testing.T) {
	fx := newFixture(t, nativeService("web", 3000))

	if err := fx.orch.Start(context.Background(), "shop", "web", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := fx.orch.Restart(context.Background(), "shop", "web"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if len(fx.native.stopped) != 1 {
		t.Fatalf("stops = %d; want 1", len(fx.native.stopped))
	}
	if len(fx.native.calls) != 2 {
		t.Fatalf("starts = %d; want 2", len(fx.native.calls))
	}
}

func TestRemoveProjectCascadesCleanup(t *testing.T) {
	fx := newFixture(t, nativeService("web", 3000))
	fx.logs.Append("shop", "web", "old line")

	if err := fx.orch.RemoveProject(context.Background(), "shop"); err != nil {
		t.Fatalf("RemoveProject: %v", err)
	}
	if len(fx.store.removed) != 1 {
		t.Fatalf("removed = %v; want [shop]", fx.store.removed)
	}
	if lines := fx.logs.Buffer("shop", "web"); len(lines) != 0 {
		t.Fatalf("buffer survived removal: %v", lines)
	}
}

func TestSuggestPortSearchesFromRangeStart(t *testing.T) {
	fx := newFixture(t, nativeService("web", 3000))
	fx.store.projects["shop"].PortRange = domain.PortRange{Start: 3000, End: 3009}
	var searched []int
	fx.orch.freePort = func(start int) int {
		searched = append(searched, start)
		return start + 2
	}

	got, err := fx.orch.SuggestPort("shop")
	if err != nil {
		t.Fatalf("SuggestPort: %v", err)
	}
	if got.Port != 3002 || !got.InRange {
		t.Fatalf("suggestion = %+v; want port 3002 inside the range", got)
	}
	if len(searched) != 1 || searched[0] != 3000 {
		t.Fatalf("searched from %v; want [3000]", searched)
	}
}

func TestSuggestPortFlagsResultOutsideRange(t *testing.T) {
	fx := newFixture(t, nativeService("web", 3000))
	fx.store.projects["shop"].PortRange = domain.PortRange{Start: 3000, End: 3009}
	fx.orch.freePort = func(start int) int { return 3050 }

	got, err := fx.orch.SuggestPort("shop")
	if err != nil {
		t.Fatalf("SuggestPort: %v", err)
	}
	if got.Port != 3050 || got.InRange {
		t.Fatalf("suggestion = %+v; want 3050 flagged outside the range", got)
	}
}

func TestSuggestPortErrors(t *testing.T) {
	fx := newFixture(t, nativeService("web", 3000))
	fx.orch.freePort = func(start int) int { return 0 }

	if _, err := fx.orch.SuggestPort("nope"); !errors.Is(err, registry.ErrProjectNotFound) {
		t.Fatalf("err = %v; want ErrProjectNotFound", err)
	}
	if _, err := fx.orch.SuggestPort("shop"); err == nil {
		t.Fatal("expected error when no port can be bound")
	}
}

func TestStatusDegradesForMissingProject(t *testing.T) {
	fx := newFixture(t, nativeService("web", 3000))

	status, err := fx.orch.Status(context.Background(), "nope", "web")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != domain.StatusIdle {
		t.Fatalf("status = %s; want idle", status)
	}
}
