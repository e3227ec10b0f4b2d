// Package orchestrator composes the port allocator, environment interpolator,
// native and container supervisors, log manager and event hub into the
// engine's start/stop/status surface.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/devdeck/devdeck/internal/domain"
	"github.com/devdeck/devdeck/internal/envsub"
	"github.com/devdeck/devdeck/internal/logbuf"
	"github.com/devdeck/devdeck/internal/ports"
	"github.com/devdeck/devdeck/internal/procman"
	"github.com/devdeck/devdeck/internal/registry"
)

// ErrServiceNotFound marks a lookup for a service id absent from the
// project's config. Project and config lookups fail with the registry
// sentinels, so callers can tell the three stages apart.
var ErrServiceNotFound = errors.New("service not found")

// ProjectStore is the registry surface the orchestrator depends on.
type ProjectStore interface {
	Projects() ([]domain.Project, error)
	Project(id string) (*domain.Project, error)
	AddProject(name, path string) (*domain.Project, error)
	RemoveProject(id string) error
	ReallocatePortRange(projectID string, newBase int, gen registry.DescriptorWriter) (*domain.Project, error)
}

// ConfigStore loads and saves per-project service topologies.
type ConfigStore interface {
	Load(projectPath string) (*domain.ProjectConfig, error)
	Save(projectPath string, cfg *domain.ProjectConfig) error
}

// NativeRunner supervises native-mode services. *procman.Supervisor
// satisfies it.
type NativeRunner interface {
	Start(id, command, dir string, env map[string]string, onLog procman.LogFunc, onStatus procman.StatusFunc) error
	Stop(id string) bool
	IsRunning(id string) bool
}

// ContainerRunner supervises container-mode services.
// *devcontainer.Supervisor satisfies it.
type ContainerRunner interface {
	Status(ctx context.Context, name string) domain.ServiceStatus
	Build(ctx context.Context, workspaceFolder, configPath string, onLog func(string)) error
	Start(ctx context.Context, workspaceFolder, configPath, command string, env map[string]string, onLog func(string)) error
	Stop(ctx context.Context, name string) error
	StreamLogs(ctx context.Context, name string, onLog func(string)) (func(), error)
}

// ManifestWriter regenerates container manifests. *descriptor.Generator
// satisfies it.
type ManifestWriter interface {
	Write(project *domain.Project, svc domain.Service) (string, error)
	Path(projectPath, serviceID string) string
}

// Publisher receives every log line and status transition the orchestrator
// produces.
type Publisher interface {
	Publish(ev domain.Event)
}

// ContainerNamer derives the engine-visible container name for a service.
type ContainerNamer func(projectName, serviceID string) string

// ServiceState is the unified status view reported for one service.
type ServiceState struct {
	ServiceID string               `json:"serviceId"`
	Name      string               `json:"name"`
	Mode      domain.ServiceMode   `json:"mode"`
	Status    domain.ServiceStatus `json:"status"`
	Port      int                  `json:"port,omitempty"`
	DebugPort int                  `json:"debugPort,omitempty"`
	Active    bool                 `json:"active"`
	DependsOn []string             `json:"dependsOn,omitempty"`
}

// Outcome is the settled result of one service in a batch operation.
type Outcome struct {
	ServiceID string `json:"serviceId"`
	Err       error  `json:"-"`
	Error     string `json:"error,omitempty"`
}

// Orchestrator owns all runtime state for one engine instance. Everything is
// constructor-injected; there is no package-level state.
type Orchestrator struct {
	store      ProjectStore
	configs    ConfigStore
	native     NativeRunner
	containers ContainerRunner
	manifests  ManifestWriter
	logs       *logbuf.Manager
	hub        Publisher
	logger     *slog.Logger

	containerName ContainerNamer

	// seams for tests
	killPort func(ctx context.Context, port int) (<-chan procman.KillResult, error)
	freePort func(start int) int
	now      func() time.Time
}

// New wires an orchestrator from its collaborators.
func New(store ProjectStore, configs ConfigStore, native NativeRunner, containers ContainerRunner, manifests ManifestWriter, logs *logbuf.Manager, hub Publisher, namer ContainerNamer, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:         store,
		configs:       configs,
		native:        native,
		containers:    containers,
		manifests:     manifests,
		logs:          logs,
		hub:           hub,
		containerName: namer,
		logger:        logger.With("component", "orchestrator"),
		killPort:      procman.KillProcessOnPortAsync,
		freePort:      ports.NextFreePort,
		now:           time.Now,
	}
}

// Start resolves the service, interpolates its environment and hands it to
// the supervisor matching its mode. modeOverride, when non-empty, wins over
// the configured mode.
func (o *Orchestrator) Start(ctx context.Context, projectID, serviceID string, modeOverride domain.ServiceMode) error {
	project, cfg, svc, err := o.lookup(projectID, serviceID)
	if err != nil {
		return err
	}

	env, warnings := envsub.Resolve(svc.Env, cfg.Services)
	for _, warning := range warnings {
		o.appendLog(projectID, serviceID, "env warning: "+warning)
	}

	mode := svc.Mode
	if modeOverride != "" {
		mode = modeOverride
	}
	if mode == domain.ModeContainer {
		return o.startContainer(ctx, project, svc, env)
	}
	return o.startNative(ctx, project, svc, env)
}

func (o *Orchestrator) startNative(ctx context.Context, project *domain.Project, svc *domain.Service, env map[string]string) error {
	projectID := project.ID
	serviceID := svc.ID

	for _, port := range preemptTargets(svc) {
		if err := o.preemptPort(ctx, projectID, serviceID, port); err != nil {
			o.publishStatus(projectID, serviceID, domain.StatusError, err)
			return err
		}
	}

	if svc.Port > 0 {
		env["PORT"] = fmt.Sprintf("%d", svc.Port)
	}
	dir := project.Path
	if svc.Path != "" && svc.Path != "." {
		dir = filepath.Join(dir, svc.Path)
	}

	key := runtimeKey(projectID, serviceID)
	onLog := func(line string) { o.appendLog(projectID, serviceID, line) }
	onStatus := func(status domain.ServiceStatus, err error) {
		o.publishStatus(projectID, serviceID, status, err)
	}
	if err := o.native.Start(key, svc.Command, dir, env, onLog, onStatus); err != nil {
		o.appendLog(projectID, serviceID, "start failed: "+err.Error())
		return fmt.Errorf("start native service %s: %w", serviceID, err)
	}
	return nil
}

// preemptTargets returns the ports to clear before a native start: the
// effective port plus the hardcoded port when the program will actually bind
// somewhere else.
func preemptTargets(svc *domain.Service) []int {
	var targets []int
	if svc.Port > 0 {
		targets = append(targets, svc.Port)
	}
	if hp := svc.HardcodedPort; hp != nil && hp.Value != svc.Port {
		targets = append(targets, hp.Value)
	}
	return targets
}

func (o *Orchestrator) preemptPort(ctx context.Context, projectID, serviceID string, port int) error {
	resultCh, err := o.killPort(ctx, port)
	if err != nil {
		return fmt.Errorf("preempt port %d: %w", port, err)
	}
	select {
	case result := <-resultCh:
		if result.Err != nil {
			return fmt.Errorf("preempt port %d: %w", port, result.Err)
		}
		if result.Killed > 0 {
			o.appendLog(projectID, serviceID, fmt.Sprintf("killed existing process on port %d", port))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) startContainer(ctx context.Context, project *domain.Project, svc *domain.Service, env map[string]string) error {
	projectID := project.ID
	serviceID := svc.ID
	env = applyContainerOverrides(env, svc.ContainerEnvOverrides)

	configPath, err := o.manifests.Write(project, *svc)
	if err != nil {
		o.publishStatus(projectID, serviceID, domain.StatusError, err)
		return fmt.Errorf("write container manifest for %s: %w", serviceID, err)
	}
	workspace := project.Path
	onLog := func(line string) { o.appendLog(projectID, serviceID, line) }

	o.publishStatus(projectID, serviceID, domain.StatusBuilding, nil)
	if err := o.containers.Build(ctx, workspace, configPath, onLog); err != nil {
		o.publishStatus(projectID, serviceID, domain.StatusError, err)
		return err
	}

	o.publishStatus(projectID, serviceID, domain.StatusStarting, nil)
	if err := o.containers.Start(ctx, workspace, configPath, svc.Command, env, onLog); err != nil {
		o.publishStatus(projectID, serviceID, domain.StatusError, err)
		return err
	}
	o.publishStatus(projectID, serviceID, domain.StatusRunning, nil)

	o.attachContainerLogs(projectID, serviceID, o.containerName(project.Name, serviceID))
	return nil
}

// attachContainerLogs follows the container's log stream into the buffer.
// Registering through the log manager replaces any stream left over from a
// previous start.
func (o *Orchestrator) attachContainerLogs(projectID, serviceID, name string) {
	streamCtx := context.Background()
	cleanup, err := o.containers.StreamLogs(streamCtx, name, func(line string) {
		o.appendLog(projectID, serviceID, line)
	})
	if err != nil {
		o.logger.Warn("container log stream unavailable", "container", name, "error", err)
		return
	}
	o.logs.RegisterCleanup(projectID, serviceID, cleanup)
}

// applyContainerOverrides rewrites resolved env values for container mode.
// Only enabled overrides apply, by plain substring replacement.
func applyContainerOverrides(env map[string]string, overrides []domain.ContainerEnvOverride) map[string]string {
	if len(overrides) == 0 {
		return env
	}
	out := make(map[string]string, len(env))
	for key, value := range env {
		for _, ov := range overrides {
			if !ov.Enabled || ov.Match == "" {
				continue
			}
			value = strings.ReplaceAll(value, ov.Match, ov.Replace)
		}
		out[key] = value
	}
	return out
}

// Stop halts the service along its mode path. Stopping something that is not
// running is not an error.
func (o *Orchestrator) Stop(ctx context.Context, projectID, serviceID string) error {
	project, _, svc, err := o.lookup(projectID, serviceID)
	if err != nil {
		return err
	}

	if svc.Mode == domain.ModeContainer {
		name := o.containerName(project.Name, serviceID)
		if err := o.containers.Stop(ctx, name); err != nil {
			o.appendLog(projectID, serviceID, "stop failed: "+err.Error())
			return fmt.Errorf("stop container %s: %w", name, err)
		}
		o.logs.RunCleanup(projectID, serviceID)
		o.appendLog(projectID, serviceID, "container stop requested")
		o.publishStatus(projectID, serviceID, domain.StatusStopped, nil)
		return nil
	}

	if o.native.Stop(runtimeKey(projectID, serviceID)) {
		o.appendLog(projectID, serviceID, "stop requested")
	}
	return nil
}

// Restart stops the service, waits for the native process table to release
// it, and starts it again.
func (o *Orchestrator) Restart(ctx context.Context, projectID, serviceID string) error {
	if err := o.Stop(ctx, projectID, serviceID); err != nil {
		return err
	}
	if err := o.waitStopped(ctx, projectID, serviceID); err != nil {
		return err
	}
	return o.Start(ctx, projectID, serviceID, "")
}

func (o *Orchestrator) waitStopped(ctx context.Context, projectID, serviceID string) error {
	key := runtimeKey(projectID, serviceID)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(10 * time.Second)
	defer deadline.Stop()
	for o.native.IsRunning(key) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("service %s did not stop in time", serviceID)
		case <-ticker.C:
		}
	}
	return nil
}

// Status reports the unified status of one service. Missing project or
// config degrades to idle; only an unknown service id is an error.
func (o *Orchestrator) Status(ctx context.Context, projectID, serviceID string) (domain.ServiceStatus, error) {
	project, _, svc, err := o.lookup(projectID, serviceID)
	if err != nil {
		if errors.Is(err, registry.ErrProjectNotFound) || errors.Is(err, registry.ErrConfigNotFound) {
			return domain.StatusIdle, nil
		}
		return domain.StatusIdle, err
	}
	return o.serviceStatus(ctx, project, svc), nil
}

func (o *Orchestrator) serviceStatus(ctx context.Context, project *domain.Project, svc *domain.Service) domain.ServiceStatus {
	if svc.Mode == domain.ModeContainer {
		return o.containers.Status(ctx, o.containerName(project.Name, svc.ID))
	}
	if o.native.IsRunning(runtimeKey(project.ID, svc.ID)) {
		return domain.StatusRunning
	}
	return domain.StatusStopped
}

// Services returns the status view for every service of the project. A
// missing project or config yields an empty slice: the UI polls this
// continuously and "nothing configured yet" is not an exception.
func (o *Orchestrator) Services(ctx context.Context, projectID string) ([]ServiceState, error) {
	project, cfg, err := o.lookupProject(projectID)
	if err != nil {
		if errors.Is(err, registry.ErrProjectNotFound) || errors.Is(err, registry.ErrConfigNotFound) {
			return []ServiceState{}, nil
		}
		return nil, err
	}
	states := make([]ServiceState, 0, len(cfg.Services))
	for i := range cfg.Services {
		svc := &cfg.Services[i]
		states = append(states, ServiceState{
			ServiceID: svc.ID,
			Name:      svc.Name,
			Mode:      svc.Mode,
			Status:    o.serviceStatus(ctx, project, svc),
			Port:      svc.Port,
			DebugPort: svc.DebugPort,
			Active:    svc.Active,
			DependsOn: svc.DependsOn,
		})
	}
	return states, nil
}

// StartAll starts every active service of the project in parallel. Outcomes
// are collected per service; one failure never aborts the batch.
func (o *Orchestrator) StartAll(ctx context.Context, projectID string) ([]Outcome, error) {
	return o.forEachService(ctx, projectID, false, o.startDefault)
}

// StopAll stops every service of the project in parallel with independently
// collected outcomes. Soft-hidden services are stopped too.
func (o *Orchestrator) StopAll(ctx context.Context, projectID string) ([]Outcome, error) {
	return o.forEachService(ctx, projectID, true, o.Stop)
}

// startDefault is Start without a mode override, shaped for batch dispatch.
func (o *Orchestrator) startDefault(ctx context.Context, projectID, serviceID string) error {
	return o.Start(ctx, projectID, serviceID, "")
}

func (o *Orchestrator) forEachService(ctx context.Context, projectID string, includeInactive bool, op func(context.Context, string, string) error) ([]Outcome, error) {
	_, cfg, err := o.lookupProject(projectID)
	if err != nil {
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(cfg.Services))
	results := make(chan Outcome)
	launched := 0
	for i := range cfg.Services {
		svc := cfg.Services[i]
		if !svc.Active && !includeInactive {
			continue
		}
		launched++
		go func() {
			err := op(ctx, projectID, svc.ID)
			outcome := Outcome{ServiceID: svc.ID, Err: err}
			if err != nil {
				outcome.Error = err.Error()
			}
			results <- outcome
		}()
	}
	for i := 0; i < launched; i++ {
		outcomes = append(outcomes, <-results)
	}
	return outcomes, nil
}

// Projects lists the registered projects.
func (o *Orchestrator) Projects() ([]domain.Project, error) {
	return o.store.Projects()
}

// AddProject registers a local checkout with the underlying store.
func (o *Orchestrator) AddProject(name, path string) (*domain.Project, error) {
	return o.store.AddProject(name, path)
}

// RemoveProject stops whatever is still running, deletes the registry entry
// and cascades runtime cleanup to every log buffer and stream of the project.
func (o *Orchestrator) RemoveProject(ctx context.Context, projectID string) error {
	if _, err := o.StopAll(ctx, projectID); err != nil && !errors.Is(err, registry.ErrConfigNotFound) {
		if errors.Is(err, registry.ErrProjectNotFound) {
			return err
		}
		o.logger.Warn("stop-all before removal failed", "project", projectID, "error", err)
	}
	if err := o.store.RemoveProject(projectID); err != nil {
		return err
	}
	o.logs.CleanupProject(projectID)
	return nil
}

// ReallocatePorts re-walks the project's services from a new port base,
// persisting the config and regenerating container manifests.
func (o *Orchestrator) ReallocatePorts(projectID string, newBase int) (*domain.Project, error) {
	return o.store.ReallocatePortRange(projectID, newBase, o.manifests)
}

// PortSuggestion is a bindable-port recommendation for one project.
type PortSuggestion struct {
	Port    int  `json:"port"`
	InRange bool `json:"inRange"`
}

// SuggestPort probes for the first port at or above the project's range start
// that can be bound right now, reporting whether it still falls inside the
// reserved range. Allocation is deterministic and never probes the OS; this
// is the advisory check for callers pinning a port by hand.
func (o *Orchestrator) SuggestPort(projectID string) (PortSuggestion, error) {
	project, err := o.store.Project(projectID)
	if err != nil {
		return PortSuggestion{}, err
	}
	port := o.freePort(project.PortRange.Start)
	if port == 0 {
		return PortSuggestion{}, fmt.Errorf("no bindable port at or above %d", project.PortRange.Start)
	}
	return PortSuggestion{Port: port, InRange: project.PortRange.Contains(port)}, nil
}

// LogBuffer returns a copy of the buffered log lines for one service.
func (o *Orchestrator) LogBuffer(projectID, serviceID string) []string {
	return o.logs.Buffer(projectID, serviceID)
}

// ClearLogBuffer resets one service's buffer.
func (o *Orchestrator) ClearLogBuffer(projectID, serviceID string) {
	o.logs.Clear(projectID, serviceID)
}

func (o *Orchestrator) lookupProject(projectID string) (*domain.Project, *domain.ProjectConfig, error) {
	project, err := o.store.Project(projectID)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := o.configs.Load(project.Path)
	if err != nil {
		return nil, nil, err
	}
	return project, cfg, nil
}

func (o *Orchestrator) lookup(projectID, serviceID string) (*domain.Project, *domain.ProjectConfig, *domain.Service, error) {
	project, cfg, err := o.lookupProject(projectID)
	if err != nil {
		return nil, nil, nil, err
	}
	svc := cfg.Service(serviceID)
	if svc == nil {
		return nil, nil, nil, fmt.Errorf("%w: %s in project %s", ErrServiceNotFound, serviceID, projectID)
	}
	return project, cfg, svc, nil
}

// appendLog records a line in the service's buffer and pushes it to
// subscribers. Every orchestrator action narrates here, so the log view
// covers what was attempted, not just child stdout.
func (o *Orchestrator) appendLog(projectID, serviceID, line string) {
	o.logs.Append(projectID, serviceID, line)
	o.hub.Publish(domain.Event{
		Kind:      domain.EventLog,
		ProjectID: projectID,
		ServiceID: serviceID,
		Line:      line,
	})
}

func (o *Orchestrator) publishStatus(projectID, serviceID string, status domain.ServiceStatus, err error) {
	ev := domain.Event{
		Kind:      domain.EventStatus,
		ProjectID: projectID,
		ServiceID: serviceID,
		Status:    status,
	}
	if err != nil {
		ev.Error = err.Error()
		o.appendLog(projectID, serviceID, fmt.Sprintf("status %s: %v", status, err))
	}
	o.hub.Publish(ev)
}

func runtimeKey(projectID, serviceID string) string {
	return projectID + "/" + serviceID
}
