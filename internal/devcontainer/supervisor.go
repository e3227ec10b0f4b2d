package devcontainer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/devdeck/devdeck/internal/domain"
)

const (
	containerNamePrefix = "devdeck"
	logTailLines        = "100"
)

var nameUnsafe = regexp.MustCompile(`[^a-z0-9-]+`)

// BuildContainerName derives the deterministic container name for a service.
// Project name and service id are sanitized independently so neither can
// collide into the other's segment.
func BuildContainerName(projectName, serviceID string) string {
	return containerNamePrefix + "-" + sanitizeNamePart(projectName) + "-" + sanitizeNamePart(serviceID)
}

func sanitizeNamePart(part string) string {
	part = nameUnsafe.ReplaceAllString(strings.ToLower(part), "-")
	return strings.Trim(part, "-")
}

// Engine is the container-engine surface the supervisor drives directly;
// status reads go through the cache's Lister instead. *EngineClient
// satisfies it.
type Engine interface {
	Stop(ctx context.Context, name string) error
	Logs(ctx context.Context, name, tail string, follow bool) (io.ReadCloser, error)
}

// Supervisor drives container-mode services: build/up/exec through the
// devcontainer CLI, status and logs through the engine API.
type Supervisor struct {
	bin    string
	engine Engine
	cache  *StatusCache
	logger *slog.Logger
}

// NewSupervisor wires the CLI binary, engine client and status cache.
func NewSupervisor(bin string, engine Engine, cache *StatusCache, logger *slog.Logger) *Supervisor {
	if bin == "" {
		bin = "devcontainer"
	}
	return &Supervisor{
		bin:    bin,
		engine: engine,
		cache:  cache,
		logger: logger.With("component", "devcontainer"),
	}
}

// Status derives the unified service status for the named container from the
// shared snapshot. An unreachable engine means every container is stopped;
// that case is expected and not logged. Any other engine error is logged
// before degrading to stopped.
func (s *Supervisor) Status(ctx context.Context, name string) domain.ServiceStatus {
	snapshot, err := s.cache.Get(ctx)
	if err != nil {
		if !IsEngineDown(err) {
			s.logger.Error("container status lookup failed", "container", name, "error", err)
		}
		return domain.StatusStopped
	}
	summary, ok := snapshot[name]
	if !ok {
		return domain.StatusStopped
	}
	return MapEngineState(summary.State)
}

// MapEngineState translates the engine's state string into the unified
// status model.
func MapEngineState(state string) domain.ServiceStatus {
	switch strings.ToLower(state) {
	case "running":
		return domain.StatusRunning
	case "created", "restarting":
		return domain.StatusStarting
	default:
		return domain.StatusStopped
	}
}

// Build runs the devcontainer build step, forwarding output live. A non-zero
// exit or spawn failure is a descriptive error.
func (s *Supervisor) Build(ctx context.Context, workspaceFolder, configPath string, onLog func(string)) error {
	defer s.cache.Invalidate()
	args := []string{"build", "--workspace-folder", workspaceFolder, "--config", configPath}
	if err := s.runCLI(ctx, args, onLog); err != nil {
		return fmt.Errorf("devcontainer build failed for %s: %w", workspaceFolder, err)
	}
	return nil
}

// Start brings the container up, then launches the service command inside it.
// The up phase must exit zero first; the exec phase is the long-running dev
// server and is fire-and-forget, so Start returns once exec has been spawned.
func (s *Supervisor) Start(ctx context.Context, workspaceFolder, configPath, command string, env map[string]string, onLog func(string)) error {
	defer s.cache.Invalidate()

	upArgs := []string{"up", "--workspace-folder", workspaceFolder, "--config", configPath}
	if err := s.runCLI(ctx, upArgs, onLog); err != nil {
		return fmt.Errorf("devcontainer up failed for %s: %w", workspaceFolder, err)
	}

	execArgs := []string{"exec", "--workspace-folder", workspaceFolder, "--config", configPath}
	for _, key := range sortedKeys(env) {
		execArgs = append(execArgs, "--remote-env", key+"="+env[key])
	}
	execArgs = append(execArgs, "sh", "-c", command)

	cmd := exec.CommandContext(ctx, s.bin, execArgs...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("devcontainer exec pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn devcontainer exec: %w", err)
	}
	s.logger.Info("service command launched in container", "workspace", workspaceFolder)

	go func() {
		forwardLines(stdout, onLog)
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			s.logger.Warn("container service command exited", "workspace", workspaceFolder, "error", err)
			onLog(fmt.Sprintf("service command exited: %v", err))
		}
	}()
	return nil
}

// Stop stops the named container through the engine.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	defer s.cache.Invalidate()
	return s.engine.Stop(ctx, name)
}

// StreamLogs attaches a follow stream (about 100 lines of backlog plus future
// output) and returns a cleanup that detaches it. A container that does not
// exist yet, or an unreachable engine, yields a no-op cleanup so callers
// never special-case "not created".
func (s *Supervisor) StreamLogs(ctx context.Context, name string, onLog func(string)) (func(), error) {
	streamCtx, cancel := context.WithCancel(ctx)
	rc, err := s.engine.Logs(streamCtx, name, logTailLines, true)
	if err != nil {
		cancel()
		if IsNotFound(err) || IsEngineDown(err) {
			return func() {}, nil
		}
		return nil, fmt.Errorf("attach logs for %s: %w", name, err)
	}

	pr, pw := io.Pipe()
	go func() {
		// Engine log streams are multiplexed; demux both channels into one pipe.
		_, err := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(err)
	}()
	go forwardLines(pr, onLog)

	return func() {
		cancel()
		rc.Close()
	}, nil
}

func (s *Supervisor) runCLI(ctx context.Context, args []string, onLog func(string)) error {
	cmd := exec.CommandContext(ctx, s.bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", s.bin, err)
	}
	forwardLines(stdout, onLog)
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s %s: %w", s.bin, args[0], err)
	}
	return nil
}

func forwardLines(r io.Reader, onLog func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLog(scanner.Text())
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
