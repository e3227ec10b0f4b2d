// Package procman supervises native-mode services as OS child processes.
package procman

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/devdeck/devdeck/internal/domain"
)

const defaultStopGrace = 5 * time.Second

// LogFunc receives one line of child output as it arrives.
type LogFunc func(line string)

// StatusFunc receives lifecycle transitions. err is non-nil only for
// StatusError.
type StatusFunc func(status domain.ServiceStatus, err error)

type trackedProc struct {
	cmd           *exec.Cmd
	stopRequested bool
	stopTimer     *time.Timer
}

// Supervisor owns the tracked-process table for one engine instance. It is
// constructor-injected wherever native services are started; there is no
// package-level state.
type Supervisor struct {
	mu     sync.Mutex
	procs  map[string]*trackedProc
	grace  time.Duration
	logger *slog.Logger
}

// NewSupervisor creates a Supervisor. grace bounds how long a stopped process
// may ignore SIGTERM before it is killed.
func NewSupervisor(logger *slog.Logger, grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = defaultStopGrace
	}
	return &Supervisor{
		procs:  make(map[string]*trackedProc),
		grace:  grace,
		logger: logger.With("component", "procman"),
	}
}

// Start launches the command in dir with the merged environment. It reports
// "starting" immediately and "running" once the OS has confirmed the spawn.
// Output lines are forwarded to onLog as they arrive. If a process is already
// tracked under id, Start leaves it alone and reports running.
func (s *Supervisor) Start(id, command, dir string, env map[string]string, onLog LogFunc, onStatus StatusFunc) error {
	s.mu.Lock()
	if _, exists := s.procs[id]; exists {
		s.mu.Unlock()
		onStatus(domain.StatusRunning, nil)
		return nil
	}
	s.mu.Unlock()

	argv, err := Tokenize(command)
	if err != nil {
		onStatus(domain.StatusError, err)
		return err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = mergedEnv(env)
	// Own process group so a stop signal reaches the whole service tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		onStatus(domain.StatusError, err)
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		onStatus(domain.StatusError, err)
		return fmt.Errorf("stderr pipe: %w", err)
	}

	onStatus(domain.StatusStarting, nil)
	if err := cmd.Start(); err != nil {
		onStatus(domain.StatusError, err)
		return fmt.Errorf("spawn %q: %w", argv[0], err)
	}

	tracked := &trackedProc{cmd: cmd}
	s.mu.Lock()
	s.procs[id] = tracked
	s.mu.Unlock()

	s.logger.Info("process started", "id", id, "pid", cmd.Process.Pid, "command", argv[0])
	onStatus(domain.StatusRunning, nil)

	var streams sync.WaitGroup
	streams.Add(2)
	go s.forward(&streams, stdout, onLog)
	go s.forward(&streams, stderr, onLog)

	go s.reap(id, tracked, &streams, onStatus)
	return nil
}

// Stop sends SIGTERM to the tracked process group and arms a kill timer for
// the grace period. Reports whether a process was found under id.
func (s *Supervisor) Stop(id string) bool {
	s.mu.Lock()
	tracked, ok := s.procs[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	tracked.stopRequested = true
	pid := tracked.cmd.Process.Pid
	if tracked.stopTimer == nil {
		tracked.stopTimer = time.AfterFunc(s.grace, func() {
			s.forceKill(id, pid)
		})
	}
	s.mu.Unlock()

	// Negative pid signals the whole process group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		s.logger.Warn("terminate failed, falling back to direct signal", "id", id, "pid", pid, "error", err)
		_ = tracked.cmd.Process.Signal(syscall.SIGTERM)
	}
	s.logger.Info("stop requested", "id", id, "pid", pid)
	return true
}

// IsRunning is an O(1) lookup against the tracked-process table. Processes
// that exited are removed by the exit reaper, not by polling here.
func (s *Supervisor) IsRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[id]
	return ok
}

// TrackedIDs returns the ids with live processes, sorted for stable output.
func (s *Supervisor) TrackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StopAll requests termination of every tracked process and reports how many
// were signalled. Called on engine shutdown so supervised services do not
// outlive the engine.
func (s *Supervisor) StopAll() int {
	stopped := 0
	for _, id := range s.TrackedIDs() {
		if s.Stop(id) {
			stopped++
		}
	}
	return stopped
}

func (s *Supervisor) forward(wg *sync.WaitGroup, r io.Reader, onLog LogFunc) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLog(scanner.Text())
	}
}

func (s *Supervisor) reap(id string, tracked *trackedProc, streams *sync.WaitGroup, onStatus StatusFunc) {
	streams.Wait()
	err := tracked.cmd.Wait()

	s.mu.Lock()
	if tracked.stopTimer != nil {
		tracked.stopTimer.Stop()
	}
	stopRequested := tracked.stopRequested
	delete(s.procs, id)
	s.mu.Unlock()

	switch {
	case stopRequested:
		s.logger.Info("process stopped", "id", id)
		onStatus(domain.StatusStopped, nil)
	case err != nil:
		s.logger.Warn("process exited abnormally", "id", id, "error", err)
		onStatus(domain.StatusError, err)
	default:
		s.logger.Info("process exited", "id", id)
		onStatus(domain.StatusStopped, nil)
	}
}

func (s *Supervisor) forceKill(id string, pid int) {
	s.mu.Lock()
	_, stillTracked := s.procs[id]
	s.mu.Unlock()
	if !stillTracked {
		return
	}
	s.logger.Warn("grace period expired, killing process group", "id", id, "pid", pid)
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
