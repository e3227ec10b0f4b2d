// Package registry persists the project directory and per-project service
// configs as plain JSON documents on disk.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/devdeck/devdeck/internal/domain"
	"github.com/devdeck/devdeck/internal/ports"
)

var (
	// ErrProjectNotFound marks a lookup for an unregistered project id.
	ErrProjectNotFound = errors.New("project not found")
	// ErrConfigNotFound marks a project checkout without a service config.
	ErrConfigNotFound = errors.New("project config not found")
)

const projectsFile = "projects.json"

// Store owns the on-disk project registry for one engine instance.
type Store struct {
	mu         sync.Mutex
	dir        string
	portBase   int
	rangeWidth int
	debugBase  int
	logger     *slog.Logger
	now        func() time.Time
}

// NewStore opens (creating if needed) a registry rooted at dir. portBase,
// rangeWidth and debugBase control the ranges handed to new projects.
func NewStore(dir string, portBase, rangeWidth, debugBase int, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if portBase <= 0 {
		portBase = 3000
	}
	if rangeWidth <= 0 {
		rangeWidth = 10
	}
	if debugBase <= 0 {
		debugBase = 9200
	}
	return &Store{
		dir:        dir,
		portBase:   portBase,
		rangeWidth: rangeWidth,
		debugBase:  debugBase,
		logger:     logger.With("component", "registry"),
		now:        time.Now,
	}, nil
}

// Projects returns every registered project. An empty registry is an empty
// slice, not an error.
func (s *Store) Projects() ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadProjects()
}

// Project returns the registered project with the given id.
func (s *Store) Project(id string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	projects, err := s.loadProjects()
	if err != nil {
		return nil, err
	}
	for i := range projects {
		if projects[i].ID == id {
			return &projects[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
}

// AddProject registers a local checkout. The id is derived from the name and
// made unique against existing projects; port ranges are assigned from the
// first free block.
func (s *Store) AddProject(name, path string) (*domain.Project, error) {
	if name == "" {
		return nil, fmt.Errorf("project name is required")
	}
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("project path must be absolute, got %q", path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	projects, err := s.loadProjects()
	if err != nil {
		return nil, err
	}
	usedIDs := make(map[string]bool, len(projects))
	for _, p := range projects {
		usedIDs[p.ID] = true
		if p.Path == path {
			return nil, fmt.Errorf("path %s already registered as project %s", path, p.ID)
		}
	}

	project := domain.Project{
		ID:             ports.MakeUniqueID(ports.Slugify(name), usedIDs),
		Name:           name,
		Path:           path,
		PortRange:      s.freeRange(projects, s.portBase, func(p domain.Project) domain.PortRange { return p.PortRange }),
		DebugPortRange: s.freeRange(projects, s.debugBase, func(p domain.Project) domain.PortRange { return p.DebugPortRange }),
		CreatedAt:      s.now().UTC(),
	}
	projects = append(projects, project)
	if err := s.saveProjects(projects); err != nil {
		return nil, err
	}
	s.logger.Info("project registered", "id", project.ID, "path", path, "port_range_start", project.PortRange.Start)
	return &project, nil
}

// RemoveProject deletes the registry entry. Callers are responsible for
// cascading runtime cleanup (log buffers, streams).
func (s *Store) RemoveProject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	projects, err := s.loadProjects()
	if err != nil {
		return err
	}
	kept := projects[:0]
	found := false
	for _, p := range projects {
		if p.ID == id {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	if err := s.saveProjects(kept); err != nil {
		return err
	}
	s.logger.Info("project removed", "id", id)
	return nil
}

// UpdateProject replaces a registry entry in place.
func (s *Store) UpdateProject(project *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	projects, err := s.loadProjects()
	if err != nil {
		return err
	}
	for i := range projects {
		if projects[i].ID == project.ID {
			projects[i] = *project
			return s.saveProjects(projects)
		}
	}
	return fmt.Errorf("%w: %s", ErrProjectNotFound, project.ID)
}

// freeRange picks the first block of rangeWidth ports at or after base that
// does not overlap any existing project's range.
func (s *Store) freeRange(projects []domain.Project, base int, pick func(domain.Project) domain.PortRange) domain.PortRange {
	start := base
	for {
		candidate := domain.PortRange{Start: start, End: start + s.rangeWidth - 1}
		conflict := false
		for _, p := range projects {
			r := pick(p)
			if r.Start == 0 && r.End == 0 {
				continue
			}
			if candidate.Start <= r.End && r.Start <= candidate.End {
				conflict = true
				if r.End+1 > start {
					start = r.End + 1
				}
				break
			}
		}
		if !conflict {
			return candidate
		}
	}
}

func (s *Store) loadProjects() ([]domain.Project, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, projectsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.Project{}, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var projects []domain.Project
	if err := json.Unmarshal(data, &projects); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	return projects, nil
}

func (s *Store) saveProjects(projects []domain.Project) error {
	return writeJSONAtomic(filepath.Join(s.dir, projectsFile), projects)
}

// writeJSONAtomic persists v via temp-file-and-rename so a crash never leaves
// a truncated document behind.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
