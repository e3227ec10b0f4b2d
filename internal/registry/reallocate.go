package registry

import (
	"fmt"

	"github.com/devdeck/devdeck/internal/domain"
	"github.com/devdeck/devdeck/internal/ports"
)

// DescriptorWriter regenerates the container manifest for one service.
type DescriptorWriter interface {
	Write(project *domain.Project, svc domain.Service) (string, error)
}

// ReallocatePortRange walks the project's services in config order assigning
// sequential ports from newBase, skipping services pinned to their original
// port. The updated config is saved and container manifests are regenerated
// before the call returns.
func (s *Store) ReallocatePortRange(projectID string, newBase int, gen DescriptorWriter) (*domain.Project, error) {
	if newBase < 1 || newBase > 65535 {
		return nil, fmt.Errorf("port range base %d out of range: must be between 1 and 65535", newBase)
	}
	project, err := s.Project(projectID)
	if err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(project.Path)
	if err != nil {
		return nil, err
	}

	used := make(map[int]bool)
	for _, svc := range cfg.Services {
		if svc.UseOriginalPort && svc.DiscoveredPort > 0 {
			used[svc.DiscoveredPort] = true
		}
	}

	next := newBase
	debugNext := s.debugBase
	if project.DebugPortRange.Start > 0 {
		debugNext = project.DebugPortRange.Start
	}
	usedDebug := make(map[int]bool)
	highest := newBase
	for i := range cfg.Services {
		svc := &cfg.Services[i]
		if !svc.UseOriginalPort || svc.DiscoveredPort == 0 {
			port := ports.AllocatePort(next, used)
			used[port] = true
			svc.AllocatedPort = port
			next = port + 1
			if port > highest {
				highest = port
			}
		}
		if svc.AllocatedDebugPort > 0 || svc.DebugPort > 0 {
			dp := ports.AllocatePort(debugNext, usedDebug)
			usedDebug[dp] = true
			svc.AllocatedDebugPort = dp
			debugNext = dp + 1
		}
		svc.ApplyPortChoice()
	}

	if err := SaveConfig(project.Path, cfg); err != nil {
		return nil, err
	}

	if gen != nil {
		for _, svc := range cfg.Services {
			if svc.Mode != domain.ModeContainer {
				continue
			}
			if _, err := gen.Write(project, svc); err != nil {
				return nil, fmt.Errorf("regenerate manifest for %s: %w", svc.ID, err)
			}
		}
	}

	end := newBase + s.rangeWidth - 1
	if highest > end {
		end = highest
	}
	project.PortRange = domain.PortRange{Start: newBase, End: end}
	if err := s.UpdateProject(project); err != nil {
		return nil, err
	}
	s.logger.Info("port range reallocated", "project", projectID, "base", newBase)
	return project, nil
}
