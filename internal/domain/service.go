package domain

import (
	"encoding/json"
	"strconv"
)

// ServiceMode selects how a service is supervised.
type ServiceMode string

const (
	ModeNative    ServiceMode = "native"
	ModeContainer ServiceMode = "container"
)

// HardcodedPort records a literal port baked into a service command, along
// with the flag syntax it was written in (e.g. "-p" vs "--port=").
type HardcodedPort struct {
	Value  int    `json:"value"`
	Source string `json:"source"`
	Flag   string `json:"flag"`
}

// ContainerEnvOverride substitutes a fragment of resolved env values when the
// service runs in container mode (e.g. localhost -> host.docker.internal).
type ContainerEnvOverride struct {
	Match   string `json:"match"`
	Replace string `json:"replace"`
	Enabled bool   `json:"enabled"`
}

// Service is one runnable unit of a project.
type Service struct {
	ID                    string                 `json:"id"`
	Name                  string                 `json:"name"`
	Path                  string                 `json:"path"`
	Command               string                 `json:"command"`
	Port                  int                    `json:"port,omitempty"`
	DebugPort             int                    `json:"debugPort,omitempty"`
	DiscoveredPort        int                    `json:"discoveredPort,omitempty"`
	AllocatedPort         int                    `json:"allocatedPort,omitempty"`
	AllocatedDebugPort    int                    `json:"allocatedDebugPort,omitempty"`
	UseOriginalPort       bool                   `json:"useOriginalPort,omitempty"`
	HardcodedPort         *HardcodedPort         `json:"hardcodedPort,omitempty"`
	Env                   map[string]string      `json:"env,omitempty"`
	Mode                  ServiceMode            `json:"mode"`
	DependsOn             []string               `json:"dependsOn,omitempty"`
	Active                bool                   `json:"active"`
	ContainerEnvOverrides []ContainerEnvOverride `json:"containerEnvOverrides,omitempty"`
}

// UnmarshalJSON defaults Active to true so configs written before the
// soft-hide flag existed keep every service visible.
func (s *Service) UnmarshalJSON(data []byte) error {
	type alias Service
	a := alias{Active: true}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = Service(a)
	return nil
}

// ApplyPortChoice synchronizes the effective Port/DebugPort fields with the
// UseOriginalPort toggle. Neither the discovered nor the allocated value is
// discarded by toggling.
func (s *Service) ApplyPortChoice() {
	if s.UseOriginalPort && s.DiscoveredPort > 0 {
		s.Port = s.DiscoveredPort
	} else if s.AllocatedPort > 0 {
		s.Port = s.AllocatedPort
	}
	if s.AllocatedDebugPort > 0 {
		s.DebugPort = s.AllocatedDebugPort
	}
}

// Property returns the string form of a named service attribute for env
// cross-referencing. Unset values (zero ports, empty strings) report ok=false.
func (s *Service) Property(name string) (string, bool) {
	switch name {
	case "id":
		return nonEmpty(s.ID)
	case "name":
		return nonEmpty(s.Name)
	case "path":
		return nonEmpty(s.Path)
	case "command":
		return nonEmpty(s.Command)
	case "mode":
		return nonEmpty(string(s.Mode))
	case "port":
		return positive(s.Port)
	case "debugPort":
		return positive(s.DebugPort)
	case "discoveredPort":
		return positive(s.DiscoveredPort)
	case "allocatedPort":
		return positive(s.AllocatedPort)
	case "allocatedDebugPort":
		return positive(s.AllocatedDebugPort)
	default:
		return "", false
	}
}

func nonEmpty(v string) (string, bool) {
	return v, v != ""
}

func positive(v int) (string, bool) {
	if v <= 0 {
		return "", false
	}
	return strconv.Itoa(v), true
}
