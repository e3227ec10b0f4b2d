package domain

import "time"

// PortRange is a contiguous block of ports reserved for one project.
type PortRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether the port falls inside the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

// Project is a registry entry pointing at a local checkout.
type Project struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Path           string    `json:"path"`
	PortRange      PortRange `json:"portRange"`
	DebugPortRange PortRange `json:"debugPortRange"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ProjectConfig is the persisted service topology of a project. It is loaded
// and saved as a unit; there are no partial updates.
type ProjectConfig struct {
	Name     string    `json:"name"`
	Services []Service `json:"services"`
}

// Service returns the service with the given id, or nil.
func (c *ProjectConfig) Service(id string) *Service {
	if c == nil {
		return nil
	}
	for i := range c.Services {
		if c.Services[i].ID == id {
			return &c.Services[i]
		}
	}
	return nil
}
