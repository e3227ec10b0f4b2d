package domain

import "time"

// EventKind discriminates orchestrator events.
type EventKind string

const (
	EventLog    EventKind = "log"
	EventStatus EventKind = "status"
)

// Event is one orchestrator notification: either a log line or a status
// transition for a (project, service) pair.
type Event struct {
	ID        string        `json:"id"`
	Kind      EventKind     `json:"kind"`
	ProjectID string        `json:"project_id"`
	ServiceID string        `json:"service_id"`
	Line      string        `json:"line,omitempty"`
	Status    ServiceStatus `json:"status,omitempty"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}
