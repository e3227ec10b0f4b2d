package domain

// ServiceStatus is the unified lifecycle state reported for both native and
// container services.
type ServiceStatus string

const (
	StatusIdle     ServiceStatus = "idle"
	StatusBuilding ServiceStatus = "building"
	StatusStarting ServiceStatus = "starting"
	StatusRunning  ServiceStatus = "running"
	StatusStopped  ServiceStatus = "stopped"
	StatusError    ServiceStatus = "error"
)
