// Package logbuf keeps bounded per-service log buffers and the cleanup hooks
// for any live log stream attached to a service.
package logbuf

import "sync"

const defaultMaxLines = 1000

// Key identifies one service's runtime log state.
type Key struct {
	ProjectID string
	ServiceID string
}

// Manager owns all log buffers and stream cleanups for one engine instance.
type Manager struct {
	mu       sync.Mutex
	max      int
	buffers  map[Key][]string
	cleanups map[Key]func()
}

// NewManager creates a Manager retaining at most max lines per service.
func NewManager(max int) *Manager {
	if max <= 0 {
		max = defaultMaxLines
	}
	return &Manager{
		max:      max,
		buffers:  make(map[Key][]string),
		cleanups: make(map[Key]func()),
	}
}

// Append records a log line. Excess is dropped in one bulk trim once the
// backing slice holds twice the retention limit, so steady-state appends cost
// amortized O(1): one copy of max elements per max appends, not per line.
func (m *Manager) Append(projectID, serviceID, line string) {
	key := Key{ProjectID: projectID, ServiceID: serviceID}
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := append(m.buffers[key], line)
	if len(buf) > 2*m.max {
		trimmed := make([]string, m.max)
		copy(trimmed, buf[len(buf)-m.max:])
		buf = trimmed
	}
	m.buffers[key] = buf
}

// Buffer returns a copy of the newest max lines. A missing key yields an
// empty slice, not an error.
func (m *Manager) Buffer(projectID, serviceID string) []string {
	key := Key{ProjectID: projectID, ServiceID: serviceID}
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := m.buffers[key]
	if len(buf) > m.max {
		buf = buf[len(buf)-m.max:]
	}
	out := make([]string, len(buf))
	copy(out, buf)
	return out
}

// Clear resets one service's buffer.
func (m *Manager) Clear(projectID, serviceID string) {
	key := Key{ProjectID: projectID, ServiceID: serviceID}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buffers, key)
}

// RegisterCleanup stores fn as the stream cleanup for the key. Any previously
// registered cleanup is invoked exactly once before being replaced, so at most
// one live subscription exists per service.
func (m *Manager) RegisterCleanup(projectID, serviceID string, fn func()) {
	key := Key{ProjectID: projectID, ServiceID: serviceID}
	m.mu.Lock()
	prev := m.cleanups[key]
	m.cleanups[key] = fn
	m.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// RunCleanup invokes and removes the cleanup for one key, if any.
func (m *Manager) RunCleanup(projectID, serviceID string) {
	key := Key{ProjectID: projectID, ServiceID: serviceID}
	m.mu.Lock()
	fn := m.cleanups[key]
	delete(m.cleanups, key)
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// CleanupProject removes every buffer and runs every cleanup belonging to the
// project. Matching is by exact project id, never by prefix.
func (m *Manager) CleanupProject(projectID string) {
	m.mu.Lock()
	var fns []func()
	for key := range m.buffers {
		if key.ProjectID == projectID {
			delete(m.buffers, key)
		}
	}
	for key, fn := range m.cleanups {
		if key.ProjectID == projectID {
			fns = append(fns, fn)
			delete(m.cleanups, key)
		}
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
