// Package events fans orchestrator notifications out to streaming clients.
// Events are keyed by project so a dashboard subscribed to one project never
// receives another project's traffic.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devdeck/devdeck/internal/domain"
)

// Subscriber abstracts a streaming client. Send receives the event kind
// alongside the serialized payload so transports with typed frames (SSE) can
// tag them without re-decoding the JSON.
type Subscriber interface {
	Send(kind domain.EventKind, payload []byte) error
	Close()
}

// Hub manages stream subscriptions by project ID and serializes events onto
// them. One hub instance belongs to one orchestrator.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[Subscriber]struct{}
	logger  *slog.Logger
	now     func() time.Time
}

// NewHub creates an initialized Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[Subscriber]struct{}),
		logger:  logger.With("component", "events"),
		now:     time.Now,
	}
}

// Register adds a client to a project stream.
func (h *Hub) Register(projectID string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[projectID]; !ok {
		h.clients[projectID] = make(map[Subscriber]struct{})
	}
	h.clients[projectID][client] = struct{}{}
}

// Unregister removes a client. The client is not closed; callers own the
// connection lifecycle.
func (h *Hub) Unregister(projectID string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.clients[projectID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, projectID)
		}
	}
}

// Publish stamps the event with an id and timestamp and delivers it to every
// subscriber of its project. A subscriber whose Send fails is closed and
// dropped so one dead connection cannot poison the stream.
func (h *Hub) Publish(ev domain.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = h.now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("event encode failed", "kind", ev.Kind, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.clients[ev.ProjectID]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(ev.Kind, payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, ev.ProjectID)
	}
}

// SubscriberCount reports how many clients watch the project.
func (h *Hub) SubscriberCount(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[projectID])
}
