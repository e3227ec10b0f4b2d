package devcontainer

import (
	"context"
	"sync"
	"time"
)

// DefaultStatusTTL bounds how often the engine is asked for the full
// container list.
const DefaultStatusTTL = 2 * time.Second

// Lister produces the full container snapshot. *EngineClient satisfies it.
type Lister interface {
	ListAll(ctx context.Context) ([]ContainerSummary, error)
}

// StatusCache is a single shared snapshot of all containers with a short TTL.
// Every status lookup reads through it; any state-changing operation calls
// Invalidate so the next lookup never observes pre-action state.
type StatusCache struct {
	mu      sync.Mutex
	lister  Lister
	ttl     time.Duration
	entries map[string]ContainerSummary
	fetched time.Time
	valid   bool
	now     func() time.Time
}

// NewStatusCache builds a cache over the lister. ttl <= 0 selects the
// default.
func NewStatusCache(lister Lister, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &StatusCache{lister: lister, ttl: ttl, now: time.Now}
}

// Get returns the container snapshot keyed by name, rebuilding it when the
// cached one is absent or older than the TTL. Concurrent callers within the
// TTL share one underlying engine call.
func (c *StatusCache) Get(ctx context.Context) (map[string]ContainerSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.now().Sub(c.fetched) < c.ttl {
		return c.entries, nil
	}
	summaries, err := c.lister.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]ContainerSummary, len(summaries))
	for _, s := range summaries {
		if s.Name != "" {
			entries[s.Name] = s
		}
	}
	c.entries = entries
	c.fetched = c.now()
	c.valid = true
	return c.entries, nil
}

// Invalidate drops the snapshot so the next Get hits the engine.
func (c *StatusCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
	c.entries = nil
}
