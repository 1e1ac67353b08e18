package scenarios

import (
	"context"
	"sync"

	"call-relay/internal/provider"
)

// Cache holds the last fetched scenario catalog in memory.
//
// Routing does not depend on it; it exists so the admin bind menu can show
// human-readable scenario names without a CRM round trip. Refresh replaces
// the whole list atomically, so concurrent readers never observe a
// half-updated catalog.
type Cache struct {
	source provider.CallProvider

	mu   sync.RWMutex
	list []provider.Scenario
	byID map[int64]provider.Scenario
}

func NewCache(source provider.CallProvider) *Cache {
	return &Cache{source: source}
}

// Refresh fetches the full catalog and swaps it in. On error the previous
// catalog stays visible.
func (c *Cache) Refresh(ctx context.Context) error {
	list, err := c.source.Scenarios(ctx)
	if err != nil {
		return err
	}

	byID := make(map[int64]provider.Scenario, len(list))
	for _, s := range list {
		byID[s.ID] = s
	}

	c.mu.Lock()
	c.list = list
	c.byID = byID
	c.mu.Unlock()
	return nil
}

// ByID returns the cached entry. It never triggers a fetch.
func (c *Cache) ByID(id int64) (provider.Scenario, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byID[id]
	return s, ok
}

// All returns a copy of the cached catalog.
func (c *Cache) All() []provider.Scenario {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]provider.Scenario, len(c.list))
	copy(out, c.list)
	return out
}

// Empty reports whether the cache has never been (successfully) refreshed
// or the catalog is genuinely empty. The bot uses it to self-heal a cold
// cache before rendering the bind menu.
func (c *Cache) Empty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.list) == 0
}
