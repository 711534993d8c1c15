package external

import (
	"context"
	"sync"
	"time"

	"creditpanel/internal/types"
)

// NodeLister is the slice of the panel client the cache needs.
type NodeLister interface {
	ListNodes(ctx context.Context) ([]types.Node, error)
}

// NodeCache keeps the panel's node list for ttl. Reads of a fresh snapshot
// never touch the network; Refresh replaces the snapshot unconditionally.
type NodeCache struct {
	lister NodeLister
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	nodes     map[int64]types.Node
	fetchedAt time.Time
}

// NewNodeCache creates a NodeCache that refetches after ttl.
func NewNodeCache(lister NodeLister, ttl time.Duration) *NodeCache {
	return &NodeCache{lister: lister, ttl: ttl, now: time.Now}
}

// Refresh reloads the node list. On failure the previous snapshot is kept.
func (c *NodeCache) Refresh(ctx context.Context) (int, error) {
	nodes, err := c.lister.ListNodes(ctx)
	if err != nil {
		return 0, err
	}
	byID := make(map[int64]types.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	c.mu.Lock()
	c.nodes, c.fetchedAt = byID, c.now()
	c.mu.Unlock()
	return len(byID), nil
}

func (c *NodeCache) stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodes == nil || c.now().Sub(c.fetchedAt) > c.ttl
}

// Get returns a node, refreshing first if the snapshot is stale.
func (c *NodeCache) Get(ctx context.Context, id int64) (types.Node, bool, error) {
	if c.stale() {
		if _, err := c.Refresh(ctx); err != nil {
			return types.Node{}, false, err
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	return n, ok, nil
}
