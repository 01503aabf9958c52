package tier

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stackmemory/stackmemory/internal/config"
	"github.com/stackmemory/stackmemory/internal/types"
)

// PromotionCache keeps decoded snapshots of frequently accessed cold frames
// in memory. Promotion never rewrites the stored tier; it only short-cuts
// the hot retrieval path.
type PromotionCache struct {
	snapshots *lru.Cache[string, *types.FrameSnapshot]

	mu       sync.Mutex
	accesses map[string][]time.Time
}

// NewPromotionCache creates a cache bounded to size entries
func NewPromotionCache(size int) *PromotionCache {
	if size <= 0 {
		size = 256
	}
	cache, _ := lru.New[string, *types.FrameSnapshot](size)
	return &PromotionCache{
		snapshots: cache,
		accesses:  make(map[string][]time.Time),
	}
}

// RecordAccess notes one access and reports whether the frame has crossed
// the promotion threshold: more than N accesses inside the rolling window.
func (c *PromotionCache) RecordAccess(frameID string) bool {
	threshold := config.GetInt("tier.promotion-accesses")
	window := config.GetDuration("tier.promotion-window")
	now := time.Now()
	cutoff := now.Add(-window)

	c.mu.Lock()
	defer c.mu.Unlock()

	recent := c.accesses[frameID][:0]
	for _, at := range c.accesses[frameID] {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}
	recent = append(recent, now)
	c.accesses[frameID] = recent

	return len(recent) > threshold
}

// Get returns a cached snapshot if present
func (c *PromotionCache) Get(frameID string) (*types.FrameSnapshot, bool) {
	return c.snapshots.Get(frameID)
}

// Put caches a decoded snapshot
func (c *PromotionCache) Put(frameID string, snapshot *types.FrameSnapshot) {
	c.snapshots.Add(frameID, snapshot)
}

// Len returns the number of cached snapshots
func (c *PromotionCache) Len() int {
	return c.snapshots.Len()
}
