// Package cache holds the in-process read-through cache for agent mappings.
// Consent prompts resolve the agent on every call event; the mapping table
// changes rarely, so hits are served from memory.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"github.com/SableAI/sable-call-service/internal/domain"
	"github.com/SableAI/sable-call-service/pkg/logger"
)

const defaultMappingTTL = 5 * time.Minute

// MappingSource loads mappings on cache miss.
type MappingSource interface {
	GetByOrgAndAgent(ctx context.Context, orgID, agentRef string) (*domain.AgentMapping, error)
}

type mappingEntry struct {
	// mapping is nil for a cached miss. Unmapped agents are the common case
	// in orgs that only enroll part of their team, so misses are cached too.
	mapping   *domain.AgentMapping
	fetchedAt time.Time
}

// MappingCache is a TTL cache over the agent mapping table, safe for
// concurrent use.
type MappingCache struct {
	source  MappingSource
	ttl     time.Duration
	mutex   sync.RWMutex
	entries map[string]mappingEntry
}

func NewMappingCache(source MappingSource, ttl time.Duration) *MappingCache {
	if ttl <= 0 {
		ttl = defaultMappingTTL
	}
	return &MappingCache{
		source:  source,
		ttl:     ttl,
		entries: make(map[string]mappingEntry),
	}
}

// Lookup returns the mapping for the agent, or (nil, nil) when the agent has
// no Slack mapping. Results are copies; callers can mutate them freely.
func (c *MappingCache) Lookup(ctx context.Context, orgID, agentRef string) (*domain.AgentMapping, error) {
	key := orgID + "|" + agentRef

	c.mutex.RLock()
	entry, ok := c.entries[key]
	c.mutex.RUnlock()
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return copyMapping(entry.mapping), nil
	}

	mapping, err := c.source.GetByOrgAndAgent(ctx, orgID, agentRef)
	if err != nil {
		return nil, err
	}

	c.mutex.Lock()
	c.entries[key] = mappingEntry{mapping: copyMapping(mapping), fetchedAt: time.Now()}
	c.mutex.Unlock()

	return copyMapping(mapping), nil
}

// Invalidate drops one entry, for callers that just changed the mapping.
func (c *MappingCache) Invalidate(orgID, agentRef string) {
	c.mutex.Lock()
	delete(c.entries, orgID+"|"+agentRef)
	c.mutex.Unlock()
}

// Purge empties the cache.
func (c *MappingCache) Purge() {
	c.mutex.Lock()
	c.entries = make(map[string]mappingEntry)
	c.mutex.Unlock()
}

// Len reports the number of cached entries, including cached misses.
func (c *MappingCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.entries)
}

// copyMapping deep copies via copier so new fields stay covered without
// touching this function.
func copyMapping(original *domain.AgentMapping) *domain.AgentMapping {
	if original == nil {
		return nil
	}
	var copied domain.AgentMapping
	if err := copier.CopyWithOption(&copied, original, copier.Option{DeepCopy: true}); err != nil {
		logger.Base().Warn("Failed to copy agent mapping", zap.Error(err))
		return original
	}
	return &copied
}
