package store

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ronappleton/growth-orchestrator/internal/workflow"
)

// DefinitionCache fronts Gateway.GetDefinition. Entries expire after ttl so
// edited definitions are picked up without a restart.
type DefinitionCache struct {
	gw    Gateway
	cache *expirable.LRU[string, workflow.Definition]
}

func NewDefinitionCache(gw Gateway, size int, ttl time.Duration) *DefinitionCache {
	if size <= 0 {
		size = 128
	}
	return &DefinitionCache{
		gw:    gw,
		cache: expirable.NewLRU[string, workflow.Definition](size, nil, ttl),
	}
}

func (c *DefinitionCache) Get(ctx context.Context, workflowType string) (workflow.Definition, error) {
	if def, ok := c.cache.Get(workflowType); ok {
		return def, nil
	}
	def, err := c.gw.GetDefinition(ctx, workflowType)
	if err != nil {
		return workflow.Definition{}, err
	}
	c.cache.Add(workflowType, def)
	return def, nil
}

func (c *DefinitionCache) Invalidate(workflowType string) {
	c.cache.Remove(workflowType)
}

func (c *DefinitionCache) Purge() {
	c.cache.Purge()
}
