package grants

import (
	"context"
	"sync"

	"github.com/Mindburn-Labs/ndagate/pkg/contracts"
)

type cacheKey struct{}

type pair struct {
	grantee string
	asset   string
}

// checkCache memoizes grant lookups for the lifetime of one context.
type checkCache struct {
	mu      sync.Mutex
	entries map[pair]*contracts.AccessGrant
}

// WithCheckCache returns a context whose access checks share one lookup per
// (grantee, asset). The memo dies with the context; never attach it to a
// context that outlives a single inbound request.
func WithCheckCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheKey{}, &checkCache{entries: make(map[pair]*contracts.AccessGrant)})
}

func cacheFrom(ctx context.Context) *checkCache {
	c, _ := ctx.Value(cacheKey{}).(*checkCache)
	return c
}

func (c *checkCache) get(grantee, asset string) (*contracts.AccessGrant, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.entries[pair{grantee, asset}]
	return g, ok
}

func (c *checkCache) put(grantee, asset string, g *contracts.AccessGrant) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[pair{grantee, asset}] = g
}
