package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"kapture_back/cache"

	"github.com/redis/go-redis/v9"
)

const (
	searchCacheTTL     = 60 * time.Second
	searchCacheTimeout = 300 * time.Millisecond
)

// responseCache holds recently computed search responses. Implementations
// must be safe to call with a nil receiver.
type responseCache interface {
	get(ctx context.Context, query string, limit int, minSimilarity float64) (*SearchResponse, bool)
	store(ctx context.Context, query string, limit int, minSimilarity float64, response *SearchResponse)
	invalidate(ctx context.Context)
}

// searchCache keeps recently computed search responses in Redis so repeated
// queries skip the embedding call and the chunk scan. Any source mutation
// flushes it.
type searchCache struct {
	client *redis.Client
}

func newSearchCache(client *redis.Client) *searchCache {
	if client == nil {
		return nil
	}
	return &searchCache{client: client}
}

func (c *searchCache) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), searchCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= searchCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, searchCacheTimeout)
}

func (c *searchCache) key(query string, limit int, minSimilarity float64) string {
	digest := sha256.Sum256([]byte(query))
	return cache.Key("knowledge", "search", fmt.Sprintf("%s:%d:%.4f", hex.EncodeToString(digest[:8]), limit, minSimilarity))
}

func (c *searchCache) get(ctx context.Context, query string, limit int, minSimilarity float64) (*SearchResponse, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	data, err := c.client.Get(ctx, c.key(query, limit, minSimilarity)).Bytes()
	if err != nil {
		return nil, false
	}

	var response SearchResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, false
	}
	return &response, true
}

func (c *searchCache) store(ctx context.Context, query string, limit int, minSimilarity float64, response *SearchResponse) {
	if c == nil || c.client == nil || response == nil {
		return
	}

	payload, err := json.Marshal(response)
	if err != nil {
		log.Printf("knowledge: marshal search cache payload failed: %v", err)
		return
	}

	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	if err := c.client.Set(ctx, c.key(query, limit, minSimilarity), payload, searchCacheTTL).Err(); err != nil {
		log.Printf("knowledge: store search cache failed: %v", err)
	}
}

// invalidate drops all cached search responses. Called after every source
// mutation so stale visibility never leaks through the cache.
func (c *searchCache) invalidate(ctx context.Context) {
	if c == nil || c.client == nil {
		return
	}

	ctx, cancel := c.cacheContext(ctx)
	defer cancel()

	iter := c.client.Scan(ctx, 0, cache.Key("knowledge", "search", "*"), 256).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		log.Printf("knowledge: scan search cache keys failed: %v", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		log.Printf("knowledge: invalidate search cache failed: %v", err)
	}
}
