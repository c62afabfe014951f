package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/malbeclabs/analyst/pkg/metrics"
)

const DefaultCacheTTL = time.Hour

// CachingClient memoizes identical requests. Only successful responses are
// stored. The cost of an entry is the length of its text.
type CachingClient struct {
	next  Client
	cache *ristretto.Cache
	ttl   time.Duration
}

func NewCachingClient(next Client, maxCostBytes int64, ttl time.Duration) (*CachingClient, error) {
	if maxCostBytes <= 0 {
		maxCostBytes = 64 << 20
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create llm cache: %w", err)
	}
	return &CachingClient{next: next, cache: cache, ttl: ttl}, nil
}

func (c *CachingClient) Complete(ctx context.Context, req Request) (*Response, error) {
	key := cacheKey(req)
	if val, ok := c.cache.Get(key); ok {
		metrics.LLMCacheTotal.WithLabelValues("hit").Inc()
		resp := *val.(*Response)
		resp.Cached = true
		return &resp, nil
	}
	metrics.LLMCacheTotal.WithLabelValues("miss").Inc()

	resp, err := c.next.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	stored := *resp
	c.cache.SetWithTTL(key, &stored, int64(len(stored.Text))+1, c.ttl)
	return resp, nil
}

// Wait blocks until pending cache writes are applied.
func (c *CachingClient) Wait() { c.cache.Wait() }

func (c *CachingClient) Close() { c.cache.Close() }

func cacheKey(req Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%s\x00%s", req.Model, req.MaxTokens, req.System, req.User)
	return hex.EncodeToString(h.Sum(nil))
}
