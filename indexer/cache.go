package indexer

import (
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/zhishengyuan/searchgram-index/models"
	"github.com/zhishengyuan/searchgram-index/query"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 5 * time.Minute
)

// resultCache keeps recent search results until the next write. A nil cache is disabled.
type resultCache struct {
	lru *expirable.LRU[string, *models.SearchResult]

	mu  sync.Mutex // orders add against purge
	gen uint64     // bumped on every purge
}

func newResultCache(opts CacheOptions) *resultCache {
	if !opts.Enabled {
		return nil
	}
	if opts.Size <= 0 {
		opts.Size = defaultCacheSize
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultCacheTTL
	}
	return &resultCache{
		lru: expirable.NewLRU[string, *models.SearchResult](opts.Size, nil, opts.TTL),
	}
}

func cacheKey(q query.Query, pageLen, pageNum int) string {
	return q.String() + "|" + strconv.Itoa(pageLen) + "|" + strconv.Itoa(pageNum)
}

func (c *resultCache) get(key string) (*models.SearchResult, bool) {
	if c == nil {
		return nil, false
	}
	result, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return copyResult(result), true
}

func (c *resultCache) generation() uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// add stores result unless a write purged the cache after generation was read
func (c *resultCache) add(key string, result *models.SearchResult, generation uint64) {
	if c == nil {
		return
	}
	copied := copyResult(result)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != generation {
		return
	}
	c.lru.Add(key, copied)
}

func (c *resultCache) purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.lru.Purge()
}

func (c *resultCache) size() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

func copyResult(r *models.SearchResult) *models.SearchResult {
	copied := *r
	copied.Hits = append([]models.SearchHit(nil), r.Hits...)
	return &copied
}
