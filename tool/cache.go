package tool

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheTTL = 5 * time.Minute
)

// resultCache memoizes outputs of idempotent tools keyed by
// name@version plus the canonical JSON input.
type resultCache struct {
	lru *expirable.LRU[string, json.RawMessage]
}

func newResultCache(size int, ttl time.Duration) *resultCache {
	if size <= 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &resultCache{lru: expirable.NewLRU[string, json.RawMessage](size, nil, ttl)}
}

func (c *resultCache) get(key string) (json.RawMessage, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(key)
}

func (c *resultCache) add(key string, out json.RawMessage) {
	if c == nil {
		return
	}
	c.lru.Add(key, bytes.Clone(out))
}

func (c *resultCache) len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// cacheKey canonicalizes input by decoding and re-encoding it; encoding/json
// sorts object keys so semantically equal inputs share a key.
func cacheKey(toolKey string, input json.RawMessage) string {
	var v any
	if len(bytes.TrimSpace(input)) == 0 {
		return toolKey + ":{}"
	}
	if err := json.Unmarshal(input, &v); err != nil {
		return toolKey + ":" + string(input)
	}
	canon, err := json.Marshal(v)
	if err != nil {
		return toolKey + ":" + string(input)
	}
	return toolKey + ":" + string(canon)
}
