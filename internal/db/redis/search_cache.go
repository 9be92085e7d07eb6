package redisdb

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"searchweave/internal/domain/retrieval"
	applog "searchweave/internal/platform/log"
)

// SearchCache 合并检索结果的 Redis 缓存。
// TTL 之外，重建任务完成（active 索引切换）时整体失效。
type SearchCache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
}

// NewSearchCache 创建检索缓存
func NewSearchCache(rdb *redis.Client, ttlSeconds int) *SearchCache {
	ttl := 5 * time.Minute
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return &SearchCache{
		redis:  rdb,
		ttl:    ttl,
		prefix: "search:cache:",
	}
}

// Get 从缓存获取合并结果
func (c *SearchCache) Get(ctx context.Context, req *retrieval.CacheRequest) (*retrieval.MergedResult, bool) {
	key := c.cacheKey(req)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	var result retrieval.MergedResult
	if err := json.Unmarshal(data, &result); err != nil {
		applog.Warn("[Retrieval/Cache] Failed to unmarshal cached result", "error", err)
		return nil, false
	}

	applog.Debug("[Retrieval/Cache] Hit", "key", key)
	return &result, true
}

// Set 写入合并结果到缓存
func (c *SearchCache) Set(ctx context.Context, req *retrieval.CacheRequest, result *retrieval.MergedResult) {
	key := c.cacheKey(req)
	data, err := json.Marshal(result)
	if err != nil {
		return
	}

	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		applog.Warn("[Retrieval/Cache] Failed to set cache", "key", key, "error", err)
	}
}

// InvalidateAll 清除所有检索缓存（active 索引切换后调用）
func (c *SearchCache) InvalidateAll(ctx context.Context) {
	pattern := c.prefix + "*"
	iter := c.redis.Scan(ctx, 0, pattern, 500).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		c.redis.Del(ctx, keys...)
		applog.Info("[Retrieval/Cache] All cache invalidated", "keys_deleted", len(keys))
	}
}

// cacheKey 生成缓存 key = hash(query + topK + minPerSlice + 切片规格)。
// 切片按 SliceID 排序，filter 按键排序，保证等价请求命中同一条。
func (c *SearchCache) cacheKey(req *retrieval.CacheRequest) string {
	specs := make([]string, 0, len(req.Slices))
	for _, s := range req.Slices {
		filterKeys := make([]string, 0, len(s.Filter))
		for k := range s.Filter {
			filterKeys = append(filterKeys, k)
		}
		sort.Strings(filterKeys)
		var filter strings.Builder
		for _, k := range filterKeys {
			fmt.Fprintf(&filter, "%s=%s;", k, s.Filter[k])
		}
		specs = append(specs, fmt.Sprintf("%s:%d:%.3f:%s", s.SliceID, s.Priority, s.ScoreBoost, filter.String()))
	}
	sort.Strings(specs)

	raw := fmt.Sprintf("%s|%d|%d|%s",
		req.Query,
		req.TopK,
		req.MinPerSlice,
		strings.Join(specs, ","),
	)

	hash := sha256.Sum256([]byte(raw))
	return c.prefix + fmt.Sprintf("%x", hash[:12])
}
