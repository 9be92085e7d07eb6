package retrieval

import (
	"context"
	"time"
)

// RetrievalSlice 一次逻辑查询中的一路并行切片。过滤表达式由上游生成，
// 这里只消费。Filter 为 nil 表示无过滤（裸相似度）切片。
type RetrievalSlice struct {
	SliceID    string            `json:"slice_id"`
	Filter     map[string]string `json:"filter,omitempty"`
	TimeoutMs  int               `json:"timeout_ms,omitempty"`
	Priority   int               `json:"priority"` // 数值越小优先级越高，约定过滤切片在前
	ScoreBoost float64           `json:"score_boost,omitempty"`
}

// Timeout 切片超时，未设置时由 Slicer 填默认值
func (s *RetrievalSlice) Timeout(def time.Duration) time.Duration {
	if s.TimeoutMs > 0 {
		return time.Duration(s.TimeoutMs) * time.Millisecond
	}
	return def
}

// Filtered 是否为过滤切片
func (s *RetrievalSlice) Filtered() bool {
	return len(s.Filter) > 0
}

// ScoredChunk 单个切片返回的一条命中。仅存活于一次查询期间。
type ScoredChunk struct {
	ChunkID       string  `json:"chunk_id"`
	DocumentID    string  `json:"document_id"`
	Snippet       string  `json:"snippet"`
	RawScore      float64 `json:"raw_score"`
	BoostedScore  float64 `json:"boosted_score"`
	OriginSliceID string  `json:"origin_slice_id"`
}

// MergedResult 合并后的最终结果：按 BoostedScore 降序、去重、不超过 cap。
type MergedResult struct {
	Chunks    []ScoredChunk `json:"chunks"`
	ElapsedMs int64         `json:"elapsed_ms"`
}

// Config 检索模块配置
type Config struct {
	DefaultTopK           int `json:"default_top_k"`
	DefaultMinPerSlice    int `json:"default_min_per_slice"`
	DefaultSliceTimeoutMs int `json:"default_slice_timeout_ms"`
	CacheTTLSeconds       int `json:"cache_ttl_seconds"` // 0 关闭结果缓存
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		DefaultTopK:           10,
		DefaultMinPerSlice:    2,
		DefaultSliceTimeoutMs: 2000,
		CacheTTLSeconds:       300,
	}
}

// HasCache 是否启用结果缓存
func (c *Config) HasCache() bool {
	return c.CacheTTLSeconds > 0
}

// CacheRequest 结果缓存的 key 要素：同样的查询 + 切片组合命中同一条缓存。
type CacheRequest struct {
	Query       string
	Slices      []RetrievalSlice
	TopK        int
	MinPerSlice int
}

// ResultCache 合并结果缓存。active 索引切换后整体失效。
type ResultCache interface {
	Get(ctx context.Context, req *CacheRequest) (*MergedResult, bool)
	Set(ctx context.Context, req *CacheRequest, result *MergedResult)
	InvalidateAll(ctx context.Context)
}
