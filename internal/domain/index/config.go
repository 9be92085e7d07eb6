package index

import "time"

// Config 重建模块配置
type Config struct {
	IndexPrefix string `json:"index_prefix"`

	// 轮询与等待
	PollIntervalSeconds int `json:"poll_interval_seconds"`
	MaxSyncWaitSeconds  int `json:"max_sync_wait_seconds"`

	// 锁
	LockKey        string `json:"lock_key"`
	LockTTLSeconds int    `json:"lock_ttl_seconds"`

	// PROCESSING 阶段
	BatchSize        int     `json:"batch_size"`
	DispatchParallel int     `json:"dispatch_parallel"`
	MaxErrorRatio    float64 `json:"max_error_ratio"` // 超过则任务 FAILED
	MaxErrorMessages int     `json:"max_error_messages"`

	// 步骤内瞬时错误重试
	RetryAttempts       int `json:"retry_attempts"`
	RetryBackoffSeconds int `json:"retry_backoff_seconds"`

	// 重建时的分块参数
	ChunkSize    int `json:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		IndexPrefix:         "searchweave",
		PollIntervalSeconds: 30,
		MaxSyncWaitSeconds:  3600,
		LockKey:             "reindex:lock",
		LockTTLSeconds:      120, // 必须大于一个轮询间隔
		BatchSize:           100,
		DispatchParallel:    4,
		MaxErrorRatio:       0.5,
		MaxErrorMessages:    20,
		RetryAttempts:       3,
		RetryBackoffSeconds: 1,
		ChunkSize:           800,
		ChunkOverlap:        100,
	}
}

// PollInterval 轮询间隔
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// MaxSyncWait sync 最大总等待
func (c *Config) MaxSyncWait() time.Duration {
	return time.Duration(c.MaxSyncWaitSeconds) * time.Second
}

// LockTTL 锁有效期
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// RetryBackoff 重试退避基数
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSeconds) * time.Second
}

// ChunkSourceIndex 规范分块索引名（ingestion 的 source）
func (c *Config) ChunkSourceIndex() string {
	return c.IndexPrefix + "_chunks_source"
}

// ActiveAlias 查询别名（active index 指针）
func (c *Config) ActiveAlias() string {
	return c.IndexPrefix + "_active"
}

// GenerationIndex 某次重建任务的目标索引名
func (c *Config) GenerationIndex(jobID string) string {
	suffix := jobID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return c.IndexPrefix + "_v_" + suffix
}
