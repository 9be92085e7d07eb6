package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"searchweave/internal/db/opensearch"
	"searchweave/internal/domain/index"
	"searchweave/internal/domain/retrieval"
)

// AppConfig 全局配置。启动时统一加载，再按模块提取使用。
type AppConfig struct {
	LogLevel   string            `json:"log_level"`
	LogFormat  string            `json:"log_format"`
	Server     ServerConfig      `json:"server"`
	Database   DatabaseConfig    `json:"database"`
	Redis      RedisConfig       `json:"redis"`
	OpenSearch opensearch.Config `json:"opensearch"`
	Index      index.Config      `json:"index"`
	Retrieval  retrieval.Config  `json:"retrieval"`
}

type ServerConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	URL                    string `json:"url"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// Default 返回默认配置。
func Default() *AppConfig {
	indexCfg := index.DefaultConfig()
	retrievalCfg := retrieval.DefaultConfig()
	return &AppConfig{
		LogLevel:  "info",
		LogFormat: "text",
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 60,
		},
		Database: DatabaseConfig{
			MaxOpenConns:           25,
			MaxIdleConns:           5,
			ConnMaxLifetimeSeconds: 300,
		},
		OpenSearch: opensearch.Config{
			URL:            "http://localhost:9200",
			TimeoutSeconds: 30,
		},
		Index:     *indexCfg,
		Retrieval: *retrievalCfg,
	}
}

// Load 加载全局配置：默认值 -> 配置文件 -> 环境变量。
// 配置文件路径通过 APP_CONFIG_FILE 指定（JSON）。
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		// .env 非必需，忽略错误
	}

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read APP_CONFIG_FILE %q failed: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)

	applyString("HOST", &c.Server.Host)
	applyInt("PORT", &c.Server.Port)
	applyInt("SERVER_READ_TIMEOUT", &c.Server.ReadTimeoutSeconds)
	applyInt("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeoutSeconds)

	applyString("DATABASE_URL", &c.Database.URL)
	applyInt("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	applyInt("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	applyInt("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetimeSeconds)

	applyString("REDIS_URL", &c.Redis.URL)

	applyString("OPENSEARCH_URL", &c.OpenSearch.URL)
	applyString("OPENSEARCH_USERNAME", &c.OpenSearch.Username)
	applyString("OPENSEARCH_PASSWORD", &c.OpenSearch.Password)
	applyInt("OPENSEARCH_TIMEOUT", &c.OpenSearch.TimeoutSeconds)
	applyBool("OPENSEARCH_INSECURE_TLS", &c.OpenSearch.InsecureTLS)

	// 重建模块
	applyString("INDEX_PREFIX", &c.Index.IndexPrefix)
	applyInt("REINDEX_POLL_INTERVAL", &c.Index.PollIntervalSeconds)
	applyInt("REINDEX_MAX_SYNC_WAIT", &c.Index.MaxSyncWaitSeconds)
	applyString("REINDEX_LOCK_KEY", &c.Index.LockKey)
	applyInt("REINDEX_LOCK_TTL", &c.Index.LockTTLSeconds)
	applyInt("REINDEX_BATCH_SIZE", &c.Index.BatchSize)
	applyInt("REINDEX_DISPATCH_PARALLEL", &c.Index.DispatchParallel)
	applyFloat64("REINDEX_MAX_ERROR_RATIO", &c.Index.MaxErrorRatio)
	applyInt("REINDEX_MAX_ERROR_MESSAGES", &c.Index.MaxErrorMessages)
	applyInt("REINDEX_RETRY_ATTEMPTS", &c.Index.RetryAttempts)
	applyInt("REINDEX_RETRY_BACKOFF", &c.Index.RetryBackoffSeconds)
	applyInt("REINDEX_CHUNK_SIZE", &c.Index.ChunkSize)
	applyInt("REINDEX_CHUNK_OVERLAP", &c.Index.ChunkOverlap)

	// 检索模块
	applyInt("RETRIEVAL_DEFAULT_TOP_K", &c.Retrieval.DefaultTopK)
	applyInt("RETRIEVAL_MIN_PER_SLICE", &c.Retrieval.DefaultMinPerSlice)
	applyInt("RETRIEVAL_SLICE_TIMEOUT_MS", &c.Retrieval.DefaultSliceTimeoutMs)
	applyInt("RETRIEVAL_CACHE_TTL", &c.Retrieval.CacheTTLSeconds)
}

func (c *AppConfig) normalize() {
	if c.Index.IndexPrefix == "" {
		c.Index.IndexPrefix = "searchweave"
	}
	if c.Index.LockTTLSeconds <= c.Index.PollIntervalSeconds {
		// 锁必须能活过一个轮询间隔，否则等待状态下锁会过期
		c.Index.LockTTLSeconds = c.Index.PollIntervalSeconds * 4
	}
}

func (c *AppConfig) validate() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if strings.TrimSpace(c.Redis.URL) == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if strings.TrimSpace(c.OpenSearch.URL) == "" {
		return fmt.Errorf("OPENSEARCH_URL is required")
	}
	if c.Index.MaxErrorRatio < 0 || c.Index.MaxErrorRatio > 1 {
		return fmt.Errorf("REINDEX_MAX_ERROR_RATIO must be within [0, 1]")
	}
	return nil
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func applyFloat64(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*target = n
		}
	}
}

func applyBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}
