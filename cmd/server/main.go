package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"searchweave/internal/api"
	"searchweave/internal/app/reindex"
	"searchweave/internal/db/opensearch"
	"searchweave/internal/db/postgres"
	redisdb "searchweave/internal/db/redis"
	"searchweave/internal/domain/index"
	"searchweave/internal/domain/retrieval"
	"searchweave/internal/platform/config"
	applog "searchweave/internal/platform/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		os.Exit(1)
	}

	applog.Init(applog.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		applog.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeSeconds) * time.Second)

	if err := db.Ping(); err != nil {
		applog.Fatalf("❌ Failed to ping database: %v", err)
	}
	applog.Info("✅ Connected to PostgreSQL")

	jobStore := postgres.NewJobStore(db)
	docSource := postgres.NewDocumentSource(db)

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer migrateCancel()
	if err := jobStore.EnsureJobTable(migrateCtx); err != nil {
		applog.Fatalf("❌ Failed to ensure reindex_jobs table: %v", err)
	}
	applog.Info("✅ Reindex jobs table ready")
	if err := docSource.EnsureDocumentTable(migrateCtx); err != nil {
		applog.Fatalf("❌ Failed to ensure documents table: %v", err)
	}
	applog.Info("✅ Documents table ready")

	opt, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		applog.Fatalf("❌ Invalid REDIS_URL: %v", err)
	}
	redisClient := goredis.NewClient(opt)
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		applog.Fatalf("❌ Redis connection failed: %v", err)
	}
	applog.Info("✅ Connected to Redis")
	lockStore := redisdb.NewLockStore(redisClient)

	indexCfg := &cfg.Index
	osClient := opensearch.NewClient(&cfg.OpenSearch, indexCfg.ActiveAlias())
	osCtx, osCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = osClient.Ping(osCtx)
	osCancel()
	if err != nil {
		applog.Fatalf("❌ OpenSearch ping failed: %v", err)
	}
	applog.Info("✅ Connected to OpenSearch")

	if err := ensureSearchInfra(context.Background(), osClient, indexCfg); err != nil {
		applog.Warnf("⚠️  Failed to ensure search indices: %v", err)
	}

	registry := index.NewReprocessRegistry(indexCfg.ChunkSize, indexCfg.ChunkOverlap)
	applog.Infof("✅ Reprocessor registry initialized (types: %s)", registry.SupportedTypes())

	orch := index.NewOrchestrator(osClient, lockStore, jobStore, docSource, registry, indexCfg)
	runner := reindex.NewRunner(orch, jobStore, indexCfg.PollInterval())

	resumeCtx, resumeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = runner.Resume(resumeCtx)
	resumeCancel()
	if err != nil {
		applog.Warnf("⚠️  Failed to resume orphaned reindex job: %v", err)
	}

	slicer := retrieval.NewSlicer(osClient, time.Duration(cfg.Retrieval.DefaultSliceTimeoutMs)*time.Millisecond)
	merger := retrieval.NewMerger()

	var searchCache *redisdb.SearchCache
	if cfg.Retrieval.HasCache() {
		searchCache = redisdb.NewSearchCache(redisClient, cfg.Retrieval.CacheTTLSeconds)
		runner.SetOnComplete(func(jobID string) {
			// 索引已切换，缓存里的结果全部过期
			searchCache.InvalidateAll(context.Background())
		})
		applog.Infof("✅ Search cache initialized (TTL: %ds)", cfg.Retrieval.CacheTTLSeconds)
	}

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	serverConfig.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	server := api.NewServer(serverConfig, runner, slicer, merger, &cfg.Retrieval)
	if searchCache != nil {
		server.SetSearchCache(searchCache)
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		applog.Info("🔄 Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Stop(ctx); err != nil {
			applog.Errorf("❌ Server shutdown error: %v", err)
		}
		// 在途 Step 结束后任务保持可恢复，下次启动由 Resume 接管
		runner.Close()
	}()

	if err := server.Start(); err != nil && err.Error() != "http: Server closed" {
		applog.Fatalf("❌ Server error: %v", err)
	}

	applog.Info("👋 Server stopped")
}

// ensureSearchInfra 保证规范分块索引和 active 别名存在。
// 空集群首次启动时创建一个初始代索引并把别名指过去，保证查询路径随时可用。
func ensureSearchInfra(ctx context.Context, client *opensearch.Client, cfg *index.Config) error {
	if err := ensureIndex(ctx, client, cfg.ChunkSourceIndex()); err != nil {
		return fmt.Errorf("ensure chunk source index: %w", err)
	}

	active, err := client.ActiveIndex(ctx, cfg.ActiveAlias())
	if err != nil {
		return fmt.Errorf("resolve active alias: %w", err)
	}
	if active != "" {
		applog.Infof("✅ Active index: %s (alias: %s)", active, cfg.ActiveAlias())
		return nil
	}

	initial := cfg.IndexPrefix + "_v_initial"
	if err := ensureIndex(ctx, client, initial); err != nil {
		return fmt.Errorf("create initial index: %w", err)
	}
	if err := client.SwapActiveIndex(ctx, cfg.ActiveAlias(), "", initial); err != nil {
		return fmt.Errorf("bind active alias: %w", err)
	}
	applog.Infof("✅ Initial index created and aliased (%s -> %s)", cfg.ActiveAlias(), initial)
	return nil
}

func ensureIndex(ctx context.Context, client *opensearch.Client, indexID string) error {
	exists, err := client.IndexExists(ctx, indexID)
	if err != nil || exists {
		return err
	}
	return client.CreateIndex(ctx, indexID)
}
