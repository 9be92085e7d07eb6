package index

import (
	"context"
	"time"
)

// IndexService defines the operations the orchestrator needs from the search backend.
type IndexService interface {
	Ping(ctx context.Context) error
	CreateIndex(ctx context.Context, indexID string) error
	IndexExists(ctx context.Context, indexID string) (bool, error)
	// DeleteIndex 幂等：索引不存在时为 no-op
	DeleteIndex(ctx context.Context, indexID string) error
	BulkIndex(ctx context.Context, indexID string, chunks []ChunkDocument) error
	// StartIngestion 启动异步灌入（sourceSelector -> indexID），立即返回任务 ID
	StartIngestion(ctx context.Context, indexID, sourceSelector string) (string, error)
	// StartFinalize 启动异步收尾（refresh + forcemerge），立即返回任务 ID
	StartFinalize(ctx context.Context, indexID string) (string, error)
	GetIngestionStatus(ctx context.Context, taskID string) (*IngestionStatus, error)
	// ActiveIndex 返回别名当前指向的索引，别名不存在时返回空串
	ActiveIndex(ctx context.Context, alias string) (string, error)
	// SwapActiveIndex 原子切换别名指向
	SwapActiveIndex(ctx context.Context, alias, oldIndexID, newIndexID string) error
}

// LockStore defines the conditional-write lock used for single-flight reindexing.
type LockStore interface {
	// Acquire 仅在锁不存在或已过期时成功
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Refresh 仅在 owner 匹配时续期
	Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release 仅在 owner 匹配时删除
	Release(ctx context.Context, key, owner string) error
}

// JobStore 持久化 ReindexJob。每次状态转移在下一步开始前写回（checkpoint）。
type JobStore interface {
	CreateJob(ctx context.Context, job *ReindexJob) error
	UpdateJob(ctx context.Context, job *ReindexJob) error
	GetJob(ctx context.Context, id string) (*ReindexJob, error)
	// ActiveJob 返回唯一的非终态任务，不存在时返回 (nil, nil)
	ActiveJob(ctx context.Context) (*ReindexJob, error)
	RequestCancel(ctx context.Context, id string) error
}

// DocumentSource 重建时读取的文档源。
type DocumentSource interface {
	CountDocuments(ctx context.Context) (int, error)
	// ListDocuments 按 ID 升序返回 afterID 之后的一批文档
	ListDocuments(ctx context.Context, afterID string, limit int) ([]SourceDocument, error)
}
