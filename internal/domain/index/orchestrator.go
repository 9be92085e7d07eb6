package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	applog "searchweave/internal/platform/log"
)

// Orchestrator 驱动全量重建的持久化状态机。
//
// 关键约束：底层 sync 可能远超单次执行的时间预算，因此等待不允许在
// 一次调用内部阻塞。Step 每次只执行一个状态转移（单次有界调用 +
// checkpoint），WAITING_* 状态由调度方按间隔重入。崩溃/重启后从
// JobStore 中最后一次 checkpoint 的状态继续，而不是重跑整个流程。
//
// 安全不变式：finalize-sync 确认新索引完全一致之前，绝不翻转 active
// 别名、绝不删除旧索引。SWAPPING 之前任何一步失败，旧索引仍然在服。
type Orchestrator struct {
	svc      IndexService
	lock     LockStore
	jobs     JobStore
	source   DocumentSource
	registry *ReprocessRegistry
	poller   *SyncPoller
	cfg      *Config

	owner string // 锁持有者标识（运行实例 ID）

	now func() time.Time
}

// NewOrchestrator 创建状态机
func NewOrchestrator(svc IndexService, lock LockStore, jobs JobStore, source DocumentSource, registry *ReprocessRegistry, cfg *Config) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Orchestrator{
		svc:      svc,
		lock:     lock,
		jobs:     jobs,
		source:   source,
		registry: registry,
		poller:   NewSyncPoller(svc),
		cfg:      cfg,
		owner:    uuid.New().String(),
		now:      time.Now,
	}
}

// Owner 返回本实例的锁持有者标识
func (o *Orchestrator) Owner() string {
	return o.owner
}

// Start 启动一次重建：抢锁 -> 创建 PENDING 任务。
// 已有任务在运行时立即返回 ErrLockContention，不改动任何状态。
func (o *Orchestrator) Start(ctx context.Context) (*ReindexJob, error) {
	acquired, err := o.lock.Acquire(ctx, o.cfg.LockKey, o.owner, o.cfg.LockTTL())
	if err != nil {
		return nil, fmt.Errorf("acquire reindex lock: %w", err)
	}
	if !acquired {
		return nil, ErrLockContention
	}

	job := &ReindexJob{
		ID:        uuid.New().String(),
		Status:    StatusPending,
		StartTime: o.now(),
	}

	if err := o.jobs.CreateJob(ctx, job); err != nil {
		// 任务都没建起来，锁不能悬着
		if rerr := o.lock.Release(ctx, o.cfg.LockKey, o.owner); rerr != nil {
			applog.Warn("[Reindex] Failed to release lock after job create failure", "error", rerr)
		}
		return nil, fmt.Errorf("create reindex job: %w", err)
	}

	applog.Info("[Reindex] Job started", "job_id", job.ID, "owner", o.owner)
	return job, nil
}

// Resume 接管一个非终态的孤儿任务（如本实例重启后）。
// 锁仍被其他存活实例持有时返回 ErrLockContention。
func (o *Orchestrator) Resume(ctx context.Context) (*ReindexJob, error) {
	job, err := o.jobs.ActiveJob(ctx)
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	if job == nil {
		return nil, nil
	}

	// 旧持有者的锁要么过期要么随实例一起消失，条件写抢回即可
	acquired, err := o.lock.Acquire(ctx, o.cfg.LockKey, o.owner, o.cfg.LockTTL())
	if err != nil {
		return nil, fmt.Errorf("re-acquire reindex lock: %w", err)
	}
	if !acquired {
		return nil, ErrLockContention
	}

	applog.Info("[Reindex] Job resumed",
		"job_id", job.ID,
		"status", job.Status,
		"owner", o.owner,
	)
	return job, nil
}

// Step 执行且仅执行一个状态转移，随后 checkpoint 并返回。
// WAITING_* 状态下一次 Step 只做一次有界轮询。
func (o *Orchestrator) Step(ctx context.Context, jobID string) (*ReindexJob, error) {
	job, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	// 每次成功步进都续锁，使锁的 TTL 始终覆盖到下一次轮询
	ok, err := o.lock.Refresh(ctx, o.cfg.LockKey, o.owner, o.cfg.LockTTL())
	if err != nil {
		return job, fmt.Errorf("refresh reindex lock: %w", err)
	}
	if !ok {
		// 锁已易主：本实例不再拥有任务，不标 FAILED 也不释放
		applog.Error("[Reindex] Lock no longer owned, abandoning job", "job_id", job.ID)
		return job, ErrLockLost
	}

	switch job.Status {
	case StatusPending:
		err = o.stepPending(ctx, job)
	case StatusCreatingIndex:
		err = o.stepCreatingIndex(ctx, job)
	case StatusProcessing:
		err = o.stepProcessing(ctx, job)
	case StatusWaitingSync:
		err = o.stepWaitingSync(ctx, job, job.IngestionTaskID, StatusFinalizing)
	case StatusFinalizing:
		err = o.stepFinalizing(ctx, job)
	case StatusWaitingFinalizeSync:
		err = o.stepWaitingSync(ctx, job, job.FinalizeTaskID, StatusSwapping)
	case StatusSwapping:
		err = o.stepSwapping(ctx, job)
	case StatusDeletingOld:
		err = o.stepDeletingOld(ctx, job)
	default:
		err = fmt.Errorf("unknown job status: %s", job.Status)
	}

	if err != nil {
		// 调度方停机不是任务失败：保持 checkpoint 原样，等待恢复后续跑
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return job, err
		}
		return o.fail(ctx, job, err)
	}

	if err := o.jobs.UpdateJob(ctx, job); err != nil {
		return job, fmt.Errorf("checkpoint job %s: %w", job.ID, err)
	}
	return job, nil
}

// stepPending 盘点文档、确定新旧索引，进入 CREATING_INDEX
func (o *Orchestrator) stepPending(ctx context.Context, job *ReindexJob) error {
	total, err := o.source.CountDocuments(ctx)
	if err != nil {
		return fmt.Errorf("count source documents: %w", err)
	}

	oldIndex, err := o.svc.ActiveIndex(ctx, o.cfg.ActiveAlias())
	if err != nil {
		return fmt.Errorf("resolve active index: %w", err)
	}

	job.TotalDocuments = total
	job.NewIndexID = o.cfg.GenerationIndex(job.ID)
	job.OldIndexID = oldIndex
	job.Status = StatusCreatingIndex

	applog.Info("[Reindex] Planning complete",
		"job_id", job.ID,
		"total_documents", total,
		"new_index", job.NewIndexID,
		"old_index", job.OldIndexID,
	)
	return nil
}

// stepCreatingIndex 创建新索引。幂等：重试转移时索引可能已存在。
func (o *Orchestrator) stepCreatingIndex(ctx context.Context, job *ReindexJob) error {
	exists, err := o.svc.IndexExists(ctx, job.NewIndexID)
	if err != nil {
		return fmt.Errorf("check new index existence: %w", err)
	}
	if !exists {
		err = o.withRetry(ctx, "create index", func() error {
			return o.svc.CreateIndex(ctx, job.NewIndexID)
		})
		if err != nil {
			return fmt.Errorf("create index %s: %w", job.NewIndexID, err)
		}
		applog.Info("[Reindex] Index created", "job_id", job.ID, "index", job.NewIndexID)
	} else {
		applog.Info("[Reindex] Index already exists, skipping create", "job_id", job.ID, "index", job.NewIndexID)
	}

	job.Status = StatusProcessing
	return nil
}

// stepProcessing 派发一批源文档重建。批间通过 Cursor checkpoint，
// 全部派发完成后启动 ingestion 并进入 WAITING_SYNC。
// 单文档失败只计数，不中断任务；派发结束时按 MaxErrorRatio 判定是否继续。
func (o *Orchestrator) stepProcessing(ctx context.Context, job *ReindexJob) error {
	if job.CancelRequested {
		return ErrJobCancelled
	}

	batch, err := o.source.ListDocuments(ctx, job.Cursor, o.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list source documents after %q: %w", job.Cursor, err)
	}

	if len(batch) == 0 {
		return o.startSync(ctx, job)
	}

	var (
		mu     sync.Mutex
		chunks []ChunkDocument
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.DispatchParallel)
	for i := range batch {
		doc := batch[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			docChunks, err := o.registry.Reprocess(&doc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				job.AppendError(fmt.Sprintf("document %s: %v", doc.ID, err), o.cfg.MaxErrorMessages)
				applog.Warn("[Reindex] Document reprocess failed", "job_id", job.ID, "doc_id", doc.ID, "error", err)
				return nil
			}
			chunks = append(chunks, docChunks...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("dispatch batch: %w", err)
	}

	if len(chunks) > 0 {
		err = o.withRetry(ctx, "bulk index", func() error {
			return o.svc.BulkIndex(ctx, o.cfg.ChunkSourceIndex(), chunks)
		})
		if err != nil {
			return fmt.Errorf("bulk index %d chunks: %w", len(chunks), err)
		}
	}

	job.ProcessedCount += len(batch)
	job.Cursor = batch[len(batch)-1].ID

	applog.Info("[Reindex] Batch dispatched",
		"job_id", job.ID,
		"batch", len(batch),
		"chunks", len(chunks),
		"processed", job.ProcessedCount,
		"errors", job.ErrorCount,
	)
	return nil
}

// startSync 派发收尾：错误率判定 + 启动异步 ingestion
func (o *Orchestrator) startSync(ctx context.Context, job *ReindexJob) error {
	if job.TotalDocuments > 0 {
		ratio := float64(job.ErrorCount) / float64(job.TotalDocuments)
		if ratio > o.cfg.MaxErrorRatio {
			return fmt.Errorf("%w: %d of %d documents failed (max ratio %.2f)",
				ErrTooManyDocumentErrors, job.ErrorCount, job.TotalDocuments, o.cfg.MaxErrorRatio)
		}
	}

	var taskID string
	err := o.withRetry(ctx, "start ingestion", func() error {
		var err error
		taskID, err = o.svc.StartIngestion(ctx, job.NewIndexID, o.cfg.ChunkSourceIndex())
		return err
	})
	if err != nil {
		return fmt.Errorf("start ingestion into %s: %w", job.NewIndexID, err)
	}

	now := o.now()
	job.IngestionTaskID = taskID
	job.SyncStartedAt = &now
	job.Status = StatusWaitingSync

	applog.Info("[Reindex] Ingestion started",
		"job_id", job.ID,
		"task_id", taskID,
		"errors", job.ErrorCount,
	)
	return nil
}

// stepWaitingSync 单次有界轮询；未完成则保持原状态等待调度方重入。
// WAITING_SYNC 与 WAITING_FINALIZE_SYNC 共用，区别只在任务 ID 和下一状态。
func (o *Orchestrator) stepWaitingSync(ctx context.Context, job *ReindexJob, taskID string, next JobStatus) error {
	if job.CancelRequested {
		return ErrJobCancelled
	}

	if job.SyncStartedAt != nil && o.now().Sub(*job.SyncStartedAt) > o.cfg.MaxSyncWait() {
		return fmt.Errorf("%w: task %s exceeded %s", ErrSyncTimeout, taskID, o.cfg.MaxSyncWait())
	}

	var status SyncStatus
	err := o.withRetry(ctx, "poll sync status", func() error {
		var err error
		status, _, err = o.poller.CheckStatus(ctx, taskID)
		return err
	})
	if err != nil {
		return err
	}

	switch status {
	case SyncComplete:
		job.Status = next
		applog.Info("[Reindex] Sync complete", "job_id", job.ID, "task_id", taskID, "next", next)
	case SyncFailed:
		return fmt.Errorf("sync task %s reported failure", taskID)
	case SyncInProgress:
		// 保持状态不变，等待下一次重入
	}
	return nil
}

// stepFinalizing 启动异步收尾操作
func (o *Orchestrator) stepFinalizing(ctx context.Context, job *ReindexJob) error {
	var taskID string
	err := o.withRetry(ctx, "start finalize", func() error {
		var err error
		taskID, err = o.svc.StartFinalize(ctx, job.NewIndexID)
		return err
	})
	if err != nil {
		return fmt.Errorf("start finalize for %s: %w", job.NewIndexID, err)
	}

	now := o.now()
	job.FinalizeTaskID = taskID
	job.SyncStartedAt = &now
	job.Status = StatusWaitingFinalizeSync

	applog.Info("[Reindex] Finalize started", "job_id", job.ID, "task_id", taskID)
	return nil
}

// stepSwapping 原子切换 active 别名。此刻起查询流量走新索引。
func (o *Orchestrator) stepSwapping(ctx context.Context, job *ReindexJob) error {
	err := o.withRetry(ctx, "swap active index", func() error {
		return o.svc.SwapActiveIndex(ctx, o.cfg.ActiveAlias(), job.OldIndexID, job.NewIndexID)
	})
	if err != nil {
		return fmt.Errorf("swap alias %s to %s: %w", o.cfg.ActiveAlias(), job.NewIndexID, err)
	}

	job.Status = StatusDeletingOld
	applog.Info("[Reindex] Active index swapped",
		"job_id", job.ID,
		"alias", o.cfg.ActiveAlias(),
		"new_index", job.NewIndexID,
	)
	return nil
}

// stepDeletingOld 删除旧索引。幂等：DeleteIndex 对不存在的索引为 no-op。
func (o *Orchestrator) stepDeletingOld(ctx context.Context, job *ReindexJob) error {
	if job.OldIndexID != "" && job.OldIndexID != job.NewIndexID {
		err := o.withRetry(ctx, "delete old index", func() error {
			return o.svc.DeleteIndex(ctx, job.OldIndexID)
		})
		if err != nil {
			return fmt.Errorf("delete old index %s: %w", job.OldIndexID, err)
		}
		applog.Info("[Reindex] Old index deleted", "job_id", job.ID, "index", job.OldIndexID)
	}

	o.complete(ctx, job)
	return nil
}

// complete 终态收尾：记时间戳并释放锁
func (o *Orchestrator) complete(ctx context.Context, job *ReindexJob) {
	now := o.now()
	job.Status = StatusCompleted
	job.CompletionTime = &now

	if err := o.lock.Release(ctx, o.cfg.LockKey, o.owner); err != nil {
		applog.Warn("[Reindex] Failed to release lock on completion", "job_id", job.ID, "error", err)
	}

	applog.Info("[Reindex] Job completed",
		"job_id", job.ID,
		"processed", job.ProcessedCount,
		"errors", job.ErrorCount,
		"elapsed", now.Sub(job.StartTime).String(),
	)
}

// fail 不可恢复错误：任务 FAILED、释放锁。SWAPPING 之前失败时旧索引不受影响。
func (o *Orchestrator) fail(ctx context.Context, job *ReindexJob, cause error) (*ReindexJob, error) {
	now := o.now()
	job.Status = StatusFailed
	job.CompletionTime = &now
	job.LastError = cause.Error()

	if err := o.jobs.UpdateJob(ctx, job); err != nil {
		applog.Error("[Reindex] Failed to checkpoint FAILED status", "job_id", job.ID, "error", err)
	}
	if err := o.lock.Release(ctx, o.cfg.LockKey, o.owner); err != nil {
		applog.Warn("[Reindex] Failed to release lock on failure", "job_id", job.ID, "error", err)
	}

	applog.Error("[Reindex] Job failed", "job_id", job.ID, "error", cause)
	return job, cause
}

// withRetry 对步骤内的瞬时故障做指数退避重试，其余错误直接透传
func (o *Orchestrator) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := o.cfg.RetryBackoff()
	var err error
	for attempt := 1; attempt <= o.cfg.RetryAttempts; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == o.cfg.RetryAttempts {
			break
		}
		applog.Warn("[Reindex] Transient error, retrying",
			"op", op,
			"attempt", attempt,
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
