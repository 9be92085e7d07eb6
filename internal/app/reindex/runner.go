package reindex

import (
	"context"
	"errors"
	"sync"
	"time"

	"searchweave/internal/domain/index"
	applog "searchweave/internal/platform/log"
)

// Runner 调度持久化状态机：按间隔重入 Orchestrator.Step。
// 两次 Step 之间 Runner 不持有任何任务状态——全部状态都在 JobStore 的
// checkpoint 里，等待本身只是"时间流逝、无状态变更"。进程崩溃后由
// Resume 从 checkpoint 接着跑，而不是重启整个流程。
type Runner struct {
	orch     *index.Orchestrator
	jobs     index.JobStore
	interval time.Duration

	onComplete func(jobID string) // 可选，任务 COMPLETED 后回调

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner 创建调度器
func NewRunner(orch *index.Orchestrator, jobs index.JobStore, pollInterval time.Duration) *Runner {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		orch:     orch,
		jobs:     jobs,
		interval: pollInterval,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// SetOnComplete 注册任务成功收尾后的回调（如失效检索缓存）
func (r *Runner) SetOnComplete(fn func(jobID string)) {
	r.onComplete = fn
}

// StartReindex 启动一次重建并立即返回任务 ID。
// 已有任务在运行时返回 index.ErrLockContention，不改动任何状态。
func (r *Runner) StartReindex(ctx context.Context) (string, error) {
	job, err := r.orch.Start(ctx)
	if err != nil {
		return "", err
	}

	r.drive(job.ID)
	return job.ID, nil
}

// Resume 启动时接管孤儿任务（如果有）
func (r *Runner) Resume(ctx context.Context) error {
	job, err := r.orch.Resume(ctx)
	if errors.Is(err, index.ErrLockContention) {
		applog.Info("[Reindex] Active job is owned by another instance, leaving it alone")
		return nil
	}
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	r.drive(job.ID)
	return nil
}

// Status 查询任务状态
func (r *Runner) Status(ctx context.Context, jobID string) (*index.ReindexJob, error) {
	return r.jobs.GetJob(ctx, jobID)
}

// Cancel 请求取消，状态机在下一个轮询重入点生效
func (r *Runner) Cancel(ctx context.Context, jobID string) error {
	return r.jobs.RequestCancel(ctx, jobID)
}

// Close 停止调度并等待在途 Step 结束。任务本身保持可恢复。
func (r *Runner) Close() {
	r.cancel()
	r.wg.Wait()
}

// drive 驱动单个任务直到终态。短转移连续推进；
// WAITING_* 状态每次只轮询一次，然后等一个完整间隔再重入。
func (r *Runner) drive(jobID string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		timer := time.NewTimer(0)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		for {
			job, err := r.orch.Step(r.baseCtx, jobID)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					applog.Info("[Reindex] Scheduler stopping, job remains resumable", "job_id", jobID)
					return
				}
				// Step 返回错误时任务已被置为 FAILED（或锁已易主），调度结束
				applog.Warn("[Reindex] Job left the scheduler", "job_id", jobID, "error", err)
				return
			}
			if job.Status.Terminal() {
				if job.Status == index.StatusCompleted && r.onComplete != nil {
					r.onComplete(job.ID)
				}
				return
			}

			if !isWaiting(job.Status) {
				continue
			}

			timer.Reset(r.interval)
			select {
			case <-r.baseCtx.Done():
				applog.Info("[Reindex] Scheduler stopping, job remains resumable", "job_id", jobID)
				return
			case <-timer.C:
			}
		}
	}()
}

func isWaiting(status index.JobStatus) bool {
	return status == index.StatusWaitingSync || status == index.StatusWaitingFinalizeSync
}
