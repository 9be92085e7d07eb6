package index

import (
	"context"
	"fmt"

	applog "searchweave/internal/platform/log"
)

// SyncPoller 查询一次在途 ingestion/sync 任务的状态。
// 单次调用只有一个有界的网络往返；循环、退避与重入由 Orchestrator
// 通过 WAITING_SYNC / WAITING_FINALIZE_SYNC 状态驱动，这里不持有任何循环。
type SyncPoller struct {
	svc IndexService
}

// NewSyncPoller 创建轮询器
func NewSyncPoller(svc IndexService) *SyncPoller {
	return &SyncPoller{svc: svc}
}

// CheckStatus 单次轮询
func (p *SyncPoller) CheckStatus(ctx context.Context, taskID string) (SyncStatus, *SyncProgress, error) {
	st, err := p.svc.GetIngestionStatus(ctx, taskID)
	if err != nil {
		return SyncFailed, nil, fmt.Errorf("get ingestion status for task %s: %w", taskID, err)
	}

	progress := &SyncProgress{Total: st.Total, Created: st.Created}

	switch {
	case st.Completed && st.Failure != "":
		applog.Warn("[Reindex] Sync task failed", "task_id", taskID, "failure", st.Failure)
		return SyncFailed, progress, nil
	case st.Completed:
		return SyncComplete, progress, nil
	default:
		applog.Debug("[Reindex] Sync in progress",
			"task_id", taskID,
			"created", st.Created,
			"total", st.Total,
		)
		return SyncInProgress, progress, nil
	}
}
