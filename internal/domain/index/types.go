package index

import "time"

// JobStatus 重建任务状态机的状态。
type JobStatus string

const (
	StatusPending             JobStatus = "PENDING"
	StatusCreatingIndex       JobStatus = "CREATING_INDEX"
	StatusProcessing          JobStatus = "PROCESSING"
	StatusWaitingSync         JobStatus = "WAITING_SYNC"
	StatusFinalizing          JobStatus = "FINALIZING"
	StatusWaitingFinalizeSync JobStatus = "WAITING_FINALIZE_SYNC"
	StatusSwapping            JobStatus = "SWAPPING"
	StatusDeletingOld         JobStatus = "DELETING_OLD"
	StatusCompleted           JobStatus = "COMPLETED"
	StatusFailed              JobStatus = "FAILED"
)

// Terminal 是否为终态。
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ReindexJob 一次全量重建任务。全系统同一时刻最多一个非终态任务，
// 由 Lock Store 保证，而非任务记录本身。
type ReindexJob struct {
	ID     string    `json:"id"`
	Status JobStatus `json:"status"`

	TotalDocuments int      `json:"total_documents"`
	ProcessedCount int      `json:"processed_count"`
	ErrorCount     int      `json:"error_count"`
	ErrorMessages  []string `json:"error_messages,omitempty"` // 仅保留最近 N 条

	StartTime      time.Time  `json:"start_time"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`

	NewIndexID string `json:"new_index_id,omitempty"`
	OldIndexID string `json:"old_index_id,omitempty"`

	// 断点续跑字段：每次转移前写回 JobStore，崩溃后从这里恢复
	IngestionTaskID string     `json:"ingestion_task_id,omitempty"`
	FinalizeTaskID  string     `json:"finalize_task_id,omitempty"`
	Cursor          string     `json:"cursor,omitempty"` // 已派发的最后一个文档 ID
	SyncStartedAt   *time.Time `json:"sync_started_at,omitempty"`

	CancelRequested bool   `json:"cancel_requested"`
	LastError       string `json:"last_error,omitempty"`
}

// AppendError 记录单文档处理错误，消息列表有界。
func (j *ReindexJob) AppendError(msg string, maxMessages int) {
	j.ErrorCount++
	j.ErrorMessages = append(j.ErrorMessages, msg)
	if maxMessages > 0 && len(j.ErrorMessages) > maxMessages {
		j.ErrorMessages = j.ErrorMessages[len(j.ErrorMessages)-maxMessages:]
	}
}

// SyncStatus 一次 ingestion/sync 轮询的结果。
type SyncStatus string

const (
	SyncInProgress SyncStatus = "SYNC_IN_PROGRESS"
	SyncComplete   SyncStatus = "SYNC_COMPLETE"
	SyncFailed     SyncStatus = "SYNC_FAILED"
)

// IngestionStatus Index Service 返回的异步任务状态。
type IngestionStatus struct {
	Completed bool   `json:"completed"`
	Total     int64  `json:"total"`
	Created   int64  `json:"created"`
	Failure   string `json:"failure,omitempty"`
}

// SyncProgress 粗粒度进度，随轮询结果一起返回。
type SyncProgress struct {
	Total   int64 `json:"total"`
	Created int64 `json:"created"`
}

// SourceDocument 待重建的源文档。内容已由上游完成抽取（OCR/转写不在本系统范围内）。
type SourceDocument struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Content     string            `json:"content"`
	ContentType string            `json:"content_type"` // document | image | transcript
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ChunkDocument 写入索引的分块文档。
type ChunkDocument struct {
	ChunkID     string            `json:"chunk_id"`
	DocID       string            `json:"doc_id"`
	Title       string            `json:"title,omitempty"`
	Content     string            `json:"content"`
	ContentType string            `json:"content_type"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Position    int               `json:"position"`
	CreatedAt   time.Time         `json:"created_at"`
}
