package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"searchweave/internal/domain/index"
	applog "searchweave/internal/platform/log"
)

// JobStore PostgreSQL 实现的 ReindexJob 持久化。
// 每次状态转移都在下一步开始前 UPDATE 写回，崩溃后从最后一行恢复。
type JobStore struct {
	db *sql.DB
}

// NewJobStore 创建任务存储
func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

// EnsureJobTable 确保 reindex_jobs 表存在
func (s *JobStore) EnsureJobTable(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS reindex_jobs (
		id                UUID PRIMARY KEY,
		status            VARCHAR(32) NOT NULL,
		total_documents   INTEGER NOT NULL DEFAULT 0,
		processed_count   INTEGER NOT NULL DEFAULT 0,
		error_count       INTEGER NOT NULL DEFAULT 0,
		error_messages    JSONB NOT NULL DEFAULT '[]',
		start_time        TIMESTAMPTZ NOT NULL,
		completion_time   TIMESTAMPTZ,
		new_index_id      VARCHAR(255) NOT NULL DEFAULT '',
		old_index_id      VARCHAR(255) NOT NULL DEFAULT '',
		ingestion_task_id VARCHAR(255) NOT NULL DEFAULT '',
		finalize_task_id  VARCHAR(255) NOT NULL DEFAULT '',
		dispatch_cursor   VARCHAR(255) NOT NULL DEFAULT '',
		sync_started_at   TIMESTAMPTZ,
		cancel_requested  BOOLEAN NOT NULL DEFAULT FALSE,
		last_error        TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_reindex_jobs_status ON reindex_jobs(status);
	`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// CreateJob 插入新任务
func (s *JobStore) CreateJob(ctx context.Context, job *index.ReindexJob) error {
	msgs, err := json.Marshal(job.ErrorMessages)
	if err != nil {
		return fmt.Errorf("marshal error messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reindex_jobs (
			id, status, total_documents, processed_count, error_count, error_messages,
			start_time, completion_time, new_index_id, old_index_id,
			ingestion_task_id, finalize_task_id, dispatch_cursor, sync_started_at,
			cancel_requested, last_error
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		job.ID, job.Status, job.TotalDocuments, job.ProcessedCount, job.ErrorCount, msgs,
		job.StartTime, job.CompletionTime, job.NewIndexID, job.OldIndexID,
		job.IngestionTaskID, job.FinalizeTaskID, job.Cursor, job.SyncStartedAt,
		job.CancelRequested, job.LastError,
	)
	if err != nil {
		return fmt.Errorf("insert reindex job: %w", err)
	}

	applog.Debug("[Storage] Reindex job created", "job_id", job.ID)
	return nil
}

// UpdateJob 写回 checkpoint
func (s *JobStore) UpdateJob(ctx context.Context, job *index.ReindexJob) error {
	msgs, err := json.Marshal(job.ErrorMessages)
	if err != nil {
		return fmt.Errorf("marshal error messages: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE reindex_jobs SET
			status = $2, total_documents = $3, processed_count = $4, error_count = $5,
			error_messages = $6, completion_time = $7, new_index_id = $8, old_index_id = $9,
			ingestion_task_id = $10, finalize_task_id = $11, dispatch_cursor = $12,
			sync_started_at = $13, last_error = $14
		WHERE id = $1`,
		job.ID, job.Status, job.TotalDocuments, job.ProcessedCount, job.ErrorCount,
		msgs, job.CompletionTime, job.NewIndexID, job.OldIndexID,
		job.IngestionTaskID, job.FinalizeTaskID, job.Cursor,
		job.SyncStartedAt, job.LastError,
	)
	if err != nil {
		return fmt.Errorf("update reindex job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return index.ErrJobNotFound
	}
	return nil
}

// GetJob 按 ID 读取任务
func (s *JobStore) GetJob(ctx context.Context, id string) (*index.ReindexJob, error) {
	row := s.db.QueryRowContext(ctx, selectJobSQL+` WHERE id = $1`, id)
	return scanJob(row)
}

// ActiveJob 返回唯一的非终态任务；不存在时返回 (nil, nil)
func (s *JobStore) ActiveJob(ctx context.Context) (*index.ReindexJob, error) {
	row := s.db.QueryRowContext(ctx,
		selectJobSQL+` WHERE status NOT IN ('COMPLETED', 'FAILED') ORDER BY start_time DESC LIMIT 1`)
	job, err := scanJob(row)
	if errors.Is(err, index.ErrJobNotFound) {
		return nil, nil
	}
	return job, err
}

// RequestCancel 置取消标记，状态机在下一个轮询重入点生效
func (s *JobStore) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reindex_jobs SET cancel_requested = TRUE WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED')`, id)
	if err != nil {
		return fmt.Errorf("request cancel for job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return index.ErrJobNotFound
	}

	applog.Info("[Storage] Reindex cancel requested", "job_id", id)
	return nil
}

const selectJobSQL = `
	SELECT id, status, total_documents, processed_count, error_count, error_messages,
	       start_time, completion_time, new_index_id, old_index_id,
	       ingestion_task_id, finalize_task_id, dispatch_cursor, sync_started_at,
	       cancel_requested, last_error
	FROM reindex_jobs`

func scanJob(row *sql.Row) (*index.ReindexJob, error) {
	var (
		job            index.ReindexJob
		msgs           []byte
		completionTime sql.NullTime
		syncStartedAt  sql.NullTime
	)

	err := row.Scan(
		&job.ID, &job.Status, &job.TotalDocuments, &job.ProcessedCount, &job.ErrorCount, &msgs,
		&job.StartTime, &completionTime, &job.NewIndexID, &job.OldIndexID,
		&job.IngestionTaskID, &job.FinalizeTaskID, &job.Cursor, &syncStartedAt,
		&job.CancelRequested, &job.LastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, index.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan reindex job: %w", err)
	}

	if len(msgs) > 0 {
		if err := json.Unmarshal(msgs, &job.ErrorMessages); err != nil {
			applog.Warn("[Storage] Failed to parse error_messages", "job_id", job.ID, "error", err)
		}
	}
	if completionTime.Valid {
		t := completionTime.Time
		job.CompletionTime = &t
	}
	if syncStartedAt.Valid {
		t := syncStartedAt.Time
		job.SyncStartedAt = &t
	}

	return &job, nil
}
