package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ── 内存 fake ────────────────────────────────────────────────

type fakeService struct {
	mu      sync.Mutex
	indices map[string]bool
	alias   map[string]string
	bulk    map[string][]ChunkDocument
	tasks   map[string]*IngestionStatus
	seq     int

	createErr    error
	bulkErr      func(call int) error
	bulkCalls    int
	ingestionErr error
}

func newFakeService() *fakeService {
	return &fakeService{
		indices: make(map[string]bool),
		alias:   make(map[string]string),
		bulk:    make(map[string][]ChunkDocument),
		tasks:   make(map[string]*IngestionStatus),
	}
}

func (s *fakeService) Ping(ctx context.Context) error { return nil }

func (s *fakeService) CreateIndex(ctx context.Context, indexID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.indices[indexID] = true
	return nil
}

func (s *fakeService) IndexExists(ctx context.Context, indexID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indices[indexID], nil
}

func (s *fakeService) DeleteIndex(ctx context.Context, indexID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.indices, indexID)
	return nil
}

func (s *fakeService) BulkIndex(ctx context.Context, indexID string, chunks []ChunkDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulkCalls++
	if s.bulkErr != nil {
		if err := s.bulkErr(s.bulkCalls); err != nil {
			return err
		}
	}
	s.bulk[indexID] = append(s.bulk[indexID], chunks...)
	return nil
}

func (s *fakeService) StartIngestion(ctx context.Context, indexID, sourceSelector string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ingestionErr != nil {
		return "", s.ingestionErr
	}
	s.seq++
	taskID := fmt.Sprintf("task-%d", s.seq)
	s.tasks[taskID] = &IngestionStatus{Completed: true, Total: 10, Created: 10}
	return taskID, nil
}

func (s *fakeService) StartFinalize(ctx context.Context, indexID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	taskID := fmt.Sprintf("task-%d", s.seq)
	s.tasks[taskID] = &IngestionStatus{Completed: true}
	return taskID, nil
}

func (s *fakeService) GetIngestionStatus(ctx context.Context, taskID string) (*IngestionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("unknown task %s", taskID)
	}
	cp := *st
	return &cp, nil
}

func (s *fakeService) ActiveIndex(ctx context.Context, alias string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alias[alias], nil
}

func (s *fakeService) SwapActiveIndex(ctx context.Context, alias, oldIndexID, newIndexID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alias[alias] = newIndexID
	return nil
}

func (s *fakeService) setTask(taskID string, st *IngestionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskID] = st
}

func (s *fakeService) activeAlias(alias string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alias[alias]
}

type fakeLock struct {
	mu    sync.Mutex
	owner string

	refreshDenied bool
}

func (l *fakeLock) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != "" && l.owner != owner {
		return false, nil
	}
	l.owner = owner
	return true, nil
}

func (l *fakeLock) Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refreshDenied || l.owner != owner {
		return false, nil
	}
	return true, nil
}

func (l *fakeLock) Release(ctx context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == owner {
		l.owner = ""
	}
	return nil
}

func (l *fakeLock) held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner != ""
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]*ReindexJob
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[string]*ReindexJob)}
}

func cloneJob(j *ReindexJob) *ReindexJob {
	cp := *j
	cp.ErrorMessages = append([]string(nil), j.ErrorMessages...)
	return &cp
}

func (s *fakeJobs) CreateJob(ctx context.Context, job *ReindexJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *fakeJobs) UpdateJob(ctx context.Context, job *ReindexJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	// 与 SQL 实现保持一致：UpdateJob 不回写 cancel_requested
	cancel := stored.CancelRequested
	cp := cloneJob(job)
	cp.CancelRequested = cancel
	s.jobs[job.ID] = cp
	return nil
}

func (s *fakeJobs) GetJob(ctx context.Context, id string) (*ReindexJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (s *fakeJobs) ActiveJob(ctx context.Context) (*ReindexJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			return cloneJob(job), nil
		}
	}
	return nil, nil
}

func (s *fakeJobs) RequestCancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status.Terminal() {
		return ErrJobNotFound
	}
	job.CancelRequested = true
	return nil
}

type fakeSource struct {
	docs []SourceDocument
}

func (s *fakeSource) CountDocuments(ctx context.Context) (int, error) {
	return len(s.docs), nil
}

func (s *fakeSource) ListDocuments(ctx context.Context, afterID string, limit int) ([]SourceDocument, error) {
	var out []SourceDocument
	for _, d := range s.docs {
		if d.ID > afterID {
			out = append(out, d)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// ── 测试脚手架 ───────────────────────────────────────────────

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.IndexPrefix = "sw_test"
	cfg.BatchSize = 2
	cfg.RetryBackoffSeconds = 0
	cfg.ChunkSize = 200
	cfg.ChunkOverlap = 20
	return cfg
}

func testDocs(n int) []SourceDocument {
	docs := make([]SourceDocument, 0, n)
	for i := 0; i < n; i++ {
		docs = append(docs, SourceDocument{
			ID:          fmt.Sprintf("doc-%03d", i),
			Title:       fmt.Sprintf("Doc %d", i),
			Content:     "some searchable content",
			ContentType: ContentTypeDocument,
			CreatedAt:   time.Now(),
		})
	}
	return docs
}

func newTestOrchestrator(cfg *Config, docs []SourceDocument) (*Orchestrator, *fakeService, *fakeLock, *fakeJobs) {
	svc := newFakeService()
	lock := &fakeLock{}
	jobs := newFakeJobs()
	source := &fakeSource{docs: docs}
	registry := NewReprocessRegistry(cfg.ChunkSize, cfg.ChunkOverlap)
	orch := NewOrchestrator(svc, lock, jobs, source, registry, cfg)
	return orch, svc, lock, jobs
}

// stepUntil 推进状态机直到到达目标状态或终态
func stepUntil(t *testing.T, orch *Orchestrator, jobID string, target JobStatus) *ReindexJob {
	t.Helper()
	for i := 0; i < 50; i++ {
		job, err := orch.Step(context.Background(), jobID)
		if err != nil {
			t.Fatalf("step %d failed in status %s: %v", i, job.Status, err)
		}
		if job.Status == target || job.Status.Terminal() {
			return job
		}
	}
	t.Fatalf("did not reach %s within 50 steps", target)
	return nil
}

// ── 测试 ─────────────────────────────────────────────────────

// TestReindexHappyPath 完整走一遍状态机并校验终态副作用
func TestReindexHappyPath(t *testing.T) {
	cfg := testConfig()
	orch, svc, lock, _ := newTestOrchestrator(cfg, testDocs(3))

	svc.indices["sw_test_old"] = true
	svc.alias[cfg.ActiveAlias()] = "sw_test_old"

	ctx := context.Background()
	job, err := orch.Start(ctx)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if job.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", job.Status)
	}

	expected := []JobStatus{
		StatusCreatingIndex,
		StatusProcessing,
		StatusProcessing, // 第一批（2 个文档）
		StatusProcessing, // 第二批（1 个文档）
		StatusWaitingSync,
		StatusFinalizing,
		StatusWaitingFinalizeSync,
		StatusSwapping,
		StatusDeletingOld,
		StatusCompleted,
	}
	for i, want := range expected {
		job, err = orch.Step(ctx, job.ID)
		if err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
		if job.Status != want {
			t.Fatalf("step %d: expected %s, got %s", i, want, job.Status)
		}
	}

	if job.ProcessedCount != 3 {
		t.Errorf("expected 3 processed documents, got %d", job.ProcessedCount)
	}
	if job.CompletionTime == nil {
		t.Error("expected completion time to be set")
	}
	if got := svc.activeAlias(cfg.ActiveAlias()); got != job.NewIndexID {
		t.Errorf("alias should point at new index %s, got %s", job.NewIndexID, got)
	}
	if exists, _ := svc.IndexExists(ctx, "sw_test_old"); exists {
		t.Error("old index should have been deleted")
	}
	if len(svc.bulk[cfg.ChunkSourceIndex()]) != 3 {
		t.Errorf("expected 3 chunks in source index, got %d", len(svc.bulk[cfg.ChunkSourceIndex()]))
	}
	if lock.held() {
		t.Error("lock should be released after completion")
	}
}

// TestStartLockContention 已有任务持锁时 Start 必须立即失败且不改状态
func TestStartLockContention(t *testing.T) {
	cfg := testConfig()
	orch, _, _, jobs := newTestOrchestrator(cfg, testDocs(1))

	if _, err := orch.Start(context.Background()); err != nil {
		t.Fatalf("first start failed: %v", err)
	}

	svc2 := newFakeService()
	orch2 := NewOrchestrator(svc2, orch.lock, orch.jobs, orch.source, orch.registry, cfg)
	_, err := orch2.Start(context.Background())
	if !errors.Is(err, ErrLockContention) {
		t.Fatalf("expected ErrLockContention, got %v", err)
	}

	active, _ := jobs.ActiveJob(context.Background())
	if active == nil || active.Status != StatusPending {
		t.Fatal("first job should be untouched by the contending start")
	}
}

// TestSyncTimeoutFailsJobAndKeepsOldIndex 超时必须 FAILED 且旧索引继续在服
func TestSyncTimeoutFailsJobAndKeepsOldIndex(t *testing.T) {
	cfg := testConfig()
	orch, svc, lock, _ := newTestOrchestrator(cfg, testDocs(1))

	svc.indices["sw_test_old"] = true
	svc.alias[cfg.ActiveAlias()] = "sw_test_old"

	ctx := context.Background()
	job, err := orch.Start(ctx)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	job = stepUntil(t, orch, job.ID, StatusWaitingSync)

	// 任务永远不完成，时间推过最大等待
	svc.setTask(job.IngestionTaskID, &IngestionStatus{Completed: false})
	orch.now = func() time.Time {
		return time.Now().Add(cfg.MaxSyncWait() + time.Minute)
	}

	job, err = orch.Step(ctx, job.ID)
	if !errors.Is(err, ErrSyncTimeout) {
		t.Fatalf("expected ErrSyncTimeout, got %v", err)
	}
	if job.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", job.Status)
	}
	if got := svc.activeAlias(cfg.ActiveAlias()); got != "sw_test_old" {
		t.Errorf("old index must stay active after timeout, alias points at %s", got)
	}
	if exists, _ := svc.IndexExists(ctx, "sw_test_old"); !exists {
		t.Error("old index must not be deleted on failure")
	}
	if lock.held() {
		t.Error("lock should be released on failure")
	}
}

// TestSyncFailureBeforeSwapKeepsOldIndex sync 上报失败时别名不得翻转
func TestSyncFailureBeforeSwapKeepsOldIndex(t *testing.T) {
	cfg := testConfig()
	orch, svc, _, _ := newTestOrchestrator(cfg, testDocs(1))

	svc.indices["sw_test_old"] = true
	svc.alias[cfg.ActiveAlias()] = "sw_test_old"

	ctx := context.Background()
	job, err := orch.Start(ctx)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	job = stepUntil(t, orch, job.ID, StatusWaitingSync)

	svc.setTask(job.IngestionTaskID, &IngestionStatus{Completed: true, Failure: "shard unavailable"})

	job, err = orch.Step(ctx, job.ID)
	if err == nil {
		t.Fatal("expected step to fail when sync reports failure")
	}
	if job.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", job.Status)
	}
	if got := svc.activeAlias(cfg.ActiveAlias()); got != "sw_test_old" {
		t.Errorf("alias must keep pointing at old index, got %s", got)
	}
}

// TestErrorRatioThreshold 单文档错误率超阈值才 FAILED，否则继续
func TestErrorRatioThreshold(t *testing.T) {
	mkDocs := func(bad int) []SourceDocument {
		docs := testDocs(3)
		for i := 0; i < bad; i++ {
			docs[i].Content = "" // 空内容触发重建失败
		}
		return docs
	}

	t.Run("over threshold fails", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxErrorRatio = 0.5
		orch, _, _, _ := newTestOrchestrator(cfg, mkDocs(2))

		job, err := orch.Start(context.Background())
		if err != nil {
			t.Fatalf("start failed: %v", err)
		}

		var stepErr error
		for i := 0; i < 20; i++ {
			job, stepErr = orch.Step(context.Background(), job.ID)
			if stepErr != nil || job.Status.Terminal() {
				break
			}
		}
		if !errors.Is(stepErr, ErrTooManyDocumentErrors) {
			t.Fatalf("expected ErrTooManyDocumentErrors, got %v", stepErr)
		}
		if job.Status != StatusFailed {
			t.Fatalf("expected FAILED, got %s", job.Status)
		}
		if job.ErrorCount != 2 {
			t.Errorf("expected 2 document errors, got %d", job.ErrorCount)
		}
	})

	t.Run("under threshold continues", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxErrorRatio = 0.5
		orch, _, _, _ := newTestOrchestrator(cfg, mkDocs(1))

		job, err := orch.Start(context.Background())
		if err != nil {
			t.Fatalf("start failed: %v", err)
		}
		job = stepUntil(t, orch, job.ID, StatusCompleted)
		if job.Status != StatusCompleted {
			t.Fatalf("expected COMPLETED, got %s", job.Status)
		}
		if job.ErrorCount != 1 {
			t.Errorf("expected 1 document error, got %d", job.ErrorCount)
		}
		if len(job.ErrorMessages) != 1 {
			t.Errorf("expected 1 error message, got %d", len(job.ErrorMessages))
		}
	})
}

// TestCreateIndexIdempotent 重试转移时索引已存在不得报错
func TestCreateIndexIdempotent(t *testing.T) {
	cfg := testConfig()
	orch, svc, _, _ := newTestOrchestrator(cfg, testDocs(1))

	ctx := context.Background()
	job, err := orch.Start(ctx)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	job = stepUntil(t, orch, job.ID, StatusCreatingIndex)

	// 索引已存在（上一轮转移执行了一半），且 CreateIndex 再被调用必失败
	svc.indices[job.NewIndexID] = true
	svc.createErr = errors.New("create should not be called")

	job, err = orch.Step(ctx, job.ID)
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if job.Status != StatusProcessing {
		t.Fatalf("expected PROCESSING, got %s", job.Status)
	}
}

// TestCancelTakesEffectAtPollReentry 取消在下一个轮询重入点生效
func TestCancelTakesEffectAtPollReentry(t *testing.T) {
	cfg := testConfig()
	orch, svc, lock, jobs := newTestOrchestrator(cfg, testDocs(1))

	ctx := context.Background()
	job, err := orch.Start(ctx)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	job = stepUntil(t, orch, job.ID, StatusWaitingSync)
	svc.setTask(job.IngestionTaskID, &IngestionStatus{Completed: false})

	if err := jobs.RequestCancel(ctx, job.ID); err != nil {
		t.Fatalf("request cancel failed: %v", err)
	}

	job, err = orch.Step(ctx, job.ID)
	if !errors.Is(err, ErrJobCancelled) {
		t.Fatalf("expected ErrJobCancelled, got %v", err)
	}
	if job.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", job.Status)
	}
	if lock.held() {
		t.Error("lock should be released after cancellation")
	}
}

// TestLockLostAbandonsJobWithoutFailing 锁易主时放弃任务但不标 FAILED
func TestLockLostAbandonsJobWithoutFailing(t *testing.T) {
	cfg := testConfig()
	orch, _, lock, jobs := newTestOrchestrator(cfg, testDocs(1))

	ctx := context.Background()
	job, err := orch.Start(ctx)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	lock.refreshDenied = true

	_, err = orch.Step(ctx, job.ID)
	if !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}

	stored, _ := jobs.GetJob(ctx, job.ID)
	if stored.Status != StatusPending {
		t.Fatalf("job must keep its checkpoint, got %s", stored.Status)
	}
}

// TestShutdownKeepsJobResumable 调度方停机不是任务失败
func TestShutdownKeepsJobResumable(t *testing.T) {
	cfg := testConfig()
	orch, _, _, jobs := newTestOrchestrator(cfg, testDocs(1))

	job, err := orch.Start(context.Background())
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	job = stepUntil(t, orch, job.ID, StatusProcessing)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = orch.Step(ctx, job.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	stored, _ := jobs.GetJob(context.Background(), job.ID)
	if stored.Status != StatusProcessing {
		t.Fatalf("job must stay resumable at PROCESSING, got %s", stored.Status)
	}
}

// TestResumePicksUpOrphanedJob 重启后从 checkpoint 接着跑
func TestResumePicksUpOrphanedJob(t *testing.T) {
	cfg := testConfig()
	orch, svc, _, jobs := newTestOrchestrator(cfg, testDocs(3))

	ctx := context.Background()
	job, err := orch.Start(ctx)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	job = stepUntil(t, orch, job.ID, StatusWaitingSync)

	// 模拟崩溃：原实例的锁过期消失，新实例接管
	orch.lock.(*fakeLock).owner = ""
	orch2 := NewOrchestrator(svc, orch.lock, jobs, orch.source, orch.registry, cfg)

	resumed, err := orch2.Resume(ctx)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if resumed == nil || resumed.ID != job.ID {
		t.Fatal("expected to resume the orphaned job")
	}
	if resumed.Status != StatusWaitingSync {
		t.Fatalf("resume must continue from checkpoint, got %s", resumed.Status)
	}
	if resumed.ProcessedCount != 3 {
		t.Errorf("processed count must survive the restart, got %d", resumed.ProcessedCount)
	}

	final := stepUntil(t, orch2, job.ID, StatusCompleted)
	if final.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED after resume, got %s", final.Status)
	}
}

// TestResumeWithNoActiveJob 没有孤儿任务时 Resume 返回 (nil, nil)
func TestResumeWithNoActiveJob(t *testing.T) {
	cfg := testConfig()
	orch, _, _, _ := newTestOrchestrator(cfg, nil)

	job, err := orch.Resume(context.Background())
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no job, got %v", job.ID)
	}
}

// TestTransientErrorsAreRetried 瞬时故障在步骤内重试，不触发 FAILED
func TestTransientErrorsAreRetried(t *testing.T) {
	cfg := testConfig()
	orch, svc, _, _ := newTestOrchestrator(cfg, testDocs(1))

	svc.bulkErr = func(call int) error {
		if call <= 2 {
			return &TransientError{Op: "bulk", Err: errors.New("429 too many requests")}
		}
		return nil
	}

	job, err := orch.Start(context.Background())
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	job = stepUntil(t, orch, job.ID, StatusCompleted)
	if job.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", job.Status)
	}
	if svc.bulkCalls != 3 {
		t.Errorf("expected 3 bulk attempts, got %d", svc.bulkCalls)
	}
}

// TestWaitingSyncStaysPutWhileInProgress 未完成的轮询不改变状态
func TestWaitingSyncStaysPutWhileInProgress(t *testing.T) {
	cfg := testConfig()
	orch, svc, _, _ := newTestOrchestrator(cfg, testDocs(1))

	ctx := context.Background()
	job, err := orch.Start(ctx)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	job = stepUntil(t, orch, job.ID, StatusWaitingSync)
	svc.setTask(job.IngestionTaskID, &IngestionStatus{Completed: false, Total: 10, Created: 4})

	for i := 0; i < 3; i++ {
		job, err = orch.Step(ctx, job.ID)
		if err != nil {
			t.Fatalf("poll step failed: %v", err)
		}
		if job.Status != StatusWaitingSync {
			t.Fatalf("expected WAITING_SYNC to hold, got %s", job.Status)
		}
	}

	svc.setTask(job.IngestionTaskID, &IngestionStatus{Completed: true, Total: 10, Created: 10})
	job, err = orch.Step(ctx, job.ID)
	if err != nil {
		t.Fatalf("final poll failed: %v", err)
	}
	if job.Status != StatusFinalizing {
		t.Fatalf("expected FINALIZING after completion, got %s", job.Status)
	}
}
