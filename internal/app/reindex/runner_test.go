package reindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"searchweave/internal/domain/index"
)

// ── 内存 fake ────────────────────────────────────────────────

type memService struct {
	mu       sync.Mutex
	indices  map[string]bool
	alias    map[string]string
	seq      int
	syncHold bool // true 时任务永远不完成
}

func newMemService() *memService {
	return &memService{
		indices: make(map[string]bool),
		alias:   make(map[string]string),
	}
}

func (s *memService) Ping(ctx context.Context) error { return nil }

func (s *memService) CreateIndex(ctx context.Context, indexID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indices[indexID] = true
	return nil
}

func (s *memService) IndexExists(ctx context.Context, indexID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indices[indexID], nil
}

func (s *memService) DeleteIndex(ctx context.Context, indexID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.indices, indexID)
	return nil
}

func (s *memService) BulkIndex(ctx context.Context, indexID string, chunks []index.ChunkDocument) error {
	return nil
}

func (s *memService) StartIngestion(ctx context.Context, indexID, sourceSelector string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("task-%d", s.seq), nil
}

func (s *memService) StartFinalize(ctx context.Context, indexID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("task-%d", s.seq), nil
}

func (s *memService) GetIngestionStatus(ctx context.Context, taskID string) (*index.IngestionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &index.IngestionStatus{Completed: !s.syncHold}, nil
}

func (s *memService) ActiveIndex(ctx context.Context, alias string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alias[alias], nil
}

func (s *memService) SwapActiveIndex(ctx context.Context, alias, oldIndexID, newIndexID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alias[alias] = newIndexID
	return nil
}

func (s *memService) setSyncHold(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncHold = hold
}

type memLock struct {
	mu    sync.Mutex
	owner string
}

func (l *memLock) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != "" && l.owner != owner {
		return false, nil
	}
	l.owner = owner
	return true, nil
}

func (l *memLock) Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner == owner, nil
}

func (l *memLock) Release(ctx context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == owner {
		l.owner = ""
	}
	return nil
}

func (l *memLock) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owner = ""
}

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]*index.ReindexJob
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: make(map[string]*index.ReindexJob)}
}

func copyJob(j *index.ReindexJob) *index.ReindexJob {
	cp := *j
	cp.ErrorMessages = append([]string(nil), j.ErrorMessages...)
	return &cp
}

func (s *memJobs) CreateJob(ctx context.Context, job *index.ReindexJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *memJobs) UpdateJob(ctx context.Context, job *index.ReindexJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return index.ErrJobNotFound
	}
	cancel := stored.CancelRequested
	cp := copyJob(job)
	cp.CancelRequested = cancel
	s.jobs[job.ID] = cp
	return nil
}

func (s *memJobs) GetJob(ctx context.Context, id string) (*index.ReindexJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, index.ErrJobNotFound
	}
	return copyJob(job), nil
}

func (s *memJobs) ActiveJob(ctx context.Context) (*index.ReindexJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			return copyJob(job), nil
		}
	}
	return nil, nil
}

func (s *memJobs) RequestCancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status.Terminal() {
		return index.ErrJobNotFound
	}
	job.CancelRequested = true
	return nil
}

type memSource struct{ n int }

func (s *memSource) CountDocuments(ctx context.Context) (int, error) {
	return s.n, nil
}

func (s *memSource) ListDocuments(ctx context.Context, afterID string, limit int) ([]index.SourceDocument, error) {
	var out []index.SourceDocument
	for i := 0; i < s.n && len(out) < limit; i++ {
		id := fmt.Sprintf("doc-%03d", i)
		if id > afterID {
			out = append(out, index.SourceDocument{
				ID:          id,
				Content:     "content",
				ContentType: index.ContentTypeDocument,
			})
		}
	}
	return out, nil
}

// ── 测试脚手架 ───────────────────────────────────────────────

type runnerFixture struct {
	runner *Runner
	svc    *memService
	lock   *memLock
	jobs   *memJobs
	cfg    *index.Config
}

func newFixture(docs int) *runnerFixture {
	cfg := index.DefaultConfig()
	cfg.IndexPrefix = "sw_test"
	cfg.BatchSize = 10
	cfg.RetryBackoffSeconds = 0

	svc := newMemService()
	lock := &memLock{}
	jobs := newMemJobs()
	registry := index.NewReprocessRegistry(cfg.ChunkSize, cfg.ChunkOverlap)
	orch := index.NewOrchestrator(svc, lock, jobs, &memSource{n: docs}, registry, cfg)
	runner := NewRunner(orch, jobs, 10*time.Millisecond)

	return &runnerFixture{runner: runner, svc: svc, lock: lock, jobs: jobs, cfg: cfg}
}

func (f *runnerFixture) waitForStatus(t *testing.T, jobID string, want index.JobStatus) *index.ReindexJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := f.jobs.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job failed: %v", err)
		}
		if job.Status == want {
			return job
		}
		if job.Status.Terminal() && want != job.Status {
			t.Fatalf("job reached terminal %s while waiting for %s (last error: %s)", job.Status, want, job.LastError)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %s", want)
	return nil
}

// ── 测试 ─────────────────────────────────────────────────────

// TestRunnerDrivesJobToCompletion 调度器把任务一路推到 COMPLETED
func TestRunnerDrivesJobToCompletion(t *testing.T) {
	f := newFixture(3)
	defer f.runner.Close()

	jobID, err := f.runner.StartReindex(context.Background())
	if err != nil {
		t.Fatalf("start reindex failed: %v", err)
	}

	job := f.waitForStatus(t, jobID, index.StatusCompleted)
	if job.ProcessedCount != 3 {
		t.Errorf("expected 3 processed documents, got %d", job.ProcessedCount)
	}

	// 完成后锁已释放，可以立即开下一轮
	if _, err := f.runner.StartReindex(context.Background()); err != nil {
		t.Errorf("second reindex after completion should start, got %v", err)
	}
}

// TestRunnerRejectsConcurrentStart 在途任务持锁期间第二次启动必须 409 语义
func TestRunnerRejectsConcurrentStart(t *testing.T) {
	f := newFixture(1)
	defer f.runner.Close()

	f.svc.setSyncHold(true)

	jobID, err := f.runner.StartReindex(context.Background())
	if err != nil {
		t.Fatalf("start reindex failed: %v", err)
	}
	f.waitForStatus(t, jobID, index.StatusWaitingSync)

	_, err = f.runner.StartReindex(context.Background())
	if !errors.Is(err, index.ErrLockContention) {
		t.Fatalf("expected ErrLockContention, got %v", err)
	}
}

// TestRunnerCancelDuringWait 等待状态下取消，在下一次轮询重入点生效
func TestRunnerCancelDuringWait(t *testing.T) {
	f := newFixture(1)
	defer f.runner.Close()

	f.svc.setSyncHold(true)

	jobID, err := f.runner.StartReindex(context.Background())
	if err != nil {
		t.Fatalf("start reindex failed: %v", err)
	}
	f.waitForStatus(t, jobID, index.StatusWaitingSync)

	if err := f.runner.Cancel(context.Background(), jobID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, _ := f.jobs.GetJob(context.Background(), jobID)
		if job.Status == index.StatusFailed {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("cancelled job did not reach FAILED")
}

// TestRunnerCloseKeepsJobResumable 停机不杀任务，新调度器 Resume 接着跑
func TestRunnerCloseKeepsJobResumable(t *testing.T) {
	f := newFixture(2)

	f.svc.setSyncHold(true)

	jobID, err := f.runner.StartReindex(context.Background())
	if err != nil {
		t.Fatalf("start reindex failed: %v", err)
	}
	f.waitForStatus(t, jobID, index.StatusWaitingSync)

	f.runner.Close()

	job, _ := f.jobs.GetJob(context.Background(), jobID)
	if job.Status != index.StatusWaitingSync {
		t.Fatalf("job must stay at its checkpoint after shutdown, got %s", job.Status)
	}

	// 模拟重启：旧锁随实例消失，新实例 Resume 并完成
	f.lock.reset()
	f.svc.setSyncHold(false)

	registry := index.NewReprocessRegistry(f.cfg.ChunkSize, f.cfg.ChunkOverlap)
	orch2 := index.NewOrchestrator(f.svc, f.lock, f.jobs, &memSource{n: 2}, registry, f.cfg)
	runner2 := NewRunner(orch2, f.jobs, 10*time.Millisecond)
	defer runner2.Close()

	if err := runner2.Resume(context.Background()); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	f.waitForStatus(t, jobID, index.StatusCompleted)
}

// TestRunnerStatusUnknownJob 未知任务透传 ErrJobNotFound
func TestRunnerStatusUnknownJob(t *testing.T) {
	f := newFixture(0)
	defer f.runner.Close()

	_, err := f.runner.Status(context.Background(), "nope")
	if !errors.Is(err, index.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
