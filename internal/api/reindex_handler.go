package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"searchweave/internal/domain/index"
)

// ReindexService 重建调度入口（由 app/reindex.Runner 实现）
type ReindexService interface {
	StartReindex(ctx context.Context) (string, error)
	Status(ctx context.Context, jobID string) (*index.ReindexJob, error)
	Cancel(ctx context.Context, jobID string) error
}

// ReindexHandler 重建管理 API
type ReindexHandler struct {
	svc ReindexService
}

// NewReindexHandler 创建处理器
func NewReindexHandler(svc ReindexService) *ReindexHandler {
	return &ReindexHandler{svc: svc}
}

// RegisterRoutes 注册重建路由
func (h *ReindexHandler) RegisterRoutes(r chi.Router) {
	r.Route("/reindex", func(r chi.Router) {
		r.Post("/", h.Start)
		r.Get("/{jobID}", h.Status)
		r.Post("/{jobID}/cancel", h.Cancel)
	})
}

// Start 启动重建。已有任务在运行时返回 409，不改动任何状态。
func (h *ReindexHandler) Start(w http.ResponseWriter, r *http.Request) {
	jobID, err := h.svc.StartReindex(r.Context())
	if errors.Is(err, index.ErrLockContention) {
		writeError(w, http.StatusConflict, "another reindex job is already running")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// Status 任务状态/进度/错误摘要
func (h *ReindexHandler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := h.svc.Status(r.Context(), jobID)
	if errors.Is(err, index.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "reindex job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// Cancel 请求取消，在下一个轮询重入点生效
func (h *ReindexHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	err := h.svc.Cancel(r.Context(), jobID)
	if errors.Is(err, index.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "reindex job not found or already finished")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}
