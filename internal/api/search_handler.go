package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"searchweave/internal/domain/retrieval"
	applog "searchweave/internal/platform/log"
)

// SearchHandler 多切片检索 API。
// 切片（过滤表达式、优先级、boost）由上游生成，这里透传给 Slicer/Merger。
type SearchHandler struct {
	slicer *retrieval.Slicer
	merger *retrieval.Merger
	cfg    *retrieval.Config
	cache  retrieval.ResultCache // 可选
}

// NewSearchHandler 创建处理器
func NewSearchHandler(slicer *retrieval.Slicer, merger *retrieval.Merger, cfg *retrieval.Config) *SearchHandler {
	if cfg == nil {
		cfg = retrieval.DefaultConfig()
	}
	return &SearchHandler{
		slicer: slicer,
		merger: merger,
		cfg:    cfg,
	}
}

// SetCache 启用合并结果缓存
func (h *SearchHandler) SetCache(cache retrieval.ResultCache) {
	h.cache = cache
}

// RegisterRoutes 注册检索路由
func (h *SearchHandler) RegisterRoutes(r chi.Router) {
	r.Post("/search", h.Search)
}

// SearchRequest 检索请求
type SearchRequest struct {
	Query       string                     `json:"query"`
	Slices      []retrieval.RetrievalSlice `json:"slices,omitempty"`
	TopK        int                        `json:"top_k,omitempty"`
	MinPerSlice int                        `json:"min_per_slice,omitempty"`
}

// Search 执行一次多切片检索。单切片失败降级为空结果，不影响整个请求。
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	if req.TopK <= 0 {
		req.TopK = h.cfg.DefaultTopK
	}
	if req.MinPerSlice <= 0 {
		req.MinPerSlice = h.cfg.DefaultMinPerSlice
	}
	if len(req.Slices) == 0 {
		// 未提供切片时退化为单路无过滤查询
		req.Slices = []retrieval.RetrievalSlice{
			{SliceID: "default", Priority: 100, ScoreBoost: 1.0},
		}
	}

	cacheReq := &retrieval.CacheRequest{
		Query:       req.Query,
		Slices:      req.Slices,
		TopK:        req.TopK,
		MinPerSlice: req.MinPerSlice,
	}
	if h.cache != nil {
		if cached, ok := h.cache.Get(r.Context(), cacheReq); ok {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	start := time.Now()
	sliceResults := h.slicer.Run(r.Context(), req.Query, req.Slices, req.TopK)
	result := h.merger.Merge(sliceResults, req.Slices, req.MinPerSlice, req.TopK)
	result.ElapsedMs = time.Since(start).Milliseconds()

	if h.cache != nil {
		h.cache.Set(r.Context(), cacheReq, &result)
	}

	applog.Info("[Retrieval] Search served",
		"query", req.Query,
		"slices", len(req.Slices),
		"results", len(result.Chunks),
		"elapsed_ms", result.ElapsedMs,
	)

	writeJSON(w, http.StatusOK, result)
}
