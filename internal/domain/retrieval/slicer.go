package retrieval

import (
	"context"
	"sort"
	"sync"
	"time"

	applog "searchweave/internal/platform/log"
)

// SliceQuerier defines the single-slice query against the active index.
type SliceQuerier interface {
	QuerySlice(ctx context.Context, queryText string, filter map[string]string, topK int) ([]ScoredChunk, error)
}

// Slicer 将一次逻辑查询扇出为 N 路并行切片查询。
// 每路有独立超时；超时或出错的切片贡献空结果集，不拖垮整次调用。
// join 有界：所有切片返回或超时后立即完成。
type Slicer struct {
	querier        SliceQuerier
	defaultTimeout time.Duration
}

// NewSlicer 创建切片查询器
func NewSlicer(querier SliceQuerier, defaultTimeout time.Duration) *Slicer {
	if defaultTimeout <= 0 {
		defaultTimeout = 2 * time.Second
	}
	return &Slicer{
		querier:        querier,
		defaultTimeout: defaultTimeout,
	}
}

// Run 并行执行所有切片，返回 sliceID -> 按 RawScore 降序的结果
func (s *Slicer) Run(ctx context.Context, queryText string, slices []RetrievalSlice, topK int) map[string][]ScoredChunk {
	results := make([][]ScoredChunk, len(slices))

	var wg sync.WaitGroup
	wg.Add(len(slices))
	for i := range slices {
		slice := slices[i]
		idx := i
		go func() {
			defer wg.Done()

			sliceCtx, cancel := context.WithTimeout(ctx, slice.Timeout(s.defaultTimeout))
			defer cancel()

			chunks, err := s.querier.QuerySlice(sliceCtx, queryText, slice.Filter, topK)
			if err != nil {
				// 单切片失败降级为空结果，整体查询继续
				applog.Warn("[Retrieval] Slice query failed",
					"slice_id", slice.SliceID,
					"filtered", slice.Filtered(),
					"error", err,
				)
				return
			}

			for j := range chunks {
				chunks[j].OriginSliceID = slice.SliceID
			}
			sort.SliceStable(chunks, func(a, b int) bool {
				return chunks[a].RawScore > chunks[b].RawScore
			})
			results[idx] = chunks
		}()
	}
	wg.Wait()

	out := make(map[string][]ScoredChunk, len(slices))
	for i := range slices {
		out[slices[i].SliceID] = results[i]
	}
	return out
}
