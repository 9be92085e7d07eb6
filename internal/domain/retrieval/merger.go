package retrieval

import (
	"sort"

	applog "searchweave/internal/platform/log"
)

// boost 限定在有界区间内，越界配置按边界截断
const (
	minScoreBoost = 1.0
	maxScoreBoost = 2.0
)

// Merger 将 N 路切片结果合并为一个去重、封顶的排序列表。
// 纯内存计算、无副作用，可被任意并发调用。
//
// 保底阶段的存在是为了防止高度特化的过滤切片被裸相似度切片整体挤出：
// 底层相似度排序系统性低估精确元数据命中，所以过滤切片先按 boost 后
// 的分数保底入选，再用全池补满。
type Merger struct{}

// NewMerger 创建合并器
func NewMerger() *Merger {
	return &Merger{}
}

// Merge 合并切片结果。
// 流程：跨切片按 ChunkID 去重（保留最高 RawScore）→ 按切片 boost 加权 →
// 按优先级为每个切片保底 minPerSlice 条 → 剩余池按分数补满 → 最终排序。
// 总量不足 limit 时返回更少，绝不填充。
func (m *Merger) Merge(sliceResults map[string][]ScoredChunk, specs []RetrievalSlice, minPerSlice, limit int) MergedResult {
	if limit <= 0 || len(specs) == 0 {
		return MergedResult{}
	}

	ordered := orderSpecs(specs)

	boostOf := make(map[string]float64, len(ordered))
	priorityOf := make(map[string]int, len(ordered))
	for _, spec := range ordered {
		boostOf[spec.SliceID] = clampBoost(spec.ScoreBoost)
		priorityOf[spec.SliceID] = spec.Priority
	}

	// 1. 去重：同一 ChunkID 保留 RawScore 最高的出现；
	//    平分时保留优先级更高的切片（遍历顺序保证确定性）
	survivors := make(map[string]ScoredChunk)
	for _, spec := range ordered {
		for _, chunk := range sliceResults[spec.SliceID] {
			prev, seen := survivors[chunk.ChunkID]
			if !seen || chunk.RawScore > prev.RawScore {
				survivors[chunk.ChunkID] = chunk
			}
		}
	}

	// 2. 加权
	for id, chunk := range survivors {
		chunk.BoostedScore = chunk.RawScore * boostOf[chunk.OriginSliceID]
		survivors[id] = chunk
	}

	admitted := make([]ScoredChunk, 0, limit)
	taken := make(map[string]bool, limit)

	admit := func(chunk ScoredChunk) bool {
		if len(admitted) >= limit {
			return false
		}
		admitted = append(admitted, chunk)
		taken[chunk.ChunkID] = true
		return true
	}

	// 3. 保底阶段：按优先级顺序，每切片最多 minPerSlice 条自己的幸存结果
	for _, spec := range ordered {
		if len(admitted) >= limit {
			break
		}
		own := chunksOwnedBy(survivors, spec.SliceID)
		sortChunks(own, priorityOf)
		count := 0
		for _, chunk := range own {
			if count >= minPerSlice {
				break
			}
			if taken[chunk.ChunkID] {
				continue
			}
			if !admit(chunk) {
				break
			}
			count++
		}
	}

	// 4. 补满阶段：剩余池按 BoostedScore 降序
	if len(admitted) < limit {
		var pool []ScoredChunk
		for _, chunk := range survivors {
			if !taken[chunk.ChunkID] {
				pool = append(pool, chunk)
			}
		}
		sortChunks(pool, priorityOf)
		for _, chunk := range pool {
			if !admit(chunk) {
				break
			}
		}
	}

	// 5. 最终排序
	sortChunks(admitted, priorityOf)

	applog.Debug("[Retrieval] Merge complete",
		"slices", len(ordered),
		"distinct", len(survivors),
		"admitted", len(admitted),
	)

	return MergedResult{Chunks: admitted}
}

// orderSpecs 按优先级升序排序（平级按 SliceID，保证确定性），不改动入参
func orderSpecs(specs []RetrievalSlice) []RetrievalSlice {
	ordered := append([]RetrievalSlice(nil), specs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].SliceID < ordered[j].SliceID
	})
	return ordered
}

// sortChunks BoostedScore 降序；平分按切片优先级、再按 ChunkID
func sortChunks(chunks []ScoredChunk, priorityOf map[string]int) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].BoostedScore != chunks[j].BoostedScore {
			return chunks[i].BoostedScore > chunks[j].BoostedScore
		}
		pi, pj := priorityOf[chunks[i].OriginSliceID], priorityOf[chunks[j].OriginSliceID]
		if pi != pj {
			return pi < pj
		}
		return chunks[i].ChunkID < chunks[j].ChunkID
	})
}

func chunksOwnedBy(survivors map[string]ScoredChunk, sliceID string) []ScoredChunk {
	var own []ScoredChunk
	for _, chunk := range survivors {
		if chunk.OriginSliceID == sliceID {
			own = append(own, chunk)
		}
	}
	return own
}

func clampBoost(boost float64) float64 {
	if boost < minScoreBoost {
		return minScoreBoost
	}
	if boost > maxScoreBoost {
		return maxScoreBoost
	}
	return boost
}
