package index

import (
	"fmt"
	"strings"
	"sync"
)

// 内容类型是封闭集合：新增类型必须注册新的 Reprocessor，
// 不允许在派发处做开放式分支。
const (
	ContentTypeDocument   = "document"
	ContentTypeImage      = "image"
	ContentTypeTranscript = "transcript"
)

// Reprocessor 将一种内容类型的源文档重建为分块文档。
type Reprocessor interface {
	// Reprocess 返回写入新索引的分块
	Reprocess(doc *SourceDocument) ([]ChunkDocument, error)
	// SupportedTypes 支持的 content_type
	SupportedTypes() []string
}

// ReprocessRegistry 按 content_type 派发的重建器注册表
type ReprocessRegistry struct {
	mu         sync.RWMutex
	processors map[string]Reprocessor
}

// NewReprocessRegistry 创建注册表并注册内置重建器
func NewReprocessRegistry(chunkSize, overlap int) *ReprocessRegistry {
	r := &ReprocessRegistry{
		processors: make(map[string]Reprocessor),
	}

	r.Register(&DocumentReprocessor{chunker: NewChunker(chunkSize, overlap)})
	r.Register(&ImageReprocessor{})
	r.Register(&TranscriptReprocessor{chunker: NewChunker(chunkSize, overlap)})

	return r
}

// Register 注册重建器
func (r *ReprocessRegistry) Register(p Reprocessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ct := range p.SupportedTypes() {
		r.processors[strings.ToLower(ct)] = p
	}
}

// Reprocess 按文档的 content_type 派发
func (r *ReprocessRegistry) Reprocess(doc *SourceDocument) ([]ChunkDocument, error) {
	ct := strings.ToLower(strings.TrimSpace(doc.ContentType))
	if ct == "" {
		ct = ContentTypeDocument
	}

	r.mu.RLock()
	p, ok := r.processors[ct]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unsupported content type %q for document %s (supported: %s)",
			doc.ContentType, doc.ID, r.SupportedTypes())
	}
	return p.Reprocess(doc)
}

// SupportedTypes 返回所有已注册的内容类型
func (r *ReprocessRegistry) SupportedTypes() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var types []string
	for ct := range r.processors {
		types = append(types, ct)
	}
	return strings.Join(types, ", ")
}

// ── Document ─────────────────────────────────────────────────

// DocumentReprocessor 文本类文档：重叠滑窗分块
type DocumentReprocessor struct {
	chunker *Chunker
}

func (p *DocumentReprocessor) SupportedTypes() []string {
	return []string{ContentTypeDocument}
}

func (p *DocumentReprocessor) Reprocess(doc *SourceDocument) ([]ChunkDocument, error) {
	if strings.TrimSpace(doc.Content) == "" {
		return nil, fmt.Errorf("document %s has empty content", doc.ID)
	}

	pieces := p.chunker.Split(doc.Content)
	chunks := make([]ChunkDocument, 0, len(pieces))
	for i, piece := range pieces {
		chunks = append(chunks, newChunk(doc, i, piece))
	}
	return chunks, nil
}

// ── Image ────────────────────────────────────────────────────

// ImageReprocessor 图片：上游已生成描述文本（caption），整体作为单块索引
type ImageReprocessor struct{}

func (p *ImageReprocessor) SupportedTypes() []string {
	return []string{ContentTypeImage}
}

func (p *ImageReprocessor) Reprocess(doc *SourceDocument) ([]ChunkDocument, error) {
	caption := strings.TrimSpace(doc.Content)
	if caption == "" {
		return nil, fmt.Errorf("image %s has no caption text", doc.ID)
	}

	chunk := newChunk(doc, 0, caption)
	return []ChunkDocument{chunk}, nil
}

// ── Transcript ───────────────────────────────────────────────

// TranscriptReprocessor 音视频转写稿：按时间段落分块，保留段落时间戳
type TranscriptReprocessor struct {
	chunker *Chunker
}

func (p *TranscriptReprocessor) SupportedTypes() []string {
	return []string{ContentTypeTranscript}
}

func (p *TranscriptReprocessor) Reprocess(doc *SourceDocument) ([]ChunkDocument, error) {
	if strings.TrimSpace(doc.Content) == "" {
		return nil, fmt.Errorf("transcript %s has empty content", doc.ID)
	}

	// 转写稿以空行分隔时间段落；段落过长时再走滑窗分块
	segments := strings.Split(doc.Content, "\n\n")
	var chunks []ChunkDocument
	pos := 0
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		for _, piece := range p.chunker.Split(seg) {
			chunks = append(chunks, newChunk(doc, pos, piece))
			pos++
		}
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("transcript %s produced no segments", doc.ID)
	}
	return chunks, nil
}

func newChunk(doc *SourceDocument, position int, content string) ChunkDocument {
	return ChunkDocument{
		ChunkID:     fmt.Sprintf("%s_chunk_%d", doc.ID, position),
		DocID:       doc.ID,
		Title:       doc.Title,
		Content:     content,
		ContentType: doc.ContentType,
		Tags:        doc.Tags,
		Metadata:    doc.Metadata,
		Position:    position,
		CreatedAt:   doc.CreatedAt,
	}
}
