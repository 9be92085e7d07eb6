package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"searchweave/internal/domain/index"
	applog "searchweave/internal/platform/log"
)

// DocumentSource 重建时读取的文档源（documents 表）。
// 文档内容由上游（上传/抽取服务）写入，这里只读。
type DocumentSource struct {
	db *sql.DB
}

// NewDocumentSource 创建文档源
func NewDocumentSource(db *sql.DB) *DocumentSource {
	return &DocumentSource{db: db}
}

// EnsureDocumentTable 确保 documents 表存在
func (s *DocumentSource) EnsureDocumentTable(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS documents (
		id           VARCHAR(255) PRIMARY KEY,
		title        VARCHAR(512) NOT NULL DEFAULT '',
		content      TEXT NOT NULL,
		content_type VARCHAR(32) NOT NULL DEFAULT 'document',
		tags         TEXT[] NOT NULL DEFAULT '{}',
		metadata     JSONB NOT NULL DEFAULT '{}',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_documents_content_type ON documents(content_type);
	`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// CountDocuments 文档总数
func (s *DocumentSource) CountDocuments(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return count, nil
}

// ListDocuments 按 ID 升序返回 afterID 之后的一批文档（keyset 分页）
func (s *DocumentSource) ListDocuments(ctx context.Context, afterID string, limit int) ([]index.SourceDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, content, content_type, tags, metadata, created_at
		FROM documents
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list documents after %q: %w", afterID, err)
	}
	defer rows.Close()

	var docs []index.SourceDocument
	for rows.Next() {
		var (
			doc  index.SourceDocument
			meta []byte
		)
		err := rows.Scan(&doc.ID, &doc.Title, &doc.Content, &doc.ContentType,
			pq.Array(&doc.Tags), &meta, &doc.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &doc.Metadata); err != nil {
				applog.Warn("[Storage] Failed to parse document metadata", "doc_id", doc.ID, "error", err)
			}
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}
