package opensearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"searchweave/internal/domain/index"
	"searchweave/internal/domain/retrieval"
	applog "searchweave/internal/platform/log"
)

// Config OpenSearch 连接配置
type Config struct {
	URL            string `json:"url"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	InsecureTLS    bool   `json:"insecure_tls"`
}

// Client OpenSearch HTTP 客户端。
// 同时实现 index.IndexService（重建路径）和 retrieval.SliceQuerier（查询路径）。
type Client struct {
	baseURL     string
	username    string
	password    string
	httpClient  *http.Client
	searchAlias string // 查询路径固定走 active 别名
	snippetLen  int
}

// NewClient 创建 OpenSearch 客户端
func NewClient(cfg *Config, searchAlias string) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := http.DefaultTransport
	if cfg.InsecureTLS {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // 开发环境
		}
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		searchAlias: searchAlias,
		snippetLen:  300,
	}
}

// Ping 检查连通性
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.doRequest(ctx, "GET", "/", nil)
	if err != nil {
		return fmt.Errorf("ping opensearch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return fmt.Errorf("opensearch returned status %d", resp.StatusCode)
	}
	return nil
}

// IndexExists 索引是否存在
func (c *Client) IndexExists(ctx context.Context, indexID string) (bool, error) {
	resp, err := c.doRequest(ctx, "HEAD", "/"+indexID, nil)
	if err != nil {
		return false, c.transient("index exists", err)
	}
	resp.Body.Close()
	return resp.StatusCode == 200, nil
}

// CreateIndex 创建索引
func (c *Client) CreateIndex(ctx context.Context, indexID string) error {
	mapping := map[string]interface{}{
		"settings": map[string]interface{}{
			"number_of_shards":   1,
			"number_of_replicas": 1,
		},
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"chunk_id":     map[string]string{"type": "keyword"},
				"doc_id":       map[string]string{"type": "keyword"},
				"content_type": map[string]string{"type": "keyword"},
				"tags":         map[string]string{"type": "keyword"},
				"title":        map[string]string{"type": "text"},
				"content":      map[string]string{"type": "text"},
				"position":     map[string]string{"type": "integer"},
				"created_at":   map[string]string{"type": "date"},
				"metadata":     map[string]interface{}{"type": "object", "enabled": true},
			},
		},
	}

	body, _ := json.Marshal(mapping)
	resp, err := c.doRequest(ctx, "PUT", "/"+indexID, bytes.NewReader(body))
	if err != nil {
		return c.transient("create index", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return c.statusError("create index", resp)
	}

	applog.Info("[Index] Index created", "index", indexID)
	return nil
}

// DeleteIndex 删除索引。404 视为 no-op，保证重试安全。
func (c *Client) DeleteIndex(ctx context.Context, indexID string) error {
	resp, err := c.doRequest(ctx, "DELETE", "/"+indexID, nil)
	if err != nil {
		return c.transient("delete index", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		applog.Debug("[Index] Index already absent", "index", indexID)
		return nil
	}
	if resp.StatusCode != 200 {
		return c.statusError("delete index", resp)
	}

	applog.Info("[Index] Index deleted", "index", indexID)
	return nil
}

// BulkIndex 批量写入分块
func (c *Client) BulkIndex(ctx context.Context, indexID string, chunks []index.ChunkDocument) error {
	if len(chunks) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, chunk := range chunks {
		action := map[string]interface{}{
			"index": map[string]interface{}{
				"_index": indexID,
				"_id":    chunk.ChunkID,
			},
		}
		actionLine, _ := json.Marshal(action)
		buf.Write(actionLine)
		buf.WriteByte('\n')

		docLine, _ := json.Marshal(chunk)
		buf.Write(docLine)
		buf.WriteByte('\n')
	}

	resp, err := c.doRequest(ctx, "POST", "/_bulk", &buf)
	if err != nil {
		return c.transient("bulk index", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return c.statusError("bulk index", resp)
	}

	applog.Debug("[Index] Bulk indexed", "index", indexID, "count", len(chunks))
	return nil
}

// StartIngestion 启动异步 _reindex（sourceSelector -> indexID），立即返回任务 ID。
// 实际的灌入在服务端跑，时长不受任何一次调用的预算限制。
func (c *Client) StartIngestion(ctx context.Context, indexID, sourceSelector string) (string, error) {
	payload := map[string]interface{}{
		"source": map[string]interface{}{"index": sourceSelector},
		"dest":   map[string]interface{}{"index": indexID},
	}
	body, _ := json.Marshal(payload)

	resp, err := c.doRequest(ctx, "POST", "/_reindex?wait_for_completion=false", bytes.NewReader(body))
	if err != nil {
		return "", c.transient("start ingestion", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return "", c.statusError("start ingestion", resp)
	}

	var result struct {
		Task string `json:"task"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("parse ingestion response: %w", err)
	}
	if result.Task == "" {
		return "", fmt.Errorf("ingestion started but no task id returned")
	}

	applog.Info("[Index] Ingestion task started", "index", indexID, "task_id", result.Task)
	return result.Task, nil
}

// StartFinalize 刷新后启动异步 forcemerge，立即返回任务 ID
func (c *Client) StartFinalize(ctx context.Context, indexID string) (string, error) {
	resp, err := c.doRequest(ctx, "POST", "/"+indexID+"/_refresh", nil)
	if err != nil {
		return "", c.transient("refresh index", err)
	}
	resp.Body.Close()

	resp, err = c.doRequest(ctx, "POST", "/"+indexID+"/_forcemerge?max_num_segments=1&wait_for_completion=false", nil)
	if err != nil {
		return "", c.transient("start finalize", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return "", c.statusError("start finalize", resp)
	}

	var result struct {
		Task string `json:"task"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("parse finalize response: %w", err)
	}
	if result.Task == "" {
		return "", fmt.Errorf("finalize started but no task id returned")
	}

	applog.Info("[Index] Finalize task started", "index", indexID, "task_id", result.Task)
	return result.Task, nil
}

// GetIngestionStatus 查询异步任务状态。单次有界调用。
func (c *Client) GetIngestionStatus(ctx context.Context, taskID string) (*index.IngestionStatus, error) {
	resp, err := c.doRequest(ctx, "GET", "/_tasks/"+url.PathEscape(taskID), nil)
	if err != nil {
		return nil, c.transient("get task status", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, c.statusError("get task status", resp)
	}

	var result struct {
		Completed bool `json:"completed"`
		Task      struct {
			Status struct {
				Total   int64 `json:"total"`
				Created int64 `json:"created"`
				Updated int64 `json:"updated"`
			} `json:"status"`
		} `json:"task"`
		Error *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
		Response *struct {
			Failures []json.RawMessage `json:"failures"`
		} `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("parse task status: %w", err)
	}

	status := &index.IngestionStatus{
		Completed: result.Completed,
		Total:     result.Task.Status.Total,
		Created:   result.Task.Status.Created + result.Task.Status.Updated,
	}
	if result.Error != nil {
		status.Failure = fmt.Sprintf("%s: %s", result.Error.Type, result.Error.Reason)
	} else if result.Response != nil && len(result.Response.Failures) > 0 {
		status.Failure = fmt.Sprintf("%d documents failed during ingestion", len(result.Response.Failures))
	}
	return status, nil
}

// ActiveIndex 返回别名指向的索引，别名不存在时返回空串
func (c *Client) ActiveIndex(ctx context.Context, alias string) (string, error) {
	resp, err := c.doRequest(ctx, "GET", "/_alias/"+alias, nil)
	if err != nil {
		return "", c.transient("resolve alias", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		return "", nil
	}
	if resp.StatusCode != 200 {
		return "", c.statusError("resolve alias", resp)
	}

	// 响应形如 {"<index>": {"aliases": {"<alias>": {}}}}
	var result map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("parse alias response: %w", err)
	}
	for indexName := range result {
		return indexName, nil
	}
	return "", nil
}

// SwapActiveIndex 一次 _aliases 调用内原子完成 remove+add
func (c *Client) SwapActiveIndex(ctx context.Context, alias, oldIndexID, newIndexID string) error {
	var actions []interface{}
	if oldIndexID != "" {
		actions = append(actions, map[string]interface{}{
			"remove": map[string]string{"index": oldIndexID, "alias": alias},
		})
	}
	actions = append(actions, map[string]interface{}{
		"add": map[string]string{"index": newIndexID, "alias": alias},
	})

	body, _ := json.Marshal(map[string]interface{}{"actions": actions})
	resp, err := c.doRequest(ctx, "POST", "/_aliases", bytes.NewReader(body))
	if err != nil {
		return c.transient("swap alias", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return c.statusError("swap alias", resp)
	}

	applog.Info("[Index] Alias swapped", "alias", alias, "old", oldIndexID, "new", newIndexID)
	return nil
}

// QuerySlice 对 active 别名执行一路切片查询
func (c *Client) QuerySlice(ctx context.Context, queryText string, filter map[string]string, topK int) ([]retrieval.ScoredChunk, error) {
	if topK <= 0 {
		topK = 10
	}

	must := []interface{}{
		map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  queryText,
				"fields": []string{"title^2", "content"},
			},
		},
	}

	var filters []interface{}
	for field, value := range filter {
		filters = append(filters, map[string]interface{}{
			"term": map[string]string{field: value},
		})
	}

	query := map[string]interface{}{
		"size": topK,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must":   must,
				"filter": filters,
			},
		},
	}

	body, _ := json.Marshal(query)
	resp, err := c.doRequest(ctx, "POST", "/"+c.searchAlias+"/_search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("slice search: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("slice search failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var osResp struct {
		Hits struct {
			Hits []struct {
				ID     string          `json:"_id"`
				Score  float64         `json:"_score"`
				Source json.RawMessage `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(respBody, &osResp); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}

	chunks := make([]retrieval.ScoredChunk, 0, len(osResp.Hits.Hits))
	for _, hit := range osResp.Hits.Hits {
		var src index.ChunkDocument
		if err := json.Unmarshal(hit.Source, &src); err != nil {
			applog.Warn("[Index] Failed to parse hit source", "id", hit.ID, "error", err)
			continue
		}
		chunks = append(chunks, retrieval.ScoredChunk{
			ChunkID:    src.ChunkID,
			DocumentID: src.DocID,
			Snippet:    truncate(src.Content, c.snippetLen),
			RawScore:   hit.Score,
		})
	}
	return chunks, nil
}

// doRequest 执行 HTTP 请求
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	return c.httpClient.Do(req)
}

// transient 网络层错误一律视为瞬时故障，交给上层退避重试
func (c *Client) transient(op string, err error) error {
	return &index.TransientError{Op: op, Err: err}
}

// statusError 429/5xx 为瞬时故障，其余状态码为不可恢复错误
func (c *Client) statusError(op string, resp *http.Response) error {
	respBody, _ := io.ReadAll(resp.Body)
	err := fmt.Errorf("%s failed (%d): %s", op, resp.StatusCode, string(respBody))
	if resp.StatusCode == 429 || resp.StatusCode >= 500 {
		return &index.TransientError{Op: op, Err: err}
	}
	return err
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
