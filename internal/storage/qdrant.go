package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"cv-shortlister/internal/config"
	"cv-shortlister/internal/logger"
	"cv-shortlister/internal/tracing"
	"cv-shortlister/internal/types"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// 定义Qdrant的专用tracer
var qdrantTracer = otel.Tracer("cv-shortlister/storage/qdrant")

// QdrantPointIDNamespace 由 collection + 记录 id 生成确定性的 point id，重复写入同一 id 即覆盖
var QdrantPointIDNamespace = uuid.Must(uuid.FromString("fd6c72c2-5a33-4b53-8e7c-8298f3f5a7e1"))

// payload 字段
const (
	payloadRecordID  = "record_id"
	payloadContent   = "content"
	payloadMetadata  = "metadata"
	payloadCreatedAt = "created_at"
)

const qdrantScrollPageSize = 256

// doRequest 的哨兵错误
var (
	errQdrantNotFound      = errors.New("qdrant: not found")
	errQdrantAlreadyExists = errors.New("qdrant: collection already exists")
)

// Qdrant 基于 REST API 的向量库实现。
// 集合在第一次写入时按向量维度创建，查询不存在的集合返回空结果。
type Qdrant struct {
	endpoint       string
	apiKey         string
	distanceMetric string
	httpClient     *http.Client
	logger         zerolog.Logger

	mu    sync.Mutex
	known map[string]int // collection -> dimension，0 表示尚未创建

	createMu sync.Mutex // 同一进程内串行化建集合
}

var _ VectorStore = (*Qdrant)(nil)

// QdrantOption 定义Qdrant构造函数选项
type QdrantOption func(*Qdrant)

// WithHttpTimeout 设置HTTP客户端超时
func WithHttpTimeout(timeout time.Duration) QdrantOption {
	return func(q *Qdrant) {
		q.httpClient = &http.Client{Timeout: timeout}
	}
}

// WithHTTPClient 替换HTTP客户端
func WithHTTPClient(c *http.Client) QdrantOption {
	return func(q *Qdrant) {
		q.httpClient = c
	}
}

// NewQdrant 创建Qdrant客户端并检查服务可达
func NewQdrant(ctx context.Context, cfg *config.QdrantConfig, opts ...QdrantOption) (*Qdrant, error) {
	if cfg == nil {
		return nil, fmt.Errorf("qdrant配置不能为空")
	}

	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = "http://localhost:6333" // 默认端点
	}

	q := &Qdrant{
		endpoint:       endpoint,
		apiKey:         cfg.APIKey,
		distanceMetric: "Cosine",
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         logger.Component("qdrant"),
		known:          make(map[string]int),
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := q.doRequest(ctx, http.MethodGet, "/collections", nil, nil); err != nil {
		return nil, fmt.Errorf("连接Qdrant失败: %w", err)
	}

	q.logger.Info().Str("endpoint", endpoint).Msg("成功连接到Qdrant服务器")
	return q, nil
}

// Close Qdrant REST 客户端无需释放资源
func (q *Qdrant) Close() error { return nil }

func pointID(collection, recordID string) string {
	return uuid.NewV5(QdrantPointIDNamespace, collection+":"+recordID).String()
}

// collectionDimension 返回集合维度；集合不存在时返回 0
func (q *Qdrant) collectionDimension(ctx context.Context, name string) (int, error) {
	if dim := q.cachedDimension(name); dim > 0 {
		return dim, nil
	}
	return q.fetchDimension(ctx, name)
}

func (q *Qdrant) cachedDimension(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.known[name]
}

// fetchDimension 绕过缓存向服务端读取集合维度
func (q *Qdrant) fetchDimension(ctx context.Context, name string) (int, error) {
	var info struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size     int    `json:"size"`
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	err := q.doRequest(ctx, http.MethodGet, "/collections/"+name, nil, &info)
	if errors.Is(err, errQdrantNotFound) {
		q.mu.Lock()
		q.known[name] = 0
		q.mu.Unlock()
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	vectors := info.Result.Config.Params.Vectors
	if vectors.Distance != "" && vectors.Distance != q.distanceMetric {
		q.logger.Warn().Str("collection", name).Str("distance", vectors.Distance).
			Msg("现有集合的距离度量不是 Cosine，查询分数可能不可比")
	}
	q.mu.Lock()
	q.known[name] = vectors.Size
	q.mu.Unlock()
	return vectors.Size, nil
}

func (q *Qdrant) createCollection(ctx context.Context, name string, dim int) error {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.CreateCollection", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.collection", name),
		attribute.Int("db.vector_size", dim),
	)

	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     dim,
			"distance": q.distanceMetric,
		},
	}
	if err := q.doRequest(ctx, http.MethodPut, "/collections/"+name, body, nil); err != nil {
		if errors.Is(err, errQdrantAlreadyExists) {
			span.AddEvent("collection already exists")
			return err
		}
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return fmt.Errorf("创建集合 %s 失败: %w", name, err)
	}

	q.mu.Lock()
	q.known[name] = dim
	q.mu.Unlock()
	q.logger.Info().Str("collection", name).Int("dimension", dim).Msg("已创建Qdrant集合")
	return nil
}

// createIfMissing 集合不存在时按 dim 创建，返回集合的实际维度。
// 同进程的并发写入由 createMu 串行；另一个实例抢先创建时 Qdrant 回复已存在，
// 此时重新读取服务端的维度。
func (q *Qdrant) createIfMissing(ctx context.Context, name string, dim int) (int, error) {
	q.createMu.Lock()
	defer q.createMu.Unlock()

	if cur := q.cachedDimension(name); cur > 0 {
		return cur, nil
	}
	err := q.createCollection(ctx, name, dim)
	if errors.Is(err, errQdrantAlreadyExists) {
		q.forget(name)
		cur, ferr := q.fetchDimension(ctx, name)
		if ferr != nil {
			return 0, fmt.Errorf("读取集合 %s 维度失败: %w", name, ferr)
		}
		if cur == 0 {
			return 0, fmt.Errorf("集合 %s 报告已存在但无法读取", name)
		}
		q.logger.Debug().Str("collection", name).Int("dimension", cur).Msg("集合已由其他写入方创建")
		return cur, nil
	}
	if err != nil {
		return 0, err
	}
	return dim, nil
}

// EnsureCollection 检查集合；集合的实际创建推迟到第一次写入，因为那时才知道维度
func (q *Qdrant) EnsureCollection(ctx context.Context, name string) error {
	if err := validateCollection(name); err != nil {
		return err
	}
	_, err := q.collectionDimension(ctx, name)
	return err
}

// Store 以 uuid v5(collection:id) 作为 point id upsert 记录
func (q *Qdrant) Store(ctx context.Context, collection string, records []types.StoredRecord) ([]string, error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.Store", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", "upsert_points"),
		attribute.String("db.collection", collection),
		attribute.Int("vectors.count", len(records)),
	)

	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return []string{}, nil
	}

	dim, err := q.collectionDimension(ctx, collection)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return nil, err
	}
	prepared, batchDim, err := prepareRecords(records, dim)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return nil, err
	}
	if dim == 0 {
		actual, err := q.createIfMissing(ctx, collection, batchDim)
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return nil, err
		}
		if actual != batchDim {
			err := fmt.Errorf("%w: records have %d dimensions, collection %s has %d", ErrDimensionMismatch, batchDim, collection, actual)
			tracing.RecordError(span, err, tracing.ErrorTypeValidation)
			return nil, err
		}
	}

	points := make([]map[string]interface{}, 0, len(prepared))
	ids := make([]string, 0, len(prepared))
	for _, rec := range prepared {
		points = append(points, map[string]interface{}{
			"id":     pointID(collection, rec.ID),
			"vector": rec.Embedding,
			"payload": map[string]interface{}{
				payloadRecordID:  rec.ID,
				payloadContent:   rec.Content,
				payloadMetadata:  rec.Metadata,
				payloadCreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339Nano),
			},
		})
		ids = append(ids, rec.ID)
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", collection)
	if err := q.doRequest(ctx, http.MethodPut, path, map[string]interface{}{"points": points}, nil); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return nil, fmt.Errorf("写入集合 %s 失败: %w", collection, err)
	}

	span.SetStatus(codes.Ok, "")
	return ids, nil
}

type qdrantPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
	Vector  []float32              `json:"vector,omitempty"`
}

// Query 余弦相似度检索，distance = 1 - score
func (q *Qdrant) Query(ctx context.Context, collection string, vector []float32, k int) ([]types.QueryResult, error) {
	ctx, span := qdrantTracer.Start(ctx, "Qdrant.Query", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", "search_vectors"),
		attribute.String("db.collection", collection),
		attribute.Int("search.limit", k),
	)

	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	dim, err := q.collectionDimension(ctx, collection)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return nil, err
	}
	if k <= 0 || dim == 0 {
		return []types.QueryResult{}, nil
	}
	if len(vector) != dim {
		err := fmt.Errorf("%w: query has %d dimensions, collection %s has %d", ErrDimensionMismatch, len(vector), collection, dim)
		tracing.RecordError(span, err, tracing.ErrorTypeValidation)
		return nil, err
	}

	var resp struct {
		Result []qdrantPoint `json:"result"`
	}
	searchReq := map[string]interface{}{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
	}
	err = q.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/search", collection), searchReq, &resp)
	if errors.Is(err, errQdrantNotFound) {
		q.forget(collection)
		return []types.QueryResult{}, nil
	}
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return nil, fmt.Errorf("查询集合 %s 失败: %w", collection, err)
	}

	results := make([]types.QueryResult, 0, len(resp.Result))
	for _, p := range resp.Result {
		rec := recordFromPayload(p.Payload)
		results = append(results, types.QueryResult{
			ID:       rec.ID,
			Content:  rec.Content,
			Metadata: rec.Metadata,
			Distance: 1 - p.Score,
		})
	}
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}

	span.SetAttributes(attribute.Int("search.results.count", len(results)))
	span.SetStatus(codes.Ok, "")
	return results, nil
}

// GetByID 按记录 id 读取 point
func (q *Qdrant) GetByID(ctx context.Context, collection, id string) (*types.StoredRecord, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	var resp struct {
		Result *qdrantPoint `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/%s", collection, pointID(collection, id))
	err := q.doRequest(ctx, http.MethodGet, path, nil, &resp)
	if errors.Is(err, errQdrantNotFound) || (err == nil && resp.Result == nil) {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("读取记录 %s 失败: %w", id, err)
	}
	rec := recordFromPayload(resp.Result.Payload)
	rec.Embedding = resp.Result.Vector
	return &rec, nil
}

// Snapshot 用 scroll 翻页列出集合全部记录
func (q *Qdrant) Snapshot(ctx context.Context, collection string) (types.CollectionSnapshot, error) {
	snap := types.CollectionSnapshot{Name: collection, Records: []types.StoredRecord{}}
	if err := validateCollection(collection); err != nil {
		return snap, err
	}
	dim, err := q.collectionDimension(ctx, collection)
	if err != nil || dim == 0 {
		return snap, err
	}
	snap.Dimension = dim

	var offset interface{}
	for {
		body := map[string]interface{}{
			"limit":        qdrantScrollPageSize,
			"with_payload": true,
			"with_vector":  false,
		}
		if offset != nil {
			body["offset"] = offset
		}
		var resp struct {
			Result struct {
				Points         []qdrantPoint `json:"points"`
				NextPageOffset interface{}   `json:"next_page_offset"`
			} `json:"result"`
		}
		if err := q.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/scroll", collection), body, &resp); err != nil {
			return snap, fmt.Errorf("列出集合 %s 失败: %w", collection, err)
		}
		for _, p := range resp.Result.Points {
			snap.Records = append(snap.Records, recordFromPayload(p.Payload))
		}
		if resp.Result.NextPageOffset == nil || len(resp.Result.Points) == 0 {
			break
		}
		offset = resp.Result.NextPageOffset
	}
	snap.Count = len(snap.Records)
	return snap, nil
}

// Purge 删除整个集合，下一次写入时重新创建
func (q *Qdrant) Purge(ctx context.Context, collection string) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	err := q.doRequest(ctx, http.MethodDelete, "/collections/"+collection, nil, nil)
	if err != nil && !errors.Is(err, errQdrantNotFound) {
		return fmt.Errorf("删除集合 %s 失败: %w", collection, err)
	}
	q.forget(collection)
	q.logger.Info().Str("collection", collection).Msg("集合已清空")
	return nil
}

func (q *Qdrant) forget(collection string) {
	q.mu.Lock()
	delete(q.known, collection)
	q.mu.Unlock()
}

func recordFromPayload(payload map[string]interface{}) types.StoredRecord {
	rec := types.StoredRecord{Metadata: map[string]string{}}
	if v, ok := payload[payloadRecordID].(string); ok {
		rec.ID = v
	}
	if v, ok := payload[payloadContent].(string); ok {
		rec.Content = v
	}
	if m, ok := payload[payloadMetadata].(map[string]interface{}); ok {
		for k, v := range m {
			rec.Metadata[k] = fmt.Sprint(v)
		}
	}
	if v, ok := payload[payloadCreatedAt].(string); ok {
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return rec
}

func (q *Qdrant) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	// 创建请求和span
	ctx, span := qdrantTracer.Start(ctx, fmt.Sprintf("%s %s", method, path),
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("net.peer.name", q.endpoint),
		attribute.String("db.system", "qdrant"),
		attribute.String("db.operation", path),
	)

	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return err
		}
		reader = bytes.NewReader(jsonBody)
		span.SetAttributes(attribute.Int("http.request.body.size", len(jsonBody)))
	}

	req, err := http.NewRequestWithContext(ctx, method, q.endpoint+path, reader)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	// 注入trace context
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := q.httpClient.Do(req)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeHTTP)
		return err
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeHTTP)
		return err
	}

	if resp.StatusCode == http.StatusNotFound {
		return errQdrantNotFound
	}
	// 新版本回 409，旧版本回 400 并在正文中说明
	if resp.StatusCode == http.StatusConflict ||
		(resp.StatusCode == http.StatusBadRequest && bytes.Contains(respBody, []byte("already exists"))) {
		return errQdrantAlreadyExists
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err = fmt.Errorf("qdrant API error: status=%d, body=%s", resp.StatusCode, tracing.TruncateString(string(respBody), tracing.DefaultMaxLength))
		tracing.RecordHTTPError(span, err, resp.StatusCode)
		return err
	}

	if result != nil && len(respBody) > 0 {
		if err = json.Unmarshal(respBody, result); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return err
		}
	}

	span.SetStatus(codes.Ok, "")
	return nil
}
