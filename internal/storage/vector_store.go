package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"cv-shortlister/internal/config"
	"cv-shortlister/internal/types"

	"github.com/google/uuid"
)

var (
	// ErrDimensionMismatch 写入或查询向量的维度与集合维度不一致
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrRecordNotFound 集合中不存在该记录
	ErrRecordNotFound = errors.New("record not found")
	// ErrInvalidCollection 集合名为空或包含非法字符
	ErrInvalidCollection = errors.New("invalid collection name")
)

// VectorStore 命名集合上的向量存储。实现必须可被多个请求并发使用。
type VectorStore interface {
	// EnsureCollection 幂等地获取或创建集合
	EnsureCollection(ctx context.Context, name string) error

	// Store 按 id upsert 记录并返回 id；没有 id 的记录会被分配一个
	Store(ctx context.Context, collection string, records []types.StoredRecord) ([]string, error)

	// Query 返回距离升序的至多 k 条结果；集合不存在时自动创建并返回空结果
	Query(ctx context.Context, collection string, vector []float32, k int) ([]types.QueryResult, error)

	// GetByID 按 id 读取记录，不存在时返回 ErrRecordNotFound
	GetByID(ctx context.Context, collection, id string) (*types.StoredRecord, error)

	// Snapshot 列出集合的维度、数量与全部记录
	Snapshot(ctx context.Context, collection string) (types.CollectionSnapshot, error)

	// Purge 删除集合中的全部记录，集合不存在时不报错
	Purge(ctx context.Context, collection string) error

	Close() error
}

// NewVectorStore 按配置选择向量库后端
func NewVectorStore(ctx context.Context, cfg config.VectorStoreConfig) (VectorStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", config.VectorBackendSQLite:
		return NewSQLiteVectorStore(cfg.PersistDir)
	case config.VectorBackendQdrant:
		var opts []QdrantOption
		if cfg.Qdrant.TimeoutSeconds > 0 {
			opts = append(opts, WithHttpTimeout(time.Duration(cfg.Qdrant.TimeoutSeconds)*time.Second))
		}
		return NewQdrant(ctx, &cfg.Qdrant, opts...)
	default:
		return nil, fmt.Errorf("未知的向量库后端: %q", cfg.Backend)
	}
}

// NewRecordID 生成 {kind}_{random}_{timestamp}[_{index}] 形式的记录 id，index < 0 时省略后缀
func NewRecordID(kind types.DocumentKind, index int) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	id := fmt.Sprintf("%s_%s_%d", kind, random, time.Now().UnixMilli())
	if index >= 0 {
		id = fmt.Sprintf("%s_%d", id, index)
	}
	return id
}

// CosineDistance 1 - cos(a, b)，取值 [0, 2]。任一向量为零向量时返回 1。
func CosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	d := 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	// 浮点误差可能让结果略微越界
	return math.Max(0, math.Min(2, d))
}

// sortResults 距离升序，距离相同时按 id 排序，保证查询结果确定
func sortResults(results []types.QueryResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
}

// prepareRecords 补齐 id 与创建时间，并校验所有向量维度一致。
// dim > 0 时要求与之相等；返回这批记录的维度。
func prepareRecords(records []types.StoredRecord, dim int) ([]types.StoredRecord, int, error) {
	out := make([]types.StoredRecord, len(records))
	now := time.Now().UTC()
	for i, rec := range records {
		if len(rec.Embedding) == 0 {
			return nil, 0, fmt.Errorf("%w: record %d has an empty embedding", ErrDimensionMismatch, i)
		}
		if dim == 0 {
			dim = len(rec.Embedding)
		}
		if len(rec.Embedding) != dim {
			return nil, 0, fmt.Errorf("%w: record %d has %d dimensions, collection has %d", ErrDimensionMismatch, i, len(rec.Embedding), dim)
		}
		if rec.ID == "" {
			rec.ID = NewRecordID(kindOf(rec), i)
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		if rec.Metadata == nil {
			rec.Metadata = map[string]string{}
		}
		out[i] = rec
	}
	return out, dim, nil
}

func kindOf(rec types.StoredRecord) types.DocumentKind {
	if k := rec.Metadata[types.MetaDocType]; k != "" {
		return types.DocumentKind(k)
	}
	return "record"
}

func validateCollection(name string) error {
	if name == "" || strings.ContainsAny(name, "/?#% \t\n") {
		return fmt.Errorf("%w: %q", ErrInvalidCollection, name)
	}
	return nil
}
