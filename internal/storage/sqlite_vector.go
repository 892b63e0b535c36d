package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cv-shortlister/internal/logger"
	"cv-shortlister/internal/tracing"
	"cv-shortlister/internal/types"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite" // SQLite driver
)

var sqliteTracer = otel.Tracer("cv-shortlister/storage/sqlite")

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS collections (
	name       TEXT PRIMARY KEY,
	dimension  INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	content    TEXT NOT NULL,
	metadata   TEXT NOT NULL,
	embedding  BLOB NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (collection, id)
);`

// SQLiteVectorStore 嵌入式向量库，精确余弦检索。
// 所有访问经由单个连接串行化，写入额外持有互斥锁。
type SQLiteVectorStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger zerolog.Logger
}

var _ VectorStore = (*SQLiteVectorStore)(nil)

// NewSQLiteVectorStore 在 dir 下打开 vectors.db；dir 为空时使用内存库
func NewSQLiteVectorStore(dir string) (*SQLiteVectorStore, error) {
	dsn := ":memory:"
	path := ":memory:"
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建向量库目录失败: %w", err)
		}
		path = filepath.Join(dir, "vectors.db")
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 失败: %w", err)
	}
	// 内存库每个连接是独立的数据库，文件库也借此避免写锁竞争
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化向量库表结构失败: %w", err)
	}

	s := &SQLiteVectorStore{db: db, logger: logger.Component("sqlite-vector-store")}
	s.logger.Info().Str("path", path).Msg("SQLite 向量库已就绪")
	return s, nil
}

// Close 关闭数据库
func (s *SQLiteVectorStore) Close() error { return s.db.Close() }

// EnsureCollection 幂等创建集合
func (s *SQLiteVectorStore) EnsureCollection(ctx context.Context, name string) error {
	if err := validateCollection(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.ensureCollection(ctx, s.db, name)
	return err
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ensureCollection 返回集合当前维度，0 表示尚未写入过记录
func (s *SQLiteVectorStore) ensureCollection(ctx context.Context, q execQuerier, name string) (int, error) {
	_, err := q.ExecContext(ctx,
		`INSERT INTO collections (name, dimension, created_at) VALUES (?, 0, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("创建集合 %s 失败: %w", name, err)
	}
	var dim int
	if err := q.QueryRowContext(ctx, `SELECT dimension FROM collections WHERE name = ?`, name).Scan(&dim); err != nil {
		return 0, fmt.Errorf("读取集合 %s 维度失败: %w", name, err)
	}
	return dim, nil
}

// Store 在一个事务中 upsert 全部记录
func (s *SQLiteVectorStore) Store(ctx context.Context, collection string, records []types.StoredRecord) ([]string, error) {
	ctx, span := sqliteTracer.Start(ctx, "SQLiteVectorStore.Store", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.collection", collection),
		attribute.Int("records.count", len(records)),
	)

	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return []string{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return nil, fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	dim, err := s.ensureCollection(ctx, tx, collection)
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
		if _, err := tx.ExecContext(ctx, `UPDATE collections SET dimension = ? WHERE name = ?`, batchDim, collection); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return nil, fmt.Errorf("记录集合维度失败: %w", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (collection, id, content, metadata, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			content = excluded.content,
			metadata = excluded.metadata,
			embedding = excluded.embedding,
			created_at = excluded.created_at`)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return nil, fmt.Errorf("准备写入语句失败: %w", err)
	}
	defer stmt.Close()

	ids := make([]string, len(prepared))
	for i, rec := range prepared {
		meta, err := json.Marshal(rec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("序列化元数据失败: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, collection, rec.ID, rec.Content, string(meta),
			float32SliceToBytes(rec.Embedding), rec.CreatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return nil, fmt.Errorf("写入记录 %s 失败: %w", rec.ID, err)
		}
		ids[i] = rec.ID
	}

	if err := tx.Commit(); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return nil, fmt.Errorf("提交事务失败: %w", err)
	}
	span.SetAttributes(attribute.Int("db.vector_size", batchDim))
	return ids, nil
}

// Query 全量扫描集合并按余弦距离排序
func (s *SQLiteVectorStore) Query(ctx context.Context, collection string, vector []float32, k int) ([]types.QueryResult, error) {
	ctx, span := sqliteTracer.Start(ctx, "SQLiteVectorStore.Query", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.collection", collection),
		attribute.Int("search.limit", k),
	)

	if err := validateCollection(collection); err != nil {
		return nil, err
	}

	s.mu.Lock()
	dim, err := s.ensureCollection(ctx, s.db, collection)
	s.mu.Unlock()
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

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, metadata, embedding FROM records WHERE collection = ?`, collection)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return nil, fmt.Errorf("查询集合 %s 失败: %w", collection, err)
	}
	defer rows.Close()

	var results []types.QueryResult
	for rows.Next() {
		var (
			id, content, meta string
			blob              []byte
		)
		if err := rows.Scan(&id, &content, &meta, &blob); err != nil {
			return nil, fmt.Errorf("读取记录失败: %w", err)
		}
		emb := bytesToFloat32Slice(blob)
		if len(emb) != dim {
			s.logger.Warn().Str("collection", collection).Str("id", id).Msg("跳过维度异常的记录")
			continue
		}
		metadata, err := decodeMetadata(meta)
		if err != nil {
			return nil, err
		}
		results = append(results, types.QueryResult{
			ID:       id,
			Content:  content,
			Metadata: metadata,
			Distance: CosineDistance(vector, emb),
		})
	}
	if err := rows.Err(); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return nil, err
	}

	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	if results == nil {
		results = []types.QueryResult{}
	}
	span.SetAttributes(attribute.Int("search.results.count", len(results)))
	return results, nil
}

// GetByID 按 id 读取记录
func (s *SQLiteVectorStore) GetByID(ctx context.Context, collection, id string) (*types.StoredRecord, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		content, meta, createdAt string
		blob                     []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT content, metadata, embedding, created_at FROM records WHERE collection = ? AND id = ?`,
		collection, id).Scan(&content, &meta, &blob, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("读取记录 %s 失败: %w", id, err)
	}

	metadata, err := decodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	created, _ := time.Parse(time.RFC3339Nano, createdAt)
	return &types.StoredRecord{
		ID:        id,
		Content:   content,
		Metadata:  metadata,
		Embedding: bytesToFloat32Slice(blob),
		CreatedAt: created,
	}, nil
}

// Snapshot 按写入顺序列出集合记录
func (s *SQLiteVectorStore) Snapshot(ctx context.Context, collection string) (types.CollectionSnapshot, error) {
	snap := types.CollectionSnapshot{Name: collection, Records: []types.StoredRecord{}}
	if err := validateCollection(collection); err != nil {
		return snap, err
	}

	s.mu.Lock()
	dim, err := s.ensureCollection(ctx, s.db, collection)
	s.mu.Unlock()
	if err != nil {
		return snap, err
	}
	snap.Dimension = dim

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, metadata, created_at FROM records WHERE collection = ? ORDER BY rowid`, collection)
	if err != nil {
		return snap, fmt.Errorf("列出集合 %s 失败: %w", collection, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, content, meta, createdAt string
		if err := rows.Scan(&id, &content, &meta, &createdAt); err != nil {
			return snap, fmt.Errorf("读取记录失败: %w", err)
		}
		metadata, err := decodeMetadata(meta)
		if err != nil {
			return snap, err
		}
		created, _ := time.Parse(time.RFC3339Nano, createdAt)
		snap.Records = append(snap.Records, types.StoredRecord{ID: id, Content: content, Metadata: metadata, CreatedAt: created})
	}
	snap.Count = len(snap.Records)
	return snap, rows.Err()
}

// Purge 删除集合的全部记录并重置维度
func (s *SQLiteVectorStore) Purge(ctx context.Context, collection string) error {
	if err := validateCollection(collection); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("清空集合 %s 失败: %w", collection, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, collection); err != nil {
		return fmt.Errorf("删除集合 %s 失败: %w", collection, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	s.logger.Info().Str("collection", collection).Msg("集合已清空")
	return nil
}

func decodeMetadata(raw string) (map[string]string, error) {
	meta := map[string]string{}
	if raw == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("解析元数据失败: %w", err)
	}
	return meta, nil
}

func float32SliceToBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToFloat32Slice(data []byte) []float32 {
	if len(data)%4 != 0 {
		return nil
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}
