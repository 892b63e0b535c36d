package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cv-shortlister/internal/config"
	"cv-shortlister/internal/storage"
	"cv-shortlister/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoint struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// fakeQdrant 在内存中模拟 Qdrant REST API 的一个子集
type fakeQdrant struct {
	mu          sync.Mutex
	collections map[string]int
	points      map[string]map[string]fakePoint
	apiKeys     []string
	creates     int
	staleReads  int // 接下来若干次读取集合信息时假装集合不存在
}

func newFakeQdrant() *fakeQdrant {
	return &fakeQdrant{collections: map[string]int{}, points: map[string]map[string]fakePoint{}}
}

func (f *fakeQdrant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKeys = append(f.apiKeys, r.Header.Get("api-key"))

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	write := func(v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": v, "status": "ok"})
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		write(map[string]interface{}{"collections": []interface{}{}})

	case len(parts) == 2 && r.Method == http.MethodGet:
		dim, ok := f.collections[parts[1]]
		if f.staleReads > 0 {
			f.staleReads--
			ok = false
		}
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		write(map[string]interface{}{"config": map[string]interface{}{"params": map[string]interface{}{
			"vectors": map[string]interface{}{"size": dim, "distance": "Cosine"},
		}}})

	case len(parts) == 2 && r.Method == http.MethodPut:
		var body struct {
			Vectors struct {
				Size int `json:"size"`
			} `json:"vectors"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, exists := f.collections[parts[1]]; exists {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"status": map[string]string{"error": "Wrong input: Collection `" + parts[1] + "` already exists!"},
			})
			return
		}
		f.creates++
		f.collections[parts[1]] = body.Vectors.Size
		f.points[parts[1]] = map[string]fakePoint{}
		write(true)

	case len(parts) == 2 && r.Method == http.MethodDelete:
		if _, ok := f.collections[parts[1]]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.collections, parts[1])
		delete(f.points, parts[1])
		write(true)

	case len(parts) == 3 && parts[2] == "points" && r.Method == http.MethodPut:
		var body struct {
			Points []fakePoint `json:"points"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, p := range body.Points {
			f.points[parts[1]][p.ID] = p
		}
		write(map[string]interface{}{"status": "completed"})

	case len(parts) == 4 && parts[3] == "search":
		var body struct {
			Vector []float32 `json:"vector"`
			Limit  int       `json:"limit"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		var hits []map[string]interface{}
		for _, p := range f.points[parts[1]] {
			hits = append(hits, map[string]interface{}{
				"id":      p.ID,
				"score":   1 - storage.CosineDistance(body.Vector, p.Vector),
				"payload": p.Payload,
			})
		}
		write(hits)

	case len(parts) == 4 && parts[3] == "scroll":
		var pts []fakePoint
		for _, p := range f.points[parts[1]] {
			pts = append(pts, fakePoint{ID: p.ID, Payload: p.Payload})
		}
		write(map[string]interface{}{"points": pts, "next_page_offset": nil})

	case len(parts) == 4 && parts[2] == "points" && r.Method == http.MethodGet:
		p, ok := f.points[parts[1]][parts[3]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		write(p)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestQdrant(t *testing.T) (*storage.Qdrant, *fakeQdrant) {
	t.Helper()
	fake := newFakeQdrant()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	return newQdrantClient(t, server.URL), fake
}

func newQdrantClient(t *testing.T, url string) *storage.Qdrant {
	t.Helper()
	q, err := storage.NewQdrant(context.Background(),
		&config.QdrantConfig{Endpoint: url + "/", APIKey: "secret"},
		storage.WithHttpTimeout(5*time.Second))
	require.NoError(t, err, "应该成功创建Qdrant客户端")
	return q
}

func qrec(id string, emb ...float32) types.StoredRecord {
	return types.StoredRecord{
		ID:        id,
		Content:   "content " + id,
		Metadata:  map[string]string{"source": id + ".pdf", "doc_type": "resume", "page": "2"},
		Embedding: emb,
	}
}

func TestQdrant_StoreQueryGet(t *testing.T) {
	ctx := context.Background()
	q, fake := newTestQdrant(t)

	require.NoError(t, q.EnsureCollection(ctx, "resumes"))

	results, err := q.Query(ctx, "resumes", []float32{1, 0}, 3)
	require.NoError(t, err)
	assert.Empty(t, results, "集合尚未创建时返回空结果")

	ids, err := q.Store(ctx, "resumes", []types.StoredRecord{qrec("a", 1, 0), qrec("b", 0, 1), qrec("c", 0.8, 0.2)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, 2, fake.collections["resumes"], "首次写入时按维度建集合")

	results, err = q.Query(ctx, "resumes", []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "c", results[1].ID)
	assert.InDelta(t, 0.0, results[0].Distance, 1e-6)
	assert.Equal(t, "a.pdf", results[0].Metadata["source"])
	assert.Equal(t, "content a", results[0].Content)

	got, err := q.GetByID(ctx, "resumes", "b")
	require.NoError(t, err)
	assert.Equal(t, "content b", got.Content)
	assert.Equal(t, "2", got.Metadata["page"])
	assert.Equal(t, []float32{0, 1}, got.Embedding)

	_, err = q.GetByID(ctx, "resumes", "missing")
	assert.ErrorIs(t, err, storage.ErrRecordNotFound)

	assert.Contains(t, fake.apiKeys, "secret")
}

func TestQdrant_UpsertUsesDeterministicPointID(t *testing.T) {
	ctx := context.Background()
	q, fake := newTestQdrant(t)

	_, err := q.Store(ctx, "resumes", []types.StoredRecord{qrec("a", 1, 0)})
	require.NoError(t, err)
	_, err = q.Store(ctx, "resumes", []types.StoredRecord{qrec("a", 0, 1)})
	require.NoError(t, err)
	assert.Len(t, fake.points["resumes"], 1)
}

func TestQdrant_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQdrant(t)

	_, err := q.Store(ctx, "resumes", []types.StoredRecord{qrec("a", 1, 0, 0)})
	require.NoError(t, err)

	_, err = q.Store(ctx, "resumes", []types.StoredRecord{qrec("b", 1, 0)})
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)

	_, err = q.Query(ctx, "resumes", []float32{1}, 1)
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
}

func TestQdrant_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	fake := newFakeQdrant()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	// 两个实例共享同一个 Qdrant，同时向尚未创建的集合写入
	clients := []*storage.Qdrant{newQdrantClient(t, server.URL), newQdrantClient(t, server.URL)}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for w := 0; w < 20; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			_, err := clients[w%2].Store(ctx, "resumes", []types.StoredRecord{
				qrec(fmt.Sprintf("w%02d", w), float32(w), 1),
			})
			errs <- err
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, fake.creates)
	assert.Len(t, fake.points["resumes"], 20)
}

func TestQdrant_CollectionCreatedByAnotherWriter(t *testing.T) {
	ctx := context.Background()
	fake := newFakeQdrant()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	first, second := newQdrantClient(t, server.URL), newQdrantClient(t, server.URL)

	_, err := first.Store(ctx, "resumes", []types.StoredRecord{qrec("a", 1, 0)})
	require.NoError(t, err)

	// second 读取时集合还不存在，建集合时对方已经建好
	fake.mu.Lock()
	fake.staleReads = 1
	fake.mu.Unlock()
	_, err = second.Store(ctx, "resumes", []types.StoredRecord{qrec("b", 0, 1)})
	require.NoError(t, err, "已存在的回复视为成功")
	assert.Len(t, fake.points["resumes"], 2)

	fake.mu.Lock()
	fake.staleReads = 1
	fake.mu.Unlock()
	third := newQdrantClient(t, server.URL)
	_, err = third.Store(ctx, "resumes", []types.StoredRecord{qrec("c", 1, 0, 0)})
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch, "以服务端的实际维度为准")
}

func TestQdrant_SnapshotAndPurge(t *testing.T) {
	ctx := context.Background()
	q, fake := newTestQdrant(t)

	_, err := q.Store(ctx, "job_descriptions", []types.StoredRecord{qrec("jd", 1, 1)})
	require.NoError(t, err)

	snap, err := q.Snapshot(ctx, "job_descriptions")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Count)
	assert.Equal(t, 2, snap.Dimension)
	assert.Equal(t, "jd", snap.Records[0].ID)

	require.NoError(t, q.Purge(ctx, "job_descriptions"))
	require.NoError(t, q.Purge(ctx, "job_descriptions"), "集合不存在时不报错")
	_, exists := fake.collections["job_descriptions"]
	assert.False(t, exists)

	snap, err = q.Snapshot(ctx, "job_descriptions")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Count)
}

func TestQdrant_ServerUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := storage.NewQdrant(context.Background(), &config.QdrantConfig{Endpoint: server.URL})
	assert.Error(t, err)
}

func TestNewVectorStore(t *testing.T) {
	vs, err := storage.NewVectorStore(context.Background(), config.VectorStoreConfig{Backend: "SQLite", PersistDir: t.TempDir()})
	require.NoError(t, err)
	defer vs.Close()
	_, ok := vs.(*storage.SQLiteVectorStore)
	assert.True(t, ok)

	_, err = storage.NewVectorStore(context.Background(), config.VectorStoreConfig{Backend: "chroma"})
	assert.Error(t, err)
}
