package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cv-shortlister/internal/config"

	einoembedding "github.com/cloudwego/eino/components/embedding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashingEmbedder_Deterministic(t *testing.T) {
	p := NewHashingEmbedder(0)
	assert.Equal(t, config.ProviderLocal, p.Name())
	assert.Equal(t, "feature-hashing-v1", p.Model())
	assert.Equal(t, 384, p.Dimensions())

	ctx := context.Background()
	v1, err := Embed(ctx, p, "Senior Go engineer with Kubernetes experience")
	require.NoError(t, err)
	v2, err := Embed(ctx, p, "Senior Go engineer with Kubernetes experience")
	require.NoError(t, err)

	assert.Len(t, v1, 384)
	assert.Equal(t, v1, v2, "同一输入应得到同一向量")
	assert.InDelta(t, 1.0, cosine(v1, v1), 1e-5)
}

func TestHashingEmbedder_SimilarTextIsCloser(t *testing.T) {
	p := NewHashingEmbedder(256)
	ctx := context.Background()

	vectors, err := EmbedBatch(ctx, p, []string{
		"python developer machine learning pandas",
		"machine learning engineer python pandas numpy",
		"registered nurse intensive care unit",
	})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Len(t, vectors[0], 256)

	assert.Greater(t, cosine(vectors[0], vectors[1]), cosine(vectors[0], vectors[2]))
}

func TestHashingEmbedder_EmptyText(t *testing.T) {
	p := NewHashingEmbedder(0)
	vec, err := Embed(context.Background(), p, "   ")
	require.NoError(t, err)
	assert.Len(t, vec, p.Dimensions())
	assert.Equal(t, float32(1), vec[0])
}

func TestNewLocalProvider_HashingKeepsItsOwnLabel(t *testing.T) {
	p, err := NewLocalProvider(config.LocalEmbeddingConfig{Model: HashingModel, Dimensions: 64})
	require.NoError(t, err)
	_, ok := p.(*HashingEmbedder)
	require.True(t, ok)
	assert.Equal(t, HashingModel, p.Model())
	assert.Equal(t, 64, p.Dimensions())
	assert.NotContains(t, CacheKey(p.Name(), p.Model(), "x"), "MiniLM")
}

func TestLoadLocalEmbedder_MissingModelWithoutDownload(t *testing.T) {
	_, err := NewLocalProvider(config.LocalEmbeddingConfig{
		Model:     "sentence-transformers/all-MiniLM-L6-v2",
		ModelsDir: t.TempDir(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.Contains(t, err.Error(), "all-MiniLM-L6-v2")
}

func TestLocalEmbedder_NormalizesEncoderOutput(t *testing.T) {
	var seen []string
	p := newLocalEmbedder("sentence-transformers/all-MiniLM-L6-v2", 3, func(_ context.Context, text string) ([]float64, error) {
		seen = append(seen, text)
		return []float64{3, 0, 4}, nil
	})
	assert.Equal(t, config.ProviderLocal, p.Name())
	assert.Equal(t, "sentence-transformers/all-MiniLM-L6-v2", p.Model())

	vectors, err := EmbedBatch(context.Background(), p, []string{"Go engineer", "Nurse"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.InDeltaSlice(t, []float32{0.6, 0, 0.8}, vectors[0], 1e-6)
	assert.Equal(t, []string{"Go engineer", "Nurse"}, seen)
}

func TestLocalEmbedder_EncoderFailures(t *testing.T) {
	ctx := context.Background()

	broken := newLocalEmbedder("m", 3, func(context.Context, string) ([]float64, error) {
		return nil, errors.New("tensor shape mismatch")
	})
	_, err := Embed(ctx, broken, "text")
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	wrongDim := newLocalEmbedder("m", 384, func(context.Context, string) ([]float64, error) {
		return []float64{1, 2}, nil
	})
	_, err = Embed(ctx, wrongDim, "text")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func newOpenAIServer(t *testing.T, handler http.HandlerFunc) *OpenAIEmbedder {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewOpenAIEmbedder("sk-test", config.EmbeddingConfig{
		Model:      "text-embedding-3-small",
		Dimensions: 3,
		BaseURL:    srv.URL,
	}, WithHTTPTimeout(5*time.Second))
	require.NoError(t, err)
	return p
}

func TestOpenAIEmbedder_Success(t *testing.T) {
	p := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)
		assert.Equal(t, 3, req.Dimensions)
		assert.Equal(t, []string{"a", "b"}, req.Input)

		// 故意乱序返回，客户端应按 index 排序
		_, _ = w.Write([]byte(`{"data":[
			{"index":1,"embedding":[0,1,0]},
			{"index":0,"embedding":[1,0,0]}
		],"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	})

	vectors, err := EmbedBatch(context.Background(), p, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, vectors)
}

func TestOpenAIEmbedder_Errors(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"凭证被拒绝", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, ErrMissingCredential},
		{"服务端错误", http.StatusInternalServerError, `oops`, ErrProviderUnavailable},
		{"限流", http.StatusTooManyRequests, `slow down`, ErrProviderUnavailable},
		{"非法 JSON", http.StatusOK, `not json`, ErrMalformedResponse},
		{"缺少 data", http.StatusOK, `{"data":[]}`, ErrMalformedResponse},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := Embed(context.Background(), p, "hello")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "unexpected error: %v", err)
		})
	}
}

func TestOpenAIEmbedder_DimensionMismatch(t *testing.T) {
	p := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1,0]}]}`))
	})
	_, err := Embed(context.Background(), p, "hello")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestOpenAIEmbedder_MissingKey(t *testing.T) {
	_, err := NewOpenAIEmbedder("  ", config.EmbeddingConfig{})
	assert.ErrorIs(t, err, ErrMissingCredential)

	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, config.ProviderOpenAI, perr.Provider)
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[]}`))
		case "/api/embeddings":
			var req ollamaEmbedRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "nomic-embed-text", req.Model)
			if req.Prompt == "empty" {
				_, _ = w.Write([]byte(`{}`))
				return
			}
			_, _ = w.Write([]byte(`{"embedding":[0.5,0.5]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewOllamaEmbedder(config.OllamaConfig{BaseURL: srv.URL + "/", Dimensions: 2})
	ctx := context.Background()

	require.NoError(t, p.Ping(ctx))

	vec, err := Embed(ctx, p, "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, vec)

	_, err = Embed(ctx, p, "empty")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestOllamaEmbedder_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewOllamaEmbedder(config.OllamaConfig{BaseURL: url, TimeoutSeconds: 2})
	_, err := Embed(context.Background(), p, "hello")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestGeminiEmbedder(t *testing.T) {
	var gotDim *int32
	p := newGeminiEmbedder(config.EmbeddingConfig{Dimensions: 2},
		func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
			assert.Equal(t, "text-embedding-004", model)
			require.NotNil(t, cfg)
			gotDim = cfg.OutputDimensionality
			out := &genai.EmbedContentResponse{}
			for range contents {
				out.Embeddings = append(out.Embeddings, &genai.ContentEmbedding{Values: []float32{0.6, 0.8}})
			}
			return out, nil
		})

	vectors, err := EmbedBatch(context.Background(), p, []string{"x", "y"})
	require.NoError(t, err)
	require.NotNil(t, gotDim)
	assert.Equal(t, int32(2), *gotDim)
	assert.Len(t, vectors, 2)
	assert.InDelta(t, 0.8, vectors[1][1], 1e-6)
}

func TestGeminiEmbedder_Errors(t *testing.T) {
	denied := newGeminiEmbedder(config.EmbeddingConfig{},
		func(context.Context, string, []*genai.Content, *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
			return nil, genai.APIError{Code: http.StatusForbidden, Status: "PERMISSION_DENIED"}
		})
	_, err := Embed(context.Background(), denied, "x")
	assert.ErrorIs(t, err, ErrMissingCredential)

	busy := newGeminiEmbedder(config.EmbeddingConfig{},
		func(context.Context, string, []*genai.Content, *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
			return nil, genai.APIError{Code: http.StatusServiceUnavailable, Status: "UNAVAILABLE"}
		})
	_, err = Embed(context.Background(), busy, "x")
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	empty := newGeminiEmbedder(config.EmbeddingConfig{},
		func(context.Context, string, []*genai.Content, *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
			return &genai.EmbedContentResponse{}, nil
		})
	_, err = Embed(context.Background(), empty, "x")
	assert.ErrorIs(t, err, ErrMalformedResponse)

	_, err = NewGeminiEmbedder(context.Background(), "", config.EmbeddingConfig{})
	assert.ErrorIs(t, err, ErrMissingCredential)
}

type memoryCache struct {
	mu   sync.Mutex
	data map[string][]float32
	sets int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{data: make(map[string][]float32)}
}

func (m *memoryCache) GetEmbedding(_ context.Context, key string) ([]float32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memoryCache) SetEmbedding(_ context.Context, key string, vec []float32, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	m.data[key] = vec
	return nil
}

type countingProvider struct {
	*HashingEmbedder
	calls [][]string
}

func (c *countingProvider) EmbedStrings(ctx context.Context, texts []string, opts ...einoembedding.Option) ([][]float64, error) {
	c.calls = append(c.calls, append([]string(nil), texts...))
	return c.HashingEmbedder.EmbedStrings(ctx, texts, opts...)
}

func TestCachedProvider(t *testing.T) {
	inner := &countingProvider{HashingEmbedder: NewHashingEmbedder(16)}
	cache := newMemoryCache()
	p := WithCache(inner, cache, time.Hour)
	ctx := context.Background()

	first, err := EmbedBatch(ctx, p, []string{"go", "rust"})
	require.NoError(t, err)
	assert.Equal(t, 2, cache.sets)

	second, err := EmbedBatch(ctx, p, []string{"rust", "java", "go"})
	require.NoError(t, err)

	require.Len(t, inner.calls, 2)
	assert.Equal(t, []string{"java"}, inner.calls[1], "命中缓存的文本不应再次请求")
	assert.Equal(t, first[0], second[2])
	assert.Equal(t, first[1], second[0])

	assert.Same(t, inner, WithCache(inner, nil, time.Hour))
}

func TestCacheKey(t *testing.T) {
	a := CacheKey("openai", "text-embedding-3-small", "hello")
	b := CacheKey("openai", "text-embedding-3-large", "hello")
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "cv_shortlister:embedding:openai:text-embedding-3-small:")
}

func TestFactory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LocalEmbedding.Model = HashingModel
	cfg.OpenAI.APIKey = ""
	cfg.Gemini.APIKey = ""
	f := NewFactory(cfg, nil)
	ctx := context.Background()

	p, err := f.New(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, config.ProviderLocal, p.Name())

	again, err := f.New(ctx, "LOCAL")
	require.NoError(t, err)
	assert.Same(t, p, again)

	_, err = f.New(ctx, "openai")
	assert.ErrorIs(t, err, ErrMissingCredential)

	_, err = f.New(ctx, "gemini")
	assert.ErrorIs(t, err, ErrMissingCredential)

	_, err = f.New(ctx, "cohere")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	ollama, err := f.New(ctx, "ollama")
	require.NoError(t, err)
	assert.Equal(t, config.ProviderOllama, ollama.Name())
}

func TestRateLimitedProvider_RetriesTransientErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"embedding":[1,0]}`))
	}))
	defer srv.Close()

	p := WithRateLimit(NewOllamaEmbedder(config.OllamaConfig{BaseURL: srv.URL}), 6000, 10*time.Millisecond, 2)
	vec, err := Embed(context.Background(), p, "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vec)
	assert.Equal(t, 2, attempts)
}
