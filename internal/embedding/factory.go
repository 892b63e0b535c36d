package embedding

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"cv-shortlister/internal/config"
	"cv-shortlister/pkg/ratelimit"

	einoembedding "github.com/cloudwego/eino/components/embedding"
)

// RateLimitedProvider 对远程提供方限流，并对 429/503 之类的瞬时错误做退避重试
type RateLimitedProvider struct {
	Provider
	bucket *ratelimit.TokenBucket
}

// WithRateLimit 为 Provider 加令牌桶
func WithRateLimit(p Provider, qpm int, retryWait time.Duration, maxRetries int) Provider {
	if qpm <= 0 {
		return p
	}
	return &RateLimitedProvider{
		Provider: p,
		bucket:   ratelimit.NewTokenBucket(qpm, 0).WithRetryPolicy(retryWait, maxRetries),
	}
}

func (r *RateLimitedProvider) EmbedStrings(ctx context.Context, texts []string, opts ...einoembedding.Option) ([][]float64, error) {
	var out [][]float64
	err := r.bucket.RetryWithBackoff(ctx, func() error {
		var err error
		out, err = r.Provider.EmbedStrings(ctx, texts, opts...)
		return err
	})
	return out, err
}

// Factory 按名称创建向量化提供方，同名提供方只创建一次
type Factory struct {
	cfg   *config.Config
	cache Cache

	mu        sync.Mutex
	providers map[string]Provider
}

// NewFactory 创建工厂；cache 可为 nil
func NewFactory(cfg *config.Config, cache Cache) *Factory {
	return &Factory{cfg: cfg, cache: cache, providers: make(map[string]Provider)}
}

// Default 返回配置中的默认提供方名称
func (f *Factory) Default() string {
	return f.cfg.Shortlist.DefaultEmbeddingProvider
}

// New 返回指定名称的提供方。名称大小写不敏感，空串表示默认提供方。
// 缺少凭证时返回 ErrMissingCredential，未知名称返回 ErrUnknownProvider。
func (f *Factory) New(ctx context.Context, name string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = f.Default()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.providers[name]; ok {
		return p, nil
	}

	p, err := f.build(ctx, name)
	if err != nil {
		return nil, err
	}
	f.providers[name] = p
	return p, nil
}

func (f *Factory) build(ctx context.Context, name string) (Provider, error) {
	rl := f.cfg.RateLimit
	retryWait := time.Duration(rl.RetryWaitSeconds) * time.Second
	ttl := config.GetDuration(f.cfg.Redis.EmbeddingCacheTTL, 7*24*time.Hour)

	var (
		p   Provider
		err error
	)
	switch name {
	case config.ProviderLocal:
		// 进程内推理，不走缓存；加载失败不缓存，下次请求重试
		return NewLocalProvider(f.cfg.LocalEmbedding)
	case config.ProviderOpenAI:
		p, err = NewOpenAIEmbedder(f.cfg.OpenAI.APIKey, f.cfg.OpenAI.Embedding)
		if err == nil {
			qpm := ratelimit.ResolveQPM(p.Model(), f.cfg.ModelQPMLimits, rl.DefaultQPM)
			p = WithRateLimit(p, qpm, retryWait, rl.MaxRetries)
		}
	case config.ProviderGemini:
		p, err = NewGeminiEmbedder(ctx, f.cfg.Gemini.APIKey, f.cfg.Gemini.Embedding)
		if err == nil {
			qpm := ratelimit.ResolveQPM(p.Model(), f.cfg.ModelQPMLimits, rl.DefaultQPM)
			p = WithRateLimit(p, qpm, retryWait, rl.MaxRetries)
		}
	case config.ProviderOllama:
		p = NewOllamaEmbedder(f.cfg.Ollama)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	if err != nil {
		return nil, err
	}
	return WithCache(p, f.cache, ttl), nil
}
