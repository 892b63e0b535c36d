package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"cv-shortlister/internal/constants"
	"cv-shortlister/internal/logger"

	einoembedding "github.com/cloudwego/eino/components/embedding"
	"github.com/rs/zerolog"
)

// Cache 向量缓存，Redis 实现在 storage 包
type Cache interface {
	GetEmbedding(ctx context.Context, key string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, key string, vec []float32, ttl time.Duration) error
}

// CachedProvider 在任意 Provider 外面加一层按内容寻址的缓存。
// 缓存读写失败只记录日志，不影响向量化结果。
type CachedProvider struct {
	Provider
	cache  Cache
	ttl    time.Duration
	logger zerolog.Logger
}

// WithCache 用缓存装饰 Provider；cache 为 nil 时原样返回
func WithCache(p Provider, cache Cache, ttl time.Duration) Provider {
	if cache == nil {
		return p
	}
	return &CachedProvider{
		Provider: p,
		cache:    cache,
		ttl:      ttl,
		logger:   logger.Component("embedding-cache"),
	}
}

// CacheKey 生成缓存键：provider + model + 文本 sha256
func CacheKey(provider, model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf(constants.KeyEmbeddingCache, provider, model, hex.EncodeToString(sum[:]))
}

// EmbedStrings 先查缓存，只把未命中的文本交给底层 Provider
func (c *CachedProvider) EmbedStrings(ctx context.Context, texts []string, opts ...einoembedding.Option) ([][]float64, error) {
	out := make([][]float64, len(texts))
	var (
		missIdx   []int
		missTexts []string
	)

	for i, text := range texts {
		key := CacheKey(c.Name(), c.Model(), text)
		vec, ok, err := c.cache.GetEmbedding(ctx, key)
		if err != nil {
			c.logger.Warn().Err(err).Msg("读取向量缓存失败")
		}
		if ok && (c.Dimensions() <= 0 || len(vec) == c.Dimensions()) {
			out[i] = toFloat64(vec)
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	fresh, err := c.Provider.EmbedStrings(ctx, missTexts, opts...)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, newProviderError(c.Name(), ErrMalformedResponse,
			fmt.Sprintf("expected %d embeddings, got %d", len(missTexts), len(fresh)), nil)
	}

	for j, idx := range missIdx {
		out[idx] = fresh[j]
		if len(fresh[j]) == 0 {
			continue
		}
		key := CacheKey(c.Name(), c.Model(), missTexts[j])
		if err := c.cache.SetEmbedding(ctx, key, toFloat32(fresh[j]), c.ttl); err != nil {
			c.logger.Warn().Err(err).Msg("写入向量缓存失败")
		}
	}
	return out, nil
}
