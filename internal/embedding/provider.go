// Package embedding 提供可替换的文本向量化实现：openai、gemini、local 与自托管 ollama。
// 每个实现自带固定维度，向量库据此保证同一集合内的维度一致。
package embedding

import (
	"context"
	"fmt"

	"cv-shortlister/internal/types"

	einoembedding "github.com/cloudwego/eino/components/embedding"
)

// 向量化错误分类，与生成模型共用 types 中的定义
var (
	ErrMissingCredential   = types.ErrMissingCredential
	ErrProviderUnavailable = types.ErrProviderUnavailable
	ErrMalformedResponse   = types.ErrMalformedResponse
	ErrUnknownProvider     = types.ErrUnknownProvider
)

// ProviderError 带提供方上下文的向量化错误
type ProviderError = types.ProviderError

// Provider 向量化提供方。EmbedStrings 来自 eino 的 embedding.Embedder。
type Provider interface {
	einoembedding.Embedder
	Name() string
	Model() string
	Dimensions() int
}

var (
	newProviderError       = types.NewProviderError
	classifyTransportError = types.ClassifyTransportError
	classifyStatus         = types.ClassifyHTTPStatus
)

// Embed 对单段文本向量化并检查维度
func Embed(ctx context.Context, p Provider, text string) ([]float32, error) {
	vectors, err := EmbedBatch(ctx, p, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch 批量向量化，返回数量和维度都经过校验的 float32 向量
func EmbedBatch(ctx context.Context, p Provider, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	raw, err := p.EmbedStrings(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(raw) != len(texts) {
		return nil, newProviderError(p.Name(), ErrMalformedResponse,
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(raw)), nil)
	}

	out := make([][]float32, len(raw))
	for i, vec := range raw {
		if len(vec) == 0 {
			return nil, newProviderError(p.Name(), ErrMalformedResponse, fmt.Sprintf("embedding %d is empty", i), nil)
		}
		if dim := p.Dimensions(); dim > 0 && len(vec) != dim {
			return nil, newProviderError(p.Name(), ErrMalformedResponse,
				fmt.Sprintf("embedding %d has dimension %d, expected %d", i, len(vec), dim), nil)
		}
		out[i] = toFloat32(vec)
	}
	return out, nil
}

func toFloat32(vec []float64) []float32 {
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}

func toFloat64(vec []float32) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}
