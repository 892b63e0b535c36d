package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cv-shortlister/internal/config"
	"cv-shortlister/internal/tracing"

	einoembedding "github.com/cloudwego/eino/components/embedding"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/genai"
)

const defaultGeminiEmbeddingModel = "text-embedding-004"

type geminiEmbedFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)

// GeminiEmbedder 通过 Google GenAI SDK 调用 embedContent
type GeminiEmbedder struct {
	model      string
	dimensions int
	embed      geminiEmbedFunc
}

var _ Provider = (*GeminiEmbedder)(nil)

// NewGeminiEmbedder 创建 Gemini 向量化客户端，缺少 API Key 时立即返回 ErrMissingCredential
func NewGeminiEmbedder(ctx context.Context, apiKey string, cfg config.EmbeddingConfig) (*GeminiEmbedder, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, newProviderError(config.ProviderGemini, ErrMissingCredential, "GEMINI_API_KEY is required for Gemini embeddings", nil)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return newGeminiEmbedder(cfg, client.Models.EmbedContent), nil
}

func newGeminiEmbedder(cfg config.EmbeddingConfig, fn geminiEmbedFunc) *GeminiEmbedder {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultGeminiEmbeddingModel
	}
	return &GeminiEmbedder{model: model, dimensions: cfg.Dimensions, embed: fn}
}

func (g *GeminiEmbedder) Name() string    { return config.ProviderGemini }
func (g *GeminiEmbedder) Model() string   { return g.model }
func (g *GeminiEmbedder) Dimensions() int { return g.dimensions }

// EmbedStrings 实现 eino embedding.Embedder
func (g *GeminiEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...einoembedding.Option) ([][]float64, error) {
	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	options := einoembedding.GetCommonOptions(&einoembedding.Options{}, opts...)
	model := g.model
	if options.Model != nil && *options.Model != "" {
		model = *options.Model
	}

	ctx, span := embeddingTracer.Start(ctx, "GeminiEmbedder.EmbedStrings")
	defer span.End()
	span.SetAttributes(
		attribute.String("embedding.model", model),
		attribute.Int("embedding.batch_size", len(texts)),
	)

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	var cfg *genai.EmbedContentConfig
	if g.dimensions > 0 {
		dim := int32(g.dimensions)
		cfg = &genai.EmbedContentConfig{OutputDimensionality: &dim}
	}

	resp, err := g.embed(ctx, model, contents, cfg)
	if err != nil {
		err = classifyGeminiError(err)
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		return nil, err
	}
	if resp == nil || len(resp.Embeddings) != len(texts) {
		got := 0
		if resp != nil {
			got = len(resp.Embeddings)
		}
		err = newProviderError(g.Name(), ErrMalformedResponse,
			fmt.Sprintf("response has %d embeddings for %d inputs", got, len(texts)), nil)
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		return nil, err
	}

	out := make([][]float64, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			err = newProviderError(g.Name(), ErrMalformedResponse, fmt.Sprintf("embedding %d is empty", i), nil)
			tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
			return nil, err
		}
		out[i] = toFloat64(emb.Values)
	}
	return out, nil
}

func classifyGeminiError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		kind := ErrProviderUnavailable
		switch {
		case apiErr.Code == 401 || apiErr.Code == 403:
			kind = ErrMissingCredential
		case apiErr.Code == 400 && strings.Contains(strings.ToLower(apiErr.Message), "api key"):
			kind = ErrMissingCredential
		}
		return &ProviderError{
			Provider:   config.ProviderGemini,
			Kind:       kind,
			StatusCode: apiErr.Code,
			Detail:     apiErr.Status,
			Err:        err,
		}
	}
	return classifyTransportError(config.ProviderGemini, err)
}
