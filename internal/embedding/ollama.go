package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cv-shortlister/internal/config"
	"cv-shortlister/internal/tracing"

	einoembedding "github.com/cloudwego/eino/components/embedding"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultOllamaBaseURL = "http://localhost:11434"
	defaultOllamaModel   = "nomic-embed-text"
)

// OllamaEmbedder 调用自托管 Ollama 的 /api/embeddings
type OllamaEmbedder struct {
	baseURL    string
	model      string
	dimensions int
	httpClient *http.Client
}

var _ Provider = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder 创建 Ollama 客户端；不需要凭证
func NewOllamaEmbedder(cfg config.OllamaConfig) *OllamaEmbedder {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOllamaModel
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OllamaEmbedder{
		baseURL:    baseURL,
		model:      model,
		dimensions: cfg.Dimensions,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (o *OllamaEmbedder) Name() string    { return config.ProviderOllama }
func (o *OllamaEmbedder) Model() string   { return o.model }
func (o *OllamaEmbedder) Dimensions() int { return o.dimensions }

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// EmbedStrings Ollama 没有批量接口，逐条请求，错误里带上序号
func (o *OllamaEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...einoembedding.Option) ([][]float64, error) {
	options := einoembedding.GetCommonOptions(&einoembedding.Options{}, opts...)
	model := o.model
	if options.Model != nil && *options.Model != "" {
		model = *options.Model
	}

	ctx, span := embeddingTracer.Start(ctx, "OllamaEmbedder.EmbedStrings")
	defer span.End()
	span.SetAttributes(
		attribute.String("embedding.model", model),
		attribute.Int("embedding.batch_size", len(texts)),
	)

	out := make([][]float64, len(texts))
	for i, text := range texts {
		vec, err := o.embedOne(ctx, model, text)
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

func (o *OllamaEmbedder) embedOne(ctx context.Context, model, text string) ([]float64, error) {
	jsonBody, err := json.Marshal(ollamaEmbedRequest{Model: model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(o.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(o.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(o.Name(), resp.StatusCode, string(body))
	}

	var parsed ollamaEmbedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, newProviderError(o.Name(), ErrMalformedResponse, "invalid JSON", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, newProviderError(o.Name(), ErrMalformedResponse, "response has no embedding field", nil)
	}
	return parsed.Embedding, nil
}

// Ping 通过 /api/tags 检查服务是否可达
func (o *OllamaEmbedder) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return fmt.Errorf("create ping request: %w", err)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(o.Name(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return classifyStatus(o.Name(), resp.StatusCode, string(body))
	}
	return nil
}
