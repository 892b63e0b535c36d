package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"cv-shortlister/internal/config"
	"cv-shortlister/internal/logger"
	"cv-shortlister/internal/tracing"

	einoembedding "github.com/cloudwego/eino/components/embedding"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const defaultOpenAIEmbeddingURL = "https://api.openai.com/v1/embeddings"

var embeddingTracer = otel.Tracer("cv-shortlister/embedding")

// OpenAIEmbedder 调用 OpenAI 兼容的 /embeddings 接口
type OpenAIEmbedder struct {
	apiKey     string
	model      string
	dimensions int
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

var _ Provider = (*OpenAIEmbedder)(nil)

// HTTPOption 远程向量化客户端选项
type HTTPOption func(*http.Client)

// WithHTTPTimeout 设置 HTTP 超时
func WithHTTPTimeout(timeout time.Duration) HTTPOption {
	return func(c *http.Client) {
		c.Timeout = timeout
	}
}

// NewOpenAIEmbedder 创建 OpenAI 向量化客户端，缺少 API Key 时立即返回 ErrMissingCredential
func NewOpenAIEmbedder(apiKey string, cfg config.EmbeddingConfig, opts ...HTTPOption) (*OpenAIEmbedder, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, newProviderError(config.ProviderOpenAI, ErrMissingCredential, "OPENAI_API_KEY is required for OpenAI embeddings", nil)
	}

	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIEmbeddingURL
	}

	client := &http.Client{Timeout: 60 * time.Second}
	for _, opt := range opts {
		opt(client)
	}

	return &OpenAIEmbedder{
		apiKey:     apiKey,
		model:      model,
		dimensions: cfg.Dimensions,
		baseURL:    baseURL,
		httpClient: client,
		logger:     logger.Component("openai-embedder"),
	}, nil
}

func (o *OpenAIEmbedder) Name() string    { return config.ProviderOpenAI }
func (o *OpenAIEmbedder) Model() string   { return o.model }
func (o *OpenAIEmbedder) Dimensions() int { return o.dimensions }

type openAIEmbeddingRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	Dimensions     int      `json:"dimensions,omitempty"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// EmbedStrings 实现 eino embedding.Embedder
func (o *OpenAIEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...einoembedding.Option) ([][]float64, error) {
	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	options := einoembedding.GetCommonOptions(&einoembedding.Options{}, opts...)
	model := o.model
	if options.Model != nil && *options.Model != "" {
		model = *options.Model
	}

	ctx, span := embeddingTracer.Start(ctx, "OpenAIEmbedder.EmbedStrings")
	defer span.End()
	span.SetAttributes(
		attribute.String("embedding.model", model),
		attribute.Int("embedding.batch_size", len(texts)),
	)

	reqBody := openAIEmbeddingRequest{Input: texts, Model: model, EncodingFormat: "float"}
	// 只有 text-embedding-3 系列支持指定维度
	if o.dimensions > 0 && strings.HasPrefix(model, "text-embedding-3") {
		reqBody.Dimensions = o.dimensions
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		err = classifyTransportError(o.Name(), err)
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		err = classifyTransportError(o.Name(), err)
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		err = classifyStatus(o.Name(), resp.StatusCode, string(body))
		tracing.RecordHTTPError(span, err, resp.StatusCode)
		o.logger.Warn().Int("status", resp.StatusCode).Msg("OpenAI embeddings 调用失败")
		return nil, err
	}

	var parsed openAIEmbeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		err = newProviderError(o.Name(), ErrMalformedResponse, "invalid JSON", err)
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		return nil, err
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		err = newProviderError(o.Name(), ErrProviderUnavailable, parsed.Error.Message, nil)
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		return nil, err
	}
	if len(parsed.Data) != len(texts) {
		err = newProviderError(o.Name(), ErrMalformedResponse,
			fmt.Sprintf("response has %d embeddings for %d inputs", len(parsed.Data), len(texts)), nil)
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		return nil, err
	}

	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })
	out := make([][]float64, len(parsed.Data))
	for i, entry := range parsed.Data {
		out[i] = entry.Embedding
	}

	o.logger.Debug().
		Int("texts", len(texts)).
		Int("prompt_tokens", parsed.Usage.PromptTokens).
		Msg("OpenAI embeddings 调用成功")
	return out, nil
}
