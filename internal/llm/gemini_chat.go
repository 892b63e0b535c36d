package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cv-shortlister/internal/config"
	"cv-shortlister/internal/tracing"
	"cv-shortlister/internal/types"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/genai"
)

const defaultGeminiChatModel = "gemini-1.5-pro"

type generateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// GeminiChatModel 通过 Google GenAI SDK 调用 generateContent
type GeminiChatModel struct {
	modelName   string
	temperature float32
	generate    generateFunc
}

var _ model.ToolCallingChatModel = (*GeminiChatModel)(nil)

// NewGeminiChatModel 创建 Gemini 生成模型，缺少 API Key 时返回 ErrMissingCredential
func NewGeminiChatModel(ctx context.Context, cfg config.GeminiConfig) (*GeminiChatModel, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, types.NewProviderError(config.ProviderGemini, types.ErrMissingCredential, "GEMINI_API_KEY is required", nil)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newGeminiChatModel(cfg, client.Models.GenerateContent), nil
}

func newGeminiChatModel(cfg config.GeminiConfig, fn generateFunc) *GeminiChatModel {
	mn := strings.TrimSpace(cfg.ChatModel)
	if mn == "" {
		mn = defaultGeminiChatModel
	}
	return &GeminiChatModel{modelName: mn, temperature: float32(cfg.Temperature), generate: fn}
}

// ModelName 返回模型名
func (g *GeminiChatModel) ModelName() string { return g.modelName }

// Generate 实现 model.ChatModel。system 消息合并为 SystemInstruction，assistant 映射为 model 角色。
func (g *GeminiChatModel) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	options := model.GetCommonOptions(&model.Options{Temperature: &g.temperature, Model: &g.modelName}, opts...)

	ctx, span := llmTracer.Start(ctx, "GeminiChatModel.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", *options.Model),
		attribute.Int("llm.messages", len(messages)),
	)

	cfg := &genai.GenerateContentConfig{Temperature: options.Temperature}
	if options.MaxTokens != nil {
		cfg.MaxOutputTokens = int32(*options.MaxTokens)
	}

	var (
		systemParts []string
		contents    []*genai.Content
	)
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			systemParts = append(systemParts, msg.Content)
		case schema.Assistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	if len(systemParts) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(systemParts, "\n\n"), genai.RoleUser)
	}
	if len(contents) == 0 {
		return nil, errors.New("gemini: no user content to send")
	}

	resp, err := g.generate(ctx, *options.Model, contents, cfg)
	if err != nil {
		err = classifyGeminiError(err)
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, err
	}

	text := responseText(resp)
	if text == "" {
		err = types.NewProviderError(config.ProviderGemini, types.ErrMalformedResponse, "empty response", nil)
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, err
	}
	return schema.AssistantMessage(text, nil), nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil || strings.TrimSpace(part.Text) == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(builder.String())
}

// Stream 以单帧流的形式返回 Generate 的结果
func (g *GeminiChatModel) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := g.Generate(ctx, messages, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

// WithTools Gemini 路径只做文本生成，工具被忽略
func (g *GeminiChatModel) WithTools(_ []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return g, nil
}

func classifyGeminiError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		kind := types.ErrProviderUnavailable
		switch {
		case apiErr.Code == 401 || apiErr.Code == 403:
			kind = types.ErrMissingCredential
		case apiErr.Code == 400 && strings.Contains(strings.ToLower(apiErr.Message), "api key"):
			kind = types.ErrMissingCredential
		}
		return &types.ProviderError{
			Provider:   config.ProviderGemini,
			Kind:       kind,
			StatusCode: apiErr.Code,
			Detail:     apiErr.Status,
			Err:        err,
		}
	}
	return types.ClassifyTransportError(config.ProviderGemini, err)
}
