// Package llm 提供生成模型（openai / gemini），统一实现 eino 的 model.ToolCallingChatModel。
package llm

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
	"cv-shortlister/internal/logger"
	"cv-shortlister/internal/tracing"
	"cv-shortlister/internal/types"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultOpenAIChatURL   = "https://api.openai.com/v1/chat/completions"
	defaultOpenAIChatModel = "gpt-4o-mini"
)

var llmTracer = otel.Tracer("cv-shortlister/llm")

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// OpenAIChatModel 调用 OpenAI 兼容的 chat completions 接口
type OpenAIChatModel struct {
	apiKey      string
	modelName   string
	apiURL      string
	temperature float32
	httpClient  *http.Client
	tools       []openAITool
	logger      zerolog.Logger
}

var _ model.ToolCallingChatModel = (*OpenAIChatModel)(nil)

// NewOpenAIChatModel 创建 OpenAI 生成模型，缺少 API Key 时返回 ErrMissingCredential
func NewOpenAIChatModel(cfg config.OpenAIConfig) (*OpenAIChatModel, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, types.NewProviderError(config.ProviderOpenAI, types.ErrMissingCredential, "OPENAI_API_KEY is required", nil)
	}

	mn := strings.TrimSpace(cfg.ChatModel)
	if mn == "" {
		mn = defaultOpenAIChatModel
	}
	url := strings.TrimSpace(cfg.BaseURL)
	if url == "" {
		url = defaultOpenAIChatURL
	}

	return &OpenAIChatModel{
		apiKey:      cfg.APIKey,
		modelName:   mn,
		apiURL:      url,
		temperature: float32(cfg.Temperature),
		httpClient:  &http.Client{Timeout: 120 * time.Second},
		logger:      logger.Component("openai-chat"),
	}, nil
}

// ModelName 返回模型名
func (m *OpenAIChatModel) ModelName() string { return m.modelName }

type chatCompletionMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type chatCompletionRequest struct {
	Model       string                  `json:"model"`
	Messages    []chatCompletionMessage `json:"messages"`
	Temperature *float32                `json:"temperature,omitempty"`
	MaxTokens   *int                    `json:"max_tokens,omitempty"`
	Tools       []openAITool            `json:"tools,omitempty"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role      string  `json:"role"`
			Content   *string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate 实现 model.ChatModel
func (m *OpenAIChatModel) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	options := model.GetCommonOptions(&model.Options{Temperature: &m.temperature, Model: &m.modelName}, opts...)

	ctx, span := llmTracer.Start(ctx, "OpenAIChatModel.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", *options.Model),
		attribute.Int("llm.messages", len(messages)),
	)

	reqPayload := chatCompletionRequest{
		Model:       *options.Model,
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
		Tools:       m.tools,
	}
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		reqPayload.Messages = append(reqPayload.Messages, chatCompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		})
	}

	jsonData, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建 HTTP 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := m.httpClient.Do(httpReq)
	if err != nil {
		err = types.ClassifyTransportError(config.ProviderOpenAI, err)
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, err
	}
	defer httpResp.Body.Close()

	bodyBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		err = types.ClassifyTransportError(config.ProviderOpenAI, err)
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, err
	}

	if httpResp.StatusCode != http.StatusOK {
		err = types.ClassifyHTTPStatus(config.ProviderOpenAI, httpResp.StatusCode, string(bodyBytes))
		tracing.RecordHTTPError(span, err, httpResp.StatusCode)
		m.logger.Warn().Int("status", httpResp.StatusCode).Str("model", *options.Model).Msg("chat completions 调用失败")
		return nil, err
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(bodyBytes, &resp); err != nil {
		err = types.NewProviderError(config.ProviderOpenAI, types.ErrMalformedResponse, "invalid JSON", err)
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, err
	}
	if len(resp.Choices) == 0 {
		err = types.NewProviderError(config.ProviderOpenAI, types.ErrMalformedResponse, "empty choices", nil)
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, err
	}

	choice := resp.Choices[0].Message
	result := &schema.Message{Role: schema.Assistant}
	if choice.Role != "" {
		result.Role = schema.RoleType(choice.Role)
	}
	if choice.Content != nil {
		result.Content = *choice.Content
	}
	for _, tc := range choice.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, schema.ToolCall{
			ID:   tc.ID,
			Type: tc.Type,
			Function: schema.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	m.logger.Debug().
		Str("model", resp.Model).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Msg("chat completions 调用成功")
	return result, nil
}

// Stream 以单帧流的形式返回 Generate 的结果
func (m *OpenAIChatModel) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, messages, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

// WithTools 返回绑定了工具的新实例，原实例不变
func (m *OpenAIChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	clone := *m
	clone.tools = make([]openAITool, 0, len(tools))
	for _, info := range tools {
		if info == nil {
			continue
		}
		// 参数 schema 暂不导出，统一声明为无参对象
		clone.tools = append(clone.tools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        info.Name,
				Description: info.Desc,
				Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
			},
		})
	}
	return &clone, nil
}
