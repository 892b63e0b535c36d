package processor

import (
	"context"
	"fmt"
	"strings"

	"cv-shortlister/internal/constants"
	"cv-shortlister/internal/llm"
	"cv-shortlister/internal/storage"
	"cv-shortlister/internal/tracing"
	"cv-shortlister/internal/types"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel/attribute"
)

const summarySystemPrompt = "You are an expert technical recruiter. Summarize the candidate vs JD. " +
	"Return: strengths (bullets), gaps (bullets), skill_match_percent (0-100)" +
	"Be concise."

const summaryUserTemplate = "Job description:\n%s\n\nCandidate context (top matches):\n%s\n\nReturn structured summary."

// Summarizer 取与 JD 最接近的若干简历段落，让生成模型写出匹配摘要
type Summarizer struct {
	store        storage.VectorStore
	topK         int
	contextChars int
}

// NewSummarizer 创建摘要器
func NewSummarizer(store storage.VectorStore, topK, contextChars int) *Summarizer {
	return &Summarizer{store: store, topK: topK, contextChars: contextChars}
}

// BuildSummaryContext 每条命中格式化为 "Source: {source}\n{正文前 N 个字符}"，以空行拼接
func BuildSummaryContext(results []types.QueryResult, contextChars int) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		content := r.Content
		if contextChars > 0 {
			if runes := []rune(content); len(runes) > contextChars {
				content = string(runes[:contextChars])
			}
		}
		parts = append(parts, fmt.Sprintf("Source: %s\n%s", r.Metadata[types.MetaSource], content))
	}
	return strings.Join(parts, constants.PassageSeparator)
}

// SummaryMessages 构造摘要请求的消息
func SummaryMessages(jdText, candidateContext string) []*schema.Message {
	return []*schema.Message{
		schema.SystemMessage(summarySystemPrompt),
		schema.UserMessage(fmt.Sprintf(summaryUserTemplate, jdText, candidateContext)),
	}
}

// Summarize 独立检索 topK 段落后调用模型，返回回复正文
func (s *Summarizer) Summarize(ctx context.Context, chat model.BaseChatModel, jdText string, jdVector []float32) (string, error) {
	ctx, span := tracer.Start(ctx, "Summarizer.Summarize")
	defer span.End()

	if chat == nil {
		return "", fmt.Errorf("生成模型不可用")
	}

	results, err := s.store.Query(ctx, constants.CollectionResumes, jdVector, s.topK)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return "", fmt.Errorf("检索摘要上下文失败: %w", err)
	}
	span.SetAttributes(attribute.Int("summary.context_passages", len(results)))

	resp, err := chat.Generate(ctx, SummaryMessages(jdText, BuildSummaryContext(results, s.contextChars)))
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return "", fmt.Errorf("生成摘要失败: %w", err)
	}
	text := llm.Text(resp)
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("摘要为空")
	}
	return text, nil
}
