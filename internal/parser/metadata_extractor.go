package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"cv-shortlister/internal/logger"
	"cv-shortlister/internal/tracing"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var parserTracer = otel.Tracer("cv-shortlister/parser")

// Field 抽取 schema 中的一个字段
type Field struct {
	Name        string
	Description string
}

// Schema 有序的抽取字段列表，顺序决定 prompt 中的字段顺序
type Schema []Field

// Keys 返回字段名
func (s Schema) Keys() []string {
	keys := make([]string, len(s))
	for i, f := range s {
		keys[i] = f.Name
	}
	return keys
}

// Empty 返回所有字段为空串的结果
func (s Schema) Empty() map[string]string {
	out := make(map[string]string, len(s))
	for _, f := range s {
		out[f.Name] = ""
	}
	return out
}

// CandidateSchema JD 与简历共用的关键参数
var CandidateSchema = Schema{
	{Name: "skills", Description: "comma separated  string technologies, programming languages, frameworks required or preferred (e.g., React.js, Node.js, Python, Java, AWS, Docker)"},
	{Name: "years_experience", Description: "How many years the candidate should have worked in total or relevant experience"},
	{Name: "location", Description: "Where the candidate is expected to work or should be located (e.g., Noida, Pune, Remote)"},
	{Name: "degree_level", Description: "Academic degrees or qualifications required (e.g., B.Tech, MBA, Masters, Bachelor)"},
	{Name: "employment_type", Description: "Type of employment (e.g., Permanent, Contractual, Full-time, Part-time)"},
}

// MetadataExtractor 让生成模型按 schema 返回一个 JSON 对象并解析
type MetadataExtractor struct {
	maxInputChars int
	logger        zerolog.Logger
}

// MetadataExtractorOption 选项
type MetadataExtractorOption func(*MetadataExtractor)

// WithMaxInputChars 限制送入模型的文本长度，0 表示不限制
func WithMaxInputChars(n int) MetadataExtractorOption {
	return func(e *MetadataExtractor) { e.maxInputChars = n }
}

// NewMetadataExtractor 创建抽取器
func NewMetadataExtractor(opts ...MetadataExtractorOption) *MetadataExtractor {
	e := &MetadataExtractor{logger: logger.Component("metadata-extractor")}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BuildPrompt 生成抽取指令
func BuildPrompt(text string, schema Schema) string {
	var sb strings.Builder
	sb.WriteString("Extract the following parameters from the description below. ")
	sb.WriteString("Return as JSON with each key and value. Description for each key:\n")
	for _, f := range schema {
		fmt.Fprintf(&sb, "- %s: %s\n", f.Name, f.Description)
	}
	fmt.Fprintf(&sb, "\nJob Description:\n%s\n\n", text)
	sb.WriteString("Return ONLY a valid JSON object with the extracted parameters. ")
	sb.WriteString("If a parameter is not found, use an empty string or appropriate default value.")
	return sb.String()
}

// Extract 返回的结果总是恰好包含 schema 中的键。
// 回复格式问题在内部吸收；只有模型调用本身失败时 err 非空，交给调用方按策略处理。
func (e *MetadataExtractor) Extract(ctx context.Context, chat model.BaseChatModel, text string, schema Schema) (map[string]string, error) {
	if chat == nil || len(schema) == 0 {
		return schema.Empty(), nil
	}

	ctx, span := parserTracer.Start(ctx, "MetadataExtractor.Extract")
	defer span.End()
	span.SetAttributes(attribute.Int("extract.fields", len(schema)))

	if e.maxInputChars > 0 && utf8.RuneCountInString(text) > e.maxInputChars {
		text = string([]rune(text)[:e.maxInputChars])
	}

	resp, err := chat.Generate(ctx, []*einoschema.Message{einoschema.UserMessage(BuildPrompt(text, schema))})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		e.logger.Warn().Err(err).Msg("元数据抽取调用失败")
		return schema.Empty(), err
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		e.logger.Warn().Msg("元数据抽取返回空内容")
		return schema.Empty(), nil
	}

	attrs, ok := ParseReply(resp.Content, schema)
	if !ok {
		e.logger.Warn().Str("reply", tracing.TruncateString(resp.Content, tracing.DefaultMaxLength)).Msg("元数据抽取回复无法解析为 JSON")
	}
	return attrs, nil
}

// ParseReply 依次尝试：整体解析 JSON，取第一个 '{' 到最后一个 '}' 之间的子串解析，全部字段置空。
// 返回值总是恰好包含 schema 中的键；第二个返回值表示是否解析成功。
func ParseReply(reply string, schema Schema) (map[string]string, bool) {
	reply = strings.TrimPrefix(strings.TrimSpace(reply), "\uFEFF")

	parsed, ok := decodeObject(reply)
	if !ok {
		start := strings.Index(reply, "{")
		end := strings.LastIndex(reply, "}")
		if start >= 0 && end > start {
			parsed, ok = decodeObject(reply[start : end+1])
		}
	}
	if !ok {
		return schema.Empty(), false
	}

	out := schema.Empty()
	for _, f := range schema {
		if v, exists := parsed[f.Name]; exists {
			out[f.Name] = stringify(v)
		}
	}
	return out, true
}

func decodeObject(s string) (map[string]any, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	// 对象之后不能再有其他内容
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}
	return obj, true
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s := stringify(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(val); err != nil {
			return fmt.Sprint(val)
		}
		return strings.TrimSpace(buf.String())
	}
}
