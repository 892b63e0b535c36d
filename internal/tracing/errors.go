package tracing

import (
	"errors"

	"cv-shortlister/internal/types"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorType 写入 span 的 error.type 属性
type ErrorType string

// 存储与中间件
const (
	ErrorTypeHTTP          ErrorType = "http"
	ErrorTypeRabbitMQ      ErrorType = "rabbitmq"
	ErrorTypeObjectStorage ErrorType = "object_storage"
	ErrorTypeVectorDB      ErrorType = "vector_db"
)

// 模型提供方
const (
	ErrorTypeEmbedding ErrorType = "embedding"
	ErrorTypeLLM       ErrorType = "llm"
)

// 筛选请求的失败类别，与返回给调用方的错误种类一一对应
const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeExternal      ErrorType = "external_system"
	ErrorTypeInternal      ErrorType = "internal"
)

// RecordError 记录错误并设置 span 状态
func RecordError(span trace.Span, err error, errorType ErrorType) {
	RecordErrorWithInfo(span, err, errorType)
}

// RecordErrorWithInfo 在 RecordError 的基础上附加属性。
// 错误链中有 ProviderError 时，额外写入提供方名称、错误种类和状态码。
func RecordErrorWithInfo(span trace.Span, err error, errorType ErrorType, attributes ...attribute.KeyValue) {
	if span == nil || err == nil {
		return
	}

	span.RecordError(err)
	attrs := []attribute.KeyValue{
		attribute.String("error.type", string(errorType)),
		attribute.String("error.message", TruncateString(err.Error(), DefaultMaxLength)),
	}
	var pe *types.ProviderError
	if errors.As(err, &pe) {
		attrs = append(attrs, attribute.String("provider.name", pe.Provider))
		if pe.Kind != nil {
			attrs = append(attrs, attribute.String("provider.error_kind", pe.Kind.Error()))
		}
		if pe.StatusCode != 0 {
			attrs = append(attrs, attribute.Int("provider.status_code", pe.StatusCode))
		}
	}
	span.SetAttributes(append(attrs, attributes...)...)
	span.SetStatus(codes.Error, TruncateString(err.Error(), DefaultMaxLength))
}

// RecordHTTPError 下游 HTTP 调用失败，4xx 与 5xx 分开归类
func RecordHTTPError(span trace.Span, err error, statusCode int) {
	if span == nil || err == nil {
		return
	}

	category := "unknown"
	switch {
	case statusCode >= 500:
		category = "server_error"
	case statusCode >= 400:
		category = "client_error"
	}
	RecordErrorWithInfo(span, err, ErrorTypeHTTP,
		attribute.Int("http.status_code", statusCode),
		attribute.String("error.category", category),
	)
}
