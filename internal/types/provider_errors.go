package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// 外部模型调用的错误分类（向量化与生成模型共用），调用方用 errors.Is 判断
var (
	// ErrMissingCredential 选中的提供方缺少凭证（或凭证被拒绝）
	ErrMissingCredential = errors.New("missing credential")
	// ErrProviderUnavailable 提供方不可达或返回服务端错误
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrMalformedResponse 提供方有响应，但内容不可用
	ErrMalformedResponse = errors.New("malformed provider response")
	// ErrUnknownProvider 未知的提供方名称
	ErrUnknownProvider = errors.New("unknown provider")
)

// ProviderError 带提供方上下文的外部调用错误
type ProviderError struct {
	Provider   string
	Kind       error // 上面的哨兵错误之一
	StatusCode int   // HTTP 状态码，没有时为 0
	Detail     string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, ErrProviderUnavailable) 等判断生效
func (e *ProviderError) Is(target error) bool {
	return e.Kind == target
}

// NewProviderError 创建 ProviderError
func NewProviderError(provider string, kind error, detail string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: kind, Detail: detail, Err: err}
}

// ClassifyTransportError 网络层错误一律归为 ProviderUnavailable；ctx 取消原样返回
func ClassifyTransportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return NewProviderError(provider, ErrProviderUnavailable, "request failed", err)
}

// ClassifyHTTPStatus 按状态码归类：401/403 视为凭证问题，其余非 200 视为不可用
func ClassifyHTTPStatus(provider string, status int, body string) error {
	kind := ErrProviderUnavailable
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		kind = ErrMissingCredential
	}
	return &ProviderError{Provider: provider, Kind: kind, StatusCode: status, Detail: clip(body, 300)}
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
