package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cv-shortlister/internal/logger"

	"github.com/rs/zerolog"
)

// TikaExtractor 基于 Apache Tika Server 的文本提取，用于 DOCX（也能处理 PDF）
type TikaExtractor struct {
	// Tika 服务器地址，例如 http://localhost:9998
	ServerURL string
	// HTTP 客户端，可配置超时
	Client *http.Client
	logger zerolog.Logger
}

// TikaOption Tika 提取器选项
type TikaOption func(*TikaExtractor)

// WithTimeout 配置 HTTP 客户端超时
func WithTimeout(timeout time.Duration) TikaOption {
	return func(e *TikaExtractor) {
		if timeout > 0 {
			e.Client.Timeout = timeout
		}
	}
}

// NewTikaExtractor 创建 Tika 提取器
func NewTikaExtractor(serverURL string, options ...TikaOption) *TikaExtractor {
	extractor := &TikaExtractor{
		ServerURL: strings.TrimRight(serverURL, "/"),
		Client:    &http.Client{Timeout: 60 * time.Second},
		logger:    logger.Component("tika"),
	}
	for _, option := range options {
		option(extractor)
	}
	return extractor
}

// ExtractText 把文件内容 PUT 到 /tika，取回纯文本
func (e *TikaExtractor) ExtractText(ctx context.Context, data []byte, filename, contentType string) (string, error) {
	startTime := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, e.ServerURL+"/tika", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "text/plain")
	if filename != "" {
		req.Header.Set("X-Tika-Resource-Name", filename)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("发送请求到Tika服务器失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tika服务器返回错误状态码: %d", resp.StatusCode)
	}

	textBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("读取Tika响应失败: %w", err)
	}

	e.logger.Debug().
		Str("file", filename).
		Int("chars", len(textBytes)).
		Dur("duration", time.Since(startTime)).
		Msg("Tika 文本提取完成")
	return string(textBytes), nil
}
