package parser

import (
	"context"
	"fmt"
	"io"
	"time"

	"cv-shortlister/internal/logger"

	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	einoParser "github.com/cloudwego/eino/components/document/parser"
	"github.com/rs/zerolog"
)

// EinoPDFExtractor 使用 Eino PDF Parser 按页提取文本
type EinoPDFExtractor struct {
	parser  *pdf.PDFParser
	timeout time.Duration
	logger  zerolog.Logger
}

// EinoPDFOption PDF 提取器的配置选项
type EinoPDFOption func(*EinoPDFExtractor)

// WithPDFTimeout 单个文件的解析超时
func WithPDFTimeout(timeout time.Duration) EinoPDFOption {
	return func(e *EinoPDFExtractor) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// NewEinoPDFExtractor 初始化 PDF 提取器。按页分割，每页成为一个段落。
func NewEinoPDFExtractor(ctx context.Context, options ...EinoPDFOption) (*EinoPDFExtractor, error) {
	p, err := pdf.NewPDFParser(ctx, &pdf.Config{ToPages: true})
	if err != nil {
		return nil, fmt.Errorf("failed to create Eino PDF parser: %w", err)
	}

	extractor := &EinoPDFExtractor{
		parser:  p,
		timeout: 30 * time.Second,
		logger:  logger.Component("pdf-parser"),
	}
	for _, option := range options {
		option(extractor)
	}
	return extractor, nil
}

// ExtractPages 从 reader 读取 PDF，返回每页的原始文本
func (e *EinoPDFExtractor) ExtractPages(ctx context.Context, reader io.Reader, uri string) ([]string, error) {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	docs, err := e.parser.Parse(ctx, reader, einoParser.WithURI(uri))
	if err != nil {
		e.logger.Warn().Err(err).Str("uri", uri).Msg("PDF 解析失败")
		return nil, fmt.Errorf("eino PDF parser failed for URI %s: %w", uri, err)
	}

	pages := make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc == nil {
			pages = append(pages, "")
			continue
		}
		pages = append(pages, doc.Content)
	}

	e.logger.Debug().
		Str("uri", uri).
		Int("pages", len(pages)).
		Dur("duration", time.Since(startTime)).
		Msg("PDF 解析完成")
	return pages, nil
}
