package parser

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"cv-shortlister/internal/config"
	"cv-shortlister/internal/logger"
	"cv-shortlister/internal/types"

	"github.com/rs/zerolog"
	"golang.org/x/text/encoding/charmap"
)

const docxContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// PageExtractor 按页提取文本（PDF）
type PageExtractor interface {
	ExtractPages(ctx context.Context, data []byte, uri string) ([]string, error)
}

// TextExtractor 整篇提取文本（DOCX 经 Tika）
type TextExtractor interface {
	ExtractText(ctx context.Context, data []byte, filename, contentType string) (string, error)
}

type pdfPages struct{ e *EinoPDFExtractor }

func (p pdfPages) ExtractPages(ctx context.Context, data []byte, uri string) ([]string, error) {
	return p.e.ExtractPages(ctx, bytes.NewReader(data), uri)
}

// Loader 按扩展名把文件转换为段落：.pdf 每页一段，.docx 整篇一段，其余按纯文本处理
type Loader struct {
	pdf    PageExtractor
	docx   TextExtractor // 为 nil 时使用进程内的 zip/xml 读取
	logger zerolog.Logger
}

// LoaderOption Loader 选项
type LoaderOption func(*Loader)

// WithPageExtractor 替换 PDF 提取实现
func WithPageExtractor(p PageExtractor) LoaderOption {
	return func(l *Loader) { l.pdf = p }
}

// WithDOCXExtractor 使用外部服务提取 DOCX
func WithDOCXExtractor(t TextExtractor) LoaderOption {
	return func(l *Loader) { l.docx = t }
}

// NewLoader 创建 Loader。配置了 Tika 时 DOCX 交给 Tika 处理。
func NewLoader(ctx context.Context, tika config.TikaConfig, opts ...LoaderOption) (*Loader, error) {
	l := &Loader{logger: logger.Component("loader")}
	for _, opt := range opts {
		opt(l)
	}

	if l.pdf == nil {
		e, err := NewEinoPDFExtractor(ctx)
		if err != nil {
			return nil, err
		}
		l.pdf = pdfPages{e: e}
	}
	if l.docx == nil && tika.Enabled() {
		var tikaOpts []TikaOption
		if tika.TimeoutSeconds > 0 {
			tikaOpts = append(tikaOpts, WithTimeout(time.Duration(tika.TimeoutSeconds)*time.Second))
		}
		l.docx = NewTikaExtractor(tika.ServerURL, tikaOpts...)
	}
	return l, nil
}

// Load 读取 path 并返回归一化后的段落。source 为空时使用 path。
// 归一化后为空的页会被跳过，SequenceIndex 保留原始页序，因此 page 元数据始终对应真实页码。
func (l *Loader) Load(ctx context.Context, path string, kind types.DocumentKind, source string) ([]types.Passage, error) {
	if source == "" {
		source = path
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取文件失败 %s: %w", source, err)
	}

	var raw []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		raw, err = l.pdf.ExtractPages(ctx, data, source)
	case ".docx":
		var text string
		text, err = l.extractDOCX(ctx, data, source)
		raw = []string{text}
	default:
		raw = []string{decodeText(data)}
	}
	if err != nil {
		return nil, err
	}

	passages := make([]types.Passage, 0, len(raw))
	for i, text := range raw {
		content := NormalizeWhitespace(text)
		if content == "" {
			continue
		}
		passages = append(passages, types.Passage{
			Content:       content,
			Source:        source,
			Kind:          kind,
			SequenceIndex: i,
		})
	}

	l.logger.Debug().
		Str("source", source).
		Str("kind", string(kind)).
		Int("raw_parts", len(raw)).
		Int("passages", len(passages)).
		Msg("文件加载完成")
	return passages, nil
}

func (l *Loader) extractDOCX(ctx context.Context, data []byte, source string) (string, error) {
	if l.docx != nil {
		text, err := l.docx.ExtractText(ctx, data, filepath.Base(source), docxContentType)
		if err == nil {
			return text, nil
		}
		l.logger.Warn().Err(err).Str("source", source).Msg("Tika 提取 DOCX 失败，改用内置解析")
	}
	return extractDOCXText(data)
}

// decodeText 去掉 BOM；非 UTF-8 内容按 Latin-1 解码
func decodeText(data []byte) string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data)
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "\uFFFD")
	}
	return string(decoded)
}
