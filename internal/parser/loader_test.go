package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cv-shortlister/internal/config"
	"cv-shortlister/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePages struct {
	pages []string
	err   error
}

func (f fakePages) ExtractPages(context.Context, []byte, string) ([]string, error) {
	return f.pages, f.err
}

type fakeText struct {
	text  string
	err   error
	calls int
}

func (f *fakeText) ExtractText(context.Context, []byte, string, string) (string, error) {
	f.calls++
	return f.text, f.err
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func buildDOCX(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const sampleDocumentXML = `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>Jane Doe</w:t></w:r></w:p>
    <w:p><w:r><w:t xml:space="preserve">5 years </w:t></w:r><w:r><w:t>Python, AWS, Docker</w:t></w:r></w:p>
    <w:tbl><w:tr><w:tc><w:p><w:r><w:t>Kubernetes</w:t></w:r></w:p></w:tc></w:tr></w:tbl>
  </w:body>
</w:document>`

func newTestLoader(t *testing.T, opts ...LoaderOption) *Loader {
	t.Helper()
	opts = append([]LoaderOption{WithPageExtractor(fakePages{})}, opts...)
	l, err := NewLoader(context.Background(), config.TikaConfig{}, opts...)
	require.NoError(t, err)
	return l
}

func TestNormalizeWhitespace(t *testing.T) {
	assert.Equal(t, "a b c", NormalizeWhitespace("  a\n\n b\t\tc  "))
	assert.Equal(t, "", NormalizeWhitespace(" \n\t "))
	assert.Equal(t, "五年 Go 经验", NormalizeWhitespace("五年 Go\r\n经验"))
}

func TestLoader_PlainText(t *testing.T) {
	l := newTestLoader(t)
	path := writeFile(t, "cv.txt", []byte("\xef\xbb\xbf5 years   Python,\nAWS, Docker\n"))

	passages, err := l.Load(context.Background(), path, types.KindResume, "cv.txt")
	require.NoError(t, err)
	require.Len(t, passages, 1)

	p := passages[0]
	assert.Equal(t, "5 years Python, AWS, Docker", p.Content)
	assert.Equal(t, "cv.txt", p.Source)
	assert.Equal(t, types.KindResume, p.Kind)
	assert.Equal(t, 0, p.SequenceIndex)
	assert.Equal(t, map[string]string{"source": "cv.txt", "doc_type": "resume", "page": "1"}, p.Metadata())
}

func TestLoader_SourceDefaultsToPath(t *testing.T) {
	l := newTestLoader(t)
	path := writeFile(t, "notes.md", []byte("hello"))

	passages, err := l.Load(context.Background(), path, types.KindJobDescription, "")
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Equal(t, path, passages[0].Source)
	assert.Equal(t, "job_description", passages[0].Metadata()[types.MetaDocType])
}

func TestLoader_Latin1Fallback(t *testing.T) {
	l := newTestLoader(t)
	path := writeFile(t, "cv.txt", []byte("Jos\xe9 M\xfcller"))

	passages, err := l.Load(context.Background(), path, types.KindResume, "cv.txt")
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Equal(t, "José Müller", passages[0].Content)
}

func TestDecodeText(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want string
	}{
		{"utf8", []byte("Zoë Ångström"), "Zoë Ångström"},
		{"utf8 with bom", []byte("\xef\xbb\xbfSenior Go"), "Senior Go"},
		{"latin1", []byte("Salary \xa325k, Fran\xe7ois"), "Salary £25k, François"},
		{"latin1 high range", []byte{0xc0, 0xff}, "Àÿ"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, decodeText(tc.in))
		})
	}
}

func TestLoader_PDFPages(t *testing.T) {
	l := newTestLoader(t, WithPageExtractor(fakePages{pages: []string{"page one\n", "   ", "page  three"}}))
	path := writeFile(t, "cv.PDF", []byte("%PDF-fake"))

	passages, err := l.Load(context.Background(), path, types.KindResume, "cv.pdf")
	require.NoError(t, err)
	require.Len(t, passages, 2, "空白页被跳过")

	assert.Equal(t, "page one", passages[0].Content)
	assert.Equal(t, "1", passages[0].Metadata()[types.MetaPage])
	assert.Equal(t, "page three", passages[1].Content)
	assert.Equal(t, "3", passages[1].Metadata()[types.MetaPage], "页码对应原始页序")
}

func TestLoader_PDFError(t *testing.T) {
	boom := errors.New("broken pdf")
	l := newTestLoader(t, WithPageExtractor(fakePages{err: boom}))
	path := writeFile(t, "cv.pdf", []byte("x"))

	_, err := l.Load(context.Background(), path, types.KindResume, "cv.pdf")
	assert.ErrorIs(t, err, boom)
}

func TestLoader_DOCXBuiltin(t *testing.T) {
	l := newTestLoader(t)
	path := writeFile(t, "cv.docx", buildDOCX(t, sampleDocumentXML))

	passages, err := l.Load(context.Background(), path, types.KindResume, "cv.docx")
	require.NoError(t, err)
	require.Len(t, passages, 1)
	assert.Equal(t, "Jane Doe 5 years Python, AWS, Docker Kubernetes", passages[0].Content)
}

func TestLoader_DOCXInvalid(t *testing.T) {
	l := newTestLoader(t)
	path := writeFile(t, "cv.docx", []byte("not a zip"))

	_, err := l.Load(context.Background(), path, types.KindResume, "cv.docx")
	assert.ErrorIs(t, err, ErrInvalidDOCX)
}

func TestLoader_DOCXViaTika(t *testing.T) {
	tika := &fakeText{text: "from tika"}
	l := newTestLoader(t, WithDOCXExtractor(tika))
	path := writeFile(t, "cv.docx", buildDOCX(t, sampleDocumentXML))

	passages, err := l.Load(context.Background(), path, types.KindResume, "cv.docx")
	require.NoError(t, err)
	assert.Equal(t, "from tika", passages[0].Content)
	assert.Equal(t, 1, tika.calls)

	// Tika 失败时退回内置解析
	tika.err = errors.New("tika down")
	passages, err = l.Load(context.Background(), path, types.KindResume, "cv.docx")
	require.NoError(t, err)
	assert.Contains(t, passages[0].Content, "Jane Doe")
}

func TestLoader_MissingFile(t *testing.T) {
	l := newTestLoader(t)
	_, err := l.Load(context.Background(), filepath.Join(t.TempDir(), "missing.txt"), types.KindResume, "missing.txt")
	assert.Error(t, err)
}

func TestTikaExtractor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/tika", r.URL.Path)
		assert.Equal(t, "text/plain", r.Header.Get("Accept"))
		assert.Equal(t, "cv.docx", r.Header.Get("X-Tika-Resource-Name"))
		body, _ := io.ReadAll(r.Body)
		if string(body) == "fail" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		_, _ = w.Write([]byte("这是从文档中提取的测试文本内容。"))
	}))
	defer server.Close()

	extractor := NewTikaExtractor(server.URL+"/", WithTimeout(5*time.Second))
	assert.Equal(t, 5*time.Second, extractor.Client.Timeout)

	text, err := extractor.ExtractText(context.Background(), []byte("docx"), "cv.docx", docxContentType)
	require.NoError(t, err)
	assert.Equal(t, "这是从文档中提取的测试文本内容。", text)

	_, err = extractor.ExtractText(context.Background(), []byte("fail"), "cv.docx", docxContentType)
	assert.Error(t, err)
}

func TestNewLoader_UsesTikaWhenConfigured(t *testing.T) {
	l, err := NewLoader(context.Background(), config.TikaConfig{ServerURL: "http://tika:9998", TimeoutSeconds: 7},
		WithPageExtractor(fakePages{}))
	require.NoError(t, err)

	tika, ok := l.docx.(*TikaExtractor)
	require.True(t, ok)
	assert.Equal(t, "http://tika:9998", tika.ServerURL)
	assert.Equal(t, 7*time.Second, tika.Client.Timeout)
}

func TestNewEinoPDFExtractor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	extractor, err := NewEinoPDFExtractor(ctx, WithPDFTimeout(10*time.Second))
	require.NoError(t, err, "创建PDF提取器不应返回错误")
	require.NotNil(t, extractor.parser)
	assert.Equal(t, 10*time.Second, extractor.timeout)

	_, err = extractor.ExtractPages(ctx, bytes.NewReader([]byte("definitely not a pdf")), "bad.pdf")
	assert.Error(t, err, "非 PDF 内容应返回错误")
}
