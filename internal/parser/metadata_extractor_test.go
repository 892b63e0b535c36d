package parser

import (
	"context"
	"errors"
	"strings"
	"testing"

	"cv-shortlister/internal/llm"
	"cv-shortlister/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var abcSchema = Schema{
	{Name: "a", Description: "first"},
	{Name: "b", Description: "second"},
	{Name: "c", Description: "third"},
}

func assertExactKeys(t *testing.T, got map[string]string, schema Schema) {
	t.Helper()
	assert.Len(t, got, len(schema))
	for _, k := range schema.Keys() {
		_, ok := got[k]
		assert.True(t, ok, "缺少键 %s", k)
	}
}

func TestParseReply(t *testing.T) {
	testCases := []struct {
		name   string
		reply  string
		want   map[string]string
		parsed bool
	}{
		{
			name:   "完整 JSON",
			reply:  `{"a":"x","b":"y","c":"z"}`,
			want:   map[string]string{"a": "x", "b": "y", "c": "z"},
			parsed: true,
		},
		{
			name:   "缺少字段补空串并丢弃多余字段",
			reply:  `{"a":"x","extra":"ignored"}`,
			want:   map[string]string{"a": "x", "b": "", "c": ""},
			parsed: true,
		},
		{
			name:   "代码块包裹",
			reply:  "Here you go:\n```json\n{\"a\": \"x\", \"b\": {\"k\": 1}}\n```\nThanks",
			want:   map[string]string{"a": "x", "b": `{"k":1}`, "c": ""},
			parsed: true,
		},
		{
			name:   "非字符串值",
			reply:  `{"a": 5, "b": ["Go", "Python"], "c": null}`,
			want:   map[string]string{"a": "5", "b": "Go, Python", "c": ""},
			parsed: true,
		},
		{
			name:   "布尔与小数",
			reply:  `{"a": true, "b": 3.5}`,
			want:   map[string]string{"a": "true", "b": "3.5", "c": ""},
			parsed: true,
		},
		{
			name:   "完全不是 JSON",
			reply:  "I could not find anything",
			want:   map[string]string{"a": "", "b": "", "c": ""},
			parsed: false,
		},
		{
			name:   "花括号之间不是合法 JSON",
			reply:  "{not json}",
			want:   map[string]string{"a": "", "b": "", "c": ""},
			parsed: false,
		},
		{
			name:   "JSON 数组",
			reply:  `["a","b"]`,
			want:   map[string]string{"a": "", "b": "", "c": ""},
			parsed: false,
		},
		{
			name:   "BOM 前缀",
			reply:  "\uFEFF{\"c\":\"z\"}",
			want:   map[string]string{"a": "", "b": "", "c": "z"},
			parsed: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseReply(tc.reply, abcSchema)
			assert.Equal(t, tc.parsed, ok)
			assert.Equal(t, tc.want, got)
			assertExactKeys(t, got, abcSchema)
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt("Senior Go engineer", CandidateSchema)
	assert.True(t, strings.HasPrefix(prompt, "Extract the following parameters from the description below."))
	assert.Contains(t, prompt, "- skills: comma separated")
	assert.Contains(t, prompt, "- employment_type: Type of employment")
	assert.Contains(t, prompt, "Job Description:\nSenior Go engineer\n\n")
	assert.True(t, strings.HasSuffix(prompt, "use an empty string or appropriate default value."))

	// 字段按 schema 顺序出现
	assert.Less(t, strings.Index(prompt, "- skills:"), strings.Index(prompt, "- years_experience:"))
}

func TestMetadataExtractor_Extract(t *testing.T) {
	ctx := context.Background()
	extractor := NewMetadataExtractor(WithMaxInputChars(10))

	chat := llm.NewMockChatModel(`{"skills":"Python, AWS","years_experience":"5"}`, nil)
	got, err := extractor.Extract(ctx, chat, "5 years Python, AWS, Docker", CandidateSchema)
	require.NoError(t, err)
	assertExactKeys(t, got, CandidateSchema)
	assert.Equal(t, "Python, AWS", got["skills"])
	assert.Equal(t, "5", got["years_experience"])
	assert.Equal(t, "", got["location"])

	require.Equal(t, 1, chat.CallCount())
	prompt := chat.Calls[0][0].Content
	assert.Contains(t, prompt, "Job Description:\n5 years Py\n", "输入按字符数截断")
}

func TestMetadataExtractor_AbsorbsReplyErrors(t *testing.T) {
	ctx := context.Background()
	extractor := NewMetadataExtractor()

	for _, reply := range []string{"", "   ", "no json here", "{broken"} {
		got, err := extractor.Extract(ctx, llm.NewMockChatModel(reply, nil), "text", abcSchema)
		require.NoError(t, err, "回复格式问题不应返回错误: %q", reply)
		assert.Equal(t, abcSchema.Empty(), got)
	}
}

func TestMetadataExtractor_ReportsCallErrors(t *testing.T) {
	ctx := context.Background()
	extractor := NewMetadataExtractor()

	callErr := types.NewProviderError("openai", types.ErrMissingCredential, "", nil)
	got, err := extractor.Extract(ctx, llm.NewMockChatModel("", callErr), "text", abcSchema)
	assert.True(t, errors.Is(err, types.ErrMissingCredential))
	assert.Equal(t, abcSchema.Empty(), got, "调用失败时仍返回完整的空结果")

	got, err = extractor.Extract(ctx, nil, "text", abcSchema)
	require.NoError(t, err)
	assert.Equal(t, abcSchema.Empty(), got)
}
