package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"cv-shortlister/internal/config"

	einoembedding "github.com/cloudwego/eino/components/embedding"
)

const (
	// HashingModel 特征哈希的模型标签
	HashingModel           = "feature-hashing-v1"
	defaultLocalDimensions = 384
	trigramWeight          = 0.5
)

// HashingEmbedder 进程内的特征哈希向量化：词与字符三元组经带符号 FNV 哈希投影到固定维度后做 L2 归一化。
// 不需要模型文件、网络与凭证，同一输入总是得到同一向量；只反映词面重合，不含语义。
type HashingEmbedder struct {
	dimensions int
}

var _ Provider = (*HashingEmbedder)(nil)

// NewHashingEmbedder dimensions 不大于 0 时使用 384
func NewHashingEmbedder(dimensions int) *HashingEmbedder {
	if dimensions <= 0 {
		dimensions = defaultLocalDimensions
	}
	return &HashingEmbedder{dimensions: dimensions}
}

func (l *HashingEmbedder) Name() string    { return config.ProviderLocal }
func (l *HashingEmbedder) Model() string   { return HashingModel }
func (l *HashingEmbedder) Dimensions() int { return l.dimensions }

// EmbedStrings 实现 eino embedding.Embedder
func (l *HashingEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...einoembedding.Option) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = l.vectorize(text)
	}
	return out, nil
}

func (l *HashingEmbedder) vectorize(text string) []float64 {
	vec := make([]float64, l.dimensions)
	for _, token := range tokenize(text) {
		l.add(vec, "w:"+token, 1)
		runes := []rune("#" + token + "#")
		for i := 0; i+3 <= len(runes); i++ {
			l.add(vec, "c:"+string(runes[i:i+3]), trigramWeight)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		// 空文本没有任何特征，给一个固定的单位向量，保证余弦距离有定义
		vec[0] = 1
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func (l *HashingEmbedder) add(vec []float64, feature string, weight float64) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(l.dimensions))
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '+' && r != '#'
	})
}
