package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"cv-shortlister/internal/config"
	"cv-shortlister/internal/logger"

	einoembedding "github.com/cloudwego/eino/components/embedding"
	"github.com/nlpodyssey/cybertron/pkg/models/bert"
	"github.com/nlpodyssey/cybertron/pkg/tasks"
	"github.com/nlpodyssey/cybertron/pkg/tasks/textencoding"
)

const (
	defaultLocalModel     = "sentence-transformers/all-MiniLM-L6-v2"
	defaultLocalModelsDir = "./models"
)

// sentenceEncoder 把一段文本编码为句向量（均值池化，未归一化）
type sentenceEncoder func(ctx context.Context, text string) ([]float64, error)

// LocalEmbedder 进程内运行的预训练 sentence-transformers 模型，由 cybertron 加载。
// 不需要凭证；模型文件放在 ModelsDir 下，缺少时按配置从 HuggingFace 下载并转换。
type LocalEmbedder struct {
	model      string
	dimensions int
	encode     sentenceEncoder

	mu sync.Mutex // 串行推理
}

var _ Provider = (*LocalEmbedder)(nil)

// NewLocalProvider 按配置选择本地实现：model 为 feature-hashing-v1 时是特征哈希，其余加载预训练模型
func NewLocalProvider(cfg config.LocalEmbeddingConfig) (Provider, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultLocalModel
	}
	if model == HashingModel {
		return NewHashingEmbedder(cfg.Dimensions), nil
	}
	cfg.Model = model
	p, err := LoadLocalEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// LoadLocalEmbedder 加载 cybertron 文本编码模型。加载失败返回 ErrProviderUnavailable。
func LoadLocalEmbedder(cfg config.LocalEmbeddingConfig) (*LocalEmbedder, error) {
	dir := cfg.ModelsDir
	if dir == "" {
		dir = defaultLocalModelsDir
	}
	download := tasks.DownloadNever
	if cfg.AllowDownload {
		download = tasks.DownloadMissing
	}

	log := logger.Component("local-embedder")
	log.Info().Str("model", cfg.Model).Str("models_dir", dir).Bool("allow_download", cfg.AllowDownload).Msg("加载本地向量化模型")
	m, err := tasks.Load[textencoding.Interface](&tasks.Config{
		ModelsDir:        dir,
		ModelName:        cfg.Model,
		DownloadPolicy:   download,
		ConversionPolicy: tasks.ConvertMissing,
	})
	if err != nil {
		return nil, newProviderError(config.ProviderLocal, ErrProviderUnavailable,
			fmt.Sprintf("load model %s from %s", cfg.Model, dir), err)
	}
	log.Info().Str("model", cfg.Model).Msg("本地向量化模型已加载")

	encode := func(ctx context.Context, text string) ([]float64, error) {
		resp, err := m.Encode(ctx, text, int(bert.MeanPooling))
		if err != nil {
			return nil, err
		}
		return resp.Vector.Data().F64(), nil
	}
	return newLocalEmbedder(cfg.Model, cfg.Dimensions, encode), nil
}

func newLocalEmbedder(model string, dimensions int, encode sentenceEncoder) *LocalEmbedder {
	if dimensions <= 0 {
		dimensions = defaultLocalDimensions
	}
	return &LocalEmbedder{model: model, dimensions: dimensions, encode: encode}
}

func (l *LocalEmbedder) Name() string    { return config.ProviderLocal }
func (l *LocalEmbedder) Model() string   { return l.model }
func (l *LocalEmbedder) Dimensions() int { return l.dimensions }

// EmbedStrings 实现 eino embedding.Embedder，输出经 L2 归一化
func (l *LocalEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...einoembedding.Option) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := l.encodeOne(ctx, text)
		if err != nil {
			return nil, newProviderError(l.Name(), ErrProviderUnavailable, "encode text", err)
		}
		if len(vec) != l.dimensions {
			return nil, newProviderError(l.Name(), ErrMalformedResponse,
				fmt.Sprintf("model %s produced %d dimensions, expected %d", l.model, len(vec), l.dimensions), nil)
		}
		out[i] = normalizeL2(vec)
	}
	return out, nil
}

func (l *LocalEmbedder) encodeOne(ctx context.Context, text string) ([]float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encode(ctx, text)
}

// normalizeL2 返回新切片；零向量原样返回
func normalizeL2(vec []float64) []float64 {
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float64, len(vec))
	copy(out, vec)
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i := range out {
		out[i] /= norm
	}
	return out
}
