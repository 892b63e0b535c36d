package processor

import (
	"time"

	"cv-shortlister/internal/config"
	"cv-shortlister/internal/constants"
	"cv-shortlister/internal/llm"
	"cv-shortlister/internal/parser"
	"cv-shortlister/internal/storage"
)

// Components 服务依赖的组件。Loader、Store、Embedders、LLMs 必需，其余可为 nil。
type Components struct {
	Loader    DocumentLoader
	Store     storage.VectorStore
	Embedders EmbedderFactory
	LLMs      llm.Provider
	Extractor *parser.MetadataExtractor

	Recorder RunRecorder // 未配置 MySQL 时为 nil
	Archiver Archiver    // 未配置 MinIO 时为 nil
}

// Settings 服务的可调参数
type Settings struct {
	MaxShortlisted      int
	PreviewChars        int
	SummaryTopK         int
	SummaryContextChars int
	EmbedWorkers        int
	RequestTimeout      time.Duration
	EnrichmentTimeout   time.Duration // 单次生成模型调用的预算

	EventsExchange      string
	CompletedRoutingKey string
}

// ComponentOpt 组件选项类型，仅改变 Components 结构体内的字段
type ComponentOpt func(*Components)

// SettingOpt 设置选项类型，仅改变 Settings 结构体内的字段
type SettingOpt func(*Settings)

// NewComponents 用必需组件构造 Components 并应用选项
func NewComponents(loader DocumentLoader, store storage.VectorStore, embedders EmbedderFactory, llms llm.Provider, opts ...ComponentOpt) Components {
	c := Components{
		Loader:    loader,
		Store:     store,
		Embedders: embedders,
		LLMs:      llms,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// DefaultSettings 返回默认设置
func DefaultSettings() Settings {
	return Settings{
		MaxShortlisted:      constants.MaxShortlisted,
		PreviewChars:        800,
		SummaryTopK:         3,
		SummaryContextChars: 1200,
		EmbedWorkers:        4,
		RequestTimeout:      120 * time.Second,
		EnrichmentTimeout:   20 * time.Second,
	}
}

// SettingsFromConfig 从配置构造设置，未填写的项使用默认值
func SettingsFromConfig(cfg *config.Config) Settings {
	s := DefaultSettings()
	sc := cfg.Shortlist
	if sc.MaxShortlisted > 0 && sc.MaxShortlisted <= constants.MaxShortlisted {
		s.MaxShortlisted = sc.MaxShortlisted
	}
	if sc.PreviewChars > 0 {
		s.PreviewChars = sc.PreviewChars
	}
	if sc.SummaryTopK > 0 {
		s.SummaryTopK = sc.SummaryTopK
	}
	if sc.SummaryContextChars > 0 {
		s.SummaryContextChars = sc.SummaryContextChars
	}
	if sc.EmbedWorkers > 0 {
		s.EmbedWorkers = sc.EmbedWorkers
	}
	s.RequestTimeout = config.GetDuration(sc.RequestTimeout, s.RequestTimeout)
	s.EnrichmentTimeout = config.GetDuration(sc.EnrichmentTimeout, s.EnrichmentTimeout)
	s.EventsExchange = cfg.RabbitMQ.EventsExchange
	s.CompletedRoutingKey = cfg.RabbitMQ.CompletedRoutingKey
	return s
}

// ----- 组件选项 -----

// WithMetadataExtractor 设置元数据抽取器
func WithMetadataExtractor(e *parser.MetadataExtractor) ComponentOpt {
	return func(c *Components) {
		c.Extractor = e
	}
}

// WithRunRecorder 设置运行记录器
func WithRunRecorder(r RunRecorder) ComponentOpt {
	return func(c *Components) {
		c.Recorder = r
	}
}

// WithArchiver 设置上传文件归档
func WithArchiver(a Archiver) ComponentOpt {
	return func(c *Components) {
		c.Archiver = a
	}
}

// ----- 设置选项 -----

// WithEmbedWorkers 设置候选段落向量化的并发数
func WithEmbedWorkers(n int) SettingOpt {
	return func(s *Settings) {
		if n > 0 {
			s.EmbedWorkers = n
		}
	}
}

// WithRequestTimeout 设置单个请求的超时，0 表示不限制
func WithRequestTimeout(d time.Duration) SettingOpt {
	return func(s *Settings) {
		s.RequestTimeout = d
	}
}

// WithEnrichmentTimeout 设置单次元数据抽取或摘要调用的超时
func WithEnrichmentTimeout(d time.Duration) SettingOpt {
	return func(s *Settings) {
		s.EnrichmentTimeout = d
	}
}

// WithEventRouting 设置完成事件的交换机与路由键
func WithEventRouting(exchange, routingKey string) SettingOpt {
	return func(s *Settings) {
		s.EventsExchange = exchange
		s.CompletedRoutingKey = routingKey
	}
}
