package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 支持的提供方名称
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderLocal  = "local"
	ProviderOllama = "ollama"

	VectorBackendSQLite = "sqlite"
	VectorBackendQdrant = "qdrant"
)

// Config 应用配置
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logger         LoggerConfig         `yaml:"logger"`
	Tracing        TracingConfig        `yaml:"tracing"`
	Shortlist      ShortlistConfig      `yaml:"shortlist"`
	OpenAI         OpenAIConfig         `yaml:"openai"`
	Gemini         GeminiConfig         `yaml:"gemini"`
	Ollama         OllamaConfig         `yaml:"ollama"`
	LocalEmbedding LocalEmbeddingConfig `yaml:"local_embedding"`
	VectorStore    VectorStoreConfig    `yaml:"vector_store"`
	Tika           TikaConfig           `yaml:"tika"`
	Redis          RedisConfig          `yaml:"redis"`
	MinIO          MinIOConfig          `yaml:"minio"`
	MySQL          MySQLConfig          `yaml:"mysql"`
	RabbitMQ       RabbitMQConfig       `yaml:"rabbitmq"`
	Outbox         OutboxConfig         `yaml:"outbox"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`

	// ModelQPMLimits 每个模型的每分钟请求上限，键为模型名
	ModelQPMLimits map[string]int `yaml:"model_qpm_limits"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Address          string `yaml:"address"`             // 例如 ":9000"
	MaxRequestBodyMB int    `yaml:"max_request_body_mb"` // multipart 请求体上限
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level        string `yaml:"level"`         // debug, info, warn, error
	Format       string `yaml:"format"`        // json, pretty
	TimeFormat   string `yaml:"time_format"`   // 时间格式
	ReportCaller bool   `yaml:"report_caller"` // 是否报告调用位置
	FilePath     string `yaml:"file_path"`     // 可选的日志文件
}

// TracingConfig OpenTelemetry 导出配置
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// ShortlistConfig 筛选流程参数
type ShortlistConfig struct {
	DefaultEmbeddingProvider string `yaml:"default_embedding_provider"`
	MaxShortlisted           int    `yaml:"max_shortlisted"`
	PreviewChars             int    `yaml:"preview_chars"`
	SummaryTopK              int    `yaml:"summary_top_k"`
	SummaryContextChars      int    `yaml:"summary_context_chars"`
	EmbedWorkers             int    `yaml:"embed_workers"`
	RequestTimeout           string `yaml:"request_timeout"`    // 例如 "120s"
	EnrichmentTimeout        string `yaml:"enrichment_timeout"` // 单次元数据抽取或摘要调用的预算
}

// EmbeddingConfig 远程向量化服务配置
type EmbeddingConfig struct {
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BaseURL    string `yaml:"base_url"`
}

// OpenAIConfig OpenAI 凭证与模型
type OpenAIConfig struct {
	APIKey      string          `yaml:"api_key"`
	BaseURL     string          `yaml:"base_url"` // chat completions 地址
	ChatModel   string          `yaml:"chat_model"`
	Temperature float64         `yaml:"temperature"`
	Embedding   EmbeddingConfig `yaml:"embedding"`
}

// GeminiConfig Gemini 凭证与模型
type GeminiConfig struct {
	APIKey      string          `yaml:"api_key"`
	ChatModel   string          `yaml:"chat_model"`
	Temperature float64         `yaml:"temperature"`
	Embedding   EmbeddingConfig `yaml:"embedding"`
}

// OllamaConfig 自托管 Ollama 向量化配置
type OllamaConfig struct {
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	Dimensions     int    `yaml:"dimensions"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// LocalEmbeddingConfig 进程内向量化配置。
// Model 是 HuggingFace 上的 sentence-transformers 模型名，从 ModelsDir 加载；
// 填 feature-hashing-v1 时改用不依赖模型文件的特征哈希。
type LocalEmbeddingConfig struct {
	Model         string `yaml:"model"`
	Dimensions    int    `yaml:"dimensions"`
	ModelsDir     string `yaml:"models_dir"`
	AllowDownload bool   `yaml:"allow_download"` // 本地缺少模型时从 HuggingFace 下载
}

// VectorStoreConfig 向量库配置
type VectorStoreConfig struct {
	Backend    string       `yaml:"backend"`     // sqlite 或 qdrant
	PersistDir string       `yaml:"persist_dir"` // sqlite 数据目录
	Qdrant     QdrantConfig `yaml:"qdrant"`
}

// QdrantConfig Qdrant REST 配置
type QdrantConfig struct {
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// TikaConfig Tika 服务配置，用于 DOCX 文本抽取
type TikaConfig struct {
	ServerURL      string `yaml:"server_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// RedisConfig Redis 配置，用于向量缓存
type RedisConfig struct {
	Address             string `yaml:"address"`
	Password            string `yaml:"password"`
	DB                  int    `yaml:"db"`
	PoolSize            int    `yaml:"pool_size"`
	MinIdleConns        int    `yaml:"min_idle_conns"`
	DialTimeoutSeconds  int    `yaml:"dial_timeout_seconds"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	MaxRetries          int    `yaml:"max_retries"`
	EmbeddingCacheTTL   string `yaml:"embedding_cache_ttl"` // 例如 "168h"
}

// MinIOConfig 上传原件归档配置
type MinIOConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyID"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	UseSSL          bool   `yaml:"useSSL"`
	BucketName      string `yaml:"bucketName"`
	Location        string `yaml:"location"`
	ExpireDays      int    `yaml:"expire_days"`
}

// MySQLConfig 筛选记录库配置
type MySQLConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	Username               string `yaml:"username"`
	Password               string `yaml:"password"`
	Database               string `yaml:"database"`
	DSN                    string `yaml:"dsn"` // 非空时优先使用
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogLevel               int    `yaml:"log_level"` // gorm 日志级别 1-4
}

// RabbitMQConfig 事件发布配置
type RabbitMQConfig struct {
	URL                 string `yaml:"url"`
	EventsExchange      string `yaml:"events_exchange"`
	CompletedRoutingKey string `yaml:"completed_routing_key"`
	CompletedQueue      string `yaml:"completed_queue"`
}

// OutboxConfig 发件箱中继配置
type OutboxConfig struct {
	PollInterval string `yaml:"poll_interval"`
	BatchSize    int    `yaml:"batch_size"`
	MaxRetries   int    `yaml:"max_retries"`
}

// RateLimitConfig 模型调用限流与重试
type RateLimitConfig struct {
	DefaultQPM       int `yaml:"default_qpm"`
	MaxRetries       int `yaml:"max_retries"`
	RetryWaitSeconds int `yaml:"retry_wait_seconds"`
}

// Enabled 各可选组件是否已配置
func (c RedisConfig) Enabled() bool    { return c.Address != "" }
func (c MinIOConfig) Enabled() bool    { return c.Endpoint != "" }
func (c MySQLConfig) Enabled() bool    { return c.DSN != "" || c.Host != "" }
func (c RabbitMQConfig) Enabled() bool { return c.URL != "" }
func (c TikaConfig) Enabled() bool     { return c.ServerURL != "" }

// LoadConfig 加载配置：先读取 .env，再读 YAML，最后应用环境变量覆盖和默认值。
// configPath 为空或文件不存在时使用默认配置。
func LoadConfig(configPath string) (*Config, error) {
	// .env 不存在是正常情况
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("读取 .env 失败: %w", err)
	}

	cfg := DefaultConfig()
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("解析配置文件失败: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
			// 允许仅靠环境变量运行
		default:
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFromFileOnly 只从文件加载配置，不读取环境变量，主要用于测试
func LoadConfigFromFileOnly(configPath string) (*Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("必须提供配置文件路径")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	switch c.Shortlist.DefaultEmbeddingProvider {
	case ProviderOpenAI, ProviderGemini, ProviderLocal, ProviderOllama:
	default:
		return fmt.Errorf("不支持的默认 embedding provider: %q", c.Shortlist.DefaultEmbeddingProvider)
	}
	switch c.VectorStore.Backend {
	case VectorBackendSQLite:
	case VectorBackendQdrant:
		if c.VectorStore.Qdrant.Endpoint == "" {
			return fmt.Errorf("vector_store.backend=qdrant 时必须配置 qdrant.endpoint")
		}
	default:
		return fmt.Errorf("不支持的向量库后端: %q", c.VectorStore.Backend)
	}
	if c.Shortlist.MaxShortlisted < 1 {
		return fmt.Errorf("shortlist.max_shortlisted 必须大于 0")
	}
	return nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Address = ":9000"
	cfg.Server.MaxRequestBodyMB = 64

	cfg.Logger.Level = "info"
	cfg.Logger.Format = "pretty"
	cfg.Logger.TimeFormat = "15:04:05"

	cfg.Shortlist.DefaultEmbeddingProvider = ProviderLocal
	cfg.Shortlist.MaxShortlisted = 50
	cfg.Shortlist.PreviewChars = 800
	cfg.Shortlist.SummaryTopK = 3
	cfg.Shortlist.SummaryContextChars = 1200
	cfg.Shortlist.EmbedWorkers = 4
	cfg.Shortlist.RequestTimeout = "180s"
	cfg.Shortlist.EnrichmentTimeout = "20s"

	cfg.OpenAI.BaseURL = "https://api.openai.com/v1/chat/completions"
	cfg.OpenAI.ChatModel = "gpt-4o-mini"
	cfg.OpenAI.Temperature = 0.2
	cfg.OpenAI.Embedding = EmbeddingConfig{
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		BaseURL:    "https://api.openai.com/v1/embeddings",
	}

	cfg.Gemini.ChatModel = "gemini-1.5-pro"
	cfg.Gemini.Temperature = 0.2
	cfg.Gemini.Embedding = EmbeddingConfig{
		Model:      "text-embedding-004",
		Dimensions: 768,
	}

	cfg.Ollama.BaseURL = "http://localhost:11434"
	cfg.Ollama.Model = "nomic-embed-text"
	cfg.Ollama.Dimensions = 768
	cfg.Ollama.TimeoutSeconds = 30

	cfg.LocalEmbedding.Model = "sentence-transformers/all-MiniLM-L6-v2"
	cfg.LocalEmbedding.Dimensions = 384
	cfg.LocalEmbedding.ModelsDir = "./models"
	cfg.LocalEmbedding.AllowDownload = true

	cfg.VectorStore.Backend = VectorBackendSQLite
	cfg.VectorStore.PersistDir = "./chroma_db"
	cfg.VectorStore.Qdrant.TimeoutSeconds = 30

	cfg.Tika.TimeoutSeconds = 60

	cfg.Redis.PoolSize = 10
	cfg.Redis.DialTimeoutSeconds = 5
	cfg.Redis.ReadTimeoutSeconds = 3
	cfg.Redis.WriteTimeoutSeconds = 3
	cfg.Redis.MaxRetries = 3
	cfg.Redis.EmbeddingCacheTTL = "168h"

	cfg.MinIO.BucketName = "cv-shortlister-uploads"

	cfg.MySQL.Port = 3306
	cfg.MySQL.MaxIdleConns = 10
	cfg.MySQL.MaxOpenConns = 50
	cfg.MySQL.ConnMaxLifetimeMinutes = 60
	cfg.MySQL.LogLevel = 1

	cfg.RabbitMQ.EventsExchange = "shortlist.events.exchange"
	cfg.RabbitMQ.CompletedRoutingKey = "shortlist.completed"
	cfg.RabbitMQ.CompletedQueue = "q.shortlist_completed"

	cfg.Outbox.PollInterval = "5s"
	cfg.Outbox.BatchSize = 10
	cfg.Outbox.MaxRetries = 5

	cfg.RateLimit.DefaultQPM = 60
	cfg.RateLimit.MaxRetries = 3
	cfg.RateLimit.RetryWaitSeconds = 1

	cfg.ModelQPMLimits = map[string]int{}
	return cfg
}

// applyEnvOverrides 环境变量覆盖，变量名与部署脚本保持一致
func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Address = ":" + strings.TrimPrefix(port, ":")
	}
	if v := os.Getenv("CHROMA_DB_PERSIST_DIR"); v != "" {
		cfg.VectorStore.PersistDir = v
	}
	if v := os.Getenv("VECTOR_STORE_BACKEND"); v != "" {
		cfg.VectorStore.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("EMBEDDINGS_PROVIDER"); v != "" {
		cfg.Shortlist.DefaultEmbeddingProvider = strings.ToLower(v)
	}
	if v := os.Getenv("LOCAL_EMBEDDINGS_MODEL"); v != "" {
		cfg.LocalEmbedding.Model = v
	}
	if v := os.Getenv("LOCAL_EMBEDDINGS_MODELS_DIR"); v != "" {
		cfg.LocalEmbedding.ModelsDir = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Gemini.APIKey = v
	}
	if v := os.Getenv("GOOGLE_GENERATIVE_AI_MODEL"); v != "" {
		cfg.Gemini.ChatModel = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		cfg.Ollama.BaseURL = v
	}
	if v := os.Getenv("OLLAMA_EMBEDDING_MODEL"); v != "" {
		cfg.Ollama.Model = v
	}
	if v := os.Getenv("OLLAMA_EMBEDDING_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Ollama.Dimensions = n
		}
	}
	if v := os.Getenv("QDRANT_ENDPOINT"); v != "" {
		cfg.VectorStore.Qdrant.Endpoint = v
	}
	if v := os.Getenv("QDRANT_API_KEY"); v != "" {
		cfg.VectorStore.Qdrant.APIKey = v
	}
	if v := os.Getenv("TIKA_SERVER_URL"); v != "" {
		cfg.Tika.ServerURL = v
	}
	if v := os.Getenv("REDIS_ADDRESS"); v != "" {
		cfg.Redis.Address = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		cfg.MySQL.DSN = v
	}
	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		cfg.RabbitMQ.URL = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
}

// applyDefaults 为 YAML 中留空的字段补默认值
func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Server.Address == "" {
		cfg.Server.Address = def.Server.Address
	}
	if cfg.Server.MaxRequestBodyMB <= 0 {
		cfg.Server.MaxRequestBodyMB = def.Server.MaxRequestBodyMB
	}
	if cfg.Shortlist.DefaultEmbeddingProvider == "" {
		cfg.Shortlist.DefaultEmbeddingProvider = def.Shortlist.DefaultEmbeddingProvider
	}
	cfg.Shortlist.DefaultEmbeddingProvider = strings.ToLower(cfg.Shortlist.DefaultEmbeddingProvider)
	if cfg.Shortlist.MaxShortlisted == 0 {
		cfg.Shortlist.MaxShortlisted = def.Shortlist.MaxShortlisted
	}
	if cfg.Shortlist.PreviewChars <= 0 {
		cfg.Shortlist.PreviewChars = def.Shortlist.PreviewChars
	}
	if cfg.Shortlist.SummaryTopK <= 0 {
		cfg.Shortlist.SummaryTopK = def.Shortlist.SummaryTopK
	}
	if cfg.Shortlist.SummaryContextChars <= 0 {
		cfg.Shortlist.SummaryContextChars = def.Shortlist.SummaryContextChars
	}
	if cfg.Shortlist.EmbedWorkers <= 0 {
		cfg.Shortlist.EmbedWorkers = def.Shortlist.EmbedWorkers
	}
	if cfg.VectorStore.Backend == "" {
		cfg.VectorStore.Backend = def.VectorStore.Backend
	}
	if cfg.VectorStore.PersistDir == "" {
		cfg.VectorStore.PersistDir = def.VectorStore.PersistDir
	}
	if cfg.LocalEmbedding.Dimensions <= 0 {
		cfg.LocalEmbedding.Dimensions = def.LocalEmbedding.Dimensions
	}
	if cfg.LocalEmbedding.Model == "" {
		cfg.LocalEmbedding.Model = def.LocalEmbedding.Model
	}
	if cfg.LocalEmbedding.ModelsDir == "" {
		cfg.LocalEmbedding.ModelsDir = def.LocalEmbedding.ModelsDir
	}
	if cfg.Ollama.Dimensions <= 0 {
		cfg.Ollama.Dimensions = def.Ollama.Dimensions
	}
	if cfg.ModelQPMLimits == nil {
		cfg.ModelQPMLimits = map[string]int{}
	}
}

// GetDuration 解析时长字符串，失败时返回默认值
func GetDuration(durationStr string, defaultDuration time.Duration) time.Duration {
	if durationStr == "" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return defaultDuration
	}
	return d
}

// CreateSampleConfig 在指定路径写出一份带默认值的示例配置
func CreateSampleConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("序列化示例配置失败: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("写入示例配置失败: %w", err)
	}
	return nil
}
