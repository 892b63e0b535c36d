package constants

// Redis Key 命名规范: {app}:{module}:{entity}:{unique_id}
const (
	// AppPrefix 所有 Redis Key 的统一前缀
	AppPrefix = "cv_shortlister"

	// EmbeddingModulePrefix 向量化模块
	EmbeddingModulePrefix = "embedding"

	// KeyEmbeddingCache 文本向量缓存 (STRING, JSON 编码的 []float32)
	// 格式: cv_shortlister:embedding:{provider}:{model}:{sha256(text)}
	KeyEmbeddingCache = AppPrefix + ":" + EmbeddingModulePrefix + ":%s:%s:%s"
)
