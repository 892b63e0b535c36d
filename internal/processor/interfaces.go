package processor

import (
	"context"

	"cv-shortlister/internal/embedding"
	"cv-shortlister/internal/storage/models"
	"cv-shortlister/internal/types"
)

//
// 文档加载相关接口
//

// DocumentLoader 把上传文件转换为段落
type DocumentLoader interface {
	Load(ctx context.Context, path string, kind types.DocumentKind, source string) ([]types.Passage, error)
}

//
// 向量化相关接口
//

// EmbedderFactory 按名称返回向量化提供方
type EmbedderFactory interface {
	New(ctx context.Context, name string) (embedding.Provider, error)
	// Default 请求未指定提供方时使用的名称
	Default() string
}

//
// 运行记录相关接口（可选组件）
//

// RunRecorder 在同一事务中写入运行记录与 outbox 事件
type RunRecorder interface {
	RecordRun(ctx context.Context, run *models.ShortlistRun, event *models.OutboxMessage) error
}

// Archiver 归档上传的原始文件
type Archiver interface {
	ArchiveFile(ctx context.Context, runID, role string, index int, filename, localPath string) (objectKey string, md5hex string, err error)
}
