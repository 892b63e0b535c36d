package storage

import (
	"context"
	"fmt"

	"cv-shortlister/internal/config"
	"cv-shortlister/internal/logger"
)

// Storage 存储管理器，聚合所有存储相关依赖。
// 向量库是必需的，其余组件只有在配置后才会初始化，初始化失败时降级为 nil。
type Storage struct {
	// 向量数据库
	Vectors VectorStore

	// 键值存储，向量缓存
	Redis *Redis

	// 对象存储，上传原件归档
	MinIO *MinIO

	// 关系型数据库，筛选记录与 outbox
	MySQL *MySQL

	// 消息队列
	RabbitMQ *RabbitMQ
}

// NewStorage 创建存储管理器
func NewStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}
	log := logger.Component("storage")

	vectors, err := NewVectorStore(ctx, cfg.VectorStore)
	if err != nil {
		return nil, fmt.Errorf("初始化向量库失败: %w", err)
	}
	s := &Storage{Vectors: vectors}

	if cfg.Redis.Enabled() {
		if s.Redis, err = NewRedisAdapter(&cfg.Redis); err != nil {
			log.Warn().Err(err).Msg("初始化Redis失败，向量缓存已禁用")
			s.Redis = nil
		}
	}

	if cfg.MinIO.Enabled() {
		if s.MinIO, err = NewMinIO(ctx, &cfg.MinIO); err != nil {
			log.Warn().Err(err).Msg("初始化MinIO失败，上传归档已禁用")
			s.MinIO = nil
		}
	}

	if cfg.MySQL.Enabled() {
		if s.MySQL, err = NewMySQL(&cfg.MySQL); err != nil {
			log.Warn().Err(err).Msg("初始化MySQL失败，筛选记录已禁用")
			s.MySQL = nil
		}
	}

	if cfg.RabbitMQ.Enabled() {
		if s.RabbitMQ, err = NewRabbitMQ(&cfg.RabbitMQ); err != nil {
			log.Warn().Err(err).Msg("初始化RabbitMQ失败，事件发布已禁用")
			s.RabbitMQ = nil
		} else if err := s.RabbitMQ.SetupTopology(); err != nil {
			log.Warn().Err(err).Msg("声明RabbitMQ拓扑失败，事件发布已禁用")
			s.RabbitMQ.Close()
			s.RabbitMQ = nil
		}
	}

	log.Info().
		Str("vector_backend", cfg.VectorStore.Backend).
		Bool("redis", s.Redis != nil).
		Bool("minio", s.MinIO != nil).
		Bool("mysql", s.MySQL != nil).
		Bool("rabbitmq", s.RabbitMQ != nil).
		Msg("存储组件初始化完成")
	return s, nil
}

// Close 关闭所有连接
func (s *Storage) Close() {
	log := logger.Component("storage")

	if s.RabbitMQ != nil {
		if err := s.RabbitMQ.Close(); err != nil {
			log.Error().Err(err).Msg("关闭RabbitMQ连接失败")
		}
	}
	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			log.Error().Err(err).Msg("关闭MySQL连接失败")
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			log.Error().Err(err).Msg("关闭Redis连接失败")
		}
	}
	if s.Vectors != nil {
		if err := s.Vectors.Close(); err != nil {
			log.Error().Err(err).Msg("关闭向量库失败")
		}
	}
}
