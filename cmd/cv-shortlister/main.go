package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cv-shortlister/internal/api/handler"
	"cv-shortlister/internal/api/router"
	"cv-shortlister/internal/config"
	"cv-shortlister/internal/constants"
	"cv-shortlister/internal/embedding"
	"cv-shortlister/internal/llm"
	"cv-shortlister/internal/logger"
	"cv-shortlister/internal/outbox"
	"cv-shortlister/internal/parser"
	"cv-shortlister/internal/processor"
	"cv-shortlister/internal/storage"
	apptracing "cv-shortlister/internal/tracing"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/spf13/pflag"
)

func main() {
	var configPath, sampleConfigPath string
	pflag.StringVarP(&configPath, "config", "c", "", "Path to config file (YAML)")
	pflag.StringVar(&sampleConfigPath, "write-sample-config", "", "Write a sample config to the given path and exit")
	pflag.Parse()

	if sampleConfigPath != "" {
		if err := config.CreateSampleConfig(sampleConfigPath); err != nil {
			logger.Fatal().Err(err).Msg("写入示例配置失败")
		}
		logger.Info().Str("path", sampleConfigPath).Msg("示例配置已生成")
		return
	}

	// 1. 加载配置并初始化日志
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("加载配置失败")
	}
	logCloser, err := logger.Init(logger.Config(cfg.Logger))
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化日志失败")
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	logger.BindHertz()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. 追踪
	shutdownTracing, err := apptracing.Setup(ctx, apptracing.Config(cfg.Tracing), constants.ServiceName, constants.ServiceVersion)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化追踪失败")
	}

	// 3. 存储
	storageManager, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化存储失败")
	}
	defer storageManager.Close()
	logger.Info().Str("backend", cfg.VectorStore.Backend).Msg("存储服务初始化成功")

	// 4. 业务组件
	var cache embedding.Cache
	if storageManager.Redis != nil {
		cache = storageManager.Redis
	}
	embedders := embedding.NewFactory(cfg, cache)
	// 预先创建默认提供方，本地模型在启动时加载
	if p, err := embedders.New(ctx, ""); err != nil {
		logger.Warn().Err(err).Str("provider", embedders.Default()).Msg("默认向量化提供方暂不可用，首个请求时重试")
	} else {
		logger.Info().Str("provider", p.Name()).Str("model", p.Model()).Msg("默认向量化提供方就绪")
	}

	loader, err := parser.NewLoader(ctx, cfg.Tika)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化文档加载器失败")
	}

	compOpts := []processor.ComponentOpt{processor.WithMetadataExtractor(parser.NewMetadataExtractor(parser.WithMaxInputChars(8000)))}
	if storageManager.MySQL != nil {
		compOpts = append(compOpts, processor.WithRunRecorder(storageManager.MySQL))
	}
	if storageManager.MinIO != nil {
		compOpts = append(compOpts, processor.WithArchiver(storageManager.MinIO))
	}
	components := processor.NewComponents(loader, storageManager.Vectors, embedders, llm.NewFactory(cfg), compOpts...)

	// 没有 RabbitMQ 时不写 outbox 事件
	var setOpts []processor.SettingOpt
	if storageManager.RabbitMQ == nil {
		setOpts = append(setOpts, processor.WithEventRouting("", ""))
	}
	service, err := processor.NewShortlistService(components, processor.SettingsFromConfig(cfg), setOpts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化筛选服务失败")
	}
	logger.Info().
		Str("default_embedding_provider", embedders.Default()).
		Bool("run_ledger", storageManager.MySQL != nil).
		Bool("archive", storageManager.MinIO != nil).
		Msg("筛选服务初始化成功")

	// 5. outbox 中继
	var relay *outbox.MessageRelay
	if storageManager.MySQL != nil && storageManager.RabbitMQ != nil {
		relay = outbox.NewMessageRelay(storageManager.MySQL.DB(), storageManager.RabbitMQ, cfg.Outbox)
		relay.Start()
		logger.Info().Msg("消息中继服务已启动")
	}

	// 6. HTTP 服务
	serverTracer, tracerCfg := tracing.NewServerTracer()
	h := server.Default(
		serverTracer,
		server.WithHostPorts(cfg.Server.Address),
		server.WithMaxRequestBodySize(cfg.Server.MaxRequestBodyMB<<20),
		server.WithExitWaitTime(5*time.Second),
	)
	h.Use(tracing.ServerMiddleware(tracerCfg))
	h.Use(func(c context.Context, ctx *app.RequestContext) {
		start := time.Now()
		ctx.Next(c)
		logger.Debug().
			Str("method", string(ctx.Method())).
			Str("path", string(ctx.Path())).
			Int("status", ctx.Response.StatusCode()).
			Dur("latency", time.Since(start)).
			Msg("HTTP 请求")
	})

	var adminOpts []handler.AdminOption
	if storageManager.MySQL != nil {
		adminOpts = append(adminOpts, handler.WithRunReader(storageManager.MySQL))
	}
	router.RegisterRoutes(h,
		handler.NewShortlistHandler(service, ""),
		handler.NewAdminHandler(storageManager.Vectors, adminOpts...),
		handler.NewReadinessHandler(readinessChecks(cfg, storageManager)...),
	)
	logger.Info().Str("address", cfg.Server.Address).Msg("HTTP 服务器启动中")

	go func() {
		if err := h.Run(); err != nil {
			logger.Fatal().Err(err).Msg("启动HTTP服务器失败")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("接收到终止信号，正在优雅退出...")

	if relay != nil {
		relay.Stop()
		logger.Info().Msg("消息中继服务已停止")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("服务器关闭失败")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("关闭追踪失败")
	}
	logger.Info().Msg("优雅退出完成")
}

// readinessChecks 只检查已配置的外部依赖
func readinessChecks(cfg *config.Config, sm *storage.Storage) []handler.ReadinessCheck {
	var checks []handler.ReadinessCheck
	if sm.Redis != nil {
		checks = append(checks, handler.ReadinessCheck{Name: "redis", Check: sm.Redis.Ping})
	}
	if sm.MySQL != nil {
		checks = append(checks, handler.ReadinessCheck{Name: "mysql", Check: func(ctx context.Context) error {
			sqlDB, err := sm.MySQL.DB().DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}})
	}
	if cfg.Shortlist.DefaultEmbeddingProvider == config.ProviderOllama {
		checks = append(checks, handler.ReadinessCheck{Name: "ollama", Check: embedding.NewOllamaEmbedder(cfg.Ollama).Ping})
	}
	return checks
}
