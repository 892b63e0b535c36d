package handler

import (
	"context"
	"time"

	"cv-shortlister/internal/constants"
	"cv-shortlister/internal/logger"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/rs/zerolog"
)

// HandleRoot GET /
func HandleRoot(_ context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, utils.H{"message": constants.ServiceTitle, "version": constants.ServiceVersion})
}

// HandleHealth GET /health
func HandleHealth(_ context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, utils.H{"status": "healthy"})
}

// ReadinessCheck 一项就绪检查，Check 返回 nil 表示依赖可用
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// ReadinessHandler 逐项检查外部依赖
type ReadinessHandler struct {
	checks  []ReadinessCheck
	timeout time.Duration
	logger  zerolog.Logger
}

// NewReadinessHandler 创建就绪检查，每项检查最多等待 3 秒
func NewReadinessHandler(checks ...ReadinessCheck) *ReadinessHandler {
	return &ReadinessHandler{
		checks:  checks,
		timeout: 3 * time.Second,
		logger:  logger.Component("readiness"),
	}
}

// HandleReady 全部检查通过返回 200，否则 503 并列出失败项。
// GET /ready
func (h *ReadinessHandler) HandleReady(ctx context.Context, c *app.RequestContext) {
	results := make(map[string]string, len(h.checks))
	ready := true
	for _, chk := range h.checks {
		cctx, cancel := context.WithTimeout(ctx, h.timeout)
		err := chk.Check(cctx)
		cancel()
		if err != nil {
			ready = false
			results[chk.Name] = err.Error()
			h.logger.Warn().Err(err).Str("check", chk.Name).Msg("依赖未就绪")
			continue
		}
		results[chk.Name] = "ok"
	}
	if !ready {
		c.JSON(consts.StatusServiceUnavailable, utils.H{"status": "not_ready", "checks": results})
		return
	}
	c.JSON(consts.StatusOK, utils.H{"status": "ready", "checks": results})
}
