package router

import (
	"time"

	"cv-shortlister/internal/api/handler"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/cloudwego/hertz/pkg/route"
	"github.com/hertz-contrib/cors"
)

// CORS 允许任意来源，浏览器可以读到运行 ID 响应头
func CORS() app.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{consts.MethodGet, consts.MethodPost, consts.MethodDelete, consts.MethodOptions},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:   []string{handler.HeaderRunID},
		MaxAge:          12 * time.Hour,
	})
}

// RegisterRoutes 注册 API 路由
func RegisterRoutes(r route.IRouter, shortlistHandler *handler.ShortlistHandler, adminHandler *handler.AdminHandler, readiness *handler.ReadinessHandler) {
	r.Use(CORS())

	r.GET("/", handler.HandleRoot)
	r.GET("/health", handler.HandleHealth)
	if readiness != nil {
		r.GET("/ready", readiness.HandleReady)
	}

	api := r.Group("/api/v1")
	api.GET("/health", handler.HandleHealth)
	api.POST("/shortlist-cvs", shortlistHandler.HandleShortlistCVs)

	admin := api.Group("/admin")
	admin.GET("/collections", adminHandler.HandleListCollections)
	admin.DELETE("/collections", adminHandler.HandlePurgeCollections)
	admin.GET("/collections/:name/records/:id", adminHandler.HandleGetRecord)
	admin.GET("/runs/:run_id", adminHandler.HandleGetRun)
}
