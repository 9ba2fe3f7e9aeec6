package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"cvchapchap/internal/api/middleware"
	"cvchapchap/internal/auth"
	"cvchapchap/internal/config"
	"cvchapchap/internal/cv"
	"cvchapchap/internal/metrics"
	"cvchapchap/internal/preview"
	"cvchapchap/internal/request"
	"cvchapchap/internal/retry"
)

const maxBodyBytes = 8 << 20

// Requests 是 HTTP 层对付费下载流程的全部依赖。
type Requests interface {
	Payments
	SessionRequests
}

// Deps 汇总注入到各处理器的依赖。
// 可选字段为 nil 时，对应功能关闭。
type Deps struct {
	Config   *config.Config
	DB       *gorm.DB
	Redis    redis.UniversalClient
	Logger   *slog.Logger
	Auth     *auth.AuthService
	Forms    *cv.Registry
	Drafts   DraftProber
	Renderer *preview.Renderer
	Chain    *request.Chain
	Requests Requests
	Enqueuer request.Enqueuer
	Storage  PhotoStore
	Scanner  Scanner
	Tracker  *retry.Tracker
	OpenAI   OpenAIOptions
}

// NewRouter 构建 Gin 引擎，挂载公共中间件、健康检查与指标。
func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(
		middleware.CorrelationIDMiddleware(),
		middleware.SlogLoggerMiddleware(logger),
		metrics.GinMiddleware(),
		gin.Recovery(),
		limitBody(maxBodyBytes),
	)

	router.GET("/health", healthHandler(deps))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	RegisterRoutes(router, deps)
	return router
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

// healthHandler 报告数据库、草稿存储与上游冷却状态。
// 只有数据库不可用时才判定为不健康。
func healthHandler(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		body := gin.H{"status": "ok"}

		if deps.DB != nil {
			dbStatus := "ok"
			if sqlDB, err := deps.DB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
				dbStatus = "unreachable"
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
			body["database"] = dbStatus
		}
		if deps.Drafts != nil {
			body["drafts"] = deps.Drafts.Probe(ctx)
		}
		if deps.Tracker != nil {
			body["upstreams"] = deps.Tracker.Snapshot()
		}
		if deps.Forms != nil {
			body["openDrafts"] = deps.Forms.Len()
		}
		c.JSON(status, body)
	}
}
