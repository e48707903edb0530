package router

import (
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	_ "github.com/d60-Lab/submission-hub/docs"
	"github.com/d60-Lab/submission-hub/internal/api/handler"
	"github.com/d60-Lab/submission-hub/internal/api/middleware"
)

// Options 路由装配参数
type Options struct {
	ServiceName string
	// Auth 为 nil 时使用 X-User-ID 开发模式
	Auth        *middleware.JWTAuth
	RateLimiter *middleware.UserRateLimiter
	// LocalFilesDir 非空时在 /files 下提供本地存储的文件
	LocalFilesDir string
	Swagger       bool
	// CORSOrigins 为空时不启用 CORS
	CORSOrigins []string
}

func Setup(h *handler.Handler, opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(opts.ServiceName))
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	if len(opts.CORSOrigins) > 0 {
		r.Use(middleware.CORS(opts.CORSOrigins))
	}

	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if opts.Swagger {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}
	if opts.LocalFilesDir != "" {
		r.StaticFS("/files", http.Dir(opts.LocalFilesDir))
	}

	auth := middleware.DevAuth()
	if opts.Auth != nil {
		auth = opts.Auth.Middleware()
	}

	v1 := r.Group("/api/v1", auth)
	v1.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		submissions := v1.Group("/submissions")
		submit := []gin.HandlerFunc{h.SubmitDocuments}
		if opts.RateLimiter != nil {
			submit = append([]gin.HandlerFunc{opts.RateLimiter.Middleware()}, submit...)
		}
		submissions.POST("", submit...)
		submissions.GET("", h.ListSubmissions)
		submissions.GET("/:id", h.GetSubmission)
	}
	return r
}
