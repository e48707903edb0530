package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS 只放行配置中的前端来源；开发模式的 X-User-ID 也需要放行
func CORS(origins []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", DevUserHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}
