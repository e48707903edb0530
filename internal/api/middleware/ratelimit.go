package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/submission-hub/pkg/response"
)

// UserRateLimiter 按用户限流；limiter 放在带过期的 LRU 里，避免无限增长
type UserRateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters *expirable.LRU[string, *rate.Limiter]
}

// NewUserRateLimiter perMinute <= 0 时不限流
func NewUserRateLimiter(perMinute, burst int) *UserRateLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	if burst < 1 {
		burst = 1
	}
	return &UserRateLimiter{
		limit:    limit,
		burst:    burst,
		limiters: expirable.NewLRU[string, *rate.Limiter](10000, nil, 10*time.Minute),
	}
}

// Allow 同一用户并发的首个请求共用一个 limiter
func (l *UserRateLimiter) Allow(userID string) bool {
	return l.limiter(userID).Allow()
}

func (l *UserRateLimiter) limiter(userID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters.Get(userID)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters.Add(userID, lim)
	}
	return lim
}

// Middleware 需放在鉴权之后；没有用户 ID 时按客户端 IP 计
func (l *UserRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := UserID(c)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		if !l.Allow(key) {
			response.TooManyRequests(c, "too many submissions, please slow down")
			return
		}
		c.Next()
	}
}
