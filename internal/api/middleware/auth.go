package middleware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/d60-Lab/submission-hub/pkg/logger"
	"github.com/d60-Lab/submission-hub/pkg/response"
)

// ContextKeyUserID gin.Context 中保存调用方用户 ID 的 key
const ContextKeyUserID = "user_id"

// DevUserHeader 关闭鉴权时用于指定调用方的请求头
const DevUserHeader = "X-User-ID"

// JWTAuth 同时接受 Clerk（RS256，JWKS）与 Supabase Auth（HS256，共享密钥）签发的 token
type JWTAuth struct {
	jwks       keyfunc.Keyfunc
	hmacSecret []byte
	issuer     string
	leeway     time.Duration
}

// NewJWTAuth jwksURL 与 supabaseSecret 至少配置一个
func NewJWTAuth(ctx context.Context, jwksURL, issuer, supabaseSecret string, leeway time.Duration) (*JWTAuth, error) {
	if jwksURL == "" && supabaseSecret == "" {
		return nil, fmt.Errorf("auth enabled but neither clerk jwks url nor supabase jwt secret is configured")
	}
	var kf keyfunc.Keyfunc
	if jwksURL != "" {
		var err error
		kf, err = keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
		if err != nil {
			return nil, fmt.Errorf("create jwks keyfunc: %w", err)
		}
	}
	return NewJWTAuthWithKeyfunc(kf, []byte(supabaseSecret), issuer, leeway), nil
}

// NewJWTAuthWithKeyfunc 测试中注入本地 JWKS
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, hmacSecret []byte, issuer string, leeway time.Duration) *JWTAuth {
	return &JWTAuth{jwks: kf, hmacSecret: hmacSecret, issuer: issuer, leeway: leeway}
}

func (j *JWTAuth) methods() []string {
	var m []string
	if j.jwks != nil {
		m = append(m, jwt.SigningMethodRS256.Alg())
	}
	if len(j.hmacSecret) > 0 {
		m = append(m, jwt.SigningMethodHS256.Alg())
	}
	return m
}

func (j *JWTAuth) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		switch t.Method.Alg() {
		case jwt.SigningMethodHS256.Alg():
			return j.hmacSecret, nil
		case jwt.SigningMethodRS256.Alg():
			return j.jwks.KeyfuncCtx(ctx)(t)
		}
		return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
	}
}

// Middleware 校验 Bearer token，并把 sub 写入 ContextKeyUserID
func (j *JWTAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			response.Unauthorized(c, "missing bearer token")
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, j.keyFunc(c.Request.Context()),
			jwt.WithValidMethods(j.methods()),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(j.leeway),
		)
		if err != nil || !token.Valid {
			logger.Debug("jwt validation failed", zap.String("remote_addr", c.ClientIP()), zap.Error(err))
			response.Unauthorized(c, "invalid or expired token")
			return
		}
		// issuer 只约束 Clerk token；Supabase 的 iss 随项目而变
		if token.Method.Alg() == jwt.SigningMethodRS256.Alg() && j.issuer != "" && claims.Issuer != j.issuer {
			response.Unauthorized(c, "unexpected token issuer")
			return
		}
		if claims.Subject == "" {
			response.Unauthorized(c, "token has no subject")
			return
		}

		c.Set(ContextKeyUserID, claims.Subject)
		c.Next()
	}
}

// DevAuth 仅用于本地开发：从 X-User-ID 取用户
func DevAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(DevUserHeader))
		if userID == "" {
			response.Unauthorized(c, "missing "+DevUserHeader+" header")
			return
		}
		c.Set(ContextKeyUserID, userID)
		c.Next()
	}
}

// UserID 取鉴权中间件写入的用户 ID
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}
