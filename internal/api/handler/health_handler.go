package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/submission-hub/pkg/response"
)

// Health 存活检查
// @Summary 存活检查
// @Tags 系统
// @Produce json
// @Success 200 {object} response.Response
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok"})
}

// Ready 就绪检查：数据库与存储 bucket
// @Summary 就绪检查
// @Tags 系统
// @Produce json
// @Success 200 {object} response.Response{data=map[string]string}
// @Failure 503 {object} response.Response{data=map[string]string}
// @Router /ready [get]
func (h *Handler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := make(map[string]string, len(h.checks))
	ready := true
	for _, chk := range h.checks {
		if err := chk.Fn(ctx); err != nil {
			status[chk.Name] = err.Error()
			ready = false
			continue
		}
		status[chk.Name] = "ok"
	}
	if !ready {
		response.Fail(c, http.StatusServiceUnavailable, "not ready", status)
		return
	}
	response.Success(c, status)
}
