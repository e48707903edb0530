package handler

import (
	"context"

	"github.com/d60-Lab/submission-hub/internal/service"
)

// Check 就绪检查项
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Handler struct {
	submissionService service.SubmissionService
	checks            []Check
	maxUploadBytes    int64
}

// NewHandler maxUploadBytes <= 0 时不限制请求体
func NewHandler(submissionService service.SubmissionService, maxUploadBytes int64, checks ...Check) *Handler {
	return &Handler{submissionService: submissionService, checks: checks, maxUploadBytes: maxUploadBytes}
}
