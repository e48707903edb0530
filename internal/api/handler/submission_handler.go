package handler

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/submission-hub/internal/api/middleware"
	"github.com/d60-Lab/submission-hub/internal/model"
	"github.com/d60-Lab/submission-hub/internal/repository"
	"github.com/d60-Lab/submission-hub/internal/service"
	"github.com/d60-Lab/submission-hub/internal/storage"
	"github.com/d60-Lab/submission-hub/pkg/response"
)

// SubmitDocuments 提交文档并通知管理员
// @Summary 提交文档
// @Description 上传文件、保存提交记录并并发通知各渠道。任一文件上传失败时整体失败（422）
// @Tags 文档提交
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param files formData file true "文件，可重复"
// @Param metadata formData string false "元数据 JSON"
// @Param options formData string false "渠道选项 JSON，如 {\"email\":true,\"telegram\":false}"
// @Success 200 {object} response.Response{data=service.SubmissionResult}
// @Failure 400 {object} response.Response
// @Failure 401 {object} response.Response
// @Failure 422 {object} response.Response{data=service.SubmissionResult}
// @Failure 429 {object} response.Response
// @Router /api/v1/submissions [post]
func (h *Handler) SubmitDocuments(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Fail(c, http.StatusRequestEntityTooLarge, "upload too large", nil)
			return
		}
		response.BadRequest(c, "invalid multipart form: "+err.Error())
		return
	}

	headers := form.File["files[]"]
	if len(headers) == 0 {
		headers = form.File["files"]
	}
	files := make([]storage.Source, len(headers))
	for i, fh := range headers {
		files[i] = storage.FromFileHeader(fh)
	}

	metadata, err := model.ParseMetadata([]byte(formValue(form, "metadata")))
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	var opts service.ChannelOptions
	if raw := formValue(form, "options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			response.BadRequest(c, "invalid options: "+err.Error())
			return
		}
	}

	res := h.submissionService.SubmitDocumentsToAdmin(c.Request.Context(), middleware.UserID(c), files, metadata, opts.ForUntrustedCaller())
	if !res.Success {
		switch {
		case errors.Is(res.Err, service.ErrNoFiles), errors.Is(res.Err, service.ErrMissingUser), errors.Is(res.Err, service.ErrInvalidOptions):
			response.Fail(c, http.StatusBadRequest, res.Message, res)
		default:
			response.Fail(c, http.StatusUnprocessableEntity, res.Message, res)
		}
		return
	}
	response.Success(c, res)
}

// GetSubmission 查询本人的提交及各渠道状态
// @Summary 查询提交
// @Tags 文档提交
// @Produce json
// @Security BearerAuth
// @Param id path string true "提交ID"
// @Success 200 {object} response.Response{data=service.SubmissionDetail}
// @Failure 404 {object} response.Response
// @Router /api/v1/submissions/{id} [get]
func (h *Handler) GetSubmission(c *gin.Context) {
	detail, err := h.submissionService.Get(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if errors.Is(err, repository.ErrSubmissionNotFound) {
		response.NotFound(c, "submission not found")
		return
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, detail)
}

// ListSubmissions 分页查询本人的提交
// @Summary 提交列表
// @Tags 文档提交
// @Produce json
// @Security BearerAuth
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(10)
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/submissions [get]
func (h *Handler) ListSubmissions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	list, total, err := h.submissionService.List(c.Request.Context(), middleware.UserID(c), page, pageSize)
	if err != nil {
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"page": page, "page_size": pageSize, "total": total, "list": list})
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}
