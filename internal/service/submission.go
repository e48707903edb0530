package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/d60-Lab/submission-hub/internal/metrics"
	"github.com/d60-Lab/submission-hub/internal/model"
	"github.com/d60-Lab/submission-hub/internal/notify"
	"github.com/d60-Lab/submission-hub/internal/repository"
	"github.com/d60-Lab/submission-hub/internal/storage"
	"github.com/d60-Lab/submission-hub/pkg/logger"
	"github.com/d60-Lab/submission-hub/pkg/telemetry"
)

var (
	ErrNoFiles            = errors.New("no files to submit")
	ErrMissingUser        = errors.New("user id is required")
	ErrInvalidOptions     = errors.New("invalid channel options")
	ErrStorageUnavailable = errors.New("storage is unavailable")
	ErrUploadFailed       = errors.New("file upload failed")
	ErrNoChannelDelivered = errors.New("submission was not delivered to any channel")
)

// Uploader 存储适配层，storage.Adapter 实现
type Uploader interface {
	EnsureContainerReady(ctx context.Context) bool
	UploadWithRetry(ctx context.Context, src storage.Source, destinationPath string, maxAttempts int) *storage.UploadedObject
}

// SubmissionResult Success 为 true 表示至少有一个渠道（含 database）收到；
// 管理员是否真的收到通知以 Status 或 NotificationChannels 中的通知渠道为准
type SubmissionResult struct {
	Success              bool                   `json:"success"`
	SubmissionID         string                 `json:"submission_id"`
	Files                []model.SubmissionFile `json:"files,omitempty"`
	Message              string                 `json:"message"`
	NotificationChannels []model.Channel        `json:"notification_channels"`
	Status               model.SubmissionStatus `json:"status"`
	Outcomes             []model.ChannelOutcome `json:"outcomes,omitempty"`
	Err                  error                  `json:"-"`
}

// SubmissionDetail 查询接口返回的记录与渠道状态
type SubmissionDetail struct {
	Submission *model.Submission      `json:"submission"`
	Outcomes   []model.ChannelOutcome `json:"outcomes"`
}

// SubmissionService 文档提交扇出
type SubmissionService interface {
	Submit(ctx context.Context, userID string, files []storage.Source, metadata model.SubmissionMetadata, opts ChannelOptions) *SubmissionResult
	SubmitDocumentsToAdmin(ctx context.Context, userID string, files []storage.Source, metadata model.SubmissionMetadata, opts ChannelOptions) *SubmissionResult
	Get(ctx context.Context, userID, submissionID string) (*SubmissionDetail, error)
	List(ctx context.Context, userID string, page, pageSize int) ([]*model.Submission, int64, error)
}

type submissionService struct {
	uploader   Uploader
	repo       repository.SubmissionRepository
	outcomes   repository.OutcomeRepository
	drivers    map[model.Channel]notify.Driver
	dispatcher *Dispatcher
	settings   Settings
	now        func() time.Time
}

// NewSubmissionService outcomes 可为 nil；同一渠道的多个驱动以后者为准
func NewSubmissionService(uploader Uploader, repo repository.SubmissionRepository, outcomes repository.OutcomeRepository, drivers []notify.Driver, settings Settings) SubmissionService {
	m := make(map[model.Channel]notify.Driver, len(drivers))
	for _, d := range drivers {
		m[d.Channel()] = d
	}
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = storage.DefaultMaxAttempts
	}
	return &submissionService{
		uploader:   uploader,
		repo:       repo,
		outcomes:   outcomes,
		drivers:    m,
		dispatcher: NewDispatcher(outcomes, settings.ChannelTimeout),
		settings:   settings,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SubmitDocumentsToAdmin 对外入口：先校验渠道选项再提交
func (s *submissionService) SubmitDocumentsToAdmin(ctx context.Context, userID string, files []storage.Source, metadata model.SubmissionMetadata, opts ChannelOptions) *SubmissionResult {
	if err := opts.Validate(); err != nil {
		res := s.fail(uuid.New().String(), fmt.Errorf("%w: %v", ErrInvalidOptions, err), "Invalid notification options")
		metrics.SubmissionsTotal.WithLabelValues("failed").Inc()
		return res
	}
	return s.Submit(ctx, userID, files, metadata, opts)
}

func (s *submissionService) Submit(ctx context.Context, userID string, files []storage.Source, metadata model.SubmissionMetadata, opts ChannelOptions) *SubmissionResult {
	// id 与时间戳先于任何 I/O 生成
	submissionID := uuid.New().String()
	createdAt := s.now()

	ctx, span := telemetry.Tracer().Start(ctx, "submission.submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("submission.id", submissionID),
		attribute.String("user.id", userID),
		attribute.Int("submission.files", len(files)),
	)

	res := s.submit(ctx, submissionID, createdAt, userID, files, metadata, opts)
	switch {
	case !res.Success:
		metrics.SubmissionsTotal.WithLabelValues("failed").Inc()
	case res.Status == model.SubmissionDelivered:
		metrics.SubmissionsTotal.WithLabelValues("success").Inc()
	default:
		metrics.SubmissionsTotal.WithLabelValues("degraded").Inc()
	}
	span.SetAttributes(attribute.String("submission.status", string(res.Status)))
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	return res
}

func (s *submissionService) submit(ctx context.Context, submissionID string, createdAt time.Time, userID string, files []storage.Source, metadata model.SubmissionMetadata, opts ChannelOptions) *SubmissionResult {
	if userID == "" {
		return s.fail(submissionID, ErrMissingUser, "User ID is required")
	}
	if len(files) == 0 {
		return s.fail(submissionID, ErrNoFiles, "At least one file is required")
	}

	if !s.uploader.EnsureContainerReady(ctx) {
		telemetry.CaptureError(ErrStorageUnavailable, map[string]string{"submission_id": submissionID})
		return s.fail(submissionID, ErrStorageUnavailable, "Document storage is unavailable, please try again later")
	}

	uploaded, err := s.uploadAll(ctx, submissionID, userID, files)
	if err != nil {
		telemetry.CaptureError(err, map[string]string{"submission_id": submissionID, "user_id": userID})
		return s.fail(submissionID, err, "Failed to upload files, please try again")
	}

	// 文件全部落盘后不再受调用方取消影响
	ctx = context.WithoutCancel(ctx)

	record := &model.Submission{
		ID:        submissionID,
		UserID:    userID,
		Files:     uploaded,
		Metadata:  metadata.Clone(),
		Status:    model.SubmissionPending,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	persisted := s.persist(ctx, record)

	plans := resolvePlans(opts, s.settings, s.drivers)
	n := notify.Notification{
		SubmissionID: submissionID,
		UserID:       userID,
		Files:        uploaded,
		Metadata:     metadata,
		SubmittedAt:  createdAt,
		DashboardURL: s.settings.DashboardURL,
	}
	results := s.dispatcher.Dispatch(ctx, n, plans)

	channels := make([]model.Channel, 0, len(plans)+1)
	if persisted {
		channels = append(channels, model.ChannelDatabase)
	}
	outcomes := make([]model.ChannelOutcome, len(plans))
	sent := 0
	now := s.now()
	for i, p := range plans {
		ch := p.driver.Channel()
		outcomes[i] = model.ChannelOutcome{Channel: ch, Status: model.OutcomeFailed, UpdatedAt: now}
		if results[i] {
			outcomes[i].Status = model.OutcomeSent
			channels = append(channels, ch)
			sent++
		}
	}

	status := deriveStatus(sent, len(plans))
	if persisted {
		if err := s.repo.UpdateStatus(ctx, submissionID, status, now); err != nil {
			logger.Warn("update submission status failed", zap.String("submission_id", submissionID), zap.Error(err))
		}
	}

	res := &SubmissionResult{
		Success:              len(channels) > 0,
		SubmissionID:         submissionID,
		Files:                uploaded,
		NotificationChannels: channels,
		Status:               status,
		Outcomes:             outcomes,
	}
	switch {
	case !res.Success:
		res.Err = ErrNoChannelDelivered
		res.Message = "Files were uploaded but the submission could not be saved or delivered, please contact support"
		telemetry.CaptureError(ErrNoChannelDelivered, map[string]string{"submission_id": submissionID, "user_id": userID})
	case sent == 0:
		res.Message = "Submission saved, but no admin notification was delivered; manual follow-up is required"
		telemetry.CaptureWarning("submission saved without admin notification", map[string]string{"submission_id": submissionID})
	case sent < len(plans):
		res.Message = fmt.Sprintf("Submission received; %d of %d notification channels delivered", sent, len(plans))
	default:
		res.Message = "Submission received and admins notified"
	}

	logger.Info("submission processed",
		zap.String("submission_id", submissionID),
		zap.String("user_id", userID),
		zap.Int("files", len(uploaded)),
		zap.Bool("persisted", persisted),
		zap.Int("channels_sent", sent),
		zap.Int("channels_attempted", len(plans)),
		zap.String("status", string(status)),
	)
	return res
}

// uploadAll 按输入顺序逐个上传，任一文件失败即整体放弃
func (s *submissionService) uploadAll(ctx context.Context, submissionID, userID string, files []storage.Source) ([]model.SubmissionFile, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "submission.upload")
	defer span.End()

	uploaded := make([]model.SubmissionFile, 0, len(files))
	for i, f := range files {
		fileID := uuid.New().String()
		key := storage.ObjectKey(userID, submissionID, fileID, f.Name)
		obj := s.uploader.UploadWithRetry(ctx, f, key, s.settings.MaxAttempts)
		if obj == nil {
			return nil, fmt.Errorf("%w: %s (file %d of %d)", ErrUploadFailed, f.Name, i+1, len(files))
		}
		size := obj.Size
		if size <= 0 {
			size = f.Size
		}
		uploaded = append(uploaded, model.SubmissionFile{
			ID:       fileID,
			Name:     f.Name,
			Size:     size,
			Type:     f.Type,
			URL:      obj.URL,
			Path:     obj.Path,
			Checksum: obj.Checksum,
		})
	}
	return uploaded, nil
}

// persist 失败只记日志，不中断流程
func (s *submissionService) persist(ctx context.Context, record *model.Submission) bool {
	ctx, span := telemetry.Tracer().Start(ctx, "submission.persist")
	defer span.End()

	if err := s.repo.Create(ctx, record); err != nil {
		span.RecordError(err)
		logger.Warn("persist submission failed, continuing with notifications",
			zap.String("submission_id", record.ID),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (s *submissionService) fail(submissionID string, err error, message string) *SubmissionResult {
	logger.Warn("submission rejected", zap.String("submission_id", submissionID), zap.Error(err))
	return &SubmissionResult{
		Success:              false,
		SubmissionID:         submissionID,
		Message:              message,
		NotificationChannels: []model.Channel{},
		Status:               model.SubmissionFailed,
		Err:                  err,
	}
}

// deriveStatus 全部送达 delivered，部分送达 partially-delivered，否则 failed
func deriveStatus(sent, attempted int) model.SubmissionStatus {
	switch {
	case sent == 0:
		return model.SubmissionFailed
	case sent < attempted:
		return model.SubmissionPartiallyDelivered
	default:
		return model.SubmissionDelivered
	}
}

// Get 只允许提交者本人查看；他人的提交按不存在处理
func (s *submissionService) Get(ctx context.Context, userID, submissionID string) (*SubmissionDetail, error) {
	sub, err := s.repo.GetByID(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.UserID != userID {
		return nil, repository.ErrSubmissionNotFound
	}
	detail := &SubmissionDetail{Submission: sub, Outcomes: []model.ChannelOutcome{}}
	if s.outcomes != nil {
		outs, err := s.outcomes.List(ctx, submissionID)
		if err != nil {
			logger.Warn("list channel outcomes failed", zap.String("submission_id", submissionID), zap.Error(err))
		} else {
			detail.Outcomes = outs
		}
	}
	return detail, nil
}

func (s *submissionService) List(ctx context.Context, userID string, page, pageSize int) ([]*model.Submission, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize
	return s.repo.ListByUser(ctx, userID, offset, pageSize)
}
