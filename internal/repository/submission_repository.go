package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/d60-Lab/submission-hub/internal/model"
)

var ErrSubmissionNotFound = errors.New("submission not found")

type SubmissionRepository interface {
	Create(ctx context.Context, s *model.Submission) error
	UpdateStatus(ctx context.Context, id string, status model.SubmissionStatus, updatedAt time.Time) error
	GetByID(ctx context.Context, id string) (*model.Submission, error)
	ListByUser(ctx context.Context, userID string, offset, limit int) ([]*model.Submission, int64, error)
	Ping(ctx context.Context) error
}

type submissionRepository struct {
	db *gorm.DB
}

func NewSubmissionRepository(db *gorm.DB) SubmissionRepository { return &submissionRepository{db: db} }

func (r *submissionRepository) Create(ctx context.Context, s *model.Submission) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// UpdateStatus 只改 status/updated_at，文件与元数据写入后不再变
func (r *submissionRepository) UpdateStatus(ctx context.Context, id string, status model.SubmissionStatus, updatedAt time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&model.Submission{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": updatedAt})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSubmissionNotFound
	}
	return nil
}

func (r *submissionRepository) GetByID(ctx context.Context, id string) (*model.Submission, error) {
	var s model.Submission
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSubmissionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListByUser 按创建时间倒序分页，同时返回总数
func (r *submissionRepository) ListByUser(ctx context.Context, userID string, offset, limit int) ([]*model.Submission, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&model.Submission{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var res []*model.Submission
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Offset(offset).Limit(limit).
		Find(&res).Error
	return res, total, err
}

func (r *submissionRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
