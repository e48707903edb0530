package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// SubmissionStatus 提交整体状态，由各渠道结果推导，不单独修改
type SubmissionStatus string

const (
	SubmissionPending            SubmissionStatus = "pending"
	SubmissionDelivered          SubmissionStatus = "delivered"
	SubmissionPartiallyDelivered SubmissionStatus = "partially-delivered"
	SubmissionFailed             SubmissionStatus = "failed"
)

// SubmissionFile 已上传文件，上传后不可变
type SubmissionFile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	Path     string `json:"path"`
	Checksum string `json:"checksum,omitempty"`
}

// SubmissionMetadata 调用方提供的描述信息，原样透传到记录与各渠道
type SubmissionMetadata struct {
	OrderID      string            `json:"order_id,omitempty"`
	OrderNumber  string            `json:"order_number,omitempty"`
	ServiceType  string            `json:"service_type,omitempty"`
	Subject      string            `json:"subject,omitempty"`
	WordCount    int               `json:"word_count,omitempty"`
	StudyLevel   string            `json:"study_level,omitempty"`
	Module       string            `json:"module,omitempty"`
	DueDate      string            `json:"due_date,omitempty"`
	Instructions string            `json:"instructions,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Clone 复制 Extra，避免并发渠道共享同一 map
func (m SubmissionMetadata) Clone() SubmissionMetadata {
	if m.Extra != nil {
		extra := make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			extra[k] = v
		}
		m.Extra = extra
	}
	return m
}

// Submission 一次用户提交（文件 + 元数据）
type Submission struct {
	ID        string             `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID    string             `json:"user_id" gorm:"type:varchar(64);index:idx_submission_user_created;not null"`
	Files     []SubmissionFile   `json:"files" gorm:"serializer:json;type:jsonb"`
	Metadata  SubmissionMetadata `json:"metadata" gorm:"serializer:json;type:jsonb"`
	Status    SubmissionStatus   `json:"status" gorm:"type:varchar(32);index;not null;default:pending"`
	CreatedAt time.Time          `json:"created_at" gorm:"index:idx_submission_user_created"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func (Submission) TableName() string { return "document_submissions" }

var knownMetadataKeys = map[string]bool{
	"order_id": true, "order_number": true, "service_type": true, "subject": true,
	"word_count": true, "study_level": true, "module": true, "due_date": true,
	"instructions": true, "extra": true,
}

// ParseMetadata 已知字段进入结构体，其余字段转成字符串放入 Extra
func ParseMetadata(raw []byte) (SubmissionMetadata, error) {
	var m SubmissionMetadata
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("invalid metadata: %w", err)
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return m, fmt.Errorf("invalid metadata: %w", err)
	}
	for k, v := range all {
		if knownMetadataKeys[k] {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]string)
		}
		var s string
		if json.Unmarshal(v, &s) == nil {
			m.Extra[k] = s
		} else {
			m.Extra[k] = string(v)
		}
	}
	return m, nil
}
