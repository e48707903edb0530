// Package notify 实现管理员通知的各渠道驱动。
//
// 每个驱动只负责把同一份 Notification 格式化成自己渠道的载荷并调用一次外部接口。
// 驱动从不向外抛错或 panic：任何错误在驱动内部转换为 false，
// 编排层依赖这一点做渠道隔离。渠道是否启用由编排层过滤，驱动不做判断。
package notify

import (
	"context"
	"time"

	"github.com/d60-Lab/submission-hub/internal/model"
)

// Notification 派发给所有渠道的只读载荷
type Notification struct {
	SubmissionID string
	UserID       string
	Files        []model.SubmissionFile
	Metadata     model.SubmissionMetadata
	SubmittedAt  time.Time
	DashboardURL string
}

// Clone 深拷贝切片与 map，每个渠道拿到独立副本
func (n Notification) Clone() Notification {
	n.Files = append([]model.SubmissionFile(nil), n.Files...)
	n.Metadata = n.Metadata.Clone()
	return n
}

// Target 渠道目标；各驱动只读取自己关心的字段
type Target struct {
	Email       string
	Phone       string
	ChatID      string
	WebhookURL  string
	AdminUserID string
}

// Driver 渠道驱动。Send 仅在渠道确认接收时返回 true
type Driver interface {
	Channel() model.Channel
	Send(ctx context.Context, n Notification, target Target) bool
}
