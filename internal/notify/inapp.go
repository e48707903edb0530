package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/submission-hub/internal/model"
	"github.com/d60-Lab/submission-hub/pkg/logger"
)

var ErrNoMessageSchema = errors.New("no supported messages schema found")

// 站内信 backend 名称
const (
	BackendDirect       = "direct"
	BackendConversation = "conversation"
)

// MessageBackend 站内信存储方式
type MessageBackend interface {
	Name() string
	Deliver(ctx context.Context, userID, adminUserID, content string) error
}

// InAppDriver 写入站内信，具体表结构由启动时探测出的 backend 决定
type InAppDriver struct {
	backend MessageBackend
}

func NewInAppDriver(backend MessageBackend) *InAppDriver {
	return &InAppDriver{backend: backend}
}

func (d *InAppDriver) Channel() model.Channel { return model.ChannelInApp }

func (d *InAppDriver) Send(ctx context.Context, n Notification, target Target) bool {
	if err := d.backend.Deliver(ctx, n.UserID, target.AdminUserID, inAppText(n)); err != nil {
		logger.Warn("in-app notification failed",
			zap.String("submission_id", n.SubmissionID),
			zap.String("backend", d.backend.Name()),
			zap.Error(err),
		)
		return false
	}
	return true
}

func inAppText(n Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📄 %s\n", headline(n))
	for _, f := range summaryFields(n) {
		fmt.Fprintf(&b, "%s: %s\n", f.Label, f.Value)
	}
	if n.Metadata.Instructions != "" {
		fmt.Fprintf(&b, "Instructions: %s\n", n.Metadata.Instructions)
	}
	for _, f := range n.Files {
		fmt.Fprintf(&b, "• %s (%s)\n", f.Name, humanSize(f.Size))
	}
	return strings.TrimRight(b.String(), "\n")
}

// DirectMessageBackend messages(user_id, content, sender_type, is_read, created_at)
type DirectMessageBackend struct {
	db *gorm.DB
}

func NewDirectMessageBackend(db *gorm.DB) *DirectMessageBackend {
	return &DirectMessageBackend{db: db}
}

func (b *DirectMessageBackend) Name() string { return BackendDirect }

func (b *DirectMessageBackend) Deliver(ctx context.Context, userID, _ string, content string) error {
	msg := &model.DirectMessage{
		ID:         uuid.New().String(),
		UserID:     userID,
		Content:    content,
		SenderType: "user",
		IsRead:     false,
		CreatedAt:  time.Now().UTC(),
	}
	return b.db.WithContext(ctx).Create(msg).Error
}

// ConversationBackend conversations + messages(conversation_id, ...)；
// 用户没有会话时新建一个。userID -> conversationID 做短期缓存
type ConversationBackend struct {
	db    *gorm.DB
	cache *expirable.LRU[string, string]
}

func NewConversationBackend(db *gorm.DB, cacheSize int, ttl time.Duration) *ConversationBackend {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	return &ConversationBackend{db: db, cache: expirable.NewLRU[string, string](cacheSize, nil, ttl)}
}

func (b *ConversationBackend) Name() string { return BackendConversation }

func (b *ConversationBackend) Deliver(ctx context.Context, userID, adminUserID, content string) error {
	now := time.Now().UTC()
	var convID string
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		id, err := b.conversationFor(tx, userID, adminUserID, now)
		if err != nil {
			return err
		}
		convID = id

		msg := &model.ConversationMessage{
			ID:             uuid.New().String(),
			ConversationID: id,
			SenderID:       userID,
			Content:        content,
			CreatedAt:      now,
		}
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return tx.Model(&model.Conversation{}).Where("id = ?", id).Updates(map[string]any{
			"last_message":      content,
			"last_message_time": now,
			"updated_at":        now,
		}).Error
	})
	if err != nil {
		b.cache.Remove(userID)
		return err
	}
	b.cache.Add(userID, convID)
	return nil
}

func (b *ConversationBackend) conversationFor(tx *gorm.DB, userID, adminUserID string, now time.Time) (string, error) {
	if id, ok := b.cache.Get(userID); ok {
		return id, nil
	}

	var conv model.Conversation
	err := tx.Where("user_id = ?", userID).Order("last_message_time DESC").Take(&conv).Error
	if err == nil {
		return conv.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("find conversation: %w", err)
	}

	conv = model.Conversation{
		ID:              uuid.New().String(),
		UserID:          userID,
		AdminID:         adminUserID,
		Subject:         "Document submissions",
		Status:          "active",
		LastMessageTime: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := tx.Create(&conv).Error; err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return conv.ID, nil
}

// ProbeMessageBackend 启动时一次性探测可用 schema；mode 为 direct/conversation 时跳过探测
func ProbeMessageBackend(ctx context.Context, db *gorm.DB, mode string) (MessageBackend, error) {
	switch mode {
	case BackendDirect:
		return NewDirectMessageBackend(db), nil
	case BackendConversation:
		return NewConversationBackend(db, 0, time.Hour), nil
	}

	m := db.WithContext(ctx).Migrator()
	if m.HasTable(&model.DirectMessage{}) &&
		m.HasColumn(&model.DirectMessage{}, "user_id") &&
		m.HasColumn(&model.DirectMessage{}, "sender_type") {
		return NewDirectMessageBackend(db), nil
	}
	if m.HasTable(&model.Conversation{}) && m.HasColumn(&model.ConversationMessage{}, "conversation_id") {
		return NewConversationBackend(db, 0, time.Hour), nil
	}
	return nil, ErrNoMessageSchema
}
