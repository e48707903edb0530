package model

import "time"

// DirectMessage 站内信主 schema：messages(user_id, content, sender_type, is_read, created_at)
type DirectMessage struct {
	ID         string    `gorm:"primaryKey;type:varchar(36)"`
	UserID     string    `gorm:"type:varchar(64);index;not null"`
	Content    string    `gorm:"type:text;not null"`
	SenderType string    `gorm:"type:varchar(16);not null"`
	IsRead     bool      `gorm:"not null;default:false"`
	CreatedAt  time.Time
}

func (DirectMessage) TableName() string { return "messages" }

// Conversation 会话式 schema 的会话表
type Conversation struct {
	ID              string    `gorm:"primaryKey;type:varchar(36)"`
	UserID          string    `gorm:"type:varchar(64);index;not null"`
	AdminID         string    `gorm:"type:varchar(64)"`
	Subject         string    `gorm:"type:varchar(255)"`
	Status          string    `gorm:"type:varchar(16);not null;default:active"`
	LastMessage     string    `gorm:"type:text"`
	LastMessageTime time.Time `gorm:"index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Conversation) TableName() string { return "conversations" }

// ConversationMessage 会话式 schema 的消息表，与 DirectMessage 同名但列不同
type ConversationMessage struct {
	ID             string    `gorm:"primaryKey;type:varchar(36)"`
	ConversationID string    `gorm:"type:varchar(36);index;not null"`
	SenderID       string    `gorm:"type:varchar(64);not null"`
	Content        string    `gorm:"type:text;not null"`
	IsRead         bool      `gorm:"not null;default:false"`
	CreatedAt      time.Time
}

func (ConversationMessage) TableName() string { return "messages" }
