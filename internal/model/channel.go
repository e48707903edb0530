package model

import "time"

// Channel 通知渠道
type Channel string

const (
	ChannelInApp    Channel = "in-app"
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelTelegram Channel = "telegram"
	ChannelDiscord  Channel = "discord"
	ChannelSlack    Channel = "slack"

	// ChannelDatabase 记录落库成功时出现在结果渠道列表中，不是通知驱动
	ChannelDatabase Channel = "database"
)

// NotificationChannels 固定的派发顺序
var NotificationChannels = []Channel{
	ChannelInApp,
	ChannelEmail,
	ChannelSMS,
	ChannelTelegram,
	ChannelDiscord,
	ChannelSlack,
}

// ParseChannel 未知渠道返回 false
func ParseChannel(s string) (Channel, bool) {
	for _, ch := range NotificationChannels {
		if string(ch) == s {
			return ch, true
		}
	}
	return "", false
}

// OutcomeStatus 单渠道投递状态：pending -> sent | failed，只迁移一次
type OutcomeStatus string

const (
	OutcomePending OutcomeStatus = "pending"
	OutcomeSent    OutcomeStatus = "sent"
	OutcomeFailed  OutcomeStatus = "failed"
)

// ChannelOutcome 某提交在某渠道上的投递结果
type ChannelOutcome struct {
	Channel   Channel       `json:"channel"`
	Status    OutcomeStatus `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}
