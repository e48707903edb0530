package service

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/d60-Lab/submission-hub/config"
	"github.com/d60-Lab/submission-hub/internal/model"
	"github.com/d60-Lab/submission-hub/internal/notify"
)

var validate = validator.New()

// ChannelOptions 单次提交的渠道开关与目标覆盖；开关为 nil 时取默认配置
type ChannelOptions struct {
	InApp    *bool `json:"in_app,omitempty"`
	Email    *bool `json:"email,omitempty"`
	SMS      *bool `json:"sms,omitempty"`
	Telegram *bool `json:"telegram,omitempty"`
	Discord  *bool `json:"discord,omitempty"`
	Slack    *bool `json:"slack,omitempty"`

	EmailTo           string `json:"email_to,omitempty" validate:"omitempty,email"`
	PhoneTo           string `json:"phone_to,omitempty" validate:"omitempty,e164"`
	TelegramChatID    string `json:"telegram_chat_id,omitempty" validate:"omitempty,max=64"`
	DiscordWebhookURL string `json:"discord_webhook_url,omitempty" validate:"omitempty,url"`
	SlackWebhookURL   string `json:"slack_webhook_url,omitempty" validate:"omitempty,url"`
}

// Bool 便于构造开关
func Bool(v bool) *bool { return &v }

func (o ChannelOptions) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid channel options: %w", err)
	}
	return nil
}

// ForUntrustedCaller 只保留开关与收件邮箱，丢弃 webhook、手机号、chat id 等覆盖
func (o ChannelOptions) ForUntrustedCaller() ChannelOptions {
	o.PhoneTo = ""
	o.TelegramChatID = ""
	o.DiscordWebhookURL = ""
	o.SlackWebhookURL = ""
	return o
}

func (o ChannelOptions) toggle(ch model.Channel) *bool {
	switch ch {
	case model.ChannelInApp:
		return o.InApp
	case model.ChannelEmail:
		return o.Email
	case model.ChannelSMS:
		return o.SMS
	case model.ChannelTelegram:
		return o.Telegram
	case model.ChannelDiscord:
		return o.Discord
	case model.ChannelSlack:
		return o.Slack
	}
	return nil
}

// Settings 编排层的默认配置，由构造函数注入
type Settings struct {
	DefaultChannels []model.Channel
	Target          notify.Target
	DiscordWebhook  string
	SlackWebhook    string
	DashboardURL    string
	MaxAttempts     int
	ChannelTimeout  time.Duration
}

// SettingsFromConfig 未知的默认渠道名直接忽略
func SettingsFromConfig(cfg *config.Config) Settings {
	n := cfg.Notification
	chans := make([]model.Channel, 0, len(n.DefaultChannels))
	for _, name := range n.DefaultChannels {
		if ch, ok := model.ParseChannel(name); ok {
			chans = append(chans, ch)
		}
	}
	return Settings{
		DefaultChannels: chans,
		Target: notify.Target{
			Email:       n.AdminEmail,
			Phone:       n.AdminPhone,
			ChatID:      n.TelegramChatID,
			AdminUserID: n.AdminUserID,
		},
		DiscordWebhook: n.DiscordWebhookURL,
		SlackWebhook:   n.SlackWebhookURL,
		DashboardURL:   n.DashboardURL,
		MaxAttempts:    cfg.Storage.MaxAttempts,
		ChannelTimeout: n.Timeout,
	}
}

// channelPlan 一个待派发的渠道
type channelPlan struct {
	driver notify.Driver
	target notify.Target
}

// resolvePlans 按固定顺序挑出启用、有驱动且有目标的渠道
func resolvePlans(opts ChannelOptions, s Settings, drivers map[model.Channel]notify.Driver) []channelPlan {
	defaults := make(map[model.Channel]bool, len(s.DefaultChannels))
	for _, ch := range s.DefaultChannels {
		defaults[ch] = true
	}

	plans := make([]channelPlan, 0, len(model.NotificationChannels))
	for _, ch := range model.NotificationChannels {
		enabled := defaults[ch]
		if t := opts.toggle(ch); t != nil {
			enabled = *t
		}
		if !enabled {
			continue
		}
		d, ok := drivers[ch]
		if !ok {
			continue
		}
		target, ok := targetFor(ch, opts, s)
		if !ok {
			continue
		}
		plans = append(plans, channelPlan{driver: d, target: target})
	}
	return plans
}

func targetFor(ch model.Channel, opts ChannelOptions, s Settings) (notify.Target, bool) {
	def := s.Target
	t := notify.Target{AdminUserID: def.AdminUserID}
	switch ch {
	case model.ChannelInApp:
		return t, true
	case model.ChannelEmail:
		t.Email = firstNonEmpty(opts.EmailTo, def.Email)
		return t, t.Email != ""
	case model.ChannelSMS:
		t.Phone = firstNonEmpty(opts.PhoneTo, def.Phone)
		return t, t.Phone != ""
	case model.ChannelTelegram:
		t.ChatID = firstNonEmpty(opts.TelegramChatID, def.ChatID)
		return t, t.ChatID != ""
	case model.ChannelDiscord:
		t.WebhookURL = firstNonEmpty(opts.DiscordWebhookURL, s.DiscordWebhook)
		return t, t.WebhookURL != ""
	case model.ChannelSlack:
		t.WebhookURL = firstNonEmpty(opts.SlackWebhookURL, s.SlackWebhook)
		return t, t.WebhookURL != ""
	}
	return t, false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
