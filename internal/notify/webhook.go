package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/submission-hub/internal/model"
	"github.com/d60-Lab/submission-hub/pkg/logger"
)

// DiscordDriver 通过 incoming webhook 发送一个 embed
type DiscordDriver struct {
	transport *HTTPTransport
}

func NewDiscordDriver(transport *HTTPTransport) *DiscordDriver {
	return &DiscordDriver{transport: transport}
}

func (d *DiscordDriver) Channel() model.Channel { return model.ChannelDiscord }

func (d *DiscordDriver) Send(ctx context.Context, n Notification, target Target) bool {
	return postWebhook(ctx, d.transport, model.ChannelDiscord, n, target, discordPayload(n))
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Discord embed 限制
const (
	discordEmbedMax       = 6000
	discordDescriptionMax = 4096
	discordFieldsMax      = 25
	discordFieldNameMax   = 256
	discordFieldValueMax  = 1024
	discordTitleMax       = 256
)

// discordPayload 标题与 Files 字段先占预算，其余字段按顺序放入，描述只拿剩余部分
func discordPayload(n Notification) map[string]any {
	title := truncate(headline(n), discordTitleMax)
	budget := discordEmbedMax - runeLen(title)

	var filesField *discordField
	if len(n.Files) > 0 {
		lines := make([]string, len(n.Files))
		for i, f := range n.Files {
			lines[i] = fmt.Sprintf("[%s](%s) · %s\n", f.Name, f.URL, humanSize(f.Size))
		}
		value := fitLines(lines, discordFieldValueMax, func(rest int) string {
			return fmt.Sprintf("...and %d more file(s)\n", rest)
		})
		filesField = &discordField{Name: "Files", Value: value}
		budget -= runeLen(filesField.Name) + runeLen(value)
	}

	fields := make([]discordField, 0, discordFieldsMax)
	for _, f := range summaryFields(n) {
		if len(fields) == discordFieldsMax-1 {
			break
		}
		df := discordField{
			Name:   truncate(f.Label, discordFieldNameMax),
			Value:  truncate(f.Value, discordFieldValueMax),
			Inline: true,
		}
		size := runeLen(df.Name) + runeLen(df.Value)
		if size > budget {
			continue
		}
		fields = append(fields, df)
		budget -= size
	}
	if filesField != nil {
		fields = append(fields, *filesField)
	}

	embed := map[string]any{
		"title":     title,
		"color":     0x2F80ED,
		"fields":    fields,
		"timestamp": n.SubmittedAt.UTC().Format(time.RFC3339),
	}
	if n.Metadata.Instructions != "" {
		if limit := min(budget, discordDescriptionMax); limit > 16 {
			embed["description"] = truncate(n.Metadata.Instructions, limit)
		}
	}
	if n.DashboardURL != "" {
		embed["url"] = n.DashboardURL
	}
	return map[string]any{
		"username": "Submission Bot",
		"embeds":   []any{embed},
	}
}

// SlackDriver 通过 incoming webhook 发送 Block Kit 消息
type SlackDriver struct {
	transport *HTTPTransport
}

func NewSlackDriver(transport *HTTPTransport) *SlackDriver {
	return &SlackDriver{transport: transport}
}

func (d *SlackDriver) Channel() model.Channel { return model.ChannelSlack }

func (d *SlackDriver) Send(ctx context.Context, n Notification, target Target) bool {
	return postWebhook(ctx, d.transport, model.ChannelSlack, n, target, slackPayload(n))
}

func slackText(typ, text string) map[string]string {
	return map[string]string{"type": typ, "text": text}
}

func slackPayload(n Notification) map[string]any {
	summary := summaryFields(n)
	sections := make([]map[string]string, 0, len(summary))
	for _, f := range summary {
		sections = append(sections, slackText("mrkdwn", fmt.Sprintf("*%s:*\n%s", f.Label, truncate(f.Value, 500))))
	}

	blocks := []any{
		map[string]any{"type": "header", "text": slackText("plain_text", truncate(headline(n), 150))},
	}
	// Slack 每个 section 最多 10 个 fields
	for start := 0; start < len(sections); start += 10 {
		end := start + 10
		if end > len(sections) {
			end = len(sections)
		}
		blocks = append(blocks, map[string]any{"type": "section", "fields": sections[start:end]})
	}
	if n.Metadata.Instructions != "" {
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": slackText("mrkdwn", "*Instructions:*\n"+truncate(n.Metadata.Instructions, 2900)),
		})
	}
	var files strings.Builder
	for _, f := range n.Files {
		fmt.Fprintf(&files, "• <%s|%s> (%s)\n", f.URL, f.Name, humanSize(f.Size))
	}
	if files.Len() > 0 {
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": slackText("mrkdwn", "*Files:*\n"+truncate(files.String(), 2900)),
		})
	}
	return map[string]any{
		"text":   headline(n) + " (" + shortID(n.SubmissionID) + ")",
		"blocks": blocks,
	}
}

func postWebhook(ctx context.Context, transport *HTTPTransport, ch model.Channel, n Notification, target Target, payload any) bool {
	if target.WebhookURL == "" {
		return false
	}
	reply, err := transport.PostJSON(ctx, target.WebhookURL, nil, payload)
	if err != nil {
		logger.Warn("webhook notification failed",
			zap.String("channel", string(ch)),
			zap.String("submission_id", n.SubmissionID),
			zap.Error(err),
		)
		return false
	}
	if !reply.OK() {
		logger.Warn("webhook rejected notification",
			zap.String("channel", string(ch)),
			zap.String("submission_id", n.SubmissionID),
			zap.String("reply", reply.String()),
		)
		return false
	}
	return true
}
