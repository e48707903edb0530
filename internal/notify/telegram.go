package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/d60-Lab/submission-hub/internal/model"
	"github.com/d60-Lab/submission-hub/pkg/logger"
)

// TelegramDriver Bot API sendMessage，Markdown 格式
type TelegramDriver struct {
	transport *HTTPTransport
	apiBase   string
	botToken  string
}

func NewTelegramDriver(transport *HTTPTransport, apiBase, botToken string) *TelegramDriver {
	return &TelegramDriver{transport: transport, apiBase: strings.TrimRight(apiBase, "/"), botToken: botToken}
}

func (d *TelegramDriver) Channel() model.Channel { return model.ChannelTelegram }

func (d *TelegramDriver) Send(ctx context.Context, n Notification, target Target) bool {
	if target.ChatID == "" {
		return false
	}
	reply, err := d.transport.PostJSON(ctx, d.apiBase+"/bot"+d.botToken+"/sendMessage", nil, map[string]any{
		"chat_id":                  target.ChatID,
		"text":                     telegramText(n),
		"parse_mode":               "Markdown",
		"disable_web_page_preview": true,
	})
	if err != nil {
		logger.Warn("telegram notification failed", zap.String("submission_id", n.SubmissionID), zap.Error(err))
		return false
	}

	var res struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if !reply.OK() || json.Unmarshal(reply.Body, &res) != nil || !res.OK {
		logger.Warn("telegram rejected notification",
			zap.String("submission_id", n.SubmissionID),
			zap.Int("status", reply.StatusCode),
			zap.String("description", res.Description),
		)
		return false
	}
	return true
}

// TelegramMaxLength sendMessage 文本上限
const TelegramMaxLength = 4096

const (
	telegramFieldMax        = 200
	telegramHeaderBudget    = 1500
	telegramInstructionsMax = 800
)

var (
	markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")
	// 链接目标里的括号会提前结束实体
	linkEscaper = strings.NewReplacer("(", "%28", ")", "%29", " ", "%20")
)

// telegramText 各段按整行放入预算，超长时不会截断在 Markdown 实体中间
func telegramText(n Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n\n", markdownEscaper.Replace(truncate(headline(n), telegramFieldMax)))

	summary := summaryFields(n)
	lines := make([]string, len(summary))
	for i, f := range summary {
		lines[i] = fmt.Sprintf("*%s:* %s\n",
			markdownEscaper.Replace(truncate(f.Label, 64)),
			markdownEscaper.Replace(truncate(f.Value, telegramFieldMax)))
	}
	b.WriteString(fitLines(lines, telegramHeaderBudget, func(rest int) string {
		return fmt.Sprintf("...and %d more fields\n", rest)
	}))

	if n.Metadata.Instructions != "" {
		fmt.Fprintf(&b, "\n*Instructions:*\n%s\n", markdownEscaper.Replace(truncate(n.Metadata.Instructions, telegramInstructionsMax)))
	}

	b.WriteString("\n*Files:*\n")
	files := make([]string, len(n.Files))
	for i, f := range n.Files {
		files[i] = fmt.Sprintf("%d. [%s](%s) (%s)\n", i+1, markdownEscaper.Replace(f.Name), linkEscaper.Replace(f.URL), humanSize(f.Size))
	}
	b.WriteString(fitLines(files, TelegramMaxLength-runeLen(b.String()), func(rest int) string {
		return fmt.Sprintf("...and %d more file(s), see the dashboard\n", rest)
	}))
	return b.String()
}
