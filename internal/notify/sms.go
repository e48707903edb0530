package notify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/d60-Lab/submission-hub/internal/model"
	"github.com/d60-Lab/submission-hub/pkg/logger"
)

// SMSMaxLength 短信正文上限，超出以 ... 截断
const SMSMaxLength = 140

// SMSDriver 通过 Edge Function 发送 {to, message}
type SMSDriver struct {
	fn       *FunctionClient
	function string
}

func NewSMSDriver(fn *FunctionClient, function string) *SMSDriver {
	return &SMSDriver{fn: fn, function: function}
}

func (d *SMSDriver) Channel() model.Channel { return model.ChannelSMS }

func (d *SMSDriver) Send(ctx context.Context, n Notification, target Target) bool {
	if target.Phone == "" {
		return false
	}
	err := d.fn.Invoke(ctx, d.function, map[string]string{
		"to":      target.Phone,
		"message": smsText(n),
	})
	if err != nil {
		logger.Warn("sms notification failed", zap.String("submission_id", n.SubmissionID), zap.Error(err))
		return false
	}
	return true
}

func smsText(n Notification) string {
	parts := []string{fmt.Sprintf("New submission %s: %d file(s)", shortID(n.SubmissionID), len(n.Files))}
	m := n.Metadata
	if m.ServiceType != "" {
		parts = append(parts, m.ServiceType)
	}
	if m.StudyLevel != "" {
		parts = append(parts, m.StudyLevel)
	}
	if m.WordCount > 0 {
		parts = append(parts, fmt.Sprintf("%d words", m.WordCount))
	}
	if m.DueDate != "" {
		parts = append(parts, "due "+m.DueDate)
	}
	return truncate(strings.Join(parts, ", "), SMSMaxLength)
}
