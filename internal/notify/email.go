package notify

import (
	"bytes"
	"context"
	"html/template"
	"strings"

	"go.uber.org/zap"

	"github.com/d60-Lab/submission-hub/internal/model"
	"github.com/d60-Lab/submission-hub/pkg/logger"
)

var emailTmpl = template.Must(template.New("submission").Parse(`<h2>{{.Headline}}</h2>
<table cellpadding="6" style="border-collapse:collapse;border:1px solid #ddd">
{{range .Fields}}<tr><th align="left" style="border:1px solid #ddd">{{.Label}}</th><td style="border:1px solid #ddd">{{.Value}}</td></tr>
{{end}}</table>
{{if .Instructions}}<h3>Instructions</h3><p style="white-space:pre-wrap">{{.Instructions}}</p>{{end}}
<h3>Files</h3>
<table cellpadding="6" style="border-collapse:collapse;border:1px solid #ddd">
<tr><th align="left">Name</th><th align="left">Type</th><th align="left">Size</th></tr>
{{range .Files}}<tr><td><a href="{{.URL}}">{{.Name}}</a></td><td>{{.Type}}</td><td>{{.Size}}</td></tr>
{{end}}</table>
{{if .DashboardURL}}<p><a href="{{.DashboardURL}}">Open in admin dashboard</a></p>{{end}}`))

type emailFile struct {
	Name string
	Type string
	Size string
	URL  template.URL
}

// EmailDriver 通过 Edge Function 发送 {to, subject, html}
type EmailDriver struct {
	fn       *FunctionClient
	function string
}

func NewEmailDriver(fn *FunctionClient, function string) *EmailDriver {
	return &EmailDriver{fn: fn, function: function}
}

func (d *EmailDriver) Channel() model.Channel { return model.ChannelEmail }

func (d *EmailDriver) Send(ctx context.Context, n Notification, target Target) bool {
	if target.Email == "" {
		return false
	}
	html, err := renderEmail(n)
	if err != nil {
		logger.Warn("render email failed", zap.String("submission_id", n.SubmissionID), zap.Error(err))
		return false
	}
	err = d.fn.Invoke(ctx, d.function, map[string]string{
		"to":      target.Email,
		"subject": headline(n) + " (" + shortID(n.SubmissionID) + ")",
		"html":    html,
	})
	if err != nil {
		logger.Warn("email notification failed", zap.String("submission_id", n.SubmissionID), zap.Error(err))
		return false
	}
	return true
}

func renderEmail(n Notification) (string, error) {
	files := make([]emailFile, len(n.Files))
	for i, f := range n.Files {
		files[i] = emailFile{Name: f.Name, Type: f.Type, Size: humanSize(f.Size), URL: safeURL(f.URL)}
	}
	var buf bytes.Buffer
	err := emailTmpl.Execute(&buf, map[string]any{
		"Headline":     headline(n),
		"Fields":       summaryFields(n),
		"Instructions": n.Metadata.Instructions,
		"Files":        files,
		"DashboardURL": safeURL(n.DashboardURL),
	})
	return buf.String(), err
}

// safeURL 只放行 http(s)，其余交给模板按普通字符串转义
func safeURL(u string) template.URL {
	if strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "http://") {
		return template.URL(u)
	}
	return ""
}
