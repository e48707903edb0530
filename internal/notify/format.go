package notify

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

type field struct {
	Label string
	Value string
}

// summaryFields 各渠道共用的字段顺序；空值跳过
func summaryFields(n Notification) []field {
	m := n.Metadata
	fields := []field{
		{"Submission ID", n.SubmissionID},
		{"User", n.UserID},
		{"Order", firstNonEmpty(m.OrderNumber, m.OrderID)},
		{"Service", m.ServiceType},
		{"Subject", m.Subject},
		{"Study level", m.StudyLevel},
		{"Module", m.Module},
		{"Due date", m.DueDate},
	}
	if m.WordCount > 0 {
		fields = append(fields, field{"Word count", strconv.Itoa(m.WordCount)})
	}
	fields = append(fields, field{"Files", strconv.Itoa(len(n.Files))})

	keys := make([]string, 0, len(m.Extra))
	for k := range m.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, field{k, m.Extra[k]})
	}

	out := fields[:0]
	for _, f := range fields {
		if strings.TrimSpace(f.Value) != "" {
			out = append(out, f)
		}
	}
	return out
}

func headline(n Notification) string {
	if n.Metadata.ServiceType != "" {
		return "New document submission: " + n.Metadata.ServiceType
	}
	return "New document submission"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func humanSize(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// truncate 按 rune 截断，超长时以 ... 结尾且总长不超过 max
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

// fitLines 只按整行拼接，总长不超过 max 个字符；放不下的行数交给 more 生成结尾说明。
// Markdown 链接等实体不会被截断
func fitLines(lines []string, max int, more func(rest int) string) string {
	reserve := utf8.RuneCountInString(more(len(lines)))
	var b strings.Builder
	used := 0
	for i, line := range lines {
		l := utf8.RuneCountInString(line)
		last := i == len(lines)-1
		if (last && used+l <= max) || used+l+reserve <= max {
			b.WriteString(line)
			used += l
			continue
		}
		if tail := more(len(lines) - i); used+utf8.RuneCountInString(tail) <= max {
			b.WriteString(tail)
		}
		break
	}
	return b.String()
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
