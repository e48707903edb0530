package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
)

var ErrBucketNotFound = errors.New("bucket not found")

// BucketOptions 创建 bucket 时使用，默认私有
type BucketOptions struct {
	Public        bool
	FileSizeLimit int64
}

// ObjectStore 对象存储边界：单 key 原子写入，不假设多 key 事务
type ObjectStore interface {
	// EnsureBucket 幂等：不存在则按 opts 创建
	EnsureBucket(ctx context.Context, opts BucketOptions) error
	// Put 写入 key 并返回可访问的 URL（公开或签名）
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error)
}

const maxNameLen = 100

// ObjectKey submissions/{user}/{submission}/{fileID}-{name}
func ObjectKey(userID, submissionID, fileID, name string) string {
	return strings.Join([]string{
		"submissions",
		sanitizeSegment(userID),
		submissionID,
		fileID + "-" + sanitizeSegment(filepath.Base(name)),
	}, "/")
}

// sanitizeSegment 文件名来自用户，只保留安全字符
func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if len(out) > maxNameLen {
		out = out[len(out)-maxNameLen:]
	}
	if out == "" {
		return "file"
	}
	return out
}
