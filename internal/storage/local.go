package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore 本地文件系统实现，用于开发环境与基准
type LocalStore struct {
	baseDir       string
	bucket        string
	publicBaseURL string
}

func NewLocalStore(baseDir, bucket, publicBaseURL string) *LocalStore {
	return &LocalStore{baseDir: baseDir, bucket: bucket, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}
}

func (s *LocalStore) bucketDir() string { return filepath.Join(s.baseDir, s.bucket) }

func (s *LocalStore) EnsureBucket(ctx context.Context, _ BucketOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.bucketDir(), 0o750); err != nil {
		return fmt.Errorf("create bucket dir: %w", err)
	}
	return nil
}

// Put 先写临时文件再 rename，保证单 key 原子
func (s *LocalStore) Put(ctx context.Context, key, _ string, body io.Reader, _ int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := os.Stat(s.bucketDir()); err != nil {
		return "", ErrBucketNotFound
	}

	path := filepath.Join(s.bucketDir(), filepath.FromSlash(key))
	if !strings.HasPrefix(path, s.bucketDir()+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("commit object: %w", err)
	}

	if s.publicBaseURL == "" {
		return "file://" + filepath.ToSlash(path), nil
	}
	return s.publicBaseURL + "/" + url.PathEscape(s.bucket) + "/" + escapeKey(key), nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
