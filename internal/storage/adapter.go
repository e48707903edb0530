package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/d60-Lab/submission-hub/internal/metrics"
	"github.com/d60-Lab/submission-hub/pkg/logger"
)

// DefaultMaxAttempts 单文件上传的默认尝试次数
const DefaultMaxAttempts = 3

// Source 待上传的本地文件。每次尝试都会重新 Open，以便重试
type Source struct {
	Name string
	Type string
	Size int64
	Open func() (io.ReadCloser, error)
}

// UploadedObject 上传成功后的引用
type UploadedObject struct {
	Path     string
	URL      string
	Size     int64
	Checksum string
}

// Adapter 在 ObjectStore 之上提供就绪检查与带重试的上传
type Adapter struct {
	store   ObjectStore
	opts    BucketOptions
	backoff time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewAdapter backoff 为线性退避基数：第 n 次失败后等待 n*backoff
func NewAdapter(store ObjectStore, opts BucketOptions, backoff time.Duration) *Adapter {
	if backoff < 0 {
		backoff = 0
	}
	return &Adapter{store: store, opts: opts, backoff: backoff, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// EnsureContainerReady 检查或创建 bucket；失败返回 false，不抛错
func (a *Adapter) EnsureContainerReady(ctx context.Context) bool {
	if err := a.store.EnsureBucket(ctx, a.opts); err != nil {
		logger.Error("storage bucket not ready", zap.Error(err))
		return false
	}
	return true
}

// UploadWithRetry 最多尝试 maxAttempts 次；任一次成功立即返回，全部失败返回 nil
func (a *Adapter) UploadWithRetry(ctx context.Context, src Source, destinationPath string, maxAttempts int) *UploadedObject {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		obj, err := a.upload(ctx, src, destinationPath)
		if err == nil {
			metrics.UploadAttemptsTotal.WithLabelValues("ok").Inc()
			return obj
		}
		metrics.UploadAttemptsTotal.WithLabelValues("error").Inc()
		logger.Warn("upload attempt failed",
			zap.String("path", destinationPath),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err),
		)

		if attempt == maxAttempts {
			break
		}
		if err := a.sleep(ctx, time.Duration(attempt)*a.backoff); err != nil {
			logger.Warn("upload retry aborted", zap.String("path", destinationPath), zap.Error(err))
			return nil
		}
	}

	logger.Error("upload failed after retries", zap.String("path", destinationPath), zap.Int("attempts", maxAttempts))
	return nil
}

func (a *Adapter) upload(ctx context.Context, src Source, destinationPath string) (*UploadedObject, error) {
	if src.Open == nil {
		return nil, fmt.Errorf("source %q has no content", src.Name)
	}
	rc, err := src.Open()
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer rc.Close()

	hasher, _ := blake2b.New256(nil)
	counter := &countingReader{r: io.TeeReader(rc, hasher)}

	size := int64(-1)
	if src.Size > 0 {
		size = src.Size
	}
	url, err := a.store.Put(ctx, destinationPath, src.Type, counter, size)
	if err != nil {
		return nil, err
	}
	return &UploadedObject{
		Path:     destinationPath,
		URL:      url,
		Size:     counter.n,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
