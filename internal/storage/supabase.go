package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SupabaseStore Supabase Storage REST API 实现
type SupabaseStore struct {
	baseURL    string
	serviceKey string
	bucket     string
	public     bool
	signedTTL  time.Duration
	httpClient *http.Client
}

// NewSupabaseStore baseURL 为项目地址（https://xxx.supabase.co），serviceKey 为 service_role key
func NewSupabaseStore(baseURL, serviceKey, bucket string, public bool, signedTTL time.Duration, timeout time.Duration) *SupabaseStore {
	if signedTTL <= 0 {
		signedTTL = 7 * 24 * time.Hour
	}
	return &SupabaseStore{
		baseURL:    strings.TrimRight(baseURL, "/") + "/storage/v1",
		serviceKey: serviceKey,
		bucket:     bucket,
		public:     public,
		signedTTL:  signedTTL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type storageError struct {
	StatusCode string `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

func (s *SupabaseStore) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
	return req, nil
}

func (s *SupabaseStore) do(req *http.Request) (int, []byte, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// isNotFound Supabase 对缺失 bucket 可能返回 404，也可能返回 400 + statusCode "404"
func isNotFound(status int, body []byte) bool {
	if status == http.StatusNotFound {
		return true
	}
	var se storageError
	if json.Unmarshal(body, &se) == nil {
		return se.StatusCode == "404" || strings.Contains(strings.ToLower(se.Message), "not found")
	}
	return false
}

func isAlreadyExists(status int, body []byte) bool {
	if status == http.StatusConflict {
		return true
	}
	var se storageError
	if json.Unmarshal(body, &se) == nil {
		return se.StatusCode == "409" || strings.Contains(strings.ToLower(se.Message), "already exists")
	}
	return false
}

func (s *SupabaseStore) EnsureBucket(ctx context.Context, opts BucketOptions) error {
	req, err := s.newRequest(ctx, http.MethodGet, "/bucket/"+s.bucket, nil)
	if err != nil {
		return err
	}
	status, body, err := s.do(req)
	if err != nil {
		return fmt.Errorf("get bucket: %w", err)
	}
	if status == http.StatusOK {
		return nil
	}
	if !isNotFound(status, body) {
		return fmt.Errorf("get bucket: status %d: %s", status, string(body))
	}

	payload, _ := json.Marshal(map[string]any{
		"id":              s.bucket,
		"name":            s.bucket,
		"public":          opts.Public,
		"file_size_limit": opts.FileSizeLimit,
	})
	req, err = s.newRequest(ctx, http.MethodPost, "/bucket", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	status, body, err = s.do(req)
	if err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	if status/100 == 2 || isAlreadyExists(status, body) {
		return nil
	}
	return fmt.Errorf("create bucket: status %d: %s", status, string(body))
}

// Put 使用 x-upsert，重试覆盖同一 key
func (s *SupabaseStore) Put(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error) {
	req, err := s.newRequest(ctx, http.MethodPost, "/object/"+s.bucket+"/"+escapeKey(key), body)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")
	if size >= 0 {
		req.ContentLength = size
	}

	status, respBody, err := s.do(req)
	if err != nil {
		return "", fmt.Errorf("upload object: %w", err)
	}
	if isNotFound(status, respBody) && strings.Contains(strings.ToLower(string(respBody)), "bucket") {
		return "", ErrBucketNotFound
	}
	if status/100 != 2 {
		return "", fmt.Errorf("upload object: status %d: %s", status, string(respBody))
	}
	return s.objectURL(ctx, key)
}

func (s *SupabaseStore) objectURL(ctx context.Context, key string) (string, error) {
	if s.public {
		return s.baseURL + "/object/public/" + s.bucket + "/" + escapeKey(key), nil
	}

	payload, _ := json.Marshal(map[string]int64{"expiresIn": int64(s.signedTTL / time.Second)})
	req, err := s.newRequest(ctx, http.MethodPost, "/object/sign/"+s.bucket+"/"+escapeKey(key), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	status, body, err := s.do(req)
	if err != nil {
		return "", fmt.Errorf("sign object url: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("sign object url: status %d: %s", status, string(body))
	}
	var signed struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.Unmarshal(body, &signed); err != nil {
		return "", fmt.Errorf("decode signed url: %w", err)
	}
	if signed.SignedURL == "" {
		return "", errors.New("sign object url: empty signedURL")
	}
	return s.baseURL + signed.SignedURL, nil
}
