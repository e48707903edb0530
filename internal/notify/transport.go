package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// HTTPTransport 各 HTTP 渠道共享的客户端，带出站限流
type HTTPTransport struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPTransport ratePerSecond <= 0 表示不限流
func NewHTTPTransport(timeout time.Duration, ratePerSecond float64) *HTTPTransport {
	limit := rate.Inf
	burst := 1
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
		burst = int(ratePerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &HTTPTransport{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Reply 响应状态码与截断后的响应体
type Reply struct {
	StatusCode int
	Body       []byte
}

func (r *Reply) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

func (r *Reply) String() string {
	return fmt.Sprintf("status %d: %s", r.StatusCode, strings.TrimSpace(string(r.Body)))
}

// PostJSON 发送 JSON 请求；非 2xx 不视为 error，由调用方判断
func (t *HTTPTransport) PostJSON(ctx context.Context, url string, headers map[string]string, payload any) (*Reply, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Reply{StatusCode: resp.StatusCode, Body: data}, nil
}

// FunctionClient 调用 Supabase Edge Function（邮件、短信）
type FunctionClient struct {
	transport *HTTPTransport
	baseURL   string
	key       string
}

func NewFunctionClient(transport *HTTPTransport, supabaseURL, key string) *FunctionClient {
	return &FunctionClient{transport: transport, baseURL: strings.TrimRight(supabaseURL, "/") + "/functions/v1", key: key}
}

// Invoke 2xx 且响应体未声明失败才算成功
func (f *FunctionClient) Invoke(ctx context.Context, name string, payload any) error {
	reply, err := f.transport.PostJSON(ctx, f.baseURL+"/"+name, map[string]string{
		"Authorization": "Bearer " + f.key,
		"apikey":        f.key,
	}, payload)
	if err != nil {
		return fmt.Errorf("invoke %s: %w", name, err)
	}
	if !reply.OK() {
		return fmt.Errorf("invoke %s: %s", name, reply)
	}

	var result struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	if len(reply.Body) > 0 && json.Unmarshal(reply.Body, &result) == nil {
		if result.Error != "" {
			return fmt.Errorf("invoke %s: %s", name, result.Error)
		}
		if result.Success != nil && !*result.Success {
			return fmt.Errorf("invoke %s: function reported failure", name)
		}
	}
	return nil
}
