// Package metrics 汇总服务的 Prometheus 指标，统一在 /metrics 暴露。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubmissionsTotal 按结果统计提交：success | degraded | failed
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subhub_submissions_total",
			Help: "Document submissions by result.",
		},
		[]string{"result"},
	)

	// UploadAttemptsTotal 每次上传尝试计一次：ok | error
	UploadAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subhub_upload_attempts_total",
			Help: "Object storage upload attempts by result.",
		},
		[]string{"result"},
	)

	ChannelDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subhub_channel_deliveries_total",
			Help: "Notification channel deliveries by channel and status.",
		},
		[]string{"channel", "status"},
	)

	ChannelDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "subhub_channel_duration_seconds",
			Help:    "Notification channel send duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subhub_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "subhub_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
