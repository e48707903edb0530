package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/d60-Lab/submission-hub/config"
	"github.com/d60-Lab/submission-hub/internal/model"
	"github.com/d60-Lab/submission-hub/internal/notify"
	"github.com/d60-Lab/submission-hub/internal/repository"
	"github.com/d60-Lab/submission-hub/internal/service"
	"github.com/d60-Lab/submission-hub/internal/storage"
	"github.com/d60-Lab/submission-hub/pkg/database"
)

// simDriver 模拟渠道：固定延迟加抖动，按比例失败
type simDriver struct {
	ch       model.Channel
	latency  time.Duration
	failRate float64
}

func (d *simDriver) Channel() model.Channel { return d.ch }

func (d *simDriver) Send(ctx context.Context, _ notify.Notification, _ notify.Target) bool {
	jitter := time.Duration(rand.Int63n(int64(d.latency)/4 + 1))
	select {
	case <-time.After(d.latency + jitter):
	case <-ctx.Done():
		return false
	}
	return rand.Float64() >= d.failRate
}

func envInt(key string, def int) int {
	if s := os.Getenv(key); s != "" {
		if v, e := strconv.Atoi(s); e == nil && v > 0 {
			return v
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if s := os.Getenv(key); s != "" {
		if v, e := strconv.ParseFloat(s, 64); e == nil && v >= 0 {
			return v
		}
	}
	return def
}

func main() {
	REPEAT := envInt("REPEAT", 50)
	FILES := envInt("FILES", 3)
	LATENCY := time.Duration(envInt("LATENCY_MS", 80)) * time.Millisecond
	FAIL := envFloat("FAIL_RATE", 0.1)

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	db, err := database.InitDB(cfg)
	if err != nil {
		panic(err)
	}
	defer database.Close(db)
	if err := db.AutoMigrate(&model.Submission{}); err != nil {
		panic(err)
	}

	drivers := make([]notify.Driver, 0, len(model.NotificationChannels))
	for _, ch := range model.NotificationChannels {
		drivers = append(drivers, &simDriver{ch: ch, latency: LATENCY, failRate: FAIL})
	}
	target := notify.Target{Email: "admin@example.com", Phone: "+15550100", ChatID: "1", AdminUserID: "admin"}
	settings := service.Settings{
		DefaultChannels: model.NotificationChannels,
		Target:          target,
		DiscordWebhook:  "http://discord.invalid/hook",
		SlackWebhook:    "http://slack.invalid/hook",
		MaxAttempts:     1,
		ChannelTimeout:  LATENCY * 4,
	}
	// 文件写到临时目录，不污染配置里的存储
	dir, err := os.MkdirTemp("", "fanoutbench")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)
	adapter := storage.NewAdapter(storage.NewLocalStore(dir, "bench", "http://files.local"), storage.BucketOptions{}, 0)
	svc := service.NewSubmissionService(adapter, repository.NewSubmissionRepository(db), repository.NewMemoryOutcomeRepository(cfg.Redis.OutcomeTTL), drivers, settings)

	payload := make([]byte, 64*1024)
	files := make([]storage.Source, FILES)
	for i := range files {
		files[i] = storage.FromBytes(fmt.Sprintf("doc-%02d.pdf", i), "application/pdf", payload)
	}

	ctx := context.Background()
	totals := make([]time.Duration, 0, REPEAT)
	statuses := map[model.SubmissionStatus]int{}
	for i := 0; i < REPEAT; i++ {
		st := time.Now()
		res := svc.Submit(ctx, "bench-user", files, model.SubmissionMetadata{ServiceType: "Benchmark"}, service.ChannelOptions{})
		totals = append(totals, time.Since(st))
		statuses[res.Status]++
	}

	pct := func(vs []time.Duration, p float64) time.Duration {
		xs := append([]time.Duration(nil), vs...)
		sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
		k := int(float64(len(xs)) * p)
		if k < 0 {
			k = 0
		}
		if k >= len(xs) {
			k = len(xs) - 1
		}
		return xs[k]
	}

	var sum time.Duration
	for _, d := range totals {
		sum += d
	}
	fmt.Printf("REPEAT=%d FILES=%d CHANNELS=%d LATENCY=%v FAIL_RATE=%.2f\n", REPEAT, FILES, len(drivers), LATENCY, FAIL)
	fmt.Printf("Submit end-to-end: avg=%v p95=%v p99=%v\n", sum/time.Duration(len(totals)), pct(totals, 0.95), pct(totals, 0.99))
	fmt.Printf("Sequential channel lower bound: %v\n", LATENCY*time.Duration(len(drivers)))
	fmt.Printf("Status: delivered=%d partially-delivered=%d failed=%d\n",
		statuses[model.SubmissionDelivered], statuses[model.SubmissionPartiallyDelivered], statuses[model.SubmissionFailed])
}
