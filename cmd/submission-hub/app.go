package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/submission-hub/config"
	"github.com/d60-Lab/submission-hub/internal/api/handler"
	"github.com/d60-Lab/submission-hub/internal/model"
	"github.com/d60-Lab/submission-hub/internal/notify"
	"github.com/d60-Lab/submission-hub/internal/repository"
	"github.com/d60-Lab/submission-hub/internal/service"
	"github.com/d60-Lab/submission-hub/internal/storage"
	"github.com/d60-Lab/submission-hub/pkg/database"
	"github.com/d60-Lab/submission-hub/pkg/logger"
)

// app 进程内共享的组件
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	rdb      *redis.Client
	storage  *storage.Adapter
	repo     repository.SubmissionRepository
	outcomes repository.OutcomeRepository
	inApp    notify.MessageBackend
	drivers  []notify.Driver
	service  service.SubmissionService
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := database.InitDB(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: db}

	if cfg.Database.AutoMigrate {
		if err := migrate(db); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.repo = repository.NewSubmissionRepository(db)
	a.outcomes, a.rdb = newOutcomeStore(ctx, cfg)

	a.storage = storage.NewAdapter(newObjectStore(cfg), storage.BucketOptions{
		Public:        cfg.Storage.Public,
		FileSizeLimit: cfg.Storage.FileSizeLimit,
	}, cfg.Storage.RetryBackoff)

	a.drivers = a.buildDrivers(ctx)
	a.service = service.NewSubmissionService(a.storage, a.repo, a.outcomes, a.drivers, service.SettingsFromConfig(cfg))
	return a, nil
}

// newOutcomeStore Redis 不可达时退回进程内存储，此时不返回 client，就绪检查也不包含 redis
func newOutcomeStore(ctx context.Context, cfg *config.Config) (repository.OutcomeRepository, *redis.Client) {
	if !cfg.Redis.Enabled {
		return repository.NewMemoryOutcomeRepository(cfg.Redis.OutcomeTTL), nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, channel outcomes kept in memory", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		if cerr := rdb.Close(); cerr != nil {
			logger.Warn("close redis failed", zap.Error(cerr))
		}
		return repository.NewMemoryOutcomeRepository(cfg.Redis.OutcomeTTL), nil
	}
	return repository.NewRedisOutcomeRepository(rdb, cfg.Redis.OutcomeTTL), rdb
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.Submission{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func newObjectStore(cfg *config.Config) storage.ObjectStore {
	if cfg.Storage.Backend == "supabase" {
		return storage.NewSupabaseStore(cfg.Supabase.URL, cfg.Supabase.ServiceRoleKey, cfg.Storage.Bucket,
			cfg.Storage.Public, cfg.Storage.SignedURLTTL, cfg.Supabase.Timeout)
	}
	return storage.NewLocalStore(cfg.Storage.LocalDir, cfg.Storage.Bucket, cfg.Storage.PublicBaseURL)
}

// buildDrivers 只注册具备凭据的渠道；站内信 schema 在此探测一次
func (a *app) buildDrivers(ctx context.Context) []notify.Driver {
	cfg := a.cfg
	n := cfg.Notification
	var drivers []notify.Driver

	backend, err := notify.ProbeMessageBackend(ctx, a.db, n.InAppBackend)
	if err != nil {
		logger.Warn("in-app channel disabled", zap.Error(err))
	} else {
		a.inApp = backend
		drivers = append(drivers, notify.NewInAppDriver(backend))
		logger.Info("in-app message backend selected", zap.String("backend", backend.Name()))
	}

	transport := notify.NewHTTPTransport(n.Timeout, n.RatePerSecond)
	if cfg.Supabase.URL != "" && cfg.Supabase.ServiceRoleKey != "" {
		fn := notify.NewFunctionClient(transport, cfg.Supabase.URL, cfg.Supabase.ServiceRoleKey)
		drivers = append(drivers,
			notify.NewEmailDriver(fn, cfg.Supabase.EmailFunction),
			notify.NewSMSDriver(fn, cfg.Supabase.SMSFunction),
		)
	} else {
		logger.Warn("email and sms channels disabled: supabase url or service role key missing")
	}
	if n.TelegramBotToken != "" {
		drivers = append(drivers, notify.NewTelegramDriver(transport, n.TelegramAPIBase, n.TelegramBotToken))
	}
	drivers = append(drivers, notify.NewDiscordDriver(transport), notify.NewSlackDriver(transport))

	names := make([]string, len(drivers))
	for i, d := range drivers {
		names[i] = string(d.Channel())
	}
	logger.Info("notification drivers registered", zap.Strings("channels", names))
	return drivers
}

// checks 就绪检查项
func (a *app) checks() []handler.Check {
	checks := []handler.Check{
		{Name: "database", Fn: a.repo.Ping},
		{Name: "storage", Fn: func(ctx context.Context) error {
			if !a.storage.EnsureContainerReady(ctx) {
				return errors.New("bucket not ready")
			}
			return nil
		}},
	}
	// 只有结果确实写在 Redis 时才检查
	if a.rdb != nil {
		checks = append(checks, handler.Check{Name: "redis", Fn: func(ctx context.Context) error {
			return a.rdb.Ping(ctx).Err()
		}})
	}
	return checks
}

func (a *app) Close() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			logger.Warn("close redis failed", zap.Error(err))
		}
	}
	if err := database.Close(a.db); err != nil {
		logger.Warn("close database failed", zap.Error(err))
	}
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}
