package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/d60-Lab/submission-hub/config"
	"github.com/d60-Lab/submission-hub/internal/api/handler"
	"github.com/d60-Lab/submission-hub/internal/api/middleware"
	"github.com/d60-Lab/submission-hub/internal/api/router"
	"github.com/d60-Lab/submission-hub/internal/model"
	"github.com/d60-Lab/submission-hub/internal/service"
	"github.com/d60-Lab/submission-hub/internal/storage"
	"github.com/d60-Lab/submission-hub/pkg/database"
	"github.com/d60-Lab/submission-hub/pkg/logger"
	"github.com/d60-Lab/submission-hub/pkg/telemetry"
)

var Version = "dev"

// @title Submission Hub API
// @version 1.0
// @description 文档提交与管理员通知服务
// @BasePath /api/v1
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	rootCmd := &cobra.Command{
		Use:           "submission-hub",
		Short:         "Document submission fan-out service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd(), submitCmd(), probeCmd(), migrateCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig .env 只用于本地开发，不存在时忽略
func loadConfig() (*config.Config, error) {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	flushSentry, err := telemetry.InitSentry(cfg.Sentry)
	if err != nil {
		logger.Warn("sentry disabled", zap.Error(err))
		flushSentry = func() {}
	}
	defer flushSentry()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.storage.EnsureContainerReady(ctx) {
		logger.Warn("storage bucket not ready at startup; submissions will fail until it is", zap.String("bucket", cfg.Storage.Bucket))
	}

	var auth *middleware.JWTAuth
	if cfg.Auth.Enabled {
		auth, err = middleware.NewJWTAuth(ctx, cfg.Auth.ClerkJWKSURL, cfg.Auth.ClerkIssuer, cfg.Supabase.JWTSecret, cfg.Auth.Leeway)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("authentication disabled; user id is read from the " + middleware.DevUserHeader + " header")
	}

	gin.SetMode(cfg.Server.Mode)
	opts := router.Options{
		ServiceName: cfg.Tracing.ServiceName,
		Auth:        auth,
		RateLimiter: middleware.NewUserRateLimiter(cfg.RateLimit.SubmitPerMinute, cfg.RateLimit.Burst),
		Swagger:     cfg.Server.Mode != gin.ReleaseMode,
		CORSOrigins: cfg.Server.CORSOrigins,
	}
	if cfg.Storage.Backend == "local" {
		opts.LocalFilesDir = cfg.Storage.LocalDir
	}
	h := handler.NewHandler(a.service, cfg.Server.MaxUploadMB<<20, a.checks()...)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router.Setup(h, opts),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("mode", cfg.Server.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}
	return nil
}

func submitCmd() *cobra.Command {
	var (
		userID  string
		paths   []string
		meta    map[string]string
		toggles []string
		opts    service.ChannelOptions
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Upload local files as a submission and notify admins",
		Example: `  submission-hub submit --user user-42 --file brief.pdf --file notes.docx \
    --meta service_type="Essay Writing" --meta word_count=3000 --channel email --email-to tutor@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			files := make([]storage.Source, 0, len(paths))
			for _, p := range paths {
				src, err := storage.FromPath(p)
				if err != nil {
					return fmt.Errorf("open %s: %w", p, err)
				}
				files = append(files, src)
			}
			metadata, err := metadataFromFlags(meta)
			if err != nil {
				return err
			}
			for _, name := range toggles {
				if err := enableChannel(&opts, name); err != nil {
					return err
				}
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.service.SubmitDocumentsToAdmin(cmd.Context(), userID, files, metadata, opts)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Success {
				return errors.New(res.Message)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&userID, "user", "u", "", "submitting user id")
	f.StringArrayVarP(&paths, "file", "f", nil, "file to upload (repeatable)")
	f.StringToStringVarP(&meta, "meta", "m", nil, "metadata key=value (repeatable)")
	f.StringSliceVarP(&toggles, "channel", "c", nil, "enable a channel explicitly: in-app, email, sms, telegram, discord, slack")
	f.StringVar(&opts.EmailTo, "email-to", "", "override admin email")
	f.StringVar(&opts.PhoneTo, "sms-to", "", "override admin phone (E.164)")
	f.StringVar(&opts.TelegramChatID, "telegram-chat", "", "override telegram chat id")
	f.StringVar(&opts.DiscordWebhookURL, "discord-webhook", "", "override discord webhook url")
	f.StringVar(&opts.SlackWebhookURL, "slack-webhook", "", "override slack webhook url")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// metadataFromFlags 复用 JSON 解码，未知 key 落入 Extra
func metadataFromFlags(kv map[string]string) (model.SubmissionMetadata, error) {
	var md model.SubmissionMetadata
	if len(kv) == 0 {
		return md, nil
	}
	raw := make(map[string]any, len(kv))
	for k, v := range kv {
		raw[k] = v
		if k == "word_count" {
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
				return md, fmt.Errorf("word_count must be an integer: %q", v)
			}
			raw[k] = n
		}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return md, err
	}
	return model.ParseMetadata(data)
}

func enableChannel(opts *service.ChannelOptions, name string) error {
	ch, ok := model.ParseChannel(strings.TrimSpace(name))
	if !ok {
		return fmt.Errorf("unknown channel %q", name)
	}
	switch ch {
	case model.ChannelInApp:
		opts.InApp = service.Bool(true)
	case model.ChannelEmail:
		opts.Email = service.Bool(true)
	case model.ChannelSMS:
		opts.SMS = service.Bool(true)
	case model.ChannelTelegram:
		opts.Telegram = service.Bool(true)
	case model.ChannelDiscord:
		opts.Discord = service.Bool(true)
	case model.ChannelSlack:
		opts.Slack = service.Bool(true)
	default:
		return fmt.Errorf("channel %q cannot be toggled", name)
	}
	return nil
}

func probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Report storage readiness and the detected in-app message backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			backend := "none"
			if a.inApp != nil {
				backend = a.inApp.Name()
			}
			fmt.Fprintf(out, "in-app backend: %s\n", backend)
			fmt.Fprintf(out, "storage (%s, bucket %s): ready=%t\n", cfg.Storage.Backend, cfg.Storage.Bucket, a.storage.EnsureContainerReady(cmd.Context()))
			for _, c := range a.checks() {
				status := "ok"
				if err := c.Fn(cmd.Context()); err != nil {
					status = err.Error()
				}
				fmt.Fprintf(out, "%s: %s\n", c.Name, status)
			}
			chans := make([]string, len(a.drivers))
			for i, d := range a.drivers {
				chans[i] = string(d.Channel())
			}
			fmt.Fprintf(out, "channels: %s\n", strings.Join(chans, ", "))
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the submissions table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			db, err := database.InitDB(cfg)
			if err != nil {
				return err
			}
			defer database.Close(db)
			if err := migrate(db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrated")
			return nil
		},
	}
}
