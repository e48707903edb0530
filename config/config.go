package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config 服务全局配置
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Supabase     SupabaseConfig     `mapstructure:"supabase"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Notification NotificationConfig `mapstructure:"notification"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Sentry       SentryConfig       `mapstructure:"sentry"`
	RateLimit    RateLimitConfig    `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	Mode            string        `mapstructure:"mode" validate:"oneof=debug release test"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadMB     int64         `mapstructure:"max_upload_mb" validate:"min=1"`
	CORSOrigins     []string      `mapstructure:"cors_origins" validate:"dive,url"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// DatabaseConfig Driver 为 postgres 时使用 DSN；sqlite 用于本地与测试
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Addr       string        `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	OutcomeTTL time.Duration `mapstructure:"outcome_ttl"`
}

// StorageConfig Backend: supabase | local
type StorageConfig struct {
	Backend       string        `mapstructure:"backend" validate:"oneof=supabase local"`
	Bucket        string        `mapstructure:"bucket" validate:"required"`
	LocalDir      string        `mapstructure:"local_dir"`
	PublicBaseURL string        `mapstructure:"public_base_url"`
	FileSizeLimit int64         `mapstructure:"file_size_limit"`
	Public        bool          `mapstructure:"public"`
	SignedURLTTL  time.Duration `mapstructure:"signed_url_ttl"`
	MaxAttempts   int           `mapstructure:"max_attempts" validate:"min=1"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

type SupabaseConfig struct {
	URL            string        `mapstructure:"url"`
	ServiceRoleKey string        `mapstructure:"service_role_key"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	EmailFunction  string        `mapstructure:"email_function"`
	SMSFunction    string        `mapstructure:"sms_function"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// AuthConfig Clerk 通过 JWKS 验签 RS256，Supabase 通过共享密钥验签 HS256
type AuthConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	ClerkJWKSURL string        `mapstructure:"clerk_jwks_url"`
	ClerkIssuer  string        `mapstructure:"clerk_issuer"`
	Leeway       time.Duration `mapstructure:"leeway"`
}

// NotificationConfig 管理员通知的默认渠道与目标
type NotificationConfig struct {
	AdminEmail        string        `mapstructure:"admin_email" validate:"omitempty,email"`
	AdminPhone        string        `mapstructure:"admin_phone"`
	AdminUserID       string        `mapstructure:"admin_user_id"`
	TelegramBotToken  string        `mapstructure:"telegram_bot_token"`
	TelegramChatID    string        `mapstructure:"telegram_chat_id"`
	TelegramAPIBase   string        `mapstructure:"telegram_api_base"`
	DiscordWebhookURL string        `mapstructure:"discord_webhook_url" validate:"omitempty,url"`
	SlackWebhookURL   string        `mapstructure:"slack_webhook_url" validate:"omitempty,url"`
	DashboardURL      string        `mapstructure:"dashboard_url"`
	DefaultChannels   []string      `mapstructure:"default_channels"`
	RatePerSecond     float64       `mapstructure:"rate_per_second"`
	Timeout           time.Duration `mapstructure:"timeout"`
	InAppBackend      string        `mapstructure:"inapp_backend" validate:"oneof=auto direct conversation"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type SentryConfig struct {
	DSN         string  `mapstructure:"dsn"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

type RateLimitConfig struct {
	SubmitPerMinute int `mapstructure:"submit_per_minute"`
	Burst           int `mapstructure:"burst"`
}

const envPrefix = "SUBHUB"

// Load 从 CONFIG_PATH（默认 config/config.yaml）与环境变量加载配置
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/config.yaml"
	}
	return LoadFrom(path)
}

// LoadFrom 配置文件不存在时仅使用默认值与环境变量
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验字段约束
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Storage.Backend == "supabase" && (c.Supabase.URL == "" || c.Supabase.ServiceRoleKey == "") {
		return fmt.Errorf("invalid config: supabase storage requires supabase.url and supabase.service_role_key")
	}
	if c.Storage.Backend == "local" && c.Storage.LocalDir == "" {
		return fmt.Errorf("invalid config: local storage requires storage.local_dir")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_upload_mb", 50)
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:submission-hub.db?cache=shared")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.outcome_ttl", 7*24*time.Hour)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.bucket", "document-submissions")
	v.SetDefault("storage.local_dir", "./data/uploads")
	v.SetDefault("storage.file_size_limit", 50*1024*1024)
	v.SetDefault("storage.public", false)
	v.SetDefault("storage.signed_url_ttl", 7*24*time.Hour)
	v.SetDefault("storage.max_attempts", 3)
	v.SetDefault("storage.retry_backoff", time.Second)

	v.SetDefault("supabase.email_function", "send-email")
	v.SetDefault("supabase.sms_function", "send-sms")
	v.SetDefault("supabase.timeout", 15*time.Second)

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.leeway", 30*time.Second)

	v.SetDefault("notification.telegram_api_base", "https://api.telegram.org")
	v.SetDefault("notification.default_channels", []string{"in-app", "email"})
	v.SetDefault("notification.rate_per_second", 10.0)
	v.SetDefault("notification.timeout", 10*time.Second)
	v.SetDefault("notification.inapp_backend", "auto")

	v.SetDefault("tracing.service_name", "submission-hub")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.insecure", true)

	v.SetDefault("sentry.environment", "development")
	v.SetDefault("sentry.sample_rate", 1.0)

	v.SetDefault("ratelimit.submit_per_minute", 10)
	v.SetDefault("ratelimit.burst", 3)

	// AutomaticEnv 只覆盖已知 key，密钥类配置没有默认值，需显式登记
	for _, key := range []string{
		"redis.password", "storage.public_base_url",
		"supabase.url", "supabase.service_role_key", "supabase.jwt_secret",
		"auth.clerk_jwks_url", "auth.clerk_issuer",
		"notification.admin_email", "notification.admin_phone", "notification.admin_user_id",
		"notification.telegram_bot_token", "notification.telegram_chat_id",
		"notification.discord_webhook_url", "notification.slack_webhook_url", "notification.dashboard_url",
		"tracing.endpoint", "sentry.dsn",
	} {
		v.SetDefault(key, "")
	}
}
