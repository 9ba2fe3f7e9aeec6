package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 汇总来自环境变量的配置（可预先加载 .env）。
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Screener ScreenerConfig `mapstructure:"screener"`
	Payment  PaymentConfig  `mapstructure:"payment"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Drafts   DraftsConfig   `mapstructure:"drafts"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Clamd    ClamdConfig    `mapstructure:"clamd"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

// APIConfig HTTP 服务配置。
type APIConfig struct {
	Port           int      `mapstructure:"port"`
	InternalSecret string   `mapstructure:"internal_secret"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig PostgreSQL 连接配置。
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig Redis 连接配置。
type RedisConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr 返回 host:port。
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// MinIOConfig MinIO/S3 兼容存储配置。
type MinIOConfig struct {
	Endpoint         string `mapstructure:"endpoint"`
	PublicEndpoint   string `mapstructure:"public_endpoint"`
	AccessKeyID      string `mapstructure:"access_key_id"`
	SecretAccessKey  string `mapstructure:"secret_access_key"`
	UseSSL           bool   `mapstructure:"use_ssl"`
	Bucket           string `mapstructure:"bucket"`
	Region           string `mapstructure:"region"`
	BucketLookup     string `mapstructure:"bucket_lookup"`
	AutoCreateBucket bool   `mapstructure:"auto_create_bucket"`
}

// AuthConfig 模板管理的管理员认证配置。
type AuthConfig struct {
	PrivateKeyPEM         string        `mapstructure:"private_key_pem"`
	PublicKeyPEM          string        `mapstructure:"public_key_pem"`
	AccessTokenTTL        time.Duration `mapstructure:"access_token_ttl"`
	LoginRateLimitPerHour int           `mapstructure:"login_rate_limit_per_hour"`
	LoginLockThreshold    int           `mapstructure:"login_lock_threshold"`
	LoginLockTTL          time.Duration `mapstructure:"login_lock_ttl"`
}

// ScreenerConfig 外部 CV 筛选与 PDF 生成服务。
type ScreenerConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PaymentConfig 用户通过 USSD 付款的商户账户。
type PaymentConfig struct {
	MerchantName   string   `mapstructure:"merchant_name"`
	MerchantNumber string   `mapstructure:"merchant_number"`
	Amount         int      `mapstructure:"amount"`
	Currency       string   `mapstructure:"currency"`
	USSDCode       string   `mapstructure:"ussd_code"`
	Channels       []string `mapstructure:"channels"`
}

// RetryConfig 外部调用的退避策略。
type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxRetries      int           `mapstructure:"max_retries"`
}

// DraftsConfig 草稿存储参数。
type DraftsConfig struct {
	InlineThresholdBytes int           `mapstructure:"inline_threshold_bytes"`
	TTL                  time.Duration `mapstructure:"ttl"`
}

// OpenAIConfig 内容建议代理配置。
type OpenAIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RequestsPerMin int           `mapstructure:"requests_per_min"`
}

// ClamdConfig 上传扫描使用的 clamd 地址。
type ClamdConfig struct {
	Addr string `mapstructure:"addr"`
}

// WorkerConfig asynq worker 参数。
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// DSN 生成 lib/pq 兼容的连接串。
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host,
		d.Port,
		d.User,
		d.Password,
		d.Name,
		d.SSLMode,
	)
}

// Load 从环境变量读取配置（带默认值）。
// 工作目录下存在 .env 时先加载，已有环境变量优先。
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.API.AllowedOrigins = splitList(cfg.API.AllowedOrigins)
	cfg.Payment.Channels = splitList(cfg.Payment.Channels)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// MustLoad 包装 Load，失败时 panic。
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.port", 8080)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "cvchapchap")
	v.SetDefault("database.user", "cvchapchap")
	v.SetDefault("database.password", "cvchapchap")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.public_endpoint", "http://localhost:9000")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket", "cvchapchap")
	v.SetDefault("minio.bucket_lookup", "auto")
	v.SetDefault("minio.auto_create_bucket", true)
	v.SetDefault("auth.access_token_ttl", 30*time.Minute)
	v.SetDefault("auth.login_rate_limit_per_hour", 10)
	v.SetDefault("auth.login_lock_threshold", 5)
	v.SetDefault("auth.login_lock_ttl", 15*time.Minute)
	v.SetDefault("screener.base_url", "https://cv-screener.replit.app")
	v.SetDefault("screener.timeout", 60*time.Second)
	v.SetDefault("payment.merchant_name", "CV CHAP CHAP")
	v.SetDefault("payment.merchant_number", "0745123456")
	v.SetDefault("payment.amount", 5000)
	v.SetDefault("payment.currency", "TSh")
	v.SetDefault("payment.ussd_code", "*150*00#")
	v.SetDefault("payment.channels", []string{"M-Pesa", "Tigo Pesa", "Airtel Money", "HaloPesa"})
	v.SetDefault("retry.initial_interval", 2*time.Second)
	v.SetDefault("retry.multiplier", 1.5)
	v.SetDefault("retry.max_interval", 30*time.Second)
	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("drafts.inline_threshold_bytes", 200*1024)
	v.SetDefault("drafts.ttl", 30*24*time.Hour)
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.timeout", 45*time.Second)
	v.SetDefault("openai.requests_per_min", 20)
	v.SetDefault("clamd.addr", "tcp://localhost:3310")
	v.SetDefault("worker.concurrency", 10)
}

func bindEnv(v *viper.Viper) error {
	mappings := map[string]string{
		"api.port":                       "API_PORT",
		"api.internal_secret":            "INTERNAL_API_SECRET",
		"api.allowed_origins":            "ALLOWED_ORIGINS",
		"database.host":                  "DATABASE_HOST",
		"database.port":                  "DATABASE_PORT",
		"database.name":                  "POSTGRES_DB",
		"database.user":                  "POSTGRES_USER",
		"database.password":              "POSTGRES_PASSWORD",
		"database.sslmode":               "DATABASE_SSLMODE",
		"redis.host":                     "REDIS_HOST",
		"redis.port":                     "REDIS_PORT",
		"minio.endpoint":                 "MINIO_ENDPOINT",
		"minio.public_endpoint":          "MINIO_PUBLIC_ENDPOINT",
		"minio.access_key_id":            "MINIO_ACCESS_KEY_ID",
		"minio.secret_access_key":        "MINIO_SECRET_ACCESS_KEY",
		"minio.use_ssl":                  "MINIO_USE_SSL",
		"minio.bucket":                   "MINIO_BUCKET",
		"minio.region":                   "MINIO_REGION",
		"minio.bucket_lookup":            "MINIO_BUCKET_LOOKUP",
		"minio.auto_create_bucket":       "MINIO_AUTO_CREATE_BUCKET",
		"auth.private_key_pem":           "JWT_PRIVATE_KEY_PEM",
		"auth.public_key_pem":            "JWT_PUBLIC_KEY_PEM",
		"auth.access_token_ttl":          "JWT_ACCESS_TOKEN_TTL",
		"auth.login_rate_limit_per_hour": "LOGIN_RATE_LIMIT_PER_HOUR",
		"auth.login_lock_threshold":      "LOGIN_LOCK_THRESHOLD",
		"auth.login_lock_ttl":            "LOGIN_LOCK_TTL",
		"screener.base_url":              "CV_SCREENER_BASE_URL",
		"screener.api_key":               "CV_SCREENER_API_KEY",
		"screener.timeout":               "CV_SCREENER_TIMEOUT",
		"payment.merchant_name":          "PAYMENT_MERCHANT_NAME",
		"payment.merchant_number":        "PAYMENT_MERCHANT_NUMBER",
		"payment.amount":                 "PAYMENT_AMOUNT",
		"payment.currency":               "PAYMENT_CURRENCY",
		"payment.ussd_code":              "PAYMENT_USSD_CODE",
		"payment.channels":               "PAYMENT_CHANNELS",
		"retry.initial_interval":         "RETRY_INITIAL_INTERVAL",
		"retry.multiplier":               "RETRY_MULTIPLIER",
		"retry.max_interval":             "RETRY_MAX_INTERVAL",
		"retry.max_retries":              "RETRY_MAX_RETRIES",
		"drafts.inline_threshold_bytes":  "DRAFT_INLINE_THRESHOLD_BYTES",
		"drafts.ttl":                     "DRAFT_TTL",
		"openai.base_url":                "OPENAI_BASE_URL",
		"openai.api_key":                 "OPENAI_API_KEY",
		"openai.model":                   "OPENAI_MODEL",
		"openai.timeout":                 "OPENAI_TIMEOUT",
		"openai.requests_per_min":        "OPENAI_REQUESTS_PER_MIN",
		"clamd.addr":                     "CLAMD_ADDR",
		"worker.concurrency":             "WORKER_CONCURRENCY",
	}

	for key, env := range mappings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind %s to %s: %w", key, env, err)
		}
	}

	return nil
}

// splitList 同时接受列表与逗号分隔的单个环境变量。
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func validate(cfg Config) error {
	if cfg.API.Port <= 0 {
		return errors.New("api port must be positive")
	}
	if cfg.Database.Host == "" {
		return errors.New("database host is required")
	}
	if cfg.Database.Port <= 0 {
		return errors.New("database port must be positive")
	}
	if cfg.Database.Name == "" {
		return errors.New("database name is required")
	}
	if cfg.Database.User == "" {
		return errors.New("database user is required")
	}
	if cfg.Database.Password == "" {
		return errors.New("database password is required")
	}
	if cfg.Redis.Host == "" {
		return errors.New("redis host is required")
	}
	if cfg.Redis.Port <= 0 {
		return errors.New("redis port must be positive")
	}
	if cfg.MinIO.Endpoint == "" {
		return errors.New("minio endpoint is required")
	}
	if cfg.MinIO.Bucket == "" {
		return errors.New("minio bucket is required")
	}
	if cfg.Screener.BaseURL == "" {
		return errors.New("cv screener base url is required")
	}
	if cfg.Payment.MerchantNumber == "" {
		return errors.New("payment merchant number is required")
	}
	if cfg.Payment.Amount <= 0 {
		return errors.New("payment amount must be positive")
	}
	if cfg.Retry.InitialInterval <= 0 || cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		return errors.New("retry intervals are inconsistent")
	}
	if cfg.Retry.Multiplier < 1 {
		return errors.New("retry multiplier must be at least 1")
	}
	if cfg.Retry.MaxRetries < 0 {
		return errors.New("retry max retries must not be negative")
	}
	if cfg.Drafts.InlineThresholdBytes <= 0 {
		return errors.New("draft inline threshold must be positive")
	}
	return nil
}
