package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime configuration loaded from the environment and an
// optional app.env file.
type Config struct {
	Port              string
	DatabaseURL       string
	MigrationsDir     string
	JWTSecret         string
	JWTIssuer         string
	AccessTTLSeconds  int64
	CorsOrigins       []string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	AdminToken        string
	AdminTokenHash    string
	PublicBaseURL     string
	CertStoragePath   string
	CertSigningSecret string
	CertAllowUnsigned bool

	GatewayBaseURL       string
	GatewayKeyID         string
	GatewayKeySecret     string
	GatewayWebhookSecret string
	GatewayTimeout       time.Duration
	PaymentCallbackToken string
	DemoMode             bool
	DefaultCurrency      string

	OpsWebhookURL     string
	NotifyTimeout     time.Duration
	SendgridAPIKey    string
	SendgridFromEmail string
	SendgridFromName  string

	RedisAddr          string
	RedisPassword      string
	RateLimitPerMinute int
	TrustProxyHeaders  bool

	AlertDedupeWindow     time.Duration
	RepairCron            string
	RepairBatch           int
	HealthCron            string
	HealthDiskPath        string
	HealthDiskThreshold   float64
	HealthMemoryThreshold float64

	LogDir           string
	LogRetentionDays int
}

var defaults = map[string]interface{}{
	"PORT":                    "8080",
	"MIGRATIONS_DIR":          "migrations",
	"JWT_ISSUER":              "learnhub",
	"ACCESS_TTL_SECONDS":      14400,
	"READ_TIMEOUT_SECONDS":    15,
	"WRITE_TIMEOUT_SECONDS":   30,
	"PUBLIC_BASE_URL":         "http://localhost:8080",
	"CERT_STORAGE_PATH":       "storage/certificates",
	"CERT_ALLOW_UNSIGNED":     false,
	"GATEWAY_BASE_URL":        "https://api.razorpay.com",
	"GATEWAY_TIMEOUT_SECONDS": 15,
	"DEMO_MODE":               false,
	"DEFAULT_CURRENCY":        "INR",
	"NOTIFY_TIMEOUT_SECONDS":  10,
	"SENDGRID_FROM_NAME":      "LearnHub",
	"RATE_LIMIT_PER_MINUTE":   60,
	"TRUST_PROXY_HEADERS":     false,
	"ALERT_DEDUPE_MINUTES":    15,
	"REPAIR_CRON":             "@every 10m",
	"REPAIR_BATCH":            100,
	"HEALTH_CRON":             "@every 1m",
	"HEALTH_DISK_PATH":        "storage",
	"HEALTH_DISK_THRESHOLD":   90.0,
	"HEALTH_MEMORY_THRESHOLD": 90.0,
	"LOG_DIR":                 "storage/logs",
	"LOG_RETENTION_DAYS":      7,
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic("config: " + err.Error())
		}
	}
	return v
}

// Load reads configuration. Missing required keys panic.
func Load() Config {
	v := newViper(".")
	return Config{
		Port:              envOr(v, "PORT", "8080"),
		DatabaseURL:       mustEnv(v, "DATABASE_URL"),
		MigrationsDir:     envOr(v, "MIGRATIONS_DIR", "migrations"),
		JWTSecret:         mustEnv(v, "JWT_SECRET"),
		JWTIssuer:         envOr(v, "JWT_ISSUER", "learnhub"),
		AccessTTLSeconds:  int64(v.GetInt("ACCESS_TTL_SECONDS")),
		CorsOrigins:       parseCSV(v.GetString("CORS_ORIGINS")),
		ReadTimeout:       seconds(v, "READ_TIMEOUT_SECONDS"),
		WriteTimeout:      seconds(v, "WRITE_TIMEOUT_SECONDS"),
		AdminToken:        strings.TrimSpace(v.GetString("ADMIN_TOKEN")),
		AdminTokenHash:    strings.TrimSpace(v.GetString("ADMIN_TOKEN_HASH")),
		PublicBaseURL:     strings.TrimRight(envOr(v, "PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		CertStoragePath:   envOr(v, "CERT_STORAGE_PATH", "storage/certificates"),
		CertSigningSecret: strings.TrimSpace(v.GetString("CERT_SIGNING_SECRET")),
		CertAllowUnsigned: v.GetBool("CERT_ALLOW_UNSIGNED"),

		GatewayBaseURL:       envOr(v, "GATEWAY_BASE_URL", "https://api.razorpay.com"),
		GatewayKeyID:         strings.TrimSpace(v.GetString("GATEWAY_KEY_ID")),
		GatewayKeySecret:     strings.TrimSpace(v.GetString("GATEWAY_KEY_SECRET")),
		GatewayWebhookSecret: strings.TrimSpace(v.GetString("GATEWAY_WEBHOOK_SECRET")),
		GatewayTimeout:       seconds(v, "GATEWAY_TIMEOUT_SECONDS"),
		PaymentCallbackToken: strings.TrimSpace(v.GetString("PAYMENT_CALLBACK_SECRET")),
		DemoMode:             v.GetBool("DEMO_MODE"),
		DefaultCurrency:      strings.ToUpper(envOr(v, "DEFAULT_CURRENCY", "INR")),

		OpsWebhookURL:     strings.TrimSpace(v.GetString("OPS_WEBHOOK_URL")),
		NotifyTimeout:     seconds(v, "NOTIFY_TIMEOUT_SECONDS"),
		SendgridAPIKey:    strings.TrimSpace(v.GetString("SENDGRID_API_KEY")),
		SendgridFromEmail: strings.TrimSpace(v.GetString("SENDGRID_FROM_EMAIL")),
		SendgridFromName:  envOr(v, "SENDGRID_FROM_NAME", "LearnHub"),

		RedisAddr:          strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:      v.GetString("REDIS_PASSWORD"),
		RateLimitPerMinute: v.GetInt("RATE_LIMIT_PER_MINUTE"),
		TrustProxyHeaders:  v.GetBool("TRUST_PROXY_HEADERS"),

		AlertDedupeWindow:     time.Duration(v.GetInt("ALERT_DEDUPE_MINUTES")) * time.Minute,
		RepairCron:            strings.TrimSpace(v.GetString("REPAIR_CRON")),
		RepairBatch:           v.GetInt("REPAIR_BATCH"),
		HealthCron:            strings.TrimSpace(v.GetString("HEALTH_CRON")),
		HealthDiskPath:        envOr(v, "HEALTH_DISK_PATH", "storage"),
		HealthDiskThreshold:   v.GetFloat64("HEALTH_DISK_THRESHOLD"),
		HealthMemoryThreshold: v.GetFloat64("HEALTH_MEMORY_THRESHOLD"),

		LogDir:           envOr(v, "LOG_DIR", "storage/logs"),
		LogRetentionDays: v.GetInt("LOG_RETENTION_DAYS"),
	}
}

func mustEnv(v *viper.Viper, key string) string {
	value := strings.TrimSpace(v.GetString(key))
	if value == "" {
		panic("missing env var: " + key)
	}
	return value
}

func envOr(v *viper.Viper, key, fallback string) string {
	value := strings.TrimSpace(v.GetString(key))
	if value == "" {
		return fallback
	}
	return value
}

func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Second
}

func parseCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value != "" {
			items = append(items, value)
		}
	}
	return items
}
