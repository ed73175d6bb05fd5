package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database      DatabaseConfig
	Redis         RedisConfig
	JWT           JWTConfig
	CORS          CORSConfig
	Log           LogConfig
	Billing       BillingConfig
	Notifications NotificationsConfig
	Storage       StorageConfig
	Sweeps        SweepsConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// BillingConfig holds the timing knobs of the enrollment/payment lifecycle.
type BillingConfig struct {
	PendingPaymentTTL time.Duration
	ReminderDays      int
	UrgentReminderDay int
	OverdueGraceDays  int
	SuspendAfterDays  int
	OverdueDedupDays  int
	TrialNoticeDays   []int
}

// NotificationsConfig wires the outbound email/push gateway.
type NotificationsConfig struct {
	SendgridAPIKey string
	FromName       string
	FromEmail      string
	PushWebhookURL string
	Workers        int
	MaxRetries     int
	RetryDelay     time.Duration
}

// StorageConfig controls payment proof and receipt artifact storage.
type StorageConfig struct {
	ProofDir string
}

// SweepsConfig governs the escalation sweeps.
type SweepsConfig struct {
	LeaseTTL        time.Duration
	IntervalEnabled bool
	Interval        time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Billing = BillingConfig{
		PendingPaymentTTL: parseDuration(v.GetString("BILLING_PENDING_TTL"), 48*time.Hour),
		ReminderDays:      v.GetInt("BILLING_REMINDER_DAYS"),
		UrgentReminderDay: v.GetInt("BILLING_URGENT_REMINDER_DAY"),
		OverdueGraceDays:  v.GetInt("BILLING_OVERDUE_GRACE_DAYS"),
		SuspendAfterDays:  v.GetInt("BILLING_SUSPEND_AFTER_DAYS"),
		OverdueDedupDays:  v.GetInt("BILLING_OVERDUE_DEDUP_DAYS"),
		TrialNoticeDays:   []int{3, 1},
	}

	cfg.Notifications = NotificationsConfig{
		SendgridAPIKey: v.GetString("SENDGRID_API_KEY"),
		FromName:       v.GetString("MAIL_FROM_NAME"),
		FromEmail:      v.GetString("MAIL_FROM_EMAIL"),
		PushWebhookURL: v.GetString("PUSH_WEBHOOK_URL"),
		Workers:        v.GetInt("NOTIFICATION_WORKERS"),
		MaxRetries:     v.GetInt("NOTIFICATION_MAX_RETRIES"),
		RetryDelay:     parseDuration(v.GetString("NOTIFICATION_RETRY_DELAY"), 5*time.Second),
	}

	cfg.Storage = StorageConfig{
		ProofDir: v.GetString("PROOF_STORAGE_DIR"),
	}

	cfg.Sweeps = SweepsConfig{
		LeaseTTL:        parseDuration(v.GetString("SWEEP_LEASE_TTL"), 10*time.Minute),
		IntervalEnabled: v.GetBool("SWEEP_INTERVAL_ENABLED"),
		Interval:        parseDuration(v.GetString("SWEEP_INTERVAL"), 24*time.Hour),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "bimbel")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("BILLING_PENDING_TTL", "48h")
	v.SetDefault("BILLING_REMINDER_DAYS", 7)
	v.SetDefault("BILLING_URGENT_REMINDER_DAY", 1)
	v.SetDefault("BILLING_OVERDUE_GRACE_DAYS", 5)
	v.SetDefault("BILLING_SUSPEND_AFTER_DAYS", 20)
	v.SetDefault("BILLING_OVERDUE_DEDUP_DAYS", 7)

	v.SetDefault("MAIL_FROM_NAME", "Bimbel")
	v.SetDefault("MAIL_FROM_EMAIL", "no-reply@bimbel.local")
	v.SetDefault("NOTIFICATION_WORKERS", 2)
	v.SetDefault("NOTIFICATION_MAX_RETRIES", 3)
	v.SetDefault("NOTIFICATION_RETRY_DELAY", "5s")

	v.SetDefault("PROOF_STORAGE_DIR", "./proofs")

	v.SetDefault("SWEEP_LEASE_TTL", "10m")
	v.SetDefault("SWEEP_INTERVAL_ENABLED", false)
	v.SetDefault("SWEEP_INTERVAL", "24h")
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
