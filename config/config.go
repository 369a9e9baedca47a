package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App               AppConfig
	HTTP              ServerConfig
	MySQL             MySQLConfig
	Redis             RedisConfig
	Log               LogConfig
	InternalEndpoints InternalEndpointsConfig
	Stripe            StripeConfig
	Cryptomus         CryptomusConfig
	Payments          PaymentsConfig
	Jobs              JobsConfig
}

type AppConfig struct {
	ServiceName string
	BaseURL     string
	// PublicURL is where providers reach this service, used to build webhook callback URLs.
	PublicURL string
}

type ServerConfig struct {
	Host string
	Port string
}

type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL     string
	LockTTL time.Duration
}

type LogConfig struct {
	Level string
}

type InternalEndpointsConfig struct {
	AuthGRPCAddr string
}

type StripeConfig struct {
	SecretKey                 string
	WebhookSecret             string
	SignatureToleranceSeconds int64
	HTTPTimeout               time.Duration
}

type CryptomusConfig struct {
	MerchantID  string
	PaymentKey  string
	APIBaseURL  string
	CallbackURL string
	HTTPTimeout time.Duration
}

type PaymentsConfig struct {
	EnabledProviders     []string
	SuccessPath          string
	CancelPath           string
	WebhookMaxAttempts   int32
	WebhookRetryInterval time.Duration
	PendingTimeout       time.Duration
	ReconcileStaleAfter  time.Duration
	JobBatchSize         int32
}

type JobsConfig struct {
	ReconcileInterval     time.Duration
	WebhookReplayInterval time.Duration
	ExpirePendingInterval time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		return nil, errors.New("MYSQL_DSN environment variable is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(os.Getenv("APP_BASE_URL")), "/")
	if baseURL == "" {
		return nil, errors.New("APP_BASE_URL environment variable is required")
	}
	publicURL := strings.TrimRight(getEnv("APP_PUBLIC_URL", baseURL), "/")

	return &Config{
		App: AppConfig{
			ServiceName: getEnv("APP_SERVICE_NAME", "proxy-payments-service"),
			BaseURL:     baseURL,
			PublicURL:   publicURL,
		},
		HTTP: ServerConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnv("HTTP_PORT", "8080"),
		},
		MySQL: MySQLConfig{
			DSN:             mysqlDSN,
			MaxOpenConns:    getIntEnv("MYSQL_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("MYSQL_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getMinutesEnv("MYSQL_CONN_MAX_LIFETIME_MINUTES", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:     getEnv("REDIS_URL", ""),
			LockTTL: getSecondsEnv("REDIS_LOCK_TTL_SECONDS", 30*time.Second),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		InternalEndpoints: InternalEndpointsConfig{
			AuthGRPCAddr: getEnv("AUTH_SERVICE_GRPC_ADDR", "localhost:9090"),
		},
		Stripe: StripeConfig{
			SecretKey:                 getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret:             getEnv("STRIPE_WEBHOOK_SECRET", ""),
			SignatureToleranceSeconds: int64(getIntEnv("STRIPE_SIGNATURE_TOLERANCE_SECONDS", 300)),
			HTTPTimeout:               getSecondsEnv("STRIPE_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		Cryptomus: CryptomusConfig{
			MerchantID:  getEnv("CRYPTOMUS_MERCHANT_ID", ""),
			PaymentKey:  getEnv("CRYPTOMUS_PAYMENT_KEY", ""),
			APIBaseURL:  getEnv("CRYPTOMUS_API_BASE_URL", "https://api.cryptomus.com/v1"),
			CallbackURL: getEnv("CRYPTOMUS_CALLBACK_URL", publicURL+"/webhooks/cryptomus"),
			HTTPTimeout: getSecondsEnv("CRYPTOMUS_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
		Payments: PaymentsConfig{
			EnabledProviders:     getListEnv("PAYMENTS_ENABLED_PROVIDERS", []string{"stripe", "cryptomus"}),
			SuccessPath:          getEnv("PAYMENTS_SUCCESS_PATH", "/dashboard/payments/success"),
			CancelPath:           getEnv("PAYMENTS_CANCEL_PATH", "/dashboard/payments/cancel"),
			WebhookMaxAttempts:   int32(getIntEnv("PAYMENTS_WEBHOOK_MAX_ATTEMPTS", 10)),
			WebhookRetryInterval: getMinutesEnv("PAYMENTS_WEBHOOK_RETRY_INTERVAL_MINUTES", 5*time.Minute),
			PendingTimeout:       getMinutesEnv("PAYMENTS_PENDING_TIMEOUT_MINUTES", 24*60*time.Minute),
			ReconcileStaleAfter:  getMinutesEnv("PAYMENTS_RECONCILE_STALE_AFTER_MINUTES", 15*time.Minute),
			JobBatchSize:         int32(getIntEnv("PAYMENTS_JOB_BATCH_SIZE", 100)),
		},
		Jobs: JobsConfig{
			ReconcileInterval:     getMinutesEnv("PAYMENTS_RECONCILE_INTERVAL_MINUTES", 2*time.Minute),
			WebhookReplayInterval: getMinutesEnv("PAYMENTS_WEBHOOK_REPLAY_INTERVAL_MINUTES", time.Minute),
			ExpirePendingInterval: getMinutesEnv("PAYMENTS_EXPIRE_PENDING_INTERVAL_MINUTES", 5*time.Minute),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getMinutesEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return defaultValue
	}

	items := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			items = append(items, part)
		}
	}
	return items
}
