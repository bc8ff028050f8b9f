package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	AuthJWTSecret string
	AuthJWTIssuer string

	Telemetry TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool
	DBSlowQuery       time.Duration
	DBLogLevel        string

	Payment PaymentConfig
	Storage StorageConfig
	Redis   RedisConfig
}

// PaymentConfig configures the outbound payment processor.
type PaymentConfig struct {
	SecretKey      string
	WebhookSecret  string
	Timeout        time.Duration
	BatchLimit     int
	DefaultDueDays int
	Currency       string
}

// StorageConfig configures the document store. Driver is s3 or memory.
type StorageConfig struct {
	Driver          string
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Prefix          string
}

// RedisConfig configures the batch lock and the webhook rate limiter.
// Empty Addr disables both.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	BatchLockTTL time.Duration
	WebhookRate  float64
	WebhookBurst int
}

// TelemetryConfig configures logging and the OTLP exporters.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OTLPEndpoint  string
	OTLPProtocol  string
	SamplingRatio float64
}

// MaxBatchSize caps a single batch invoice run regardless of configuration.
const MaxBatchSize = 100

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	batchLimit := int(getenvInt64("PAYMENT_BATCH_LIMIT", MaxBatchSize))
	if batchLimit <= 0 || batchLimit > MaxBatchSize {
		batchLimit = MaxBatchSize
	}

	cfg := Config{
		AppName:       getenv("APP_SERVICE", "backoffice"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Environment:   getenv("ENVIRONMENT", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		AuthJWTSecret: strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		AuthJWTIssuer: strings.TrimSpace(getenv("AUTH_JWT_ISSUER", "")),

		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", true),
			OTLPEndpoint:  strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OTLPProtocol:  otlpProtocol(),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "backoffice"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),
		DBSlowQuery:       getenvDuration("DATABASE_SLOW_QUERY_THRESHOLD", 200*time.Millisecond),
		DBLogLevel:        strings.ToLower(getenv("DATABASE_LOG_LEVEL", "warn")),

		Payment: PaymentConfig{
			SecretKey:      strings.TrimSpace(getenv("PAYMENT_SECRET_KEY", "")),
			WebhookSecret:  strings.TrimSpace(getenv("PAYMENT_WEBHOOK_SECRET", "")),
			Timeout:        getenvDuration("PAYMENT_PROCESSOR_TIMEOUT", 20*time.Second),
			BatchLimit:     batchLimit,
			DefaultDueDays: int(getenvInt64("PAYMENT_DEFAULT_DUE_DAYS", 30)),
			Currency:       strings.ToLower(getenv("PAYMENT_CURRENCY", "usd")),
		},
		Storage: StorageConfig{
			Driver:          strings.ToLower(getenv("STORAGE_DRIVER", "s3")),
			Bucket:          getenv("STORAGE_BUCKET", "backoffice-documents"),
			Region:          getenv("STORAGE_REGION", "us-east-1"),
			Endpoint:        strings.TrimSpace(getenv("STORAGE_ENDPOINT", "")),
			AccessKeyID:     strings.TrimSpace(getenv("STORAGE_ACCESS_KEY_ID", "")),
			SecretAccessKey: strings.TrimSpace(getenv("STORAGE_SECRET_ACCESS_KEY", "")),
			UsePathStyle:    getenvBool("STORAGE_USE_PATH_STYLE", false),
			Prefix:          strings.Trim(getenv("STORAGE_PREFIX", "invoices"), "/"),
		},
		Redis: RedisConfig{
			Addr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password:     getenv("REDIS_PASSWORD", ""),
			DB:           int(getenvInt64("REDIS_DB", 0)),
			BatchLockTTL: getenvDuration("PAYMENT_BATCH_LOCK_TTL", 10*time.Minute),
			WebhookRate:  getenvFloat("RATE_LIMIT_WEBHOOK_RATE", 20),
			WebhookBurst: int(getenvInt64("RATE_LIMIT_WEBHOOK_BURST", 40)),
		},
	}

	return cfg
}

// otlpProtocol prefers the traces-specific override when set.
func otlpProtocol() string {
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")); v != "" {
		return strings.ToLower(v)
	}
	return strings.ToLower(strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")))
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
