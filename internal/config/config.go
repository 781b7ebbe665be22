package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPricingHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

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

	Redis RedisConfig

	Gateway  GatewayConfig
	Provider ProviderConfig
	Dispatch DispatchConfig

	Scheduler SchedulerConfig
	Storage   StorageConfig

	CreateRatePerSec float64
	CreateRateBurst  int

	MetricsPush MetricsPushConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// GatewayConfig configures the card payment gateway.
type GatewayConfig struct {
	Provider      string
	SecretKey     string
	WebhookSecret string
	APIBase       string
	SuccessURL    string
	CancelURL     string
	// AdyenHMACKey enables the Adyen notification endpoint when set.
	AdyenHMACKey  string
}

// ProviderConfig configures the song generation provider.
type ProviderConfig struct {
	BaseURL       string
	APIKey        string
	Model         string
	CallbackURL   string
	CallbackToken string
}

type DispatchConfig struct {
	ScheduleDelay    time.Duration
	Deadline         time.Duration
	RecoveryAfter    time.Duration
	GiveUpAfter      time.Duration
	MaxPollAttempts  int
	PollBackoffBase  time.Duration
	PollBackoffLimit time.Duration
}

type SchedulerConfig struct {
	RunInterval time.Duration
	BatchSize   int
	EnabledJobs []string
}

type StorageConfig struct {
	MirrorEnabled bool
	Dir           string
	PublicBaseURL string
}

type MetricsPushConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "melodia"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "melodia"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},

		Gateway: GatewayConfig{
			Provider:      strings.ToLower(getenv("PAYMENT_PROVIDER", "stripe")),
			SecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			WebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			APIBase:       strings.TrimRight(getenv("STRIPE_API_BASE", "https://api.stripe.com"), "/"),
			SuccessURL:    getenv("CHECKOUT_SUCCESS_URL", "http://localhost:3000/checkout/success"),
			CancelURL:     getenv("CHECKOUT_CANCEL_URL", "http://localhost:3000/checkout/cancel"),
			AdyenHMACKey:  strings.TrimSpace(getenv("ADYEN_HMAC_KEY", "")),
		},

		Provider: ProviderConfig{
			BaseURL:       strings.TrimRight(getenv("SONGGEN_BASE_URL", "https://api.sunoapi.org"), "/"),
			APIKey:        strings.TrimSpace(getenv("SONGGEN_API_KEY", "")),
			Model:         getenv("SONGGEN_MODEL", "V4_5"),
			CallbackURL:   strings.TrimSpace(getenv("SONGGEN_CALLBACK_URL", "")),
			CallbackToken: strings.TrimSpace(getenv("SONGGEN_CALLBACK_TOKEN", "")),
		},

		Dispatch: DispatchConfig{
			ScheduleDelay:    getenvDuration("DISPATCH_SCHEDULE_DELAY", 30*time.Second),
			Deadline:         getenvDuration("DISPATCH_DEADLINE", 20*time.Second),
			RecoveryAfter:    getenvDuration("DISPATCH_RECOVERY_AFTER", 2*time.Minute),
			GiveUpAfter:      getenvDuration("DISPATCH_GIVE_UP_AFTER", time.Hour),
			MaxPollAttempts:  getenvInt("DISPATCH_MAX_POLL_ATTEMPTS", 60),
			PollBackoffBase:  getenvDuration("DISPATCH_POLL_BACKOFF_BASE", 15*time.Second),
			PollBackoffLimit: getenvDuration("DISPATCH_POLL_BACKOFF_LIMIT", 2*time.Minute),
		},

		Scheduler: SchedulerConfig{
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", 10*time.Second),
			BatchSize:   getenvInt("SCHEDULER_BATCH_SIZE", 50),
			EnabledJobs: parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
		},

		Storage: StorageConfig{
			MirrorEnabled: getenvBool("STORAGE_MIRROR_ENABLED", true),
			Dir:           getenv("STORAGE_DIR", "./data/songs"),
			PublicBaseURL: strings.TrimRight(getenv("STORAGE_PUBLIC_BASE_URL", ""), "/"),
		},

		CreateRatePerSec: getenvFloat("CREATE_RATE_PER_SEC", 0.2),
		CreateRateBurst:  getenvInt("CREATE_RATE_BURST", 5),

		MetricsPush: MetricsPushConfig{
			Exporter:  strings.ToLower(strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", ""))),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
		},
	}

	return cfg
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

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
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

// getenvDuration accepts Go durations ("30s") or plain seconds ("30").
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
