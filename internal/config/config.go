package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App       AppConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Logger    LoggerConfig
	Auth      AuthConfig
	Router    RouterConfig
	Scheduler SchedulerConfig
	WhatsApp  WhatsAppConfig
	Media     MediaConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
	// ConnectAttempts bounds the startup ping retries.
	ConnectAttempts int
	ConnectBackoff  time.Duration
	ApplicationName string
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level  string
	Format string
	// File enables a rotated log file next to stdout.
	File           string
	FileMaxSizeMB  int
	FileMaxBackups int
}

// AuthConfig defines how agent bearer tokens are verified.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
}

// RouterConfig holds the defaults of the conversation pipeline. Tenant
// settings override the per-tenant subset of these values.
type RouterConfig struct {
	HistoryWindowDays    int
	SessionMarginSeconds int
	ReopenWindowHours    int
	RatingWindow         time.Duration
	RatingCloseDelay     time.Duration
	SendAttempts         int
	SendBackoff          time.Duration
	SendTimeout          time.Duration
	GroupSendTimeout     time.Duration
	SendRatePerSecond    float64
	SendBurst            int
	TenantCacheTTL       time.Duration
	MenuCacheTTL         time.Duration
	SessionBuffer        int
}

// SchedulerConfig controls the auto-assign cadence.
type SchedulerConfig struct {
	Cadence      string
	UseRedisJobs bool
	PollInterval time.Duration
}

// WhatsAppConfig configures the whatsmeow device store.
type WhatsAppConfig struct {
	Enabled  bool
	StoreDSN string
	LogLevel string
}

// MediaConfig configures where downloaded inbound media is written.
type MediaConfig struct {
	Dir     string
	BaseURL string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	sendRate, err := strconv.ParseFloat(getEnv("ROUTER_SEND_RATE_PER_SECOND", "5"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid ROUTER_SEND_RATE_PER_SECOND: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "chatdesk"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:             os.Getenv("POSTGRES_DSN"),
			MaxConns:        maxConns,
			MinConns:        minConns,
			RunMigrations:   runMigrations,
			ConnMaxIdleSec:  connMaxIdle,
			ConnMaxLifeSec:  connMaxLife,
			ConnectAttempts: getEnvAsInt("POSTGRES_CONNECT_ATTEMPTS", 5),
			ConnectBackoff:  getEnvAsDuration("POSTGRES_CONNECT_BACKOFF", 2*time.Second),
			ApplicationName: getEnv("APP_NAME", "chatdesk"),
		},
		Redis: RedisConfig{
			Addr:        getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:    os.Getenv("REDIS_PASSWORD"),
			DB:          redisDB,
			PoolSize:    getEnvAsInt("REDIS_POOL_SIZE", 20),
			DialTimeout: getEnvAsDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		},
		Logger: LoggerConfig{
			Level:          getEnv("LOG_LEVEL", "info"),
			Format:         getEnv("LOG_FORMAT", "json"),
			File:           os.Getenv("LOG_FILE"),
			FileMaxSizeMB:  getEnvAsInt("LOG_FILE_MAX_SIZE_MB", 100),
			FileMaxBackups: getEnvAsInt("LOG_FILE_MAX_BACKUPS", 5),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
		},
		Router: RouterConfig{
			HistoryWindowDays:    getEnvAsInt("ROUTER_HISTORY_WINDOW_DAYS", 7),
			SessionMarginSeconds: getEnvAsInt("ROUTER_SESSION_MARGIN_SECONDS", 30),
			ReopenWindowHours:    getEnvAsInt("ROUTER_REOPEN_WINDOW_HOURS", 0),
			RatingWindow:         getEnvAsDuration("ROUTER_RATING_WINDOW", 24*time.Hour),
			RatingCloseDelay:     getEnvAsDuration("ROUTER_RATING_CLOSE_DELAY", 3*time.Second),
			SendAttempts:         getEnvAsInt("ROUTER_SEND_ATTEMPTS", 3),
			SendBackoff:          getEnvAsDuration("ROUTER_SEND_BACKOFF", time.Second),
			SendTimeout:          getEnvAsDuration("ROUTER_SEND_TIMEOUT", 15*time.Second),
			GroupSendTimeout:     getEnvAsDuration("ROUTER_GROUP_SEND_TIMEOUT", 45*time.Second),
			SendRatePerSecond:    sendRate,
			SendBurst:            getEnvAsInt("ROUTER_SEND_BURST", 10),
			TenantCacheTTL:       getEnvAsDuration("ROUTER_TENANT_CACHE_TTL", time.Minute),
			MenuCacheTTL:         getEnvAsDuration("ROUTER_MENU_CACHE_TTL", 5*time.Minute),
			SessionBuffer:        getEnvAsInt("ROUTER_SESSION_BUFFER", 256),
		},
		Scheduler: SchedulerConfig{
			Cadence:      getEnv("AUTO_ASSIGN_CADENCE", "*/2 * * * *"),
			UseRedisJobs: getEnvAsBool("AUTO_ASSIGN_USE_REDIS_JOBS", true),
			PollInterval: getEnvAsDuration("AUTO_ASSIGN_POLL_INTERVAL", time.Second),
		},
		WhatsApp: WhatsAppConfig{
			Enabled:  getEnvAsBool("WHATSAPP_ENABLED", false),
			StoreDSN: getEnv("WHATSAPP_STORE_DSN", os.Getenv("POSTGRES_DSN")),
			LogLevel: getEnv("WHATSAPP_LOG_LEVEL", "warn"),
		},
		Media: MediaConfig{
			Dir:     getEnv("MEDIA_DIR", "./public/media"),
			BaseURL: getEnv("MEDIA_BASE_URL", "/media"),
		},
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
