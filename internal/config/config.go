package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"agri_gateway/internal/models"
)

// Config holds configuration for the gateway. Everything is env-driven;
// tier limits can additionally be overridden from a YAML file.
type Config struct {
	HTTPPort  string
	LogLevel  string
	LogPretty bool

	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Gateway  GatewayConfig
	Tokens   TokensConfig
	Usage    UsageConfig
	Archive  ArchiveConfig

	Tiers TierTable
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// AuthConfig controls API key validation and the failed-auth throttle.
type AuthConfig struct {
	ValidationCacheTTL time.Duration
	AuthFailureLimit   int
}

// GatewayConfig controls the dispatch path.
type GatewayConfig struct {
	InternalSecret     string
	ServiceTokenSecret string
	GatewaySecret      string
	JohnDeereMCPURL    string
	UpstreamTimeout    time.Duration
	MaxBodyBytes       int64
	MaxJSONDepth       int
}

// TokensConfig controls the token lifecycle manager.
type TokensConfig struct {
	EncryptionKey  string // base64-encoded 16/24/32 byte key
	ClientID       string
	ClientSecret   string
	TokenURL       string
	RefreshTimeout time.Duration
	RefreshBuffer  time.Duration
	SweepBuffer    time.Duration
	SweepInterval  time.Duration // 0 disables the in-process sweeper
	CacheTTL       time.Duration
}

// UsageConfig controls the usage recording pipeline.
type UsageConfig struct {
	UseRedisQueue bool
	BatchSize     int
	BatchTimeout  time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
}

// ArchiveConfig controls the optional S3 archival sink.
type ArchiveConfig struct {
	Enabled       bool
	S3Bucket      string
	S3Region      string
	S3Prefix      string
	PodName       string
	BufferSize    int
	FlushSize     int
	FlushInterval time.Duration
}

// Load reads configuration from the environment. TIER_LIMITS_FILE, when
// set, overlays the built-in tier table.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:  getEnvString("HTTP_PORT", "8080"),
		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogPretty: getEnvBool("LOG_PRETTY", false),

		Database: DatabaseConfig{
			DSN:             getEnvString("DATABASE_URL", "postgres://postgres@localhost:5432/agrigateway?sslmode=disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
		},

		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDR", "localhost:6379"),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},

		Auth: AuthConfig{
			ValidationCacheTTL: getEnvDuration("VALIDATION_CACHE_TTL", 5*time.Minute),
			AuthFailureLimit:   getEnvInt("AUTH_FAILURE_LIMIT", 10),
		},

		Gateway: GatewayConfig{
			InternalSecret:     os.Getenv("INTERNAL_SECRET"),
			ServiceTokenSecret: os.Getenv("SERVICE_TOKEN_SECRET"),
			GatewaySecret:      os.Getenv("GATEWAY_SECRET"),
			JohnDeereMCPURL:    getEnvString("JOHN_DEERE_MCP_URL", "http://localhost:8090"),
			UpstreamTimeout:    getEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second),
			MaxBodyBytes:       getEnvInt64("MAX_BODY_BYTES", 1<<20),
			MaxJSONDepth:       getEnvInt("MAX_JSON_DEPTH", 10),
		},

		Tokens: TokensConfig{
			EncryptionKey:  os.Getenv("TOKEN_ENCRYPTION_KEY"),
			ClientID:       os.Getenv("JOHN_DEERE_CLIENT_ID"),
			ClientSecret:   os.Getenv("JOHN_DEERE_CLIENT_SECRET"),
			TokenURL:       getEnvString("JOHN_DEERE_TOKEN_URL", "https://signin.johndeere.com/oauth2/aus78tnlaysMraFhC1t7/v1/token"),
			RefreshTimeout: getEnvDuration("TOKEN_REFRESH_TIMEOUT", 15*time.Second),
			RefreshBuffer:  getEnvDuration("TOKEN_REFRESH_BUFFER", 5*time.Minute),
			SweepBuffer:    getEnvDuration("TOKEN_SWEEP_BUFFER", 20*time.Minute),
			SweepInterval:  getEnvDuration("TOKEN_SWEEP_INTERVAL", 0),
			CacheTTL:       getEnvDuration("TOKEN_CACHE_TTL", 5*time.Minute),
		},

		Usage: UsageConfig{
			UseRedisQueue: getEnvBool("USAGE_QUEUE_REDIS", false),
			BatchSize:     getEnvInt("USAGE_BATCH_SIZE", 100),
			BatchTimeout:  getEnvDuration("USAGE_BATCH_TIMEOUT", 5*time.Second),
			MaxRetries:    getEnvInt("USAGE_MAX_RETRIES", 3),
			RetryBackoff:  getEnvDuration("USAGE_RETRY_BACKOFF", 1*time.Second),
		},

		Archive: ArchiveConfig{
			Enabled:       getEnvBool("ARCHIVE_ENABLED", false),
			S3Bucket:      os.Getenv("ARCHIVE_S3_BUCKET"),
			S3Region:      getEnvString("ARCHIVE_S3_REGION", "us-east-1"),
			S3Prefix:      getEnvString("ARCHIVE_S3_PREFIX", "usage/"),
			PodName:       getEnvString("POD_NAME", "gateway-0"),
			BufferSize:    getEnvInt("ARCHIVE_BUFFER_SIZE", 1000),
			FlushSize:     getEnvInt("ARCHIVE_FLUSH_SIZE", 100),
			FlushInterval: getEnvDuration("ARCHIVE_FLUSH_INTERVAL", 30*time.Second),
		},

		Tiers: DefaultTierTable(),
	}

	if path := os.Getenv("TIER_LIMITS_FILE"); path != "" {
		if err := cfg.Tiers.LoadFile(path); err != nil {
			return nil, fmt.Errorf("failed to load tier limits from %s: %w", path, err)
		}
	}

	if cfg.Tokens.EncryptionKey == "" {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY is required")
	}
	if cfg.Gateway.InternalSecret == "" {
		return nil, fmt.Errorf("INTERNAL_SECRET is required")
	}
	if cfg.Gateway.ServiceTokenSecret == "" {
		return nil, fmt.Errorf("SERVICE_TOKEN_SECRET is required")
	}

	return cfg, nil
}

// PerMinuteLimit resolves the per-minute allowance for a tier.
func (c *Config) PerMinuteLimit(tier models.Tier) int {
	return c.Tiers.Limits(tier).PerMinute
}

func getEnvString(key, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	boolVal, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return boolVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}
	return duration
}
