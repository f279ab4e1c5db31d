package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Settings holds environment-driven settings shared by the binaries.
type Settings struct {
	LogLevel string

	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	MigrationsDir string

	// RabbitMQ
	RabbitMQHost     string
	RabbitMQPort     string
	RabbitMQUser     string
	RabbitMQPassword string
	OutboundQueue    string
	JobIntakeQueue   string

	// Price feed
	PriceFeedAPIKey    string
	PriceFeedBaseURL   string
	PriceFeedStreamURL string
	PriceFeedPerMinute int
	PriceCacheTTL      time.Duration
	PriceTolerance     time.Duration

	// Scheduling
	LeaderScope    string
	LeaseTTL       time.Duration
	TenantID       string // pins one tenant when set
	ShardIndex     int
	ShardCount     int
	ShutdownGrace  time.Duration
	DiscoveryEvery time.Duration

	// HTTP
	OpsAddr string
	Port    string
}

// Load reads environment variables (optionally via .env) into Settings.
func Load() (*Settings, error) {
	// Ignore error so the process still starts when .env is missing.
	_ = godotenv.Load()

	s := &Settings{
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DBHost:             getEnv("DB_HOST", "localhost"),
		DBPort:             getEnv("DB_PORT", "5432"),
		DBUser:             getEnv("DB_USER", "postgres"),
		DBPassword:         os.Getenv("DB_PASSWORD"),
		DBName:             getEnv("DB_NAME", "signalcore"),
		DBSSLMode:          getEnv("DB_SSLMODE", "disable"),
		MigrationsDir:      getEnv("MIGRATIONS_DIR", "migrations"),
		RabbitMQHost:       os.Getenv("RABBITMQ_HOST"),
		RabbitMQPort:       getEnv("RABBITMQ_PORT", "5672"),
		RabbitMQUser:       getEnv("RABBITMQ_USER", "guest"),
		RabbitMQPassword:   getEnv("RABBITMQ_PASSWORD", "guest"),
		OutboundQueue:      getEnv("OUTBOUND_QUEUE", "bot_outbound"),
		JobIntakeQueue:     getEnv("JOB_INTAKE_QUEUE", "scheduler_jobs"),
		PriceFeedAPIKey:    os.Getenv("PRICE_FEED_API_KEY"),
		PriceFeedBaseURL:   os.Getenv("PRICE_FEED_BASE_URL"),
		PriceFeedStreamURL: os.Getenv("PRICE_FEED_STREAM_URL"),
		PriceFeedPerMinute: getEnvInt("PRICE_FEED_PER_MINUTE", 8),
		PriceCacheTTL:      getEnvDuration("PRICE_CACHE_TTL", 20*time.Second),
		PriceTolerance:     getEnvDuration("PRICE_TOLERANCE", 2*time.Minute),
		LeaderScope:        getEnv("LEADER_SCOPE", "scheduler"),
		LeaseTTL:           getEnvDuration("LEASE_TTL", 30*time.Second),
		TenantID:           os.Getenv("SCHEDULER_TENANT_ID"),
		ShutdownGrace:      getEnvDuration("SHUTDOWN_GRACE", 30*time.Second),
		DiscoveryEvery:     getEnvDuration("DISCOVERY_INTERVAL", time.Minute),
		OpsAddr:            getEnv("OPS_ADDR", ":9090"),
		Port:               getEnv("PORT", "8080"),
	}

	if shard := os.Getenv("SHARD"); shard != "" {
		i, n, err := ParseShard(shard)
		if err != nil {
			return nil, err
		}
		s.ShardIndex, s.ShardCount = i, n
	}
	return s, nil
}

// ParseShard parses "I/N" with 0 <= I < N.
func ParseShard(v string) (int, int, error) {
	parts := strings.SplitN(v, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid shard %q: want I/N", v)
	}
	i, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid shard index %q: %w", parts[0], err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid shard count %q: %w", parts[1], err)
	}
	if n <= 0 || i < 0 || i >= n {
		return 0, 0, fmt.Errorf("invalid shard %q: need 0 <= I < N", v)
	}
	return i, n, nil
}

// DSN is the postgres connection string built from the DB_* settings.
func (s *Settings) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		s.DBHost, s.DBUser, s.DBPassword, s.DBName, s.DBPort, s.DBSSLMode)
}

// RabbitMQURL is empty when RABBITMQ_HOST is not configured.
func (s *Settings) RabbitMQURL() string {
	if s.RabbitMQHost == "" {
		return ""
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", s.RabbitMQUser, s.RabbitMQPassword, s.RabbitMQHost, s.RabbitMQPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
