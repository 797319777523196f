package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Server
	ServerPort         string
	ServerHost         string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	MaxRequestBody     int64
	RateLimitRPS       int
	RateLimitBurst     int
	CORSAllowedOrigins []string

	// Database
	Database Database

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	StatsCacheTTL time.Duration

	// Kafka
	KafkaBrokers          []string
	KafkaSubmissionsTopic string

	// Enrichment
	EnrichmentURL     string
	EnrichmentTimeout time.Duration

	// Ingestion pipeline
	IngestMaxBatch         int
	IngestDeferPersistence bool
	MessagesFile           string
	TaskWorkers            int
	TaskQueueSize          int
	TaskAttempts           int
	TaskBaseDelay          time.Duration
}

// Database groups everything the connection manager consumes.
type Database struct {
	Host      string
	Port      string
	User      string
	Password  string
	Name      string
	AdminName string
	SSLMode   string

	PoolMin         int
	PoolMax         int
	ConnMaxLifetime time.Duration
	PoolWaitTimeout time.Duration

	ConnectTimeout time.Duration
	LoginTimeout   time.Duration
	CommandTimeout time.Duration

	InitAttempts      int
	InitBaseDelay     time.Duration
	ReconcileCooldown time.Duration
	HealthInterval    time.Duration

	FallbackEnabled bool
}

// Configured reports whether a store address was supplied at all.
func (d Database) Configured() bool {
	return strings.TrimSpace(d.Host) != ""
}

// Load reads configuration from the environment. Values from the YAML file
// named by CONFIG_FILE are used when the variable itself is unset; a file
// that cannot be read is ignored.
func Load() *Config {
	cfg, err := LoadWithFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		cfg, _ = LoadWithFile("")
	}
	return cfg
}

// LoadWithFile is Load with an explicit overlay file. An empty path means
// environment and defaults only.
func LoadWithFile(path string) (*Config, error) {
	src := source{file: map[string]string{}}
	if path != "" {
		content, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(content, &src.file); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	return src.build(), nil
}

type source struct {
	file map[string]string
}

func (s source) build() *Config {
	return &Config{
		ServerPort:         s.getEnv("SERVER_PORT", "8000"),
		ServerHost:         s.getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:        s.getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:       s.getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody:     int64(s.getIntEnv("MAX_REQUEST_BODY_BYTES", 1024*1024)),
		RateLimitRPS:       s.getIntEnv("RATE_LIMIT_RPS", 50),
		RateLimitBurst:     s.getIntEnv("RATE_LIMIT_BURST", 100),
		CORSAllowedOrigins: s.getStringSliceEnv("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://frontend:3000"}),

		Database: Database{
			Host:      s.getEnv("DB_HOST", ""),
			Port:      s.getEnv("DB_PORT", "5432"),
			User:      s.getEnv("DB_USER", "randomcorp"),
			Password:  s.getEnv("DB_PASSWORD", ""),
			Name:      s.getEnv("DB_NAME", "randomcorp"),
			AdminName: s.getEnv("DB_ADMIN_NAME", "postgres"),
			SSLMode:   s.getEnv("DB_SSLMODE", "disable"),

			PoolMin:         s.getIntEnv("DB_POOL_MIN", 2),
			PoolMax:         s.getIntEnv("DB_POOL_MAX", 10),
			ConnMaxLifetime: s.getDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			PoolWaitTimeout: s.getDuration("DB_POOL_WAIT_TIMEOUT", 5*time.Second),

			ConnectTimeout: s.getDuration("DB_CONNECT_TIMEOUT", 30*time.Second),
			LoginTimeout:   s.getDuration("DB_LOGIN_TIMEOUT", 30*time.Second),
			CommandTimeout: s.getDuration("DB_COMMAND_TIMEOUT", 30*time.Second),

			InitAttempts:      s.getIntEnv("DB_INIT_ATTEMPTS", 5),
			InitBaseDelay:     s.getDuration("DB_INIT_BASE_DELAY", 2*time.Second),
			ReconcileCooldown: s.getDuration("DB_RECONCILE_COOLDOWN", 10*time.Second),
			HealthInterval:    s.getDuration("DB_HEALTH_INTERVAL", 30*time.Second),

			FallbackEnabled: s.getBoolEnv("DB_FALLBACK_ENABLED", true),
		},

		RedisHost:     s.getEnv("REDIS_HOST", ""),
		RedisPort:     s.getEnv("REDIS_PORT", "6379"),
		RedisPassword: s.getEnv("REDIS_PASSWORD", ""),
		RedisDB:       s.getIntEnv("REDIS_DB", 0),
		StatsCacheTTL: s.getDuration("STATS_CACHE_TTL", 5*time.Second),

		KafkaBrokers:          s.getStringSliceEnv("KAFKA_BROKERS", nil),
		KafkaSubmissionsTopic: s.getEnv("KAFKA_SUBMISSIONS_TOPIC", "submissions.accepted"),

		EnrichmentURL:     s.getEnv("ENRICHMENT_URL", ""),
		EnrichmentTimeout: s.getDuration("ENRICHMENT_TIMEOUT", 3*time.Second),

		IngestMaxBatch:         s.getIntEnv("INGEST_MAX_BATCH", 10),
		IngestDeferPersistence: s.getBoolEnv("INGEST_DEFER_PERSISTENCE", false),
		MessagesFile:           s.getEnv("MESSAGES_FILE", ""),
		TaskWorkers:            s.getIntEnv("TASK_WORKERS", 4),
		TaskQueueSize:          s.getIntEnv("TASK_QUEUE_SIZE", 256),
		TaskAttempts:           s.getIntEnv("TASK_ATTEMPTS", 3),
		TaskBaseDelay:          s.getDuration("TASK_BASE_DELAY", 200*time.Millisecond),
	}
}

func (s source) lookup(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return s.file[key]
}

func (s source) getEnv(key, defaultValue string) string {
	if value := s.lookup(key); value != "" {
		return value
	}
	return defaultValue
}

func (s source) getIntEnv(key string, defaultValue int) int {
	if value := s.lookup(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func (s source) getBoolEnv(key string, defaultValue bool) bool {
	if value := s.lookup(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (s source) getStringSliceEnv(key string, defaultValue []string) []string {
	value := s.lookup(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getDuration never returns an unbounded value: zero or negative input
// falls back to the default.
func (s source) getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := s.lookup(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil && duration > 0 {
			return duration
		}
	}
	return defaultValue
}
