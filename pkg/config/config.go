// ==============================================================================
// CONFIG PACKAGE - pkg/config/config.go
// ==============================================================================
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Service  string
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Sweeper  SweeperConfig
	KYC      KYCConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// KafkaConfig controls the audit event stream. Empty Brokers means audit
// events go to the structured log only.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

type SweeperConfig struct {
	Interval    time.Duration
	Concurrency int
	LeaseKey    string
	LeaseTTL    time.Duration

	// ReviewersFile, when set, is a JSON reviewer list upserted at startup.
	ReviewersFile string
}

// LoadDotEnv loads variables from a .env file if present. Variables already
// set in the environment win.
func LoadDotEnv(paths ...string) error {
	return godotenv.Load(paths...)
}

func Load() *Config {
	return &Config{
		Service: getEnv("SERVICE_NAME", "kyc-sweeper"),
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "9102"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      normalizeRedisURL(getEnv("REDIS_URL", "localhost:6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:  getListEnv("KAFKA_BROKERS", nil),
			Topic:    getEnv("KAFKA_AUDIT_TOPIC", "kyc.review.audit"),
			ClientID: getEnv("KAFKA_CLIENT_ID", "kyc-sweeper"),
		},
		Sweeper: SweeperConfig{
			Interval:      getDurationEnv("KYC_SWEEP_INTERVAL", time.Minute),
			Concurrency:   getIntEnv("KYC_SWEEP_CONCURRENCY", 8),
			LeaseKey:      getEnv("KYC_SWEEP_LEASE_KEY", "kyc:sweeper:lease"),
			LeaseTTL:      getDurationEnv("KYC_SWEEP_LEASE_TTL", 50*time.Second),
			ReviewersFile: getEnv("KYC_REVIEWERS_FILE", ""),
		},
		KYC: LoadKYC(),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
