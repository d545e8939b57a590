// Package config provides configuration management for powgate.
// It handles loading configuration from environment variables with sensible defaults.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bardlex/powgate/internal/puzzle"
)

// Reward sources accepted by REWARDS_SOURCE
const (
	RewardsFromFile     = "file"
	RewardsFromRedis    = "redis"
	RewardsFromPostgres = "postgres"
)

// Config holds the configuration shared by powgated and powclient
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Network configuration
	Host string
	Port int

	// Protocol
	Difficulty      int
	MaxConnections  int
	ConnTimeout     time.Duration
	ShutdownTimeout time.Duration
	DialTimeout     time.Duration

	// Reward pool
	RewardsSource   string
	RewardsFile     string
	RewardsRedisKey string

	// Prometheus endpoint; empty disables it
	MetricsAddr string

	// Kafka configuration; no brokers disables publishing
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaEncoding string

	// Database connections; an empty URL disables the backend
	PostgresURL     string
	PostgresMigrate bool
	RedisURL        string
	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads the powgated configuration from environment variables with
// sensible defaults
func Load() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadClient is Load for powclient. Server-only settings such as the reward
// source are read but not validated.
func LoadClient() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.validateClient(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func fromEnv() *Config {
	return &Config{
		// Service defaults
		ServiceName: getEnv("SERVICE_NAME", "powgate"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Network defaults
		Host: getEnv("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 4444),

		// Protocol defaults
		Difficulty:      getEnvInt("DIFFICULTY", int(puzzle.DefaultDifficulty)),
		MaxConnections:  getEnvInt("MAX_CONNECTIONS", 1024),
		ConnTimeout:     getEnvDuration("CONN_TIMEOUT", 30*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		DialTimeout:     getEnvDuration("DIAL_TIMEOUT", 5*time.Second),

		// Reward defaults
		RewardsSource:   strings.ToLower(getEnv("REWARDS_SOURCE", RewardsFromFile)),
		RewardsFile:     getEnv("REWARDS_FILE", "rewards.txt"),
		RewardsRedisKey: getEnv("REWARDS_REDIS_KEY", "powgate:rewards"),

		MetricsAddr: getEnv("METRICS_ADDR", ""),

		// Kafka defaults
		KafkaBrokers:  getEnvSlice("KAFKA_BROKERS", nil),
		KafkaTopic:    getEnv("KAFKA_TOPIC", "powgate.attempts"),
		KafkaEncoding: getEnv("KAFKA_ENCODING", "proto"),

		// Database defaults
		PostgresURL:     getEnv("POSTGRES_URL", ""),
		PostgresMigrate: getEnvBool("POSTGRES_MIGRATE", true),
		RedisURL:        getEnv("REDIS_URL", ""),
		InfluxURL:       getEnv("INFLUX_URL", ""),
		InfluxToken:     getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:       getEnv("INFLUX_ORG", "powgate"),
		InfluxBucket:    getEnv("INFLUX_BUCKET", "powgate"),

		// Logging defaults
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Addr is HOST:PORT
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// validateClient checks the settings both binaries use
func (c *Config) validateClient() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}

	if c.ConnTimeout <= 0 || c.DialTimeout <= 0 {
		return fmt.Errorf("CONN_TIMEOUT and DIAL_TIMEOUT must be positive")
	}

	return nil
}

// validate performs full validation for the server
func (c *Config) validate() error {
	if err := c.validateClient(); err != nil {
		return err
	}

	if c.Difficulty < 0 || c.Difficulty > int(puzzle.MaxDifficulty) {
		return fmt.Errorf("DIFFICULTY must be between 0 and %d", puzzle.MaxDifficulty)
	}

	if c.MaxConnections <= 0 {
		return fmt.Errorf("MAX_CONNECTIONS must be positive")
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive")
	}

	switch c.RewardsSource {
	case RewardsFromFile:
		if c.RewardsFile == "" {
			return fmt.Errorf("REWARDS_FILE cannot be empty when REWARDS_SOURCE=file")
		}
	case RewardsFromRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when REWARDS_SOURCE=redis")
		}
	case RewardsFromPostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("POSTGRES_URL is required when REWARDS_SOURCE=postgres")
		}
	default:
		return fmt.Errorf("REWARDS_SOURCE must be one of file, redis, postgres")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvSlice splits a comma-separated value, dropping empty items
func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for item := range strings.SplitSeq(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
