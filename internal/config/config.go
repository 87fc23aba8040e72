package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gateguard/gateguard/internal/secrets"
)

type Config struct {
	Addr        string
	LogLevel    string
	RedisURL    string
	DatabaseURL string
	PolicyFile  string
	OTLPEndpoint string

	AWSRegion        string
	AlertTopicArn    string
	UsageQueueURL    string
	DatastoreSecret  string
	AdminAuthEnabled bool
	AdminUser        string
	AdminPassword    string

	StoreTimeout  time.Duration
	SweepInterval time.Duration
	PolicyWatch   bool

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:             getEnv("ADDR", ":8080"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		RedisURL:         getEnv("REDIS_URL", ""),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		PolicyFile:       getEnv("POLICY_FILE", "policies.yaml"),
		OTLPEndpoint:     getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:        getEnv("AWS_REGION", ""),
		AlertTopicArn:    getEnv("ALERT_TOPIC_ARN", ""),
		UsageQueueURL:    getEnv("USAGE_QUEUE_URL", ""),
		DatastoreSecret:  getEnv("DATASTORE_SECRET", ""),
		AdminAuthEnabled: getEnv("ADMIN_AUTH_ENABLED", "true") == "true",
		AdminUser:        getEnv("ADMIN_USER", ""),
		AdminPassword:    getEnv("ADMIN_PASSWORD", ""),
		StoreTimeout:     getMillisEnv("STORE_TIMEOUT_MS", 250*time.Millisecond),
		SweepInterval:    getDurationEnv("SWEEP_INTERVAL", time.Minute),
		PolicyWatch:      getEnv("POLICY_WATCH", "true") == "true",
		ShutdownTimeout:  getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

// ResolveSecrets fills datastore credentials from AWS Secrets Manager when
// DATASTORE_SECRET names a secret. Values already set by environment take
// precedence.
func (c *Config) ResolveSecrets(ctx context.Context, store secrets.SecretStore) error {
	if c.DatastoreSecret == "" {
		return nil
	}

	var creds secrets.DatastoreCredentials
	if err := store.GetSecretJSON(ctx, c.DatastoreSecret, &creds); err != nil {
		return fmt.Errorf("resolve datastore secret: %w", err)
	}

	if c.RedisURL == "" {
		c.RedisURL = creds.RedisURL
	}
	if c.DatabaseURL == "" {
		c.DatabaseURL = creds.DatabaseURL
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getMillisEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if millis, err := strconv.Atoi(value); err == nil {
			return time.Duration(millis) * time.Millisecond
		}
	}
	return defaultValue
}
