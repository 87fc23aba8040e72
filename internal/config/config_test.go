package config

import (
	"context"
	"testing"
	"time"

	"github.com/gateguard/gateguard/internal/secrets"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Errorf("expected default addr :8080, got %s", cfg.Addr)
	}
	if cfg.PolicyFile != "policies.yaml" {
		t.Errorf("expected default policy file, got %s", cfg.PolicyFile)
	}
	if cfg.StoreTimeout != 250*time.Millisecond {
		t.Errorf("expected default store timeout 250ms, got %v", cfg.StoreTimeout)
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("expected default sweep interval 1m, got %v", cfg.SweepInterval)
	}
	if !cfg.AdminAuthEnabled {
		t.Error("admin auth should default to enabled")
	}
	if !cfg.PolicyWatch {
		t.Error("policy watch should default to enabled")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ADDR", ":9090")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("STORE_TIMEOUT_MS", "100")
	t.Setenv("SHUTDOWN_TIMEOUT", "5")
	t.Setenv("ADMIN_AUTH_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Addr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Addr)
	}
	if cfg.RedisURL != "redis://localhost:6379" {
		t.Errorf("unexpected redis url %s", cfg.RedisURL)
	}
	if cfg.StoreTimeout != 100*time.Millisecond {
		t.Errorf("expected 100ms, got %v", cfg.StoreTimeout)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("expected 5s, got %v", cfg.ShutdownTimeout)
	}
	if cfg.AdminAuthEnabled {
		t.Error("admin auth should be disabled")
	}
}

func TestResolveSecrets(t *testing.T) {
	store := &secrets.StaticSecretStore{Secrets: map[string]string{
		"gateguard/datastore": `{"redis_url":"redis://secret:6379","database_url":"postgres://secret/db"}`,
	}}

	cfg := &Config{DatastoreSecret: "gateguard/datastore"}
	if err := cfg.ResolveSecrets(context.Background(), store); err != nil {
		t.Fatalf("ResolveSecrets failed: %v", err)
	}
	if cfg.RedisURL != "redis://secret:6379" {
		t.Errorf("unexpected redis url %s", cfg.RedisURL)
	}
	if cfg.DatabaseURL != "postgres://secret/db" {
		t.Errorf("unexpected database url %s", cfg.DatabaseURL)
	}
}

func TestResolveSecretsEnvTakesPrecedence(t *testing.T) {
	store := &secrets.StaticSecretStore{Secrets: map[string]string{
		"gateguard/datastore": `{"redis_url":"redis://secret:6379"}`,
	}}

	cfg := &Config{
		DatastoreSecret: "gateguard/datastore",
		RedisURL:        "redis://env:6379",
	}
	if err := cfg.ResolveSecrets(context.Background(), store); err != nil {
		t.Fatalf("ResolveSecrets failed: %v", err)
	}
	if cfg.RedisURL != "redis://env:6379" {
		t.Errorf("environment value must win, got %s", cfg.RedisURL)
	}
}

func TestResolveSecretsNoopWithoutSecretName(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ResolveSecrets(context.Background(), &secrets.StaticSecretStore{}); err != nil {
		t.Errorf("no secret configured should be a no-op, got %v", err)
	}
}
