// Package secrets resolves startup credentials from AWS Secrets Manager so
// datastore URLs do not have to live in plain environment variables.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// DatastoreCredentials is the JSON shape of the guard's datastore secret.
type DatastoreCredentials struct {
	RedisURL    string `json:"redis_url"`
	DatabaseURL string `json:"database_url"`
}

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
	GetSecretJSON(ctx context.Context, name string, v interface{}) error
}

// AWSSecretsManager fetches secrets with a short-lived cache so restart
// storms do not hammer the API.
type AWSSecretsManager struct {
	client *secretsmanager.Client
	mu     sync.RWMutex
	cache  map[string]*cachedSecret
	ttl    time.Duration
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSSecretsManagerWithConfig(cfg), nil
}

func NewAWSSecretsManagerWithConfig(cfg aws.Config) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]*cachedSecret),
		ttl:    5 * time.Minute,
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok && time.Now().Before(cached.expiresAt) {
		s.mu.RUnlock()
		return cached.value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	value := ""
	if result.SecretString != nil {
		value = *result.SecretString
	}

	s.mu.Lock()
	s.cache[name] = &cachedSecret{
		value:     value,
		expiresAt: time.Now().Add(s.ttl),
	}
	s.mu.Unlock()

	return value, nil
}

func (s *AWSSecretsManager) GetSecretJSON(ctx context.Context, name string, v interface{}) error {
	value, err := s.GetSecret(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(value), v); err != nil {
		return fmt.Errorf("parse secret %s: %w", name, err)
	}
	return nil
}

// StaticSecretStore serves secrets from a map. Used in tests.
type StaticSecretStore struct {
	Secrets map[string]string
}

func (s *StaticSecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	value, ok := s.Secrets[name]
	if !ok {
		return "", fmt.Errorf("secret %s not found", name)
	}
	return value, nil
}

func (s *StaticSecretStore) GetSecretJSON(ctx context.Context, name string, v interface{}) error {
	value, err := s.GetSecret(ctx, name)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(value), v)
}
