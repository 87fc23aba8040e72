// Package auth resolves the calling subject for enforcement and guards the
// admin API. Subjects are looked up by API key; anonymous requests carry
// the client IP as their stable identifier.
package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gateguard/gateguard/internal/domain"
)

// SubjectDirectory looks up subjects by their hashed API key.
type SubjectDirectory interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*domain.Subject, error)
}

// HashAPIKey derives the stored lookup key from a raw API key.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// ExtractAPIKey reads the key from the Authorization bearer header or the
// X-API-Key header.
func ExtractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// ClientIP is the stable anonymous identifier for unauthenticated traffic.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type contextKey string

const subjectContextKey contextKey = "subject"

func WithSubject(ctx context.Context, subject *domain.Subject) context.Context {
	return context.WithValue(ctx, subjectContextKey, subject)
}

// SubjectFromContext returns the authenticated subject, or nil for
// anonymous requests.
func SubjectFromContext(ctx context.Context) *domain.Subject {
	subject, _ := ctx.Value(subjectContextKey).(*domain.Subject)
	return subject
}

// Middleware attaches the resolved subject to the request context. Requests
// without a key, or with an unknown key, proceed as anonymous; whether they
// are admitted is the policy's decision, not the authenticator's.
func Middleware(directory SubjectDirectory) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := ExtractAPIKey(r)
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			subject, err := directory.GetByAPIKey(r.Context(), apiKey)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
		})
	}
}

// PostgresSubjectDirectory backs the directory with the subjects table.
type PostgresSubjectDirectory struct {
	db *sql.DB
}

func NewPostgresSubjectDirectory(db *sql.DB) *PostgresSubjectDirectory {
	return &PostgresSubjectDirectory{db: db}
}

func (d *PostgresSubjectDirectory) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Subject, error) {
	query := `
		SELECT id, name, api_key_hash, role, tier, created_at, updated_at
		FROM subjects
		WHERE api_key_hash = $1
	`

	var s domain.Subject
	err := d.db.QueryRowContext(ctx, query, HashAPIKey(apiKey)).Scan(
		&s.ID,
		&s.Name,
		&s.APIKeyHash,
		&s.Role,
		&s.Tier,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSubjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query subject: %w", err)
	}

	return &s, nil
}

// InMemorySubjectDirectory holds subjects in memory. Used for tests and
// single-instance deployments without a database.
type InMemorySubjectDirectory struct {
	mu       sync.RWMutex
	byAPIKey map[string]*domain.Subject
}

func NewInMemorySubjectDirectory() *InMemorySubjectDirectory {
	return &InMemorySubjectDirectory{byAPIKey: make(map[string]*domain.Subject)}
}

// Add registers a subject under a raw API key.
func (d *InMemorySubjectDirectory) Add(apiKey string, subject *domain.Subject) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subject.APIKeyHash = HashAPIKey(apiKey)
	if subject.CreatedAt.IsZero() {
		subject.CreatedAt = time.Now()
	}
	subject.UpdatedAt = time.Now()
	d.byAPIKey[subject.APIKeyHash] = subject
}

func (d *InMemorySubjectDirectory) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Subject, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	subject, ok := d.byAPIKey[HashAPIKey(apiKey)]
	if !ok {
		return nil, domain.ErrSubjectNotFound
	}
	return subject, nil
}
