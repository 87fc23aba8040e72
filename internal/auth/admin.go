package auth

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/gateguard/gateguard/internal/domain"
)

type Permission string

const (
	PermissionCountersReset Permission = "counters:reset"
	PermissionPolicyRead    Permission = "policy:read"
	PermissionUsageRead     Permission = "usage:read"
)

type AdminRole string

const (
	AdminRoleOperator AdminRole = "operator"
	AdminRoleViewer   AdminRole = "viewer"
)

var adminRolePermissions = map[AdminRole][]Permission{
	AdminRoleOperator: {
		PermissionCountersReset,
		PermissionPolicyRead,
		PermissionUsageRead,
	},
	AdminRoleViewer: {
		PermissionPolicyRead,
		PermissionUsageRead,
	},
}

func HasPermission(role AdminRole, permission Permission) bool {
	for _, p := range adminRolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

type AdminUser struct {
	Username     string
	PasswordHash string
	Role         AdminRole
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// AdminAuthenticator verifies admin credentials for the ops API.
type AdminAuthenticator struct {
	mu    sync.RWMutex
	users map[string]*AdminUser
}

func NewAdminAuthenticator() *AdminAuthenticator {
	return &AdminAuthenticator{users: make(map[string]*AdminUser)}
}

func (a *AdminAuthenticator) AddUser(username, password string, role AdminRole) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[username] = &AdminUser{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
	}
	return nil
}

func (a *AdminAuthenticator) Authenticate(ctx context.Context, username, password string) (*AdminUser, error) {
	a.mu.RLock()
	user, ok := a.users[username]
	a.mu.RUnlock()
	if !ok {
		return nil, domain.ErrUnauthorized
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, domain.ErrUnauthorized
	}

	return user, nil
}

const adminUserContextKey contextKey = "admin_user"

func WithAdminUser(ctx context.Context, user *AdminUser) context.Context {
	return context.WithValue(ctx, adminUserContextKey, user)
}

func AdminUserFromContext(ctx context.Context) (*AdminUser, bool) {
	user, ok := ctx.Value(adminUserContextKey).(*AdminUser)
	return user, ok
}

// RequireAdmin authenticates the ops endpoints with HTTP basic auth and
// checks the permission for the route.
func (a *AdminAuthenticator) RequireAdmin(permission Permission, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="gateguard admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		user, err := a.Authenticate(r.Context(), username, password)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if !HasPermission(user.Role, permission) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAdminUser(r.Context(), user)))
	})
}
