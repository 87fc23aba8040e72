package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateguard/gateguard/internal/auth"
	"github.com/gateguard/gateguard/internal/domain"
	"github.com/gateguard/gateguard/internal/enforce"
	"github.com/gateguard/gateguard/internal/policy"
	"github.com/gateguard/gateguard/internal/store"
)

type HandlerConfig struct {
	Enforcer         *enforce.Enforcer
	Directory        auth.SubjectDirectory
	Admin            *auth.AdminAuthenticator
	Table            *policy.Table
	SharedStore      store.CounterStore
	AdminAuthEnabled bool
}

// Handler is the guard's HTTP surface: the enforcement endpoint the gateway
// calls per request, plus health, metrics and the ops API.
type Handler struct {
	enforcer         *enforce.Enforcer
	admin            *auth.AdminAuthenticator
	table            *policy.Table
	sharedStore      store.CounterStore
	adminAuthEnabled bool
	mux              *http.ServeMux
	root             http.Handler
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		enforcer:         cfg.Enforcer,
		admin:            cfg.Admin,
		table:            cfg.Table,
		sharedStore:      cfg.SharedStore,
		adminAuthEnabled: cfg.AdminAuthEnabled,
		mux:              http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/enforce", h.handleEnforce)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())
	h.mux.Handle("POST /admin/reset", h.adminGuard(auth.PermissionCountersReset, http.HandlerFunc(h.handleAdminReset)))
	h.mux.Handle("GET /admin/policies", h.adminGuard(auth.PermissionPolicyRead, http.HandlerFunc(h.handleAdminPolicies)))

	var root http.Handler = h.mux
	if cfg.Directory != nil {
		root = auth.Middleware(cfg.Directory)(root)
	}
	h.root = root

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

type enforceRequest struct {
	Operation string `json:"operation"`
}

func (h *Handler) handleEnforce(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	var req enforceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Operation == "" {
		writeError(w, http.StatusBadRequest, "missing operation")
		return
	}

	subject := auth.SubjectFromContext(r.Context())
	meta := domain.RequestMeta{
		RequestID: requestID,
		ClientIP:  auth.ClientIP(r),
		Internal:  r.Header.Get("X-Internal") == "true",
	}

	decision := h.enforcer.Enforce(r.Context(), req.Operation, subject, meta)
	WriteDecision(w, decision)
}

// Middleware wraps an application handler with enforcement for embedded
// deployments, setting the rate limit headers and short-circuiting with the
// 429 contract on denial.
func (h *Handler) Middleware(operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			subject := auth.SubjectFromContext(r.Context())
			meta := domain.RequestMeta{
				RequestID: requestID,
				ClientIP:  auth.ClientIP(r),
				Internal:  r.Header.Get("X-Internal") == "true",
			}

			decision := h.enforcer.Enforce(r.Context(), operation, subject, meta)
			setRateLimitHeaders(w, decision)
			if !decision.Allowed {
				writeRateLimited(w, decision)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithDecision(r.Context(), decision)))
		})
	}
}

// WriteDecision renders the decision for the standalone enforcement
// endpoint: 200 with header metadata on admit, the 429 contract on deny.
func WriteDecision(w http.ResponseWriter, decision domain.Decision) {
	setRateLimitHeaders(w, decision)

	if !decision.Allowed {
		writeRateLimited(w, decision)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":   true,
		"allowed":   true,
		"bypassed":  decision.Bypassed,
		"degraded":  decision.Degraded,
		"limit":     decision.Limit,
		"remaining": decision.Remaining,
	})
}

func setRateLimitHeaders(w http.ResponseWriter, decision domain.Decision) {
	// Skipped and bypassed decisions carry no limit to report.
	if decision.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	if !decision.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
	}
}

func writeRateLimited(w http.ResponseWriter, decision domain.Decision) {
	retryAfter := int(decision.RetryAfter.Seconds() + 0.999)
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":    false,
		"error":      "RATE_LIMIT_EXCEEDED",
		"message":    decision.Message,
		"retryAfter": retryAfter,
		"limit":      decision.Limit,
		"remaining":  0,
		"resetTime":  decision.ResetAt.UnixMilli(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

func (h *Handler) adminGuard(permission auth.Permission, next http.Handler) http.Handler {
	if !h.adminAuthEnabled || h.admin == nil {
		return next
	}
	return h.admin.RequireAdmin(permission, next)
}
