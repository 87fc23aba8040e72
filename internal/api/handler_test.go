package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gateguard/gateguard/internal/auth"
	"github.com/gateguard/gateguard/internal/domain"
	"github.com/gateguard/gateguard/internal/enforce"
	"github.com/gateguard/gateguard/internal/policy"
	"github.com/gateguard/gateguard/internal/store"
)

// unavailableStore reports an unreachable shared backend for readiness tests.
type unavailableStore struct{}

func (unavailableStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return 0, domain.ErrStoreUnavailable
}

func (unavailableStore) TakeTokens(ctx context.Context, key string, capacity, refillPerSecond, requested float64, now time.Time) (store.BucketResult, error) {
	return store.BucketResult{}, domain.ErrStoreUnavailable
}

func (unavailableStore) Available(ctx context.Context) bool { return false }

func (unavailableStore) Reset(ctx context.Context, subjectID, operation string) error {
	return domain.ErrStoreUnavailable
}

func testHandler(t *testing.T, policies map[string]*domain.EndpointPolicy) (*Handler, *auth.InMemorySubjectDirectory) {
	t.Helper()

	directory := auth.NewInMemorySubjectDirectory()
	directory.Add("key-u1", &domain.Subject{ID: "u1", Name: "User One", Role: "user", Tier: "free"})

	table := policy.NewTable(policies)
	enforcer := enforce.New(enforce.Config{
		Resolver: policy.NewResolver(table),
		Store:    store.NewMemoryStore(),
	})

	admin := auth.NewAdminAuthenticator()
	if err := admin.AddUser("ops", "secret", auth.AdminRoleOperator); err != nil {
		t.Fatalf("AddUser failed: %v", err)
	}

	h := NewHandler(HandlerConfig{
		Enforcer:         enforcer,
		Directory:        directory,
		Admin:            admin,
		Table:            table,
		AdminAuthEnabled: true,
	})
	return h, directory
}

func chatPolicy(perMinute int) map[string]*domain.EndpointPolicy {
	return map[string]*domain.EndpointPolicy{
		"chat.completions": {
			Operation: "chat.completions",
			Algorithm: domain.AlgorithmSlidingWindow,
			Limits:    domain.Limits{PerMinute: perMinute},
			Message:   "Rate limit exceeded. Please retry later.",
		},
	}
}

func enforceRequestBody(operation string) *strings.Reader {
	return strings.NewReader(`{"operation":"` + operation + `"}`)
}

func TestEnforceEndpointAdmits(t *testing.T) {
	h, _ := testHandler(t, chatPolicy(10))

	req := httptest.NewRequest(http.MethodPost, "/v1/enforce", enforceRequestBody("chat.completions"))
	req.Header.Set("X-API-Key", "key-u1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-RateLimit-Limit") != "10" {
		t.Errorf("unexpected limit header %q", rec.Header().Get("X-RateLimit-Limit"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "9" {
		t.Errorf("unexpected remaining header %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("reset header missing")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("request id header missing")
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if body["allowed"] != true {
		t.Errorf("expected allowed=true, got %v", body["allowed"])
	}
}

func TestEnforceEndpointRejects(t *testing.T) {
	h, _ := testHandler(t, chatPolicy(1))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/enforce", enforceRequestBody("chat.completions"))
		req.Header.Set("X-API-Key", "key-u1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	send()
	rec := send()

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Errorf("Retry-After must be a whole number of seconds >= 1, got %q", rec.Header().Get("Retry-After"))
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if body["success"] != false {
		t.Errorf("expected success=false, got %v", body["success"])
	}
	if body["error"] != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("unexpected error code %v", body["error"])
	}
	if body["message"] != "Rate limit exceeded. Please retry later." {
		t.Errorf("unexpected message %v", body["message"])
	}
	if body["remaining"] != float64(0) {
		t.Errorf("expected remaining 0, got %v", body["remaining"])
	}
	if _, ok := body["resetTime"]; !ok {
		t.Error("resetTime missing from rejection body")
	}
	if _, ok := body["timestamp"]; !ok {
		t.Error("timestamp missing from rejection body")
	}
}

func TestEnforceEndpointMissingOperation(t *testing.T) {
	h, _ := testHandler(t, chatPolicy(10))

	req := httptest.NewRequest(http.MethodPost, "/v1/enforce", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestEnforceEndpointAnonymousUsesClientIP(t *testing.T) {
	h, _ := testHandler(t, chatPolicy(1))

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/enforce", enforceRequestBody("chat.completions"))
		req.Header.Set("X-Forwarded-For", ip)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	send("10.0.0.1")
	if rec := send("10.0.0.1"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("same anonymous IP should share a counter, got %d", rec.Code)
	}
	if rec := send("10.0.0.2"); rec.Code != http.StatusOK {
		t.Errorf("a different IP should have its own counter, got %d", rec.Code)
	}
}

func TestMiddlewareShortCircuitsOnDenial(t *testing.T) {
	h, _ := testHandler(t, chatPolicy(1))

	var sawDecision bool
	app := h.Middleware("chat.completions")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawDecision = DecisionFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request should reach the app, got %d", rec.Code)
	}
	if !sawDecision {
		t.Error("the app should see the enforcement decision on the context")
	}

	rec = httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request should be rejected before the app, got %d", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	h, _ := testHandler(t, chatPolicy(10))

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestReadinessReportsDegradedStore(t *testing.T) {
	directory := auth.NewInMemorySubjectDirectory()
	table := policy.NewTable(nil)
	enforcer := enforce.New(enforce.Config{
		Resolver: policy.NewResolver(table),
		Store:    store.NewMemoryStore(),
	})

	h := NewHandler(HandlerConfig{
		Enforcer:    enforcer,
		Directory:   directory,
		Table:       table,
		SharedStore: unavailableStore{},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	// Degraded is still 200: the local fallback keeps serving.
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("expected degraded status, got %v", body["status"])
	}
	if body["store_available"] != false {
		t.Errorf("expected store_available=false, got %v", body["store_available"])
	}
}

func TestAdminResetRequiresAuth(t *testing.T) {
	h, _ := testHandler(t, chatPolicy(1))

	body := strings.NewReader(`{"subject_id":"u1","operation":"chat.completions"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/reset", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without credentials, got %d", rec.Code)
	}
}

func TestAdminResetClearsCounters(t *testing.T) {
	h, _ := testHandler(t, chatPolicy(1))

	enforceOnce := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/enforce", enforceRequestBody("chat.completions"))
		req.Header.Set("X-API-Key", "key-u1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	enforceOnce()
	if rec := enforceOnce(); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected the subject to be limited, got %d", rec.Code)
	}

	body := strings.NewReader(`{"subject_id":"u1","operation":"chat.completions"}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/reset", body)
	req.SetBasicAuth("ops", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset failed with %d: %s", rec.Code, rec.Body.String())
	}

	if rec := enforceOnce(); rec.Code != http.StatusOK {
		t.Errorf("expected admission after reset, got %d", rec.Code)
	}
}

func TestAdminResetValidatesBody(t *testing.T) {
	h, _ := testHandler(t, chatPolicy(1))

	req := httptest.NewRequest(http.MethodPost, "/admin/reset", strings.NewReader(`{"subject_id":"u1"}`))
	req.SetBasicAuth("ops", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing operation, got %d", rec.Code)
	}
}

func TestAdminPolicies(t *testing.T) {
	h, _ := testHandler(t, chatPolicy(10))

	req := httptest.NewRequest(http.MethodGet, "/admin/policies", nil)
	req.SetBasicAuth("ops", "secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Success  bool `json:"success"`
		Policies []struct {
			Operation string `json:"operation"`
			Algorithm string `json:"algorithm"`
			PerMinute int    `json:"per_minute"`
		} `json:"policies"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if len(body.Policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(body.Policies))
	}
	if body.Policies[0].Operation != "chat.completions" || body.Policies[0].PerMinute != 10 {
		t.Errorf("unexpected policy view %+v", body.Policies[0])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := testHandler(t, chatPolicy(10))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
