package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clinicguard/pkg/access"
	"github.com/platinummonkey/clinicguard/pkg/contextkeys"
	"github.com/platinummonkey/clinicguard/pkg/rbac"
)

func slowConfig(burst int) *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond: 0.001,
		BurstSize:         burst,
		MaxKeys:           100,
		IdleTTL:           time.Minute,
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(slowConfig(3))

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("user:u1"), "request %d within burst", i)
	}
	assert.False(t, rl.Allow("user:u1"))

	// Keys are independent
	assert.True(t, rl.Allow("user:u2"))
}

func TestRateLimiter_RetryAfter(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 1, MaxKeys: 10, IdleTTL: time.Minute})
	require.True(t, rl.Allow("k"))

	retry := rl.RetryAfter("k")
	assert.Equal(t, 2*time.Second, retry)
	// Asking does not consume the next token
	assert.Equal(t, 2*time.Second, rl.RetryAfter("k"))
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(nil)
	assert.Equal(t, DefaultRateLimitConfig(), rl.config)
	assert.Less(t, ExportRateLimitConfig().RequestsPerSecond, rl.config.RequestsPerSecond)
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(slowConfig(1))
	h := RateLimitMiddleware(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	asUser := func(user string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/audit/export", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		ac := access.NewContextForTest(user, "clinic-a", []rbac.Grant{clinicAdminGrant("clinic-a")}, access.RequestMeta{})
		return req.WithContext(contextkeys.WithAccess(req.Context(), ac))
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, asUser("u1"))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, asUser("u1"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	secs, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, secs, 1)

	// Same address, different user
	w = httptest.NewRecorder()
	h.ServeHTTP(w, asUser("u2"))
	assert.Equal(t, http.StatusOK, w.Code)

	// Anonymous callers are keyed by address
	anon := httptest.NewRequest(http.MethodGet, "/audit/export", nil)
	anon.RemoteAddr = "10.0.0.1:9999"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, anon)
	assert.Equal(t, http.StatusOK, w.Code)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, anon)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
