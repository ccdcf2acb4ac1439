package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIdentity = "ada@example.com"

func countAllowed(rl RateLimiter, identity string, n int) int {
	allowed := 0

	for range n {
		if rl.Allow(identity) {
			allowed++
		}
	}

	return allowed
}

func TestRateLimiter_Tiers(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		cfg      Config
		identity string
		requests int
		want     int
	}{
		{
			name:     "global limit hit first",
			cfg:      Config{GlobalRPS: 10, GlobalBurst: 10, IdentityRPS: 50, UnAuthRPS: 2},
			identity: testIdentity,
			requests: 11,
			want:     10,
		},
		{
			name:     "identity limit",
			cfg:      Config{GlobalRPS: 100, IdentityRPS: 5, IdentityBurst: 5, UnAuthRPS: 2},
			identity: testIdentity,
			requests: 8,
			want:     5,
		},
		{
			name:     "unauthenticated limit",
			cfg:      Config{GlobalRPS: 100, IdentityRPS: 50, UnAuthRPS: 2, UnAuthBurst: 3},
			requests: 6,
			want:     3,
		},
		{
			name:     "burst defaults to twice the rate",
			cfg:      Config{GlobalRPS: 100, IdentityRPS: 4, UnAuthRPS: 2},
			identity: testIdentity,
			requests: 12,
			want:     8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := NewInMemoryRateLimiter(&tt.cfg)
			t.Cleanup(func() { _ = rl.Close() })

			assert.Equal(t, tt.want, countAllowed(rl, tt.identity, tt.requests))
		})
	}
}

func TestRateLimiter_IdentitiesAreIsolated(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 1000, IdentityRPS: 3, IdentityBurst: 3, UnAuthRPS: 1})
	t.Cleanup(func() { _ = rl.Close() })

	assert.Equal(t, 3, countAllowed(rl, "ada@example.com", 5))
	assert.Equal(t, 3, countAllowed(rl, "bob@example.com", 5))
}

func TestRateLimiter_FullTableFallsBackToSharedBucket(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS: 1000, IdentityRPS: 100, UnAuthRPS: 1, UnAuthBurst: 1, MaxIdentities: 1,
	})
	t.Cleanup(func() { _ = rl.Close() })

	require.True(t, rl.Allow("ada@example.com"))
	assert.Equal(t, 1, rl.trackedIdentities())

	assert.True(t, rl.Allow("bob@example.com"))
	assert.False(t, rl.Allow("carol@example.com"), "shared bucket exhausted")
	assert.Equal(t, 1, rl.trackedIdentities())
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 1, GlobalBurst: 50, IdentityRPS: 1000, UnAuthRPS: 1000})
	t.Cleanup(func() { _ = rl.Close() })

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)

	for i := range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			identity := []string{"ada@example.com", "bob@example.com", ""}[i%3]
			for range 10 {
				if rl.Allow(identity) {
					allowed.Add(1)
				}
			}
		}()
	}

	wg.Wait()

	assert.LessOrEqual(t, allowed.Load(), int64(51))
	assert.GreaterOrEqual(t, allowed.Load(), int64(50))
}

func TestRateLimiter_Cleanup(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{
		GlobalRPS: 100, IdentityRPS: 50, UnAuthRPS: 10, IdleTimeout: time.Minute,
	})
	t.Cleanup(func() { _ = rl.Close() })

	require.True(t, rl.Allow("stale@example.com"))
	require.True(t, rl.Allow("active@example.com"))

	rl.perIdentity["stale@example.com"].lastAccess = time.Now().Add(-2 * time.Minute)

	rl.cleanup(time.Now())

	rl.mu.RLock()
	_, staleExists := rl.perIdentity["stale@example.com"]
	_, activeExists := rl.perIdentity["active@example.com"]
	rl.mu.RUnlock()

	assert.False(t, staleExists)
	assert.True(t, activeExists)
	assert.NoError(t, rl.Close())
}

func TestRateLimitMiddleware(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rl := NewInMemoryRateLimiter(&Config{GlobalRPS: 100, IdentityRPS: 1, IdentityBurst: 1, UnAuthRPS: 1, UnAuthBurst: 1})
	t.Cleanup(func() { _ = rl.Close() })

	handler := RateLimit(rl, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(identity string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tables", nil)
		if identity != "" {
			req = req.WithContext(SetIdentity(req.Context(), Identity{Email: identity}))
		}

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		return rec
	}

	assert.Equal(t, http.StatusOK, serve(testIdentity).Code)

	blocked := serve(testIdentity)
	assert.Equal(t, http.StatusTooManyRequests, blocked.Code)
	assert.Equal(t, "application/problem+json", blocked.Header().Get("Content-Type"))
	assert.Equal(t, "1", blocked.Header().Get("Retry-After"))
	assert.Contains(t, blocked.Body.String(), "Rate limit exceeded")

	// Unauthenticated requests draw from a different bucket.
	assert.Equal(t, http.StatusOK, serve("").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve("").Code)
}

func TestConfig_Validate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	valid := Config{GlobalRPS: 100, IdentityRPS: 20, UnAuthRPS: 10, MaxIdentities: 10}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "zero global", mutate: func(c *Config) { c.GlobalRPS = 0 }},
		{name: "negative identity", mutate: func(c *Config) { c.IdentityRPS = -1 }},
		{name: "negative burst", mutate: func(c *Config) { c.UnAuthBurst = -5 }},
		{name: "no identities", mutate: func(c *Config) { c.MaxIdentities = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)

			assert.ErrorIs(t, cfg.Validate(), ErrInvalidRateLimitConfig)
		})
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("TABLEHOUSE_IDENTITY_RPS", "7")
	t.Setenv("TABLEHOUSE_RATE_LIMIT_IDLE_TIMEOUT", "30s")

	cfg := LoadConfig()

	assert.Equal(t, 7, cfg.IdentityRPS)
	assert.Equal(t, defaultGlobalRPS, cfg.GlobalRPS)
	assert.Equal(t, 30*time.Second, cfg.IdleTimeout)
	assert.Equal(t, defaultMaxIdentities, cfg.MaxIdentities)
	assert.NoError(t, cfg.Validate())
}
