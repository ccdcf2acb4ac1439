package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    = 2
	defaultMaxIdentities       = 10000
	defaultGlobalRPS           = 100
	defaultIdentityRPS         = 20
	defaultUnAuthRPS           = 10
	rateLimiterCleanupInterval = 5 * time.Minute
	rateLimiterIdleTimeout     = 1 * time.Hour
)

type (
	// RateLimiter decides whether a request may proceed. identity is empty for
	// unauthenticated requests.
	RateLimiter interface {
		Allow(identity string) bool
	}

	// InMemoryRateLimiter is a token-bucket RateLimiter for a single API node.
	//
	// Requests first draw from a global bucket, then from the caller's own bucket or,
	// for unauthenticated requests, from a shared one. Identity buckets idle longer
	// than the idle timeout are dropped. Once MaxIdentities buckets exist, new
	// identities share the unauthenticated bucket until cleanup frees room.
	InMemoryRateLimiter struct {
		global          *rate.Limiter
		unauthenticated *rate.Limiter

		mu          sync.RWMutex
		perIdentity map[string]*identityLimiter

		identityRPS     int
		identityBurst   int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxIdentities   int

		stopOnce sync.Once
		done     chan struct{}
	}

	identityLimiter struct {
		limiter    *rate.Limiter
		mu         sync.Mutex
		lastAccess time.Time
	}
)

// NewInMemoryRateLimiter creates the limiter and starts its cleanup goroutine.
// Callers must Close it.
func NewInMemoryRateLimiter(cfg *Config) *InMemoryRateLimiter {
	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = rateLimiterCleanupInterval
	}

	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	maxIdentities := cfg.MaxIdentities
	if maxIdentities <= 0 {
		maxIdentities = defaultMaxIdentities
	}

	rl := &InMemoryRateLimiter{
		global: rate.NewLimiter(rate.Limit(cfg.GlobalRPS), computeBurstCapacity(cfg.GlobalRPS, cfg.GlobalBurst)),
		unauthenticated: rate.NewLimiter(
			rate.Limit(cfg.UnAuthRPS), computeBurstCapacity(cfg.UnAuthRPS, cfg.UnAuthBurst),
		),
		perIdentity:     make(map[string]*identityLimiter),
		identityRPS:     cfg.IdentityRPS,
		identityBurst:   computeBurstCapacity(cfg.IdentityRPS, cfg.IdentityBurst),
		cleanupInterval: cleanupInterval,
		idleTimeout:     idleTimeout,
		maxIdentities:   maxIdentities,
		done:            make(chan struct{}),
	}

	go rl.runCleanup()

	return rl
}

// computeBurstCapacity returns burstOverride, or 2 × rate when it is 0.
func computeBurstCapacity(rate, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rate * burstCapacityMultiplier
}

// Allow implements RateLimiter.
func (rl *InMemoryRateLimiter) Allow(identity string) bool {
	if !rl.global.Allow() {
		return false
	}

	if identity == "" {
		return rl.unauthenticated.Allow()
	}

	il := rl.limiterFor(identity)
	if il == nil {
		return rl.unauthenticated.Allow()
	}

	il.mu.Lock()
	il.lastAccess = time.Now()
	il.mu.Unlock()

	return il.limiter.Allow()
}

// limiterFor returns the bucket of identity, creating it if there is room.
func (rl *InMemoryRateLimiter) limiterFor(identity string) *identityLimiter {
	rl.mu.RLock()
	il, ok := rl.perIdentity[identity]
	rl.mu.RUnlock()

	if ok {
		return il
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if il, ok = rl.perIdentity[identity]; ok {
		return il
	}

	if len(rl.perIdentity) >= rl.maxIdentities {
		slog.Warn("rate limiter identity table full, using shared bucket",
			slog.Int("max_identities", rl.maxIdentities))

		return nil
	}

	il = &identityLimiter{
		limiter:    rate.NewLimiter(rate.Limit(rl.identityRPS), rl.identityBurst),
		lastAccess: time.Now(),
	}
	rl.perIdentity[identity] = il

	return il
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (rl *InMemoryRateLimiter) Close() error {
	rl.stopOnce.Do(func() { close(rl.done) })

	return nil
}

func (rl *InMemoryRateLimiter) runCleanup() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.done:
			return
		}
	}
}

// cleanup drops identity buckets idle since before now - idleTimeout.
func (rl *InMemoryRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for identity, il := range rl.perIdentity {
		il.mu.Lock()
		lastAccess := il.lastAccess
		il.mu.Unlock()

		if now.Sub(lastAccess) > rl.idleTimeout {
			delete(rl.perIdentity, identity)
		}
	}
}

func (rl *InMemoryRateLimiter) trackedIdentities() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return len(rl.perIdentity)
}

// RateLimit returns a middleware that answers 429 when limiter refuses a request.
// It must run after Authenticate so the caller's identity is known.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := ""
			if caller, ok := GetIdentity(r.Context()); ok {
				identity = caller.Email
			}

			if !limiter.Allow(identity) {
				w.Header().Set("Retry-After", "1")
				writeProblem(w, r, logger, http.StatusTooManyRequests,
					"Rate limit exceeded. Please retry after some time.")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
