package middleware

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

// RateLimiter is a per-key token bucket. Keys default to the client IP.
type RateLimiter struct {
	limit rate.Limit
	burst int
	key   func(c *fiber.Ctx) string

	mu       sync.Mutex
	limiters map[string]*keyedLimiter
	idleTTL  time.Duration
	lastGC   time.Time
	now      func() time.Time
}

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	Requests int           // requests allowed per Window
	Window   time.Duration // refill window
	Burst    int           // extra burst capacity, defaults to Requests
	KeyFunc  func(c *fiber.Ctx) string
}

// NewRateLimiter creates a new per-key limiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Requests <= 0 {
		cfg.Requests = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Requests
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(c *fiber.Ctx) string { return c.IP() }
	}
	return &RateLimiter{
		limit:    rate.Limit(float64(cfg.Requests) / cfg.Window.Seconds()),
		burst:    cfg.Burst,
		key:      cfg.KeyFunc,
		limiters: make(map[string]*keyedLimiter),
		idleTTL:  10 * cfg.Window,
		now:      time.Now,
	}
}

func (rl *RateLimiter) reserve(key string) (ok bool, retryAfter time.Duration, remaining int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastGC) > rl.idleTTL {
		for k, l := range rl.limiters {
			if now.Sub(l.lastSeen) > rl.idleTTL {
				delete(rl.limiters, k)
			}
		}
		rl.lastGC = now
	}

	l, exists := rl.limiters[key]
	if !exists {
		l = &keyedLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = l
	}
	l.lastSeen = now

	r := l.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay, 0
	}
	return true, 0, int(math.Max(0, l.limiter.TokensAt(now)))
}

// Handler returns the rate limiting middleware
func (rl *RateLimiter) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		ok, retryAfter, remaining := rl.reserve(rl.key(c))
		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", rl.burst))
		c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		if !ok {
			secs := int(math.Ceil(retryAfter.Seconds()))
			c.Set(fiber.HeaderRetryAfter, fmt.Sprintf("%d", secs))
			return fiber.NewError(fiber.StatusTooManyRequests, fmt.Sprintf("rate limit exceeded, retry in %ds", secs))
		}
		return c.Next()
	}
}
