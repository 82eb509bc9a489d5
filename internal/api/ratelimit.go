package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter limits operator API calls per client. Counters live in Redis
// when a client is configured so limits hold across replicas; otherwise an
// in-process token bucket per client is used.
type RateLimiter struct {
	redis       redis.Scripter
	logger      *zap.Logger
	config      RateLimitConfig
	localLimits sync.Map
	now         func() time.Time
}

// RateLimitConfig configures the rate limiter.
type RateLimitConfig struct {
	RequestsPerMinute int
	Endpoints         map[string]EndpointLimits
	IncludeHeaders    bool
	KeyPrefix         string
}

// EndpointLimits overrides the limit of one method and path.
type EndpointLimits struct {
	Path              string
	Method            string
	RequestsPerMinute int
	CostMultiplier    int
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Reason     string
}

// minuteWindow increments the per-minute counter and returns it with the
// window's remaining milliseconds.
var minuteWindow = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

// NewRateLimiter creates a rate limiter. client may be nil.
func NewRateLimiter(client redis.Scripter, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = DefaultEndpointLimits()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "guardduty-sentinel:ratelimit"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		redis:  client,
		logger: logger.Named("ratelimit"),
		config: cfg,
		now:    time.Now,
	}
}

// DefaultEndpointLimits makes the calls that start pipeline work cost more.
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		// lists and drains the source prefix
		"POST:/api/v1/process": {
			Path:           "/api/v1/process",
			Method:         http.MethodPost,
			CostMultiplier: 10,
		},
		"POST:/api/v1/objects": {
			Path:           "/api/v1/objects",
			Method:         http.MethodPost,
			CostMultiplier: 5,
		},
		"POST:/api/v1/findings": {
			Path:           "/api/v1/findings",
			Method:         http.MethodPost,
			CostMultiplier: 2,
		},
	}
}

// Check counts one request from clientID against endpoint.
func (rl *RateLimiter) Check(ctx context.Context, clientID, endpoint, method string) (*RateLimitResult, error) {
	limit := rl.effectiveLimit(endpoint, method)
	key := fmt.Sprintf("%s:%s:%s:%s:minute", rl.config.KeyPrefix, clientID, method, endpoint)

	if rl.redis == nil {
		return rl.checkLocal(key, limit), nil
	}

	vals, err := minuteWindow.Run(ctx, rl.redis, []string{key}, time.Minute.Milliseconds()).Int64Slice()
	if err != nil || len(vals) != 2 {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true, Limit: limit, Remaining: limit}, nil
	}

	current, ttl := int(vals[0]), time.Duration(vals[1])*time.Millisecond
	if ttl < 0 {
		ttl = time.Minute
	}
	res := &RateLimitResult{
		Allowed:   current <= limit,
		Remaining: max(limit-current, 0),
		Limit:     limit,
		ResetAt:   rl.now().Add(ttl),
	}
	if !res.Allowed {
		res.RetryAfter = ttl
		res.Reason = "Rate limit exceeded"
	}
	return res, nil
}

func (rl *RateLimiter) checkLocal(key string, limit int) *RateLimitResult {
	v, _ := rl.localLimits.LoadOrStore(key, rate.NewLimiter(rate.Limit(float64(limit)/60), limit))
	lim := v.(*rate.Limiter)

	now := rl.now()
	r := lim.ReserveN(now, 1)
	res := &RateLimitResult{Limit: limit, ResetAt: now.Add(time.Minute)}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		res.RetryAfter = delay
		res.ResetAt = now.Add(delay)
		res.Reason = "Rate limit exceeded"
		return res
	}
	res.Allowed = true
	res.Remaining = max(int(lim.TokensAt(now)), 0)
	return res
}

func (rl *RateLimiter) effectiveLimit(endpoint, method string) int {
	limit := rl.config.RequestsPerMinute
	e, ok := rl.config.Endpoints[method+":"+endpoint]
	if !ok {
		return limit
	}
	if e.RequestsPerMinute > 0 && e.RequestsPerMinute < limit {
		limit = e.RequestsPerMinute
	}
	if e.CostMultiplier > 1 {
		limit /= e.CostMultiplier
	}
	return max(limit, 1)
}

// Middleware rejects clients over their limit with 429.
func (rl *RateLimiter) Middleware(getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := ""
			if getClientID != nil {
				clientID = getClientID(r)
			}
			if clientID == "" {
				clientID = getClientIP(r)
			}

			result, err := rl.Check(r.Context(), clientID, r.URL.Path, r.Method)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				retryAfter := int(result.RetryAfter.Round(time.Second).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(max(retryAfter, 1)))
				writeJSON(w, http.StatusTooManyRequests, map[string]any{
					"error":       "rate_limit_exceeded",
					"message":     result.Reason,
					"retry_after": max(retryAfter, 1),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
