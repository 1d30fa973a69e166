package journeyapi

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/maypok86/otter"
	"golang.org/x/time/rate"

	"github.com/vitalpath/journey/internal/config"
	"github.com/vitalpath/journey/internal/observability"
	"github.com/vitalpath/journey/internal/validation"
)

// Limiter throttles point-minting requests per user with a token bucket.
// Buckets live in a bounded otter cache; an idle bucket expires and the user
// starts again with a full burst.
type Limiter struct {
	buckets otter.Cache[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

// NewLimiter builds a limiter from cfg.
func NewLimiter(cfg *config.RateLimitConfig) (*Limiter, error) {
	validation.AssertNotNil(cfg, "rate limit config")

	buckets, err := otter.MustBuilder[string, *rate.Limiter](cfg.MaxTrackedUsers).
		WithTTL(cfg.IdleTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build limiter registry: %w", err)
	}

	return &Limiter{
		buckets: buckets,
		limit:   rate.Every(time.Minute / time.Duration(cfg.CompletionsPerMinute)),
		burst:   cfg.Burst,
	}, nil
}

// Allow consumes one token for userID. When the bucket is empty it returns
// false and how long until the next token.
func (l *Limiter) Allow(userID string) (bool, time.Duration) {
	bucket := l.bucket(userID)

	res := bucket.Reserve()
	if !res.OK() {
		return false, time.Minute
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

func (l *Limiter) bucket(userID string) *rate.Limiter {
	if b, ok := l.buckets.Get(userID); ok {
		return b
	}
	b := rate.NewLimiter(l.limit, l.burst)
	if l.buckets.SetIfAbsent(userID, b) {
		return b
	}
	// Lost the race to a concurrent request, or otter rejected the write.
	if existing, ok := l.buckets.Get(userID); ok {
		return existing
	}
	return b
}

// Close stops the registry's background goroutines.
func (l *Limiter) Close() {
	l.buckets.Close()
}

// Middleware rejects requests over the per-user budget with 429 and
// Retry-After. It must run after authentication.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := UserIDFromContext(r.Context())
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}

		ok, wait := l.Allow(userID)
		if !ok {
			observability.RateLimitedTotal.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeErrorResponse(w, r, http.StatusTooManyRequests, ErrorResponse{
				Code:    "ERR_RATE_LIMITED",
				Message: "Too many completion requests, try again later",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
