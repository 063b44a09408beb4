// Rate limiting per §5: "/route" 60/min/user, "/plan" 30/min/user,
// "/context" 60/min/user, "/apply" 10/min/user, authentication
// 10/min/ip (30 in development), registration 5/hour/ip. Grounded on
// original_source/apps/backend/api/rate_limiter.py's SimpleRateLimiter
// (a token bucket keyed by a caller-chosen string, refilled continuously
// from elapsed time rather than on a fixed tick) — reimplemented here
// over golang.org/x/time/rate.Limiter per bucket instead of hand-rolling
// the refill math, since the teacher's own go.mod already carries
// golang.org/x/time (previously only an indirect dependency of
// gin-contrib/cors; this is its first direct use in this repo).
package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/nullspire/opencircle/internal/config"
	"github.com/nullspire/opencircle/internal/handlers"
	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/requestdata"
)

// KeyFunc extracts the per-request rate-limit bucket key: a user id for
// authenticated routes, a client IP for pre-auth routes.
type KeyFunc func(c *gin.Context) string

// ByUser keys on the authenticated caller; falls back to client IP if a
// request somehow reaches this middleware unauthenticated.
func ByUser(c *gin.Context) string {
	if rd := requestdata.GetRequestData(c.Request.Context()); rd != nil {
		return rd.UserID.String()
	}
	return c.ClientIP()
}

// ByIP keys on the client's remote address, for pre-auth routes.
func ByIP(c *gin.Context) string {
	return c.ClientIP()
}

type bucketLimiter struct {
	mu       sync.Mutex
	log      *logger.Logger
	rate     rate.Limit
	burst    int
	buckets  map[string]*rate.Limiter
	category string
}

func newBucketLimiter(log *logger.Logger, category string, r rate.Limit, burst int) *bucketLimiter {
	return &bucketLimiter{
		log:      log.With("component", "middleware.RateLimit", "category", category),
		rate:     r,
		burst:    burst,
		buckets:  make(map[string]*rate.Limiter),
		category: category,
	}
}

func (b *bucketLimiter) allow(key string) bool {
	b.mu.Lock()
	limiter, ok := b.buckets[key]
	if !ok {
		limiter = rate.NewLimiter(b.rate, b.burst)
		b.buckets[key] = limiter
	}
	b.mu.Unlock()
	return limiter.Allow()
}

// RateLimit builds gin middleware for one named bucket category,
// expressed as N requests per window (e.g. perMinute(60) or perHour(5)).
func RateLimit(log *logger.Logger, category string, limit rate.Limit, burst int, key KeyFunc) gin.HandlerFunc {
	bl := newBucketLimiter(log, category, limit, burst)
	return func(c *gin.Context) {
		if !bl.allow(key(c)) {
			handlers.RespondError(c, http.StatusTooManyRequests, "rate_limit."+category, nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

func perMinute(n int) rate.Limit { return rate.Limit(float64(n) / 60.0) }
func perHour(n int) rate.Limit   { return rate.Limit(float64(n) / 3600.0) }

// RouteLimit backs §5's "/route" 60/min/user bucket — applied to the
// Chat Orchestrator's send-message endpoint, the one operation that
// actually routes a request to the upstream inference backend.
func RouteLimit(log *logger.Logger) gin.HandlerFunc {
	return RateLimit(log, "route", perMinute(60), 60, ByUser)
}

// ContextLimit backs §5's "/context" 60/min/user bucket — applied to the
// semantic/context search endpoint.
func ContextLimit(log *logger.Logger) gin.HandlerFunc {
	return RateLimit(log, "context", perMinute(60), 60, ByUser)
}

// AuthLimit backs §5's authentication bucket: 10/min/ip in production,
// 30/min/ip in development.
func AuthLimit(log *logger.Logger, cfg config.Config) gin.HandlerFunc {
	n := 10
	if cfg.Environment == config.EnvDevelopment {
		n = 30
	}
	return RateLimit(log, "auth", perMinute(n), n, ByIP)
}

// RegistrationLimit backs §5's registration bucket: 5/hour/ip.
func RegistrationLimit(log *logger.Logger) gin.HandlerFunc {
	return RateLimit(log, "registration", perHour(5), 5, ByIP)
}
