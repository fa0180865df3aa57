package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-netting/pkg/response"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimits are requests per minute per client
type RateLimits struct {
	Auth  float64
	Write float64
	Read  float64
}

// RateLimiter keeps one token bucket per client and route
type RateLimiter struct {
	limits RateLimits

	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewRateLimiter(limits RateLimits) *RateLimiter {
	return &RateLimiter{
		limits:   limits,
		visitors: make(map[string]*visitor),
	}
}

func perMinute(n float64) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(n / 60.0)
}

func (r *RateLimiter) limitFor(method, path string) rate.Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return perMinute(r.limits.Auth)
	case strings.HasPrefix(path, "/api/v1/"):
		if method == http.MethodGet {
			return perMinute(r.limits.Read)
		}
		return perMinute(r.limits.Write)
	default:
		return rate.Inf
	}
}

func (r *RateLimiter) getLimiter(method, path, clientID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := clientID + ":" + method + ":" + path
	v, exists := r.visitors[key]
	if !exists {
		limit := r.limitFor(method, path)
		burst := 1
		if limit != rate.Inf {
			// bursts of up to a tenth of the per-minute budget
			burst = max(1, int(float64(limit)*6))
		}
		v = &visitor{limiter: rate.NewLimiter(limit, burst)}
		r.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup drops idle visitors every minute until ctx is done
func (r *RateLimiter) Cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			for key, v := range r.visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(r.visitors, key)
				}
			}
			r.mu.Unlock()
		}
	}
}

func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString(ContextClientID)
		if clientID == "" {
			clientID = c.ClientIP()
		}

		if !r.getLimiter(c.Request.Method, c.FullPath(), clientID).Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}
