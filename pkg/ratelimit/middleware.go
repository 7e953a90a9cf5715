package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"meridian/internal/config"
	"meridian/pkg/metrics"
)

type client struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

type Config struct {
	RPS             float64
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

func DefaultConfig() Config {
	return Config{
		RPS:             10.0,
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// FromSettings fills the unset fields of the configured limits from
// DefaultConfig. Intervals in the settings are in seconds.
func FromSettings(s config.RateLimitConfig) Config {
	cfg := DefaultConfig()
	if s.RPS > 0 {
		cfg.RPS = s.RPS
	}
	if s.Burst > 0 {
		cfg.Burst = s.Burst
	}
	if s.CleanupInterval > 0 {
		cfg.CleanupInterval = time.Duration(s.CleanupInterval) * time.Second
	}
	if s.MaxAge > 0 {
		cfg.MaxAge = time.Duration(s.MaxAge) * time.Second
	}
	return cfg
}

// Limiter keeps one token bucket per client IP.
type Limiter struct {
	cfg     Config
	mu      sync.RWMutex
	clients map[string]*client
}

func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, clients: make(map[string]*client)}
}

// Run evicts idle clients until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evict(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (l *Limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, c := range l.clients {
		c.mu.Lock()
		idle := now.Sub(c.lastSeen)
		c.mu.Unlock()
		if idle > l.cfg.MaxAge {
			delete(l.clients, ip)
		}
	}
}

func (l *Limiter) client(ip string) *client {
	l.mu.RLock()
	c, ok := l.clients[ip]
	l.mu.RUnlock()
	if ok {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok = l.clients[ip]; !ok {
		c = &client{limiter: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)}
		l.clients[ip] = c
	}
	return c
}

func (l *Limiter) Middleware() gin.HandlerFunc {
	limit := strconv.Itoa(int(l.cfg.RPS))
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = c.RemoteIP()
		}

		cl := l.client(ip)
		cl.mu.Lock()
		cl.lastSeen = time.Now()
		cl.mu.Unlock()

		c.Header("X-RateLimit-Limit", limit)
		if !cl.limiter.Allow() {
			metrics.RateLimitRequestsTotal.WithLabelValues("limited").Inc()
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"error_code": "RATE_LIMIT_EXCEEDED",
			})
			return
		}

		metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
		remaining := max(int(cl.limiter.Tokens()), 0)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Next()
	}
}
