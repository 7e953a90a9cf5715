package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"meridian/internal/config"
)

func TestFromSettingsKeepsDefaults(t *testing.T) {
	cfg := FromSettings(config.RateLimitConfig{RPS: 5, MaxAge: 60})
	assert.Equal(t, 5.0, cfg.RPS)
	assert.Equal(t, 20, cfg.Burst)
	assert.Equal(t, time.Minute, cfg.MaxAge)
	assert.Equal(t, 5*time.Minute, cfg.CleanupInterval)
}

func TestMiddlewareLimitsPerClient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := New(Config{RPS: 1, Burst: 2, CleanupInterval: time.Minute, MaxAge: time.Minute})

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for range 3 {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEvictDropsIdleClients(t *testing.T) {
	l := New(Config{RPS: 1, Burst: 1, CleanupInterval: time.Minute, MaxAge: time.Minute})
	c := l.client("10.0.0.1")
	c.lastSeen = time.Now().Add(-2 * time.Minute)

	l.evict(time.Now())
	assert.Empty(t, l.clients)
}
