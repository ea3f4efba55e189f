package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"voicebox/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rateLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router http.Handler, remote, xff string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remote
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	router.ServeHTTP(w, req)
	return w.Code
}

func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.RateLimiting.Enabled = false
	router := rateLimitedRouter(cfg)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1234", ""))
	}
}

func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.RateLimiting.Enabled = true
	cfg.API.RateLimiting.RequestsPerSecond = 1
	cfg.API.RateLimiting.Burst = 1
	router := rateLimitedRouter(cfg)

	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1234", ""))
	assert.Equal(t, http.StatusTooManyRequests, get(router, "10.0.0.1:1234", ""))

	// limiters are per client
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.2:1234", ""))
}

func TestHTTPRateLimitMiddleware_ForwardedFor(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.RateLimiting.Enabled = true
	cfg.API.RateLimiting.RequestsPerSecond = 1
	cfg.API.RateLimiting.Burst = 1
	router := rateLimitedRouter(cfg)

	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1234", "192.168.1.5, 10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, get(router, "10.0.0.9:1234", "192.168.1.5"))
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1234", "192.168.1.6"))
}

func TestHTTPRateLimitMiddleware_RejectionBody(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.RateLimiting.Enabled = true
	cfg.API.RateLimiting.RequestsPerSecond = 1
	cfg.API.RateLimiting.Burst = 1
	router := rateLimitedRouter(cfg)
	get(router, "10.0.0.1:1234", "")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	router.ServeHTTP(w, req)

	var body struct {
		Error   string                 `json:"error"`
		Details map[string]interface{} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body.Error)
	assert.Contains(t, body.Details, "retry_after")
}

func callLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	api := router.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		if user := c.GetHeader("X-Test-User"); user != "" {
			c.Set(ContextUsernameKey, user)
		}
		c.Next()
	})
	api.Use(NewCallRateLimitMiddleware(cfg))
	api.POST("/calls", func(c *gin.Context) { c.Status(http.StatusOK) })
	api.GET("/users/:username", func(c *gin.Context) { c.Status(http.StatusOK) })
	api.GET("/connections", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func send(router http.Handler, method, path, user, remote string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remote
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	router.ServeHTTP(w, req)
	return w.Code
}

func TestCallRateLimitMiddleware_PerCaller(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.RateLimiting.Enabled = true
	cfg.API.RateLimiting.CallsPerMinute = 1
	cfg.API.RateLimiting.CallBurst = 2
	router := callLimitedRouter(cfg)

	assert.Equal(t, http.StatusOK, send(router, http.MethodPost, "/api/v1/calls", "ops", "10.0.0.1:1"))
	assert.Equal(t, http.StatusOK, send(router, http.MethodGet, "/api/v1/users/bob", "ops", "10.0.0.1:1"))
	// searches and calls share the caller's budget, whatever address it uses
	assert.Equal(t, http.StatusTooManyRequests, send(router, http.MethodPost, "/api/v1/calls", "ops", "10.0.0.7:1"))

	// other callers and routes that do not dial are unaffected
	assert.Equal(t, http.StatusOK, send(router, http.MethodPost, "/api/v1/calls", "audit", "10.0.0.1:1"))
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, send(router, http.MethodGet, "/api/v1/connections", "ops", "10.0.0.1:1"))
	}
}

func TestCallRateLimitMiddleware_AnonymousByAddress(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.RateLimiting.Enabled = true
	cfg.API.RateLimiting.CallsPerMinute = 1
	cfg.API.RateLimiting.CallBurst = 1
	router := callLimitedRouter(cfg)

	assert.Equal(t, http.StatusOK, send(router, http.MethodPost, "/api/v1/calls", "", "10.0.0.1:1"))
	assert.Equal(t, http.StatusTooManyRequests, send(router, http.MethodPost, "/api/v1/calls", "", "10.0.0.1:2"))
	assert.Equal(t, http.StatusOK, send(router, http.MethodPost, "/api/v1/calls", "", "10.0.0.2:1"))
}

func TestCallRateLimitMiddleware_DisabledWithoutCallRate(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.API.RateLimiting.Enabled = true
	cfg.API.RateLimiting.CallsPerMinute = 0
	router := callLimitedRouter(cfg)

	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, send(router, http.MethodPost, "/api/v1/calls", "ops", "10.0.0.1:1"))
	}
}

func TestLimiterStore_EvictsLeastRecentClient(t *testing.T) {
	store := newLimiterStore(1, 1, 2)

	first := store.limiter("ip:10.0.0.1")
	require.True(t, first.Allow())
	store.limiter("ip:10.0.0.2")
	store.limiter("ip:10.0.0.3")

	assert.Equal(t, 2, store.limiters.Len())
	// the evicted client starts over with a full bucket
	assert.NotSame(t, first, store.limiter("ip:10.0.0.1"))
}
