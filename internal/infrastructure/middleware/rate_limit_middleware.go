package middleware

import (
	"net/http"
	"sync"
	"time"

	"voicebox/pkg/config"
	"voicebox/pkg/errors"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

const defaultMaxClients = 1024

// limiterStore hands out one token bucket per client. The least recently
// seen client is evicted once maxClients is reached, so a scan from many
// addresses cannot grow it without bound.
type limiterStore struct {
	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

func newLimiterStore(r rate.Limit, burst, maxClients int) *limiterStore {
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}
	// only fails for a non-positive size
	cache, _ := lru.New[string, *rate.Limiter](maxClients)
	return &limiterStore{limiters: cache, rate: r, burst: burst}
}

func (s *limiterStore) limiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.limiters.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(s.rate, s.burst)
	s.limiters.Add(key, l)
	return l
}

// callerKey names who a request counts against: the authenticated user
// when auth ran first, the client address otherwise.
func callerKey(c *gin.Context) string {
	if username := c.GetString(ContextUsernameKey); username != "" {
		return "user:" + username
	}
	return "ip:" + c.ClientIP()
}

// NewHTTPRateLimitMiddleware throttles every control API request per
// client address and caps how many run at once.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	limits := cfg.API.RateLimiting
	if !limits.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newLimiterStore(rate.Limit(limits.RequestsPerSecond), limits.Burst, limits.MaxClients)

	var inFlight chan struct{}
	if limits.MaxConcurrent > 0 {
		inFlight = make(chan struct{}, limits.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if inFlight != nil {
			select {
			case inFlight <- struct{}{}:
				defer func() { <-inFlight }()
			default:
				abortWithError(c, errors.NewServiceUnavailableError("too many concurrent requests"))
				return
			}
		}

		if !allow(c, store.limiter("ip:"+c.ClientIP())) {
			return
		}
		c.Next()
	}
}

// dialRoutes are the requests that make the node dial a peer or query the
// shared directory.
var dialRoutes = map[string]bool{
	http.MethodPost + " /api/v1/calls":          true,
	http.MethodGet + " /api/v1/users/:username": true,
}

// NewCallRateLimitMiddleware throttles call attempts and user searches per
// caller, on top of the per-address limit. Install it after auth so
// callers are counted by username.
func NewCallRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	limits := cfg.API.RateLimiting
	if !limits.Enabled || limits.CallsPerMinute <= 0 {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	burst := limits.CallBurst
	if burst <= 0 {
		burst = 1
	}
	store := newLimiterStore(rate.Limit(limits.CallsPerMinute/60), burst, limits.MaxClients)

	return func(c *gin.Context) {
		if !dialRoutes[c.Request.Method+" "+c.FullPath()] {
			c.Next()
			return
		}
		if !allow(c, store.limiter(callerKey(c))) {
			return
		}
		c.Next()
	}
}

// allow takes a token or aborts the request with a retry hint.
func allow(c *gin.Context, limiter *rate.Limiter) bool {
	if limiter.Allow() {
		return true
	}
	abortWithError(c, errors.NewRateLimitError().
		WithContext("retry_after", retryAfter(limiter).Seconds()))
	return false
}

// retryAfter is how long until the limiter grants the next token.
func retryAfter(limiter *rate.Limiter) time.Duration {
	r := limiter.Reserve()
	defer r.Cancel()
	return r.Delay()
}
