package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(c *gin.Context) string

// ByClientIP charges requests to the caller's IP.
func ByClientIP(c *gin.Context) string { return c.ClientIP() }

// ByCandidate charges requests to the authenticated user, falling back to IP.
func ByCandidate(c *gin.Context) string {
	if claims := GetClaims(c); claims != nil {
		return string(claims.TokenType) + ":" + strconv.Itoa(claims.UserID)
	}
	return c.ClientIP()
}

// RateLimiter is a fixed-refill token bucket per key.
type RateLimiter struct {
	mu       sync.Mutex
	clk      clock.Clock
	buckets  map[string]*bucket
	rate     int
	interval time.Duration
	key      KeyFunc
	stop     chan struct{}
	once     sync.Once
}

type bucket struct {
	tokens   int
	lastSeen time.Time
}

// NewRateLimiter allows rate requests per interval for each key.
// Call Stop to end the stale-bucket janitor.
func NewRateLimiter(clk clock.Clock, rate int, interval time.Duration, key KeyFunc) *RateLimiter {
	rl := &RateLimiter{
		clk:      clk,
		buckets:  make(map[string]*bucket),
		rate:     rate,
		interval: interval,
		key:      key,
		stop:     make(chan struct{}),
	}
	go rl.janitor()
	return rl
}

// Allow charges one request to key.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.clk.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.rate, lastSeen: now}
		rl.buckets[key] = b
	}
	if refill := int(now.Sub(b.lastSeen)/rl.interval) * rl.rate; refill > 0 {
		b.tokens = min(b.tokens+refill, rl.rate)
		b.lastSeen = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Middleware returns a Gin middleware that rejects requests over the limit.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(rl.key(c)) {
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}

// Stop ends the janitor goroutine.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) janitor() {
	t := rl.clk.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-t.Chan():
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	cutoff := rl.clk.Now().Add(-3 * rl.interval)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, k)
		}
	}
}
