package httpmiddleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// SimpleTokenBucket is an in-memory per-client rate limiter. Buckets that
// have been full and idle for idleAfter are dropped by Prune.
type SimpleTokenBucket struct {
	capacity  float64
	rate      float64 // tokens per second
	idleAfter time.Duration
	now       func() time.Time

	mu    sync.Mutex
	state map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewSimpleTokenBucket creates limiter with capacity tokens and rate per minute.
func NewSimpleTokenBucket(capacity, perMinute int) *SimpleTokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &SimpleTokenBucket{
		capacity:  float64(capacity),
		rate:      float64(perMinute) / 60,
		idleAfter: 10 * time.Minute,
		now:       time.Now,
		state:     make(map[string]*bucket),
	}
}

// KeyFunc picks the bucket for a request. An empty key falls back to the
// client IP.
type KeyFunc func(c *gin.Context) string

// GinMiddleware returns gin handler enforcing per-IP limits.
func (l *SimpleTokenBucket) GinMiddleware() gin.HandlerFunc {
	return l.GinMiddlewareBy(nil)
}

// GinMiddlewareBy enforces limits on the bucket chosen by key.
func (l *SimpleTokenBucket) GinMiddlewareBy(key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var k string
		if key != nil {
			k = key(c)
		}
		if k == "" {
			k = c.ClientIP()
		}
		if k == "" {
			k = "unknown"
		}
		if !l.Allow(k) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "message": "too many requests, slow down"})
			return
		}
		c.Next()
	}
}

// maxKeyBody bounds how much of a request body MemberKey reads.
const maxKeyBody = 64 << 10

// MemberKey keys a request on its member: the :memberId path parameter, or
// the memberId field of a JSON body. A shared kiosk then gets one bucket per
// member rather than one for the whole room. The body is restored for the
// handler.
func MemberKey(c *gin.Context) string {
	if id := c.Param("memberId"); id != "" {
		return "member:" + id
	}
	if c.Request.Body == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxKeyBody))
	c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), c.Request.Body))
	if err != nil {
		return ""
	}
	var req struct {
		MemberID string `json:"memberId"`
	}
	if json.Unmarshal(body, &req) != nil || req.MemberID == "" {
		return ""
	}
	return "member:" + req.MemberID
}

// Allow takes one token from key's bucket if one is available.
func (l *SimpleTokenBucket) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.state[key]
	if !ok {
		b = &bucket{tokens: l.capacity, last: now}
		l.state[key] = b
	}
	l.refill(b, now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (l *SimpleTokenBucket) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * l.rate
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.last = now
}

// Prune drops buckets that are full again and have not been used for the
// idle period. It returns the number of buckets left.
func (l *SimpleTokenBucket) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, b := range l.state {
		idle := now.Sub(b.last) >= l.idleAfter
		l.refill(b, now)
		if idle && b.tokens >= l.capacity {
			delete(l.state, key)
		}
	}
	return len(l.state)
}
