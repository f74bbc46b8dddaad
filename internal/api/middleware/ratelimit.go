package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdle is the least time a client must stay quiet before its
// limiter is evicted
const limiterIdle = 3 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterPool keeps one token bucket per client. Entries idle for longer
// than idle are swept, at most once per idle period; idle is never shorter
// than a full refill, so an evicted client starts over with the same
// bucket it would have had.
type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*limiterEntry
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterPool(limit rate.Limit, burst int) *limiterPool {
	idle := limiterIdle
	if refill := time.Duration(float64(burst) / float64(limit) * float64(time.Second)); refill > idle {
		idle = refill
	}
	return &limiterPool{
		m:     make(map[string]*limiterEntry),
		limit: limit,
		burst: burst,
		idle:  idle,
		now:   time.Now,
	}
}

func (p *limiterPool) Allow(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.lastSweep.IsZero() {
		p.lastSweep = now
	}
	if now.Sub(p.lastSweep) >= p.idle {
		p.sweep(now)
	}

	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.m[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// sweep must be called with mu held
func (p *limiterPool) sweep(now time.Time) {
	for key, e := range p.m {
		if now.Sub(e.lastSeen) >= p.idle {
			delete(p.m, key)
		}
	}
	p.lastSweep = now
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// RateLimit limits each client IP to requestsPerMinute, allowing bursts
func RateLimit(requestsPerMinute, burst int) gin.HandlerFunc {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if burst <= 0 {
		burst = 10
	}
	limiters := newLimiterPool(rate.Limit(float64(requestsPerMinute)/60), burst)

	return func(c *gin.Context) {
		if !limiters.Allow(c.ClientIP()) {
			c.Header("Retry-After", strconv.Itoa(60/requestsPerMinute+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
