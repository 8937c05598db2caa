package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig sets the per-client token bucket. RPS <= 0 disables limiting.
type RateLimitConfig struct {
	RPS   float64
	Burst int
	// Entries idle longer than TTL are evicted every CleanupPeriod.
	TTL           time.Duration
	CleanupPeriod time.Duration
}

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// LimiterPool hands out one token bucket per client key.
//
// WHY EVICT?
// Every distinct client IP gets a limiter. Without a cleanup loop a long tail of
// one-off clients grows the map forever.
type LimiterPool struct {
	cfg  RateLimitConfig
	now  func() time.Time
	mu   sync.Mutex
	m    map[string]*limiterEntry
	stop chan struct{}
	once sync.Once
}

// NewLimiterPool creates the pool and starts its cleanup goroutine. Call Close to stop it.
func NewLimiterPool(cfg RateLimitConfig) *LimiterPool {
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(cfg.RPS))
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = time.Minute
	}
	p := &LimiterPool{
		cfg:  cfg,
		now:  time.Now,
		m:    make(map[string]*limiterEntry),
		stop: make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// Allow takes one token from key's bucket.
func (p *LimiterPool) Allow(key string) bool {
	p.mu.Lock()
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(rate.Limit(p.cfg.RPS), p.cfg.Burst)}
		p.m[key] = e
	}
	e.lastSeen = p.now()
	p.mu.Unlock()
	return e.l.Allow()
}

// Len reports how many clients are tracked.
func (p *LimiterPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

func (p *LimiterPool) Close() {
	p.once.Do(func() { close(p.stop) })
}

func (p *LimiterPool) cleanupLoop() {
	ticker := time.NewTicker(p.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

func (p *LimiterPool) evictIdle() {
	cutoff := p.now().Add(-p.cfg.TTL)
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
}

// RateLimit rejects clients that exhaust their bucket with 429. The key is the client
// IP; run it after chimiddleware.RealIP so proxied requests are keyed correctly.
// A nil pool disables limiting.
func RateLimit(pool *LimiterPool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if pool == nil || pool.cfg.RPS <= 0 {
			return next
		}
		retryAfter := strconv.Itoa(max(1, int(1/pool.cfg.RPS)))
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !pool.Allow(clientIP(r)) {
				w.Header().Set("Retry-After", retryAfter)
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
