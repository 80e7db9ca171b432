package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles HTTP requests with one token bucket per caller. It
// protects the service, not the privacy budget; max_queries_per_hour is
// enforced by the ledger.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows ratePerMinute sustained requests per caller with the
// given burst.
func NewRateLimiter(ratePerMinute float64, burst int) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Limit(ratePerMinute / 60.0),
		burst:   burst,
		idle:    10 * time.Minute,
		now:     time.Now,
	}
}

// Reserve takes a token for key. It returns 0 when the request may proceed,
// otherwise how long the caller should wait.
func (rl *RateLimiter) Reserve(key string) time.Duration {
	rl.mu.Lock()
	now := rl.now()
	cl, ok := rl.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[key] = cl
	}
	cl.lastSeen = now
	rl.mu.Unlock()

	res := cl.limiter.ReserveN(now, 1)
	if !res.OK() {
		return time.Minute
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return delay
	}
	return 0
}

// Prune drops callers idle for longer than the idle period.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	n := 0
	for key, cl := range rl.clients {
		if now.Sub(cl.lastSeen) > rl.idle {
			delete(rl.clients, key)
			n++
		}
	}
	return n
}

// Run prunes periodically until stop is closed.
func (rl *RateLimiter) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rl.Prune()
		}
	}
}

// Middleware limits by authenticated account, falling back to client IP.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + clientIP(r)
		if a := AccountFromContext(r.Context()); a != nil {
			key = "account:" + a.ID
		}

		if wait := rl.Reserve(key); wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			writeJSONError(w, http.StatusTooManyRequests, "too many requests", "rate_limited")
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.burst))
		next.ServeHTTP(w, r)
	})
}
