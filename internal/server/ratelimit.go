package server

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter limits requests per client. Clients are identified by their
// API key name when authenticated, by remote IP otherwise.
type RateLimiter struct {
	perMinute int
	burst     int
	idleTTL   time.Duration
	now       func() time.Time

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// pruneThreshold is the client count above which idle limiters are dropped.
const pruneThreshold = 1024

// NewRateLimiter allows perMinute requests per client with the given burst.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if burst <= 0 {
		burst = perMinute
	}
	return &RateLimiter{
		perMinute: perMinute,
		burst:     burst,
		idleTTL:   10 * time.Minute,
		now:       time.Now,
		clients:   make(map[string]*clientLimiter),
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if len(rl.clients) > pruneThreshold {
		for k, c := range rl.clients {
			if now.Sub(c.lastSeen) > rl.idleTTL {
				delete(rl.clients, k)
			}
		}
	}

	c, ok := rl.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(float64(rl.perMinute)/60), rl.burst)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter
}

// Middleware rejects requests over the limit with 429 and writes normalized
// x-ratelimit-* headers on every response.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKeyFor(r)
		lim := rl.limiterFor(key)
		allowed := lim.AllowN(rl.now(), 1)

		h := w.Header()
		h.Set("x-ratelimit-limit-requests", strconv.Itoa(rl.perMinute))
		remaining := int(math.Max(0, math.Floor(lim.TokensAt(rl.now()))))
		h.Set("x-ratelimit-remaining-requests", strconv.Itoa(remaining))

		if !allowed {
			h.Set("Retry-After", "60")
			AddLogField(r.Context(), "rate_limited", key)
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: errorDetail{
				Kind:    "rate_limited",
				Message: "Too many requests. Please slow down.",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKeyFor(r *http.Request) string {
	if c := GetClient(r.Context()); c != nil {
		return "client:" + c.Name
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
