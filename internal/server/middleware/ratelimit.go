package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	limiterSweepEvery = 10 * time.Minute
	limiterIdleAfter  = 30 * time.Minute
)

type budgetKey struct {
	budget string
	host   string
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter gives every client host its own token bucket per named budget, so
// health polling and feed upgrades never starve each other. Loopback clients
// (local health checks, sidecars) are not limited.
type Limiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	clients map[budgetKey]*clientLimiter

	rejected atomic.Uint64
}

// NewLimiter creates a Limiter. Idle buckets are swept every 10 minutes
// until ctx is done.
func NewLimiter(ctx context.Context, requestsPerSecond float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		rps:     rate.Limit(requestsPerSecond),
		burst:   burst,
		clients: make(map[budgetKey]*clientLimiter),
	}
	go l.sweep(ctx)
	return l
}

func (l *Limiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-limiterIdleAfter)
			for key, cl := range l.clients {
				if cl.lastAccess.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

func (l *Limiter) allow(key budgetKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cl, ok := l.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = cl
	}
	cl.lastAccess = time.Now()
	return cl.limiter.Allow()
}

// Rejected returns how many requests were answered with 429.
func (l *Limiter) Rejected() uint64 {
	return l.rejected.Load()
}

// Budget returns middleware that charges requests to the named budget.
// The client host comes from r.RemoteAddr, which chi's RealIP rewrites.
func (l *Limiter) Budget(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host := clientHost(r.RemoteAddr)
			if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
				next.ServeHTTP(w, r)
				return
			}

			if !l.allow(budgetKey{budget: name, host: host}) {
				l.rejected.Add(1)
				log.Debug().Str("budget", name).Str("client", host).Msg("rate limited")
				http.Error(w, `{"title":"Too Many Requests","status":429,"detail":"rate limit exceeded"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientHost drops the port so one client's connections share a bucket.
func clientHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
