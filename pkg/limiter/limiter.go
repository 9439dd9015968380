// Package limiter is a per-client token-bucket pool backed by
// golang.org/x/time/rate, with middleware for both host servers.
//
// A limiter is created on first use for a key (the client IP) and dropped
// after it has not been seen for the pool's TTL. Requests over the limit are
// rejected with 429 before they reach the bridge.
package limiter

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"fetchbridge/pkg/logger"
)

const (
	defaultTTL           = 10 * time.Minute
	defaultCleanupPeriod = time.Minute
)

type entry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// Pool hands out one limiter per key.
type Pool struct {
	rps   rate.Limit
	burst int

	mu            sync.Mutex
	m             map[string]*entry
	startCleanup  sync.Once
	stopOnce      sync.Once
	stopCh        chan struct{}
	ttl           time.Duration
	cleanupPeriod time.Duration
	now           func() time.Time
}

// NewPool returns a pool allowing rps requests per second per key with the
// given burst.
func NewPool(rps float64, burst int) *Pool {
	if burst <= 0 {
		burst = 1
	}
	return &Pool{
		rps:           rate.Limit(rps),
		burst:         burst,
		m:             make(map[string]*entry),
		stopCh:        make(chan struct{}),
		ttl:           defaultTTL,
		cleanupPeriod: defaultCleanupPeriod,
		now:           time.Now,
	}
}

func (p *Pool) get(key string) *rate.Limiter {
	p.startCleanup.Do(func() { go p.cleanupLoop() })

	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.l
	}
	l := rate.NewLimiter(p.rps, p.burst)
	p.m[key] = &entry{l: l, lastSeen: now}
	return l
}

// Allow reports whether a request for key may proceed now.
func (p *Pool) Allow(key string) bool {
	return p.get(key).AllowN(p.now(), 1)
}

// Len returns the number of tracked keys.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// Close stops the cleanup goroutine.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(p.cleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.evict()
		case <-p.stopCh:
			return
		}
	}
}

// evict removes limiters unused for longer than the TTL.
func (p *Pool) evict() {
	cutoff := p.now().Add(-p.ttl)
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
}

// Middleware rejects net/http requests over the limit.
func (p *Pool) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := hostOnly(r.RemoteAddr)
		if !p.Allow(ip) {
			logger.Warn("rate_limited", "remote", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// MiddlewareFast rejects fasthttp requests over the limit.
func (p *Pool) MiddlewareFast(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ip := hostOnly(ctx.RemoteAddr().String())
		if !p.Allow(ip) {
			logger.Warn("rate_limited", "remote", ip, "path", string(ctx.Path()))
			ctx.Response.Header.Set("Retry-After", "1")
			ctx.Error(http.StatusText(http.StatusTooManyRequests), fasthttp.StatusTooManyRequests)
			return
		}
		next(ctx)
	}
}

func hostOnly(addr string) string {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return h
}
