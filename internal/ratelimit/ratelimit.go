// Package ratelimit provides per-client token bucket limiting for HTTP handlers.
package ratelimit

import (
	"math"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiting configuration.
type Config struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DefaultConfig allows 100 requests per minute per client.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 100.0 / 60.0,
		Burst:             100,
	}
}

// Enabled reports whether the configuration limits anything.
func (c Config) Enabled() bool {
	return c.RequestsPerSecond > 0 && c.Burst > 0
}

// ConfigFromEnv overlays the PIPASSIST_RATE_LIMIT env var onto cfg.
// Format: "rate:burst" (e.g., "2:50" means 2 req/s with burst of 50).
func ConfigFromEnv(cfg Config) Config {
	val := os.Getenv("PIPASSIST_RATE_LIMIT")
	if val == "" {
		return cfg
	}

	parts := strings.SplitN(val, ":", 2)
	if r, err := strconv.ParseFloat(parts[0], 64); err == nil && r > 0 {
		cfg.RequestsPerSecond = r
	}
	if len(parts) > 1 {
		if burst, err := strconv.Atoi(parts[1]); err == nil && burst > 0 {
			cfg.Burst = burst
		}
	}
	return cfg
}

const (
	evictThreshold = 1000
	idleTimeout    = 10 * time.Minute
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per client key.
type Limiter struct {
	mu        sync.Mutex
	config    Config
	clients   map[string]*client
	now       func() time.Time
	onLimited func(key string)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// OnLimited registers a callback run for every rejected request.
func OnLimited(fn func(key string)) Option {
	return func(l *Limiter) { l.onLimited = fn }
}

// New creates a Limiter with the given configuration.
func New(config Config, opts ...Option) *Limiter {
	l := &Limiter{
		config:  config,
		clients: make(map[string]*client),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow checks if a request from the given key is allowed.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= evictThreshold {
			l.evictIdle(now)
		}
		c = &client{limiter: rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.Burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

func (l *Limiter) evictIdle(now time.Time) {
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > idleTimeout {
			delete(l.clients, key)
		}
	}
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// RetryAfter is the number of seconds a rejected client should wait for one
// token.
func (l *Limiter) RetryAfter() int {
	if l.config.RequestsPerSecond <= 0 {
		return 1
	}
	return int(math.Ceil(1 / l.config.RequestsPerSecond))
}

// Middleware returns HTTP middleware that applies rate limiting.
// The key function extracts a rate limit key from the request.
func (l *Limiter) Middleware(keyFunc func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" || !l.config.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			if !l.Allow(key) {
				if l.onLimited != nil {
					l.onLimited(key)
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(l.RetryAfter()))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded, try again later"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIPKeyFunc extracts the client IP from the request for rate limiting.
func ClientIPKeyFunc(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.SplitN(forwarded, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
