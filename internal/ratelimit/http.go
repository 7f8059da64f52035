// Package ratelimit implements a lock-free rate limiter backed by a CAS
// loop over an immutable {cycle, permits, waitNanos} state triple, ported
// from the reservation algorithm in resilience4j's AtomicRateLimiter. It
// also provides a generic event bus for permit outcomes and a
// per-client-IP HTTP middleware built on top of the limiter.
package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dskow/resiliency-core/internal/config"
	"github.com/dskow/resiliency-core/internal/metrics"
	"github.com/dskow/resiliency-core/internal/routing"
)

type client struct {
	limiter  *AtomicRateLimiter
	lastSeen time.Time
}

// clientKey identifies a per-client bucket. The composite key encodes IP
// and the applicable config so different route overrides get separate
// buckets for the same IP.
type clientKey struct {
	ip  string
	cfg Config
}

// ClientLimiter tracks a per-client-IP AtomicRateLimiter and performs
// periodic cleanup of stale entries.
type ClientLimiter struct {
	mu           sync.RWMutex
	clients      map[clientKey]*client
	cfg          Config
	routes       []config.RouteConfig
	trustedCIDRs []*net.IPNet
	logger       *slog.Logger
	stopCh       chan struct{}
}

// Pre-serialized 429 JSON body avoids json.Encoder allocation per rejection.
var errBodyTooManyRequests = []byte(`{"error":"Too Many Requests","message":"rate limit exceeded, retry later"}` + "\n")

// NewClientLimiter creates a ClientLimiter with the given global rate
// limit settings and route-level overrides. It starts a background
// goroutine that cleans up stale client entries every minute.
// trustedProxies is a list of CIDR strings (e.g. "10.0.0.0/8") whose
// X-Forwarded-For headers are trusted.
func NewClientLimiter(cfg config.RateLimitConfig, routes []config.RouteConfig, trustedProxies []string, logger *slog.Logger) *ClientLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	cidrs := parseCIDRs(trustedProxies, logger)
	cl := &ClientLimiter{
		clients:      make(map[clientKey]*client),
		cfg:          configFromGateway(cfg),
		routes:       routes,
		trustedCIDRs: cidrs,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
	go cl.cleanup()
	return cl
}

func configFromGateway(cfg config.RateLimitConfig) Config {
	return Config{
		LimitForPeriod:     cfg.LimitForPeriod,
		LimitRefreshPeriod: cfg.LimitRefreshPeriod,
		TimeoutDuration:    cfg.TimeoutDuration,
	}
}

func parseCIDRs(cidrs []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("invalid trusted proxy CIDR, skipping", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// Stop terminates the background cleanup goroutine.
func (cl *ClientLimiter) Stop() {
	close(cl.stopCh)
}

// UpdateConfig hot-reloads the global rate limit settings and route
// overrides. Existing per-client limiters are cleared so new limits take
// effect immediately.
func (cl *ClientLimiter) UpdateConfig(cfg config.RateLimitConfig, routes []config.RouteConfig) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cl.cfg = configFromGateway(cfg)
	cl.routes = routes
	cl.clients = make(map[clientKey]*client)
}

// Middleware returns an HTTP middleware that enforces rate limits.
func (cl *ClientLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := cl.clientIP(r)

			limitCfg, routePrefix := cl.limitsForPath(r.URL.Path)

			limiter := cl.getLimiter(ip, limitCfg)
			if !limiter.GetPermission(r.Context(), limitCfg.TimeoutDuration) {
				cl.logger.Warn("rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
				metrics.RateLimitHits.WithLabelValues(routePrefix).Inc()
				w.Header().Set("Retry-After", retryAfterSeconds(limitCfg))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write(errBodyTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(cfg Config) string {
	if cfg.LimitForPeriod <= 0 {
		return "1"
	}
	perPermit := cfg.LimitRefreshPeriod / time.Duration(cfg.LimitForPeriod)
	seconds := int64(perPermit / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return strconv.FormatInt(seconds, 10)
}

// clientIP extracts the real client IP. X-Forwarded-For is only trusted
// when the direct peer (RemoteAddr) is in the trusted proxies list.
func (cl *ClientLimiter) clientIP(r *http.Request) string {
	peerIP := extractIP(r.RemoteAddr)

	if len(cl.trustedCIDRs) > 0 && cl.isTrusted(peerIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				ip := strings.TrimSpace(parts[i])
				if ip != "" && !cl.isTrusted(ip) {
					return ip
				}
			}
		}
	}

	return peerIP
}

func (cl *ClientLimiter) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range cl.trustedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// limitsForPath returns the applicable limiter config and matching route
// prefix for the given path, preferring the longest matching route's
// RateOverride if one is set.
func (cl *ClientLimiter) limitsForPath(path string) (Config, string) {
	cl.mu.RLock()
	base := cl.cfg
	routes := cl.routes
	cl.mu.RUnlock()

	var bestOverride *config.RateLimitConfig
	bestLen := 0
	bestPrefix := "unknown"

	for _, route := range routes {
		if routing.MatchesPrefix(path, route.PathPrefix) && len(route.PathPrefix) > bestLen {
			bestLen = len(route.PathPrefix)
			bestPrefix = route.PathPrefix
			if route.RateOverride != nil {
				bestOverride = route.RateOverride
			}
		}
	}

	if bestOverride != nil {
		return configFromGateway(*bestOverride), bestPrefix
	}
	return base, bestPrefix
}

// getLimiter returns or creates the AtomicRateLimiter for the given
// client key. Uses RWMutex: read-lock for existing clients (common
// path), write-lock only for new insertions.
func (cl *ClientLimiter) getLimiter(ip string, cfg Config) *AtomicRateLimiter {
	key := clientKey{ip: ip, cfg: cfg}

	cl.mu.RLock()
	if c, exists := cl.clients[key]; exists {
		if time.Since(c.lastSeen) > 1*time.Minute {
			cl.mu.RUnlock()
			cl.mu.Lock()
			c.lastSeen = time.Now()
			cl.mu.Unlock()
		} else {
			cl.mu.RUnlock()
		}
		return c.limiter
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if c, exists := cl.clients[key]; exists {
		c.lastSeen = time.Now()
		return c.limiter
	}

	limiter, err := New(ip, cfg, cl.logger)
	if err != nil {
		// cfg was already validated by config.Load; fall back to the
		// package default rather than letting a malformed override
		// panic the request path.
		limiter, _ = New(ip, DefaultConfig(), cl.logger)
	}
	cl.clients[key] = &client{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

func (cl *ClientLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cl.mu.Lock()
			for key, c := range cl.clients {
				if time.Since(c.lastSeen) > 3*time.Minute {
					delete(cl.clients, key)
				}
			}
			cl.mu.Unlock()
		case <-cl.stopCh:
			return
		}
	}
}
