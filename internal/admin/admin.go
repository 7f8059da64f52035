// Package admin provides read-only admin API endpoints for runtime inspection
// of gateway state. All endpoints are protected by IP allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/dskow/resiliency-core/internal/circuitbreaker"
	"github.com/dskow/resiliency-core/internal/config"
	"github.com/dskow/resiliency-core/internal/event"
	"github.com/dskow/resiliency-core/internal/ratelimit"
	"github.com/dskow/resiliency-core/internal/registry"
)

// Handler provides admin API endpoints.
type Handler struct {
	reloader        ConfigProvider
	limiterRegistry *registry.RateLimiterRegistry
	breakerRegistry *registry.BreakerRegistry
	breakerHistory  *event.CircularConsumer[circuitbreaker.Event]
	limiterHistory  *event.CircularConsumer[ratelimit.Event]
	routes          []config.RouteConfig
	allowedNets     []*net.IPNet
	logger          *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// New creates a new admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this). breakerHistory and limiterHistory feed
// /admin/events; either may be nil to omit that side of the feed.
func New(
	reloader ConfigProvider,
	limiterRegistry *registry.RateLimiterRegistry,
	breakerRegistry *registry.BreakerRegistry,
	breakerHistory *event.CircularConsumer[circuitbreaker.Event],
	limiterHistory *event.CircularConsumer[ratelimit.Event],
	routes []config.RouteConfig,
	allowlist []string,
	logger *slog.Logger,
) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:        reloader,
		limiterRegistry: limiterRegistry,
		breakerRegistry: breakerRegistry,
		breakerHistory:  breakerHistory,
		limiterHistory:  limiterHistory,
		routes:          routes,
		allowedNets:     nets,
		logger:          logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/routes", h.guard(h.routesHandler))
	mux.HandleFunc("/admin/config", h.guard(h.configHandler))
	mux.HandleFunc("/admin/limiters", h.guard(h.limitersHandler))
	mux.HandleFunc("/admin/breakers", h.guard(h.breakersHandler))
	mux.HandleFunc("/admin/events", h.guard(h.eventsHandler))
}

// guard wraps a handler with IP allowlist checking.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
				"error": "Method Not Allowed",
			})
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
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

// routeStatus is the response type for /admin/routes.
type routeStatus struct {
	PathPrefix          string   `json:"path_prefix"`
	Backend             string   `json:"backend"`
	Methods             []string `json:"methods,omitempty"`
	AuthRequired        bool     `json:"auth_required"`
	TimeoutMs           int      `json:"timeout_ms"`
	CircuitBreakerState string   `json:"circuit_breaker_state"`
}

func (h *Handler) routesHandler(w http.ResponseWriter, r *http.Request) {
	statuses := make([]routeStatus, len(h.routes))
	for i, route := range h.routes {
		cbState := "unknown"
		if cb, ok := h.breakerRegistry.Find(route.Backend); ok && cb != nil {
			cbState = cb.State().String()
		}
		statuses[i] = routeStatus{
			PathPrefix:          route.PathPrefix,
			Backend:             route.Backend,
			Methods:             route.Methods,
			AuthRequired:        route.AuthRequired,
			TimeoutMs:           route.TimeoutMs,
			CircuitBreakerState: cbState,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"routes": statuses})
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	// Deep copy and redact sensitive fields.
	redacted := *cfg
	if redacted.Auth.JWTSecret != "" {
		redacted.Auth.JWTSecret = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

// limiterEntry is one row of the /admin/limiters snapshot.
type limiterEntry struct {
	Name                 string `json:"name"`
	AvailablePermissions int64  `json:"available_permissions"`
	WaitingThreads       int64  `json:"waiting_threads"`
}

func (h *Handler) limitersHandler(w http.ResponseWriter, r *http.Request) {
	names := h.limiterRegistry.AllNames()
	entries := make([]limiterEntry, 0, len(names))
	for _, name := range names {
		rl, ok := h.limiterRegistry.Find(name)
		if !ok {
			continue
		}
		entries = append(entries, limiterEntry{
			Name:                 name,
			AvailablePermissions: rl.AvailablePermissions(),
			WaitingThreads:       rl.NumberOfWaitingThreads(),
		})
	}

	pageSize := 100
	page := 0

	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if v := parseInt(ps); v > 0 && v <= 1000 {
			pageSize = v
		}
	}
	if p := r.URL.Query().Get("page"); p != "" {
		if v := parseInt(p); v >= 0 {
			page = v
		}
	}

	total := len(entries)
	start := page * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries[start:end],
		"total":   total,
		"page":    page,
	})
}

// breakerEntry is one row of the /admin/breakers snapshot.
type breakerEntry struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	names := h.breakerRegistry.AllNames()
	entries := make([]breakerEntry, 0, len(names))
	for _, name := range names {
		cb, ok := h.breakerRegistry.Find(name)
		if !ok {
			continue
		}
		entries = append(entries, breakerEntry{Name: name, State: cb.State().String()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// breakerEventEntry is one row of the breaker side of /admin/events.
type breakerEventEntry struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	At   string `json:"at"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// limiterEventEntry is one row of the limiter side of /admin/events.
type limiterEventEntry struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	At      string `json:"at"`
	Permits int64  `json:"permits"`
}

// eventsHandler reports the last retained breaker and limiter events, most
// recent last. Either feed is omitted from the response if no history
// consumer was configured.
func (h *Handler) eventsHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{}

	if h.breakerHistory != nil {
		snapshot := h.breakerHistory.Snapshot()
		entries := make([]breakerEventEntry, len(snapshot))
		for i, e := range snapshot {
			entry := breakerEventEntry{Kind: e.Kind.String(), Name: e.Name, At: e.At.Format(timeFormat)}
			if e.Kind == circuitbreaker.EventStateTransition {
				entry.From = e.From.String()
				entry.To = e.To.String()
			}
			entries[i] = entry
		}
		resp["breaker_events"] = entries
	}

	if h.limiterHistory != nil {
		snapshot := h.limiterHistory.Snapshot()
		entries := make([]limiterEventEntry, len(snapshot))
		for i, e := range snapshot {
			entries[i] = limiterEventEntry{Kind: e.Kind.String(), Name: e.Name, At: e.At.Format(timeFormat), Permits: e.Permits}
		}
		resp["limiter_events"] = entries
	}

	writeJSON(w, http.StatusOK, resp)
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func parseInt(s string) int {
	s = strings.TrimSpace(s)
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
