// Package main is the entry point for the API gateway. It loads configuration,
// assembles the middleware stack, starts the HTTP server, and handles graceful
// shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dskow/resiliency-core/internal/admin"
	"github.com/dskow/resiliency-core/internal/auth"
	"github.com/dskow/resiliency-core/internal/circuitbreaker"
	"github.com/dskow/resiliency-core/internal/config"
	"github.com/dskow/resiliency-core/internal/event"
	"github.com/dskow/resiliency-core/internal/health"
	"github.com/dskow/resiliency-core/internal/metrics"
	"github.com/dskow/resiliency-core/internal/middleware"
	"github.com/dskow/resiliency-core/internal/proxy"
	"github.com/dskow/resiliency-core/internal/ratelimit"
	"github.com/dskow/resiliency-core/internal/registry"
	"github.com/dskow/resiliency-core/internal/telemetry"
)

// eventHistorySize bounds how many recent breaker/limiter events
// /admin/events retains in memory.
const eventHistorySize = 200

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"routes", len(cfg.Routes),
		"auth_enabled", cfg.Auth.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"metrics_path", cfg.Metrics.Path,
		"trusted_proxies", len(cfg.Server.TrustedProxies),
		"max_body_bytes", cfg.Server.MaxBodyBytes,
	)

	// Initialize Prometheus metrics
	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Backend-facing circuit breakers and rate limiters, keyed by name
	// (backend URL); one of each is pre-created per configured route below.
	breakerRegistry := registry.NewBreakerRegistry(breakerConfigFrom(cfg.CircuitBreaker), logger)
	limiterRegistry := registry.NewRateLimiterRegistry(limiterConfigFrom(cfg.RateLimit), logger)

	breakerHistory := event.NewCircularConsumer[circuitbreaker.Event](eventHistorySize)
	limiterHistory := event.NewCircularConsumer[ratelimit.Event](eventHistorySize)

	// Pre-create a breaker and limiter per configured backend so they show
	// up in /admin/breakers and /admin/limiters even before first traffic,
	// and so their telemetry and event-history subscriptions are in place
	// from the start.
	for _, route := range cfg.Routes {
		cb, err := breakerRegistry.Breaker(route.Backend)
		if err != nil {
			logger.Error("failed to create circuit breaker", "backend", route.Backend, "error", err)
			os.Exit(1)
		}
		telemetry.ObserveBreaker(cb)
		cb.Subscribe(breakerHistory.OnEvent)

		rl, err := limiterRegistry.Limiter(route.Backend)
		if err != nil {
			logger.Error("failed to create rate limiter", "backend", route.Backend, "error", err)
			os.Exit(1)
		}
		telemetry.ObserveRateLimiter(rl)
		rl.Subscribe(limiterHistory.OnEvent)
	}

	// Build the proxy router
	router, err := proxy.New(cfg.Routes, breakerRegistry, limiterRegistry, cfg.CircuitBreaker, logger)
	if err != nil {
		logger.Error("failed to create proxy router", "error", err)
		os.Exit(1)
	}

	// Build the per-client-IP ingress rate limiter
	clientLimiter := ratelimit.NewClientLimiter(cfg.RateLimit, cfg.Routes, cfg.Server.TrustedProxies, logger)
	defer clientLimiter.Stop()

	// Initialize config reloader before the admin handler, which reads
	// through it rather than the static cfg snapshot captured at startup.
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	// Route auth checker: looks up whether a matching route requires auth
	routeRequiresAuth := func(path string) bool {
		route, ok := router.MatchRoute(path)
		if !ok {
			return false
		}
		return route.AuthRequired
	}

	// Assemble middleware stack:
	// Recovery → RequestID → SecurityHeaders → Logging → CORS → BodyLimit → RateLimit → Auth → Proxy
	var handler http.Handler = router
	handler = auth.Middleware(cfg.Auth, routeRequiresAuth, logger)(handler)
	handler = clientLimiter.Middleware()(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.Logging(logger, nil, nil)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Register health, admin, and metrics routes on a separate mux,
	// then combine with the main handler
	mux := http.NewServeMux()
	healthHandler := health.New(cfg.Routes, breakerRegistry, logger)
	healthHandler.RegisterRoutes(mux)

	adminHandler := admin.New(reloader, limiterRegistry, breakerRegistry, breakerHistory, limiterHistory, cfg.Routes, cfg.Admin.IPAllowlist, logger)
	adminHandler.RegisterRoutes(mux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	// Combine: health, admin, and metrics endpoints bypass the middleware stack
	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") ||
			strings.HasPrefix(r.URL.Path, "/ready") ||
			strings.HasPrefix(r.URL.Path, "/admin") ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			mux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	// Register reload callbacks for components that support hot-reload
	reloader.OnReload(func(newCfg *config.Config) {
		clientLimiter.UpdateConfig(newCfg.RateLimit, newCfg.Routes)
		breakerRegistry.SetDefaults(breakerConfigFrom(newCfg.CircuitBreaker))
		limiterRegistry.SetDefaults(limiterConfigFrom(newCfg.RateLimit))
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("starting gateway", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway stopped gracefully")
}

// breakerConfigFrom builds the core breaker config. SlowCallThreshold and
// MaxConcurrentCalls live on the wider config.CircuitBreakerConfig but
// aren't part of the core state machine; they're consumed directly by
// proxy.New to layer TimeoutBreaker/BulkheadBreaker on top of the breakers
// this config produces.
func breakerConfigFrom(cfg config.CircuitBreakerConfig) circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureRateThreshold:          cfg.FailureRateThreshold,
		WaitDurationInOpenState:       cfg.WaitDurationInOpenState,
		RingBufferSizeInClosedState:   cfg.RingBufferSizeInClosedState,
		RingBufferSizeInHalfOpenState: cfg.RingBufferSizeInHalfOpenState,
	}
}

func limiterConfigFrom(cfg config.RateLimitConfig) ratelimit.Config {
	return ratelimit.Config{
		LimitForPeriod:     cfg.LimitForPeriod,
		LimitRefreshPeriod: cfg.LimitRefreshPeriod,
		TimeoutDuration:    cfg.TimeoutDuration,
	}
}
