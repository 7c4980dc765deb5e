package app

import (
	"context"
	"fmt"
	"log/slog"

	adapterCache "github.com/edgepilot/llm-adapter/internal/cache"
	"github.com/edgepilot/llm-adapter/internal/logger"
	"github.com/edgepilot/llm-adapter/internal/metrics"
	"github.com/edgepilot/llm-adapter/internal/proxy"
	"github.com/edgepilot/llm-adapter/internal/ratelimit"
	"github.com/edgepilot/llm-adapter/internal/resilience"
	"github.com/edgepilot/llm-adapter/internal/upstream"
	"github.com/edgepilot/llm-adapter/internal/validate"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initServices creates the metrics registry and the async request logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return err
	}
	a.reqLogger = reqLogger

	switch a.cfg.Cache.Mode {
	case "redis":
		a.log.Info("cache backend: redis durable tier + local memory tier")
	case "memory":
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	}

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	upOpts := []upstream.Option{
		upstream.WithLogger(a.log),
	}
	if a.cfg.Upstream.BaseURL != "" {
		upOpts = append(upOpts, upstream.WithBaseURL(a.cfg.Upstream.BaseURL))
	}
	if a.cfg.Upstream.Timeout > 0 {
		upOpts = append(upOpts, upstream.WithTimeout(a.cfg.Upstream.Timeout))
	}
	client := upstream.New(a.cfg.Upstream.AccountID, a.cfg.Upstream.APIToken, upOpts...)

	models := resilience.NewModelSelector(a.cfg.Upstream.Model, a.cfg.Upstream.FallbackModel)

	validator := validate.New(validate.Limits{
		MaxRequestBytes: a.cfg.Limits.MaxRequestBytes,
		MaxMessages:     a.cfg.Limits.MaxMessages,
		MaxMessageBytes: a.cfg.Limits.MaxMessageBytes,
		MaxDepth:        a.cfg.Limits.MaxDepth,
	})

	gw := proxy.NewGateway(a.baseCtx, client, models, a.buildCache(), validator, proxy.GatewayOptions{
		Logger:           a.log,
		Metrics:          a.prom,
		MaxAttempts:      a.cfg.Retry.MaxAttempts,
		MaxBackoff:       a.cfg.Retry.MaxBackoff,
		FailureThreshold: a.cfg.CircuitBreaker.FailureThreshold,
		Cooldown:         a.cfg.CircuitBreaker.Cooldown,
		CacheTTL:         a.cfg.Cache.LocalTTL,
	})

	// ── Optional subsystems ──────────────────────────────────────────────────

	if a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiter(ratelimit.NewRPMLimiter(a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	gw.SetRequestLogger(a.reqLogger)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	bypassOps := append([]string{}, adapterCache.DefaultBypassOperations...)
	bypassOps = append(bypassOps, a.cfg.Cache.BypassOps...)
	bl, err := adapterCache.NewBypassList(bypassOps, a.cfg.Cache.BypassPatterns)
	if err != nil {
		return fmt.Errorf("cache bypass: %w", err)
	}
	gw.SetCacheBypass(bl)

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
