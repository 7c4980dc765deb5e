// Package proxy is the core request orchestrator.
//
// The Gateway receives an incoming chat or GraphQL-mutation request, validates
// it, checks the two-tier cache, coalesces identical in-flight requests onto a
// single upstream dispatch, and invokes the upstream model through the
// resilience layer (retry/backoff, circuit breaker, sticky model fallback).
//
// Key design constraints:
//   - Logger, cache, metrics, and rate limiter are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE); they are never cached.
//   - The in-flight handle for a cache key is always released, success or
//     failure, so a failed request never blocks later same-key requests.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/singleflight"

	"github.com/edgepilot/llm-adapter/internal/cache"
	"github.com/edgepilot/llm-adapter/internal/logger"
	"github.com/edgepilot/llm-adapter/internal/metrics"
	"github.com/edgepilot/llm-adapter/internal/ratelimit"
	"github.com/edgepilot/llm-adapter/internal/resilience"
	"github.com/edgepilot/llm-adapter/internal/upstream"
	"github.com/edgepilot/llm-adapter/internal/validate"
	"github.com/edgepilot/llm-adapter/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// ModelCaller is the upstream surface the Gateway depends on. *upstream.Client
// implements it; tests may substitute doubles.
type ModelCaller interface {
	CallModel(ctx context.Context, model string, msgs []upstream.Message) (string, error)
	CallModelStreaming(ctx context.Context, model string, msgs []upstream.Message, observer func(string)) (*upstream.Stream, error)
}

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and retry
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// MaxAttempts is the maximum number of upstream attempts per dispatch
	// (including the first). Default: resilience.DefaultMaxAttempts.
	MaxAttempts int

	// MaxBackoff caps the exponential retry delay.
	// Default: resilience.DefaultMaxBackoff.
	MaxBackoff time.Duration

	// FailureThreshold and Cooldown configure the circuit breaker. Zero values
	// use the resilience package defaults.
	FailureThreshold int
	Cooldown         time.Duration

	// CacheTTL is the local-tier TTL passed on cache writes. Default: 1m.
	CacheTTL time.Duration
}

// Gateway is the request orchestrator — all dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests. It owns no
// hidden global state; independent Gateways are fully isolated.
type Gateway struct {
	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry
	validator *validate.Validator

	cache    cache.Cache
	cacheTTL time.Duration
	flight   singleflight.Group

	breaker  *resilience.Breaker
	exec     *resilience.Executor
	models   *resilience.ModelSelector
	upstream ModelCaller

	// Optional dependencies — nil-safe when not configured.
	rpmLimiter *ratelimit.RPMLimiter
	reqLogger  *logger.Logger
	bypass     *cache.BypassList

	// CORS allowed origins. Empty slice or ["*"] means allow all.
	corsOrigins []string
}

// NewGateway creates a Gateway dispatching to up with the given model
// selection. c may be nil to disable caching.
func NewGateway(
	baseCtx context.Context,
	up ModelCaller,
	models *resilience.ModelSelector,
	c cache.Cache,
	v *validate.Validator,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}

	breaker := resilience.NewBreaker(opts.FailureThreshold, opts.Cooldown)

	g := &Gateway{
		baseCtx:   baseCtx,
		log:       log,
		metrics:   opts.Metrics,
		validator: v,
		cache:     c,
		cacheTTL:  cacheTTL,
		breaker:   breaker,
		exec:      resilience.NewExecutor(breaker, opts.MaxAttempts, opts.MaxBackoff, log),
		models:    models,
		upstream:  up,
	}

	if g.metrics != nil {
		g.metrics.SetCircuitBreaker(breaker.StateCode())
		g.exec.OnRetry(g.metrics.RecordRetry)
	}

	return g
}

// SetRateLimiter injects the per-client RPM rate limiter.
func (g *Gateway) SetRateLimiter(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetRequestLogger injects the async request logger.
func (g *Gateway) SetRequestLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetCacheBypass injects the list of GraphQL operations that skip caching.
func (g *Gateway) SetCacheBypass(b *cache.BypassList) {
	g.bypass = b
}

// SetCORSOrigins configures the allowed CORS origins.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// ── Inbound / outbound chat types ─────────────────────────────────────────────

type (
	inboundChatRequest struct {
		Messages []upstream.Message `json:"messages"`
		Stream   bool               `json:"stream"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	chatCompletion struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
		Cached  bool             `json:"cached,omitempty"`
	}
)

// dispatchChat is the core handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	reqID, _ := ctx.UserValue("request_id").(string)

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	streaming := false
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming is finalised by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	raw := ctx.PostBody()

	// 1. Validate shape, size, and nesting depth.
	if err := g.validator.Body(raw); err != nil {
		g.recordError("validation")
		apierr.WriteValidation(ctx, err.Error())
		return
	}

	// 2. Rate limit per client.
	if !g.allowClient(ctx, reqID) {
		apierr.WriteRateLimit(ctx)
		return
	}

	var req inboundChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		g.recordError("validation")
		apierr.WriteValidation(ctx, "invalid JSON: "+err.Error())
		return
	}

	g.log.InfoContext(ctx, "chat_request",
		slog.String("request_id", reqID),
		slog.Int("messages", len(req.Messages)),
		slog.Bool("stream", req.Stream),
	)

	// 3a. Streaming — SSE pass-through; never cached, never coalesced.
	if req.Stream {
		streaming = true
		g.streamChat(ctx, reqID, route, start, req.Messages)
		return
	}

	// 3b. Non-streaming — cache + coalesce around one upstream dispatch.
	key := cache.Key(raw)

	if body, ok := g.cacheGet(ctx, key); ok {
		g.log.DebugContext(ctx, "cache_hit", slog.String("request_id", reqID))
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
		writeJSONBody(ctx, markCached(body))
		g.logRequest(reqID, route, g.models.Current(), fasthttp.StatusOK, start, true, false)
		return
	}

	body, coalesced, err := g.completeOnce(ctx, key, req.Messages)
	if err != nil {
		g.failDispatch(ctx, reqID, route, start, err)
		return
	}
	if coalesced && g.metrics != nil {
		g.metrics.RecordCoalescedWait()
	}

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	writeJSONBody(ctx, body)

	g.log.DebugContext(ctx, "chat_ok",
		slog.String("request_id", reqID),
		slog.Bool("coalesced", coalesced),
		slog.Duration("elapsed", time.Since(start)),
	)
	g.logRequest(reqID, route, g.models.Current(), fasthttp.StatusOK, start, false, coalesced)
}

// completeOnce performs the coalesced dispatch for a cache key: at most one
// upstream call per distinct key is in flight at a time; concurrent same-key
// callers share the first call's result. The in-flight handle is released by
// singleflight whether the dispatch succeeds or fails.
func (g *Gateway) completeOnce(ctx context.Context, key string, msgs []upstream.Message) ([]byte, bool, error) {
	v, err, shared := g.flight.Do(key, func() (any, error) {
		text, model, err := g.completeChat(ctx, msgs)
		if err != nil {
			return nil, err
		}

		body, err := json.Marshal(buildCompletion(model, msgs, text))
		if err != nil {
			return nil, err
		}

		g.cacheSet(ctx, key, body)
		return body, nil
	})
	if err != nil {
		return nil, shared, err
	}
	return v.([]byte), shared, nil
}

// completeChat invokes the current model through the resilience layer. When
// the primary model reports "not found" or "rate limited" and a fallback is
// configured, the sticky switch fires and the same call is retried once
// against the fallback.
func (g *Gateway) completeChat(ctx context.Context, msgs []upstream.Message) (text, model string, err error) {
	model = g.models.Current()
	text, err = g.callModel(ctx, model, msgs)

	if err != nil && g.models.Activate(err) {
		if g.metrics != nil {
			g.metrics.RecordFallbackActivation()
		}
		model = g.models.Current()
		g.log.Warn("model_fallback_activated",
			slog.String("fallback", model),
			slog.String("cause", err.Error()),
		)
		text, err = g.callModel(ctx, model, msgs)
	}

	return text, model, err
}

func (g *Gateway) callModel(ctx context.Context, model string, msgs []upstream.Message) (string, error) {
	var text string
	err := g.exec.Do(ctx, "call_model", func(c context.Context) error {
		t, callErr := g.upstream.CallModel(c, model, msgs)
		if callErr != nil {
			return callErr
		}
		text = t
		return nil
	})
	if g.metrics != nil {
		g.metrics.SetCircuitBreaker(g.breaker.StateCode())
	}
	return text, err
}

// streamChat forwards upstream fragments as chat-completion-chunk SSE events.
func (g *Gateway) streamChat(ctx *fasthttp.RequestCtx, reqID, route string, start time.Time, msgs []upstream.Message) {
	model := g.models.Current()

	s, err := g.upstream.CallModelStreaming(ctx, model, msgs, nil)
	if err != nil && g.models.Activate(err) {
		if g.metrics != nil {
			g.metrics.RecordFallbackActivation()
		}
		model = g.models.Current()
		s, err = g.upstream.CallModelStreaming(ctx, model, msgs, nil)
	}
	if err != nil {
		g.failDispatch(ctx, reqID, route, start, err)
		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
		}
		return
	}

	writeSSE(ctx, s, func() {
		g.logRequest(reqID, route, model, fasthttp.StatusOK, start, false, false)
		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(route, fasthttp.StatusOK, time.Since(start))
		}
	})
}

// writeSSE re-frames upstream fragments as chat-completion-chunk events:
// one "data: <json>\n\n" frame per fragment, terminated by "data: [DONE]\n\n".
// onComplete runs after the stream drains.
func writeSSE(ctx *fasthttp.RequestCtx, s *upstream.Stream, onComplete func()) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	id := "chatcmpl-" + uuid.New().String()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer s.Close()

		for s.Next() {
			chunk := map[string]any{
				"id":      id,
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"choices": []map[string]any{
					{
						"index":         0,
						"delta":         map[string]string{"content": s.Current()},
						"finish_reason": nil,
					},
				},
			}
			data, _ := json.Marshal(chunk)
			w.WriteString("data: ")
			w.Write(data)
			w.WriteString("\n\n")
			w.Flush() //nolint:errcheck
		}

		w.WriteString("data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		if onComplete != nil {
			onComplete()
		}
	})
}

// ── Shared helpers ────────────────────────────────────────────────────────────

// allowClient applies the per-client RPM limit. Returns true when the request
// may proceed (or when no limiter is configured).
func (g *Gateway) allowClient(ctx *fasthttp.RequestCtx, reqID string) bool {
	if g.rpmLimiter == nil {
		return true
	}
	client := clientID(ctx)
	if g.rpmLimiter.Allow(client) {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
		return true
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimit("blocked")
	}
	g.recordError("rate_limit")
	g.log.WarnContext(ctx, "rate_limit_exceeded",
		slog.String("request_id", reqID),
		slog.String("client", client),
	)
	return false
}

// clientID identifies the caller for rate limiting: the first X-Forwarded-For
// hop when present, the peer address otherwise.
func clientID(ctx *fasthttp.RequestCtx) string {
	if fwd := string(ctx.Request.Header.Peek("X-Forwarded-For")); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	return ctx.RemoteIP().String()
}

func (g *Gateway) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	if g.cache == nil {
		return nil, false
	}
	body, ok := g.cache.Get(ctx, key)
	if g.metrics != nil {
		if ok {
			g.metrics.CacheGetHit()
		} else {
			g.metrics.CacheGetMiss()
		}
	}
	return body, ok
}

func (g *Gateway) cacheSet(ctx context.Context, key string, body []byte) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Set(ctx, key, body, g.cacheTTL); err != nil {
		if g.metrics != nil {
			g.metrics.CacheSetError()
		}
		g.log.Warn("cache_set_failed", slog.String("error", err.Error()))
		return
	}
	if g.metrics != nil {
		g.metrics.CacheSetOK()
	}
}

// failDispatch maps a dispatch error onto the wire and records it.
func (g *Gateway) failDispatch(ctx *fasthttp.RequestCtx, reqID, route string, start time.Time, err error) {
	g.recordError(errorKind(err))
	g.log.ErrorContext(ctx, "dispatch_error",
		slog.String("request_id", reqID),
		slog.String("route", route),
		slog.String("error", err.Error()),
		slog.Duration("elapsed", time.Since(start)),
	)
	apierr.WriteFromError(ctx, err, resilience.ErrCircuitOpen)
	g.logRequest(reqID, route, g.models.Current(), ctx.Response.StatusCode(), start, false, false)
}

func (g *Gateway) recordError(kind string) {
	if g.metrics != nil {
		g.metrics.RecordError(kind)
	}
}

func errorKind(err error) string {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return "circuit_open"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc apierr.StatusCoder
	if errors.As(err, &sc) {
		if sc.HTTPStatus() == fasthttp.StatusBadRequest {
			return "validation"
		}
		return "upstream"
	}
	return "internal"
}

// buildCompletion wraps upstream text in the chat-completion envelope. Token
// counts are estimated at ~4 characters per token.
func buildCompletion(model string, msgs []upstream.Message, text string) chatCompletion {
	promptChars := 0
	for _, m := range msgs {
		promptChars += len(m.Content)
	}
	promptTokens := estimateTokens(promptChars)
	completionTokens := estimateTokens(len(text))

	return chatCompletion{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: text},
				FinishReason: "stop",
			},
		},
		Usage: outboundUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
}

func estimateTokens(chars int) int {
	t := chars / 4
	if t == 0 && chars > 0 {
		t = 1
	}
	return t
}

// markCached sets "cached": true on a stored completion before replaying it.
func markCached(body []byte) []byte {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return body
	}
	m["cached"] = true
	out, err := json.Marshal(m)
	if err != nil {
		return body
	}
	return out
}

func writeJSONBody(ctx *fasthttp.RequestCtx, body []byte) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(reqID, route, model string, status int, start time.Time, cached, coalesced bool) {
	if g.reqLogger == nil {
		return
	}
	g.reqLogger.Log(logger.RequestLog{
		RequestID: reqID,
		Route:     route,
		Model:     model,
		Status:    status,
		LatencyMs: time.Since(start).Milliseconds(),
		Cached:    cached,
		Coalesced: coalesced,
		Fallback:  g.models.FallbackActive(),
		CreatedAt: time.Now(),
	})
}
