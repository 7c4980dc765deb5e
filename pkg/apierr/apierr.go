// Package apierr provides structured API error responses and HTTP status
// mapping for the adapter.
//
// Every error response carries a flat envelope:
//
//	{"error": "<human-readable message>", "type": "<error kind>"}
package apierr

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/valyala/fasthttp"
)

// Error kind constants.
const (
	TypeValidation  = "validation_error"
	TypeAPI         = "api_error"
	TypeRateLimit   = "rate_limit_error"
	TypeCircuitOpen = "circuit_open_error"
	TypeTimeout     = "timeout_error"
	TypeServer      = "server_error"
)

// envelope is the wire shape of every error response.
type envelope struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Write writes the error as JSON with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: message, Type: errType})
	ctx.SetBody(body)
}

// WriteValidation writes a 400 validation error.
func WriteValidation(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, message, TypeValidation)
}

// WriteRateLimit writes a 429 rate limit error with a Retry-After hint.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimit)
}

// WriteUpstream maps an upstream failure to the appropriate response.
//
//	upstream 429 → 429 + Retry-After: 60
//	upstream 4xx → passed through
//	upstream 5xx → 502
func WriteUpstream(ctx *fasthttp.RequestCtx, upstreamStatus int, msg string) {
	switch {
	case upstreamStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimit)
	case upstreamStatus >= 400 && upstreamStatus < 500:
		Write(ctx, upstreamStatus, msg, TypeAPI)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeAPI)
	}
}

// WriteFromError classifies err and writes the matching response.
//
//	validation (400 StatusCoder)   → 400 validation_error
//	breaker open (circuitOpen)     → 503 circuit_open_error
//	context.DeadlineExceeded       → 504 timeout_error
//	other StatusCoder              → mapped upstream status
//	anything else                  → 500 server_error
func WriteFromError(ctx *fasthttp.RequestCtx, err error, circuitOpen error) {
	if circuitOpen != nil && errors.Is(err, circuitOpen) {
		Write(ctx, fasthttp.StatusServiceUnavailable, "upstream temporarily unavailable", TypeCircuitOpen)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		Write(ctx, fasthttp.StatusGatewayTimeout, "upstream request timed out", TypeTimeout)
		return
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		if status == fasthttp.StatusBadRequest {
			WriteValidation(ctx, err.Error())
			return
		}
		WriteUpstream(ctx, status, err.Error())
		return
	}

	Write(ctx, fasthttp.StatusInternalServerError, err.Error(), TypeServer)
}
