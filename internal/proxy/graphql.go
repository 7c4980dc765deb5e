package proxy

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/edgepilot/llm-adapter/internal/cache"
	"github.com/edgepilot/llm-adapter/internal/upstream"
	"github.com/edgepilot/llm-adapter/pkg/apierr"
)

// opGenerateResponse is the one GraphQL mutation the adapter special-cases.
// Every other well-formed operation passes through with an empty data
// envelope so frontend bookkeeping queries (introspection, agent discovery)
// never fail against the adapter.
const opGenerateResponse = "generateCopilotResponse"

type (
	graphqlRequest struct {
		OperationName string `json:"operationName"`
		Variables     struct {
			Data struct {
				ThreadID string `json:"threadId"`
				Messages []struct {
					TextMessage struct {
						Role    string `json:"role"`
						Content string `json:"content"`
					} `json:"textMessage"`
				} `json:"messages"`
			} `json:"data"`
		} `json:"variables"`
	}

	copilotMessage struct {
		ID      string `json:"id"`
		Role    string `json:"role"`
		Content string `json:"content"`
		Status  string `json:"status"`
	}

	copilotResponse struct {
		ThreadID string           `json:"threadId"`
		RunID    string           `json:"runId"`
		Messages []copilotMessage `json:"messages"`
		Status   string           `json:"status"`
	}

	graphqlEnvelope struct {
		Data map[string]any `json:"data"`
	}
)

// dispatchGraphQL handles POST /api/copilotkit: the GraphQL-mutation form of
// the request envelope. generateCopilotResponse is translated into an upstream
// chat call; recognised bookkeeping operations bypass the cache entirely;
// anything else well-formed is answered with an empty data envelope.
func (g *Gateway) dispatchGraphQL(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "copilotkit"
	reqID, _ := ctx.UserValue("request_id").(string)

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	raw := ctx.PostBody()

	if err := g.validator.Body(raw); err != nil {
		g.recordError("validation")
		apierr.WriteValidation(ctx, err.Error())
		return
	}

	if !g.allowClient(ctx, reqID) {
		apierr.WriteRateLimit(ctx)
		return
	}

	var req graphqlRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		g.recordError("validation")
		apierr.WriteValidation(ctx, "invalid JSON: "+err.Error())
		return
	}

	g.log.InfoContext(ctx, "graphql_request",
		slog.String("request_id", reqID),
		slog.String("operation", req.OperationName),
	)

	// Fast path: bookkeeping operations skip caching and upstream entirely.
	if req.OperationName != opGenerateResponse {
		if g.metrics != nil {
			g.metrics.CacheGetBypass()
		}
		writeGraphQLData(ctx, map[string]any{})
		g.logRequest(reqID, route, g.models.Current(), fasthttp.StatusOK, start, false, false)
		return
	}

	msgs := make([]upstream.Message, 0, len(req.Variables.Data.Messages))
	for _, m := range req.Variables.Data.Messages {
		if m.TextMessage.Content == "" {
			continue
		}
		msgs = append(msgs, upstream.Message{
			Role:    m.TextMessage.Role,
			Content: m.TextMessage.Content,
		})
	}
	if len(msgs) == 0 {
		g.recordError("validation")
		apierr.WriteValidation(ctx, "generateCopilotResponse requires at least one text message")
		return
	}

	threadID := req.Variables.Data.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}

	// Cache key covers the full raw body, wrapper metadata included, so the
	// GraphQL and chat forms of the same conversation never share an entry.
	// Operations on the bypass list skip both cache read and write.
	key := cache.Key(raw)
	cacheEligible := g.bypass == nil || !g.bypass.Matches(req.OperationName)
	if !cacheEligible && g.metrics != nil {
		g.metrics.CacheGetBypass()
	}

	if body, ok := g.cacheGetIf(ctx, cacheEligible, key); ok {
		g.log.DebugContext(ctx, "cache_hit", slog.String("request_id", reqID))
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
		writeJSONBody(ctx, body)
		g.logRequest(reqID, route, g.models.Current(), fasthttp.StatusOK, start, true, false)
		return
	}

	body, coalesced, err := g.generateOnce(ctx, key, threadID, cacheEligible, msgs)
	if err != nil {
		g.failDispatch(ctx, reqID, route, start, err)
		return
	}
	if coalesced && g.metrics != nil {
		g.metrics.RecordCoalescedWait()
	}

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	writeJSONBody(ctx, body)
	g.logRequest(reqID, route, g.models.Current(), fasthttp.StatusOK, start, false, coalesced)
}

// cacheGetIf consults the cache only when the operation is cache-eligible.
func (g *Gateway) cacheGetIf(ctx *fasthttp.RequestCtx, eligible bool, key string) ([]byte, bool) {
	if !eligible {
		return nil, false
	}
	return g.cacheGet(ctx, key)
}

// generateOnce is the GraphQL twin of completeOnce: one coalesced upstream
// dispatch per cache key, result shared by same-key waiters.
func (g *Gateway) generateOnce(ctx *fasthttp.RequestCtx, key, threadID string, cacheEligible bool, msgs []upstream.Message) ([]byte, bool, error) {
	v, err, shared := g.flight.Do(key, func() (any, error) {
		text, _, err := g.completeChat(ctx, msgs)
		if err != nil {
			return nil, err
		}

		body, err := json.Marshal(graphqlEnvelope{
			Data: map[string]any{
				opGenerateResponse: copilotResponse{
					ThreadID: threadID,
					RunID:    uuid.New().String(),
					Messages: []copilotMessage{
						{
							ID:      uuid.New().String(),
							Role:    "assistant",
							Content: text,
							Status:  "success",
						},
					},
					Status: "success",
				},
			},
		})
		if err != nil {
			return nil, err
		}

		if cacheEligible {
			g.cacheSet(ctx, key, body)
		}
		return body, nil
	})
	if err != nil {
		return nil, shared, err
	}
	return v.([]byte), shared, nil
}

func writeGraphQLData(ctx *fasthttp.RequestCtx, data map[string]any) {
	body, _ := json.Marshal(graphqlEnvelope{Data: data})
	writeJSONBody(ctx, body)
}
