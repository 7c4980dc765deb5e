package proxy

import (
	"testing"
	"time"

	"github.com/edgepilot/llm-adapter/internal/cache"
	"github.com/edgepilot/llm-adapter/internal/resilience"
)

const generateBody = `{
	"operationName": "generateCopilotResponse",
	"variables": {
		"data": {
			"threadId": "thread-42",
			"messages": [
				{"textMessage": {"role": "user", "content": "Hello"}}
			]
		}
	}
}`

func copilotPayload(t *testing.T, m map[string]any) map[string]any {
	t.Helper()
	data, _ := m["data"].(map[string]any)
	payload, ok := data["generateCopilotResponse"].(map[string]any)
	if !ok {
		t.Fatalf("missing data.generateCopilotResponse in %v", m)
	}
	return payload
}

func TestDispatchGraphQL_GenerateResponse(t *testing.T) {
	up := okStub("copilot says hi")
	sel := resilience.NewModelSelector("@cf/test/model", "")
	gw := newTestGateway(t, up, sel, nil, GatewayOptions{})
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/api/copilotkit", generateBody)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	payload := copilotPayload(t, readJSON(t, resp))
	if payload["threadId"] != "thread-42" {
		t.Errorf("threadId = %v", payload["threadId"])
	}
	if runID, _ := payload["runId"].(string); runID == "" {
		t.Error("runId must be set")
	}
	if payload["status"] != "success" {
		t.Errorf("status = %v", payload["status"])
	}

	msgs, _ := payload["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %v", msgs)
	}
	msg := msgs[0].(map[string]any)
	if msg["role"] != "assistant" || msg["content"] != "copilot says hi" {
		t.Errorf("message = %v", msg)
	}
}

func TestDispatchGraphQL_UnrecognisedOperationPassesThrough(t *testing.T) {
	up := okStub("never")
	sel := resilience.NewModelSelector("@cf/test/model", "")
	gw := newTestGateway(t, up, sel, nil, GatewayOptions{})
	gw.SetCacheBypass(mustBypassList(t))
	client := serveGateway(t, gw)

	for _, op := range []string{"IntrospectionQuery", "availableAgents", "somethingTheAdapterHasNeverSeen"} {
		resp := doPost(t, client, "/api/copilotkit", `{"operationName":"`+op+`"}`)
		if resp.StatusCode != 200 {
			t.Fatalf("%s: status = %d", op, resp.StatusCode)
		}
		body := readJSON(t, resp)
		if _, ok := body["data"]; !ok {
			t.Errorf("%s: response must carry a data envelope, got %v", op, body)
		}
	}
	if up.dispatches() != 0 {
		t.Fatalf("bookkeeping operations must not reach upstream, got %d dispatches", up.dispatches())
	}
}

func TestDispatchGraphQL_CachedSecondCall(t *testing.T) {
	up := okStub("cached copilot")
	sel := resilience.NewModelSelector("@cf/test/model", "")
	gw := newTestGateway(t, up, sel, cache.NewMemoryCache(100, time.Minute), GatewayOptions{})
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/api/copilotkit", generateBody)
	if got := resp.Header.Get("X-Cache"); got != "MISS" {
		t.Errorf("first X-Cache = %q", got)
	}
	firstRun := copilotPayload(t, readJSON(t, resp))["runId"]

	resp = doPost(t, client, "/api/copilotkit", generateBody)
	if got := resp.Header.Get("X-Cache"); got != "HIT" {
		t.Errorf("second X-Cache = %q", got)
	}
	secondRun := copilotPayload(t, readJSON(t, resp))["runId"]

	if firstRun != secondRun {
		t.Error("a cached replay must return the stored payload unchanged")
	}
	if up.dispatches() != 1 {
		t.Fatalf("upstream dispatches = %d, want 1", up.dispatches())
	}
}

func TestDispatchGraphQL_BypassedOperationSkipsCache(t *testing.T) {
	up := okStub("uncached")
	sel := resilience.NewModelSelector("@cf/test/model", "")
	gw := newTestGateway(t, up, sel, cache.NewMemoryCache(100, time.Minute), GatewayOptions{})

	bl, err := cache.NewBypassList([]string{opGenerateResponse}, nil)
	if err != nil {
		t.Fatal(err)
	}
	gw.SetCacheBypass(bl)
	client := serveGateway(t, gw)

	for i := 0; i < 2; i++ {
		resp := doPost(t, client, "/api/copilotkit", generateBody)
		if got := resp.Header.Get("X-Cache"); got == "HIT" {
			t.Fatalf("call %d must bypass the cache", i)
		}
		resp.Body.Close()
	}
	if up.dispatches() != 2 {
		t.Fatalf("upstream dispatches = %d, want 2 (cache bypassed)", up.dispatches())
	}
}

func TestDispatchGraphQL_RejectsEmptyMessages(t *testing.T) {
	up := okStub("never")
	sel := resilience.NewModelSelector("@cf/test/model", "")
	gw := newTestGateway(t, up, sel, nil, GatewayOptions{})
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/api/copilotkit",
		`{"operationName":"generateCopilotResponse","variables":{"data":{"threadId":"t"}}}`)
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body := readJSON(t, resp); body["type"] != "validation_error" {
		t.Errorf("type = %v", body["type"])
	}
}

func mustBypassList(t *testing.T) *cache.BypassList {
	t.Helper()
	bl, err := cache.NewBypassList(cache.DefaultBypassOperations, nil)
	if err != nil {
		t.Fatal(err)
	}
	return bl
}
