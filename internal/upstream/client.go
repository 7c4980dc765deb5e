// Package upstream implements the client for the hosted inference API.
//
// The platform exposes two incompatible request/response shapes depending on
// model family, so every call resolves the model identifier to a tagged
// variant once and dispatches on it:
//
//   - familyChat     — chat-completion shape: ordered role/content messages in,
//     choices/message/content out. Models under the "@cf/" namespace.
//   - familyInstruct — single-prompt shape: messages flattened to "role: content"
//     lines joined by blank lines, flat result field out. Everything else.
//
// The adapter presents one uniform interface regardless of family.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.cloudflare.com/client/v4"
	chatNamespace  = "@cf/"

	// DefaultTimeout bounds every upstream call when no timeout is configured.
	DefaultTimeout = 30 * time.Second
)

// Message is a single conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// apiFamily is the tagged variant for the two upstream API shapes.
type apiFamily int

const (
	familyChat apiFamily = iota
	familyInstruct
)

// familyFor resolves the model identifier's namespace prefix to its API family.
func familyFor(model string) apiFamily {
	if strings.HasPrefix(model, chatNamespace) {
		return familyChat
	}
	return familyInstruct
}

// Client calls the inference API. It is safe for concurrent use.
type Client struct {
	accountID string
	apiToken  string
	baseURL   string
	timeout   time.Duration
	client    *http.Client
	log       *slog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint. Useful for local mocks.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// New creates a Client for the given account and bearer token.
func New(accountID, apiToken string, opts ...Option) *Client {
	c := &Client{
		accountID: accountID,
		apiToken:  apiToken,
		baseURL:   defaultBaseURL,
		timeout:   DefaultTimeout,
		client:    &http.Client{},
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// runURL builds the model invocation endpoint.
func (c *Client) runURL(model string) string {
	return fmt.Sprintf("%s/accounts/%s/ai/run/%s", c.baseURL, c.accountID, model)
}

// buildBody marshals the request payload for the model's API family.
func buildBody(family apiFamily, msgs []Message, stream bool) ([]byte, error) {
	var payload any
	switch family {
	case familyChat:
		payload = struct {
			Messages []Message `json:"messages"`
			Stream   bool      `json:"stream,omitempty"`
		}{Messages: msgs, Stream: stream}
	default:
		payload = struct {
			Prompt string `json:"prompt"`
			Stream bool   `json:"stream,omitempty"`
		}{Prompt: flattenPrompt(msgs), Stream: stream}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}
	return data, nil
}

// flattenPrompt renders messages as "role: content" lines joined by blank
// lines, the shape the single-prompt API family expects.
func flattenPrompt(msgs []Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = m.Role + ": " + m.Content
	}
	return strings.Join(parts, "\n\n")
}

// CallModel invokes model with msgs and returns the generated text.
// The call is bounded by the configured deadline; on expiry it is abandoned
// and surfaced as a retryable error.
func (c *Client) CallModel(ctx context.Context, model string, msgs []Message) (string, error) {
	family := familyFor(model)

	body, err := buildBody(family, msgs, false)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(ctx, model, body, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	return parseText(family, resp.Body)
}

// post issues the model invocation request and returns the response on a 2xx
// status, or a parsed *APIError otherwise.
func (c *Client) post(ctx context.Context, model string, body []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.runURL(model), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}

	return resp, nil
}

// parseText extracts the generated text from a non-streaming response body
// using the extraction path for the API family in effect.
func parseText(family apiFamily, r io.Reader) (string, error) {
	switch family {
	case familyChat:
		var cr struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			Result struct {
				Response string `json:"response"`
			} `json:"result"`
		}
		if err := json.NewDecoder(r).Decode(&cr); err != nil {
			return "", &APIError{StatusCode: 502, Message: "unparseable chat response: " + err.Error()}
		}
		if len(cr.Choices) > 0 {
			return cr.Choices[0].Message.Content, nil
		}
		// Some chat-family models answer through the result envelope.
		if cr.Result.Response != "" {
			return cr.Result.Response, nil
		}
		return "", &APIError{StatusCode: 502, Message: "chat response carried no choices"}

	default:
		var ir struct {
			Result struct {
				Response string `json:"response"`
			} `json:"result"`
		}
		if err := json.NewDecoder(r).Decode(&ir); err != nil {
			return "", &APIError{StatusCode: 502, Message: "unparseable completion response: " + err.Error()}
		}
		return ir.Result.Response, nil
	}
}

// parseError converts a non-2xx response into an *APIError carrying the
// upstream status code.
func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	var env struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		if len(env.Errors) > 0 && env.Errors[0].Message != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: env.Errors[0].Message}
		}
		if env.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: env.Error}
		}
	}

	return &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
}

// APIError is an upstream failure: a non-success status or an unexpected
// response shape. It carries the upstream status code for retry/fallback
// classification.
type APIError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("upstream: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements the StatusCoder convention.
func (e *APIError) HTTPStatus() int { return e.StatusCode }
