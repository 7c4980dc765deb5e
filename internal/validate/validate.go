// Package validate performs structural and size checks on inbound request
// bodies before they reach the dispatch path.
//
// Two request shapes are accepted:
//   - chat form: {"messages": [{"role", "content"}, ...]}
//   - GraphQL form: {"operationName": "...", "variables": {...}}
//
// GraphQL bodies are accepted unconditionally after the DoS guards — deeper
// shape checking is deferred to the handler so that operations the adapter
// does not special-case (introspection, for example) pass through harmlessly.
package validate

import (
	"encoding/json"
	"fmt"
)

// ValidationError is a client mistake: malformed, oversized, or too deeply
// nested input. It is never retried and surfaces as HTTP 400.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validate: " + e.Reason }

// HTTPStatus implements the StatusCoder convention used across the adapter.
func (e *ValidationError) HTTPStatus() int { return 400 }

func errorf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// allowedRoles are the chat roles accepted in the messages array.
var allowedRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
}

// Limits bounds the accepted request shapes.
type Limits struct {
	MaxRequestBytes int
	MaxMessages     int
	MaxMessageBytes int
	MaxDepth        int
}

// Validator checks inbound bodies against configured limits. The zero value is
// not usable; construct with New.
type Validator struct {
	limits Limits
}

// New returns a Validator enforcing the given limits.
func New(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// Body validates the raw request bytes. It returns a *ValidationError
// describing the first rule violated, or nil when the body is acceptable.
// The input is never mutated.
func (v *Validator) Body(raw []byte) error {
	if v.limits.MaxRequestBytes > 0 && len(raw) > v.limits.MaxRequestBytes {
		return errorf("request body exceeds %d bytes", v.limits.MaxRequestBytes)
	}

	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		return errorf("invalid JSON: %s", err.Error())
	}

	obj, ok := body.(map[string]any)
	if !ok || obj == nil {
		return errorf("request body must be a JSON object")
	}

	if d := depth(body, v.limits.MaxDepth+1); d > v.limits.MaxDepth {
		return errorf("request nesting exceeds depth %d", v.limits.MaxDepth)
	}

	// GraphQL operations are accepted as-is at this stage; the handler decides
	// what to do with operations it does not recognise.
	if op, ok := obj["operationName"].(string); ok && op != "" {
		return nil
	}

	if msgs, ok := obj["messages"]; ok {
		return v.messages(msgs)
	}

	return errorf("unsupported request format: expected 'messages' or 'operationName'")
}

func (v *Validator) messages(raw any) error {
	list, ok := raw.([]any)
	if !ok {
		return errorf("'messages' must be an array")
	}
	if len(list) == 0 {
		return errorf("'messages' must not be empty")
	}
	if v.limits.MaxMessages > 0 && len(list) > v.limits.MaxMessages {
		return errorf("too many messages: %d exceeds limit %d", len(list), v.limits.MaxMessages)
	}

	for i, m := range list {
		msg, ok := m.(map[string]any)
		if !ok {
			return errorf("message %d must be an object", i)
		}

		role, _ := msg["role"].(string)
		if role == "" {
			return errorf("message %d is missing 'role'", i)
		}
		if !allowedRoles[role] {
			return errorf("message %d has invalid role %q", i, role)
		}

		content, _ := msg["content"].(string)
		if content == "" {
			return errorf("message %d is missing 'content'", i)
		}

		if v.limits.MaxMessageBytes > 0 {
			size, err := json.Marshal(msg)
			if err == nil && len(size) > v.limits.MaxMessageBytes {
				return errorf("message %d exceeds %d bytes", i, v.limits.MaxMessageBytes)
			}
		}
	}

	return nil
}

// depth measures the nesting depth of a decoded JSON value. The descent stops
// at limit so adversarial deeply-nested payloads cost at most O(limit) stack.
func depth(v any, limit int) int {
	if limit <= 0 {
		return 0
	}
	switch t := v.(type) {
	case map[string]any:
		max := 0
		for _, child := range t {
			if d := depth(child, limit-1); d > max {
				max = d
			}
		}
		return max + 1
	case []any:
		max := 0
		for _, child := range t {
			if d := depth(child, limit-1); d > max {
				max = d
			}
		}
		return max + 1
	default:
		return 1
	}
}
