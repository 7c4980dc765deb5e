package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

// doneSentinel terminates an upstream event stream.
const doneSentinel = "[DONE]"

// Stream is a pull-based sequence of incremental text fragments from a
// streaming model invocation. The consumer drives iteration:
//
//	for s.Next() {
//	    fmt.Print(s.Current())
//	}
//	if err := s.Err(); err != nil { ... }
//
// Fragments are also accumulated; Text returns everything received so far.
// Close abandons the underlying call; it is safe to call at any time and
// after the stream is drained.
type Stream struct {
	body     io.ReadCloser
	reader   *bufio.Reader
	family   apiFamily
	observer func(string)
	cancel   context.CancelFunc

	cur  string
	full strings.Builder
	err  error
	done bool
}

// Next advances to the next non-empty fragment. It returns false when the
// stream has terminated — via the done sentinel, EOF, or an error (check Err).
// Partial trailing bytes that do not yet form a complete event are buffered
// across reads by the underlying reader.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.err = err
			}
			s.finish()
			return false
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue // event boundary or unrelated framing
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == doneSentinel {
			s.finish()
			return false
		}

		fragment, ok := extractFragment(s.family, []byte(data))
		if !ok || fragment == "" {
			continue
		}

		s.cur = fragment
		s.full.WriteString(fragment)
		if s.observer != nil {
			s.observer(fragment)
		}
		return true
	}
}

// Current returns the fragment produced by the last successful Next.
func (s *Stream) Current() string { return s.cur }

// Err returns the terminal error, if any. EOF and the done sentinel are
// normal termination, not errors.
func (s *Stream) Err() error { return s.err }

// Text returns the full accumulated text received so far.
func (s *Stream) Text() string { return s.full.String() }

// Close abandons the stream and releases the underlying connection.
func (s *Stream) Close() error {
	s.finish()
	return nil
}

func (s *Stream) finish() {
	if s.done {
		return
	}
	s.done = true
	_ = s.body.Close()
	if s.cancel != nil {
		s.cancel()
	}
}

// extractFragment pulls the incremental text out of one event payload. The
// extraction path depends on which upstream response shape is in effect.
func extractFragment(family apiFamily, data []byte) (string, bool) {
	switch family {
	case familyChat:
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Response string `json:"response"`
		}
		if err := json.Unmarshal(data, &chunk); err != nil {
			return "", false
		}
		if len(chunk.Choices) > 0 {
			return chunk.Choices[0].Delta.Content, true
		}
		return chunk.Response, true

	default:
		var chunk struct {
			Response string `json:"response"`
		}
		if err := json.Unmarshal(data, &chunk); err != nil {
			return "", false
		}
		return chunk.Response, true
	}
}

// CallModelStreaming invokes model with msgs in streaming mode. The returned
// Stream yields incremental fragments as the upstream produces them; observer,
// when non-nil, is invoked once per fragment as a side effect. The whole call,
// stream drain included, is bounded by the configured deadline.
func (c *Client) CallModelStreaming(
	ctx context.Context,
	model string,
	msgs []Message,
	observer func(string),
) (*Stream, error) {
	family := familyFor(model)

	body, err := buildBody(family, msgs, true)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)

	resp, err := c.post(callCtx, model, body, true)
	if err != nil {
		cancel()
		return nil, err
	}

	return &Stream{
		body:     resp.Body,
		reader:   bufio.NewReader(resp.Body),
		family:   family,
		observer: observer,
		cancel:   cancel,
	}, nil
}
