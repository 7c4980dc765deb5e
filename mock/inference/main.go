// Command inference runs a lightweight HTTP mock of the hosted inference API.
// It is used for E2E/load testing the adapter without real credentials.
//
// It serves the run endpoint for both API families:
//
//	POST /accounts/{account}/ai/run/{model}
//
// Models whose identifier starts with "@cf/" answer in the chat-completion
// shape; every other model answers in the flat instruction shape. Both
// support streaming (SSE frames terminated by "data: [DONE]").
//
// Behaviour flags (via env):
//
//	PORT                — listen port (default 19100)
//	MOCK_LATENCY_MS     — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE     — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS   — words in a response (default 10)
//	MOCK_MISSING_MODELS — comma-separated model IDs that always return 404
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Config holds runtime configuration for the mock server.
type Config struct {
	Port          string
	LatencyMS     int
	ErrorRate     float64
	StreamWords   int
	MissingModels map[string]bool
}

func loadConfig() Config {
	c := Config{Port: "19100", StreamWords: 10, MissingModels: map[string]bool{}}

	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	if v := os.Getenv("MOCK_MISSING_MODELS"); v != "" {
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				c.MissingModels[m] = true
			}
		}
	}
	return c
}

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "inference", "API", "simulating", "a", "real", "model", "call",
	"for", "development", "and", "testing", "purposes",
}

// fakeSentence returns a fake response text of roughly n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

func shouldError(cfg Config) bool {
	return cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAPIError uses the upstream platform's error envelope.
func writeAPIError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"errors":  []map[string]string{{"message": msg}},
	})
}

func newRunHandler(cfg Config, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		// Path shape: /accounts/{account}/ai/run/{model...}
		const marker = "/ai/run/"
		i := strings.Index(r.URL.Path, marker)
		if !strings.HasPrefix(r.URL.Path, "/accounts/") || i < 0 {
			writeAPIError(w, http.StatusNotFound, "no such route")
			return
		}
		model := r.URL.Path[i+len(marker):]

		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			writeAPIError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		applyLatency(cfg)

		if cfg.MissingModels[model] {
			writeAPIError(w, http.StatusNotFound, fmt.Sprintf("model %q not found", model))
			return
		}
		if shouldError(cfg) {
			writeAPIError(w, http.StatusInternalServerError, "mock internal error")
			return
		}

		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
			Prompt string `json:"prompt"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		chatFamily := strings.HasPrefix(model, "@cf/")
		text := fakeSentence(cfg.StreamWords)

		log.Debug("mock run",
			slog.String("model", model),
			slog.Bool("chat_family", chatFamily),
			slog.Bool("stream", req.Stream),
		)

		if req.Stream {
			serveStream(w, chatFamily, text)
			return
		}

		if chatFamily {
			writeJSON(w, http.StatusOK, map[string]any{
				"choices": []map[string]any{
					{"message": map[string]string{"role": "assistant", "content": text}},
				},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"result":  map[string]string{"response": text},
			"success": true,
		})
	})
}

// serveStream emits the response word by word as SSE frames in the shape the
// requested model family uses, terminated by the done sentinel.
func serveStream(w http.ResponseWriter, chatFamily bool, text string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	fl, _ := w.(http.Flusher)
	for _, word := range strings.SplitAfter(text, " ") {
		var frame []byte
		if chatFamily {
			frame, _ = json.Marshal(map[string]any{
				"choices": []map[string]any{
					{"delta": map[string]string{"content": word}},
				},
			})
		} else {
			frame, _ = json.Marshal(map[string]string{"response": word})
		}
		fmt.Fprintf(w, "data: %s\n\n", frame)
		if fl != nil {
			fl.Flush()
		}
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	if fl != nil {
		fl.Flush()
	}
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock inference API",
		slog.String("port", cfg.Port),
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("stream_words", cfg.StreamWords),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRunHandler(cfg, log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock inference API")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
