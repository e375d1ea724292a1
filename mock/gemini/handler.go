package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// writeSSEChunk writes v as a single "data: {...}\n\n" SSE frame.
func writeSSEChunk(w io.Writer, v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// newGeminiOpenAIHandler simulates the slice of Gemini's OpenAI-compatibility
// surface this gateway forwards to:
//
//	GET  /v1beta/openai/models
//	POST /v1beta/openai/chat/completions   (streaming and non-streaming)
//	POST /v1beta/openai/completions
//	POST /v1beta/openai/embeddings
//
// Anything else 404s, matching the real endpoint's behaviour for unknown
// paths closely enough to exercise the Forwarder's non-2xx handling.
func newGeminiOpenAIHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/openai/models", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gemini-2.5-flash", "object": "model", "owned_by": "google"},
				{"id": "gemini-2.5-pro", "object": "model", "owned_by": "google"},
			},
		})
	})

	mux.HandleFunc("/v1beta/openai/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		handleCompletion(w, r, cfg, true)
	})

	mux.HandleFunc("/v1beta/openai/completions", func(w http.ResponseWriter, r *http.Request) {
		handleCompletion(w, r, cfg, false)
	})

	mux.HandleFunc("/v1beta/openai/embeddings", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
			return
		}
		applyLatency(cfg)
		body, _ := io.ReadAll(r.Body)
		model := gjson.GetBytes(body, "model").String()
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"model":  model,
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": fakeEmbedding(768)},
			},
			"usage": map[string]int{"prompt_tokens": 8, "total_tokens": 8},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found_error")
	})

	return mux
}

func handleCompletion(w http.ResponseWriter, r *http.Request, cfg Config, chat bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
		return
	}
	applyLatency(cfg)

	if shouldRateLimit(cfg) {
		writeError(w, http.StatusTooManyRequests, "mock: rate limit exceeded", "rate_limit_error")
		return
	}
	if shouldError(cfg) {
		writeError(w, http.StatusInternalServerError, "mock: internal error", "server_error")
		return
	}

	body, _ := io.ReadAll(r.Body)
	model := gjson.GetBytes(body, "model").String()
	stream := gjson.GetBytes(body, "stream").Bool()
	id := fmt.Sprintf("chatcmpl-mock-%x", rand.Int64())

	if stream {
		writeCompletionStream(w, id, model, cfg, chat)
		return
	}
	writeJSON(w, http.StatusOK, completionBody(id, model, cfg, chat))
}

func completionBody(id, model string, cfg Config, chat bool) map[string]any {
	text := fakeSentence(cfg.StreamWords)
	choice := map[string]any{"index": 0, "finish_reason": "stop"}
	if chat {
		choice["message"] = map[string]string{"role": "assistant", "content": text}
	} else {
		choice["text"] = text
	}

	objType := "text_completion"
	if chat {
		objType = "chat.completion"
	}

	return map[string]any{
		"id":      id,
		"object":  objType,
		"model":   model,
		"choices": []any{choice},
		"usage": map[string]int{
			"prompt_tokens":     10,
			"completion_tokens": cfg.StreamWords,
			"total_tokens":      10 + cfg.StreamWords,
		},
	}
}

// writeCompletionStream emits a Server-Sent-Events stream of incremental
// chunks followed by "data: [DONE]", matching the shape the Forwarder
// passes straight through to the client unmodified.
func writeCompletionStream(w http.ResponseWriter, id, model string, cfg Config, chat bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	bw := bufio.NewWriter(w)

	objType := "text_completion.chunk"
	if chat {
		objType = "chat.completion.chunk"
	}

	words := strings.Fields(fakeSentence(cfg.StreamWords))
	for i, word := range words {
		delta := map[string]any{}
		if chat {
			if i == 0 {
				delta["role"] = "assistant"
			}
			delta["content"] = word + " "
		}
		choice := map[string]any{"index": 0}
		if chat {
			choice["delta"] = delta
		} else {
			choice["text"] = word + " "
		}

		chunk := map[string]any{
			"id":      id,
			"object":  objType,
			"model":   model,
			"choices": []any{choice},
		}
		writeSSEChunk(bw, chunk)
		bw.Flush()
		if flusher != nil {
			flusher.Flush()
		}
	}

	fmt.Fprint(bw, "data: [DONE]\n\n")
	bw.Flush()
	if flusher != nil {
		flusher.Flush()
	}
}
