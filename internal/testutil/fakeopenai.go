package testutil

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// FakeOpenAI serves the embeddings and chat completion endpoints used by the
// application. Embeddings are deterministic per input text and are returned
// in reverse index order to exercise client-side reordering.
type FakeOpenAI struct {
	Server     *httptest.Server
	Dimensions int

	mu           sync.Mutex
	answer       string
	embedCalls   int
	chatCalls    int
	failEmbedN   int
	lastMessages []map[string]string
}

func NewFakeOpenAI(t *testing.T, dimensions int) *FakeOpenAI {
	t.Helper()

	f := &FakeOpenAI{Dimensions: dimensions, answer: "The answer is on the first page [p. 1]."}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /embeddings", f.handleEmbeddings)
	mux.HandleFunc("POST /chat/completions", f.handleChat)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// URL is the base URL to configure as the OpenAI endpoint.
func (f *FakeOpenAI) URL() string {
	return f.Server.URL
}

// SetAnswer sets the completion text returned by chat calls.
func (f *FakeOpenAI) SetAnswer(answer string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answer = answer
}

// FailEmbeddings makes the next n embedding calls answer 503.
func (f *FakeOpenAI) FailEmbeddings(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failEmbedN = n
}

func (f *FakeOpenAI) EmbedCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.embedCalls
}

func (f *FakeOpenAI) ChatCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chatCalls
}

// LastMessages returns the messages of the most recent chat request.
func (f *FakeOpenAI) LastMessages() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastMessages
}

// FakeEmbedding is the vector the fake server returns for text.
func FakeEmbedding(text string, dimensions int) []float32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum32()

	v := make([]float32, dimensions)
	for i := range v {
		seed = seed*1664525 + 1013904223
		v[i] = float32(seed%1000)/1000 - 0.5
	}
	return v
}

func (f *FakeOpenAI) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.embedCalls++
	fail := f.failEmbedN > 0
	if fail {
		f.failEmbedN--
	}
	f.mu.Unlock()

	if fail {
		writeOpenAIError(w, http.StatusServiceUnavailable, "overloaded")
		return
	}

	var req struct {
		Input []string `json:"input"`
		Model string   `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, err.Error())
		return
	}

	type item struct {
		Object    string    `json:"object"`
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	}
	data := make([]item, 0, len(req.Input))
	for i := len(req.Input) - 1; i >= 0; i-- {
		data = append(data, item{Object: "embedding", Embedding: FakeEmbedding(req.Input[i], f.Dimensions), Index: i})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   data,
		"model":  req.Model,
		"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
	})
}

func (f *FakeOpenAI) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model    string              `json:"model"`
		Messages []map[string]string `json:"messages"`
		Stream   bool                `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOpenAIError(w, http.StatusBadRequest, err.Error())
		return
	}

	f.mu.Lock()
	f.chatCalls++
	f.lastMessages = req.Messages
	answer := f.answer
	f.mu.Unlock()

	if !req.Stream {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-test",
			"object": "chat.completion",
			"model":  req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": answer},
				"finish_reason": "stop",
			}},
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, word := range strings.SplitAfter(answer, " ") {
		chunk, _ := json.Marshal(map[string]any{
			"id":     "chatcmpl-test",
			"object": "chat.completion.chunk",
			"model":  req.Model,
			"choices": []map[string]any{{
				"index": 0,
				"delta": map[string]string{"content": word},
			}},
		})
		fmt.Fprintf(w, "data: %s\n\n", chunk)
		if flusher != nil {
			flusher.Flush()
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func writeOpenAIError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": message, "type": "server_error"},
	})
}
