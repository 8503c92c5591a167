package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shelf-app/shelfd/internal/config"
	"github.com/shelf-app/shelfd/internal/extract"
)

// fakeClient counts calls and returns scripted errors until they run out.
type fakeClient struct {
	calls  atomic.Int32
	errs   []error
	result Embedding
}

func (f *fakeClient) Embed(ctx context.Context, content extract.Content) (Embedding, error) {
	n := int(f.calls.Add(1)) - 1
	if n < len(f.errs) {
		return Embedding{}, f.errs[n]
	}
	return f.result, nil
}

func (f *fakeClient) Model() string                { return "fake" }
func (f *fakeClient) Healthy(context.Context) bool { return true }

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
	}
}

func TestRetrySucceedsAfterRateLimit(t *testing.T) {
	inner := &fakeClient{
		errs:   []error{fmt.Errorf("429: %w", ErrRateLimited), fmt.Errorf("429: %w", ErrRateLimited)},
		result: Embedding{Vector: []float32{1}, Model: "fake"},
	}
	client := WithRetry(inner, fastRetry(3))

	emb, err := client.Embed(context.Background(), extract.Content{Text: "x"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(emb.Vector) != 1 {
		t.Errorf("unexpected embedding: %+v", emb)
	}
	if got := inner.calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestRetryExhaustionWrapsProviderError(t *testing.T) {
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = fmt.Errorf("429: %w", ErrRateLimited)
	}
	client := WithRetry(&fakeClient{errs: errs}, fastRetry(2))

	_, err := client.Embed(context.Background(), extract.Content{Text: "x"})
	if !errors.Is(err, ErrProvider) {
		t.Errorf("expected ErrProvider after exhaustion, got %v", err)
	}
}

func TestRetryDoesNotRetryPermanentErrors(t *testing.T) {
	inner := &fakeClient{errs: []error{fmt.Errorf("bad request: %w", ErrProvider)}}
	client := WithRetry(inner, fastRetry(3))

	_, err := client.Embed(context.Background(), extract.Content{Text: "x"})
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
	if got := inner.calls.Load(); got != 1 {
		t.Errorf("permanent error retried: %d attempts", got)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = fmt.Errorf("429: %w", ErrRateLimited)
	}
	inner := &fakeClient{errs: errs}
	cfg := fastRetry(5)
	cfg.InitialBackoff = time.Hour
	client := WithRetry(inner, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := client.Embed(ctx, extract.Content{Text: "x"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestOllamaEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Model != "nomic-embed-text" || req.Prompt != "hello" {
			t.Errorf("unexpected request: %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2}})
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "nomic-embed-text", "", 5*time.Second)
	emb, err := client.Embed(context.Background(), extract.Content{Text: "hello"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if emb.Model != "ollama/nomic-embed-text" {
		t.Errorf("unexpected model tag: %s", emb.Model)
	}
	if len(emb.Vector) != 2 {
		t.Errorf("unexpected vector: %v", emb.Vector)
	}
	if emb.ContentHash == "" {
		t.Error("missing content hash")
	}
}

func TestOllamaRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "m", "", 5*time.Second)
	_, err := client.Embed(context.Background(), extract.Content{Text: "x"})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

func TestOllamaEmptyContent(t *testing.T) {
	client := NewOllamaClient("http://127.0.0.1:1", "m", "", time.Second)
	_, err := client.Embed(context.Background(), extract.Content{Text: "   "})
	if !errors.Is(err, ErrProvider) {
		t.Errorf("expected ErrProvider for empty content, got %v", err)
	}
}

func TestOllamaChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": "Invoices"},
		})
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "m", "llama3", 5*time.Second)
	answer, err := client.Chat(context.Background(), "name this")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if answer != "Invoices" {
		t.Errorf("unexpected answer: %q", answer)
	}
}

func TestOllamaChatWithoutModel(t *testing.T) {
	client := NewOllamaClient("http://127.0.0.1:1", "m", "", time.Second)
	if _, err := client.Chat(context.Background(), "x"); err == nil {
		t.Error("expected error with no chat model configured")
	}
}

func TestOpenAIEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header: %s", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.5, 0.5, 0.5}, "index": 0}},
		})
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}
	emb, err := client.Embed(context.Background(), extract.Content{Text: "hello"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(emb.Vector) != 3 {
		t.Errorf("unexpected vector: %v", emb.Vector)
	}
	if emb.Model != "text-embedding-3-small" {
		t.Errorf("unexpected model: %s", emb.Model)
	}
}

// TestOpenAIMultimodalSendsDataURL wires a multimodal client through the
// factory and verifies image content reaches the provider as a base64
// data URL rather than its text rendering.
func TestOpenAIMultimodalSendsDataURL(t *testing.T) {
	var input []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		input = req.Input
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{1}, "index": 0}},
		})
	}))
	defer srv.Close()

	client, _, err := NewClient(config.EmbeddingConfig{
		Provider:   "openai",
		APIKey:     "sk-test",
		BaseURL:    srv.URL,
		Multimodal: true,
		Timeout:    5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	content := extract.Content{
		Text:      "image: photo.png",
		ImageData: []byte{0x89, 0x50, 0x4e, 0x47},
		ImageMIME: "image/png",
	}
	if _, err := client.Embed(context.Background(), content); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(input) != 1 || !strings.HasPrefix(input[0], "data:image/png;base64,") {
		t.Errorf("expected data URL input, got %v", input)
	}
}

func TestOpenAIRequiresAPIKey(t *testing.T) {
	if _, err := NewOpenAIClient(OpenAIConfig{}); err == nil {
		t.Error("expected error without API key")
	}
}

func TestOpenAIRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}
	_, err = client.Embed(context.Background(), extract.Content{Text: "x"})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

func TestNewClientUnknownProvider(t *testing.T) {
	_, _, err := NewClient(config.EmbeddingConfig{Provider: "bedrock"})
	if err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestNewClientOllamaChatterOptional(t *testing.T) {
	cfg := config.EmbeddingConfig{
		Provider:      "ollama",
		OllamaBaseURL: "http://127.0.0.1:11434",
		OllamaModel:   "nomic-embed-text",
		Timeout:       time.Second,
	}
	_, chatter, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if chatter != nil {
		t.Error("expected nil chatter without a chat model")
	}

	cfg.ChatModel = "llama3"
	_, chatter, err = NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient with chat model: %v", err)
	}
	if chatter == nil {
		t.Error("expected chatter with a chat model")
	}
}

func TestHashContentDistinguishesImages(t *testing.T) {
	a := hashContent(extract.Content{Text: "same"})
	b := hashContent(extract.Content{Text: "same", ImageData: []byte{1, 2, 3}})
	if a == b {
		t.Error("image bytes should change the content hash")
	}
}
