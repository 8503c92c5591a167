package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shelf-app/shelfd/internal/extract"
)

// Compile-time checks.
var (
	_ Client  = (*OllamaClient)(nil)
	_ Chatter = (*OllamaClient)(nil)
)

// OllamaClient produces embeddings from a local Ollama endpoint. It is a
// text-only provider: image content is embedded via its text rendering.
// It also exposes the chat capability used for category naming.
type OllamaClient struct {
	baseURL    string
	embedModel string
	chatModel  string
	httpClient *http.Client
}

// NewOllamaClient creates a client for the Ollama server at baseURL.
// chatModel may be empty, in which case Chat returns an error.
func NewOllamaClient(baseURL, embedModel, chatModel string, timeout time.Duration) *OllamaClient {
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		embedModel: embedModel,
		chatModel:  chatModel,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (c *OllamaClient) Embed(ctx context.Context, content extract.Content) (Embedding, error) {
	text := content.Text
	if strings.TrimSpace(text) == "" {
		return Embedding{}, fmt.Errorf("%w: empty content", ErrProvider)
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: c.embedModel, Prompt: text})
	if err != nil {
		return Embedding{}, fmt.Errorf("marshaling embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return Embedding{}, fmt.Errorf("creating embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Embedding{}, fmt.Errorf("requesting embedding: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return Embedding{}, fmt.Errorf("ollama returned 429: %w", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Embedding{}, fmt.Errorf("%w: ollama status %d: %s", ErrProvider, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var er ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return Embedding{}, fmt.Errorf("%w: decoding embed response: %v", ErrProvider, err)
	}
	if len(er.Embedding) == 0 {
		return Embedding{}, fmt.Errorf("%w: empty embedding from ollama", ErrProvider)
	}

	return Embedding{
		Vector:      er.Embedding,
		Model:       "ollama/" + c.embedModel,
		ContentHash: hashContent(content),
	}, nil
}

func (c *OllamaClient) Model() string {
	return "ollama/" + c.embedModel
}

// Healthy reports whether the Ollama server responds to GET /api/tags.
func (c *OllamaClient) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
}

// Chat sends a single-turn prompt to the configured chat model.
func (c *OllamaClient) Chat(ctx context.Context, prompt string) (string, error) {
	if c.chatModel == "" {
		return "", fmt.Errorf("no chat model configured")
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model:    c.chatModel,
		Messages: []ollamaChatMessage{{Role: "user", Content: prompt}},
		Stream:   false,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting chat completion: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ollama chat status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var cr ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	return cr.Message.Content, nil
}
