package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shelf-app/shelfd/internal/extract"
)

// Compile-time check.
var _ Client = (*OpenAIClient)(nil)

// OpenAIClient produces embeddings from an OpenAI-style remote API.
// When Multimodal is set, image content is sent as a data URL; otherwise
// the image's text rendering is embedded.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	multimodal bool
	httpClient *http.Client
}

// OpenAIConfig configures the remote provider. APIKey arrives
// pre-resolved; this package never reads credential stores.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	Multimodal bool
	Timeout    time.Duration
}

// NewOpenAIClient creates the remote embedding client.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &OpenAIClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		multimodal: cfg.Multimodal,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type openaiEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *OpenAIClient) Embed(ctx context.Context, content extract.Content) (Embedding, error) {
	input := content.Text
	if c.multimodal && content.IsImage() {
		input = fmt.Sprintf("data:%s;base64,%s", content.ImageMIME,
			base64.StdEncoding.EncodeToString(content.ImageData))
	}
	if strings.TrimSpace(input) == "" {
		return Embedding{}, fmt.Errorf("%w: empty content", ErrProvider)
	}

	body, err := json.Marshal(openaiEmbedRequest{
		Model:      c.model,
		Input:      []string{input},
		Dimensions: c.dimensions,
	})
	if err != nil {
		return Embedding{}, fmt.Errorf("marshaling embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return Embedding{}, fmt.Errorf("creating embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Embedding{}, fmt.Errorf("requesting embedding: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return Embedding{}, fmt.Errorf("provider returned 429: %w", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Embedding{}, fmt.Errorf("%w: status %d: %s", ErrProvider, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var er openaiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return Embedding{}, fmt.Errorf("%w: decoding embed response: %v", ErrProvider, err)
	}
	if er.Error != nil {
		return Embedding{}, fmt.Errorf("%w: %s", ErrProvider, er.Error.Message)
	}
	if len(er.Data) == 0 || len(er.Data[0].Embedding) == 0 {
		return Embedding{}, fmt.Errorf("%w: empty embedding in response", ErrProvider)
	}

	return Embedding{
		Vector:      er.Data[0].Embedding,
		Model:       c.model,
		ContentHash: hashContent(content),
	}, nil
}

func (c *OpenAIClient) Model() string {
	return c.model
}

// Healthy probes the models endpoint with a short timeout.
func (c *OpenAIClient) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
