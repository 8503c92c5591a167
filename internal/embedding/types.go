// Package embedding abstracts over embedding providers behind one
// capability interface, so the categorizer and search service never
// branch on provider identity.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/shelf-app/shelfd/internal/extract"
)

// ErrProvider is returned when a provider fails persistently (after
// retries are exhausted). The pipeline treats it as a per-file failure.
var ErrProvider = errors.New("embedding provider error")

// ErrRateLimited is returned on provider rate limiting. Retryable.
var ErrRateLimited = errors.New("rate limited")

// Embedding is a fixed-length vector tagged with the model that produced
// it and a hash of the source content. Vectors from different models or
// dimensionalities are never mixed in one similarity query.
type Embedding struct {
	Vector      []float32
	Model       string
	ContentHash string
}

// Dim returns the vector dimensionality.
func (e Embedding) Dim() int {
	return len(e.Vector)
}

// Client produces embeddings from extracted content. Implementations:
// a remote OpenAI-style API and a local Ollama endpoint.
type Client interface {
	// Embed returns the embedding for content. Text-only providers use
	// the content's text rendering even for images.
	Embed(ctx context.Context, content extract.Content) (Embedding, error)

	// Model returns the producing model id embeddings will be tagged with.
	Model() string

	// Healthy reports whether the provider is reachable.
	Healthy(ctx context.Context) bool
}

// Chatter is the optional chat capability used by the category namer.
// Only the local provider implements it.
type Chatter interface {
	Chat(ctx context.Context, prompt string) (string, error)
}

// hashContent fingerprints the source content an embedding was computed
// from.
func hashContent(content extract.Content) string {
	h := sha256.New()
	h.Write([]byte(content.Text))
	h.Write(content.ImageData)
	return hex.EncodeToString(h.Sum(nil))
}
