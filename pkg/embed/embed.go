// Package embed provides embedding generation for semantic recall.
//
// The Embedder interface is the injection point for providers; the shipped
// implementation speaks the OpenAI-compatible embeddings API, which covers
// OpenAI itself as well as local servers (Ollama, llama.cpp, vLLM).
//
// On top of the raw provider, Service enforces the dimension contract of the
// store: vectors are L2-normalized for cosine distance, short vectors are
// right-padded to the configured dimension (recording the provider's actual
// dimension), and oversize vectors are rejected.
//
// Example Usage:
//
//	client := embed.NewClient(&embed.Config{
//		APIURL:     "http://localhost:11434",
//		Model:      "mxbai-embed-large",
//		Dimensions: 1024,
//	})
//	svc := embed.NewService(client, 1024, cfg.ChunkSize, cfg.ChunkOverlap)
//
//	vec, dim, err := svc.EmbedText(ctx, "graph databases and pgvector")
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Embedder generates vector embeddings from text.
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the provider's embedding dimension.
	Dimensions() int

	// Model returns the model name.
	Model() string
}

// Config holds embedding provider configuration.
type Config struct {
	APIURL     string        // e.g. http://localhost:11434 or https://api.openai.com
	APIPath    string        // defaults to /v1/embeddings
	APIKey     string        // bearer token; local servers ignore it
	Model      string        // e.g. mxbai-embed-large, text-embedding-3-small
	Dimensions int           // provider dimension, used for validation
	Timeout    time.Duration // per-request timeout
}

// Client implements Embedder against an OpenAI-compatible embeddings endpoint.
type Client struct {
	config *Config
	http   *http.Client
}

// NewClient creates an embedding client. Zero-value config fields get
// sensible defaults (local Ollama-compatible endpoint, 120 s timeout).
func NewClient(config *Config) *Client {
	if config == nil {
		config = &Config{}
	}
	if config.APIURL == "" {
		config.APIURL = "http://localhost:11434"
	}
	if config.APIPath == "" {
		config.APIPath = "/v1/embeddings"
	}
	if config.Model == "" {
		config.Model = "mxbai-embed-large"
	}
	if config.Dimensions == 0 {
		config.Dimensions = 1024
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed generates an embedding for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.config.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	url := c.config.APIURL + c.config.APIPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, &ProviderError{Status: resp.StatusCode, Body: string(b)}
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(er.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(er.Data), len(texts))
	}

	// The API may return data out of order; index is authoritative.
	out := make([][]float32, len(texts))
	for _, d := range er.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding response index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Dimensions returns the provider's embedding dimension.
func (c *Client) Dimensions() int { return c.config.Dimensions }

// Model returns the model name.
func (c *Client) Model() string { return c.config.Model }

// ProviderError is a non-200 response from the embeddings endpoint.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedding provider returned %d: %s", e.Status, e.Body)
}

// Transient reports whether the failure is worth retrying (5xx, 429).
func (e *ProviderError) Transient() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}
