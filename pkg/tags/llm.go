package tags

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// LLMConfig holds tag-extraction provider configuration. The provider is
// any OpenAI-compatible chat completions endpoint (OpenAI, Ollama, vLLM).
type LLMConfig struct {
	APIURL  string        // e.g. http://localhost:11434
	APIPath string        // defaults to /v1/chat/completions
	APIKey  string        // bearer token; local servers ignore it
	Model   string        // e.g. llama3.1
	Timeout time.Duration // per-request timeout
}

// LLMExtractor implements Extractor against a chat completions endpoint.
// The raw model output is sanitized by Service; this type only handles
// transport and prompt shape.
type LLMExtractor struct {
	config *LLMConfig
	http   *http.Client
}

// NewLLMExtractor creates the LLM-backed extractor. Zero-value fields get
// local-server defaults.
func NewLLMExtractor(config *LLMConfig) *LLMExtractor {
	if config == nil {
		config = &LLMConfig{}
	}
	if config.APIURL == "" {
		config.APIURL = "http://localhost:11434"
	}
	if config.APIPath == "" {
		config.APIPath = "/v1/chat/completions"
	}
	if config.Model == "" {
		config.Model = "llama3.1"
	}
	if config.Timeout == 0 {
		config.Timeout = 180 * time.Second
	}
	return &LLMExtractor{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}
}

const systemPrompt = `You label text for a hierarchical memory system.
Return a JSON array of tag names, nothing else.
Rules:
- lowercase segments of [a-z0-9-], joined by ":" from general to specific (e.g. "database:postgresql")
- singular nouns only ("user:framework", never "users:frameworks")
- at most 8 tags, at most 5 segments deep
- strongly prefer reusing tags from the existing vocabulary over inventing synonyms`

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// ExtractTags asks the model for tags, biased by the ontology snapshot.
func (e *LLMExtractor) ExtractTags(ctx context.Context, text string, existingOntology []string) ([]string, error) {
	user := text
	if len(existingOntology) > 0 {
		user = "Existing vocabulary:\n" + strings.Join(existingOntology, ", ") + "\n\nText:\n" + text
	}

	body, err := json.Marshal(chatRequest{
		Model: e.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tag request: %w", err)
	}

	url := e.config.APIURL + e.config.APIPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create tag request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tag extraction request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("tag provider returned %d: %s", resp.StatusCode, string(b))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decode tag response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, nil
	}
	return parseTagArray(cr.Choices[0].Message.Content), nil
}

// parseTagArray pulls a JSON string array out of model output, tolerating
// prose or code fences around it. Unparseable output yields no tags; the
// write must not fail because a model rambled.
func parseTagArray(content string) []string {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil {
		return nil
	}
	return out
}
