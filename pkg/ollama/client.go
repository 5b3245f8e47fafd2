// Package ollama provides a client for a local Ollama instance: chat with
// structured JSON output, embeddings, and model management.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Message is a chat message in the Ollama API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema describes the expected JSON output structure for structured chat.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single field within a Schema.
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// PullProgress is one line of the streamed pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// Client defines the Ollama operations used by the orchestrator.
type Client interface {
	// Chat sends messages to a model and returns the assistant's response.
	// When jsonSchema is non-nil the response is constrained to that shape.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)
	// Embed returns the embedding vector for text using the given model.
	Embed(ctx context.Context, model, text string) ([]float32, error)
	// IsRunning reports whether the server answers at all.
	IsRunning(ctx context.Context) bool
	// HasModel reports whether the model is present locally.
	HasModel(ctx context.Context, name string) bool
	// PullModel downloads a model, streaming progress to the callback.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// Option configures the Ollama client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client targeting the given Ollama base URL.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			// Model loads and pulls can run for minutes; callers bound
			// requests with contexts.
			Timeout: 0,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Format   any       `json:"format,omitempty"`
}

type chatResponse struct {
	Message Message `json:"message"`
}

func (c *httpClient) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	cr := chatRequest{Model: model, Messages: messages, Stream: false}
	if jsonSchema != nil {
		cr.Format = jsonSchema
	}

	var result chatResponse
	if err := c.postJSON(ctx, "/api/chat", cr, &result); err != nil {
		return "", eris.Wrap(err, "ollama: chat")
	}
	return result.Message.Content, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (c *httpClient) Embed(ctx context.Context, model, text string) ([]float32, error) {
	var result embedResponse
	if err := c.postJSON(ctx, "/api/embed", embedRequest{Model: model, Input: text}, &result); err != nil {
		return nil, eris.Wrap(err, "ollama: embed")
	}
	if len(result.Embeddings) == 0 {
		return nil, eris.New("ollama: embed returned no vectors")
	}
	return result.Embeddings[0], nil
}

func (c *httpClient) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (c *httpClient) listModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, eris.Wrap(err, "ollama: create tags request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "ollama: list models")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("ollama: tags status %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, eris.Wrap(err, "ollama: decode tags")
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

func (c *httpClient) HasModel(ctx context.Context, name string) bool {
	models, err := c.listModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		// The server may report "nomic-embed-text:latest"; match without
		// the tag suffix.
		if m == name || strings.HasPrefix(m, name+":") {
			return true
		}
	}
	return false
}

type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

func (c *httpClient) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	body, err := json.Marshal(pullRequest{Name: name, Stream: true})
	if err != nil {
		return eris.Wrap(err, "ollama: marshal pull request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "ollama: create pull request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "ollama: pull %s", name)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("ollama: pull %s: status %d", name, resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var p PullProgress
		if err := dec.Decode(&p); err == io.EOF {
			break
		} else if err != nil {
			return eris.Wrap(err, "ollama: read pull progress")
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
	return nil
}

func (c *httpClient) postJSON(ctx context.Context, path string, reqBody, respBody any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "POST %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return eris.Errorf("POST %s: status %d: %s", path, resp.StatusCode, string(raw))
	}
	return eris.Wrap(json.NewDecoder(resp.Body).Decode(respBody), "decode response")
}
