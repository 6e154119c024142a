package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fortemi/fortemi/internal/apperr"
)

const embedMaxAttempts = 3

// ollamaProvider talks to a local Ollama instance's /api/embeddings
// endpoint. Only localhost URLs are accepted: note content is private
// by default and must not leave the machine unless the operator
// explicitly opts into a cloud provider.
type ollamaProvider struct {
	http    *http.Client
	baseURL string
	model   string
	dims    int
	timeout time.Duration
}

func newOllama(cfg ProviderConfig) (*ollamaProvider, error) {
	model := cfg.Model
	if model == "" {
		model = "nomic-embed-text"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base url: %w", err)
	}
	if host := u.Hostname(); host != "localhost" && host != "127.0.0.1" && host != "::1" {
		return nil, fmt.Errorf("ollama base url must point to localhost, got %q", host)
	}
	dims := cfg.Dimensions
	if dims == 0 {
		dims = ollamaModelDims(model)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &ollamaProvider{
		http:    &http.Client{},
		baseURL: baseURL,
		model:   model,
		dims:    dims,
		timeout: timeout,
	}, nil
}

func (p *ollamaProvider) Name() string    { return "ollama" }
func (p *ollamaProvider) Model() string   { return p.model }
func (p *ollamaProvider) Dimensions() int { return p.dims }

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed requests one vector. nomic-style models want the purpose
// encoded as a prompt prefix; retries cover 5xx and network failures,
// and a 500 on a very long input falls back to embedding the first
// half (the model's context window was likely exceeded).
func (p *ollamaProvider) Embed(ctx context.Context, text string, purpose Purpose) ([]float32, error) {
	prefix := "search_document"
	if purpose == PurposeQuery {
		prefix = "search_query"
	}
	prompt := prefix + ": " + text

	var lastErr error
	for attempt := 0; attempt < embedMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		vec, status, err := p.embedOnce(ctx, prompt)
		if err == nil {
			return vec, nil
		}
		if status == http.StatusInternalServerError && len(text) > 3000 {
			return p.Embed(ctx, text[:len(text)/2], purpose)
		}
		if status >= 400 && status < 500 {
			return nil, err
		}
		lastErr = err
	}
	return nil, apperr.BackendUnavailable(lastErr, "ollama unreachable after %d attempts", embedMaxAttempts)
}

func (p *ollamaProvider) embedOnce(ctx context.Context, prompt string) ([]float32, int, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Prompt: prompt})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal embed request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, resp.StatusCode, fmt.Errorf("ollama returned %d: %s", resp.StatusCode, respBody)
	}

	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, 0, fmt.Errorf("decode embed response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, 0, fmt.Errorf("ollama returned an empty embedding")
	}
	if err := checkVector(out.Embedding, p.dims); err != nil {
		return nil, 0, err
	}
	return out.Embedding, 0, nil
}

// ollamaModelDims maps known Ollama embedding models to their native
// vector width, for configs that leave Dimensions unset.
func ollamaModelDims(model string) int {
	switch model {
	case "mxbai-embed-large", "snowflake-arctic-embed", "qwen3-embedding", "bge-m3":
		return 1024
	case "all-minilm":
		return 384
	default: // nomic-embed-text and most others
		return 768
	}
}
