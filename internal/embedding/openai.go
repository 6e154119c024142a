package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fortemi/fortemi/internal/apperr"
)

// openaiProvider talks to the OpenAI embeddings API or any
// OpenAI-compatible /v1/embeddings server (llama.cpp, vLLM, LM Studio).
type openaiProvider struct {
	http    *http.Client
	baseURL string
	model   string
	apiKey  string
	dims    int
	name    string
	timeout time.Duration
}

func newOpenAI(cfg ProviderConfig) (*openaiProvider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	hosted := baseURL == "https://api.openai.com"
	if hosted && cfg.APIKey == "" {
		return nil, fmt.Errorf("openai embedding provider requires an API key (set FORTEMI_EMBED_API_KEY or embedding.api_key)")
	}

	model := cfg.Model
	if model == "" {
		if !hosted {
			return nil, fmt.Errorf("openai-compatible provider requires a model name (set FORTEMI_EMBED_MODEL or embedding.model)")
		}
		model = "text-embedding-3-small"
	}

	dims := cfg.Dimensions
	if dims == 0 && hosted {
		dims = openaiModelDims(model)
	}
	// dims == 0 against a local server means accept whatever width it returns.

	name := "openai"
	if !hosted {
		name = "openai-compatible"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &openaiProvider{
		http:    &http.Client{},
		baseURL: baseURL,
		model:   model,
		apiKey:  cfg.APIKey,
		dims:    dims,
		name:    name,
		timeout: timeout,
	}, nil
}

func (p *openaiProvider) Name() string    { return p.name }
func (p *openaiProvider) Model() string   { return p.model }
func (p *openaiProvider) Dimensions() int { return p.dims }

type openaiEmbedRequest struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Embed requests one vector. OpenAI's embedding models take no
// document/query asymmetry, so purpose is accepted for interface
// parity and ignored. 429 and 5xx retry with backoff; other 4xx fail
// immediately.
func (p *openaiProvider) Embed(ctx context.Context, text string, _ Purpose) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt < embedMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		vec, status, err := p.embedOnce(ctx, text)
		if err == nil {
			return vec, nil
		}
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			return nil, err
		}
		lastErr = err
	}
	return nil, apperr.BackendUnavailable(lastErr, "%s unreachable after %d attempts", p.name, embedMaxAttempts)
}

func (p *openaiProvider) embedOnce(ctx context.Context, text string) ([]float32, int, error) {
	reqBody := openaiEmbedRequest{Model: p.model, Input: text}
	// text-embedding-3-* accept a dimensions parameter (MRL truncation
	// server-side); older models reject it, so only send when configured.
	if p.dims > 0 && p.name == "openai" {
		reqBody.Dimensions = p.dims
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal embed request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s request: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, resp.StatusCode, fmt.Errorf("%s returned %d: %s", p.name, resp.StatusCode, respBody)
	}

	var out openaiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, 0, fmt.Errorf("decode embed response: %w", err)
	}
	if out.Error != nil {
		return nil, 0, fmt.Errorf("%s error: %s", p.name, out.Error.Message)
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, 0, fmt.Errorf("%s returned an empty embedding", p.name)
	}
	vec := out.Data[0].Embedding
	if err := checkVector(vec, p.dims); err != nil {
		return nil, 0, err
	}
	return vec, 0, nil
}

// openaiModelDims maps hosted OpenAI embedding models to their native
// vector width.
func openaiModelDims(model string) int {
	switch model {
	case "text-embedding-3-large":
		return 3072
	case "text-embedding-ada-002":
		return 1536
	default: // text-embedding-3-small
		return 1536
	}
}
