// Package embedding adapts the opaque text-embedding backends the
// pipeline and search engine call into: a local Ollama instance (the
// default, fully private) or any OpenAI-compatible /v1/embeddings
// server. Providers are interchangeable behind Provider, but vectors
// from different models never mix — an embedding set records the model
// that produced its rows, and switching providers means re-embedding.
package embedding

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Purpose selects the asymmetric-embedding variant some models (e.g.
// nomic-embed-text) distinguish between indexing and querying.
type Purpose string

const (
	PurposeDocument Purpose = "document"
	PurposeQuery    Purpose = "query"
)

// Provider generates embedding vectors from text. Every call takes a
// context because the backend is a network service the job worker must
// be able to cancel mid-flight.
type Provider interface {
	// Embed returns a vector for text, shaped for the given purpose.
	Embed(ctx context.Context, text string, purpose Purpose) ([]float32, error)

	// Name identifies the provider ("ollama", "openai").
	Name() string

	// Model is the embedding model name persisted alongside each vector.
	Model() string

	// Dimensions is the vector width this provider produces.
	Dimensions() int
}

// ProviderConfig selects and tunes a provider.
type ProviderConfig struct {
	Provider   string        // "ollama" (default), "openai", "openai-compatible"
	Model      string        // provider-specific default if empty
	APIKey     string        // required for cloud providers
	BaseURL    string        // provider-specific default if empty
	Dimensions int           // 0 = provider default for the model
	Timeout    time.Duration // per-request bound; 0 = 60s
}

// NewProvider builds a Provider from cfg. "none" is recognised but builds
// no provider: it returns an error like any other unusable setting.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	switch cfg.Provider {
	case "", "ollama":
		return newOllama(cfg)
	case "openai", "openai-compatible":
		return newOpenAI(cfg)
	case "none":
		return nil, fmt.Errorf("embedding provider is \"none\" (keyword-only mode)")
	default:
		return nil, fmt.Errorf("unknown embedding provider %q (supported: ollama, openai, openai-compatible, none)", cfg.Provider)
	}
}

// checkVector rejects a backend response whose vector is the wrong
// width or all zeros (both indicate the backend answered with garbage
// rather than failing outright).
func checkVector(vec []float32, wantDims int) error {
	if wantDims > 0 && len(vec) != wantDims {
		return fmt.Errorf("embedding dimension mismatch: want %d, got %d", wantDims, len(vec))
	}
	zero := true
	for _, v := range vec {
		if math.Float32bits(v) != 0 {
			zero = false
			break
		}
	}
	if zero {
		return fmt.Errorf("backend returned an all-zero embedding")
	}
	return nil
}
