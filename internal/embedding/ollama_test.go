package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// localURL rewrites an httptest server URL onto the localhost hostname
// the provider's privacy check requires.
func localURL(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return "http://localhost:" + u.Port()
}

func TestNewOllamaRejectsRemoteURL(t *testing.T) {
	_, err := newOllama(ProviderConfig{BaseURL: "http://embed.example.com:11434"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "localhost")
}

func TestOllamaDefaults(t *testing.T) {
	p, err := newOllama(ProviderConfig{})
	require.NoError(t, err)
	require.Equal(t, "ollama", p.Name())
	require.Equal(t, "nomic-embed-text", p.Model())
	require.Equal(t, 768, p.Dimensions())
}

func TestOllamaEmbedAppliesPurposePrefix(t *testing.T) {
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotPrompt = req.Prompt
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	p, err := newOllama(ProviderConfig{BaseURL: localURL(t, srv), Dimensions: 3})
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), "some text", PurposeQuery)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(gotPrompt, "search_query: "))

	_, err = p.Embed(context.Background(), "some text", PurposeDocument)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(gotPrompt, "search_document: "))
}

func TestOllamaEmbedDoesNotRetry4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	p, err := newOllama(ProviderConfig{BaseURL: localURL(t, srv)})
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), "text", PurposeQuery)
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestOllamaEmbedRetries5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{1, 2, 3}})
	}))
	defer srv.Close()

	p, err := newOllama(ProviderConfig{BaseURL: localURL(t, srv), Dimensions: 3})
	require.NoError(t, err)

	vec, err := p.Embed(context.Background(), "text", PurposeQuery)
	require.NoError(t, err)
	require.Len(t, vec, 3)
	require.Equal(t, int32(2), calls.Load())
}

func TestOllamaEmbedRejectsZeroVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{0, 0, 0}})
	}))
	defer srv.Close()

	p, err := newOllama(ProviderConfig{BaseURL: localURL(t, srv), Dimensions: 3})
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), "text", PurposeDocument)
	require.Error(t, err)
	require.Contains(t, err.Error(), "all-zero")
}

func TestOllamaEmbedTruncatesLongTextOn500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// Refuse anything over ~5000 chars the way a context-window
		// overflow surfaces; the halved retry then fits.
		if len(req.Prompt) > 5100 {
			http.Error(w, "context overflow", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{1, 2, 3}})
	}))
	defer srv.Close()

	p, err := newOllama(ProviderConfig{BaseURL: localURL(t, srv), Dimensions: 3})
	require.NoError(t, err)

	vec, err := p.Embed(context.Background(), strings.Repeat("x", 10000), PurposeDocument)
	require.NoError(t, err)
	require.Len(t, vec, 3)
}
