package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewOpenAIRequiresKeyForHostedAPI(t *testing.T) {
	_, err := newOpenAI(ProviderConfig{Provider: "openai"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "API key")
}

func TestNewOpenAICompatibleRequiresModel(t *testing.T) {
	_, err := newOpenAI(ProviderConfig{Provider: "openai-compatible", BaseURL: "http://localhost:8000"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "model")
}

func TestNewOpenAIDefaults(t *testing.T) {
	p, err := newOpenAI(ProviderConfig{Provider: "openai", APIKey: "sk-test"})
	require.NoError(t, err)
	require.Equal(t, "openai", p.Name())
	require.Equal(t, "text-embedding-3-small", p.Model())
	require.Equal(t, 1536, p.Dimensions())
}

func openaiTestServer(t *testing.T, handler http.HandlerFunc) (*openaiProvider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	p, err := newOpenAI(ProviderConfig{
		Provider: "openai-compatible",
		BaseURL:  srv.URL,
		Model:    "test-embed",
		Dimensions: 3,
	})
	require.NoError(t, err)
	return p, srv
}

func TestOpenAIEmbedSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"embedding": []float32{1, 2, 3}}}})
	}))
	defer srv.Close()

	p, err := newOpenAI(ProviderConfig{
		Provider: "openai-compatible", BaseURL: srv.URL, Model: "test-embed", APIKey: "sk-local", Dimensions: 3,
	})
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), "text", PurposeQuery)
	require.NoError(t, err)
	require.Equal(t, "Bearer sk-local", gotAuth)
}

func TestOpenAIEmbedDoesNotRetry4xx(t *testing.T) {
	var calls atomic.Int32
	p, srv := openaiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"invalid input"}}`, http.StatusUnprocessableEntity)
	})
	defer srv.Close()

	_, err := p.Embed(context.Background(), "text", PurposeDocument)
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestOpenAIEmbedRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	p, srv := openaiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"embedding": []float32{1, 2, 3}}}})
	})
	defer srv.Close()

	vec, err := p.Embed(context.Background(), "text", PurposeDocument)
	require.NoError(t, err)
	require.Len(t, vec, 3)
	require.Equal(t, int32(2), calls.Load())
}

func TestOpenAIEmbedRejectsDimensionMismatch(t *testing.T) {
	p, srv := openaiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{{"embedding": []float32{1, 2, 3, 4, 5}}}})
	})
	defer srv.Close()

	_, err := p.Embed(context.Background(), "text", PurposeDocument)
	require.Error(t, err)
	require.Contains(t, err.Error(), "dimension mismatch")
}

func TestOpenAIEmbedSurfacesAPIError(t *testing.T) {
	p, srv := openaiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "model not found"}})
	})
	defer srv.Close()

	_, err := p.Embed(context.Background(), "text", PurposeDocument)
	require.Error(t, err)
	require.Contains(t, err.Error(), "model not found")
}
