package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fortemi/fortemi/internal/apperr"
)

func TestReviseRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"output":"revised content"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, ChatModel: "test-model"})
	out, err := c.Revise(context.Background(), "original", "tighten the prose")
	require.NoError(t, err)
	require.Equal(t, "revised content", out)
}

func TestDoChatReturnsBackendUnavailableAfterRetriesExhausted(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, ChatModel: "test-model", ChatTimeout: time.Second})
	_, err := c.Revise(context.Background(), "x", "y")
	require.Error(t, err)
	require.True(t, apperr.Retryable(err))
	require.Equal(t, maxRetries, calls)
}

func TestDoChatDoesNotRetry4xx(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, ChatModel: "test-model", ChatTimeout: time.Second})
	_, err := c.Revise(context.Background(), "x", "y")
	require.Error(t, err)
	require.Equal(t, 1, calls)
}
