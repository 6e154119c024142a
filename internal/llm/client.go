// Package llm provides the vision, transcription, and chat backend
// adapters the pipeline treats as opaque services: each pipeline stage
// calls a fixed method with a fixed request/response contract rather
// than picking a provider interactively. Network errors are classified,
// 4xx responses fail fast, and 5xx/timeouts retry with backoff.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/fortemi/fortemi/internal/apperr"
)

// Client is the opaque-service surface the pipeline's vision,
// transcription, and revision stages call into.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string

	visionModel        string
	transcriptionModel string
	chatModel          string

	visionTimeout        time.Duration
	transcriptionTimeout time.Duration
	chatTimeout          time.Duration
}

// Config configures a Client.
type Config struct {
	BaseURL              string
	APIKey               string
	VisionModel          string
	TranscriptionModel   string
	ChatModel            string
	VisionTimeout        time.Duration
	TranscriptionTimeout time.Duration
	ChatTimeout          time.Duration
}

// New builds a Client, applying spec-default backend timeouts (120s
// vision / 300s transcription) where the config leaves them unset. Chat
// defaults to the vision timeout since revision calls are comparable in
// size to a vision call's response.
func New(cfg Config) *Client {
	if cfg.VisionTimeout == 0 {
		cfg.VisionTimeout = 120 * time.Second
	}
	if cfg.TranscriptionTimeout == 0 {
		cfg.TranscriptionTimeout = 300 * time.Second
	}
	if cfg.ChatTimeout == 0 {
		cfg.ChatTimeout = cfg.VisionTimeout
	}
	return &Client{
		http:                 &http.Client{},
		baseURL:              strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:                cfg.APIKey,
		visionModel:          cfg.VisionModel,
		transcriptionModel:   cfg.TranscriptionModel,
		chatModel:            cfg.ChatModel,
		visionTimeout:        cfg.VisionTimeout,
		transcriptionTimeout: cfg.TranscriptionTimeout,
		chatTimeout:          cfg.ChatTimeout,
	}
}

const maxRetries = 3

// Model returns the chat/revision model name, recorded by the revision
// pipeline stage alongside each generated note_revision row.
func (c *Client) Model() string { return c.chatModel }

// DescribeImage runs a vision-capable model against imageBytes and
// returns a natural-language description, used by the extraction
// pipeline's "vision" and "video_multimodal" strategies.
func (c *Client) DescribeImage(ctx context.Context, imageBytes []byte, mimeType, prompt string) (string, error) {
	req := chatRequest{
		Model: c.visionModel,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContentPart{
				{Type: "text", Text: prompt},
				{Type: "image", MimeType: mimeType, Data: imageBytes},
			},
		}},
	}
	resp, err := c.doChat(ctx, "/v1/vision", req, c.visionTimeout)
	if err != nil {
		return "", err
	}
	return resp, nil
}

// Transcribe runs a transcription model against audio/video bytes, used
// by the "audio_transcribe" extraction strategy.
func (c *Client) Transcribe(ctx context.Context, mediaBytes []byte, mimeType string) (string, error) {
	req := chatRequest{
		Model: c.transcriptionModel,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContentPart{
				{Type: "audio", MimeType: mimeType, Data: mediaBytes},
			},
		}},
	}
	return c.doChat(ctx, "/v1/transcribe", req, c.transcriptionTimeout)
}

// Revise asks a chat model to rewrite content given a rationale, used by
// the revision pipeline stage.
func (c *Client) Revise(ctx context.Context, content, instruction string) (string, error) {
	req := chatRequest{
		Model: c.chatModel,
		Messages: []chatMessage{
			{Role: "system", Content: []chatContentPart{{Type: "text", Text: instruction}}},
			{Role: "user", Content: []chatContentPart{{Type: "text", Text: content}}},
		},
	}
	return c.doChat(ctx, "/v1/chat", req, c.chatTimeout)
}

type chatContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

type chatMessage struct {
	Role    string             `json:"role"`
	Content []chatContentPart `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Output string `json:"output"`
}

// doChat posts req to path with retry-on-5xx/network-error semantics,
// mirroring internal/embedding's Ollama client: classify the failure,
// don't retry 4xx, exponential-ish backoff between attempts, surface a
// retryable apperr.BackendUnavailable when every attempt is exhausted so
// the job worker's RunWithRetry can keep backing off.
func (c *Client) doChat(ctx context.Context, path string, req chatRequest, timeout time.Duration) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal llm request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		out, err := c.doChatOnce(ctx, path, body, timeout)
		if err == nil {
			return out, nil
		}
		var he *httpError
		if errors.As(err, &he) && !he.retryable() {
			return "", err
		}
		lastErr = err
	}
	return "", apperr.BackendUnavailable(lastErr, "llm backend unreachable after %d attempts", maxRetries)
}

func (c *Client) doChatOnce(ctx context.Context, path string, body []byte, timeout time.Duration) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build llm request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", &httpError{reason: classifyNetworkError(err), cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", &httpError{statusCode: resp.StatusCode, body: string(respBody)}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode llm response: %w", err)
	}
	return out.Output, nil
}

type httpError struct {
	statusCode int
	body       string
	reason     string
	cause      error
}

func (e *httpError) Error() string {
	if e.statusCode == 0 {
		return fmt.Sprintf("llm backend: %s (%v)", e.reason, e.cause)
	}
	return fmt.Sprintf("llm backend returned %d: %s", e.statusCode, e.body)
}

func (e *httpError) retryable() bool {
	if e.reason == "permission_denied" {
		return false
	}
	return e.statusCode == 0 || e.statusCode >= 500
}

func classifyNetworkError(err error) string {
	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		switch sysErr {
		case syscall.ECONNREFUSED:
			return "connection_refused"
		case syscall.EACCES, syscall.EPERM:
			return "permission_denied"
		case syscall.ETIMEDOUT:
			return "timeout"
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Timeout() {
		return "timeout"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_failure"
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(msg, "no such host"):
		return "dns_failure"
	default:
		return "network_error"
	}
}
