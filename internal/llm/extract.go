package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fortemi/fortemi/internal/apperr"
)

// ConceptCandidate is one concept label the classify backend proposes for
// a note's content, with a confidence in [0,1].
type ConceptCandidate struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// EntityCandidate is one named entity the entity-extraction backend
// recovers from a note's content.
type EntityCandidate struct {
	Text       string `json:"text"`
	Type       string `json:"type"`
	Normalized string `json:"normalized"`
	Position   int    `json:"position"`
}

type classifyRequest struct {
	Model string `json:"model"`
	Text  string `json:"text"`
}

type classifyResponse struct {
	Concepts []ConceptCandidate `json:"concepts"`
}

type entitiesResponse struct {
	Entities []EntityCandidate `json:"entities"`
}

// ExtractConcepts asks the chat backend's classify endpoint to propose
// SKOS concept labels for content, used by the concept-tagging pipeline
// stage. Reuses doChat's retry/timeout machinery against a structured
// response instead of a free-text one.
func (c *Client) ExtractConcepts(ctx context.Context, content string) ([]ConceptCandidate, error) {
	req := classifyRequest{Model: c.chatModel, Text: content}
	body, err := c.doStructured(ctx, "/v1/classify", req, c.chatTimeout)
	if err != nil {
		return nil, err
	}
	var out classifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode classify response: %w", err)
	}
	return out.Concepts, nil
}

// ExtractEntities asks the chat backend's entity endpoint to recover named
// entities (person/organization/location/...) from content, used by the
// reference-extraction pipeline stage.
func (c *Client) ExtractEntities(ctx context.Context, content string) ([]EntityCandidate, error) {
	req := classifyRequest{Model: c.chatModel, Text: content}
	body, err := c.doStructured(ctx, "/v1/entities", req, c.chatTimeout)
	if err != nil {
		return nil, err
	}
	var out entitiesResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode entities response: %w", err)
	}
	return out.Entities, nil
}

// doStructured is doChat's sibling for endpoints that return a JSON body
// shaped unlike chatResponse: same retry/timeout/error-classification
// behavior, raw bytes back to the caller to decode into its own type.
func (c *Client) doStructured(ctx context.Context, path string, req any, timeout time.Duration) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal llm request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		out, err := c.doStructuredOnce(ctx, path, body, timeout)
		if err == nil {
			return out, nil
		}
		var he *httpError
		if errors.As(err, &he) && !he.retryable() {
			return nil, err
		}
		lastErr = err
	}
	return nil, apperr.BackendUnavailable(lastErr, "llm backend unreachable after %d attempts", maxRetries)
}

func (c *Client) doStructuredOnce(ctx context.Context, path string, body []byte, timeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build llm request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &httpError{reason: classifyNetworkError(err), cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &httpError{statusCode: resp.StatusCode, body: string(respBody)}
	}
	return io.ReadAll(resp.Body)
}
