package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"reqflow/backend/pkg/models"
)

// HTTPClient talks to the model sidecar over its JSON API. It implements
// every capability interface and classifies failures for the pool: 5xx,
// 429 and transport errors are transient, other 4xx are fatal.
type HTTPClient struct {
	url  string
	http *http.Client
}

// NewHTTPClient creates a client for the sidecar at url.
func NewHTTPClient(url string) *HTTPClient {
	return &HTTPClient{
		url:  url,
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// NewHTTPClientWith uses the provided http.Client, typically one attaching
// service credentials. A nil client falls back to the default.
func NewHTTPClientWith(url string, hc *http.Client) *HTTPClient {
	if hc == nil {
		return NewHTTPClient(url)
	}
	return &HTTPClient{url: url, http: hc}
}

// Evaluate scores one requirement text.
func (c *HTTPClient) Evaluate(ctx context.Context, text string) (*Evaluation, error) {
	var out Evaluation
	if err := c.post(ctx, "evaluate", "/evaluate", map[string]string{"text": text}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Suggest returns rewrite atoms for a requirement.
func (c *HTTPClient) Suggest(ctx context.Context, text string) ([]Atom, error) {
	var out []Atom
	if err := c.post(ctx, "suggest", "/suggest", map[string]string{"text": text}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Rewrite applies atoms to produce improved requirement text.
func (c *HTTPClient) Rewrite(ctx context.Context, text string, atoms []Atom) (string, error) {
	req := map[string]any{"text": text, "atoms": atoms}
	var out struct {
		Text string `json:"text"`
	}
	if err := c.post(ctx, "rewrite", "/rewrite", req, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

// Mine extracts requirement items from a raw document. Items the sidecar
// returns without an id get a generated one, so every item has a stable key
// before it enters a pool.
func (c *HTTPClient) Mine(ctx context.Context, document string) ([]*models.RequirementItem, error) {
	var out []*models.RequirementItem
	if err := c.post(ctx, "mine", "/mine", map[string]string{"document": document}, &out); err != nil {
		return nil, err
	}
	for _, item := range out {
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
	}
	return out, nil
}

// BuildGraph indexes the batch into the knowledge graph.
func (c *HTTPClient) BuildGraph(ctx context.Context, items []*models.RequirementItem) (*Graph, error) {
	var out Graph
	if err := c.post(ctx, "build_graph", "/graph/build", map[string]any{"items": items}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Search queries the knowledge graph for related requirements.
func (c *HTTPClient) Search(ctx context.Context, query string, topK int) ([]Hit, error) {
	req := map[string]any{"query": query, "top_k": topK}
	var out []Hit
	if err := c.post(ctx, "search", "/graph/search", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) post(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &CallError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(payload))
	if err != nil {
		return &CallError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failures and deadline expiry are retryable unless the
		// caller's context is already gone.
		return &CallError{Op: op, Transient: !errors.Is(err, context.Canceled), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &CallError{
			Op:        op,
			Status:    resp.StatusCode,
			Transient: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			Err:       fmt.Errorf("unexpected status"),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &CallError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
