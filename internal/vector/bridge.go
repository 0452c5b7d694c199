package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/joss/kado/internal/apperr"
)

// DefaultURL is where the embedding service listens by default.
const DefaultURL = "http://localhost:8100"

// healthTimeout bounds the liveness probe.
const healthTimeout = 5 * time.Second

// Bridge is an HTTP client for the embedding service:
//
//	POST   /embeddings/encode  {"texts": [...]}            -> {"embeddings": [[...]]}
//	POST   /embeddings/upsert  {"id","text","metadata"}
//	POST   /embeddings/query   {"text","top_k"}            -> {"results": [{id,score,metadata}]}
//	DELETE /embeddings/{id}    (404 is not an error)
//	GET    /health
type Bridge struct {
	url        string
	httpClient *http.Client
	policy     apperr.Policy
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) BridgeOption {
	return func(b *Bridge) { b.httpClient = c }
}

// WithRetryPolicy replaces the retry policy for network failures.
func WithRetryPolicy(p apperr.Policy) BridgeOption {
	return func(b *Bridge) { b.policy = p }
}

// NewBridge creates a bridge for baseURL.
func NewBridge(baseURL string, opts ...BridgeOption) *Bridge {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	b := &Bridge{
		url: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		policy: apperr.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// URL returns the service base URL.
func (b *Bridge) URL() string {
	return b.url
}

// Embed encodes texts into vectors.
func (b *Bridge) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := b.do(ctx, http.MethodPost, "/embeddings/encode", map[string]any{"texts": texts}, &out, false); err != nil {
		return nil, err
	}
	return out.Embeddings, nil
}

// Upsert stores text under id.
func (b *Bridge) Upsert(ctx context.Context, id, text string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	body := map[string]any{"id": id, "text": text, "metadata": metadata}
	return b.do(ctx, http.MethodPost, "/embeddings/upsert", body, nil, false)
}

// Query returns the topK nearest entries. The entry text is read from
// metadata.text.
func (b *Bridge) Query(ctx context.Context, text string, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = 10
	}
	var out struct {
		Results []struct {
			ID       string         `json:"id"`
			Score    float64        `json:"score"`
			Metadata map[string]any `json:"metadata"`
		} `json:"results"`
	}
	if err := b.do(ctx, http.MethodPost, "/embeddings/query", map[string]any{"text": text, "top_k": topK}, &out, false); err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(out.Results))
	for _, r := range out.Results {
		md := r.Metadata
		if md == nil {
			md = map[string]any{}
		}
		t, _ := md["text"].(string)
		matches = append(matches, Match{ID: r.ID, Text: t, Metadata: md, Score: r.Score})
	}
	return matches, nil
}

// Delete removes id. A missing id is not an error.
func (b *Bridge) Delete(ctx context.Context, id string) error {
	return b.do(ctx, http.MethodDelete, "/embeddings/"+url.PathEscape(id), nil, nil, true)
}

// Healthy probes /health once, without retries.
func (b *Bridge) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// do sends one JSON request with retries on network failures. HTTP error
// statuses are not retried except 502, 503 and 504.
func (b *Bridge) do(ctx context.Context, method, path string, in, out any, notFoundOK bool) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return apperr.Validation("vector."+path, "marshal request: %v", err)
		}
	}

	op := "vector " + method + " " + path
	_, err := apperr.Retry(ctx, b.policy, func(ctx context.Context) (struct{}, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, b.url+path, body)
		if err != nil {
			return struct{}{}, apperr.Wrap(apperr.KindValidation, op, err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := b.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return struct{}{}, ctx.Err()
			}
			return struct{}{}, apperr.Infrastructure(op, err)
		}
		defer resp.Body.Close()

		if notFoundOK && resp.StatusCode == http.StatusNotFound {
			return struct{}{}, nil
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			herr := fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
			switch resp.StatusCode {
			case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
				return struct{}{}, apperr.Infrastructure(op, herr)
			}
			return struct{}{}, apperr.Wrap(apperr.KindExecution, op, herr)
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return struct{}{}, apperr.Wrap(apperr.KindExecution, op, fmt.Errorf("decode response: %w", err))
			}
		}
		return struct{}{}, nil
	})
	return err
}

var _ Index = (*Bridge)(nil)
