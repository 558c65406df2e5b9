// Package embeddings generates vectors for semantic memory recall using
// HuggingFace Text Embeddings Inference (TEI).
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nous-labs/relay/internal/store"
)

const (
	// PrefixDocument is prepended to texts being stored. nomic-embed-text
	// expects task prefixes.
	PrefixDocument = "search_document: "
	// PrefixQuery is prepended to search queries.
	PrefixQuery = "search_query: "
)

// TEIClient is an HTTP client for a TEI server.
type TEIClient struct {
	baseURL    string
	dimensions int
	httpClient *http.Client
}

var _ store.Embedder = (*TEIClient)(nil)

// NewTEIClient creates a client. dimensions, when positive, is checked
// against every returned vector.
func NewTEIClient(baseURL string, dimensions int, timeout time.Duration) *TEIClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TEIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		dimensions: dimensions,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type embedRequest struct {
	Inputs   any  `json:"inputs"` // string or []string
	Truncate bool `json:"truncate"`
}

// Embed returns one vector per text, each text prefixed with taskPrefix.
func (c *TEIClient) Embed(ctx context.Context, texts []string, taskPrefix string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = taskPrefix + t
	}

	body := embedRequest{Inputs: prefixed, Truncate: true}
	if len(prefixed) == 1 {
		body.Inputs = prefixed[0]
	}
	reqBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("TEI returned %d: %s", resp.StatusCode, string(respBody))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("TEI returned %d embeddings for %d inputs", len(vectors), len(texts))
	}
	if c.dimensions > 0 {
		for i, v := range vectors {
			if len(v) != c.dimensions {
				return nil, fmt.Errorf("embedding %d has %d dimensions, want %d", i, len(v), c.dimensions)
			}
		}
	}
	return vectors, nil
}

// EmbedDocument embeds text for storage.
func (c *TEIClient) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return c.one(ctx, text, PrefixDocument)
}

// EmbedQuery embeds text for search.
func (c *TEIClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return c.one(ctx, text, PrefixQuery)
}

func (c *TEIClient) one(ctx context.Context, text, prefix string) ([]float32, error) {
	results, err := c.Embed(ctx, []string{text}, prefix)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// Health checks that the TEI server is up.
func (c *TEIClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("TEI health check: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("TEI unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
