package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultSerperEndpoint is the Serper Google search API.
const DefaultSerperEndpoint = "https://google.serper.dev/search"

var errSerperStatus = errors.New("serper returned non-success status")

// SerperConfig configures the Serper client.
type SerperConfig struct {
	APIKey   string
	Endpoint string
	Timeout  time.Duration
}

// SerperClient is a Searcher backed by the Serper API.
type SerperClient struct {
	apiKey   string
	endpoint string
	http     *http.Client
}

// NewSerperClient builds a client. The timeout applies per request on top
// of the caller's context.
func NewSerperClient(cfg SerperConfig) (*SerperClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("serper api key is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultSerperEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &SerperClient{
		apiKey:   cfg.APIKey,
		endpoint: cfg.Endpoint,
		http:     &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type serperRequest struct {
	Query string `json:"q"`
	Num   int    `json:"num"`
}

type serperResponse struct {
	Organic []struct {
		Title    string `json:"title"`
		Link     string `json:"link"`
		Snippet  string `json:"snippet"`
		Position int    `json:"position"`
	} `json:"organic"`
}

// Search implements Searcher.
func (c *SerperClient) Search(ctx context.Context, query string, num int) ([]SearchResult, error) {
	body, err := json.Marshal(serperRequest{Query: query, Num: num})
	if err != nil {
		return nil, fmt.Errorf("encode serper request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build serper request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("serper request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %d %s", errSerperStatus, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var decoded serperResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode serper response: %w", err)
	}

	results := make([]SearchResult, 0, len(decoded.Organic))
	for _, o := range decoded.Organic {
		results = append(results, SearchResult{Title: o.Title, Link: o.Link, Snippet: o.Snippet})
	}
	return results, nil
}
