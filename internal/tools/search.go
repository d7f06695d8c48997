package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SearchToolName is the name the model uses to request a web search.
const SearchToolName = "searchWeb"

// DefaultResultCount bounds the number of results returned per search.
const DefaultResultCount = 10

// SearchResult is the uniform shape handed back to the model.
type SearchResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// Searcher is a web search provider.
type Searcher interface {
	Search(ctx context.Context, query string, num int) ([]SearchResult, error)
}

// SearchTool exposes a Searcher as the searchWeb tool.
type SearchTool struct {
	provider    Searcher
	resultCount int
}

// NewSearchTool wraps provider. resultCount <= 0 selects DefaultResultCount.
func NewSearchTool(provider Searcher, resultCount int) (*SearchTool, error) {
	if provider == nil {
		return nil, errors.New("search provider is required")
	}
	if resultCount <= 0 {
		resultCount = DefaultResultCount
	}
	return &SearchTool{provider: provider, resultCount: resultCount}, nil
}

// Definition implements Tool.
func (t *SearchTool) Definition() Definition {
	return Definition{
		Name:        SearchToolName,
		Description: "Search the web for current information. Returns titles, links and snippets.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The query to search the web for",
				},
			},
			"required":             []any{"query"},
			"additionalProperties": false,
		},
	}
}

// Invoke implements Tool. Provider failures are returned as-is; there is no retry.
func (t *SearchTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &ValidationError{Argument: "query", Reason: "must not be empty"}
	}

	results, err := t.provider.Search(ctx, query, t.resultCount)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	if len(results) > t.resultCount {
		results = results[:t.resultCount]
	}

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if r.Link == "" {
			continue
		}
		out = append(out, SearchResult{
			Title:   strings.TrimSpace(r.Title),
			Link:    r.Link,
			Snippet: strings.TrimSpace(r.Snippet),
		})
	}
	return out, nil
}
