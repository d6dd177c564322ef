// Package reranker is an HTTP client for a cross-encoder scoring service
// compatible with the common /rerank contract (TEI-style servers).
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	exec       *resilience.Executor
}

func New(baseURL, model string, exec *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		exec:       exec,
	}
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Score returns one relevance score per body, positionally aligned with the
// input.
func (c *Client) Score(ctx context.Context, query string, bodies []string) ([]float64, error) {
	if len(bodies) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(rerankRequest{Model: c.model, Query: query, Documents: bodies})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	var response rerankResponse
	call := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create rerank request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("reranker request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return &HTTPStatusError{
				Operation:  "rerank",
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				Body:       strings.TrimSpace(string(raw)),
			}
		}
		return json.NewDecoder(resp.Body).Decode(&response)
	}

	if c.exec == nil {
		err = call(ctx)
	} else {
		err = c.exec.Execute(ctx, "reranker_score", call, classifyRerankerError)
	}
	if err != nil {
		return nil, wrapTemporaryIfNeeded("rerank", err)
	}

	scores := make([]float64, len(bodies))
	seen := 0
	for _, r := range response.Results {
		if r.Index < 0 || r.Index >= len(scores) {
			return nil, domain.WrapError(domain.ErrAdapter, "rerank",
				fmt.Errorf("result index %d out of range for %d documents", r.Index, len(bodies)))
		}
		scores[r.Index] = r.RelevanceScore
		seen++
	}
	if seen != len(bodies) {
		return nil, domain.WrapError(domain.ErrAdapter, "rerank",
			fmt.Errorf("expected %d scores, got %d", len(bodies), seen))
	}
	return scores, nil
}
