// Package ollama adapts a local ollama server to the embedding and
// validation ports.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	genModel   string
	embedModel string
	httpClient *http.Client
	exec       *resilience.Executor
}

func New(baseURL, genModel, embedModel string, exec *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		genModel:   genModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		exec:       exec,
	}
}

// Embedder is the ports.Embedder implementation. A token-bucket limiter
// shields the embedding model from ingest bursts; query embeddings share
// the same bucket.
type Embedder struct {
	client  *Client
	limiter *rate.Limiter
}

func NewEmbedder(client *Client, rps float64, burst int) *Embedder {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = int(rps)
	}
	return &Embedder{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	request := map[string]any{
		"model": e.client.embedModel,
		"input": texts,
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := e.client.postJSON(ctx, "/api/embed", request, &response, "embed"); err != nil {
		return nil, domain.WrapError(domain.ErrEmbedding, "embed", err)
	}
	if len(response.Embeddings) != len(texts) {
		return nil, domain.WrapError(domain.ErrEmbedding, "embed",
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(response.Embeddings)))
	}
	return response.Embeddings, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, domain.WrapError(domain.ErrEmbedding, "embed_query", fmt.Errorf("empty embedding result"))
	}
	return vectors[0], nil
}

// Judge is the ports.ValidatorJudge implementation. It asks the generative
// model for a strict-JSON verdict over the selected chunks.
type Judge struct {
	client *Client
}

func NewJudge(client *Client) *Judge {
	return &Judge{client: client}
}

func (j *Judge) Check(
	ctx context.Context,
	query string,
	selected []domain.RankedChunk,
	plan domain.QueryPlan,
) (domain.Verdict, error) {
	respText, err := j.client.generateJSON(ctx, buildVerdictPrompt(query, selected, plan))
	if err != nil {
		return domain.Verdict{}, err
	}

	var raw struct {
		Valid      bool    `json:"valid"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
		Action     string  `json:"action"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(respText)), &raw); err != nil {
		return domain.Verdict{}, domain.WrapError(domain.ErrValidator, "parse_verdict", err)
	}

	verdict := domain.Verdict{
		Valid:      raw.Valid,
		Confidence: clampUnit(raw.Confidence),
		Reason:     strings.TrimSpace(raw.Reason),
		Action:     normalizeAction(raw.Action, raw.Valid),
	}
	return verdict, nil
}

func normalizeAction(action string, valid bool) domain.VerdictAction {
	if valid {
		return domain.ActionAccept
	}
	switch domain.VerdictAction(strings.ToUpper(strings.TrimSpace(action))) {
	case domain.ActionDrilldown:
		return domain.ActionDrilldown
	case domain.ActionRelax:
		return domain.ActionRelax
	case domain.ActionPivot:
		return domain.ActionPivot
	default:
		return ""
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (c *Client) generateJSON(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":  c.genModel,
		"prompt": prompt,
		"stream": false,
		"format": "json",
	}

	var response struct {
		Response string `json:"response"`
	}
	if err := c.postJSON(ctx, "/api/generate", reqBody, &response, "generate"); err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Response), nil
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
