package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/core/ports"
	"github.com/kirillkom/retrieval-engine/internal/infrastructure/resilience"
)

// Client is the qdrant-backed chunk store. Chunks are points carrying a dense
// named vector, a sparse lexical vector and the full facet payload; hybrid
// queries run both vectors and fuse the rankings client-side.
type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	embedder   ports.Embedder
	exec       *resilience.Executor

	ensureMu          sync.Mutex
	ensuredCollection bool
	ensuredVectorSize int
}

func New(baseURL, collection string, embedder ports.Embedder, exec *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		embedder:   embedder,
		exec:       exec,
	}
}

// fusionRRFK is the rank smoothing constant of reciprocal-rank fusion.
const fusionRRFK = 60

func (c *Client) HybridQuery(
	ctx context.Context,
	text string,
	queryVector []float32,
	filter domain.SearchFilter,
	alpha float64,
	limit int,
) ([]domain.ScoredChunk, error) {
	if limit <= 0 {
		limit = 10
	}
	qfilter := buildFilter(filter)

	var dense, sparse []domain.ScoredChunk
	var err error
	if len(queryVector) > 0 && alpha > 0 {
		dense, err = c.queryPoints(ctx, map[string]any{
			"query":        queryVector,
			"using":        "dense",
			"limit":        limit,
			"with_payload": true,
			"filter":       qfilter,
		})
		if err != nil {
			return nil, err
		}
	}
	if alpha < 1 {
		lexical := encodeSparseQuery(text)
		if len(lexical.Indices) > 0 {
			sparse, err = c.queryPoints(ctx, map[string]any{
				"query":        map[string]any{"indices": lexical.Indices, "values": lexical.Values},
				"using":        "lexical",
				"limit":        limit,
				"with_payload": true,
				"filter":       qfilter,
			})
			if err != nil {
				return nil, err
			}
		}
	}

	return fuseHybrid(dense, sparse, alpha, limit), nil
}

func (c *Client) queryPoints(ctx context.Context, reqBody map[string]any) ([]domain.ScoredChunk, error) {
	var queryResp struct {
		Result struct {
			Points []struct {
				Score   float64        `json:"score"`
				Payload map[string]any `json:"payload"`
			} `json:"points"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/query", c.collection)
	if err := c.do(ctx, "qdrant query", http.MethodPost, path, reqBody, &queryResp); err != nil {
		return nil, err
	}

	out := make([]domain.ScoredChunk, 0, len(queryResp.Result.Points))
	for _, p := range queryResp.Result.Points {
		out = append(out, domain.ScoredChunk{
			Chunk: chunkFromPayload(p.Payload),
			Score: p.Score,
		})
	}
	return out, nil
}

// fuseHybrid merges the dense and sparse rankings with weighted
// reciprocal-rank fusion. Alpha weights the dense list; ties order by chunk
// identifier.
func fuseHybrid(dense, sparse []domain.ScoredChunk, alpha float64, limit int) []domain.ScoredChunk {
	type fused struct {
		chunk domain.Chunk
		score float64
	}
	acc := make(map[string]fused, len(dense)+len(sparse))
	addList := func(chunks []domain.ScoredChunk, weight float64) {
		for rank, sc := range chunks {
			entry, ok := acc[sc.Chunk.ID]
			if !ok {
				entry.chunk = sc.Chunk
			}
			entry.score += weight / float64(fusionRRFK+rank+1)
			acc[sc.Chunk.ID] = entry
		}
	}
	addList(dense, alpha)
	addList(sparse, 1-alpha)

	out := make([]domain.ScoredChunk, 0, len(acc))
	for _, f := range acc {
		out = append(out, domain.ScoredChunk{Chunk: f.chunk, Score: f.score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Chunk.ID < out[j].Chunk.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (c *Client) AggregateGroupBy(ctx context.Context, facet string, filter domain.SearchFilter) (map[string]int, error) {
	reqBody := map[string]any{
		"key":   facet,
		"limit": 1000,
		"exact": true,
	}
	if f := buildFilter(filter); f != nil {
		reqBody["filter"] = f
	}

	var facetResp struct {
		Result struct {
			Hits []struct {
				Value any `json:"value"`
				Count int `json:"count"`
			} `json:"hits"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/facet", c.collection)
	if err := c.do(ctx, "qdrant facet", http.MethodPost, path, reqBody, &facetResp); err != nil {
		return nil, err
	}

	out := make(map[string]int, len(facetResp.Result.Hits))
	for _, hit := range facetResp.Result.Hits {
		if value, ok := hit.Value.(string); ok && value != "" {
			out[value] = hit.Count
		}
	}
	return out, nil
}

func (c *Client) UpsertChunks(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	bodies := make([]string, len(chunks))
	for i, chunk := range chunks {
		bodies[i] = chunk.Body
	}
	vectors, err := c.embedder.Embed(ctx, bodies)
	if err != nil {
		return fmt.Errorf("embed chunk bodies: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	if err := c.ensureCollection(ctx, len(vectors[0])); err != nil {
		return err
	}

	type point struct {
		ID      string         `json:"id"`
		Vector  map[string]any `json:"vector"`
		Payload map[string]any `json:"payload"`
	}
	points := make([]point, 0, len(chunks))
	for i, chunk := range chunks {
		points = append(points, point{
			// Point identity derives from the chunk ID, so re-upserting the
			// same chunk overwrites the stored version.
			ID: pointID(chunk.ID),
			Vector: map[string]any{
				"dense":   vectors[i],
				"lexical": encodeSparseDocument(chunk.Body, chunk.Section),
			},
			Payload: chunkPayload(chunk),
		})
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", c.collection)
	return c.do(ctx, "qdrant upsert", http.MethodPut, path, map[string]any{"points": points}, nil)
}

// UpsertDocuments pushes document-level facet metadata down onto the stored
// chunk payloads of that document, keeping filters consistent after document
// metadata changes.
func (c *Client) UpsertDocuments(ctx context.Context, docs []domain.Document) error {
	for _, doc := range docs {
		payload := map[string]any{"doc_title": doc.Title}
		if doc.DocType != "" {
			payload["doc_type"] = doc.DocType
		}
		if doc.Jurisdiction != "" {
			payload["jurisdiction"] = doc.Jurisdiction
		}
		if doc.Lang != "" {
			payload["lang"] = doc.Lang
		}

		reqBody := map[string]any{
			"payload": payload,
			"filter": map[string]any{
				"must": []map[string]any{
					{"key": "doc_id", "match": map[string]any{"value": doc.ID}},
				},
			},
		}
		path := fmt.Sprintf("/collections/%s/points/payload?wait=true", c.collection)
		if err := c.do(ctx, "qdrant set payload", http.MethodPost, path, reqBody, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) EnsureSchema(ctx context.Context, vectorSize int) error {
	return c.ensureCollection(ctx, vectorSize)
}

func (c *Client) ensureCollection(ctx context.Context, vectorSize int) error {
	c.ensureMu.Lock()
	if c.ensuredCollection && c.ensuredVectorSize == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	reqBody := map[string]any{
		"vectors": map[string]any{
			"dense": map[string]any{
				"size":     vectorSize,
				"distance": "Cosine",
			},
		},
		"sparse_vectors": map[string]any{
			"lexical": map[string]any{},
		},
	}
	path := fmt.Sprintf("/collections/%s", c.collection)
	// 409 means the collection already exists.
	if err := c.do(ctx, "qdrant ensure collection", http.MethodPut, path, reqBody, nil); err != nil && !isStatus(err, http.StatusConflict) {
		return err
	}

	for field, schema := range payloadIndexes() {
		idxBody := map[string]any{"field_name": field, "field_schema": schema}
		idxPath := fmt.Sprintf("/collections/%s/index", c.collection)
		if err := c.do(ctx, "qdrant payload index", http.MethodPut, idxPath, idxBody, nil); err != nil && !isStatus(err, http.StatusConflict) {
			return err
		}
	}

	c.ensureMu.Lock()
	c.ensuredCollection = true
	c.ensuredVectorSize = vectorSize
	c.ensureMu.Unlock()
	return nil
}

func payloadIndexes() map[string]string {
	out := map[string]string{
		"doc_id":     "keyword",
		"valid_from": "integer",
		"valid_to":   "integer",
	}
	for _, facet := range domain.TrackedFacets() {
		out[facet] = "keyword"
	}
	return out
}

// do runs one JSON request under the retry/breaker executor and decodes the
// response into out when non-nil.
func (c *Client) do(ctx context.Context, operation, method, path string, reqBody any, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("%s: marshal body: %w", operation, err)
	}

	call := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%s: create request: %w", operation, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return &HTTPStatusError{
				Operation:  operation,
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				Body:       strings.TrimSpace(string(respBody)),
			}
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: decode response: %w", operation, err)
		}
		return nil
	}

	if c.exec == nil {
		return wrapTemporaryIfNeeded(operation, call(ctx))
	}
	return wrapTemporaryIfNeeded(operation, c.exec.Execute(ctx, operation, call, classifyQdrantError))
}

func pointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
}

func chunkPayload(chunk domain.Chunk) map[string]any {
	payload := map[string]any{
		"chunk_id": chunk.ID,
		"doc_id":   chunk.DocID,
		"body":     chunk.Body,
	}
	for _, facet := range domain.TrackedFacets() {
		if v := chunk.FacetValue(facet); v != "" {
			payload[facet] = v
		}
	}
	if len(chunk.Entities) > 0 {
		payload["entities"] = chunk.Entities
	}
	if chunk.ValidFrom != nil {
		payload["valid_from"] = chunk.ValidFrom.Unix()
	}
	if chunk.ValidTo != nil {
		payload["valid_to"] = chunk.ValidTo.Unix()
	}
	return payload
}

func chunkFromPayload(payload map[string]any) domain.Chunk {
	chunk := domain.Chunk{
		ID:           getStringPayload(payload, "chunk_id"),
		DocID:        getStringPayload(payload, "doc_id"),
		Section:      getStringPayload(payload, "section"),
		DocType:      getStringPayload(payload, "doc_type"),
		Jurisdiction: getStringPayload(payload, "jurisdiction"),
		Lang:         getStringPayload(payload, "lang"),
		Body:         getStringPayload(payload, "body"),
	}
	if raw, ok := payload["entities"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				chunk.Entities = append(chunk.Entities, s)
			}
		}
	}
	if ts, ok := getIntPayload(payload, "valid_from"); ok {
		at := time.Unix(ts, 0).UTC()
		chunk.ValidFrom = &at
	}
	if ts, ok := getIntPayload(payload, "valid_to"); ok {
		at := time.Unix(ts, 0).UTC()
		chunk.ValidTo = &at
	}
	return chunk
}

// buildFilter translates a search filter into a qdrant filter object. Facet
// constraints are exact payload matches; the as-of instant clamps both
// validity bounds, treating a missing bound as open-ended.
func buildFilter(filter domain.SearchFilter) map[string]any {
	if filter.Empty() {
		return nil
	}

	must := make([]map[string]any, 0, len(filter.Facets)+2)
	for _, facet := range sortedFacetKeys(filter.Facets) {
		must = append(must, map[string]any{
			"key":   facet,
			"match": map[string]any{"value": filter.Facets[facet]},
		})
	}
	if filter.AsOf != nil {
		ts := filter.AsOf.Unix()
		must = append(must,
			map[string]any{"should": []map[string]any{
				{"is_empty": map[string]any{"key": "valid_from"}},
				{"key": "valid_from", "range": map[string]any{"lte": ts}},
			}},
			map[string]any{"should": []map[string]any{
				{"is_empty": map[string]any{"key": "valid_to"}},
				{"key": "valid_to", "range": map[string]any{"gte": ts}},
			}},
		)
	}
	return map[string]any{"must": must}
}

func sortedFacetKeys(facets map[string]string) []string {
	keys := make([]string, 0, len(facets))
	for k := range facets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getIntPayload(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
