package memstore

import (
	"context"
	"hash/fnv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = pseudoVector(t)
	}
	return out, nil
}

func (e stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func pseudoVector(text string) []float32 {
	vec := make([]float32, 32)
	for term, w := range termWeights(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(term))
		vec[h.Sum32()%32] += float32(w)
	}
	return vec
}

func seedChunks() []domain.Chunk {
	from := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return []domain.Chunk{
		{
			ID:      "grant-1",
			Body:    "출산장려금 지급 대상은 출생일 기준 관내 주민등록자입니다",
			Section: "eligibility",
			DocType: "ordinance",
		},
		{
			ID:      "grant-2",
			Body:    "출산장려금 신청은 출생일로부터 12개월 이내에 해야 합니다",
			Section: "procedure",
			DocType: "ordinance",
		},
		{
			ID:        "grant-old",
			Body:      "출산장려금은 첫째아 30만원을 지급한다",
			Section:   "eligibility",
			ValidFrom: &from,
			ValidTo:   &to,
		},
		{
			ID:      "library-1",
			Body:    "도서관 회원가입 절차 안내",
			Section: "procedure",
		},
	}
}

func newSeededStore(t *testing.T) *Store {
	t.Helper()
	s := New(stubEmbedder{})
	require.NoError(t, s.UpsertChunks(context.Background(), seedChunks()))
	return s
}

func TestHybridQueryRanksRelevantFirst(t *testing.T) {
	s := newSeededStore(t)

	q := "출산장려금 지급 대상"
	vec, err := stubEmbedder{}.EmbedQuery(context.Background(), q)
	require.NoError(t, err)

	results, err := s.HybridQuery(context.Background(), q, vec, domain.SearchFilter{}, 0.5, 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, "grant-1", results[0].Chunk.ID)
	for _, r := range results {
		if r.Chunk.ID == "library-1" {
			assert.Less(t, r.Score, results[0].Score)
		}
	}
}

func TestHybridQueryFacetFilter(t *testing.T) {
	s := newSeededStore(t)

	filter := domain.SearchFilter{Facets: map[string]string{domain.FacetSection: "procedure"}}
	results, err := s.HybridQuery(context.Background(), "출산장려금 신청", nil, filter, 0.0, 10)
	require.NoError(t, err)

	for _, r := range results {
		assert.Equal(t, "procedure", r.Chunk.FacetValue(domain.FacetSection))
	}
}

func TestHybridQueryAsOfExcludesExpired(t *testing.T) {
	s := newSeededStore(t)

	asOf := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	results, err := s.HybridQuery(context.Background(), "출산장려금 지급", nil, domain.SearchFilter{AsOf: &asOf}, 0.0, 10)
	require.NoError(t, err)

	for _, r := range results {
		assert.NotEqual(t, "grant-old", r.Chunk.ID)
	}
}

func TestHybridQuerySpacingVariants(t *testing.T) {
	s := newSeededStore(t)

	a, err := s.HybridQuery(context.Background(), "출산장려금 지급", nil, domain.SearchFilter{}, 0.0, 3)
	require.NoError(t, err)
	b, err := s.HybridQuery(context.Background(), "출산 장려금 지급", nil, domain.SearchFilter{}, 0.0, 3)
	require.NoError(t, err)

	require.NotEmpty(t, a)
	require.NotEmpty(t, b)
	assert.Equal(t, a[0].Chunk.ID, b[0].Chunk.ID)
}

func TestAggregateGroupBy(t *testing.T) {
	s := newSeededStore(t)

	counts, err := s.AggregateGroupBy(context.Background(), domain.FacetSection, domain.SearchFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, counts["eligibility"])
	assert.Equal(t, 2, counts["procedure"])

	filtered, err := s.AggregateGroupBy(context.Background(), domain.FacetSection, domain.SearchFilter{
		Facets: map[string]string{domain.FacetDocType: "ordinance"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, filtered["eligibility"])
	assert.Equal(t, 1, filtered["procedure"])
}

func TestUpsertChunksOverwrites(t *testing.T) {
	s := newSeededStore(t)

	updated := seedChunks()[0]
	updated.Body = "도서관 연체료 안내"
	updated.Section = "definitions"
	updated.DocType = ""
	require.NoError(t, s.UpsertChunks(context.Background(), []domain.Chunk{updated}))

	counts, err := s.AggregateGroupBy(context.Background(), domain.FacetSection, domain.SearchFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, counts["eligibility"])
	assert.Equal(t, 1, counts["definitions"])
}

func TestFuseAlphaWeighting(t *testing.T) {
	ca := domain.Chunk{ID: "a"}
	cb := domain.Chunk{ID: "b"}
	dense := []rankedEntry{{chunk: ca, score: 1}}
	sparse := []rankedEntry{{chunk: cb, score: 1}}

	denseHeavy := fuse(dense, sparse, 0.8, 10)
	require.Len(t, denseHeavy, 2)
	assert.Equal(t, "a", denseHeavy[0].Chunk.ID)

	sparseHeavy := fuse(dense, sparse, 0.2, 10)
	require.Len(t, sparseHeavy, 2)
	assert.Equal(t, "b", sparseHeavy[0].Chunk.ID)
}
