package usecase

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"

	"github.com/kirillkom/retrieval-engine/internal/config"
	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/observability/trace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeEmbedder maps text to a deterministic pseudo-vector derived from
// character bigrams, so related strings land near each other.
type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = pseudoVector(t)
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return pseudoVector(text), nil
}

func pseudoVector(text string) []float32 {
	vec := make([]float32, 32)
	for term, weight := range termFreq(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(term))
		vec[h.Sum32()%32] += float32(weight)
	}
	return vec
}

// fakeStore serves hybrid queries from an in-memory corpus ranked by
// term-frequency cosine, which is deterministic and spacing-tolerant.
type fakeStore struct {
	mu     sync.Mutex
	chunks map[string]domain.Chunk
	docs   map[string]domain.Document

	hybridErr    error
	aggregateErr error
	queries      int
	aggregates   int
}

func newFakeStore(chunks ...domain.Chunk) *fakeStore {
	s := &fakeStore{
		chunks: make(map[string]domain.Chunk),
		docs:   make(map[string]domain.Document),
	}
	for _, c := range chunks {
		s.chunks[c.ID] = c
	}
	return s
}

func (s *fakeStore) HybridQuery(_ context.Context, text string, _ []float32, filter domain.SearchFilter, _ float64, limit int) ([]domain.ScoredChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if s.hybridErr != nil {
		return nil, s.hybridErr
	}

	qf := termFreq(text)
	out := make([]domain.ScoredChunk, 0, limit)
	for _, c := range s.chunks {
		if !matchesFilter(c, filter) {
			continue
		}
		out = append(out, domain.ScoredChunk{Chunk: c, Score: cosineTermFreq(qf, termFreq(c.Body))})
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
	return out, nil
}

func (s *fakeStore) AggregateGroupBy(_ context.Context, facet string, filter domain.SearchFilter) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggregates++
	if s.aggregateErr != nil {
		return nil, s.aggregateErr
	}

	counts := make(map[string]int)
	for _, c := range s.chunks {
		if !matchesFilter(c, filter) {
			continue
		}
		if v := c.FacetValue(facet); v != "" {
			counts[v]++
		}
	}
	return counts, nil
}

func (s *fakeStore) UpsertChunks(_ context.Context, chunks []domain.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.chunks[c.ID] = c
	}
	return nil
}

func (s *fakeStore) UpsertDocuments(_ context.Context, docs []domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		s.docs[d.ID] = d
	}
	return nil
}

func (s *fakeStore) EnsureSchema(context.Context, int) error { return nil }

func matchesFilter(c domain.Chunk, filter domain.SearchFilter) bool {
	for facet, value := range filter.Facets {
		if c.FacetValue(facet) != value {
			return false
		}
	}
	if filter.AsOf != nil && !c.ValidAt(*filter.AsOf) {
		return false
	}
	return true
}

// fakeScorer scores by query/body token overlap.
type fakeScorer struct {
	err   error
	calls int
}

func (f *fakeScorer) Score(_ context.Context, query string, bodies []string) ([]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	qf := termFreq(query)
	out := make([]float64, len(bodies))
	for i, body := range bodies {
		out[i] = cosineTermFreq(qf, termFreq(body))
	}
	return out, nil
}

// fakeJudge replays a scripted verdict sequence; the last entry repeats.
type fakeJudge struct {
	verdicts []domain.Verdict
	err      error
	calls    int
}

func (f *fakeJudge) Check(context.Context, string, []domain.RankedChunk, domain.QueryPlan) (domain.Verdict, error) {
	f.calls++
	if f.err != nil {
		return domain.Verdict{}, f.err
	}
	if len(f.verdicts) == 0 {
		return domain.Verdict{Valid: true, Confidence: 0.9}, nil
	}
	idx := f.calls - 1
	if idx >= len(f.verdicts) {
		idx = len(f.verdicts) - 1
	}
	return f.verdicts[idx], nil
}

// fakeStatsRepo is an in-memory ChunkStats store with per-key serialized
// merges.
type fakeStatsRepo struct {
	mu    sync.Mutex
	stats map[string]domain.ChunkStats
	err   error
}

func newFakeStatsRepo() *fakeStatsRepo {
	return &fakeStatsRepo{stats: make(map[string]domain.ChunkStats)}
}

func (f *fakeStatsRepo) GetBatch(_ context.Context, chunkIDs []string) (map[string]domain.ChunkStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]domain.ChunkStats, len(chunkIDs))
	for _, id := range chunkIDs {
		if s, ok := f.stats[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (f *fakeStatsRepo) Merge(_ context.Context, chunkID string, merge func(domain.ChunkStats) domain.ChunkStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	prev := f.stats[chunkID]
	prev.ChunkID = chunkID
	f.stats[chunkID] = merge(prev)
	return nil
}

// fakeFacetRepo is an in-memory facet-vector repository.
type fakeFacetRepo struct {
	mu   sync.Mutex
	rows map[string]domain.FacetValueVector
	err  error
}

func newFakeFacetRepo() *fakeFacetRepo {
	return &fakeFacetRepo{rows: make(map[string]domain.FacetValueVector)}
}

func (f *fakeFacetRepo) Upsert(_ context.Context, row domain.FacetValueVector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.rows[row.Facet+"\x00"+row.Value] = row
	return nil
}

func (f *fakeFacetRepo) ListByFacet(_ context.Context, facet string) ([]domain.FacetValueVector, error) {
	rows, err := f.ListAll(context.Background())
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, r := range rows {
		if r.Facet == facet {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeFacetRepo) ListAll(context.Context) ([]domain.FacetValueVector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.FacetValueVector, 0, len(f.rows))
	for _, r := range f.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Facet != out[j].Facet {
			return out[i].Facet < out[j].Facet
		}
		return out[i].Value < out[j].Value
	})
	return out, nil
}

// recordingSink collects emitted stage events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []trace.Event
}

func newRecordingSink() *recordingSink { return &recordingSink{} }

func (s *recordingSink) Emit(e trace.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) all() []trace.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]trace.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordingSink) stages() map[string]bool {
	out := make(map[string]bool)
	for _, e := range s.all() {
		out[e.Stage] = true
	}
	return out
}

func testRanking() config.Ranking {
	r := config.DefaultRanking()
	r.CandidateLimit = 100
	r.BranchLimit = 50
	r.MinBranchCount = 1
	r.CacheTTLSeconds = 0
	r.QueryBudgetSeconds = 30
	return r
}

func newTestEngine(store *fakeStore, judge *fakeJudge, ranking config.Ranking) (*RetrievalUseCase, *fakeStatsRepo, *FacetIndex) {
	embedder := &fakeEmbedder{}
	statsRepo := newFakeStatsRepo()
	facetRepo := newFakeFacetRepo()
	facets := NewFacetIndex(store, embedder, facetRepo, ranking, testLogger())
	memory := NewMemoryUpdater(statsRepo, ranking)
	uc := NewRetrievalUseCase(store, embedder, &fakeScorer{}, judge, statsRepo, facets, memory, ranking, testLogger(), nil)
	return uc, statsRepo, facets
}
