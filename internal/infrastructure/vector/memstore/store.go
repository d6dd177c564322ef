// Package memstore is an in-process chunk store used for local development
// and tests. It mirrors the qdrant adapter's hybrid semantics: a dense cosine
// ranking, a lexical term ranking and weighted reciprocal-rank fusion.
package memstore

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/core/ports"
)

const fusionRRFK = 60

type Store struct {
	embedder ports.Embedder

	mu      sync.RWMutex
	chunks  map[string]entry
	docs    map[string]domain.Document
}

type entry struct {
	chunk  domain.Chunk
	vector []float32
	terms  map[string]float64
}

func New(embedder ports.Embedder) *Store {
	return &Store{
		embedder: embedder,
		chunks:   make(map[string]entry),
		docs:     make(map[string]domain.Document),
	}
}

func (s *Store) HybridQuery(
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

	s.mu.RLock()
	entries := make([]entry, 0, len(s.chunks))
	for _, e := range s.chunks {
		if matchesFilter(e.chunk, filter) {
			entries = append(entries, e)
		}
	}
	s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dense := rankBy(entries, func(e entry) float64 {
		return cosine32(queryVector, e.vector)
	})
	queryTerms := termWeights(text)
	sparse := rankBy(entries, func(e entry) float64 {
		return cosineTerms(queryTerms, e.terms)
	})

	return fuse(dense, sparse, alpha, limit), nil
}

func (s *Store) AggregateGroupBy(_ context.Context, facet string, filter domain.SearchFilter) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, e := range s.chunks {
		if !matchesFilter(e.chunk, filter) {
			continue
		}
		if v := e.chunk.FacetValue(facet); v != "" {
			counts[v]++
		}
	}
	return counts, nil
}

func (s *Store) UpsertChunks(ctx context.Context, chunks []domain.Chunk) error {
	vectors := make([][]float32, len(chunks))
	if s.embedder != nil {
		bodies := make([]string, len(chunks))
		for i, c := range chunks {
			bodies[i] = c.Body
		}
		embedded, err := s.embedder.Embed(ctx, bodies)
		if err == nil && len(embedded) == len(chunks) {
			vectors = embedded
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range chunks {
		s.chunks[c.ID] = entry{
			chunk:  c,
			vector: vectors[i],
			terms:  termWeights(c.Body),
		}
	}
	return nil
}

func (s *Store) UpsertDocuments(_ context.Context, docs []domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		s.docs[d.ID] = d
	}
	return nil
}

func (s *Store) EnsureSchema(context.Context, int) error { return nil }

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

type rankedEntry struct {
	chunk domain.Chunk
	score float64
}

func rankBy(entries []entry, score func(entry) float64) []rankedEntry {
	out := make([]rankedEntry, 0, len(entries))
	for _, e := range entries {
		s := score(e)
		if s <= 0 {
			continue
		}
		out = append(out, rankedEntry{chunk: e.chunk, score: s})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].chunk.ID < out[j].chunk.ID
	})
	return out
}

func fuse(dense, sparse []rankedEntry, alpha float64, limit int) []domain.ScoredChunk {
	type fused struct {
		chunk domain.Chunk
		score float64
	}
	acc := make(map[string]fused, len(dense)+len(sparse))
	addList := func(list []rankedEntry, weight float64) {
		for rank, re := range list {
			f, ok := acc[re.chunk.ID]
			if !ok {
				f.chunk = re.chunk
			}
			f.score += weight / float64(fusionRRFK+rank+1)
			acc[re.chunk.ID] = f
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

// termWeights counts lowercase tokens, expanding non-Latin tokens into
// character bigrams for spacing tolerance.
func termWeights(s string) map[string]float64 {
	out := make(map[string]float64, 32)
	var b strings.Builder
	flush := func() {
		if b.Len() == 0 {
			return
		}
		token := b.String()
		b.Reset()
		out[token]++
		runes := []rune(token)
		if len(runes) < 2 || runes[0] < 128 {
			return
		}
		for i := 0; i+1 < len(runes); i++ {
			out[string(runes[i:i+2])]++
		}
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		flush()
	}
	flush()
	return out
}

func cosineTerms(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for term, va := range a {
		normA += va * va
		if vb, ok := b[term]; ok {
			dot += va * vb
		}
	}
	for _, vb := range b {
		normB += vb * vb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func cosine32(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
