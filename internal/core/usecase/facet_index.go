package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kirillkom/retrieval-engine/internal/config"
	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/core/ports"
)

// FacetIndex answers "which facet values is this query about" from
// facet-value vectors. Readers work against an immutable snapshot; Rebuild
// constructs rows out-of-band and atomically swaps a fresh snapshot in, so
// rebuilds never block concurrent queries.
type FacetIndex struct {
	store    ports.ChunkStore
	embedder ports.Embedder
	repo     ports.FacetVectorRepository
	ranking  config.Ranking
	logger   *slog.Logger

	snapshot atomic.Pointer[facetSnapshot]
}

type facetSnapshot struct {
	byFacet map[string][]domain.FacetValueVector
}

func NewFacetIndex(
	store ports.ChunkStore,
	embedder ports.Embedder,
	repo ports.FacetVectorRepository,
	ranking config.Ranking,
	logger *slog.Logger,
) *FacetIndex {
	idx := &FacetIndex{
		store:    store,
		embedder: embedder,
		repo:     repo,
		ranking:  ranking,
		logger:   logger,
	}
	idx.snapshot.Store(&facetSnapshot{byFacet: map[string][]domain.FacetValueVector{}})
	return idx
}

// Refresh loads all persisted facet-value vectors into a new snapshot.
// Called at startup and after each rebuild.
func (idx *FacetIndex) Refresh(ctx context.Context) error {
	rows, err := idx.repo.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list facet vectors: %w", err)
	}
	byFacet := make(map[string][]domain.FacetValueVector, len(domain.TrackedFacets()))
	for _, row := range rows {
		byFacet[row.Facet] = append(byFacet[row.Facet], row)
	}
	idx.snapshot.Store(&facetSnapshot{byFacet: byFacet})
	return nil
}

// WeightsFor returns, per tracked facet, the top values ranked by cosine
// similarity to the query embedding, clamped to [0,1]. Facets with no value
// above the minimum similarity are omitted. An empty index yields an empty
// map: callers treat that as "no soft metadata prior available".
func (idx *FacetIndex) WeightsFor(queryVector []float32, topPerFacet int) map[string]map[string]float64 {
	snap := idx.snapshot.Load()
	out := make(map[string]map[string]float64)
	if snap == nil || len(queryVector) == 0 {
		return out
	}

	type scored struct {
		value  string
		weight float64
	}
	for facet, rows := range snap.byFacet {
		candidates := make([]scored, 0, len(rows))
		for _, row := range rows {
			w := clamp01(cosine32(queryVector, row.Vector))
			if w >= idx.ranking.MinFacetSimilarity {
				candidates = append(candidates, scored{value: row.Value, weight: w})
			}
		}
		if len(candidates) == 0 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].weight != candidates[j].weight {
				return candidates[i].weight > candidates[j].weight
			}
			return candidates[i].value < candidates[j].value
		})
		if topPerFacet > 0 && len(candidates) > topPerFacet {
			candidates = candidates[:topPerFacet]
		}
		weights := make(map[string]float64, len(candidates))
		for _, c := range candidates {
			weights[c.value] = c.weight
		}
		out[facet] = weights
	}
	return out
}

// Rebuild resamples example chunks for every distinct value of the facet,
// embeds one description per value and overwrites the stored row. Sampling is
// seeded per run and the seed is logged so a run can be replayed.
func (idx *FacetIndex) Rebuild(ctx context.Context, facet string) (int, error) {
	counts, err := idx.store.AggregateGroupBy(ctx, facet, domain.SearchFilter{})
	if err != nil {
		return 0, domain.WrapError(domain.ErrAdapter, "aggregate facet values", err)
	}

	seed := time.Now().UnixNano()
	rng := rand.New(rand.NewSource(seed))
	idx.logger.Info("facet_rebuild_start", "facet", facet, "values", len(counts), "sample_seed", seed)

	updated := 0
	for _, value := range sortedKeys(counts) {
		if counts[value] == 0 {
			continue
		}
		row, err := idx.buildFacetValueVector(ctx, facet, value, rng)
		if err != nil {
			// A failed value leaves the previous row in place; the facet is
			// treated as absent only when no rows exist at all.
			idx.logger.Warn("facet_value_rebuild_failed", "facet", facet, "value", value, "error", err)
			continue
		}
		if err := idx.repo.Upsert(ctx, row); err != nil {
			idx.logger.Warn("facet_value_upsert_failed", "facet", facet, "value", value, "error", err)
			continue
		}
		updated++
	}

	if err := idx.Refresh(ctx); err != nil {
		return updated, err
	}
	idx.logger.Info("facet_rebuild_complete", "facet", facet, "updated", updated)
	return updated, nil
}

func (idx *FacetIndex) buildFacetValueVector(ctx context.Context, facet, value string, rng *rand.Rand) (domain.FacetValueVector, error) {
	sampleSize := idx.ranking.FacetSampleMin
	if spread := idx.ranking.FacetSampleMax - idx.ranking.FacetSampleMin; spread > 0 {
		sampleSize += rng.Intn(spread + 1)
	}

	valueVector, err := idx.embedder.EmbedQuery(ctx, value)
	if err != nil {
		return domain.FacetValueVector{}, domain.WrapError(domain.ErrEmbedding, "embed facet value", err)
	}

	filter := domain.SearchFilter{Facets: map[string]string{facet: value}}
	samples, err := idx.store.HybridQuery(ctx, value, valueVector, filter, 0.5, sampleSize)
	if err != nil {
		return domain.FacetValueVector{}, domain.WrapError(domain.ErrAdapter, "sample facet chunks", err)
	}

	aliases := spacingAliases(value)
	description := facetValueDescription(facet, value, aliases, samples)
	vector, err := idx.embedder.EmbedQuery(ctx, description)
	if err != nil {
		return domain.FacetValueVector{}, domain.WrapError(domain.ErrEmbedding, "embed facet description", err)
	}

	return domain.FacetValueVector{
		Facet:     facet,
		Value:     value,
		Aliases:   aliases,
		Vector:    vector,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func facetValueDescription(facet, value string, aliases []string, samples []domain.ScoredChunk) string {
	var b strings.Builder
	switch facet {
	case domain.FacetDocType:
		b.WriteString("This is a document type meaning ")
	case domain.FacetSection:
		b.WriteString("This is a section label meaning ")
	case domain.FacetJurisdiction:
		b.WriteString("This is a jurisdiction meaning ")
	case domain.FacetLang:
		b.WriteString("This is a language code meaning ")
	default:
		b.WriteString("This is a " + facet + " meaning ")
	}
	b.WriteString(value)
	if len(aliases) > 0 {
		b.WriteString(". Also written as ")
		b.WriteString(strings.Join(aliases, ", "))
	}
	if len(samples) > 0 {
		b.WriteString(". Examples:")
		for i, s := range samples {
			if i == 3 {
				break
			}
			b.WriteString(" ")
			b.WriteString(firstSentence(s.Chunk.Body))
		}
	}
	return b.String()
}

func firstSentence(body string) string {
	if idx := strings.IndexAny(body, ".。"); idx > 0 {
		body = body[:idx]
	}
	runes := []rune(body)
	if len(runes) > 100 {
		return string(runes[:100])
	}
	return body
}

// spacingAliases adds the no-space variant for multi-word values, the same
// way the corpus labels vary in Korean ("출산 장려금" / "출산장려금").
func spacingAliases(value string) []string {
	if !strings.Contains(value, " ") {
		return nil
	}
	return []string{strings.ReplaceAll(value, " ", "")}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
