package usecase

import (
	"context"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

// runCandidateStage is the broad first-pass recall set: one unfiltered hybrid
// query with the plan's alpha, clamped only by the temporal constraint. Its
// output doubles as the fallback when no narrowing branch improves recall.
func (uc *RetrievalUseCase) runCandidateStage(ctx context.Context, state *domain.QueryExecutionState) error {
	filter := domain.SearchFilter{AsOf: state.Plan.AsOf}
	candidates, err := uc.store.HybridQuery(ctx, state.Query, state.QueryVector, filter, state.Plan.Alpha, uc.ranking.CandidateLimit)
	if err != nil {
		return domain.WrapError(domain.ErrAdapter, "candidate search", err)
	}

	state.Candidates = candidates
	state.CandidateTopScore = 0
	if len(candidates) > 0 {
		state.CandidateTopScore = candidates[0].Score
	}
	state.FacetHist = discoverFacets(candidates)
	return nil
}

// discoverFacets builds a value histogram per tracked facet from the
// candidates' payload metadata. The planner falls back to these modes when
// the facet-vector index has no rows.
func discoverFacets(candidates []domain.ScoredChunk) map[string]map[string]int {
	hist := make(map[string]map[string]int, len(domain.TrackedFacets()))
	for _, facet := range domain.TrackedFacets() {
		counts := make(map[string]int)
		for _, c := range candidates {
			if v := c.Chunk.FacetValue(facet); v != "" {
				counts[v]++
			}
		}
		if len(counts) > 0 {
			hist[facet] = counts
		}
	}
	return hist
}
