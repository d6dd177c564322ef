package usecase

import (
	"context"
	"sort"
	"time"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

// rerankAndDiversify produces the final ordered selection: cross-encoder
// content scores plus capped metadata and memory bonuses, MMR-diversified,
// with a reserved exploration tail so historical utility can never
// permanently starve unseen chunks.
func (uc *RetrievalUseCase) rerankAndDiversify(ctx context.Context, state *domain.QueryExecutionState, candidates []domain.ScoredChunk) []domain.RankedChunk {
	if len(candidates) == 0 {
		return nil
	}

	contentScores := uc.contentScores(ctx, state, candidates)
	stats := uc.chunkStats(ctx, state, candidates)
	now := time.Now().UTC()

	ranked := make([]domain.RankedChunk, 0, len(candidates))
	for i, c := range candidates {
		rc := domain.RankedChunk{
			Chunk:        c.Chunk,
			ContentScore: contentScores[i],
		}
		rc.MetaBonus = capAt(uc.ranking.LambdaMeta*facetWeightSum(c.Chunk, state.FacetWeights), uc.ranking.MetaBonusCap)
		rc.MemBonus = capAt(uc.ranking.LambdaMem*uc.memorySignal(stats[c.Chunk.ID], state, now), uc.ranking.MemBonusCap)
		rc.FinalScore = rc.ContentScore + rc.MetaBonus + rc.MemBonus
		ranked = append(ranked, rc)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].FinalScore != ranked[j].FinalScore {
			return ranked[i].FinalScore > ranked[j].FinalScore
		}
		return ranked[i].Chunk.ID < ranked[j].Chunk.ID
	})

	topK := uc.ranking.TopK
	if topK > len(ranked) {
		topK = len(ranked)
	}
	exploreSlots := int(float64(topK) * uc.ranking.ExplorationFraction)

	freqs := make([]map[string]float64, len(ranked))
	for i := range ranked {
		freqs[i] = termFreq(ranked[i].Chunk.Body)
	}

	selected := mmrSelect(ranked, freqs, uc.ranking.MMRLambda, topK-exploreSlots, uc.ranking.SimilarityCeiling)
	selected = uc.fillExplorationSlots(ranked, freqs, stats, selected, topK)

	out := make([]domain.RankedChunk, 0, len(selected))
	for _, idx := range selected {
		out = append(out, ranked[idx])
	}
	return out
}

func (uc *RetrievalUseCase) contentScores(ctx context.Context, state *domain.QueryExecutionState, candidates []domain.ScoredChunk) []float64 {
	bodies := make([]string, len(candidates))
	for i, c := range candidates {
		bodies[i] = c.Chunk.Body
	}

	scores, err := uc.scorer.Score(ctx, state.Query, bodies)
	if err == nil && len(scores) == len(candidates) {
		return scores
	}
	if err != nil {
		uc.logger.Warn("cross_encoder_failed", "trace_id", state.TraceID, "error", err)
	}

	// Degraded path: reuse the store's hybrid scores, normalized to [0,1] so
	// the bonus caps keep their proportions.
	out := make([]float64, len(candidates))
	maxScore := 0.0
	for _, c := range candidates {
		if c.Score > maxScore {
			maxScore = c.Score
		}
	}
	for i, c := range candidates {
		if maxScore > 0 {
			out[i] = c.Score / maxScore
		}
	}
	return out
}

func (uc *RetrievalUseCase) chunkStats(ctx context.Context, state *domain.QueryExecutionState, candidates []domain.ScoredChunk) map[string]domain.ChunkStats {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.Chunk.ID
	}
	stats, err := uc.stats.GetBatch(ctx, ids)
	if err != nil {
		uc.logger.Warn("chunk_stats_lookup_failed", "trace_id", state.TraceID, "error", err)
		return map[string]domain.ChunkStats{}
	}
	return stats
}

// memorySignal combines decayed utility, query-centroid similarity and the
// intent-match bonus. Absent stats contribute zero.
func (uc *RetrievalUseCase) memorySignal(stats domain.ChunkStats, state *domain.QueryExecutionState, now time.Time) float64 {
	if stats.UsefulCount == 0 {
		return 0
	}
	signal := decayUtility(stats.DecayedUtility, stats.LastUsefulAt, now, uc.ranking.HalfLifeWeeks)
	signal += clamp01(cosine32(state.QueryVector, stats.QueryCentroid))
	if stats.IntentHist[string(state.Plan.Intent)] > 0 {
		signal += uc.ranking.IntentMatchBonus
	}
	return signal
}

func facetWeightSum(chunk domain.Chunk, weights map[string]map[string]float64) float64 {
	sum := 0.0
	for facet, values := range weights {
		if v := chunk.FacetValue(facet); v != "" {
			sum += values[v]
		}
	}
	return sum
}

// mmrSelect greedily picks up to k indexes maximizing
// mmrLambda*normalizedScore - (1-mmrLambda)*maxSimilarityToSelected.
// Candidates whose similarity to any selected chunk reaches the ceiling are
// skipped outright. Input is pre-sorted by final score then chunk ID, which
// makes ties deterministic.
func mmrSelect(ranked []domain.RankedChunk, freqs []map[string]float64, mmrLambda float64, k int, ceiling float64) []int {
	if k <= 0 || len(ranked) == 0 {
		return nil
	}

	maxScore := ranked[0].FinalScore
	norm := func(v float64) float64 {
		if maxScore <= 0 {
			return 0
		}
		return v / maxScore
	}

	selected := make([]int, 0, k)
	picked := make([]bool, len(ranked))
	maxSim := make([]float64, len(ranked))

	for len(selected) < k {
		best := -1
		bestVal := 0.0
		for i := range ranked {
			if picked[i] {
				continue
			}
			if len(selected) > 0 && maxSim[i] >= ceiling {
				continue
			}
			val := mmrLambda*norm(ranked[i].FinalScore) - (1-mmrLambda)*maxSim[i]
			if best < 0 || val > bestVal {
				best, bestVal = i, val
			}
		}
		if best < 0 {
			break
		}
		picked[best] = true
		selected = append(selected, best)
		for i := range ranked {
			if picked[i] {
				continue
			}
			if sim := cosineTermFreq(freqs[best], freqs[i]); sim > maxSim[i] {
				maxSim[i] = sim
			}
		}
	}
	return selected
}

// fillExplorationSlots tops the selection up to topK with chunks that scored
// well without their memory bonus, preferring chunks with no usage history.
func (uc *RetrievalUseCase) fillExplorationSlots(ranked []domain.RankedChunk, freqs []map[string]float64, stats map[string]domain.ChunkStats, selected []int, topK int) []int {
	if len(selected) >= topK {
		return selected
	}

	picked := make(map[int]bool, len(selected))
	for _, idx := range selected {
		picked[idx] = true
	}

	rest := make([]int, 0, len(ranked))
	for i := range ranked {
		if !picked[i] {
			rest = append(rest, i)
		}
	}
	sort.SliceStable(rest, func(a, b int) bool {
		i, j := rest[a], rest[b]
		iNew := ranked[i].MemBonus == 0
		jNew := ranked[j].MemBonus == 0
		if iNew != jNew {
			return iNew
		}
		si := ranked[i].FinalScore - ranked[i].MemBonus
		sj := ranked[j].FinalScore - ranked[j].MemBonus
		if si != sj {
			return si > sj
		}
		return ranked[i].Chunk.ID < ranked[j].Chunk.ID
	})

	for _, idx := range rest {
		if len(selected) >= topK {
			break
		}
		if tooSimilar(idx, selected, freqs, uc.ranking.SimilarityCeiling) {
			continue
		}
		ranked[idx].Exploration = true
		selected = append(selected, idx)
	}
	return selected
}

func tooSimilar(idx int, selected []int, freqs []map[string]float64, ceiling float64) bool {
	for _, s := range selected {
		if cosineTermFreq(freqs[idx], freqs[s]) >= ceiling {
			return true
		}
	}
	return false
}

func capAt(v, limit float64) float64 {
	if limit > 0 && v > limit {
		return limit
	}
	if v < 0 {
		return 0
	}
	return v
}
