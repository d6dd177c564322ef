package usecase

import (
	"context"
	"sort"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

type facetValueWeight struct {
	facet  string
	value  string
	weight float64
}

// planBranches proposes up to MaxBranches facet-filter combinations from the
// query's facet weights, keeping only branches whose estimated cardinality
// falls inside the acceptance window. When nothing qualifies it emits the
// no-op branch, so the pipeline always has at least one branch to execute.
// Values present in exclude have already been tried and are skipped.
func (uc *RetrievalUseCase) planBranches(ctx context.Context, state *domain.QueryExecutionState, exclude map[string]map[string]bool) []domain.RetrievalBranch {
	ranked := rankFacetWeights(state.FacetWeights, exclude)
	if len(ranked) == 0 {
		ranked = rankFacetHistogram(state.FacetHist, exclude)
	}

	aggregates := make(map[string]map[string]int)
	total := len(state.Candidates)
	groupBy := func(facet string) map[string]int {
		if counts, ok := aggregates[facet]; ok {
			return counts
		}
		counts, err := uc.store.AggregateGroupBy(ctx, facet, domain.SearchFilter{AsOf: state.Plan.AsOf})
		if err != nil {
			uc.logger.Warn("facet_aggregate_failed", "trace_id", state.TraceID, "facet", facet, "error", err)
			counts = nil
		}
		aggregates[facet] = counts
		if sum := sumCounts(counts); sum > total {
			total = sum
		}
		return counts
	}

	// Seed totals from the facets under consideration before windowing.
	for _, fw := range ranked {
		groupBy(fw.facet)
	}

	minCount := uc.ranking.MinBranchCount
	maxCount := int(uc.ranking.MaxBranchFraction * float64(total))
	state.WindowMin, state.WindowMax = minCount, maxCount

	branches := make([]domain.RetrievalBranch, 0, uc.ranking.MaxBranches)
	addBranch := func(facets map[string]string, weight float64, estimated int) {
		if estimated < minCount || (maxCount > 0 && estimated > maxCount) {
			return
		}
		for _, b := range branches {
			if sameFacetSet(b.Facets, facets) {
				return
			}
		}
		branches = append(branches, domain.RetrievalBranch{
			Facets:         facets,
			Weight:         weight,
			EstimatedCount: estimated,
		})
	}

	for _, fw := range ranked {
		if len(branches) >= uc.ranking.MaxBranches {
			break
		}
		counts := groupBy(fw.facet)
		addBranch(map[string]string{fw.facet: fw.value}, fw.weight, counts[fw.value])
	}

	// One two-facet combination from the strongest values of two different
	// facets, estimated with a filtered aggregate.
	if pair := topPairAcrossFacets(ranked); pair != nil && len(branches) < uc.ranking.MaxBranches {
		first, second := pair[0], pair[1]
		filter := domain.SearchFilter{
			Facets: map[string]string{first.facet: first.value},
			AsOf:   state.Plan.AsOf,
		}
		counts, err := uc.store.AggregateGroupBy(ctx, second.facet, filter)
		if err != nil {
			uc.logger.Warn("facet_pair_aggregate_failed", "trace_id", state.TraceID, "facet", second.facet, "error", err)
		} else {
			addBranch(
				map[string]string{first.facet: first.value, second.facet: second.value},
				first.weight*second.weight,
				counts[second.value],
			)
		}
	}

	sort.SliceStable(branches, func(i, j int) bool {
		return branches[i].Weight > branches[j].Weight
	})

	if len(branches) == 0 {
		return []domain.RetrievalBranch{{NoOp: true, EstimatedCount: total}}
	}
	return branches
}

func rankFacetWeights(weights map[string]map[string]float64, exclude map[string]map[string]bool) []facetValueWeight {
	out := make([]facetValueWeight, 0, 8)
	for facet, values := range weights {
		for value, weight := range values {
			if exclude[facet][value] {
				continue
			}
			out = append(out, facetValueWeight{facet: facet, value: value, weight: weight})
		}
	}
	sortFacetValueWeights(out)
	return out
}

// rankFacetHistogram turns candidate-set facet modes into pseudo-weights,
// used when the facet-vector index is empty.
func rankFacetHistogram(hist map[string]map[string]int, exclude map[string]map[string]bool) []facetValueWeight {
	out := make([]facetValueWeight, 0, 4)
	for facet, counts := range hist {
		total := sumCounts(counts)
		if total == 0 {
			continue
		}
		bestValue := ""
		bestCount := 0
		for value, count := range counts {
			if exclude[facet][value] {
				continue
			}
			if count > bestCount || (count == bestCount && value < bestValue) {
				bestValue, bestCount = value, count
			}
		}
		if bestValue != "" {
			out = append(out, facetValueWeight{facet: facet, value: bestValue, weight: float64(bestCount) / float64(total)})
		}
	}
	sortFacetValueWeights(out)
	return out
}

func sortFacetValueWeights(items []facetValueWeight) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].weight != items[j].weight {
			return items[i].weight > items[j].weight
		}
		if items[i].facet != items[j].facet {
			return items[i].facet < items[j].facet
		}
		return items[i].value < items[j].value
	})
}

func topPairAcrossFacets(ranked []facetValueWeight) []facetValueWeight {
	for i := 0; i < len(ranked); i++ {
		for j := i + 1; j < len(ranked); j++ {
			if ranked[j].facet != ranked[i].facet {
				return []facetValueWeight{ranked[i], ranked[j]}
			}
		}
	}
	return nil
}

func sameFacetSet(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func sumCounts(counts map[string]int) int {
	total := 0
	for _, c := range counts {
		total += c
	}
	return total
}
