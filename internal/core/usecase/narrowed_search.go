package usecase

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

type branchOutcome struct {
	chunks []domain.ScoredChunk
	err    error
}

// runNarrowedSearch executes every proposed branch concurrently and picks
// the branch whose candidate count is closest to the acceptance window's
// midpoint, ties broken by higher top score then declaration order. A branch
// that errors or times out is dropped; if all branches fail the stage falls
// back to the unfiltered candidate output.
func (uc *RetrievalUseCase) runNarrowedSearch(ctx context.Context, state *domain.QueryExecutionState) ([]domain.ScoredChunk, domain.RetrievalBranch) {
	branches := state.Branches
	outcomes := make([]branchOutcome, len(branches))

	g, gctx := errgroup.WithContext(ctx)
	for i, branch := range branches {
		g.Go(func() error {
			outcomes[i] = uc.runBranch(gctx, state, branch)
			// Branch failures are recorded, never propagated: one failing
			// branch must not block collection of the others.
			return nil
		})
	}
	_ = g.Wait()

	mid := float64(state.WindowMin+state.WindowMax) / 2
	winner := -1
	for i := range branches {
		if outcomes[i].err != nil {
			uc.logger.Warn("branch_failed",
				"trace_id", state.TraceID,
				"facets", branches[i].Facets,
				"error", outcomes[i].err,
			)
			continue
		}
		if winner < 0 || branchCloser(outcomes[i], outcomes[winner], mid) {
			winner = i
		}
	}

	if winner < 0 {
		return state.Candidates, domain.RetrievalBranch{NoOp: true, EstimatedCount: len(state.Candidates)}
	}
	return outcomes[winner].chunks, branches[winner]
}

func (uc *RetrievalUseCase) runBranch(ctx context.Context, state *domain.QueryExecutionState, branch domain.RetrievalBranch) branchOutcome {
	if branch.NoOp {
		return branchOutcome{chunks: state.Candidates}
	}

	key := branchCacheKey(state.Query, branch.Facets)
	if chunks, ok := uc.cache.get(key); ok {
		return branchOutcome{chunks: chunks}
	}

	branchCtx, cancel := context.WithTimeout(ctx, time.Duration(uc.ranking.BranchTimeoutSecs)*time.Second)
	defer cancel()

	filter := domain.SearchFilter{Facets: branch.Facets, AsOf: state.Plan.AsOf}
	chunks, err := uc.store.HybridQuery(branchCtx, state.Query, state.QueryVector, filter, state.Plan.Alpha, uc.ranking.BranchLimit)
	if err != nil {
		return branchOutcome{err: domain.WrapError(domain.ErrAdapter, "branch search", err)}
	}

	uc.cache.put(key, chunks)
	return branchOutcome{chunks: chunks}
}

// branchCloser reports whether a beats b for the given window midpoint.
func branchCloser(a, b branchOutcome, mid float64) bool {
	da := absFloat(float64(len(a.chunks)) - mid)
	db := absFloat(float64(len(b.chunks)) - mid)
	if da != db {
		return da < db
	}
	return topScore(a.chunks) > topScore(b.chunks)
}

func topScore(chunks []domain.ScoredChunk) float64 {
	if len(chunks) == 0 {
		return 0
	}
	return chunks[0].Score
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
