package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/retrieval-engine/internal/config"
	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/core/ports"
	"github.com/kirillkom/retrieval-engine/internal/observability/trace"
)

// RetrievalUseCase orchestrates the full pipeline:
// candidate stage → facet planner → narrowed search → rerank & diversify →
// validator, with a bounded corrective loop re-entering narrowed search on
// rejection. One QueryExecutionState per call; nothing is shared across
// concurrent queries except the memory store.
type RetrievalUseCase struct {
	store    ports.ChunkStore
	embedder ports.Embedder
	scorer   ports.CrossEncoderScorer
	judge    ports.ValidatorJudge
	stats    ports.ChunkStatsRepository
	facets   *FacetIndex
	memory   *MemoryUpdater

	ranking config.Ranking
	logger  *slog.Logger
	sink    trace.Sink
	cache   *branchCache
}

func NewRetrievalUseCase(
	store ports.ChunkStore,
	embedder ports.Embedder,
	scorer ports.CrossEncoderScorer,
	judge ports.ValidatorJudge,
	stats ports.ChunkStatsRepository,
	facets *FacetIndex,
	memory *MemoryUpdater,
	ranking config.Ranking,
	logger *slog.Logger,
	sink trace.Sink,
) *RetrievalUseCase {
	if sink == nil {
		sink = trace.NopSink{}
	}
	return &RetrievalUseCase{
		store:    store,
		embedder: embedder,
		scorer:   scorer,
		judge:    judge,
		stats:    stats,
		facets:   facets,
		memory:   memory,
		ranking:  ranking,
		logger:   logger,
		sink:     sink,
		cache:    newBranchCache(time.Duration(ranking.CacheTTLSeconds) * time.Second),
	}
}

func (uc *RetrievalUseCase) Retrieve(ctx context.Context, query string) (*domain.RetrievalResult, error) {
	if query == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve", errEmptyQuery)
	}

	budget := time.Duration(uc.ranking.QueryBudgetSeconds) * time.Second
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	state := &domain.QueryExecutionState{
		TraceID: uuid.NewString(),
		Query:   query,
		State:   domain.StatePlanned,
	}

	done := uc.stage(state, "planner", nil)
	state.Plan = planQuery(query, uc.ranking)
	done(trace.StatusCompleted, map[string]any{
		"intent": state.Plan.Intent,
		"alpha":  state.Plan.Alpha,
		"as_of":  state.Plan.AsOf,
	})

	vec, err := uc.embedder.EmbedQuery(ctx, query)
	if err != nil {
		// A failed query embedding leaves nothing to search with.
		return nil, domain.WrapError(domain.ErrEmbedding, "embed query", err)
	}
	state.QueryVector = vec

	done = uc.stage(state, "candidate_search", nil)
	if err := uc.runCandidateStage(ctx, state); err != nil {
		done(trace.StatusFailed, map[string]any{"error": err.Error()})
		return nil, err
	}
	done(trace.StatusCompleted, map[string]any{
		"count":     len(state.Candidates),
		"top_score": state.CandidateTopScore,
	})

	state.FacetWeights = uc.facets.WeightsFor(vec, uc.ranking.TopPerFacet)

	return uc.runValidatorLoop(ctx, state), nil
}

var errEmptyQuery = errors.New("empty query")

// runValidatorLoop drives the PLANNED → SEARCHED → VALIDATED | REJECTED →
// {DRILLDOWN, RELAX, PIVOT} → PLANNED state machine with a hard iteration
// cap. Exhaustion returns the best-scoring selection seen, flagged
// unvalidated, rather than failing the query.
func (uc *RetrievalUseCase) runValidatorLoop(ctx context.Context, state *domain.QueryExecutionState) *domain.RetrievalResult {
	exclude := make(map[string]map[string]bool)
	var action domain.VerdictAction

	for {
		state.State = domain.StatePlanned
		done := uc.stage(state, "facet_planner", map[string]any{"action": string(action)})
		state.Branches = uc.replanBranches(ctx, state, action, exclude)
		done(trace.StatusCompleted, map[string]any{"branches": state.Branches})

		done = uc.stage(state, "narrowed_search", nil)
		chunks, winner := uc.runNarrowedSearch(ctx, state)
		state.WinningBranch = &winner
		done(trace.StatusCompleted, map[string]any{
			"count":  len(chunks),
			"facets": winner.Facets,
			"no_op":  winner.NoOp,
		})

		done = uc.stage(state, "rerank_diversify", nil)
		ranked := uc.rerankAndDiversify(ctx, state, chunks)
		done(trace.StatusCompleted, map[string]any{"count": len(ranked)})
		state.State = domain.StateSearched

		if score := topFinalScore(ranked); state.Best == nil || score > state.BestScore {
			state.Best, state.BestScore = ranked, score
		}

		done = uc.stage(state, "validator", nil)
		verdict := uc.validateSelection(ctx, state, ranked)
		state.VerdictHistory = append(state.VerdictHistory, verdict)
		done(trace.StatusCompleted, map[string]any{
			"valid":  verdict.Valid,
			"reason": verdict.Reason,
			"action": string(verdict.Action),
		})

		if verdict.Valid {
			state.State = domain.StateValidated
			done = uc.stage(state, "memory_update", nil)
			if err := uc.memory.RecordValidated(ctx, state, ranked); err != nil {
				uc.logger.Warn("memory_update_failed", "trace_id", state.TraceID, "error", err)
				done(trace.StatusFailed, map[string]any{"error": err.Error()})
			} else {
				done(trace.StatusCompleted, map[string]any{"chunks": len(ranked)})
			}
			return uc.result(state, ranked, true)
		}

		if ctx.Err() != nil || state.Iteration >= uc.ranking.MaxIterations {
			state.State = domain.StateExhausted
			return uc.result(state, state.Best, false)
		}

		state.State = domain.StateRejected
		state.Iteration++
		action = nextAction(verdict, state.Iteration)
		markTried(exclude, winner)
	}
}

// replanBranches applies the controller's corrective action to branch
// planning. DRILLDOWN narrows the winning facet set further, RELAX widens it
// toward the unfiltered candidates, PIVOT discards the tried hypotheses and
// replans from scratch.
func (uc *RetrievalUseCase) replanBranches(ctx context.Context, state *domain.QueryExecutionState, action domain.VerdictAction, exclude map[string]map[string]bool) []domain.RetrievalBranch {
	switch action {
	case domain.ActionDrilldown:
		if branches := uc.drilldownBranches(state, exclude); len(branches) > 0 {
			return branches
		}
		return uc.planBranches(ctx, state, exclude)
	case domain.ActionRelax:
		return relaxBranches(state)
	default:
		return uc.planBranches(ctx, state, exclude)
	}
}

// drilldownBranches extends the previous winning facet set with the next
// best untried facet value of a facet it does not constrain yet.
func (uc *RetrievalUseCase) drilldownBranches(state *domain.QueryExecutionState, exclude map[string]map[string]bool) []domain.RetrievalBranch {
	if state.WinningBranch == nil || state.WinningBranch.NoOp {
		return nil
	}
	base := state.WinningBranch.Facets

	branches := make([]domain.RetrievalBranch, 0, uc.ranking.MaxBranches)
	for _, fw := range rankFacetWeights(state.FacetWeights, exclude) {
		if _, constrained := base[fw.facet]; constrained {
			continue
		}
		facets := make(map[string]string, len(base)+1)
		for k, v := range base {
			facets[k] = v
		}
		facets[fw.facet] = fw.value
		branches = append(branches, domain.RetrievalBranch{
			Facets: facets,
			Weight: state.WinningBranch.Weight * fw.weight,
		})
		if len(branches) == uc.ranking.MaxBranches {
			break
		}
	}
	return branches
}

// relaxBranches widens the previous winner: drop one facet when it had
// several, otherwise fall back to the unfiltered no-op branch.
func relaxBranches(state *domain.QueryExecutionState) []domain.RetrievalBranch {
	noop := domain.RetrievalBranch{NoOp: true, EstimatedCount: len(state.Candidates)}
	if state.WinningBranch == nil || len(state.WinningBranch.Facets) < 2 {
		return []domain.RetrievalBranch{noop}
	}

	// Drop the lexicographically last facet; deterministic and cheap.
	dropped := ""
	for facet := range state.WinningBranch.Facets {
		if facet > dropped {
			dropped = facet
		}
	}
	facets := make(map[string]string, len(state.WinningBranch.Facets)-1)
	for k, v := range state.WinningBranch.Facets {
		if k != dropped {
			facets[k] = v
		}
	}
	return []domain.RetrievalBranch{
		{Facets: facets, Weight: state.WinningBranch.Weight},
		noop,
	}
}

// validateSelection runs the local temporal check, then the judge. A judge
// failure counts as an INVALID verdict and consumes a retry iteration.
func (uc *RetrievalUseCase) validateSelection(ctx context.Context, state *domain.QueryExecutionState, ranked []domain.RankedChunk) domain.Verdict {
	if len(ranked) == 0 {
		return domain.Verdict{
			Valid:  false,
			Reason: "no results to ground an answer",
			Action: domain.ActionRelax,
		}
	}
	if state.Plan.AsOf != nil {
		for _, rc := range ranked {
			if !rc.Chunk.ValidAt(*state.Plan.AsOf) {
				return domain.Verdict{
					Valid:  false,
					Reason: "selection violates the requested as-of window",
					Action: domain.ActionRelax,
				}
			}
		}
	}

	verdict, err := uc.judge.Check(ctx, state.Query, ranked, state.Plan)
	if err != nil {
		uc.logger.Warn("validator_judge_failed", "trace_id", state.TraceID, "error", err)
		return domain.Verdict{
			Valid:  false,
			Reason: "validator unavailable",
			Action: domain.ActionRelax,
		}
	}
	return verdict
}

// nextAction picks the corrective strategy: the judge's suggestion when it
// gave one, otherwise relax first and pivot on the later attempts.
func nextAction(verdict domain.Verdict, iteration int) domain.VerdictAction {
	switch verdict.Action {
	case domain.ActionDrilldown, domain.ActionRelax, domain.ActionPivot:
		return verdict.Action
	}
	if iteration <= 1 {
		return domain.ActionRelax
	}
	return domain.ActionPivot
}

func markTried(exclude map[string]map[string]bool, branch domain.RetrievalBranch) {
	for facet, value := range branch.Facets {
		if exclude[facet] == nil {
			exclude[facet] = make(map[string]bool)
		}
		exclude[facet][value] = true
	}
}

func (uc *RetrievalUseCase) result(state *domain.QueryExecutionState, chunks []domain.RankedChunk, validated bool) *domain.RetrievalResult {
	if chunks == nil {
		chunks = []domain.RankedChunk{}
	}
	return &domain.RetrievalResult{
		TraceID:    state.TraceID,
		Chunks:     chunks,
		Validated:  validated,
		State:      state.State,
		Iterations: state.Iteration,
		Branch:     state.WinningBranch,
		Plan:       state.Plan,
	}
}

func topFinalScore(ranked []domain.RankedChunk) float64 {
	if len(ranked) == 0 {
		return 0
	}
	return ranked[0].FinalScore
}

// stage emits the started event immediately and returns a closure emitting
// the terminal event with the measured duration.
func (uc *RetrievalUseCase) stage(state *domain.QueryExecutionState, name string, attrs map[string]any) func(status string, attrs map[string]any) {
	start := time.Now()
	uc.sink.Emit(trace.Event{
		TraceID: state.TraceID,
		Stage:   name,
		Status:  trace.StatusStarted,
		Attrs:   attrs,
		At:      start,
	})
	return func(status string, attrs map[string]any) {
		uc.sink.Emit(trace.Event{
			TraceID:    state.TraceID,
			Stage:      name,
			Status:     status,
			DurationMS: float64(time.Since(start).Microseconds()) / 1000.0,
			Attrs:      attrs,
			At:         time.Now(),
		})
	}
}
