package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

func scored(id, section, body string, score float64) domain.ScoredChunk {
	return domain.ScoredChunk{
		Chunk: domain.Chunk{ID: id, DocID: "d1", Section: section, Body: body},
		Score: score,
	}
}

func TestRerankBonusesAreCapped(t *testing.T) {
	store := newFakeStore()
	uc, statsRepo, _ := newTestEngine(store, &fakeJudge{}, testRanking())

	now := time.Now().UTC()
	statsRepo.stats["hot"] = domain.ChunkStats{
		ChunkID:        "hot",
		UsefulCount:    10,
		LastUsefulAt:   &now,
		DecayedUtility: 5,
		QueryCentroid:  pseudoVector("birth grant eligibility"),
		IntentHist:     map[string]int{"legal": 3},
	}

	state := &domain.QueryExecutionState{
		Query:       "birth grant eligibility",
		QueryVector: pseudoVector("birth grant eligibility"),
		Plan:        domain.QueryPlan{Intent: domain.IntentLegal},
		FacetWeights: map[string]map[string]float64{
			domain.FacetSection: {"eligibility": 1.0},
		},
	}

	ranked := uc.rerankAndDiversify(context.Background(), state, []domain.ScoredChunk{
		scored("hot", "eligibility", "Residents are eligible for the birth grant.", 0.9),
		scored("cold", "procedure", "Submit forms at the community center.", 0.5),
	})
	if len(ranked) == 0 {
		t.Fatal("no ranked output")
	}

	var hot *domain.RankedChunk
	for i := range ranked {
		if ranked[i].Chunk.ID == "hot" {
			hot = &ranked[i]
		}
	}
	if hot == nil {
		t.Fatal("hot chunk missing from selection")
	}

	// Max utility plus centroid and intent bonuses far exceed the cap; the
	// bonus must clamp, keeping content the dominant signal.
	if hot.MemBonus != uc.ranking.MemBonusCap {
		t.Fatalf("MemBonus = %v, want capped at %v", hot.MemBonus, uc.ranking.MemBonusCap)
	}
	wantMeta := uc.ranking.LambdaMeta * 1.0
	if hot.MetaBonus != wantMeta {
		t.Fatalf("MetaBonus = %v, want %v", hot.MetaBonus, wantMeta)
	}
	if hot.FinalScore != hot.ContentScore+hot.MetaBonus+hot.MemBonus {
		t.Fatalf("FinalScore %v != content %v + meta %v + mem %v", hot.FinalScore, hot.ContentScore, hot.MetaBonus, hot.MemBonus)
	}
}

func TestRerankZeroMemoryContributesNothing(t *testing.T) {
	store := newFakeStore()
	uc, _, _ := newTestEngine(store, &fakeJudge{}, testRanking())

	state := &domain.QueryExecutionState{
		Query:       "birth grant",
		QueryVector: pseudoVector("birth grant"),
		Plan:        domain.QueryPlan{Intent: domain.IntentOther},
	}

	ranked := uc.rerankAndDiversify(context.Background(), state, []domain.ScoredChunk{
		scored("a", "", "The birth grant is a one-time payment.", 0.8),
	})
	if len(ranked) != 1 {
		t.Fatalf("ranked = %d, want 1", len(ranked))
	}
	if ranked[0].MemBonus != 0 {
		t.Fatalf("chunk with no stats got MemBonus %v", ranked[0].MemBonus)
	}
	if ranked[0].MetaBonus != 0 {
		t.Fatalf("chunk with no facet weights got MetaBonus %v", ranked[0].MetaBonus)
	}
}

func TestMMRSkipsNearDuplicates(t *testing.T) {
	store := newFakeStore()
	r := testRanking()
	r.TopK = 3
	r.ExplorationFraction = 0
	uc, _, _ := newTestEngine(store, &fakeJudge{}, r)

	dup := "출산장려금은 출생아 1인당 1회 지급되는 지원금이다."
	state := &domain.QueryExecutionState{
		Query:       "출산장려금",
		QueryVector: pseudoVector("출산장려금"),
	}

	ranked := uc.rerankAndDiversify(context.Background(), state, []domain.ScoredChunk{
		scored("dup1", "", dup, 0.9),
		scored("dup2", "", dup, 0.89),
		scored("other", "", "신청 서류는 주민센터에 제출한다.", 0.5),
	})

	seen := map[string]bool{}
	for _, rc := range ranked {
		seen[rc.Chunk.ID] = true
	}
	if seen["dup1"] && seen["dup2"] {
		t.Fatalf("both near-duplicates selected: %v", seen)
	}
	if !seen["other"] {
		t.Fatalf("diverse chunk dropped: %v", seen)
	}
}

func TestRerankExplorationSlots(t *testing.T) {
	store := newFakeStore()
	r := testRanking()
	r.TopK = 4
	r.ExplorationFraction = 0.5
	uc, statsRepo, _ := newTestEngine(store, &fakeJudge{}, r)

	now := time.Now().UTC()
	for _, id := range []string{"m1", "m2", "m3"} {
		statsRepo.stats[id] = domain.ChunkStats{
			ChunkID:        id,
			UsefulCount:    5,
			LastUsefulAt:   &now,
			DecayedUtility: 5,
		}
	}

	state := &domain.QueryExecutionState{
		Query:       "birth grant",
		QueryVector: pseudoVector("birth grant"),
		Plan:        domain.QueryPlan{Intent: domain.IntentOther},
	}

	ranked := uc.rerankAndDiversify(context.Background(), state, []domain.ScoredChunk{
		scored("m1", "", "The grant is paid once per newborn child.", 0.9),
		scored("m2", "", "Applications are accepted within twelve months of birth.", 0.85),
		scored("m3", "", "The payment amount depends on the birth order.", 0.8),
		scored("fresh1", "", "Adopted children qualify under the same ordinance.", 0.4),
		scored("fresh2", "", "Twins receive a separate supplemental allowance.", 0.35),
	})

	explored := 0
	for _, rc := range ranked {
		if rc.Exploration {
			explored++
			if rc.MemBonus != 0 {
				t.Fatalf("exploration slot given to a remembered chunk: %+v", rc)
			}
		}
	}
	if explored == 0 {
		t.Fatalf("no exploration slots filled: %+v", ranked)
	}
}

func TestRerankDegradesWhenScorerFails(t *testing.T) {
	store := newFakeStore()
	uc, _, _ := newTestEngine(store, &fakeJudge{}, testRanking())
	uc.scorer = &fakeScorer{err: errors.New("reranker down")}

	state := &domain.QueryExecutionState{
		Query:       "birth grant",
		QueryVector: pseudoVector("birth grant"),
	}

	ranked := uc.rerankAndDiversify(context.Background(), state, []domain.ScoredChunk{
		scored("a", "", "first body", 2.0),
		scored("b", "", "second body text", 1.0),
	})
	if len(ranked) != 2 {
		t.Fatalf("ranked = %d, want 2", len(ranked))
	}
	if ranked[0].Chunk.ID != "a" || ranked[0].ContentScore != 1.0 {
		t.Fatalf("degraded path must normalize store scores: %+v", ranked[0])
	}
	if ranked[1].ContentScore != 0.5 {
		t.Fatalf("second score = %v, want 0.5", ranked[1].ContentScore)
	}
}

func TestRerankDeterministicTieBreak(t *testing.T) {
	store := newFakeStore()
	uc, _, _ := newTestEngine(store, &fakeJudge{}, testRanking())
	state := &domain.QueryExecutionState{
		Query:       "grant",
		QueryVector: pseudoVector("grant"),
	}

	candidates := []domain.ScoredChunk{
		scored("b", "", "grant details here", 0.7),
		scored("a", "", "grant summary text", 0.7),
	}
	first := uc.rerankAndDiversify(context.Background(), state, candidates)
	second := uc.rerankAndDiversify(context.Background(), state, candidates)

	if len(first) != len(second) {
		t.Fatalf("runs differ in length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Chunk.ID != second[i].Chunk.ID {
			t.Fatalf("runs differ at %d: %q vs %q", i, first[i].Chunk.ID, second[i].Chunk.ID)
		}
	}
	if first[0].FinalScore == first[1].FinalScore && first[0].Chunk.ID > first[1].Chunk.ID {
		t.Fatalf("equal scores must order by chunk ID: %+v", first)
	}
}
