package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

func TestDecayUtilityHalfLife(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	sixWeeksAgo := now.Add(-6 * 7 * 24 * time.Hour)

	got := decayUtility(4.0, &sixWeeksAgo, now, 6)
	if got < 1.999 || got > 2.001 {
		t.Fatalf("one half-life decay of 4.0 = %v, want 2.0", got)
	}

	if got := decayUtility(4.0, nil, now, 6); got != 4.0 {
		t.Fatalf("never-rewarded value must not decay, got %v", got)
	}
	if got := decayUtility(4.0, &now, now, 6); got != 4.0 {
		t.Fatalf("zero elapsed time must not decay, got %v", got)
	}
}

func TestDecayUtilityMonotonic(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	prev := decayUtility(5.0, timePtr(now.Add(-24*time.Hour)), now, 6)
	for weeks := 1; weeks <= 52; weeks++ {
		at := now.Add(-time.Duration(weeks) * 7 * 24 * time.Hour)
		cur := decayUtility(5.0, &at, now, 6)
		if cur >= prev {
			t.Fatalf("decay not monotonic at week %d: %v >= %v", weeks, cur, prev)
		}
		if cur < 0 {
			t.Fatalf("decay went negative at week %d: %v", weeks, cur)
		}
		prev = cur
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func validatedState(query string, intent domain.Intent, entities ...string) *domain.QueryExecutionState {
	return &domain.QueryExecutionState{
		TraceID:     "t-1",
		Query:       query,
		QueryVector: pseudoVector(query),
		Plan:        domain.QueryPlan{Intent: intent, Entities: entities},
	}
}

func TestRecordValidatedFirstWin(t *testing.T) {
	repo := newFakeStatsRepo()
	updater := NewMemoryUpdater(repo, testRanking())

	state := validatedState("birth grant eligibility", domain.IntentLegal, "grant")
	selected := []domain.RankedChunk{
		{Chunk: domain.Chunk{ID: "c1", Body: "The birth grant requires residence.", Entities: []string{"grant"}}},
	}
	if err := updater.RecordValidated(context.Background(), state, selected); err != nil {
		t.Fatal(err)
	}

	got := repo.stats["c1"]
	if got.UsefulCount != 1 {
		t.Fatalf("UsefulCount = %d, want 1", got.UsefulCount)
	}
	if got.DecayedUtility != 1 {
		t.Fatalf("DecayedUtility = %v, want the reward increment", got.DecayedUtility)
	}
	if got.IntentHist["legal"] != 1 {
		t.Fatalf("IntentHist = %v", got.IntentHist)
	}
	if got.EntityHist["grant"] != 1 {
		t.Fatalf("EntityHist = %v", got.EntityHist)
	}
	if got.LastUsefulAt == nil {
		t.Fatal("LastUsefulAt not set")
	}
	// First win adopts the query vector outright.
	if cosine32(got.QueryCentroid, state.QueryVector) < 0.999 {
		t.Fatalf("first-win centroid differs from the query vector")
	}
}

func TestRecordValidatedUtilityCap(t *testing.T) {
	repo := newFakeStatsRepo()
	r := testRanking()
	updater := NewMemoryUpdater(repo, r)

	state := validatedState("birth grant", domain.IntentOther)
	selected := []domain.RankedChunk{{Chunk: domain.Chunk{ID: "c1", Body: "grant"}}}

	for i := 0; i < 20; i++ {
		if err := updater.RecordValidated(context.Background(), state, selected); err != nil {
			t.Fatal(err)
		}
	}

	got := repo.stats["c1"]
	if got.UsefulCount != 20 {
		t.Fatalf("UsefulCount = %d, want 20", got.UsefulCount)
	}
	if got.DecayedUtility > r.UtilityCap {
		t.Fatalf("DecayedUtility = %v exceeds cap %v", got.DecayedUtility, r.UtilityCap)
	}
	if got.CentroidWeight != 20 {
		t.Fatalf("CentroidWeight = %v, want 20", got.CentroidWeight)
	}
}

func TestRecordValidatedCentroidTracksRecentQueries(t *testing.T) {
	repo := newFakeStatsRepo()
	updater := NewMemoryUpdater(repo, testRanking())
	selected := []domain.RankedChunk{{Chunk: domain.Chunk{ID: "c1", Body: "grant"}}}

	first := validatedState("birth grant amount", domain.IntentOther)
	if err := updater.RecordValidated(context.Background(), first, selected); err != nil {
		t.Fatal(err)
	}
	second := validatedState("library opening hours", domain.IntentOther)
	if err := updater.RecordValidated(context.Background(), second, selected); err != nil {
		t.Fatal(err)
	}

	centroid := repo.stats["c1"].QueryCentroid
	simFirst := cosine32(centroid, first.QueryVector)
	simSecond := cosine32(centroid, second.QueryVector)
	if simFirst < 0.5 {
		t.Fatalf("centroid lost the dominant history: %v", simFirst)
	}
	if simSecond <= 0 {
		t.Fatalf("centroid ignores the newest query: %v", simSecond)
	}
	if simSecond >= simFirst {
		t.Fatalf("one outlier query must not dominate: first %v, second %v", simFirst, simSecond)
	}
}

func TestRecordValidatedDecaysStaleUtility(t *testing.T) {
	repo := newFakeStatsRepo()
	updater := NewMemoryUpdater(repo, testRanking())
	selected := []domain.RankedChunk{{Chunk: domain.Chunk{ID: "c1", Body: "grant"}}}
	state := validatedState("birth grant", domain.IntentOther)

	base := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	updater.now = func() time.Time { return base }
	if err := updater.RecordValidated(context.Background(), state, selected); err != nil {
		t.Fatal(err)
	}
	if err := updater.RecordValidated(context.Background(), state, selected); err != nil {
		t.Fatal(err)
	}
	// 2.0 after two immediate rewards; one half-life later a third reward
	// lands on the decayed value.
	updater.now = func() time.Time { return base.Add(6 * 7 * 24 * time.Hour) }
	if err := updater.RecordValidated(context.Background(), state, selected); err != nil {
		t.Fatal(err)
	}

	got := repo.stats["c1"].DecayedUtility
	if got < 1.999 || got > 2.001 {
		t.Fatalf("DecayedUtility = %v, want 1.0 decayed + 1.0 reward", got)
	}
}

func TestRecordValidatedReportsFirstErrorOnly(t *testing.T) {
	repo := newFakeStatsRepo()
	repo.err = context.DeadlineExceeded
	updater := NewMemoryUpdater(repo, testRanking())

	state := validatedState("birth grant", domain.IntentOther)
	selected := []domain.RankedChunk{
		{Chunk: domain.Chunk{ID: "c1", Body: "a"}},
		{Chunk: domain.Chunk{ID: "c2", Body: "b"}},
	}
	if err := updater.RecordValidated(context.Background(), state, selected); err == nil {
		t.Fatal("expected merge error to surface")
	}
}
