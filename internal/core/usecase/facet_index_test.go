package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

func facetRow(facet, value string, vector []float32) domain.FacetValueVector {
	return domain.FacetValueVector{
		Facet:     facet,
		Value:     value,
		Vector:    vector,
		UpdatedAt: time.Now().UTC(),
	}
}

func TestWeightsForRanksAndFilters(t *testing.T) {
	repo := newFakeFacetRepo()
	for _, row := range []domain.FacetValueVector{
		facetRow(domain.FacetSection, "eligibility", []float32{1, 0, 0, 0}),
		facetRow(domain.FacetSection, "definitions", []float32{0.9, 0.4, 0, 0}),
		facetRow(domain.FacetSection, "penalties", []float32{0, 0, 1, 0}),
		facetRow(domain.FacetDocType, "ordinance", []float32{0.8, 0.6, 0, 0}),
	} {
		if err := repo.Upsert(context.Background(), row); err != nil {
			t.Fatal(err)
		}
	}

	idx := NewFacetIndex(newFakeStore(), &fakeEmbedder{}, repo, testRanking(), testLogger())
	if err := idx.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	weights := idx.WeightsFor([]float32{1, 0, 0, 0}, 2)

	sections := weights[domain.FacetSection]
	if len(sections) != 2 {
		t.Fatalf("section weights = %v, want top 2", sections)
	}
	if sections["eligibility"] <= sections["definitions"] {
		t.Fatalf("eligibility (%v) must outrank definitions (%v)", sections["eligibility"], sections["definitions"])
	}
	if _, ok := sections["penalties"]; ok {
		t.Fatal("orthogonal value must fall below the similarity floor")
	}
	if _, ok := weights[domain.FacetDocType]["ordinance"]; !ok {
		t.Fatal("doc_type weight missing")
	}
	for _, values := range weights {
		for value, w := range values {
			if w < 0 || w > 1 {
				t.Fatalf("weight %q = %v out of [0,1]", value, w)
			}
		}
	}
}

func TestWeightsForEmptyIndex(t *testing.T) {
	idx := NewFacetIndex(newFakeStore(), &fakeEmbedder{}, newFakeFacetRepo(), testRanking(), testLogger())
	if got := idx.WeightsFor([]float32{1, 0}, 2); len(got) != 0 {
		t.Fatalf("empty index weights = %v, want empty", got)
	}
	if got := idx.WeightsFor(nil, 2); len(got) != 0 {
		t.Fatalf("nil query vector weights = %v, want empty", got)
	}
}

func TestRebuildUpsertsAndSwapsSnapshot(t *testing.T) {
	store := newFakeStore(
		domain.Chunk{ID: "c1", DocID: "d1", Section: "eligibility", Body: "Residents registered for 90 days are eligible."},
		domain.Chunk{ID: "c2", DocID: "d1", Section: "eligibility", Body: "Eligibility requires local registration."},
		domain.Chunk{ID: "c3", DocID: "d1", Section: "definitions", Body: "Birth grant means a one-time payment."},
	)
	repo := newFakeFacetRepo()
	idx := NewFacetIndex(store, &fakeEmbedder{}, repo, testRanking(), testLogger())

	updated, err := idx.Rebuild(context.Background(), domain.FacetSection)
	if err != nil {
		t.Fatal(err)
	}
	if updated != 2 {
		t.Fatalf("updated = %d, want 2 distinct values", updated)
	}

	rows, err := repo.ListByFacet(context.Background(), domain.FacetSection)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("persisted rows = %d, want 2", len(rows))
	}

	// The fresh snapshot must serve the rebuilt rows: querying with a row's
	// own vector yields similarity 1 for that value.
	for _, row := range rows {
		weights := idx.WeightsFor(row.Vector, 2)
		if weights[domain.FacetSection][row.Value] < 0.99 {
			t.Fatalf("snapshot missing rebuilt value %q: %v", row.Value, weights)
		}
	}
}

func TestRebuildSpacingAliases(t *testing.T) {
	if got := spacingAliases("출산 장려금"); len(got) != 1 || got[0] != "출산장려금" {
		t.Fatalf("spacingAliases = %v", got)
	}
	if got := spacingAliases("ordinance"); got != nil {
		t.Fatalf("single-word value must have no aliases, got %v", got)
	}
}

func TestRebuildAggregateError(t *testing.T) {
	store := newFakeStore()
	store.aggregateErr = context.DeadlineExceeded
	idx := NewFacetIndex(store, &fakeEmbedder{}, newFakeFacetRepo(), testRanking(), testLogger())

	if _, err := idx.Rebuild(context.Background(), domain.FacetSection); !domain.IsKind(err, domain.ErrAdapter) {
		t.Fatalf("err = %v, want adapter kind", err)
	}
}
