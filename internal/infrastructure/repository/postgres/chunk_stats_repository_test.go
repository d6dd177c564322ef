package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

var chunkStatsColumns = []string{
	"chunk_id", "useful_count", "last_useful_at", "intent_hist", "entity_hist", "query_centroid", "centroid_weight", "decayed_utility",
}

func newStatsRepoWithMock(t *testing.T) (*ChunkStatsRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return &ChunkStatsRepository{db: db}, mock, func() { _ = db.Close() }
}

func TestGetBatchEmptyInput(t *testing.T) {
	repo, mock, done := newStatsRepoWithMock(t)
	defer done()

	out, err := repo.GetBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty map, got %v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetBatchScansRows(t *testing.T) {
	repo, mock, done := newStatsRepoWithMock(t)
	defer done()

	last := time.Now().UTC()
	rows := sqlmock.NewRows(chunkStatsColumns).
		AddRow("c1", 3, last, []byte(`{"legal":2,"howto":1}`), []byte(`{"출산장려금":3}`), []byte(`[0.1,0.2]`), 3.0, 2.5).
		AddRow("c2", 1, last, []byte(`{}`), []byte(`{}`), nil, 1.0, 1.0)

	mock.ExpectQuery("SELECT chunk_id, useful_count").
		WithArgs("c1", "c2", "c3").
		WillReturnRows(rows)

	out, err := repo.GetBatch(context.Background(), []string{"c1", "c2", "c3"})
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(out))
	}
	c1 := out["c1"]
	if c1.UsefulCount != 3 || c1.IntentHist["legal"] != 2 || c1.EntityHist["출산장려금"] != 3 {
		t.Fatalf("unexpected stats: %+v", c1)
	}
	if len(c1.QueryCentroid) != 2 || c1.QueryCentroid[1] != 0.2 {
		t.Fatalf("unexpected centroid: %v", c1.QueryCentroid)
	}
	if _, ok := out["c3"]; ok {
		t.Fatalf("c3 has no row, should be absent")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMergeLocksRowAndUpserts(t *testing.T) {
	repo, mock, done := newStatsRepoWithMock(t)
	defer done()

	last := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT chunk_id, useful_count(?s).*FOR UPDATE").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(chunkStatsColumns).
			AddRow("c1", 2, last, []byte(`{"legal":2}`), []byte(`{}`), nil, 2.0, 1.8))
	mock.ExpectExec("INSERT INTO chunk_stats").
		WithArgs("c1", 3, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), 3.0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Merge(context.Background(), "c1", func(cur domain.ChunkStats) domain.ChunkStats {
		if cur.UsefulCount != 2 {
			t.Fatalf("merge fn saw %+v", cur)
		}
		cur.UsefulCount++
		cur.CentroidWeight++
		cur.DecayedUtility++
		return cur
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMergeMissingRowStartsFromZero(t *testing.T) {
	repo, mock, done := newStatsRepoWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT chunk_id, useful_count(?s).*FOR UPDATE").
		WithArgs("fresh").
		WillReturnRows(sqlmock.NewRows(chunkStatsColumns))
	mock.ExpectExec("INSERT INTO chunk_stats").
		WithArgs("fresh", 1, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), 1.0, 1.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Merge(context.Background(), "fresh", func(cur domain.ChunkStats) domain.ChunkStats {
		if cur.UsefulCount != 0 || cur.ChunkID != "fresh" {
			t.Fatalf("expected zero-value stats, got %+v", cur)
		}
		cur.UsefulCount = 1
		cur.CentroidWeight = 1
		cur.DecayedUtility = 1
		return cur
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
