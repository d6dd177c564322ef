package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

func newDocRepoWithMock(t *testing.T) (*DocumentRepository, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return &DocumentRepository{db: db}, mock, func() { _ = db.Close() }
}

func TestGetByIDReturnsDomainNotFound(t *testing.T) {
	repo, mock, done := newDocRepoWithMock(t)
	defer done()

	mock.ExpectQuery("SELECT id, title, doc_type").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetByIDScansEntities(t *testing.T) {
	repo, mock, done := newDocRepoWithMock(t)
	defer done()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "title", "doc_type", "jurisdiction", "lang", "entities", "valid_from", "valid_to", "created_at", "updated_at",
	}).AddRow("doc-1", "출산장려금 지급 조례", "ordinance", "성남시", "ko", []byte(`["출산장려금"]`), nil, nil, now, now)

	mock.ExpectQuery("SELECT id, title, doc_type").
		WithArgs("doc-1").
		WillReturnRows(rows)

	doc, err := repo.GetByID(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if doc.Title != "출산장려금 지급 조례" || doc.Jurisdiction != "성남시" {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if len(doc.Entities) != 1 || doc.Entities[0] != "출산장려금" {
		t.Fatalf("unexpected entities: %v", doc.Entities)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertDocumentsRunsInOneTx(t *testing.T) {
	repo, mock, done := newDocRepoWithMock(t)
	defer done()

	now := time.Now().UTC()
	docs := []domain.Document{
		{ID: "doc-1", Title: "a", CreatedAt: now, UpdatedAt: now},
		{ID: "doc-2", Title: "b", CreatedAt: now, UpdatedAt: now},
	}

	mock.ExpectBegin()
	for _, doc := range docs {
		mock.ExpectExec("INSERT INTO documents").
			WithArgs(doc.ID, doc.Title, "", "", "", sqlmock.AnyArg(), nil, nil, now, now).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	if err := repo.UpsertDocuments(context.Background(), docs); err != nil {
		t.Fatalf("UpsertDocuments() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertDocumentsEmptyIsNoop(t *testing.T) {
	repo, mock, done := newDocRepoWithMock(t)
	defer done()

	if err := repo.UpsertDocuments(context.Background(), nil); err != nil {
		t.Fatalf("UpsertDocuments() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
