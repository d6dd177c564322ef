package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/core/ports"
)

// IngestUseCase upserts pre-segmented documents and chunks into the document
// repository and the chunk store. Upserts are idempotent by identifier;
// re-ingesting the same chunk overwrites the stored version.
type IngestUseCase struct {
	docs  ports.DocumentRepository
	store ports.ChunkStore
}

func NewIngestUseCase(docs ports.DocumentRepository, store ports.ChunkStore) *IngestUseCase {
	return &IngestUseCase{docs: docs, store: store}
}

func (uc *IngestUseCase) IngestDocuments(ctx context.Context, docs []domain.Document) error {
	now := time.Now().UTC()
	for i := range docs {
		if docs[i].ID == "" {
			return domain.WrapError(domain.ErrInvalidInput, "ingest documents", fmt.Errorf("document %d has no id", i))
		}
		if err := validateValidity(docs[i].ValidFrom, docs[i].ValidTo); err != nil {
			return domain.WrapError(domain.ErrInvalidInput, "ingest documents", err)
		}
		if docs[i].CreatedAt.IsZero() {
			docs[i].CreatedAt = now
		}
		docs[i].UpdatedAt = now
	}

	if err := uc.docs.UpsertDocuments(ctx, docs); err != nil {
		return fmt.Errorf("upsert document metadata: %w", err)
	}
	if err := uc.store.UpsertDocuments(ctx, docs); err != nil {
		return domain.WrapError(domain.ErrAdapter, "upsert documents", err)
	}
	return nil
}

func (uc *IngestUseCase) IngestChunks(ctx context.Context, chunks []domain.Chunk) error {
	now := time.Now().UTC()
	for i := range chunks {
		c := &chunks[i]
		if c.ID == "" || c.DocID == "" {
			return domain.WrapError(domain.ErrInvalidInput, "ingest chunks", fmt.Errorf("chunk %d missing id or doc id", i))
		}
		if err := validateValidity(c.ValidFrom, c.ValidTo); err != nil {
			return domain.WrapError(domain.ErrInvalidInput, "ingest chunks", err)
		}

		doc, err := uc.docs.GetByID(ctx, c.DocID)
		if err != nil && !domain.IsKind(err, domain.ErrNotFound) {
			return fmt.Errorf("load owning document: %w", err)
		}
		c.InheritDocumentMetadata(doc)

		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.UpdatedAt = now
	}

	if err := uc.store.UpsertChunks(ctx, chunks); err != nil {
		return domain.WrapError(domain.ErrAdapter, "upsert chunks", err)
	}
	return nil
}

func validateValidity(from, to *time.Time) error {
	if from != nil && to != nil && to.Before(*from) {
		return fmt.Errorf("valid_to precedes valid_from")
	}
	return nil
}
