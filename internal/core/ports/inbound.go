package ports

import (
	"context"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

// RetrievalService is the inbound contract for metadata-aware retrieval.
// Retrieve never aborts without a (possibly empty) ranked list; total store
// failure is the only hard error surfaced to the caller.
type RetrievalService interface {
	Retrieve(ctx context.Context, query string) (*domain.RetrievalResult, error)
}

// CorpusIngestor is the inbound contract for chunk/document upsert
// orchestration. Extraction and segmentation happen upstream.
type CorpusIngestor interface {
	IngestDocuments(ctx context.Context, docs []domain.Document) error
	IngestChunks(ctx context.Context, chunks []domain.Chunk) error
}

// FacetIndexMaintainer rebuilds facet-value vectors out-of-band. Rebuilds
// must not block concurrent readers of the index.
type FacetIndexMaintainer interface {
	Rebuild(ctx context.Context, facet string) (int, error)
}
