package ports

import (
	"context"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

// ChunkStore is the capability contract over the chunk corpus. Concrete
// backends are selected by configuration in bootstrap, never by conditional
// branching at call sites. Upserts are idempotent, keyed by identifier.
// HybridQuery results carry full payload metadata so downstream stages need
// no additional store round-trips.
type ChunkStore interface {
	HybridQuery(ctx context.Context, text string, queryVector []float32, filter domain.SearchFilter, alpha float64, limit int) ([]domain.ScoredChunk, error)
	AggregateGroupBy(ctx context.Context, facet string, filter domain.SearchFilter) (map[string]int, error)
	UpsertChunks(ctx context.Context, chunks []domain.Chunk) error
	UpsertDocuments(ctx context.Context, docs []domain.Document) error
	EnsureSchema(ctx context.Context, vectorSize int) error
}

// Embedder builds vectors for queries, facet-vector construction and
// chunk-centroid maintenance. Vectors have one fixed dimensionality for the
// lifetime of an index.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// CrossEncoderScorer scores query/passage pairs with a pairwise relevance
// model. Stateless; called once per candidate chunk per query.
type CrossEncoderScorer interface {
	Score(ctx context.Context, query string, bodies []string) ([]float64, error)
}

// ValidatorJudge checks whether the selected chunks plausibly ground an
// answer and respect the temporal constraint. Stateless per call.
type ValidatorJudge interface {
	Check(ctx context.Context, query string, selected []domain.RankedChunk, plan domain.QueryPlan) (domain.Verdict, error)
}

// DocumentRepository persists document metadata.
type DocumentRepository interface {
	UpsertDocuments(ctx context.Context, docs []domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
}

// ChunkStatsRepository is the read/merge/write contract for per-chunk memory.
// Merge must be atomic per chunk identifier under concurrent validations.
type ChunkStatsRepository interface {
	GetBatch(ctx context.Context, chunkIDs []string) (map[string]domain.ChunkStats, error)
	Merge(ctx context.Context, chunkID string, merge func(domain.ChunkStats) domain.ChunkStats) error
}

// FacetVectorRepository persists facet-value vectors, unique per
// (facet, value).
type FacetVectorRepository interface {
	Upsert(ctx context.Context, row domain.FacetValueVector) error
	ListByFacet(ctx context.Context, facet string) ([]domain.FacetValueVector, error)
	ListAll(ctx context.Context) ([]domain.FacetValueVector, error)
}

// MessageQueue carries out-of-band facet rebuild triggers.
type MessageQueue interface {
	PublishFacetRebuild(ctx context.Context, facet string) error
	SubscribeFacetRebuild(ctx context.Context, handler func(context.Context, string) error) error
}
