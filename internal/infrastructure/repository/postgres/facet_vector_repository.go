package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

// FacetVectorRepository persists facet-value vectors, one row per
// (facet, value) pair. Rebuilds replace rows wholesale via Upsert.
type FacetVectorRepository struct {
	db *sql.DB
}

func NewFacetVectorRepository(db *sql.DB) *FacetVectorRepository {
	return &FacetVectorRepository{db: db}
}

func (r *FacetVectorRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026021003)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS facet_vectors (
	facet TEXT NOT NULL,
	value TEXT NOT NULL,
	aliases JSONB NOT NULL DEFAULT '[]'::jsonb,
	vector JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (facet, value)
);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *FacetVectorRepository) Upsert(ctx context.Context, row domain.FacetValueVector) error {
	aliasesJSON, err := json.Marshal(aliasesOrEmpty(row.Aliases))
	if err != nil {
		return fmt.Errorf("marshal aliases: %w", err)
	}
	vectorJSON, err := json.Marshal(row.Vector)
	if err != nil {
		return fmt.Errorf("marshal vector: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO facet_vectors (facet, value, aliases, vector, updated_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (facet, value) DO UPDATE SET
	aliases = EXCLUDED.aliases,
	vector = EXCLUDED.vector,
	updated_at = EXCLUDED.updated_at
`, row.Facet, row.Value, aliasesJSON, vectorJSON, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert facet vector %s/%s: %w", row.Facet, row.Value, err)
	}
	return nil
}

func (r *FacetVectorRepository) ListByFacet(ctx context.Context, facet string) ([]domain.FacetValueVector, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT facet, value, aliases, vector, updated_at
FROM facet_vectors
WHERE facet = $1
ORDER BY value
`, facet)
	if err != nil {
		return nil, fmt.Errorf("query facet vectors: %w", err)
	}
	defer rows.Close()
	return collectFacetVectors(rows)
}

func (r *FacetVectorRepository) ListAll(ctx context.Context) ([]domain.FacetValueVector, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT facet, value, aliases, vector, updated_at
FROM facet_vectors
ORDER BY facet, value
`)
	if err != nil {
		return nil, fmt.Errorf("query facet vectors: %w", err)
	}
	defer rows.Close()
	return collectFacetVectors(rows)
}

func collectFacetVectors(rows *sql.Rows) ([]domain.FacetValueVector, error) {
	var out []domain.FacetValueVector
	for rows.Next() {
		var row domain.FacetValueVector
		var aliasesRaw, vectorRaw []byte
		if err := rows.Scan(&row.Facet, &row.Value, &aliasesRaw, &vectorRaw, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan facet vector: %w", err)
		}
		if len(aliasesRaw) > 0 {
			if err := json.Unmarshal(aliasesRaw, &row.Aliases); err != nil {
				return nil, fmt.Errorf("unmarshal aliases: %w", err)
			}
		}
		if err := json.Unmarshal(vectorRaw, &row.Vector); err != nil {
			return nil, fmt.Errorf("unmarshal vector: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facet vectors: %w", err)
	}
	return out, nil
}

func aliasesOrEmpty(aliases []string) []string {
	if aliases == nil {
		return []string{}
	}
	return aliases
}
