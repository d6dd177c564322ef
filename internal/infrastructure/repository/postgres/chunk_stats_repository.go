package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

// ChunkStatsRepository persists the per-chunk usefulness memory. Merge takes
// a row lock so concurrent validations of the same chunk serialize instead of
// losing increments.
type ChunkStatsRepository struct {
	db *sql.DB
}

func NewChunkStatsRepository(db *sql.DB) *ChunkStatsRepository {
	return &ChunkStatsRepository{db: db}
}

func (r *ChunkStatsRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026021002)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS chunk_stats (
	chunk_id TEXT PRIMARY KEY,
	useful_count INTEGER NOT NULL DEFAULT 0,
	last_useful_at TIMESTAMPTZ,
	intent_hist JSONB NOT NULL DEFAULT '{}'::jsonb,
	entity_hist JSONB NOT NULL DEFAULT '{}'::jsonb,
	query_centroid JSONB,
	centroid_weight DOUBLE PRECISION NOT NULL DEFAULT 0,
	decayed_utility DOUBLE PRECISION NOT NULL DEFAULT 0
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

func (r *ChunkStatsRepository) GetBatch(ctx context.Context, chunkIDs []string) (map[string]domain.ChunkStats, error) {
	out := make(map[string]domain.ChunkStats, len(chunkIDs))
	if len(chunkIDs) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(chunkIDs))
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	query := fmt.Sprintf(`
SELECT chunk_id, useful_count, last_useful_at, intent_hist, entity_hist, query_centroid, centroid_weight, decayed_utility
FROM chunk_stats
WHERE chunk_id IN (%s)
`, strings.Join(placeholders, ","))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunk stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		stats, err := scanChunkStats(rows)
		if err != nil {
			return nil, err
		}
		out[stats.ChunkID] = stats
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk stats: %w", err)
	}
	return out, nil
}

func (r *ChunkStatsRepository) Merge(ctx context.Context, chunkID string, merge func(domain.ChunkStats) domain.ChunkStats) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, `
SELECT chunk_id, useful_count, last_useful_at, intent_hist, entity_hist, query_centroid, centroid_weight, decayed_utility
FROM chunk_stats
WHERE chunk_id = $1
FOR UPDATE
`, chunkID)

	current, err := scanChunkStats(row)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		current = domain.ChunkStats{ChunkID: chunkID}
	}

	next := merge(current)
	next.ChunkID = chunkID

	intentJSON, err := json.Marshal(histOrEmpty(next.IntentHist))
	if err != nil {
		return fmt.Errorf("marshal intent hist: %w", err)
	}
	entityJSON, err := json.Marshal(histOrEmpty(next.EntityHist))
	if err != nil {
		return fmt.Errorf("marshal entity hist: %w", err)
	}
	var centroidJSON []byte
	if len(next.QueryCentroid) > 0 {
		centroidJSON, err = json.Marshal(next.QueryCentroid)
		if err != nil {
			return fmt.Errorf("marshal centroid: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO chunk_stats (chunk_id, useful_count, last_useful_at, intent_hist, entity_hist, query_centroid, centroid_weight, decayed_utility)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (chunk_id) DO UPDATE SET
	useful_count = EXCLUDED.useful_count,
	last_useful_at = EXCLUDED.last_useful_at,
	intent_hist = EXCLUDED.intent_hist,
	entity_hist = EXCLUDED.entity_hist,
	query_centroid = EXCLUDED.query_centroid,
	centroid_weight = EXCLUDED.centroid_weight,
	decayed_utility = EXCLUDED.decayed_utility
`,
		next.ChunkID, next.UsefulCount, next.LastUsefulAt, intentJSON, entityJSON,
		centroidJSON, next.CentroidWeight, next.DecayedUtility,
	)
	if err != nil {
		return fmt.Errorf("upsert chunk stats %s: %w", chunkID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge tx: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunkStats(row rowScanner) (domain.ChunkStats, error) {
	var stats domain.ChunkStats
	var intentRaw, entityRaw, centroidRaw []byte

	err := row.Scan(
		&stats.ChunkID, &stats.UsefulCount, &stats.LastUsefulAt,
		&intentRaw, &entityRaw, &centroidRaw,
		&stats.CentroidWeight, &stats.DecayedUtility,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ChunkStats{}, err
		}
		return domain.ChunkStats{}, fmt.Errorf("scan chunk stats: %w", err)
	}

	if len(intentRaw) > 0 {
		if err := json.Unmarshal(intentRaw, &stats.IntentHist); err != nil {
			return domain.ChunkStats{}, fmt.Errorf("unmarshal intent hist: %w", err)
		}
	}
	if len(entityRaw) > 0 {
		if err := json.Unmarshal(entityRaw, &stats.EntityHist); err != nil {
			return domain.ChunkStats{}, fmt.Errorf("unmarshal entity hist: %w", err)
		}
	}
	if len(centroidRaw) > 0 {
		if err := json.Unmarshal(centroidRaw, &stats.QueryCentroid); err != nil {
			return domain.ChunkStats{}, fmt.Errorf("unmarshal centroid: %w", err)
		}
	}
	return stats, nil
}

func histOrEmpty(hist map[string]int) map[string]int {
	if hist == nil {
		return map[string]int{}
	}
	return hist
}
