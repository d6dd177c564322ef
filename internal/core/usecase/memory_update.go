package usecase

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/kirillkom/retrieval-engine/internal/config"
	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/core/ports"
)

// centroidRecency is the weight of the newest query embedding in the running
// centroid, biasing it toward recent validated usage.
const centroidRecency = 0.3

// MemoryUpdater is the sole writer of ChunkStats, invoked exactly once per
// terminal VALIDATED outcome. Decay is applied lazily at merge time from
// last_useful_at; no background sweep exists.
type MemoryUpdater struct {
	stats   ports.ChunkStatsRepository
	ranking config.Ranking
	now     func() time.Time
}

func NewMemoryUpdater(stats ports.ChunkStatsRepository, ranking config.Ranking) *MemoryUpdater {
	return &MemoryUpdater{
		stats:   stats,
		ranking: ranking,
		now:     time.Now,
	}
}

// RecordValidated rewards every chunk of the validated selection. Each
// chunk's merge is atomic per identifier; a failed merge is reported but does
// not roll back the others.
func (m *MemoryUpdater) RecordValidated(ctx context.Context, state *domain.QueryExecutionState, selected []domain.RankedChunk) error {
	var firstErr error
	now := m.now().UTC()
	for _, rc := range selected {
		chunk := rc.Chunk
		err := m.stats.Merge(ctx, chunk.ID, func(prev domain.ChunkStats) domain.ChunkStats {
			return m.merge(prev, chunk, state, now)
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MemoryUpdater) merge(prev domain.ChunkStats, chunk domain.Chunk, state *domain.QueryExecutionState, now time.Time) domain.ChunkStats {
	next := prev
	next.ChunkID = chunk.ID
	next.UsefulCount = prev.UsefulCount + 1

	if next.IntentHist == nil {
		next.IntentHist = make(map[string]int)
	} else {
		next.IntentHist = copyHist(prev.IntentHist)
	}
	next.IntentHist[string(state.Plan.Intent)]++

	if next.EntityHist == nil {
		next.EntityHist = make(map[string]int)
	} else {
		next.EntityHist = copyHist(prev.EntityHist)
	}
	for _, entity := range matchedEntities(state.Plan.Entities, chunk) {
		next.EntityHist[entity]++
	}

	decayed := decayUtility(prev.DecayedUtility, prev.LastUsefulAt, now, m.ranking.HalfLifeWeeks)
	next.DecayedUtility = decayed + m.ranking.RewardIncrement
	if next.DecayedUtility > m.ranking.UtilityCap {
		next.DecayedUtility = m.ranking.UtilityCap
	}

	next.QueryCentroid = blendCentroid(prev.QueryCentroid, state.QueryVector)
	next.CentroidWeight = prev.CentroidWeight + 1
	next.LastUsefulAt = &now
	return next
}

// decayUtility applies exponential half-life decay to a previously stored
// utility value, measured from its last reward.
func decayUtility(previous float64, lastUsefulAt *time.Time, now time.Time, halfLifeWeeks float64) float64 {
	if previous <= 0 || lastUsefulAt == nil || halfLifeWeeks <= 0 {
		return previous
	}
	weeks := now.Sub(*lastUsefulAt).Hours() / (24 * 7)
	if weeks <= 0 {
		return previous
	}
	return previous * math.Pow(0.5, weeks/halfLifeWeeks)
}

// blendCentroid moves the running centroid toward the newest query
// embedding. The first win adopts the query vector outright.
func blendCentroid(prev []float32, query []float32) []float32 {
	if len(query) == 0 {
		return prev
	}
	if len(prev) != len(query) {
		out := make([]float32, len(query))
		copy(out, query)
		return out
	}
	out := make([]float32, len(prev))
	for i := range prev {
		out[i] = float32((1-centroidRecency)*float64(prev[i]) + centroidRecency*float64(query[i]))
	}
	return out
}

// matchedEntities returns the query entities present in the chunk's entity
// tags or body.
func matchedEntities(entities []string, chunk domain.Chunk) []string {
	if len(entities) == 0 {
		return nil
	}
	tags := make(map[string]struct{}, len(chunk.Entities))
	for _, tag := range chunk.Entities {
		tags[strings.ToLower(tag)] = struct{}{}
	}
	body := strings.ToLower(chunk.Body)

	out := make([]string, 0, len(entities))
	for _, entity := range entities {
		if _, ok := tags[entity]; ok {
			out = append(out, entity)
			continue
		}
		if strings.Contains(body, entity) {
			out = append(out, entity)
		}
	}
	return out
}

func copyHist(m map[string]int) map[string]int {
	out := make(map[string]int, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
