package domain

import "time"

// ChunkStats is the per-chunk usefulness memory. Created lazily on first
// validated use, updated only by the memory updater, never deleted — only
// decayed toward zero.
type ChunkStats struct {
	ChunkID        string         `json:"chunk_id"`
	UsefulCount    int            `json:"useful_count"`
	LastUsefulAt   *time.Time     `json:"last_useful_at,omitempty"`
	IntentHist     map[string]int `json:"intent_hist,omitempty"`
	EntityHist     map[string]int `json:"entity_hist,omitempty"`
	QueryCentroid  []float32      `json:"query_centroid,omitempty"`
	CentroidWeight float64        `json:"centroid_weight"`
	DecayedUtility float64        `json:"decayed_utility"`
}

// FacetValueVector is the semantic fingerprint of one (facet, value) pair,
// built from the value label, its aliases and sampled example sentences.
type FacetValueVector struct {
	Facet     string    `json:"facet"`
	Value     string    `json:"value"`
	Aliases   []string  `json:"aliases,omitempty"`
	Vector    []float32 `json:"vector"`
	UpdatedAt time.Time `json:"updated_at"`
}
