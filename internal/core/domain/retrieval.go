package domain

import "time"

type Intent string

const (
	IntentLegal      Intent = "legal"
	IntentHowTo      Intent = "howto"
	IntentDefinition Intent = "definition"
	IntentOther      Intent = "other"
)

// QueryPlan is the planner's reading of a raw query: detected intent, query
// entities, temporal constraint and the lexical/vector blend to use.
type QueryPlan struct {
	Intent   Intent     `json:"intent"`
	Entities []string   `json:"entities,omitempty"`
	AsOf     *time.Time `json:"as_of,omitempty"`
	Alpha    float64    `json:"alpha"`
}

// SearchFilter narrows a hybrid query. Facets are exact-match payload
// filters; AsOf clamps results to chunks whose validity interval covers the
// instant.
type SearchFilter struct {
	Facets map[string]string
	AsOf   *time.Time
}

func (f SearchFilter) Empty() bool {
	return len(f.Facets) == 0 && f.AsOf == nil
}

// ScoredChunk is a chunk with the raw score assigned by the store.
type ScoredChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// RetrievalBranch is one candidate facet combination proposed by the facet
// planner. Ephemeral, scoped to a single query execution.
type RetrievalBranch struct {
	Facets         map[string]string `json:"facets,omitempty"`
	Weight         float64           `json:"weight"`
	EstimatedCount int               `json:"estimated_count"`
	NoOp           bool              `json:"no_op"`
}

// RankedChunk is a chunk after rerank: the cross-encoder score plus the
// bounded metadata and memory bonuses that produced its final score.
type RankedChunk struct {
	Chunk        Chunk   `json:"chunk"`
	ContentScore float64 `json:"content_score"`
	MetaBonus    float64 `json:"meta_bonus"`
	MemBonus     float64 `json:"mem_bonus"`
	FinalScore   float64 `json:"final_score"`
	Exploration  bool    `json:"exploration,omitempty"`
}

type VerdictAction string

const (
	ActionAccept    VerdictAction = "ACCEPT"
	ActionDrilldown VerdictAction = "DRILLDOWN"
	ActionRelax     VerdictAction = "RELAX"
	ActionPivot     VerdictAction = "PIVOT"
)

// Verdict is the validator judge's decision on a ranked selection.
type Verdict struct {
	Valid      bool          `json:"valid"`
	Confidence float64       `json:"confidence"`
	Reason     string        `json:"reason,omitempty"`
	Action     VerdictAction `json:"action,omitempty"`
}

type PipelineState string

const (
	StatePlanned   PipelineState = "PLANNED"
	StateSearched  PipelineState = "SEARCHED"
	StateValidated PipelineState = "VALIDATED"
	StateRejected  PipelineState = "REJECTED"
	StateExhausted PipelineState = "EXHAUSTED"
)

// QueryExecutionState is the per-query mutable state threaded through the
// pipeline. Owned exclusively by the orchestrator; never shared across
// concurrent queries.
type QueryExecutionState struct {
	TraceID     string
	Query       string
	Plan        QueryPlan
	QueryVector []float32

	FacetWeights map[string]map[string]float64
	FacetHist    map[string]map[string]int

	Candidates        []ScoredChunk
	CandidateTopScore float64

	Branches      []RetrievalBranch
	WinningBranch *RetrievalBranch

	// Acceptance window for branch cardinality, fixed by the planner for
	// this execution.
	WindowMin int
	WindowMax int

	State          PipelineState
	Iteration      int
	VerdictHistory []Verdict

	Best      []RankedChunk
	BestScore float64
}

// RetrievalResult is the engine's terminal output: the ranked chunk list
// handed to the answer composer, flagged unvalidated when the loop exhausted
// its retry budget.
type RetrievalResult struct {
	TraceID    string           `json:"trace_id"`
	Chunks     []RankedChunk    `json:"chunks"`
	Validated  bool             `json:"validated"`
	State      PipelineState    `json:"state"`
	Iterations int              `json:"iterations"`
	Branch     *RetrievalBranch `json:"branch,omitempty"`
	Plan       QueryPlan        `json:"plan"`
}
