package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Ranking holds the operator-tunable retrieval constants. Defaults fix the
// roles and bounds; deployments override them through a YAML file without
// code changes.
type Ranking struct {
	DefaultAlpha   float64 `yaml:"default_alpha"`
	CandidateLimit int     `yaml:"candidate_limit"`
	BranchLimit    int     `yaml:"branch_limit"`

	MaxBranches        int     `yaml:"max_branches"`
	TopPerFacet        int     `yaml:"top_per_facet"`
	MinFacetSimilarity float64 `yaml:"min_facet_similarity"`
	MinBranchCount     int     `yaml:"min_branch_count"`
	MaxBranchFraction  float64 `yaml:"max_branch_fraction"`

	LambdaMeta   float64 `yaml:"lambda_meta"`
	MetaBonusCap float64 `yaml:"meta_bonus_cap"`
	LambdaMem    float64 `yaml:"lambda_mem"`
	MemBonusCap  float64 `yaml:"mem_bonus_cap"`

	MMRLambda           float64 `yaml:"mmr_lambda"`
	TopK                int     `yaml:"top_k"`
	SimilarityCeiling   float64 `yaml:"similarity_ceiling"`
	ExplorationFraction float64 `yaml:"exploration_fraction"`

	IntentMatchBonus float64 `yaml:"intent_match_bonus"`

	HalfLifeWeeks   float64 `yaml:"half_life_weeks"`
	UtilityCap      float64 `yaml:"utility_cap"`
	RewardIncrement float64 `yaml:"reward_increment"`

	MaxIterations      int `yaml:"max_iterations"`
	QueryBudgetSeconds int `yaml:"query_budget_seconds"`
	BranchTimeoutSecs  int `yaml:"branch_timeout_seconds"`
	CacheTTLSeconds    int `yaml:"cache_ttl_seconds"`

	FacetSampleMin int `yaml:"facet_sample_min"`
	FacetSampleMax int `yaml:"facet_sample_max"`
}

func DefaultRanking() Ranking {
	return Ranking{
		DefaultAlpha:   0.5,
		CandidateLimit: 400,
		BranchLimit:    200,

		MaxBranches:        3,
		TopPerFacet:        2,
		MinFacetSimilarity: 0.3,
		MinBranchCount:     3,
		MaxBranchFraction:  0.8,

		LambdaMeta:   0.15,
		MetaBonusCap: 0.3,
		LambdaMem:    0.3,
		MemBonusCap:  0.3,

		MMRLambda:           0.7,
		TopK:                30,
		SimilarityCeiling:   0.92,
		ExplorationFraction: 0.15,

		IntentMatchBonus: 0.2,

		HalfLifeWeeks:   6,
		UtilityCap:      5,
		RewardIncrement: 1,

		MaxIterations:      2,
		QueryBudgetSeconds: 20,
		BranchTimeoutSecs:  5,
		CacheTTLSeconds:    60,

		FacetSampleMin: 3,
		FacetSampleMax: 10,
	}
}

// LoadRanking returns defaults overlaid with the YAML file at path. An empty
// path means defaults only.
func LoadRanking(path string) (Ranking, error) {
	r := DefaultRanking()
	if path == "" {
		return r, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return r, fmt.Errorf("read ranking config: %w", err)
	}
	if err := yaml.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("parse ranking config: %w", err)
	}
	return r.normalize(), nil
}

func (r Ranking) normalize() Ranking {
	def := DefaultRanking()
	if r.DefaultAlpha < 0 || r.DefaultAlpha > 1 {
		r.DefaultAlpha = def.DefaultAlpha
	}
	if r.CandidateLimit <= 0 {
		r.CandidateLimit = def.CandidateLimit
	}
	if r.BranchLimit <= 0 {
		r.BranchLimit = def.BranchLimit
	}
	if r.MaxBranches <= 0 || r.MaxBranches > 3 {
		r.MaxBranches = def.MaxBranches
	}
	if r.TopPerFacet <= 0 {
		r.TopPerFacet = def.TopPerFacet
	}
	if r.MaxBranchFraction <= 0 || r.MaxBranchFraction > 1 {
		r.MaxBranchFraction = def.MaxBranchFraction
	}
	if r.MMRLambda <= 0 || r.MMRLambda >= 1 {
		r.MMRLambda = def.MMRLambda
	}
	if r.TopK <= 0 {
		r.TopK = def.TopK
	}
	if r.ExplorationFraction < 0 || r.ExplorationFraction >= 1 {
		r.ExplorationFraction = def.ExplorationFraction
	}
	if r.HalfLifeWeeks <= 0 {
		r.HalfLifeWeeks = def.HalfLifeWeeks
	}
	if r.UtilityCap <= 0 {
		r.UtilityCap = def.UtilityCap
	}
	if r.MaxIterations < 0 {
		r.MaxIterations = def.MaxIterations
	}
	if r.FacetSampleMin < 1 {
		r.FacetSampleMin = def.FacetSampleMin
	}
	if r.FacetSampleMax < r.FacetSampleMin {
		r.FacetSampleMax = r.FacetSampleMin
	}
	return r
}
