package usecase

import (
	"regexp"
	"strings"
	"time"

	"github.com/kirillkom/retrieval-engine/internal/config"
	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

var (
	asOfEnglish = regexp.MustCompile(`(?i)\bas of\s+(\d{4}-\d{2}-\d{2})`)
	asOfKorean  = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})\s*기준`)
)

var definitionMarkers = []string{"what is", "what does", "definition", "meaning of", "정의", "뜻", "의미"}
var howtoMarkers = []string{"how to", "how do", "how can", "steps to", "방법", "절차", "어떻게"}
var legalMarkers = []string{"law", "legal", "regulation", "statute", "ordinance", "eligibility", "entitled", "법", "조례", "규정", "시행령", "자격"}

var stopTokens = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "of": {}, "for": {}, "to": {}, "in": {}, "on": {},
	"is": {}, "are": {}, "what": {}, "how": {}, "do": {}, "does": {}, "can": {},
	"and": {}, "or": {}, "as": {}, "by": {}, "with": {}, "about": {},
	"은": {}, "는": {}, "이": {}, "가": {}, "을": {}, "를": {}, "의": {}, "에": {},
}

// planQuery is the heuristic reading of a raw query: intent, entities and the
// temporal constraint, plus a per-intent lexical/vector blend. It replaces
// the LLM planner of heavier deployments and never fails.
func planQuery(query string, r config.Ranking) domain.QueryPlan {
	plan := domain.QueryPlan{
		Intent: detectIntent(query),
		AsOf:   parseAsOf(query),
	}
	plan.Alpha = alphaForIntent(plan.Intent, r.DefaultAlpha)
	plan.Entities = extractEntities(query)
	return plan
}

func detectIntent(query string) domain.Intent {
	q := strings.ToLower(query)
	for _, m := range definitionMarkers {
		if strings.Contains(q, m) {
			return domain.IntentDefinition
		}
	}
	for _, m := range howtoMarkers {
		if strings.Contains(q, m) {
			return domain.IntentHowTo
		}
	}
	for _, m := range legalMarkers {
		if strings.Contains(q, m) {
			return domain.IntentLegal
		}
	}
	return domain.IntentOther
}

// alphaForIntent nudges the hybrid blend: definition and legal lookups lean
// lexical, procedural questions lean semantic.
func alphaForIntent(intent domain.Intent, fallback float64) float64 {
	switch intent {
	case domain.IntentDefinition:
		return 0.35
	case domain.IntentLegal:
		return 0.45
	case domain.IntentHowTo:
		return 0.65
	default:
		return fallback
	}
}

func parseAsOf(query string) *time.Time {
	match := asOfEnglish.FindStringSubmatch(query)
	if match == nil {
		match = asOfKorean.FindStringSubmatch(query)
	}
	if match == nil {
		return nil
	}
	at, err := time.Parse("2006-01-02", match[1])
	if err != nil {
		return nil
	}
	return &at
}

func extractEntities(query string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 8)
	for _, token := range tokenizeLower(query) {
		if len([]rune(token)) < 2 {
			continue
		}
		if _, stop := stopTokens[token]; stop {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
		if len(out) == 8 {
			break
		}
	}
	return out
}
