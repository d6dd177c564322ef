package ollama

import (
	"fmt"
	"strings"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
)

const maxVerdictBody = 1500

func buildVerdictPrompt(query string, selected []domain.RankedChunk, plan domain.QueryPlan) string {
	var contextBuilder strings.Builder
	for idx, rc := range selected {
		body := rc.Chunk.Body
		if len(body) > maxVerdictBody {
			body = body[:maxVerdictBody]
		}
		contextBuilder.WriteString(fmt.Sprintf(
			"[%d] section=%s doc_type=%s score=%.3f\n%s\n\n",
			idx+1,
			rc.Chunk.Section,
			rc.Chunk.DocType,
			rc.FinalScore,
			body,
		))
	}

	var constraints strings.Builder
	constraints.WriteString("intent=" + string(plan.Intent))
	if len(plan.Entities) > 0 {
		constraints.WriteString(" entities=" + strings.Join(plan.Entities, ","))
	}
	if plan.AsOf != nil {
		constraints.WriteString(" as_of=" + plan.AsOf.Format("2006-01-02"))
	}

	return fmt.Sprintf(`You validate search results for a question. The passages may be Korean or English.
Decide whether the passages contain enough grounding to answer the question, and whether they respect the temporal constraint if one is given.
Return strict JSON object with keys:
valid (boolean), confidence (number from 0 to 1), reason (string, one sentence), action (string, one of DRILLDOWN, RELAX, PIVOT; empty when valid).
Use DRILLDOWN when the passages are on topic but too broad, RELAX when the scope looks over-narrowed, PIVOT when the passages are off topic.
No markdown, no extra keys.

Question:
%s

Constraints:
%s

Passages:
%s`, query, constraints.String(), contextBuilder.String())
}
