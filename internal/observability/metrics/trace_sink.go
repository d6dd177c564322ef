package metrics

import (
	"time"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/observability/trace"
)

// TraceSink converts completed pipeline stage events into prometheus
// observations. Chained behind the logging sink via trace.MultiSink.
type TraceSink struct {
	metrics *HTTPServerMetrics
	service string
}

func NewTraceSink(m *HTTPServerMetrics, service string) *TraceSink {
	return &TraceSink{metrics: m, service: service}
}

func (s *TraceSink) Emit(e trace.Event) {
	if e.Status != trace.StatusCompleted {
		return
	}

	s.metrics.RecordStage(s.service, e.Stage, time.Duration(e.DurationMS*float64(time.Millisecond)))

	switch e.Stage {
	case "facet_planner":
		if branches, ok := e.Attrs["branches"].([]domain.RetrievalBranch); ok {
			s.metrics.ObserveBranchesPlanned(s.service, len(branches))
		}
	case "narrowed_search":
		if noOp, ok := e.Attrs["no_op"].(bool); ok {
			s.metrics.RecordBranchWin(s.service, noOp)
		}
	case "validator":
		if action, ok := e.Attrs["action"].(string); ok {
			s.metrics.RecordVerdict(s.service, action)
		}
	}
}
