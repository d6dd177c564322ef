// Package trace carries per-query structured stage events. Every pipeline
// stage emits an Event keyed by the query's trace identifier; sinks fan the
// events out to logs and to the debug endpoint's ring buffer.
package trace

import (
	"log/slog"
	"time"
)

type Event struct {
	TraceID    string         `json:"trace_id"`
	Stage      string         `json:"stage"`
	Status     string         `json:"status"`
	DurationMS float64        `json:"duration_ms,omitempty"`
	Attrs      map[string]any `json:"attrs,omitempty"`
	At         time.Time      `json:"at"`
}

const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Sink receives stage events. Implementations must be safe for concurrent
// use; Emit must not block the pipeline.
type Sink interface {
	Emit(Event)
}

type NopSink struct{}

func (NopSink) Emit(Event) {}

// SlogSink writes each event as one structured log line.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Emit(e Event) {
	if s.Logger == nil {
		return
	}
	attrs := []any{
		"trace_id", e.TraceID,
		"stage", e.Stage,
		"status", e.Status,
	}
	if e.DurationMS > 0 {
		attrs = append(attrs, "duration_ms", e.DurationMS)
	}
	for k, v := range e.Attrs {
		attrs = append(attrs, k, v)
	}
	if e.Status == StatusFailed {
		s.Logger.Warn("stage_event", attrs...)
		return
	}
	s.Logger.Info("stage_event", attrs...)
}

// MultiSink fans one event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}
