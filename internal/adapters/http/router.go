// Package httpadapter exposes the retrieval and ingest use cases over a
// JSON HTTP API.
package httpadapter

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/retrieval-engine/internal/core/domain"
	"github.com/kirillkom/retrieval-engine/internal/core/ports"
	"github.com/kirillkom/retrieval-engine/internal/observability/metrics"
	"github.com/kirillkom/retrieval-engine/internal/observability/trace"
)

const serviceName = "retrieval-api"

type Router struct {
	retrieval ports.RetrievalService
	ingestor  ports.CorpusIngestor
	docs      ports.DocumentRepository
	queue     ports.MessageQueue
	traces    *trace.RingSink
	metrics   *metrics.HTTPServerMetrics

	rateLimitRPS   float64
	rateLimitBurst int
}

type Options struct {
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(
	retrieval ports.RetrievalService,
	ingestor ports.CorpusIngestor,
	docs ports.DocumentRepository,
	queue ports.MessageQueue,
	traces *trace.RingSink,
	m *metrics.HTTPServerMetrics,
	options Options,
) *Router {
	return &Router{
		retrieval:      retrieval,
		ingestor:       ingestor,
		docs:           docs,
		queue:          queue,
		traces:         traces,
		metrics:        m,
		rateLimitRPS:   options.RateLimitRPS,
		rateLimitBurst: options.RateLimitBurst,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/v1/query", rt.query)
	mux.HandleFunc("/v1/documents", rt.ingestDocuments)
	mux.HandleFunc("/v1/documents/", rt.getDocumentByID)
	mux.HandleFunc("/v1/chunks", rt.ingestChunks)
	mux.HandleFunc("/v1/facets/rebuild", rt.publishFacetRebuild)
	mux.HandleFunc("/v1/traces/", rt.getTrace)
	if rt.metrics != nil {
		mux.Handle("/metrics", rt.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = rateLimitMiddleware(handler, rt.rateLimitRPS, rt.rateLimitBurst)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) query(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}

	start := time.Now()
	result, err := rt.retrieval.Retrieve(r.Context(), req.Query)
	if err != nil {
		writeError(w, err)
		return
	}

	if rt.metrics != nil {
		rt.metrics.RecordQuery(serviceName, string(result.State), len(result.Chunks), result.Iterations, time.Since(start))
		exploration := 0
		for _, c := range result.Chunks {
			if c.Exploration {
				exploration++
			}
		}
		rt.metrics.RecordExploration(serviceName, exploration)
	}

	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) ingestDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req struct {
		Documents []domain.Document `json:"documents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if len(req.Documents) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "documents are required"})
		return
	}

	if err := rt.ingestor.IngestDocuments(r.Context(), req.Documents); err != nil {
		writeError(w, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordIngest(serviceName, "document", len(req.Documents))
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(req.Documents)})
}

func (rt *Router) getDocumentByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/documents/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "document id is required"})
		return
	}

	doc, err := rt.docs.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) ingestChunks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req struct {
		Chunks []domain.Chunk `json:"chunks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if len(req.Chunks) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chunks are required"})
		return
	}

	if err := rt.ingestor.IngestChunks(r.Context(), req.Chunks); err != nil {
		writeError(w, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordIngest(serviceName, "chunk", len(req.Chunks))
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(req.Chunks)})
}

func (rt *Router) publishFacetRebuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req struct {
		Facet string `json:"facet"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if !isTrackedFacet(req.Facet) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown facet"})
		return
	}

	if err := rt.queue.PublishFacetRebuild(r.Context(), req.Facet); err != nil {
		writeError(w, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordRebuildPublish(serviceName, req.Facet)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"facet": req.Facet})
}

func (rt *Router) getTrace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/traces/")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "trace id is required"})
		return
	}
	if rt.traces == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "trace retention disabled"})
		return
	}

	events := rt.traces.Events(id)
	if len(events) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "trace not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trace_id": id, "events": events})
}

func isTrackedFacet(facet string) bool {
	for _, f := range domain.TrackedFacets() {
		if f == facet {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
