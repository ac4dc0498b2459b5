package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/oapi-codegen/runtime"

	"github.com/kirillkom/document-pipeline/internal/config"
	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/report/xlsx"
	"github.com/kirillkom/document-pipeline/internal/observability/metrics"
)

const (
	multipartMemory    = 8 << 20
	multipartOverhead  = 1 << 20
	defaultUploadLimit = 32 << 20
	defaultResetReason = "operator reset"
)

// CounterReader exposes the low-priority view/like counters of a document.
type CounterReader interface {
	Counters(ctx context.Context, subjectID int64) (views, likes int64, err error)
}

// Dependencies lists the inbound ports served by the router. Counters,
// Metrics, MCP and BrokerHealthy are optional.
type Dependencies struct {
	Ingestor   ports.DocumentIngestor
	Lifecycle  ports.DocumentLifecycle
	Documents  ports.DocumentReader
	Stages     ports.StageRecorder
	Similarity ports.SimilarityFinder
	Stats      ports.StatsIntake
	Counters   CounterReader
	Metrics    *metrics.HTTPServerMetrics
	MCP        http.Handler
	// BrokerHealthy turns /healthz into 503 while it reports false.
	BrokerHealthy func() bool
}

type Router struct {
	cfg      config.Config
	deps     Dependencies
	contract *contractValidator
}

func NewRouter(cfg config.Config, deps Dependencies) (*Router, error) {
	contract, err := loadContract()
	if err != nil {
		return nil, err
	}
	return &Router{
		cfg:      cfg,
		deps:     deps,
		contract: contract,
	}, nil
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("POST /v1/documents", rt.uploadDocument)
	mux.HandleFunc("GET /v1/documents/{id}", rt.getDocument)
	mux.HandleFunc("POST /v1/documents/{id}/process", rt.beginProcessing)
	mux.HandleFunc("POST /v1/documents/{id}/publish", rt.publishDocument)
	mux.HandleFunc("POST /v1/documents/{id}/reset", rt.resetDocument)
	mux.HandleFunc("GET /v1/documents/{id}/stages", rt.listStages)
	mux.HandleFunc("GET /v1/documents/{id}/stages.xlsx", rt.exportStages)
	mux.HandleFunc("GET /v1/documents/{id}/similar", rt.findSimilar)
	mux.HandleFunc("POST /v1/stats/events", rt.submitStatsEvent)
	if rt.deps.Metrics != nil {
		mux.Handle("GET /metrics", rt.deps.Metrics.Handler())
	}
	if rt.deps.MCP != nil {
		mux.Handle("/mcp", rt.deps.MCP)
	}

	var handler http.Handler = rt.contract.middleware(mux)
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, rt.cfg.APIQueueWait)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	if rt.deps.Metrics != nil {
		handler = rt.deps.Metrics.Middleware(handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	if rt.deps.BrokerHealthy != nil && !rt.deps.BrokerHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "broker_unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) uploadDocument(w http.ResponseWriter, r *http.Request) {
	limit := rt.cfg.MaxUploadBytes
	if limit <= 0 {
		limit = defaultUploadLimit
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	autoProcess := false
	if raw := strings.TrimSpace(r.FormValue("auto_process")); raw != "" {
		autoProcess, err = strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "auto_process must be a boolean")
			return
		}
	}

	doc, err := rt.deps.Ingestor.Upload(r.Context(), domain.UploadRequest{
		Filename:    fileHeader.Filename,
		Title:       r.FormValue("title"),
		MediaType:   fileHeader.Header.Get("Content-Type"),
		OwnerID:     r.FormValue("owner_id"),
		AutoProcess: autoProcess,
	}, file)
	if err != nil {
		rt.writeDomainError(w, r, "upload document", err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

type documentResponse struct {
	*domain.Document
	Views int64 `json:"views"`
	Likes int64 `json:"likes"`
}

func (rt *Router) getDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	doc, err := rt.deps.Documents.GetByID(r.Context(), id)
	if err != nil {
		rt.writeDomainError(w, r, "get document", err)
		return
	}

	resp := documentResponse{Document: doc}
	if rt.deps.Counters != nil {
		views, likes, err := rt.deps.Counters.Counters(r.Context(), id)
		if err != nil {
			// counters are best effort
			slog.Warn("document_counters_unavailable",
				"request_id", requestIDFromContext(r.Context()),
				"document_id", id,
				"error", err,
			)
		} else {
			resp.Views, resp.Likes = views, likes
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) beginProcessing(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	doc, err := rt.deps.Lifecycle.BeginProcessing(r.Context(), id)
	if err != nil {
		rt.writeDomainError(w, r, "begin processing", err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (rt *Router) publishDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	doc, err := rt.deps.Lifecycle.Publish(r.Context(), id)
	if err != nil {
		rt.writeDomainError(w, r, "publish document", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) resetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil && r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = defaultResetReason
	}

	doc, err := rt.deps.Lifecycle.ResetToPending(r.Context(), id, reason)
	if err != nil {
		rt.writeDomainError(w, r, "reset document", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) listStages(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	attempts, err := rt.deps.Stages.History(r.Context(), id)
	if err != nil {
		rt.writeDomainError(w, r, "list stage attempts", err)
		return
	}
	if attempts == nil {
		attempts = []domain.StageAttempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id": id,
		"attempts":    attempts,
	})
}

func (rt *Router) exportStages(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	doc, err := rt.deps.Documents.GetByID(r.Context(), id)
	if err != nil {
		rt.writeDomainError(w, r, "export stage attempts", err)
		return
	}
	attempts, err := rt.deps.Stages.History(r.Context(), id)
	if err != nil {
		rt.writeDomainError(w, r, "export stage attempts", err)
		return
	}

	var buf bytes.Buffer
	if err := xlsx.WriteStageHistory(&buf, doc, attempts); err != nil {
		rt.writeDomainError(w, r, "export stage attempts", err)
		return
	}
	w.Header().Set("Content-Type", xlsx.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("document-%d-stages.xlsx", id)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (rt *Router) findSimilar(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	limit := 0
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil {
		writeError(w, http.StatusBadRequest, "invalid parameter \"limit\"")
		return
	}

	similar, err := rt.deps.Similarity.FindSimilar(r.Context(), id, limit)
	if err != nil {
		rt.writeDomainError(w, r, "find similar", err)
		return
	}
	if similar == nil {
		similar = []domain.SimilarDocument{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document_id": id,
		"similar":     similar,
	})
}

func (rt *Router) submitStatsEvent(w http.ResponseWriter, r *http.Request) {
	var event domain.StatsEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := rt.deps.Stats.Submit(r.Context(), event); err != nil {
		rt.writeDomainError(w, r, "submit stats event", err)
		return
	}
	if rt.deps.Metrics != nil {
		rt.deps.Metrics.RecordStatsEvent(string(event.EventType))
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// documentID binds the {id} path segment. It writes a 400 and returns false
// when the segment is not a positive integer.
func documentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	var id int64
	err := runtime.BindStyledParameterWithOptions("simple", "id", r.PathValue("id"), &id, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid parameter \"id\"")
		return 0, false
	}
	return id, true
}

func (rt *Router) writeDomainError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("http_handler_failed",
			"request_id", requestIDFromContext(r.Context()),
			"operation", operation,
			"status", status,
			"error", err,
		)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
