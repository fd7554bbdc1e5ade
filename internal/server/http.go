// Package server exposes the retrieval chain and ingestion pipeline over a
// plain chi HTTP router (4.Q/4.R's external interface, §8).
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/knoguchi/rag/internal/chain"
	"github.com/knoguchi/rag/internal/ingestion"
)

// queryRequest is the JSON body of POST /query/.
type queryRequest struct {
	Question           string  `json:"question"`
	SessionID          string  `json:"session_id,omitempty"`
	MaxTokens          int     `json:"max_tokens,omitempty"`
	RelevanceThreshold float64 `json:"relevance_threshold,omitempty"`
	TemplateName       string  `json:"template_name,omitempty"`
	EnableRerank       *bool   `json:"enable_rerank,omitempty"`
	EnableOptimization *bool   `json:"enable_optimization,omitempty"`
	EnableExpansion    *bool   `json:"enable_expansion,omitempty"`
}

// queryResponse is the JSON envelope returned by POST /query/.
type queryResponse struct {
	Question             string                `json:"question"`
	Answer                string                `json:"answer"`
	QueryID               string                `json:"query_id"`
	SessionID             string                `json:"session_id,omitempty"`
	ProcessingTime        float64               `json:"processing_time"`
	TokensUsed            int                   `json:"tokens_used"`
	RelevanceScore        float64               `json:"relevance_score"`
	RetrievedChunksCount  int                   `json:"retrieved_chunks_count"`
	NoResults             bool                  `json:"no_results,omitempty"`
	Metadata              queryResponseMetadata `json:"metadata"`
}

type queryResponseMetadata struct {
	ProcessedQuery    string             `json:"processed_query"`
	RetrievalStats    retrievalStatsJSON `json:"retrieval_stats"`
	TemplateUsed      string             `json:"template_used"`
	ProcessingEnabled map[string]bool    `json:"processing_enabled"`
}

type retrievalStatsJSON struct {
	InitialResults  int  `json:"initial_results"`
	RerankedResults int  `json:"reranked_results"`
	FilteredResults int  `json:"filtered_results"`
	RerankEnabled   bool `json:"rerank_enabled"`
}

// HTTPServer serves the query and ingestion HTTP surface.
type HTTPServer struct {
	server        *http.Server
	router        *chi.Mux
	logger        *slog.Logger
	chain         *chain.Chain
	pipeline      *ingestion.Pipeline
	importDataDir string

	importRunning atomic.Bool
}

// HTTPServerConfig configures the HTTP server.
type HTTPServerConfig struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string
	Chain          *chain.Chain
	Pipeline       *ingestion.Pipeline
	ImportDataDir  string
}

// NewHTTPServer constructs an HTTPServer and mounts its routes.
func NewHTTPServer(cfg HTTPServerConfig) *HTTPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	s := &HTTPServer{
		router:        router,
		logger:        logger,
		chain:         cfg.Chain,
		pipeline:      cfg.Pipeline,
		importDataDir: cfg.ImportDataDir,
	}

	router.Post("/query/", s.handleQuery)
	router.Get("/health/", s.handleHealth)
	router.Post("/api/import/start", s.handleImportStart)
	router.Post("/api/import/import-sync", s.handleImportSync)
	router.Get("/api/import/status", s.handleImportStatus)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start runs the HTTP server until it is shut down.
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *HTTPServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	chainReq := chain.Request{
		Question:           req.Question,
		SessionID:           req.SessionID,
		MaxTokens:           req.MaxTokens,
		RelevanceThreshold:  req.RelevanceThreshold,
		TemplateName:        req.TemplateName,
		EnableRerank:        boolOr(req.EnableRerank, true),
		EnableOptimization:  boolOr(req.EnableOptimization, true),
		EnableExpansion:     boolOr(req.EnableExpansion, true),
	}

	resp, err := s.chain.Run(r.Context(), chainReq)
	if err != nil {
		s.logger.Error("query failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Question:             resp.Question,
		Answer:                resp.Answer,
		QueryID:               resp.QueryID,
		SessionID:             resp.SessionID,
		ProcessingTime:        round3(resp.ProcessingTime.Seconds()),
		TokensUsed:            resp.TokensUsed,
		RelevanceScore:        round3(resp.RelevanceScore),
		RetrievedChunksCount:  resp.RetrievedChunksCount,
		NoResults:             resp.NoResults,
		Metadata: queryResponseMetadata{
			ProcessedQuery: resp.ProcessedQuery,
			RetrievalStats: retrievalStatsJSON{
				InitialResults:  resp.RetrievalStats.InitialResults,
				RerankedResults: resp.RetrievalStats.RerankedResults,
				FilteredResults: resp.RetrievalStats.FilteredResults,
				RerankEnabled:   resp.RetrievalStats.RerankEnabled,
			},
			TemplateUsed:      resp.TemplateUsed,
			ProcessingEnabled: resp.ProcessingEnabled,
		},
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"components": map[string]string{
			"retrieval_chain": componentStatus(s.chain != nil),
			"llm":             componentStatus(s.chain != nil),
			"config":          "ok",
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *HTTPServer) handleImportStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DatasetName string `json:"dataset_name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.DatasetName == "" {
		req.DatasetName = "default"
	}

	if !s.importRunning.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "an import is already running")
		return
	}

	go func() {
		defer s.importRunning.Store(false)
		ctx := context.Background()
		stats, err := s.pipeline.ImportDirectory(ctx, s.importDataDir, req.DatasetName)
		if err != nil {
			s.logger.Error("background import failed", "error", err)
			return
		}
		s.logger.Info("background import finished", "files", stats.FilesProcessed, "chunks", stats.ChunksCreated, "vectors", stats.VectorsCreated)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *HTTPServer) handleImportSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DatasetName string `json:"dataset_name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.DatasetName == "" {
		req.DatasetName = "default"
	}

	if !s.importRunning.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "an import is already running")
		return
	}
	defer s.importRunning.Store(false)

	stats, err := s.pipeline.ImportDirectory(r.Context(), s.importDataDir, req.DatasetName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"files_processed": stats.FilesProcessed,
		"chunks_created":  stats.ChunksCreated,
		"vectors_created": stats.VectorsCreated,
		"errors":          stats.Errors,
	})
}

func (s *HTTPServer) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"import_running": s.importRunning.Load(),
		"pipeline_ready": s.pipeline != nil,
	})
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func round3(f float64) float64 {
	return float64(int(f*1000+0.5)) / 1000
}

func componentStatus(ready bool) string {
	if ready {
		return "ok"
	}
	return "unavailable"
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// requestLoggingMiddleware logs HTTP requests.
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token, X-Request-ID, X-API-Key")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
