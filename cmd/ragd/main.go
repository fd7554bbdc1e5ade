package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knoguchi/rag/internal/chain"
	"github.com/knoguchi/rag/internal/config"
	"github.com/knoguchi/rag/internal/domain"
	"github.com/knoguchi/rag/internal/embedder"
	"github.com/knoguchi/rag/internal/ingestion"
	"github.com/knoguchi/rag/internal/lexical"
	"github.com/knoguchi/rag/internal/llm"
	"github.com/knoguchi/rag/internal/memory"
	"github.com/knoguchi/rag/internal/pipeline"
	"github.com/knoguchi/rag/internal/query"
	"github.com/knoguchi/rag/internal/repository"
	"github.com/knoguchi/rag/internal/repository/postgres"
	"github.com/knoguchi/rag/internal/reranker"
	"github.com/knoguchi/rag/internal/retriever"
	"github.com/knoguchi/rag/internal/server"
	"github.com/knoguchi/rag/internal/tokenizer"
	"github.com/knoguchi/rag/internal/vectorstore"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting RAG service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
	)

	// Initialize PostgreSQL
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", pipeline.Wrap(pipeline.InitError, err))
	}
	defer db.Close()
	slog.Info("connected to PostgreSQL")

	// Initialize repositories
	datasetRepo := postgres.NewDatasetRepo(db)
	collectionRepo := postgres.NewCollectionRepo(db)
	dataRepo := postgres.NewDataRepo(db)
	conversationRepo := postgres.NewConversationRepo(db)

	// Initialize Qdrant vector store
	vectorStore, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantURL)
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", pipeline.Wrap(pipeline.InitError, err))
	}
	defer vectorStore.Close()
	slog.Info("connected to Qdrant")

	// Initialize lexical (bleve) index
	lexicalIdx, err := lexical.NewIndex(cfg.LexicalIndexPath)
	if err != nil {
		return fmt.Errorf("failed to open lexical index: %w", pipeline.Wrap(pipeline.InitError, err))
	}
	defer lexicalIdx.Close()
	slog.Info("lexical index ready", "path", cfg.LexicalIndexPath)

	// Initialize embedding client
	embed := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL: cfg.EmbeddingBaseURL,
		Model:   cfg.EmbeddingModel,
		Timeout: time.Duration(cfg.EmbeddingTimeoutSecs) * time.Second,
	})
	if err := embed.DiscoverDimension(ctx); err != nil {
		return fmt.Errorf("failed to initialize embedding client: %w", err)
	}
	slog.Info("initialized embedding client", "model", cfg.EmbeddingModel, "dimension", embed.Dimension())

	// Initialize LLM client
	llmClient := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.LLMBaseURL),
		llm.WithModel(cfg.LLMModel),
		llm.WithTimeout(time.Duration(cfg.LLMTimeoutSecs)*time.Second),
	)
	slog.Info("initialized LLM client", "model", cfg.LLMModel)

	// Initialize rerank client
	rerankClient := reranker.NewHTTPClient(cfg.RerankBaseURL, "", reranker.WithAPIKey(cfg.RerankAPIKey),
		reranker.WithTimeout(time.Duration(cfg.RerankTimeoutSecs)*time.Second))
	rerank := reranker.NewReranker(rerankClient, slog.Default())

	tokens := tokenizer.NewCounter(slog.Default())
	ids := domain.NewIDGenerator()

	optimizer := query.NewOptimizer(llmClient, slog.Default())
	expander := query.NewExpander(llmClient, slog.Default())

	denseRetriever := retriever.NewDenseRetriever(embed, vectorStore, dataRepo)
	hybridRetriever := retriever.NewHybridRetriever(denseRetriever, lexicalIdx, slog.Default())
	parallelRetriever := retriever.NewParallelRetriever(
		hybridRetriever,
		slog.Default(),
		retriever.WithWorkerCount(cfg.RetrievalWorkerCount),
	)

	mem := memory.NewStore(
		conversationRepo,
		cfg.MaxHistoryLength,
		time.Duration(cfg.SessionTimeoutHours)*time.Hour,
	)

	retrievalChain := chain.New(
		optimizer,
		expander,
		parallelRetriever,
		rerank,
		mem,
		llmClient,
		tokens,
		slog.Default(),
		chain.WithTopK(cfg.RetrievalTopK),
		chain.WithExpansionVariants(cfg.ExpansionVariants),
		chain.WithLLMModel(cfg.LLMModel),
	)

	pipeline := ingestion.New(
		datasetRepo,
		collectionRepo,
		dataRepo,
		vectorStore,
		lexicalIdx,
		embed,
		ids,
		tokens,
		slog.Default(),
	)

	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: []string{"*"}, // Configure in production
		Chain:          retrievalChain,
		Pipeline:       pipeline,
		ImportDataDir:  cfg.ImportDataDir,
	})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting HTTP server", "port", cfg.HTTPPort)
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	slog.Info("shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.DatasetRepository      = (*postgres.DatasetRepo)(nil)
	_ repository.CollectionRepository   = (*postgres.CollectionRepo)(nil)
	_ repository.DataRepository         = (*postgres.DataRepo)(nil)
	_ repository.ConversationRepository = (*postgres.ConversationRepo)(nil)
	_ vectorstore.VectorStore           = (*vectorstore.QdrantStore)(nil)
	_ embedder.Embedder                 = (*embedder.OllamaEmbedder)(nil)
	_ llm.LLM                           = (*llm.OllamaClient)(nil)
)
