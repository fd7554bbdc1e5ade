package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/knoguchi/rag/internal/pipeline"
)

const (
	// DefaultOllamaBaseURL is the default Ollama API base URL.
	DefaultOllamaBaseURL = "http://localhost:11434"

	// DefaultOllamaModel is the default embedding model.
	DefaultOllamaModel = "nomic-embed-text"

	// DefaultOllamaDimension is the fallback dimension used until
	// DiscoverDimension runs a probe call, or if that probe fails.
	DefaultOllamaDimension = 768

	// DefaultBatchConcurrency is the default number of concurrent embedding requests.
	DefaultBatchConcurrency = 4

	// DefaultEmbeddingTimeout bounds a single Embed call absent an
	// explicit override (§5's 60s embedding deadline).
	DefaultEmbeddingTimeout = 60 * time.Second

	// dimensionProbeText is the fixed input sent by DiscoverDimension to
	// learn the backend's embedding width without assuming a model name.
	dimensionProbeText = "test"
)

// OllamaConfig holds configuration for the Ollama embedder.
type OllamaConfig struct {
	// BaseURL is the Ollama API base URL (default: http://localhost:11434).
	BaseURL string

	// Model is the embedding model to use (default: nomic-embed-text).
	Model string

	// Dimension seeds the reported dimension before DiscoverDimension runs
	// (default: 768 for nomic-embed-text). Overwritten by a successful probe.
	Dimension int

	// BatchConcurrency is the number of concurrent requests for batch embedding.
	BatchConcurrency int

	// Timeout bounds a single Embed call (default 60s, per §5).
	Timeout time.Duration

	// HTTPClient is an optional custom HTTP client. If set, Timeout is
	// ignored in favor of the client's own configuration.
	HTTPClient *http.Client
}

// OllamaEmbedder implements the Embedder interface using Ollama's API.
type OllamaEmbedder struct {
	baseURL          string
	model            string
	batchConcurrency int
	client           *http.Client

	mu        sync.RWMutex
	dimension int
}

// ollamaRequest represents the request body for Ollama embedding API.
type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// ollamaResponse represents the response from Ollama embedding API.
type ollamaResponse struct {
	Embedding []float64 `json:"embedding"`
}

// NewOllamaEmbedder creates a new Ollama embedder with the given configuration.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultOllamaModel
	}

	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = DefaultOllamaDimension
	}

	batchConcurrency := cfg.BatchConcurrency
	if batchConcurrency <= 0 {
		batchConcurrency = DefaultBatchConcurrency
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultEmbeddingTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &OllamaEmbedder{
		baseURL:          baseURL,
		model:            model,
		dimension:        dimension,
		batchConcurrency: batchConcurrency,
		client:           client,
	}
}

// DiscoverDimension issues a probe embedding call and adopts the resulting
// vector's length as the reported dimension, per §6 ("vector dimension is
// discovered at init via a 'test' call"). Safe to call once at startup;
// a failure leaves the seeded/default dimension in place and is reported
// as an InitError-kind failure for the caller to decide how to react to.
func (e *OllamaEmbedder) DiscoverDimension(ctx context.Context) error {
	vector, err := e.Embed(ctx, dimensionProbeText)
	if err != nil {
		return pipeline.Wrap(pipeline.InitError, fmt.Errorf("probing embedding dimension: %w", err))
	}

	e.mu.Lock()
	e.dimension = len(vector)
	e.mu.Unlock()
	return nil
}

// Embed generates an embedding vector for a single text input.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := ollamaRequest{
		Model:  e.model,
		Prompt: text,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling embedding request: %w", err)
	}

	url := fmt.Sprintf("%s/api/embeddings", e.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("building embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, pipeline.Wrap(pipeline.BackendTimeout, err)
		}
		return nil, pipeline.Wrap(pipeline.BackendUnavailable, fmt.Errorf("calling embedding backend: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, pipeline.Wrap(pipeline.BackendUnavailable,
			fmt.Errorf("embedding backend returned status %d: %s", resp.StatusCode, string(body)))
	}

	var ollamaResp ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, pipeline.Wrap(pipeline.MalformedBackendResponse, fmt.Errorf("decoding embedding response: %w", err))
	}

	if len(ollamaResp.Embedding) == 0 {
		return nil, pipeline.Wrap(pipeline.MalformedBackendResponse, errors.New("embedding backend returned an empty vector"))
	}

	embedding := make([]float32, len(ollamaResp.Embedding))
	for i, v := range ollamaResp.Embedding {
		embedding[i] = float32(v)
	}

	return embedding, nil
}

// EmbedBatch generates embedding vectors for multiple text inputs.
// It processes requests concurrently, bounded by batchConcurrency.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	errs := make([]error, len(texts))

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, e.batchConcurrency)

	for i, text := range texts {
		wg.Add(1)
		go func(idx int, t string) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			case <-ctx.Done():
				errs[idx] = ctx.Err()
				return
			}

			embedding, err := e.Embed(ctx, t)
			if err != nil {
				errs[idx] = fmt.Errorf("embedding text at index %d: %w", idx, err)
				return
			}
			results[idx] = embedding
		}(i, text)
	}

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("batch embedding failed at index %d: %w", i, err)
		}
	}

	return results, nil
}

// Dimension returns the dimensionality of the embedding vectors, as seeded
// or last discovered by DiscoverDimension.
func (e *OllamaEmbedder) Dimension() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dimension
}

// ModelName returns the name of the embedding model being used.
func (e *OllamaEmbedder) ModelName() string {
	return e.model
}

// Ensure OllamaEmbedder implements Embedder interface.
var _ Embedder = (*OllamaEmbedder)(nil)
