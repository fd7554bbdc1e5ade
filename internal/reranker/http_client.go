package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/knoguchi/rag/internal/pipeline"
)

const (
	// DefaultModel is the default cross-encoder model name sent to the
	// rerank backend.
	DefaultModel = "bge-reranker-base"

	// DefaultEndpoint is the default path appended to the base URL.
	DefaultEndpoint = "/rerank"

	// DefaultRerankTimeout bounds a single Score call absent an explicit
	// override (§5's 60s rerank deadline).
	DefaultRerankTimeout = 60 * time.Second
)

// HTTPClient implements Client against an HTTP cross-encoder rerank
// service that accepts {model, query, documents} and returns either
// {results: [...]} or {data: [...]}, each entry carrying an index and a
// relevance_score or score field.
type HTTPClient struct {
	baseURL    string
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithAPIKey sets a bearer token sent as the Authorization header.
func WithAPIKey(key string) HTTPClientOption {
	return func(c *HTTPClient) { c.apiKey = key }
}

// WithHTTPModel overrides the model name sent to the backend.
func WithHTTPModel(model string) HTTPClientOption {
	return func(c *HTTPClient) { c.model = model }
}

// WithHTTPDoer overrides the underlying *http.Client. Options apply in
// order, so a WithTimeout given after it replaces this client.
func WithHTTPDoer(client *http.Client) HTTPClientOption {
	return func(c *HTTPClient) { c.httpClient = client }
}

// WithTimeout bounds every Score call (default 60s) by installing a new
// *http.Client; a WithHTTPDoer given after it wins.
func WithTimeout(d time.Duration) HTTPClientOption {
	return func(c *HTTPClient) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

// NewHTTPClient constructs a rerank HTTP client against baseURL+endpoint.
func NewHTTPClient(baseURL, endpoint string, opts ...HTTPClientOption) *HTTPClient {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	c := &HTTPClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		endpoint:   endpoint,
		model:      DefaultModel,
		httpClient: &http.Client{Timeout: DefaultRerankTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankItem struct {
	Index          int      `json:"index"`
	RelevanceScore *float64 `json:"relevance_score"`
	Score          *float64 `json:"score"`
}

type rerankResponse struct {
	Results []rerankItem `json:"results"`
	Data    []rerankItem `json:"data"`
}

func (it rerankItem) value() float64 {
	if it.RelevanceScore != nil {
		return *it.RelevanceScore
	}
	if it.Score != nil {
		return *it.Score
	}
	return 0
}

// Score sends documents to the rerank backend and returns one relevance
// score per document, in the same order as the input.
func (c *HTTPClient) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	reqBody := rerankRequest{Model: c.model, Query: query, Documents: documents}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling rerank request: %w", err)
	}

	url := c.baseURL + c.endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, pipeline.Wrap(pipeline.BackendTimeout, err)
		}
		return nil, pipeline.Wrap(pipeline.BackendUnavailable, fmt.Errorf("calling rerank backend: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, pipeline.Wrap(pipeline.BackendUnavailable,
			fmt.Errorf("rerank backend returned status %d: %s", resp.StatusCode, string(respBody)))
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, pipeline.Wrap(pipeline.MalformedBackendResponse, fmt.Errorf("decoding rerank response: %w", err))
	}

	scores := make([]float64, len(documents))
	items := parsed.Results
	if len(items) == 0 {
		items = parsed.Data
	}
	for _, item := range items {
		if item.Index >= 0 && item.Index < len(scores) {
			scores[item.Index] = item.value()
		}
	}

	return scores, nil
}

// Ensure HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
