// Package tokenizer provides canonical token counting for the retrieval and
// ingestion pipelines, backed by a stable byte-pair encoding with
// deterministic output. If the encoding cannot be loaded, counting degrades
// to a char/4 approximation and the degradation is logged exactly once per
// process.
package tokenizer

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/knoguchi/rag/internal/pipeline"
)

// Counter counts tokens in text using cl100k_base, falling back to
// ⌈len(content)/4⌉ when the encoding is unavailable.
type Counter struct {
	enc *tiktoken.Tiktoken

	warnOnce sync.Once
	logger   *slog.Logger
}

// NewCounter loads the cl100k_base encoding. It never returns an error:
// failure to load degrades to the fallback estimator transparently, matching
// the TokenizerUnavailable error kind's non-fatal propagation policy.
func NewCounter(logger *slog.Logger) *Counter {
	if logger == nil {
		logger = slog.Default()
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		c := &Counter{logger: logger}
		c.warnOnce.Do(func() {
			logger.Warn("tokenizer unavailable, falling back to char/4 estimation",
				"error_kind", pipeline.TokenizerUnavailable, "error", err)
		})
		return c
	}
	return &Counter{enc: enc, logger: logger}
}

// Count returns the token count for text, using the BPE encoding when
// available.
func (c *Counter) Count(text string) int {
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	c.warnOnce.Do(func() {
		c.logger.Warn("tokenizer unavailable, using char/4 estimation for this process",
			"error_kind", pipeline.TokenizerUnavailable)
	})
	return fallbackCount(text)
}

// Available reports whether the real BPE encoding loaded successfully.
func (c *Counter) Available() bool {
	return c.enc != nil
}

func fallbackCount(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}
