// Package pipeline defines the typed error taxonomy shared across the
// retrieval and ingestion components: a small closed set of ErrorKind
// values that each collaborator-facing call site wraps its failure in,
// so callers can distinguish "absorb and degrade" failures from fatal
// ones without parsing error strings.
package pipeline

import "errors"

// ErrorKind classifies a failure by how the chain (4.Q) and ingestion
// pipeline (4.R) are expected to react to it, per the propagation policy.
type ErrorKind string

const (
	// InitError marks a collaborator failing its health/connectivity check
	// at startup. Fatal for the process; at runtime it surfaces as HTTP 500.
	InitError ErrorKind = "init_error"

	// BackendTimeout marks an outbound call exceeding its deadline.
	BackendTimeout ErrorKind = "backend_timeout"

	// BackendUnavailable marks a transport-level failure reaching a
	// collaborator (connection refused, DNS failure, non-2xx status).
	BackendUnavailable ErrorKind = "backend_unavailable"

	// MalformedBackendResponse marks a collaborator response that failed to
	// decode into the expected shape.
	MalformedBackendResponse ErrorKind = "malformed_backend_response"

	// EmptyRetrieval marks a query for which every retrieval branch
	// returned nothing after fusion. Non-fatal: the chain returns the
	// no-results response.
	EmptyRetrieval ErrorKind = "empty_retrieval"

	// TokenizerUnavailable marks the BPE encoding failing to load; counting
	// degrades to the char/4 estimator.
	TokenizerUnavailable ErrorKind = "tokenizer_unavailable"

	// DuplicateID marks an id collision during ingestion. Aborts the file
	// and the batch run.
	DuplicateID ErrorKind = "duplicate_id"

	// DecodeFailure marks every candidate text encoding failing to decode
	// a source file during ingestion. Aborts the file and the batch run.
	DecodeFailure ErrorKind = "decode_failure"

	// LLMFailure marks the final answer-generation call failing. The chain
	// substitutes a fixed apology and still returns a well-formed envelope.
	LLMFailure ErrorKind = "llm_failure"
)

// Error pairs an ErrorKind with the underlying cause, preserving it for
// errors.Is/errors.As and %w-style wrapping while giving call sites a way
// to branch on the failure category without string matching.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with kind. Returns nil if err is nil.
func Wrap(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf reports the ErrorKind tagged onto err (by Wrap, anywhere in its
// chain), if any.
func KindOf(err error) (ErrorKind, bool) {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind, true
	}
	return "", false
}

// Is reports whether err was wrapped with the given kind.
func Is(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
