package rag

import (
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrEmbeddingUnavailable is returned by Retrieve when the query could not
	// be embedded. Callers may continue with a generation-only fallback.
	ErrEmbeddingUnavailable = errors.New("rag: embedding unavailable")

	// ErrAllBackendsExhausted is returned by Retrieve when every configured
	// VectorBackend failed or timed out.
	ErrAllBackendsExhausted = errors.New("rag: all vector backends exhausted")
)

// EmbeddingError carries the failed EmbeddingResult details. It matches
// ErrEmbeddingUnavailable under errors.Is.
type EmbeddingError struct {
	// Model is the embedding model that was called.
	Model string
	// Message is the provider-reported failure reason.
	Message string
}

// Error implements error.
func (e *EmbeddingError) Error() string {
	return "rag: embedding unavailable (" + e.Model + "): " + e.Message
}

// Is reports whether target is ErrEmbeddingUnavailable.
func (e *EmbeddingError) Is(target error) bool { return target == ErrEmbeddingUnavailable }

// BackendAttempt records the outcome of one backend in the fallback chain.
type BackendAttempt struct {
	// Backend is the backend name.
	Backend string
	// Err is the error the backend returned, including deadline expiry.
	Err error
}

// BackendsExhaustedError lists every failed backend attempt. It matches
// ErrAllBackendsExhausted under errors.Is and unwraps to the attempt errors.
type BackendsExhaustedError struct {
	// Attempts is in fallback order.
	Attempts []BackendAttempt
}

// Error implements error.
func (e *BackendsExhaustedError) Error() string {
	var sb strings.Builder
	sb.WriteString(ErrAllBackendsExhausted.Error())
	for _, a := range e.Attempts {
		sb.WriteString("; ")
		sb.WriteString(a.Backend)
		sb.WriteString(": ")
		if a.Err != nil {
			sb.WriteString(a.Err.Error())
		}
	}
	return sb.String()
}

// Is reports whether target is ErrAllBackendsExhausted.
func (e *BackendsExhaustedError) Is(target error) bool { return target == ErrAllBackendsExhausted }

// Unwrap exposes the per-backend errors to errors.Is / errors.As.
func (e *BackendsExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			errs = append(errs, a.Err)
		}
	}
	return errs
}

func itoa(n int) string { return strconv.Itoa(n) }
