package verbs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/semem/internal/memory"
	"github.com/MrWong99/semem/internal/resilience"
	"github.com/MrWong99/semem/internal/store"
	"github.com/MrWong99/semem/pkg/provider/embeddings"
	"github.com/MrWong99/semem/pkg/rdf"
	"github.com/MrWong99/semem/pkg/types"
)

// Request is one verb invocation on the wire.
type Request struct {
	// Verb selects the operation.
	Verb Verb `json:"verb"`

	// Args is the verb's argument object. Unknown fields are ignored.
	Args json.RawMessage `json:"args,omitempty"`

	// SessionID scopes the call. Empty mints a fresh session.
	SessionID string `json:"sessionId,omitempty"`
}

// Response is the uniform verb envelope.
type Response struct {
	// Success reports whether the verb completed.
	Success bool `json:"success"`

	// Verb echoes the requested operation.
	Verb Verb `json:"verb"`

	// Result is the verb-specific payload. Nil on failure.
	Result any `json:"result,omitempty"`

	// ZPTState is the session's navigation state after the verb ran.
	// Omitted on failure and when the state could not be loaded.
	ZPTState *types.NavigationState `json:"zptState,omitempty"`

	// Diagnostics carries timings and provenance.
	Diagnostics Diagnostics `json:"diagnostics"`

	// ErrorKind and ErrorMessage are set when Success is false.
	ErrorKind    ErrorKind `json:"errorKind,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// Diagnostics describes how a verb ran.
type Diagnostics struct {
	// SessionID is the resolved session, useful when the engine minted
	// one for the caller.
	SessionID string `json:"sessionId,omitempty"`

	// CorrelationID is the trace identifier for cross-referencing logs.
	CorrelationID string `json:"correlationId,omitempty"`

	// TimingsMs records per-stage wall time in milliseconds. Every
	// response carries at least "total".
	TimingsMs map[string]int64 `json:"timingsMs,omitempty"`

	// SourcesUsed names every branch that contributed to the result.
	SourcesUsed []string `json:"sourcesUsed,omitempty"`

	// CacheHits counts enhancement providers answered from cache.
	CacheHits int `json:"cacheHits"`

	// Degraded is true while the persistent store is unreachable and
	// writes are buffered in session caches.
	Degraded bool `json:"degraded,omitempty"`
}

// ErrorKind is the typed failure taxonomy carried by error envelopes.
type ErrorKind string

const (
	// KindValidation is a missing or malformed argument.
	KindValidation ErrorKind = "validation"

	// KindDimension is an embedding vector length mismatch.
	KindDimension ErrorKind = "dimension"

	// KindProviderUnavailable means every provider in a failover chain
	// failed.
	KindProviderUnavailable ErrorKind = "providerUnavailable"

	// KindProviderTimeout means a provider-level deadline expired while
	// the verb deadline was still open.
	KindProviderTimeout ErrorKind = "providerTimeout"

	// KindStoreUnavailable means the persistent store endpoint could not
	// serve the operation.
	KindStoreUnavailable ErrorKind = "storeUnavailable"

	// KindNotFound means the addressed record, concept, or session does
	// not exist.
	KindNotFound ErrorKind = "notFound"

	// KindConflict means an ID collision with different content.
	KindConflict ErrorKind = "conflict"

	// KindDeadlineExceeded means the verb's own deadline expired.
	KindDeadlineExceeded ErrorKind = "deadlineExceeded"

	// KindCancelled means the caller cancelled the request.
	KindCancelled ErrorKind = "cancelled"

	// KindInternal is everything else.
	KindInternal ErrorKind = "internal"
)

// ValidationError reports a missing or malformed verb argument.
type ValidationError struct {
	// Field names the offending argument.
	Field string

	// Reason says what is wrong with it.
	Reason string
}

func (e *ValidationError) Error() string {
	return "verbs: invalid " + e.Field + ": " + e.Reason
}

func invalidf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// classify maps an error to its envelope kind. ctx distinguishes the
// verb's own expired deadline from a nested provider timeout: when a
// deadline error surfaces while ctx is still live, a shorter
// provider-level deadline must have fired.
func classify(ctx context.Context, err error) ErrorKind {
	var (
		verr   *ValidationError
		dimErr *embeddings.DimensionError
	)
	switch {
	case errors.As(err, &verr):
		return KindValidation
	case errors.As(err, &dimErr):
		return KindDimension
	case errors.Is(err, memory.ErrConflict):
		return KindConflict
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, rdf.ErrUnavailable):
		return KindStoreUnavailable
	case errors.Is(err, resilience.ErrAllFailed):
		return KindProviderUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		if ctx.Err() != nil {
			return KindDeadlineExceeded
		}
		return KindProviderTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindInternal
	}
}

// publicMessage renders the short human message for an error envelope.
// Validation and dimension errors are self-describing and safe to pass
// through; everything else gets a fixed message so envelope text never
// carries stack traces or backend identifiers.
func publicMessage(kind ErrorKind, err error) string {
	switch kind {
	case KindValidation:
		var verr *ValidationError
		if errors.As(err, &verr) {
			return verr.Error()
		}
		return "invalid request"
	case KindDimension:
		var dimErr *embeddings.DimensionError
		if errors.As(err, &dimErr) {
			return dimErr.Error()
		}
		return "embedding dimension mismatch"
	case KindProviderUnavailable:
		return "no provider could serve the request"
	case KindProviderTimeout:
		return "a provider timed out"
	case KindStoreUnavailable:
		return "persistent store unavailable; operating from session cache"
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "identical id already stored with different content"
	case KindDeadlineExceeded:
		return "verb deadline exceeded"
	case KindCancelled:
		return "request cancelled"
	default:
		return "internal error"
	}
}
