package rebac

import "errors"

// Error taxonomy. Callers classify with errors.Is; everything not listed here
// is treated as a deny (fail-closed).
var (
	// ErrUnknownSchema signals a namespace or relation that is not declared in
	// the tenant schema. Fatal to the caller, never retried.
	ErrUnknownSchema = errors.New("unknown namespace or relation")

	// ErrInvalidNamespace signals a malformed namespace or object reference on
	// a write.
	ErrInvalidNamespace = errors.New("invalid namespace")

	// ErrNotFound signals a missing tuple, policy or sidebar item.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict signals an optimistic-lock failure on a policy
	// update. The caller must re-read and retry.
	ErrVersionConflict = errors.New("policy version conflict")

	// ErrExpansionTooDeep signals that userset expansion exceeded the
	// configured depth cap. Surfaced as a deny plus this diagnostic, never as
	// a silent allow.
	ErrExpansionTooDeep = errors.New("relation expansion exceeded depth cap")

	// ErrUnavailable signals a storage or cache backend failure. Retryable
	// with backoff.
	ErrUnavailable = errors.New("store unavailable")

	// ErrDeadlineExceeded signals a caller-imposed timeout during evaluation.
	// Distinct from a deny: the engine could not determine an answer.
	ErrDeadlineExceeded = errors.New("evaluation deadline exceeded")
)

// IsRetryable reports whether the caller may retry the operation with
// backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
