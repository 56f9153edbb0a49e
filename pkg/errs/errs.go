// Package errs holds the closed error-kind taxonomy shared across bpcore's
// packages (spec taxonomy in the processing-agent design), so a caller at
// any layer can classify a failure with errors.Is/errors.As instead of
// string-matching.
//
// Grounded on the teacher's bpa/error.go and core/error.go: a small
// unexported error struct wrapping a message, widened here to also carry a
// stable Kind and an optional wrapped cause, since bpcore's dispatcher and
// CLA layer both need to branch on error kind rather than just log it.
package errs

import "fmt"

// Kind is one of the taxonomy's closed set of error variants. New kinds are
// added here only; existing ones never change meaning.
type Kind string

const (
	InvalidCBOR               Kind = "invalid_cbor"
	InvalidBundle             Kind = "invalid_bundle"
	BlockUnintelligible       Kind = "block_unintelligible"
	SecurityInvalidated       Kind = "security_invalidated"
	IntegrityCheckFailed      Kind = "integrity_check_failed"
	KeyNotFound               Kind = "key_not_found"
	InvalidFragmentedSecurity Kind = "invalid_fragmented_security"
	NoKnownRoute              Kind = "no_known_route"
	DestinationUnavailable    Kind = "destination_unavailable"
	LifetimeExpired           Kind = "lifetime_expired"
	HopLimitExceeded          Kind = "hop_limit_exceeded"
	DepletedStorage           Kind = "depleted_storage"
	Disconnected              Kind = "disconnected"
	TooLarge                  Kind = "too_large"
	AlreadyRegistered         Kind = "already_registered"
	StorageCorruption         Kind = "storage_corruption"
	TransientIO               Kind = "transient_io"
)

// retryable is the subset of kinds a caller may retry with backoff; every
// other kind is terminal for the bundle it applies to.
var retryable = map[Kind]bool{
	TransientIO: true,
}

// Retryable reports whether a failure of kind k may be retried with
// exponential backoff rather than treated as terminal.
func Retryable(k Kind) bool {
	return retryable[k]
}

// Error pairs a Kind with the operation that produced it and, optionally,
// the lower-level cause. Wrapping the cause keeps errors.Is/errors.As
// working through this layer instead of flattening everything to a string.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, errs.Of(errs.NoKnownRoute)) match on Kind alone
// without constructing a throwaway *Error to compare against. A bare Kind
// is not an error value; only the sentinel returned by Of matches.
func (e *Error) Is(target error) bool {
	k, ok := target.(kindSentinel)
	return ok && e.Kind == Kind(k)
}

// kindSentinel lets a bare Kind value be used as an errors.Is target.
type kindSentinel Kind

func (k kindSentinel) Error() string { return string(k) }

// New builds an *Error of kind k for operation op with no wrapped cause.
func New(k Kind, op string) error {
	return &Error{Kind: k, Op: op}
}

// Wrap builds an *Error of kind k for operation op around cause. Wrap
// returns nil if cause is nil, so callers can write
// `return errs.Wrap(errs.TransientIO, "cla: forward", err)` unconditionally.
func Wrap(k Kind, op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: cause}
}

// As a convenience for comparing against a bare Kind with errors.Is, e.g.
// errors.Is(err, errs.Of(errs.NoKnownRoute)).
func Of(k Kind) error { return kindSentinel(k) }
