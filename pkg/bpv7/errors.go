package bpv7

import "errors"

// Error kinds for the codec and security engine, per spec §7. Every
// fallible operation in this package wraps one of these with fmt.Errorf's
// %w so callers can classify failures with errors.Is regardless of the
// added context.
var (
	ErrInvalidCBOR              = errors.New("invalid CBOR encoding")
	ErrInvalidBundle            = errors.New("invalid bundle")
	ErrBlockUnintelligible      = errors.New("extension block unintelligible")
	ErrSecurityInvalidated      = errors.New("security block invalidated by edit")
	ErrIntegrityCheckFailed     = errors.New("integrity check failed")
	ErrKeyNotFound              = errors.New("key not found")
	ErrInvalidFragmentedSecurity = errors.New("fragmented bundle carries BIB/BCB")
)
