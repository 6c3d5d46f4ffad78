package authgate

import "errors"

// Sentinel errors for the coarse failure kinds authgate can raise from its
// internal helpers. The public Unlock/VerifyDevice entry points convert
// the frequent, expected ones (rate limiting, a wrong gate) into a typed
// Result instead of propagating them — see Result below — so these
// sentinels are for callers reaching into the lower-level helpers and for
// errors.Is comparisons against genuinely exceptional failures.
var (
	// ErrRateLimited names the "must wait before the next attempt" kind.
	// No authgate function returns it: the backoff check reports rate
	// limiting as a Result with Kind KindRateLimited.
	ErrRateLimited = errors.New("authgate: rate limited")

	// ErrCorruptedLocalState names the "local single-user config or
	// offline credentials record cannot be parsed" kind. No authgate
	// function returns it: a failed config read is wrapped as-is, and
	// Unlock fails open on such a read (the pre-check falls through to
	// the backend) rather than locking the user out.
	ErrCorruptedLocalState = errors.New("authgate: corrupted local auth state")

	// ErrDeviceNotTrusted is returned by the trusted-device check on any
	// remote error — trust fails closed (spec.md §8 invariant 7).
	ErrDeviceNotTrusted = errors.New("authgate: device not trusted")
)
