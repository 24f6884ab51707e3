package lease

import "errors"

// Expected, recoverable outcomes of claim/release/fulfill. Callers branch on
// these with errors.Is and re-fetch the current pool; none of them indicate a
// broken worker.
var (
	// ErrConflict means the caller lost a race: the request's status no
	// longer matched the operation's precondition.
	ErrConflict = errors.New("request state changed concurrently")

	// ErrForbidden means the caller is not the current lease holder.
	ErrForbidden = errors.New("caller does not hold the lease")

	// ErrRequestExpired means the request's hard TTL passed before any claim.
	ErrRequestExpired = errors.New("request expired before claim")

	// ErrPaymentDeclined means payment authorization failed after an
	// optimistic claim; the claim has already been rolled back.
	ErrPaymentDeclined = errors.New("payment authorization declined")

	// ErrNotFound mirrors the store's not-found for callers that only import
	// this package.
	ErrNotFound = errors.New("request not found")
)
