package services

import "errors"

// Error taxonomy for the purchase and reconciliation paths. Handlers match
// with errors.Is and map onto HTTP statuses; the webhook gateway additionally
// decides whether a provider retry could ever help.
var (
	// ErrInvalidPackage is user-correctable bad input (4xx).
	ErrInvalidPackage = errors.New("invalid credit package")

	// ErrNotFound covers missing accounts and purchases.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a compare-and-set lost a race with a concurrent
	// settlement. It is recovered locally as a no-op and never surfaced
	// to the provider as a failure.
	ErrConflict = errors.New("purchase already transitioned")

	// ErrStorageTimeout is an infrastructure fault: the ledger transaction
	// did not complete within its deadline. The webhook is still
	// acknowledged so provider retries do not compound; the event is
	// replayed from the internal retry queue instead.
	ErrStorageTimeout = errors.New("storage operation timed out")

	// ErrMalformedNotification is an unparsable provider payload. Logged
	// and acknowledged; retrying a malformed payload can never succeed.
	ErrMalformedNotification = errors.New("malformed provider notification")
)
