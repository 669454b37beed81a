package domain

import "errors"

// Failure classes surfaced by the negotiation core. Callers match them with
// errors.Is; concrete causes are wrapped underneath.
var (
	// ErrPermission: the capture device denied access. Negotiation is not started.
	ErrPermission = errors.New("capture permission denied")

	// ErrPrecondition: an action was requested before its inputs were ready
	// (no capture stream, empty call id). No state change.
	ErrPrecondition = errors.New("precondition not met")

	// ErrNotFound: no call record, or no offer, exists for the given id.
	ErrNotFound = errors.New("call not found")

	// ErrChannel: a rendezvous channel read or write failed. The core does
	// not retry; the session moves to Failed.
	ErrChannel = errors.New("rendezvous channel failure")

	// ErrInvalidState: a programming-contract violation, such as building a
	// description twice or acting on a torn-down session. No state mutation
	// is attempted.
	ErrInvalidState = errors.New("invalid state")
)
