package carrier

import "errors"

// Origination and transfer failure classes. The dispatcher matches these with
// errors.Is to drive its retry/skip policy; anything not matching a sentinel
// is retriable.
var (
	// ErrChannelLimit means the carrier refused the call because the account's
	// concurrent-channel limit was reached. Never retried.
	ErrChannelLimit = errors.New("carrier: channel limit exceeded")

	// ErrUnverifiedNumber means the from number is not verified for
	// origination on this account. Never retried.
	ErrUnverifiedNumber = errors.New("carrier: unverified origination number")

	// ErrInvalidNumber means the destination number is malformed or
	// unroutable. Never retried.
	ErrInvalidNumber = errors.New("carrier: invalid number")

	// ErrCallEnded means the call no longer exists on the carrier side.
	// Hangup and transfer on an ended call treat this as success.
	ErrCallEnded = errors.New("carrier: call already ended")
)

// Retriable reports whether an origination error is worth another attempt.
func Retriable(err error) bool {
	switch {
	case errors.Is(err, ErrChannelLimit),
		errors.Is(err, ErrUnverifiedNumber),
		errors.Is(err, ErrInvalidNumber):
		return false
	}
	return true
}
