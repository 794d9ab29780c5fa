package auction

import "errors"

var (
	ErrNotFound = errors.New("auction not found")

	// rejected bids: expected outcomes, reported to the bidder
	ErrBidTooLow            = errors.New("bid must be higher than current price")
	ErrAuctionNotActive     = errors.New("auction is not active")
	ErrOutsideRegularWindow = errors.New("bid outside regular bidding window")
	ErrOvertimeExpired      = errors.New("overtime already expired")

	// contention: retryable
	ErrLockTimeout = errors.New("auction is busy, try again")

	ErrInvalidTransition = errors.New("invalid auction state transition")
)

// IsRejected reports whether err is a rejected-bid outcome rather than a failure.
func IsRejected(err error) bool {
	return errors.Is(err, ErrBidTooLow) ||
		errors.Is(err, ErrAuctionNotActive) ||
		errors.Is(err, ErrOutsideRegularWindow) ||
		errors.Is(err, ErrOvertimeExpired)
}

// RejectCode is the machine-readable reason returned at the request boundary.
func RejectCode(err error) string {
	switch {
	case errors.Is(err, ErrBidTooLow):
		return "BID_TOO_LOW"
	case errors.Is(err, ErrAuctionNotActive):
		return "AUCTION_NOT_ACTIVE"
	case errors.Is(err, ErrOutsideRegularWindow):
		return "OUTSIDE_REGULAR_WINDOW"
	case errors.Is(err, ErrOvertimeExpired):
		return "OVERTIME_EXPIRED"
	case errors.Is(err, ErrLockTimeout):
		return "LOCK_TIMEOUT"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	}
	return "INTERNAL"
}
