package auction

type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusActive    Status = "ACTIVE"
	StatusEnded     Status = "ENDED"
	StatusCancelled Status = "CANCELLED"
)

var validNext = map[Status]map[Status]bool{
	StatusScheduled: {StatusActive: true, StatusCancelled: true},
	StatusActive:    {StatusEnded: true, StatusCancelled: true},
	StatusEnded:     {},
	StatusCancelled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusCancelled
}

type BidStatus string

const (
	BidActive   BidStatus = "ACTIVE"
	BidOutbid   BidStatus = "OUTBID"
	BidWinning  BidStatus = "WINNING"
	BidLost     BidStatus = "LOST"
	BidRefunded BidStatus = "REFUNDED" // settlement only, never set here
)
