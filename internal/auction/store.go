package auction

import (
	"context"
	"time"
)

// Ledger is the bid ledger of one auction, bound to the transaction that holds
// the auction's row lock.
type Ledger interface {
	// List returns the ledger in commit order.
	List(ctx context.Context) ([]Bid, error)
	// Append stores b and assigns its Seq.
	Append(ctx context.Context, b *Bid) error
	// OutbidActive flips every ACTIVE bid to OUTBID and returns them.
	OutbidActive(ctx context.Context) ([]Bid, error)
	SetStatuses(ctx context.Context, bids []Bid) error
}

// UpdateFunc mutates a freshly loaded aggregate. Returning an error rolls back
// every write made through a or l.
type UpdateFunc func(ctx context.Context, a *Auction, l Ledger) error

// Store is the durable source of truth.
type Store interface {
	Create(ctx context.Context, a *Auction) error
	Get(ctx context.Context, id string) (Auction, error)
	Bids(ctx context.Context, auctionID string) ([]Bid, error)
	// Update runs fn under the auction's exclusive row lock and commits the
	// aggregate together with ledger writes. It fails with ErrLockTimeout when
	// the lock is not acquired within the store's bounded wait.
	Update(ctx context.Context, id string, fn UpdateFunc) (Auction, error)
	ListByStatus(ctx context.Context, status Status) ([]Auction, error)
	// DueForActivation lists SCHEDULED auctions whose start time has passed.
	DueForActivation(ctx context.Context, now time.Time) ([]string, error)
	// DueForDeadline lists ACTIVE auctions whose current end deadline has passed.
	DueForDeadline(ctx context.Context, now time.Time) ([]string, error)
}
