package auction

import (
	"fmt"
	"github.com/google/uuid"
	"time"
)

const DefaultOvertimeSeconds = 30

// Auction is the durable aggregate for one live auction. It is only mutated
// while its row lock is held (see Store.Update).
type Auction struct {
	ID              string
	ItemID          string // display metadata lives outside the engine
	CurrentPrice    int64
	StartTime       time.Time
	RegularEndTime  time.Time
	OvertimeStarted bool
	OvertimeEndTime *time.Time
	OvertimeSeconds int
	Status          Status
	Winner          string // leading bidder while open, winner once ENDED
	WinningBid      *int64 // set at ENDED only
	TotalBids       int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Bid struct {
	ID        string
	AuctionID string
	BidderID  string
	Amount    int64
	BidTime   time.Time // caller-supplied logical time
	Status    BidStatus
	Seq       int64 // commit order within the auction
	CreatedAt time.Time
}

func NewBid(auctionID, bidderID string, amount int64, bidTime time.Time) Bid {
	return Bid{
		ID:        uuid.NewString(),
		AuctionID: auctionID,
		BidderID:  bidderID,
		Amount:    amount,
		BidTime:   bidTime,
		Status:    BidActive,
	}
}

func (b *Bid) MarkOutbid() error {
	if b.Status != BidActive {
		return fmt.Errorf("%w: bid %s %s -> OUTBID", ErrInvalidTransition, b.ID, b.Status)
	}
	b.Status = BidOutbid
	return nil
}

func (b *Bid) MarkWinning() error {
	if b.Status != BidActive {
		return fmt.Errorf("%w: bid %s %s -> WINNING", ErrInvalidTransition, b.ID, b.Status)
	}
	b.Status = BidWinning
	return nil
}

func (b *Bid) MarkLost() error {
	if b.Status != BidOutbid {
		return fmt.Errorf("%w: bid %s %s -> LOST", ErrInvalidTransition, b.ID, b.Status)
	}
	b.Status = BidLost
	return nil
}

func (a *Auction) overtime() time.Duration {
	s := a.OvertimeSeconds
	if s <= 0 {
		s = DefaultOvertimeSeconds
	}
	return time.Duration(s) * time.Second
}

func (a *Auction) transition(to Status) error {
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%w: auction %s %s -> %s", ErrInvalidTransition, a.ID, a.Status, to)
	}
	a.Status = to
	return nil
}

// Activate opens a scheduled auction. now must fall inside [StartTime, RegularEndTime].
func (a *Auction) Activate(now time.Time) error {
	if a.Status != StatusScheduled {
		return fmt.Errorf("%w: activate auction %s in %s", ErrInvalidTransition, a.ID, a.Status)
	}
	if now.Before(a.StartTime) || now.After(a.RegularEndTime) {
		return fmt.Errorf("%w: activate auction %s at %s outside [%s, %s]", ErrInvalidTransition,
			a.ID, now.Format(time.RFC3339), a.StartTime.Format(time.RFC3339), a.RegularEndTime.Format(time.RFC3339))
	}
	return a.transition(StatusActive)
}

// ValidateBidWindow checks bidTime against the auction's open window.
//
// Before overtime has started, a bid after RegularEndTime is still admissible
// while it lands within one overtime period of RegularEndTime: that bid is the
// one that starts overtime. Anything later is outside the regular window.
func (a *Auction) ValidateBidWindow(bidTime time.Time) error {
	if a.Status != StatusActive {
		return fmt.Errorf("%w: status %s", ErrAuctionNotActive, a.Status)
	}
	if !a.OvertimeStarted {
		if bidTime.Before(a.StartTime) {
			return fmt.Errorf("%w: bid before start", ErrOutsideRegularWindow)
		}
		if !bidTime.After(a.RegularEndTime.Add(a.overtime())) {
			return nil
		}
		return fmt.Errorf("%w: bid after regular end", ErrOutsideRegularWindow)
	}
	if a.OvertimeEndTime == nil || bidTime.After(*a.OvertimeEndTime) {
		return ErrOvertimeExpired
	}
	return nil
}

// ValidateBidAmount rejects ties: the amount must strictly exceed CurrentPrice.
func (a *Auction) ValidateBidAmount(amount int64) error {
	if amount <= a.CurrentPrice {
		return fmt.Errorf("%w: %d <= %d", ErrBidTooLow, amount, a.CurrentPrice)
	}
	return nil
}

// ApplyBid raises the price. It does not write the ledger row; the caller
// appends it inside the same transaction.
func (a *Auction) ApplyBid(bidder string, amount int64, bidTime time.Time) error {
	if err := a.ValidateBidWindow(bidTime); err != nil {
		return err
	}
	if err := a.ValidateBidAmount(amount); err != nil {
		return err
	}
	if !a.OvertimeStarted && bidTime.After(a.RegularEndTime) {
		a.OvertimeStarted = true
	}
	a.CurrentPrice = amount
	a.Winner = bidder
	a.TotalBids++
	if a.OvertimeStarted {
		end := bidTime.Add(a.overtime())
		a.OvertimeEndTime = &end
	}
	return nil
}

// OvertimeEntryDeadline is the last instant a bid may start overtime by
// itself when the end deadline has not yet done so.
func (a *Auction) OvertimeEntryDeadline() time.Time {
	return a.RegularEndTime.Add(a.overtime())
}

func (a *Auction) StartOvertime(now time.Time) error {
	if a.Status != StatusActive || a.OvertimeStarted || now.Before(a.RegularEndTime) {
		return fmt.Errorf("%w: start overtime for auction %s (status=%s overtime=%t)",
			ErrInvalidTransition, a.ID, a.Status, a.OvertimeStarted)
	}
	end := now.Add(a.overtime())
	a.OvertimeStarted = true
	a.OvertimeEndTime = &end
	return nil
}

// Close ends the auction and settles the ledger: the bid holding CurrentPrice
// becomes WINNING, every other open bid goes ACTIVE -> OUTBID -> LOST.
// It returns the bids whose status changed.
func (a *Auction) Close(ledger []Bid) ([]Bid, error) {
	if a.Status != StatusActive || a.Winner == "" {
		return nil, fmt.Errorf("%w: close auction %s (status=%s leader=%q)", ErrInvalidTransition, a.ID, a.Status, a.Winner)
	}

	win := -1
	for i, b := range ledger {
		if b.Status == BidActive && b.BidderID == a.Winner && b.Amount == a.CurrentPrice {
			win = i
			break
		}
	}
	if win < 0 {
		return nil, fmt.Errorf("%w: auction %s has no open bid at %d for %s", ErrInvalidTransition, a.ID, a.CurrentPrice, a.Winner)
	}

	bids := make([]Bid, len(ledger))
	copy(bids, ledger)
	dirty := make([]bool, len(bids))

	if err := bids[win].MarkWinning(); err != nil {
		return nil, err
	}
	dirty[win] = true
	for i := range bids {
		if bids[i].Status == BidActive {
			_ = bids[i].MarkOutbid()
			dirty[i] = true
		}
	}
	for i := range bids {
		if bids[i].Status == BidOutbid {
			_ = bids[i].MarkLost()
			dirty[i] = true
		}
	}

	if err := a.transition(StatusEnded); err != nil {
		return nil, err
	}
	price := a.CurrentPrice
	a.WinningBid = &price
	a.OvertimeStarted = false
	a.OvertimeEndTime = nil

	changed := make([]Bid, 0, len(bids))
	for i, b := range bids {
		if dirty[i] {
			changed = append(changed, b)
		}
	}
	return changed, nil
}

func (a *Auction) Cancel() error {
	return a.transition(StatusCancelled)
}

// EndDeadline is the instant the current phase expires.
func (a *Auction) EndDeadline() time.Time {
	if a.OvertimeStarted && a.OvertimeEndTime != nil {
		return *a.OvertimeEndTime
	}
	return a.RegularEndTime
}

func (a *Auction) DeadlinePassed(now time.Time) bool {
	return !now.Before(a.EndDeadline())
}

// State is the read-only projection served to viewers.
type State struct {
	AuctionID        string     `json:"auction_id"`
	Status           Status     `json:"status"`
	CurrentPrice     int64      `json:"current_price"`
	LeaderID         string     `json:"leader_id,omitempty"`
	LeaderName       string     `json:"leader_name,omitempty"`
	OvertimeStarted  bool       `json:"overtime_started"`
	OvertimeEndTime  *time.Time `json:"overtime_end_time,omitempty"`
	StartTime        time.Time  `json:"start_time"`
	EndsAt           time.Time  `json:"ends_at"`
	RemainingSeconds int64      `json:"remaining_seconds"`
	TotalBids        int        `json:"total_bids"`
	WinningBid       *int64     `json:"winning_bid,omitempty"`
}

func (a *Auction) State(now time.Time) State {
	s := State{
		AuctionID:       a.ID,
		Status:          a.Status,
		CurrentPrice:    a.CurrentPrice,
		LeaderID:        a.Winner,
		OvertimeStarted: a.OvertimeStarted,
		OvertimeEndTime: a.OvertimeEndTime,
		StartTime:       a.StartTime,
		EndsAt:          a.EndDeadline(),
		TotalBids:       a.TotalBids,
		WinningBid:      a.WinningBid,
	}
	if a.Status == StatusActive && now.Before(s.EndsAt) {
		s.RemainingSeconds = int64(s.EndsAt.Sub(now) / time.Second)
	}
	return s
}
