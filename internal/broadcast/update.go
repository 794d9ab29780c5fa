package broadcast

import (
	"github.com/ariefcatur/go-realtime-auctions/internal/auction"
	"time"
)

type UpdateType string

const (
	UpdateBid       UpdateType = "bid"
	UpdateOvertime  UpdateType = "overtime"
	UpdateActivated UpdateType = "activated"
	UpdateClosed    UpdateType = "closed"
	UpdateCancelled UpdateType = "cancelled"
)

// PriceUpdate is what live viewers receive: the auction projection at the
// moment of the change, tagged with what changed.
type PriceUpdate struct {
	Type  UpdateType `json:"type"`
	BidID string     `json:"bid_id,omitempty"`
	At    time.Time  `json:"at"`
	auction.State
}

func NewUpdate(t UpdateType, a *auction.Auction, now time.Time) PriceUpdate {
	return PriceUpdate{Type: t, At: now.UTC(), State: a.State(now)}
}

// Cursor tracks what one viewer has been shown. Publishes happen after the
// row lock is released and may arrive out of commit order, so an update is
// admitted only if it does not move the viewer backwards.
type Cursor struct {
	bids     int
	overtime bool
	finished bool
}

func NewCursor(st auction.State) *Cursor {
	return &Cursor{bids: st.TotalBids, overtime: st.OvertimeStarted, finished: st.Status.Terminal()}
}

// Admit reports whether u is at least as recent as everything shown so far
// and records it if so.
func (c *Cursor) Admit(u PriceUpdate) bool {
	switch {
	case c.finished:
		return false
	case u.TotalBids < c.bids:
		return false
	case u.TotalBids == c.bids && c.overtime && !u.OvertimeStarted:
		return false
	}
	c.bids, c.overtime, c.finished = u.TotalBids, u.OvertimeStarted, u.Status.Terminal()
	return true
}

// Finished is true once a closed or cancelled state has been shown.
func (c *Cursor) Finished() bool {
	return c.finished
}
