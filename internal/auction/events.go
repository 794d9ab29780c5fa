package auction

import (
	"encoding/json"
	"time"
)

const (
	EventAuctionClosed    = "AuctionClosed"
	EventAuctionCancelled = "AuctionCancelled"
	EventBidOutbid        = "BidOutbid"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"` // e.g., "auction-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // auction_id
	Payload       json.RawMessage `json:"payload"`
}

// ---- payloads ----

// AuctionClosedPayload is the single fact handed to notification and points
// systems once an auction leaves ACTIVE.
type AuctionClosedPayload struct {
	AuctionID  string `json:"auction_id"`
	ItemID     string `json:"item_id,omitempty"`
	Status     Status `json:"status"` // ENDED | CANCELLED
	WinnerID   string `json:"winner_id,omitempty"`
	WinningBid int64  `json:"winning_bid,omitempty"`
	TotalBids  int    `json:"total_bids"`
}

type BidOutbidPayload struct {
	AuctionID   string `json:"auction_id"`
	BidID       string `json:"bid_id"`
	BidderID    string `json:"bidder_id"`
	Amount      int64  `json:"amount"`
	NewPrice    int64  `json:"new_price"`
	NewLeaderID string `json:"new_leader_id"`
}

func ClosedPayload(a *Auction) AuctionClosedPayload {
	p := AuctionClosedPayload{
		AuctionID: a.ID,
		ItemID:    a.ItemID,
		Status:    a.Status,
		TotalBids: a.TotalBids,
	}
	if a.Status == StatusEnded && a.WinningBid != nil {
		p.WinnerID = a.Winner
		p.WinningBid = *a.WinningBid
	}
	return p
}
