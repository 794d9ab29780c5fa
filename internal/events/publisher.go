// Package events turns committed auction facts into Kafka envelopes.
package events

import (
	"github.com/ariefcatur/go-realtime-auctions/internal/auction"
	kafkax "github.com/ariefcatur/go-realtime-auctions/internal/kafka"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"time"
)

// Producer is satisfied by *kafka.Producer.
type Producer interface {
	Publish(key, value []byte, headers ...kafkago.Header) error
}

type Publisher struct {
	Closed  Producer // auction.closed: AuctionClosed, AuctionCancelled
	Outbid  Producer // auction.bid.outbid
	Service string
	Now     func() time.Time
}

func (p *Publisher) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Publisher) envelope(eventType, auctionID, traceID string, payload any) auction.Envelope {
	return auction.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    p.now(),
		Producer:      p.Service,
		TraceID:       traceID,
		CorrelationID: auctionID,
		Payload:       kafkax.MustMarshal(payload),
	}
}

// AuctionFinished publishes the single terminal fact of an auction.
func (p *Publisher) AuctionFinished(a *auction.Auction, traceID string) error {
	eventType := auction.EventAuctionClosed
	if a.Status == auction.StatusCancelled {
		eventType = auction.EventAuctionCancelled
	}
	ev := p.envelope(eventType, a.ID, traceID, auction.ClosedPayload(a))
	return p.Closed.Publish(auction.PartitionKey(a.ID), kafkax.MustMarshal(ev), kafkax.EventHeaders(eventType, 1)...)
}

// BidOutbid tells the previous leader they were overtaken by a's new price.
func (p *Publisher) BidOutbid(a *auction.Auction, outbid auction.Bid, traceID string) error {
	ev := p.envelope(auction.EventBidOutbid, a.ID, traceID, auction.BidOutbidPayload{
		AuctionID:   a.ID,
		BidID:       outbid.ID,
		BidderID:    outbid.BidderID,
		Amount:      outbid.Amount,
		NewPrice:    a.CurrentPrice,
		NewLeaderID: a.Winner,
	})
	return p.Outbid.Publish(auction.PartitionKey(a.ID), kafkax.MustMarshal(ev), kafkax.EventHeaders(auction.EventBidOutbid, 1)...)
}

// Discard drops every fact; used when fact publishing is switched off.
type Discard struct{}

func (Discard) AuctionFinished(*auction.Auction, string) error { return nil }
func (Discard) BidOutbid(*auction.Auction, auction.Bid, string) error { return nil }
