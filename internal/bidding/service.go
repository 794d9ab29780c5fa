// Package bidding admits bids: fast gate first, then the authoritative
// commit under the auction row lock, then best-effort broadcast.
package bidding

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-realtime-auctions/internal/auction"
	"github.com/ariefcatur/go-realtime-auctions/internal/broadcast"
	"github.com/ariefcatur/go-realtime-auctions/internal/metrics"
	"github.com/go-chi/chi/v5/middleware"
	"log/slog"
	"time"
)

type Gate interface {
	TryAdmit(ctx context.Context, auctionID string, amount int64) (bool, error)
	Restore(ctx context.Context, auctionID string, attempted, durable int64) (bool, error)
	Forget(ctx context.Context, auctionID string) error
}

type Broadcaster interface {
	Publish(u broadcast.PriceUpdate)
}

// Deadlines is the scheduler hook for a moved end deadline.
type Deadlines interface {
	ArmEnd(auctionID string, at time.Time)
}

type Events interface {
	BidOutbid(a *auction.Auction, outbid auction.Bid, traceID string) error
}

type Names interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

type Service struct {
	Store     auction.Store
	Gate      Gate // nil: durable-only admission
	Hub       Broadcaster
	Deadlines Deadlines
	Events    Events
	Names     Names
	Now       func() time.Time
}

type BidRecord struct {
	BidID           string            `json:"bid_id"`
	AuctionID       string            `json:"auction_id"`
	BidderID        string            `json:"bidder_id"`
	Amount          int64             `json:"amount"`
	BidTime         time.Time         `json:"bid_time"`
	Status          auction.BidStatus `json:"status"`
	Seq             int64             `json:"seq"`
	CurrentPrice    int64             `json:"current_price"`
	OvertimeStarted bool              `json:"overtime_started"`
	EndsAt          time.Time         `json:"ends_at"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// PlaceBid admits one bid. Rejections come back as auction.ErrBidTooLow,
// ErrAuctionNotActive, ErrOutsideRegularWindow or ErrOvertimeExpired;
// contention as auction.ErrLockTimeout.
func (s *Service) PlaceBid(ctx context.Context, auctionID, bidderID string, amount int64, bidTime time.Time) (BidRecord, error) {
	log := slog.With(slog.String("auction_id", auctionID), slog.String("bidder_id", bidderID), slog.Int64("amount", amount))

	gated, err := s.admit(ctx, log, auctionID, amount)
	if err != nil {
		return BidRecord{}, err
	}

	var (
		bid          auction.Bid
		outbid       []auction.Bid
		prevDeadline time.Time
		prevOvertime bool
	)
	start := time.Now()
	a, err := s.Store.Update(ctx, auctionID, func(ctx context.Context, a *auction.Auction, l auction.Ledger) error {
		prevDeadline, prevOvertime = a.EndDeadline(), a.OvertimeStarted
		if err := a.ApplyBid(bidderID, amount, bidTime); err != nil {
			return err
		}
		prev, err := l.OutbidActive(ctx)
		if err != nil {
			return fmt.Errorf("outbid previous leader: %w", err)
		}
		outbid = prev
		bid = auction.NewBid(a.ID, bidderID, amount, bidTime)
		if err := l.Append(ctx, &bid); err != nil {
			return fmt.Errorf("append bid: %w", err)
		}
		return nil
	})
	metrics.BidCommitSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		switch {
		case !gated:
		case errors.Is(err, auction.ErrNotFound):
			s.forgetGate(log, auctionID)
		default:
			s.restoreGate(log, auctionID, amount)
		}
		return BidRecord{}, s.reportFailure(log, err)
	}
	metrics.BidsTotal.WithLabelValues(metrics.OutcomeAccepted).Inc()
	log.Debug("bid accepted", slog.Int64("seq", bid.Seq), slog.Bool("overtime", a.OvertimeStarted))

	// everything below is post-commit and must not fail the bid
	now := s.now()
	s.afterCommit(ctx, &a, bid, outbid, prevOvertime, now)
	if end := a.EndDeadline(); !end.Equal(prevDeadline) && s.Deadlines != nil {
		s.Deadlines.ArmEnd(a.ID, end)
	}

	return BidRecord{
		BidID:           bid.ID,
		AuctionID:       a.ID,
		BidderID:        bid.BidderID,
		Amount:          bid.Amount,
		BidTime:         bid.BidTime,
		Status:          bid.Status,
		Seq:             bid.Seq,
		CurrentPrice:    a.CurrentPrice,
		OvertimeStarted: a.OvertimeStarted,
		EndsAt:          a.EndDeadline(),
	}, nil
}

// admit consults the gate. gated reports whether the gate was raised and may
// need restoring.
func (s *Service) admit(ctx context.Context, log *slog.Logger, auctionID string, amount int64) (gated bool, err error) {
	if s.Gate == nil {
		return false, nil
	}
	ok, err := s.Gate.TryAdmit(ctx, auctionID, amount)
	switch {
	case err != nil:
		metrics.GateFallbackTotal.Inc()
		log.Warn("price gate unavailable, durable-only admission", slog.Any("err", err))
		return false, nil
	case !ok:
		metrics.BidsTotal.WithLabelValues(metrics.OutcomeGateReject).Inc()
		log.Debug("bid rejected by price gate")
		return false, fmt.Errorf("%w: below gate price", auction.ErrBidTooLow)
	}
	return true, nil
}

func (s *Service) restoreGate(log *slog.Logger, auctionID string, attempted int64) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cur, err := s.Store.Get(ctx, auctionID)
	if err != nil {
		log.Warn("restore gate: read durable price", slog.Any("err", err))
		return
	}
	if _, err := s.Gate.Restore(ctx, auctionID, attempted, cur.CurrentPrice); err != nil {
		log.Warn("restore gate", slog.Any("err", err))
	}
}

// forgetGate drops the entry an unknown auction id left behind.
func (s *Service) forgetGate(log *slog.Logger, auctionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Gate.Forget(ctx, auctionID); err != nil {
		log.Warn("forget gate", slog.Any("err", err))
	}
}

func (s *Service) reportFailure(log *slog.Logger, err error) error {
	switch {
	case auction.IsRejected(err):
		metrics.BidsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		log.Debug("bid rejected", slog.String("reason", auction.RejectCode(err)))
	case errors.Is(err, auction.ErrLockTimeout):
		metrics.BidsTotal.WithLabelValues(metrics.OutcomeLockTimeout).Inc()
		log.Warn("bid lock timeout", slog.Any("err", err))
	case errors.Is(err, auction.ErrNotFound):
		metrics.BidsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
	default:
		metrics.BidsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		log.Error("bid commit failed", slog.Any("err", err))
	}
	return err
}

func (s *Service) afterCommit(ctx context.Context, a *auction.Auction, bid auction.Bid, outbid []auction.Bid, prevOvertime bool, now time.Time) {
	if s.Hub != nil {
		kind := broadcast.UpdateBid
		if a.OvertimeStarted && !prevOvertime {
			kind = broadcast.UpdateOvertime
		}
		u := broadcast.NewUpdate(kind, a, now)
		u.BidID = bid.ID
		u.LeaderName = s.displayName(ctx, a.Winner)
		s.Hub.Publish(u)
	}
	if s.Events == nil {
		return
	}
	trace := middleware.GetReqID(ctx)
	for _, prev := range outbid {
		if prev.BidderID == bid.BidderID {
			continue
		}
		if err := s.Events.BidOutbid(a, prev, trace); err != nil {
			slog.Warn("publish outbid fact", slog.String("auction_id", a.ID), slog.String("bid_id", prev.ID), slog.Any("err", err))
		}
	}
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	if s.Names == nil || userID == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	name, err := s.Names.DisplayName(ctx, userID)
	if err != nil {
		slog.Debug("display name lookup", slog.String("user_id", userID), slog.Any("err", err))
	}
	return name
}

// CurrentState is the read-only projection of one auction.
func (s *Service) CurrentState(ctx context.Context, auctionID string) (auction.State, error) {
	a, err := s.Store.Get(ctx, auctionID)
	if err != nil {
		return auction.State{}, err
	}
	st := a.State(s.now())
	st.LeaderName = s.displayName(ctx, a.Winner)
	return st, nil
}

func (s *Service) History(ctx context.Context, auctionID string) ([]auction.Bid, error) {
	if _, err := s.Store.Get(ctx, auctionID); err != nil {
		return nil, err
	}
	return s.Store.Bids(ctx, auctionID)
}
