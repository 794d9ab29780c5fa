// Package settlement consumes the auction facts and hands them to the
// notification and points systems exactly once per event id.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-realtime-auctions/internal/auction"
	kafkax "github.com/ariefcatur/go-realtime-auctions/internal/kafka"
	"github.com/ariefcatur/go-realtime-auctions/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"log/slog"
)

// Sink is the downstream hand-off. Implementations must tolerate a repeat
// after a crash between hand-off and offset commit.
type Sink interface {
	AuctionFinished(ctx context.Context, env auction.Envelope, p auction.AuctionClosedPayload) error
	BidOutbid(ctx context.Context, env auction.Envelope, p auction.BidOutbidPayload) error
}

// errMalformed marks a record that can never be processed. The consumer
// retries every error, so these are logged and skipped instead.
var errMalformed = errors.New("malformed fact")

type Service struct {
	Redis       *redis.Client // nil disables dedup
	Sink        Sink
	ServiceName string
}

// Handle is installed as the consumer handler for both fact topics.
func (s *Service) Handle(ctx context.Context, m kafkago.Message) error {
	// header first: skip foreign events without decoding them
	if t := kafkax.Header(m, "x-event-type"); t != "" && !known(t) {
		return nil
	}

	var env auction.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		skipMalformed(m, fmt.Errorf("%w: decode envelope: %v", errMalformed, err))
		return nil
	}
	if !known(env.EventType) {
		return nil
	}

	claimed, key := s.claim(ctx, env.EventID)
	if !claimed {
		slog.Debug("duplicate fact skipped", slog.String("event_id", env.EventID), slog.String("event_type", env.EventType))
		return nil
	}
	if err := s.dispatch(ctx, env); err != nil {
		if errors.Is(err, errMalformed) {
			skipMalformed(m, err)
			return nil
		}
		s.release(key)
		return err
	}
	return nil
}

func skipMalformed(m kafkago.Message, err error) {
	slog.Error("malformed fact skipped", slog.String("topic", m.Topic), slog.Int("partition", m.Partition),
		slog.Int64("offset", m.Offset), slog.Any("err", err))
}

func known(t string) bool {
	switch t {
	case auction.EventAuctionClosed, auction.EventAuctionCancelled, auction.EventBidOutbid:
		return true
	}
	return false
}

func (s *Service) dispatch(ctx context.Context, env auction.Envelope) error {
	switch env.EventType {
	case auction.EventAuctionClosed, auction.EventAuctionCancelled:
		p, err := kafkax.UnwrapPayload[auction.AuctionClosedPayload](env.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}
		return s.Sink.AuctionFinished(ctx, env, p)
	case auction.EventBidOutbid:
		p, err := kafkax.UnwrapPayload[auction.BidOutbidPayload](env.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}
		return s.Sink.BidOutbid(ctx, env, p)
	}
	return nil
}

// claim marks the event as taken. A dedup store outage does not block
// processing; the sinks absorb the occasional repeat.
func (s *Service) claim(ctx context.Context, eventID string) (bool, string) {
	if s.Redis == nil || eventID == "" {
		return true, ""
	}
	key := fmt.Sprintf(redisx.KeyDedup, s.ServiceName, eventID)
	ok, err := redisx.SetOnce(ctx, s.Redis, key, redisx.TTLDedup)
	if err != nil {
		slog.Warn("dedup unavailable, processing anyway", slog.String("event_id", eventID), slog.Any("err", err))
		return true, ""
	}
	return ok, key
}

// release drops the claim so a redelivery is processed again.
func (s *Service) release(key string) {
	if key == "" {
		return
	}
	if err := s.Redis.Del(context.Background(), key).Err(); err != nil {
		slog.Warn("release dedup claim", slog.String("key", key), slog.Any("err", err))
	}
}

// LogSink writes the hand-off to the structured log.
type LogSink struct {
	Log *slog.Logger
}

func (l LogSink) logger() *slog.Logger {
	if l.Log != nil {
		return l.Log
	}
	return slog.Default()
}

func (l LogSink) AuctionFinished(_ context.Context, env auction.Envelope, p auction.AuctionClosedPayload) error {
	log := l.logger().With(slog.String("event_id", env.EventID), slog.String("auction_id", p.AuctionID), slog.String("trace_id", env.TraceID))
	if p.Status != auction.StatusEnded {
		log.Info("auction cancelled, nothing to settle", slog.Int("total_bids", p.TotalBids))
		return nil
	}
	log.Info("notify winner", slog.String("winner_id", p.WinnerID), slog.Int64("winning_bid", p.WinningBid))
	log.Info("deduct points", slog.String("user_id", p.WinnerID), slog.Int64("points", p.WinningBid))
	return nil
}

func (l LogSink) BidOutbid(_ context.Context, env auction.Envelope, p auction.BidOutbidPayload) error {
	l.logger().Info("notify outbid",
		slog.String("event_id", env.EventID), slog.String("auction_id", p.AuctionID),
		slog.String("bidder_id", p.BidderID), slog.Int64("amount", p.Amount), slog.Int64("new_price", p.NewPrice))
	return nil
}
