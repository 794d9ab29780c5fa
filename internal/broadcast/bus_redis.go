package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-realtime-auctions/internal/redisx"
	"github.com/redis/go-redis/v9"
	"log/slog"
)

// RedisBus fans updates out over Redis Pub/Sub, one channel per auction.
type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Publish(ctx context.Context, u PriceUpdate) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, fmt.Sprintf(redisx.ChannelAuctionUpdates, u.AuctionID), data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, deliver func(PriceUpdate)) error {
	ps := b.rdb.PSubscribe(ctx, redisx.PatternAuctionUpdates)
	defer ps.Close()

	// wait for the subscription to be confirmed before reporting ready
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis pubsub channel closed")
			}
			var u PriceUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
				slog.Warn("drop malformed price update", slog.String("channel", msg.Channel), slog.Any("err", err))
				continue
			}
			deliver(u)
		}
	}
}
