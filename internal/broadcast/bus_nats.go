package broadcast

import (
	"context"
	"encoding/json"
	"github.com/nats-io/nats.go"
	"log/slog"
)

const (
	natsSubjectPrefix = "auction.updates."
	natsSubjectAll    = natsSubjectPrefix + "*"
)

// NATSBus fans updates out over core NATS subjects auction.updates.{id}.
type NATSBus struct {
	nc *nats.Conn
}

func NewNATSBus(nc *nats.Conn) *NATSBus {
	return &NATSBus{nc: nc}
}

func natsSubject(auctionID string) string {
	return natsSubjectPrefix + auctionID
}

func (b *NATSBus) Publish(_ context.Context, u PriceUpdate) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return b.nc.Publish(natsSubject(u.AuctionID), data)
}

func (b *NATSBus) Subscribe(ctx context.Context, deliver func(PriceUpdate)) error {
	msgs := make(chan *nats.Msg, 1024)
	sub, err := b.nc.ChanSubscribe(natsSubjectAll, msgs)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	closed := b.nc.StatusChanged(nats.CLOSED)
	defer b.nc.RemoveStatusListener(closed)
	if b.nc.IsClosed() {
		return nats.ErrConnectionClosed
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-msgs:
			var u PriceUpdate
			if err := json.Unmarshal(m.Data, &u); err != nil {
				slog.Warn("drop malformed price update", slog.String("subject", m.Subject), slog.Any("err", err))
				continue
			}
			deliver(u)
		case <-closed:
			return nats.ErrConnectionClosed
		}
	}
}
