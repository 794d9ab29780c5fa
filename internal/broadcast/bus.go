package broadcast

import (
	"context"
	"errors"
)

// Bus carries price updates between API nodes so every node can serve
// viewers of every auction.
type Bus interface {
	Publish(ctx context.Context, u PriceUpdate) error
	// Subscribe delivers updates for all auctions until ctx is done or the
	// underlying connection fails.
	Subscribe(ctx context.Context, deliver func(PriceUpdate)) error
}

var ErrBusFull = errors.New("local bus full")

// LocalBus is the single-process bus.
type LocalBus struct {
	ch chan PriceUpdate
}

func NewLocalBus(buf int) *LocalBus {
	if buf <= 0 {
		buf = 1024
	}
	return &LocalBus{ch: make(chan PriceUpdate, buf)}
}

func (b *LocalBus) Publish(_ context.Context, u PriceUpdate) error {
	select {
	case b.ch <- u:
		return nil
	default:
		return ErrBusFull
	}
}

func (b *LocalBus) Subscribe(ctx context.Context, deliver func(PriceUpdate)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-b.ch:
			deliver(u)
		}
	}
}
