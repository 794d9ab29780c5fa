// Package broadcast pushes committed price changes to live viewers.
//
// Delivery is best effort and happens strictly after the durable commit: a
// lost update never affects bid correctness, viewers resync from
// auction state.
package broadcast

import (
	"context"
	"github.com/ariefcatur/go-realtime-auctions/internal/metrics"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultInbox     = 1024
	defaultSubBuffer = 16
)

type Hub struct {
	bus       Bus
	inbox     chan PriceUpdate
	subBuffer int
	retry     time.Duration

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

type HubOptions struct {
	Inbox     int           // pending publishes before new ones are dropped
	SubBuffer int           // per-viewer backlog before the viewer is dropped
	Retry     time.Duration // bus resubscribe backoff
}

func NewHub(bus Bus, opts HubOptions) *Hub {
	if bus == nil {
		bus = NewLocalBus(0)
	}
	if opts.Inbox <= 0 {
		opts.Inbox = defaultInbox
	}
	if opts.SubBuffer <= 0 {
		opts.SubBuffer = defaultSubBuffer
	}
	if opts.Retry <= 0 {
		opts.Retry = time.Second
	}
	return &Hub{
		bus:       bus,
		inbox:     make(chan PriceUpdate, opts.Inbox),
		subBuffer: opts.SubBuffer,
		retry:     opts.Retry,
		subs:      map[string]map[*Subscription]struct{}{},
	}
}

// Start runs the publish loop and the bus listener until ctx is done, then
// closes every open subscription.
func (h *Hub) Start(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.publishLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		h.listen(ctx)
	}()
	go func() {
		wg.Wait()
		h.closeAll()
	}()
}

func (h *Hub) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-h.inbox:
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := h.bus.Publish(pctx, u)
			cancel()
			if err != nil {
				metrics.BroadcastDroppedTotal.WithLabelValues(metrics.DropBusError).Inc()
				slog.Warn("publish price update", slog.String("auction_id", u.AuctionID), slog.Any("err", err))
			}
		}
	}
}

func (h *Hub) listen(ctx context.Context) {
	for {
		err := h.bus.Subscribe(ctx, h.deliver)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("broadcast bus subscription lost, retrying", slog.Any("err", err), slog.Duration("backoff", h.retry))
		select {
		case <-ctx.Done():
			return
		case <-time.After(h.retry):
		}
	}
}

// Publish enqueues u without blocking. When the inbox is full the update is
// dropped.
func (h *Hub) Publish(u PriceUpdate) {
	select {
	case h.inbox <- u:
	default:
		metrics.BroadcastDroppedTotal.WithLabelValues(metrics.DropInboxFull).Inc()
		slog.Warn("broadcast inbox full, dropping update", slog.String("auction_id", u.AuctionID))
	}
}

// Subscription is one live viewer. C is closed when the viewer is dropped
// or the hub stops.
type Subscription struct {
	AuctionID string
	C         <-chan PriceUpdate

	ch  chan PriceUpdate
	hub *Hub
}

func (s *Subscription) Close() {
	s.hub.remove(s)
}

func (h *Hub) Subscribe(auctionID string) *Subscription {
	ch := make(chan PriceUpdate, h.subBuffer)
	s := &Subscription{AuctionID: auctionID, C: ch, ch: ch, hub: h}

	h.mu.Lock()
	set, ok := h.subs[auctionID]
	if !ok {
		set = map[*Subscription]struct{}{}
		h.subs[auctionID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	metrics.LiveSubscribers.Inc()
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[s.AuctionID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.AuctionID)
	}
	close(s.ch)
	metrics.LiveSubscribers.Dec()
}

// deliver fans u out to local viewers. A viewer whose backlog is full is
// dropped rather than allowed to stall the others.
func (h *Hub) deliver(u PriceUpdate) {
	var slow []*Subscription

	h.mu.RLock()
	for s := range h.subs[u.AuctionID] {
		select {
		case s.ch <- u:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		metrics.BroadcastDroppedTotal.WithLabelValues(metrics.DropSlowSubscriber).Inc()
		slog.Info("dropping slow viewer", slog.String("auction_id", s.AuctionID))
		h.remove(s)
	}
}

func (h *Hub) SubscriberCount(auctionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[auctionID])
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	var all []*Subscription
	for _, set := range h.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range all {
		h.remove(s)
	}
}
