package auction

import (
	"context"
	"fmt"
	"github.com/google/uuid"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-process Store with the same locking contract as Repo.
// Used for single-node dev runs (STORE=memory) and tests.
type MemStore struct {
	LockTimeout time.Duration

	mu   sync.Mutex
	rows map[string]*memRow
}

type memRow struct {
	lock    chan struct{} // 1-slot semaphore = row lock
	auction Auction
	bids    []Bid
}

func NewMemStore(lockTimeout time.Duration) *MemStore {
	return &MemStore{LockTimeout: lockTimeout, rows: map[string]*memRow{}}
}

func (a Auction) clone() Auction {
	c := a
	if a.OvertimeEndTime != nil {
		t := *a.OvertimeEndTime
		c.OvertimeEndTime = &t
	}
	if a.WinningBid != nil {
		v := *a.WinningBid
		c.WinningBid = &v
	}
	return c
}

func (s *MemStore) Create(_ context.Context, a *Auction) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	if a.OvertimeSeconds <= 0 {
		a.OvertimeSeconds = DefaultOvertimeSeconds
	}
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[a.ID]; ok {
		return fmt.Errorf("auction %s already exists", a.ID)
	}
	s.rows[a.ID] = &memRow{lock: make(chan struct{}, 1), auction: a.clone()}
	return nil
}

func (s *MemStore) row(id string) (*memRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (s *MemStore) Get(_ context.Context, id string) (Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return Auction{}, ErrNotFound
	}
	return r.auction.clone(), nil
}

func (s *MemStore) Bids(_ context.Context, auctionID string) ([]Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[auctionID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]Bid(nil), r.bids...), nil
}

func (s *MemStore) Update(ctx context.Context, id string, fn UpdateFunc) (Auction, error) {
	r, err := s.row(id)
	if err != nil {
		return Auction{}, err
	}

	wait := s.LockTimeout
	if wait <= 0 {
		wait = 2 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case r.lock <- struct{}{}:
	case <-timer.C:
		return Auction{}, ErrLockTimeout
	case <-ctx.Done():
		return Auction{}, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	}
	defer func() { <-r.lock }()

	// staged copies; written back only on success
	s.mu.Lock()
	a := r.auction.clone()
	l := &memLedger{bids: append([]Bid(nil), r.bids...)}
	s.mu.Unlock()

	if err := fn(ctx, &a, l); err != nil {
		return Auction{}, err
	}
	a.UpdatedAt = time.Now()

	s.mu.Lock()
	r.auction = a.clone()
	r.bids = l.bids
	s.mu.Unlock()
	return a, nil
}

func (s *MemStore) filter(keep func(a *Auction) bool) []Auction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Auction
	for _, r := range s.rows {
		if keep(&r.auction) {
			out = append(out, r.auction.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (s *MemStore) ListByStatus(_ context.Context, status Status) ([]Auction, error) {
	return s.filter(func(a *Auction) bool { return a.Status == status }), nil
}

func (s *MemStore) DueForActivation(_ context.Context, now time.Time) ([]string, error) {
	return ids(s.filter(func(a *Auction) bool {
		return a.Status == StatusScheduled && !a.StartTime.After(now)
	})), nil
}

func (s *MemStore) DueForDeadline(_ context.Context, now time.Time) ([]string, error) {
	return ids(s.filter(func(a *Auction) bool {
		return a.Status == StatusActive && a.DeadlinePassed(now)
	})), nil
}

func ids(as []Auction) []string {
	out := make([]string, 0, len(as))
	for _, a := range as {
		out = append(out, a.ID)
	}
	return out
}

type memLedger struct {
	bids []Bid
}

func (l *memLedger) List(context.Context) ([]Bid, error) {
	return append([]Bid(nil), l.bids...), nil
}

func (l *memLedger) Append(_ context.Context, b *Bid) error {
	b.Seq = int64(len(l.bids)) + 1
	b.CreatedAt = time.Now()
	l.bids = append(l.bids, *b)
	return nil
}

func (l *memLedger) OutbidActive(context.Context) ([]Bid, error) {
	var out []Bid
	for i := range l.bids {
		if l.bids[i].Status == BidActive {
			l.bids[i].Status = BidOutbid
			out = append(out, l.bids[i])
		}
	}
	return out, nil
}

func (l *memLedger) SetStatuses(_ context.Context, bids []Bid) error {
	byID := make(map[string]BidStatus, len(bids))
	for _, b := range bids {
		byID[b.ID] = b.Status
	}
	for i := range l.bids {
		if st, ok := byID[l.bids[i].ID]; ok {
			l.bids[i].Status = st
			delete(byID, l.bids[i].ID)
		}
	}
	if len(byID) > 0 {
		return fmt.Errorf("set bid statuses: %d unknown bid(s)", len(byID))
	}
	return nil
}
