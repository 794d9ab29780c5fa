package auction

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedActive(t *testing.T, s *MemStore) Auction {
	t.Helper()
	a := &Auction{
		StartTime:      regularEnd.Add(-time.Hour),
		RegularEndTime: regularEnd,
		Status:         StatusActive,
	}
	if err := s.Create(context.Background(), a); err != nil {
		t.Fatalf("create: %v", err)
	}
	return *a
}

func TestMemStore_UpdateCommitsAndRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(50 * time.Millisecond)
	a := seedActive(t, s)

	_, err := s.Update(ctx, a.ID, func(ctx context.Context, a *Auction, l Ledger) error {
		if err := a.ApplyBid("u1", 10, regularEnd.Add(-time.Minute)); err != nil {
			return err
		}
		b := NewBid(a.ID, "u1", 10, regularEnd.Add(-time.Minute))
		return l.Append(ctx, &b)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	boom := errors.New("boom")
	_, err = s.Update(ctx, a.ID, func(ctx context.Context, a *Auction, l Ledger) error {
		_ = a.ApplyBid("u2", 20, regularEnd.Add(-time.Minute))
		b := NewBid(a.ID, "u2", 20, regularEnd.Add(-time.Minute))
		_ = l.Append(ctx, &b)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}

	got, _ := s.Get(ctx, a.ID)
	if got.CurrentPrice != 10 || got.TotalBids != 1 {
		t.Fatalf("rollback leaked: price=%d total=%d", got.CurrentPrice, got.TotalBids)
	}
	bids, _ := s.Bids(ctx, a.ID)
	if len(bids) != 1 || bids[0].Seq != 1 {
		t.Fatalf("ledger = %+v", bids)
	}
}

func TestMemStore_LockTimeout(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(20 * time.Millisecond)
	a := seedActive(t, s)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Update(ctx, a.ID, func(context.Context, *Auction, Ledger) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	_, err := s.Update(ctx, a.ID, func(context.Context, *Auction, Ledger) error { return nil })
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("got %v, want ErrLockTimeout", err)
	}
	close(release)
	<-done

	if _, err := s.Update(ctx, a.ID, func(context.Context, *Auction, Ledger) error { return nil }); err != nil {
		t.Fatalf("after release: %v", err)
	}
}

func TestMemStore_NotFound(t *testing.T) {
	s := NewMemStore(0)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get: %v", err)
	}
	_, err := s.Update(context.Background(), "nope", func(context.Context, *Auction, Ledger) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("update: %v", err)
	}
}

func TestMemStore_DueQueries(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore(0)
	now := regularEnd

	scheduled := &Auction{StartTime: now.Add(-time.Minute), RegularEndTime: now.Add(time.Hour)}
	future := &Auction{StartTime: now.Add(time.Minute), RegularEndTime: now.Add(time.Hour)}
	expired := &Auction{StartTime: now.Add(-time.Hour), RegularEndTime: now.Add(-time.Second), Status: StatusActive}
	overtimeEnd := now.Add(10 * time.Second)
	inOvertime := &Auction{
		StartTime: now.Add(-time.Hour), RegularEndTime: now.Add(-time.Minute), Status: StatusActive,
		OvertimeStarted: true, OvertimeEndTime: &overtimeEnd,
	}
	for _, a := range []*Auction{scheduled, future, expired, inOvertime} {
		if err := s.Create(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	due, _ := s.DueForActivation(ctx, now)
	if len(due) != 1 || due[0] != scheduled.ID {
		t.Fatalf("due for activation = %v", due)
	}
	ends, _ := s.DueForDeadline(ctx, now)
	if len(ends) != 1 || ends[0] != expired.ID {
		t.Fatalf("due for deadline = %v", ends)
	}
	active, _ := s.ListByStatus(ctx, StatusActive)
	if len(active) != 2 {
		t.Fatalf("active = %d", len(active))
	}
}
