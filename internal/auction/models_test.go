package auction

import (
	"errors"
	"testing"
	"time"
)

var regularEnd = time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)

func activeAuction(t *testing.T) *Auction {
	t.Helper()
	a := &Auction{
		ID:              "auc-1",
		StartTime:       regularEnd.Add(-time.Hour),
		RegularEndTime:  regularEnd,
		OvertimeSeconds: 30,
		Status:          StatusScheduled,
	}
	if err := a.Activate(a.StartTime); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return a
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusScheduled, StatusActive, true},
		{StatusScheduled, StatusCancelled, true},
		{StatusActive, StatusEnded, true},
		{StatusActive, StatusCancelled, true},
		{StatusScheduled, StatusEnded, false},
		{StatusEnded, StatusActive, false},
		{StatusEnded, StatusCancelled, false},
		{StatusCancelled, StatusActive, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Errorf("CanTransition(%s, %s) = %t, want %t", c.from, c.to, got, c.ok)
		}
	}
}

func TestActivate(t *testing.T) {
	a := &Auction{ID: "a", StartTime: regularEnd.Add(-time.Hour), RegularEndTime: regularEnd, Status: StatusScheduled}

	if err := a.Activate(a.StartTime.Add(-time.Second)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("activate before start: got %v, want ErrInvalidTransition", err)
	}
	if err := a.Activate(regularEnd.Add(time.Second)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("activate after regular end: got %v, want ErrInvalidTransition", err)
	}
	if err := a.Activate(a.StartTime); err != nil {
		t.Fatalf("activate at start: %v", err)
	}
	if a.Status != StatusActive {
		t.Fatalf("status = %s, want ACTIVE", a.Status)
	}
	if err := a.Activate(a.StartTime); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second activate: got %v, want ErrInvalidTransition", err)
	}
}

func TestScenarioA(t *testing.T) {
	a := activeAuction(t)

	if err := a.ApplyBid("u1", 100, regularEnd.Add(-10*time.Second)); err != nil {
		t.Fatalf("bid 100: %v", err)
	}
	if a.OvertimeStarted || a.CurrentPrice != 100 {
		t.Fatalf("after 100: overtime=%t price=%d", a.OvertimeStarted, a.CurrentPrice)
	}

	if err := a.ApplyBid("u2", 50, regularEnd.Add(-5*time.Second)); !errors.Is(err, ErrBidTooLow) {
		t.Fatalf("bid 50: got %v, want ErrBidTooLow", err)
	}

	bidTime := regularEnd.Add(time.Second)
	if err := a.ApplyBid("u3", 150, bidTime); err != nil {
		t.Fatalf("bid 150: %v", err)
	}
	if !a.OvertimeStarted {
		t.Fatal("overtime should have started")
	}
	if want := regularEnd.Add(31 * time.Second); !a.OvertimeEndTime.Equal(want) {
		t.Fatalf("overtime end = %s, want %s", a.OvertimeEndTime, want)
	}
	if a.CurrentPrice != 150 || a.Winner != "u3" || a.TotalBids != 2 {
		t.Fatalf("price=%d winner=%s total=%d", a.CurrentPrice, a.Winner, a.TotalBids)
	}
}

func TestApplyBid_TieRejected(t *testing.T) {
	a := activeAuction(t)
	at := regularEnd.Add(-time.Minute)
	if err := a.ApplyBid("u1", 10, at); err != nil {
		t.Fatal(err)
	}
	if err := a.ApplyBid("u2", 10, at); !errors.Is(err, ErrBidTooLow) {
		t.Fatalf("tie: got %v, want ErrBidTooLow", err)
	}
	if a.CurrentPrice != 10 || a.Winner != "u1" || a.TotalBids != 1 {
		t.Fatalf("rejected bid mutated aggregate: %+v", a)
	}
}

func TestApplyBid_OvertimeResetsDeadline(t *testing.T) {
	a := activeAuction(t)
	if err := a.StartOvertime(regularEnd); err != nil {
		t.Fatal(err)
	}

	for i, off := range []time.Duration{5 * time.Second, 29 * time.Second, 40 * time.Second} {
		bidTime := regularEnd.Add(off)
		if err := a.ApplyBid("u", int64(100+i), bidTime); err != nil {
			t.Fatalf("bid %d: %v", i, err)
		}
		if want := bidTime.Add(30 * time.Second); !a.OvertimeEndTime.Equal(want) {
			t.Fatalf("bid %d: overtime end = %s, want %s", i, a.OvertimeEndTime, want)
		}
	}
}

func TestValidateBidWindow(t *testing.T) {
	a := activeAuction(t)

	cases := []struct {
		name string
		at   time.Time
		want error
	}{
		{"before start", a.StartTime.Add(-time.Second), ErrOutsideRegularWindow},
		{"at start", a.StartTime, nil},
		{"at regular end", regularEnd, nil},
		{"overtime entry", regularEnd.Add(30 * time.Second), nil},
		{"past entry window", regularEnd.Add(31 * time.Second), ErrOutsideRegularWindow},
	}
	for _, c := range cases {
		err := a.ValidateBidWindow(c.at)
		if c.want == nil && err != nil || c.want != nil && !errors.Is(err, c.want) {
			t.Errorf("%s: got %v, want %v", c.name, err, c.want)
		}
	}

	if err := a.StartOvertime(regularEnd); err != nil {
		t.Fatal(err)
	}
	if err := a.ValidateBidWindow(regularEnd.Add(30 * time.Second)); err != nil {
		t.Errorf("at overtime end: %v", err)
	}
	if err := a.ValidateBidWindow(regularEnd.Add(31 * time.Second)); !errors.Is(err, ErrOvertimeExpired) {
		t.Errorf("after overtime end: got %v, want ErrOvertimeExpired", err)
	}

	a.Status = StatusEnded
	if err := a.ValidateBidWindow(regularEnd); !errors.Is(err, ErrAuctionNotActive) {
		t.Errorf("ended: got %v, want ErrAuctionNotActive", err)
	}
}

func TestStartOvertime(t *testing.T) {
	a := activeAuction(t)
	if err := a.StartOvertime(regularEnd.Add(-time.Second)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("before regular end: got %v", err)
	}
	now := regularEnd.Add(2 * time.Second)
	if err := a.StartOvertime(now); err != nil {
		t.Fatal(err)
	}
	if !a.OvertimeStarted || !a.OvertimeEndTime.Equal(now.Add(30*time.Second)) {
		t.Fatalf("overtime=%t end=%v", a.OvertimeStarted, a.OvertimeEndTime)
	}
	if err := a.StartOvertime(now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("twice: got %v", err)
	}
	if !a.EndDeadline().Equal(now.Add(30 * time.Second)) {
		t.Fatalf("end deadline = %s", a.EndDeadline())
	}
}

func TestClose_SettlesLedger(t *testing.T) {
	a := activeAuction(t)
	at := regularEnd.Add(-time.Minute)
	var ledger []Bid
	for i, b := range []struct {
		bidder string
		amount int64
	}{{"u1", 100}, {"u2", 120}, {"u1", 150}} {
		if err := a.ApplyBid(b.bidder, b.amount, at.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
		for j := range ledger {
			if ledger[j].Status == BidActive {
				ledger[j].Status = BidOutbid
			}
		}
		nb := NewBid(a.ID, b.bidder, b.amount, at)
		nb.Seq = int64(i + 1)
		ledger = append(ledger, nb)
	}
	// a stray ACTIVE bid must still be swept to LOST
	ledger[1].Status = BidActive

	changed, err := a.Close(ledger)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if a.Status != StatusEnded || a.WinningBid == nil || *a.WinningBid != 150 {
		t.Fatalf("status=%s winning=%v", a.Status, a.WinningBid)
	}
	if a.OvertimeStarted || a.OvertimeEndTime != nil {
		t.Fatal("overtime fields must be cleared at close")
	}
	if len(changed) != 3 {
		t.Fatalf("changed = %d, want 3", len(changed))
	}

	winning := 0
	for _, b := range changed {
		switch b.Status {
		case BidWinning:
			winning++
			if b.BidderID != "u1" || b.Amount != 150 {
				t.Errorf("wrong winning bid %+v", b)
			}
		case BidLost:
		default:
			t.Errorf("bid %d left in %s", b.Seq, b.Status)
		}
	}
	if winning != 1 {
		t.Fatalf("winning bids = %d, want 1", winning)
	}
	// input ledger is not mutated
	if ledger[2].Status != BidActive {
		t.Fatal("Close mutated its input")
	}
}

func TestClose_Rejects(t *testing.T) {
	a := activeAuction(t)
	if _, err := a.Close(nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("no winner: got %v", err)
	}

	if err := a.ApplyBid("u1", 5, regularEnd.Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Close(nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("missing winning bid in ledger: got %v", err)
	}
	if a.Status != StatusActive {
		t.Fatalf("failed close changed status to %s", a.Status)
	}

	a.Status = StatusCancelled
	if _, err := a.Close([]Bid{NewBid(a.ID, "u1", 5, regularEnd)}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancelled: got %v", err)
	}
}

func TestCancel(t *testing.T) {
	for _, from := range []Status{StatusScheduled, StatusActive} {
		a := &Auction{Status: from}
		if err := a.Cancel(); err != nil || a.Status != StatusCancelled {
			t.Errorf("cancel from %s: err=%v status=%s", from, err, a.Status)
		}
	}
	for _, from := range []Status{StatusEnded, StatusCancelled} {
		a := &Auction{Status: from}
		if err := a.Cancel(); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("cancel from %s: got %v", from, err)
		}
	}
}

func TestState(t *testing.T) {
	a := activeAuction(t)
	_ = a.ApplyBid("u1", 40, regularEnd.Add(-time.Minute))

	s := a.State(regularEnd.Add(-10 * time.Second))
	if s.CurrentPrice != 40 || s.LeaderID != "u1" || s.TotalBids != 1 || s.RemainingSeconds != 10 {
		t.Fatalf("state = %+v", s)
	}
	if s := a.State(regularEnd.Add(time.Second)); s.RemainingSeconds != 0 {
		t.Fatalf("remaining after end = %d", s.RemainingSeconds)
	}
}

func TestIsRejected(t *testing.T) {
	for _, err := range []error{ErrBidTooLow, ErrAuctionNotActive, ErrOutsideRegularWindow, ErrOvertimeExpired} {
		if !IsRejected(err) {
			t.Errorf("%v should be a rejected bid", err)
		}
	}
	for _, err := range []error{ErrLockTimeout, ErrInvalidTransition, ErrNotFound} {
		if IsRejected(err) {
			t.Errorf("%v should not be a rejected bid", err)
		}
	}
	if RejectCode(ErrLockTimeout) != "LOCK_TIMEOUT" {
		t.Errorf("code = %s", RejectCode(ErrLockTimeout))
	}
}
