package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-realtime-auctions/internal/auction"
	"github.com/ariefcatur/go-realtime-auctions/internal/broadcast"
)

var t0 = time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// clock is a manual clock plus timer factory.
type clock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *clock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *clock) last(t *testing.T) *fakeTimer {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		t.Fatal("no timer armed")
	}
	return c.timers[len(c.timers)-1]
}

type gateRecorder struct {
	mu     sync.Mutex
	seeded map[string]int64
	forgot []string
}

func (g *gateRecorder) Seed(_ context.Context, id string, price int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seeded[id] = price
	return nil
}

func (g *gateRecorder) Forget(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.forgot = append(g.forgot, id)
	return nil
}

type hubRecorder struct {
	mu      sync.Mutex
	updates []broadcast.PriceUpdate
}

func (h *hubRecorder) Publish(u broadcast.PriceUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, u)
}

func (h *hubRecorder) types() []broadcast.UpdateType {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []broadcast.UpdateType
	for _, u := range h.updates {
		out = append(out, u.Type)
	}
	return out
}

type eventRecorder struct {
	mu       sync.Mutex
	finished []auction.Auction
}

func (e *eventRecorder) AuctionFinished(a *auction.Auction, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished = append(e.finished, *a)
	return nil
}

type fixture struct {
	s      *Scheduler
	store  *auction.MemStore
	clock  *clock
	gate   *gateRecorder
	hub    *hubRecorder
	events *eventRecorder
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  auction.NewMemStore(100 * time.Millisecond),
		clock:  &clock{now: t0},
		gate:   &gateRecorder{seeded: map[string]int64{}},
		hub:    &hubRecorder{},
		events: &eventRecorder{},
	}
	f.s = New(Deps{
		Store:     f.store,
		Gate:      f.gate,
		Hub:       f.hub,
		Events:    f.events,
		Now:       f.clock.Now,
		AfterFunc: f.clock.AfterFunc,
	})
	return f
}

func (f *fixture) create(t *testing.T, a auction.Auction) string {
	t.Helper()
	if a.OvertimeSeconds == 0 {
		a.OvertimeSeconds = 30
	}
	if err := f.store.Create(context.Background(), &a); err != nil {
		t.Fatal(err)
	}
	return a.ID
}

func (f *fixture) bid(t *testing.T, id, bidder string, amount int64, at time.Time) {
	t.Helper()
	_, err := f.store.Update(context.Background(), id, func(ctx context.Context, a *auction.Auction, l auction.Ledger) error {
		if err := a.ApplyBid(bidder, amount, at); err != nil {
			return err
		}
		if _, err := l.OutbidActive(ctx); err != nil {
			return err
		}
		b := auction.NewBid(a.ID, bidder, amount, at)
		return l.Append(ctx, &b)
	})
	if err != nil {
		t.Fatalf("bid %d: %v", amount, err)
	}
}

func (f *fixture) get(t *testing.T, id string) auction.Auction {
	t.Helper()
	a, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// Scenario C: restart mid-overtime, close fires after exactly the remaining time.
func TestRecover_ScenarioC(t *testing.T) {
	f := setup(t)
	regularEnd := t0.Add(-20 * time.Second)
	id := f.create(t, auction.Auction{StartTime: t0.Add(-time.Hour), RegularEndTime: regularEnd, Status: auction.StatusActive})
	f.bid(t, id, "u1", 100, t0.Add(-30*time.Second))
	f.bid(t, id, "u2", 150, t0.Add(-15*time.Second)) // overtime ends at t0+15s

	if _, err := f.s.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}
	tm := f.clock.last(t)
	if tm.d != 15*time.Second {
		t.Fatalf("armed for %s, want 15s", tm.d)
	}
	if at, ok := f.s.Deadline(id); !ok || !at.Equal(t0.Add(15*time.Second)) {
		t.Fatalf("deadline = %s %t", at, ok)
	}
	if f.gate.seeded[id] != 150 {
		t.Fatalf("gate reseeded with %d", f.gate.seeded[id])
	}

	f.clock.set(t0.Add(15 * time.Second))
	tm.f()

	a := f.get(t, id)
	if a.Status != auction.StatusEnded || a.Winner != "u2" || *a.WinningBid != 150 || a.OvertimeStarted {
		t.Fatalf("after close: %+v", a)
	}
	bids, _ := f.store.Bids(context.Background(), id)
	if bids[0].Status != auction.BidLost || bids[1].Status != auction.BidWinning {
		t.Fatalf("ledger statuses %s, %s", bids[0].Status, bids[1].Status)
	}
	if len(f.events.finished) != 1 || f.events.finished[0].Status != auction.StatusEnded {
		t.Fatalf("finished facts = %+v", f.events.finished)
	}
	if len(f.gate.forgot) != 1 {
		t.Fatal("gate entry not dropped")
	}
	if types := f.hub.types(); len(types) != 1 || types[0] != broadcast.UpdateClosed {
		t.Fatalf("updates = %v", types)
	}
	if _, ok := f.s.Deadline(id); ok {
		t.Fatal("deadline still armed after close")
	}
}

func TestArmEnd_ReplacesStaleTimer(t *testing.T) {
	f := setup(t)
	regularEnd := t0.Add(-5 * time.Second)
	id := f.create(t, auction.Auction{StartTime: t0.Add(-time.Hour), RegularEndTime: regularEnd, Status: auction.StatusActive})
	f.bid(t, id, "u1", 10, t0.Add(-4*time.Second)) // overtime until t0+26s

	f.s.ArmEnd(id, t0.Add(26*time.Second))
	stale := f.clock.last(t)

	f.bid(t, id, "u2", 20, t0.Add(10*time.Second)) // moves it to t0+40s
	f.s.ArmEnd(id, t0.Add(40*time.Second))
	fresh := f.clock.last(t)
	if !stale.stopped {
		t.Fatal("previous end timer not cancelled")
	}

	// the stale timer fires anyway (lost the race with Stop)
	f.clock.set(t0.Add(26 * time.Second))
	stale.f()
	if a := f.get(t, id); a.Status != auction.StatusActive {
		t.Fatalf("stale timer closed the auction: %s", a.Status)
	}
	if at, _ := f.s.Deadline(id); !at.Equal(t0.Add(40 * time.Second)) {
		t.Fatalf("deadline = %s", at)
	}

	f.clock.set(t0.Add(40 * time.Second))
	fresh.f()
	if a := f.get(t, id); a.Status != auction.StatusEnded || a.Winner != "u2" {
		t.Fatalf("after fresh timer: %s winner=%s", a.Status, a.Winner)
	}
}

func TestHandleDeadline_EarlyFireRearms(t *testing.T) {
	f := setup(t)
	id := f.create(t, auction.Auction{StartTime: t0.Add(-time.Hour), RegularEndTime: t0.Add(time.Minute), Status: auction.StatusActive})

	out, err := f.s.HandleDeadline(context.Background(), id)
	if err != nil || out != OutcomeNotDue {
		t.Fatalf("outcome=%s err=%v", out, err)
	}
	if at, ok := f.s.Deadline(id); !ok || !at.Equal(t0.Add(time.Minute)) {
		t.Fatalf("not re-armed: %s %t", at, ok)
	}
}

func TestRegularEnd_StartsOvertimeThenCancelsWithoutBids(t *testing.T) {
	f := setup(t)
	id := f.create(t, auction.Auction{StartTime: t0.Add(-time.Hour), RegularEndTime: t0, Status: auction.StatusActive})

	out, err := f.s.HandleDeadline(context.Background(), id)
	if err != nil || out != OutcomeOvertime {
		t.Fatalf("outcome=%s err=%v", out, err)
	}
	a := f.get(t, id)
	if !a.OvertimeStarted || !a.OvertimeEndTime.Equal(t0.Add(30*time.Second)) {
		t.Fatalf("overtime=%t end=%v", a.OvertimeStarted, a.OvertimeEndTime)
	}
	tm := f.clock.last(t)
	if tm.d != 30*time.Second {
		t.Fatalf("overtime armed for %s", tm.d)
	}

	f.clock.set(t0.Add(30 * time.Second))
	tm.f()
	a = f.get(t, id)
	if a.Status != auction.StatusCancelled {
		t.Fatalf("zero-bid auction status = %s, want CANCELLED", a.Status)
	}
	if len(f.events.finished) != 1 || f.events.finished[0].Status != auction.StatusCancelled {
		t.Fatalf("facts = %+v", f.events.finished)
	}
	types := f.hub.types()
	if types[0] != broadcast.UpdateOvertime || types[len(types)-1] != broadcast.UpdateCancelled {
		t.Fatalf("updates = %v", types)
	}
}

func TestHandleDeadline_LateFireClosesDirectly(t *testing.T) {
	f := setup(t)
	id := f.create(t, auction.Auction{StartTime: t0.Add(-time.Hour), RegularEndTime: t0.Add(-time.Minute), Status: auction.StatusActive})
	f.bid(t, id, "u1", 10, t0.Add(-2*time.Minute))

	out, err := f.s.HandleDeadline(context.Background(), id)
	if err != nil || out != OutcomeEnded {
		t.Fatalf("outcome=%s err=%v", out, err)
	}
}

func TestActivate_IdempotentAndArmsEnd(t *testing.T) {
	f := setup(t)
	id := f.create(t, auction.Auction{StartTime: t0, RegularEndTime: t0.Add(time.Hour), CurrentPrice: 5})

	out, err := f.s.Activate(context.Background(), id)
	if err != nil || out != OutcomeActivated {
		t.Fatalf("outcome=%s err=%v", out, err)
	}
	if f.get(t, id).Status != auction.StatusActive {
		t.Fatal("not active")
	}
	if f.gate.seeded[id] != 5 {
		t.Fatal("gate not seeded on activation")
	}
	if at, ok := f.s.Deadline(id); !ok || !at.Equal(t0.Add(time.Hour)) {
		t.Fatalf("end deadline = %s %t", at, ok)
	}

	out, err = f.s.Activate(context.Background(), id)
	if err != nil || out != OutcomeNone {
		t.Fatalf("second activate: outcome=%s err=%v", out, err)
	}
}

func TestActivate_MissedWindowCancels(t *testing.T) {
	f := setup(t)
	id := f.create(t, auction.Auction{StartTime: t0.Add(-2 * time.Hour), RegularEndTime: t0.Add(-time.Hour)})

	res := f.s.ActivateDue(context.Background())
	if res.Cancelled != 1 || res.Activated != 0 {
		t.Fatalf("result = %+v", res)
	}
	if f.get(t, id).Status != auction.StatusCancelled {
		t.Fatal("missed auction not cancelled")
	}
	if len(f.events.finished) != 1 {
		t.Fatal("cancel fact not published")
	}
}

func TestRecover_ArmsStartDeadline(t *testing.T) {
	f := setup(t)
	future := f.create(t, auction.Auction{StartTime: t0.Add(time.Minute), RegularEndTime: t0.Add(time.Hour)})
	due := f.create(t, auction.Auction{StartTime: t0.Add(-time.Minute), RegularEndTime: t0.Add(time.Hour)})

	res, err := f.s.Recover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Activated != 1 || f.get(t, due).Status != auction.StatusActive {
		t.Fatalf("due auction not activated during recovery: %+v", res)
	}
	at, ok := f.s.StartDeadline(future)
	if !ok || !at.Equal(t0.Add(time.Minute)) {
		t.Fatalf("start deadline = %s %t", at, ok)
	}

	var start *fakeTimer
	for _, tm := range f.clock.timers {
		if tm.d == time.Minute {
			start = tm
		}
	}
	if start == nil {
		t.Fatal("no one-minute start timer")
	}
	f.clock.set(t0.Add(time.Minute))
	start.f()
	if f.get(t, future).Status != auction.StatusActive {
		t.Fatal("start timer did not activate")
	}
	if _, ok := f.s.StartDeadline(future); ok {
		t.Fatal("start deadline still armed")
	}
}

func TestSweep_SelfHeals(t *testing.T) {
	f := setup(t)
	f.create(t, auction.Auction{StartTime: t0.Add(-time.Minute), RegularEndTime: t0.Add(time.Hour)})
	ended := f.create(t, auction.Auction{StartTime: t0.Add(-2 * time.Hour), RegularEndTime: t0.Add(-time.Hour), Status: auction.StatusActive})
	f.bid(t, ended, "u1", 10, t0.Add(-90*time.Minute))
	regular := f.create(t, auction.Auction{StartTime: t0.Add(-time.Hour), RegularEndTime: t0, Status: auction.StatusActive})

	res := f.s.Sweep(context.Background())
	want := SweepResult{Activated: 1, Overtime: 1, Ended: 1}
	if res != want {
		t.Fatalf("sweep = %+v, want %+v", res, want)
	}
	if !f.get(t, regular).OvertimeStarted {
		t.Fatal("regular-end auction not in overtime")
	}
	if res := f.s.Sweep(context.Background()); res != (SweepResult{}) {
		t.Fatalf("second sweep not idempotent: %+v", res)
	}
}

func TestGuard_SwallowsPanic(t *testing.T) {
	f := setup(t)
	ran := false
	f.s.guard("end", "a1", func(context.Context) { panic("boom") })
	f.s.guard("end", "a1", func(context.Context) { ran = true })
	if !ran {
		t.Fatal("scheduler stopped working after a panic")
	}
}

func TestRun_StopsTimersOnCancel(t *testing.T) {
	f := setup(t)
	f.s.d.SweepInterval = time.Hour
	f.s.ArmEnd("a1", t0.Add(time.Minute))
	tm := f.clock.last(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if !tm.stopped {
		t.Fatal("timer left running after Run returned")
	}
}
