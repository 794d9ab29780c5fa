// Package scheduler drives auctions through their lifecycle: start deadlines
// activate, end deadlines start overtime or close, and a periodic sweep
// catches whatever a lost timer missed.
//
// Timers are never persisted. Recover rebuilds them from durable state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-realtime-auctions/internal/auction"
	"github.com/ariefcatur/go-realtime-auctions/internal/broadcast"
	"github.com/ariefcatur/go-realtime-auctions/internal/metrics"
	"log/slog"
	"sync"
	"time"
)

type Timer interface {
	Stop() bool
}

// AfterFunc matches time.AfterFunc; tests inject a manual clock.
type AfterFunc func(d time.Duration, f func()) Timer

type Gate interface {
	Seed(ctx context.Context, auctionID string, price int64) error
	Forget(ctx context.Context, auctionID string) error
}

type Broadcaster interface {
	Publish(u broadcast.PriceUpdate)
}

type Events interface {
	AuctionFinished(a *auction.Auction, traceID string) error
}

type Deps struct {
	Store         auction.Store
	Gate          Gate        // optional
	Hub           Broadcaster // optional
	Events        Events      // optional
	SweepInterval time.Duration
	HandleTimeout time.Duration
	Now           func() time.Time
	AfterFunc     AfterFunc
}

// Outcome of one lifecycle step.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeActivated Outcome = "activated"
	OutcomeOvertime  Outcome = "overtime"
	OutcomeEnded     Outcome = "ended"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeNotDue    Outcome = "not_due"
)

type SweepResult struct {
	Activated int `json:"activated"`
	Overtime  int `json:"overtime"`
	Ended     int `json:"ended"`
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
}

func (r *SweepResult) add(o Outcome, err error) {
	if err != nil {
		r.Failed++
		return
	}
	switch o {
	case OutcomeActivated:
		r.Activated++
	case OutcomeOvertime:
		r.Overtime++
	case OutcomeEnded:
		r.Ended++
	case OutcomeCancelled:
		r.Cancelled++
	}
}

type armed struct {
	timer Timer
	at    time.Time
	gen   uint64
}

type Scheduler struct {
	d Deps

	mu     sync.Mutex
	gen    uint64
	starts map[string]armed
	ends   map[string]armed
}

// errSkip aborts an Update without writing; the step has nothing to do.
var errSkip = errors.New("nothing to do")

func New(d Deps) *Scheduler {
	if d.SweepInterval <= 0 {
		d.SweepInterval = 5 * time.Second
	}
	if d.HandleTimeout <= 0 {
		d.HandleTimeout = 10 * time.Second
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.AfterFunc == nil {
		d.AfterFunc = func(dur time.Duration, f func()) Timer { return time.AfterFunc(dur, f) }
	}
	return &Scheduler{d: d, starts: map[string]armed{}, ends: map[string]armed{}}
}

// ---- timers ----

func (s *Scheduler) arm(set map[string]armed, auctionID string, at time.Time, fire func(gen uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := set[auctionID]; ok {
		prev.timer.Stop()
	}
	s.gen++
	gen := s.gen
	wait := at.Sub(s.d.Now())
	if wait < 0 {
		wait = 0
	}
	set[auctionID] = armed{at: at, gen: gen, timer: s.d.AfterFunc(wait, func() { fire(gen) })}
}

// take removes the entry only if it still belongs to the firing timer.
func (s *Scheduler) take(set map[string]armed, auctionID string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := set[auctionID]
	if !ok || cur.gen != gen {
		return false
	}
	delete(set, auctionID)
	return true
}

func (s *Scheduler) disarm(auctionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, set := range []map[string]armed{s.starts, s.ends} {
		if cur, ok := set[auctionID]; ok {
			cur.timer.Stop()
			delete(set, auctionID)
		}
	}
}

// ArmStart schedules activation at the auction's start time.
func (s *Scheduler) ArmStart(auctionID string, at time.Time) {
	s.arm(s.starts, auctionID, at, func(gen uint64) {
		if !s.take(s.starts, auctionID, gen) {
			return
		}
		s.guard("start", auctionID, func(ctx context.Context) {
			// a start deadline re-scans every due auction, not only its own
			s.ActivateDue(ctx)
		})
	})
}

// ArmEnd schedules the end deadline, replacing any earlier one. Called on
// activation, on recovery, and whenever a bid moves the deadline.
func (s *Scheduler) ArmEnd(auctionID string, at time.Time) {
	s.arm(s.ends, auctionID, at, func(gen uint64) {
		if !s.take(s.ends, auctionID, gen) {
			return
		}
		s.guard("end", auctionID, func(ctx context.Context) {
			_, _ = s.HandleDeadline(ctx, auctionID)
		})
	})
}

// Deadline reports the armed end deadline, if any.
func (s *Scheduler) Deadline(auctionID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.ends[auctionID]
	return a.at, ok
}

func (s *Scheduler) StartDeadline(auctionID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.starts[auctionID]
	return a.at, ok
}

// guard runs a timer handler; a panic is logged and swallowed so the
// scheduler keeps running.
func (s *Scheduler) guard(kind, auctionID string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler handler panic", slog.String("kind", kind), slog.String("auction_id", auctionID), slog.Any("panic", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), s.d.HandleTimeout)
	defer cancel()
	fn(ctx)
}

// ---- lifecycle steps ----

// Activate opens one SCHEDULED auction. Already-active or finished auctions
// are a no-op. An auction found after its regular end never opened and is
// cancelled.
func (s *Scheduler) Activate(ctx context.Context, auctionID string) (Outcome, error) {
	var (
		outcome Outcome
		seen    auction.Auction
	)
	a, err := s.d.Store.Update(ctx, auctionID, func(ctx context.Context, a *auction.Auction, _ auction.Ledger) error {
		now := s.d.Now()
		seen = *a
		switch {
		case a.Status != auction.StatusScheduled:
			return errSkip
		case now.After(a.RegularEndTime):
			outcome = OutcomeCancelled
			return a.Cancel()
		case now.Before(a.StartTime):
			outcome = OutcomeNotDue
			return errSkip
		}
		outcome = OutcomeActivated
		return a.Activate(now)
	})
	if errors.Is(err, errSkip) {
		if outcome == OutcomeNotDue {
			s.ArmStart(seen.ID, seen.StartTime)
		}
		return outcome, nil
	}
	if err != nil {
		return OutcomeNone, s.logFailure("activate", auctionID, err)
	}

	switch outcome {
	case OutcomeActivated:
		s.disarmStart(auctionID)
		if s.d.Gate != nil {
			if err := s.d.Gate.Seed(ctx, a.ID, a.CurrentPrice); err != nil {
				slog.Warn("seed price gate", slog.String("auction_id", a.ID), slog.Any("err", err))
			}
		}
		s.ArmEnd(a.ID, a.EndDeadline())
		s.publish(broadcast.UpdateActivated, &a)
		slog.Info("auction activated", slog.String("auction_id", a.ID), slog.Time("ends_at", a.EndDeadline()))
	case OutcomeCancelled:
		slog.Warn("auction missed its start window, cancelled", slog.String("auction_id", a.ID))
		s.finished(ctx, &a)
	}
	metrics.LifecycleTransitionsTotal.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

func (s *Scheduler) disarmStart(auctionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.starts[auctionID]; ok {
		cur.timer.Stop()
		delete(s.starts, auctionID)
	}
}

// HandleDeadline processes an ACTIVE auction whose end deadline may have
// passed. The deadline is re-checked under the row lock, so a timer that
// lost the race against a deadline-moving bid changes nothing.
//
//   - regular end reached, no overtime yet: overtime starts now
//   - overtime expired (or the whole entry window passed unseen): close, or
//     cancel when nobody bid
func (s *Scheduler) HandleDeadline(ctx context.Context, auctionID string) (Outcome, error) {
	var (
		outcome Outcome
		seen    auction.Auction
		changed []auction.Bid
	)
	a, err := s.d.Store.Update(ctx, auctionID, func(ctx context.Context, a *auction.Auction, l auction.Ledger) error {
		now := s.d.Now()
		seen = *a
		if a.Status != auction.StatusActive {
			return errSkip
		}
		if !a.DeadlinePassed(now) {
			outcome = OutcomeNotDue
			return errSkip
		}
		if !a.OvertimeStarted && !now.After(a.OvertimeEntryDeadline()) {
			outcome = OutcomeOvertime
			return a.StartOvertime(now)
		}
		if a.Winner == "" {
			outcome = OutcomeCancelled
			return a.Cancel()
		}
		ledger, err := l.List(ctx)
		if err != nil {
			return fmt.Errorf("load ledger: %w", err)
		}
		changed, err = a.Close(ledger)
		if err != nil {
			return err
		}
		outcome = OutcomeEnded
		return l.SetStatuses(ctx, changed)
	})
	if errors.Is(err, errSkip) {
		if outcome == OutcomeNotDue {
			// stale or early timer: make sure the real deadline is armed
			s.ArmEnd(seen.ID, seen.EndDeadline())
		}
		return outcome, nil
	}
	if err != nil {
		return OutcomeNone, s.logFailure("deadline", auctionID, err)
	}

	switch outcome {
	case OutcomeOvertime:
		s.ArmEnd(a.ID, a.EndDeadline())
		s.publish(broadcast.UpdateOvertime, &a)
		slog.Info("auction entered overtime", slog.String("auction_id", a.ID), slog.Time("overtime_end", a.EndDeadline()))
	case OutcomeEnded:
		slog.Info("auction ended", slog.String("auction_id", a.ID), slog.String("winner_id", a.Winner),
			slog.Int64("winning_bid", *a.WinningBid), slog.Int("settled_bids", len(changed)))
		s.finished(ctx, &a)
	case OutcomeCancelled:
		slog.Info("auction cancelled without bids", slog.String("auction_id", a.ID))
		s.finished(ctx, &a)
	}
	metrics.LifecycleTransitionsTotal.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

// finished runs the post-commit side effects of ENDED / CANCELLED.
func (s *Scheduler) finished(ctx context.Context, a *auction.Auction) {
	s.disarm(a.ID)
	if s.d.Gate != nil {
		if err := s.d.Gate.Forget(ctx, a.ID); err != nil {
			slog.Warn("forget price gate", slog.String("auction_id", a.ID), slog.Any("err", err))
		}
	}
	if s.d.Events != nil {
		if err := s.d.Events.AuctionFinished(a, ""); err != nil {
			slog.Error("publish auction finished", slog.String("auction_id", a.ID), slog.Any("err", err))
		}
	}
	kind := broadcast.UpdateClosed
	if a.Status == auction.StatusCancelled {
		kind = broadcast.UpdateCancelled
	}
	s.publish(kind, a)
}

func (s *Scheduler) publish(kind broadcast.UpdateType, a *auction.Auction) {
	if s.d.Hub != nil {
		s.d.Hub.Publish(broadcast.NewUpdate(kind, a, s.d.Now()))
	}
}

func (s *Scheduler) logFailure(step, auctionID string, err error) error {
	log := slog.With(slog.String("step", step), slog.String("auction_id", auctionID), slog.Any("err", err))
	switch {
	case errors.Is(err, auction.ErrLockTimeout):
		log.Warn("lifecycle step hit lock timeout, next sweep retries")
	case errors.Is(err, auction.ErrInvalidTransition):
		log.Error("lifecycle invariant violation")
	default:
		log.Error("lifecycle step failed")
	}
	return err
}

// ---- sweeps ----

// ActivateDue activates every SCHEDULED auction whose start time has passed.
func (s *Scheduler) ActivateDue(ctx context.Context) SweepResult {
	var res SweepResult
	ids, err := s.d.Store.DueForActivation(ctx, s.d.Now())
	if err != nil {
		slog.Error("list auctions due for activation", slog.Any("err", err))
		res.Failed++
		return res
	}
	for _, id := range ids {
		res.add(s.Activate(ctx, id))
	}
	return res
}

// ProcessDeadlines handles every ACTIVE auction whose end deadline has passed.
func (s *Scheduler) ProcessDeadlines(ctx context.Context) SweepResult {
	var res SweepResult
	ids, err := s.d.Store.DueForDeadline(ctx, s.d.Now())
	if err != nil {
		slog.Error("list auctions due for deadline", slog.Any("err", err))
		res.Failed++
		return res
	}
	for _, id := range ids {
		res.add(s.HandleDeadline(ctx, id))
	}
	return res
}

func (s *Scheduler) Sweep(ctx context.Context) SweepResult {
	a := s.ActivateDue(ctx)
	d := s.ProcessDeadlines(ctx)
	return SweepResult{
		Activated: a.Activated,
		Overtime:  d.Overtime,
		Ended:     d.Ended,
		Cancelled: a.Cancelled + d.Cancelled,
		Failed:    a.Failed + d.Failed,
	}
}

// Recover rebuilds every timer from durable state and reseeds the price
// gate. It must complete before the process accepts bids.
func (s *Scheduler) Recover(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.d.Now()

	active, err := s.d.Store.ListByStatus(ctx, auction.StatusActive)
	if err != nil {
		return res, fmt.Errorf("list active auctions: %w", err)
	}
	for i := range active {
		a := &active[i]
		if s.d.Gate != nil {
			if err := s.d.Gate.Seed(ctx, a.ID, a.CurrentPrice); err != nil {
				slog.Warn("reseed price gate", slog.String("auction_id", a.ID), slog.Any("err", err))
			}
		}
		if a.DeadlinePassed(now) {
			res.add(s.HandleDeadline(ctx, a.ID))
			continue
		}
		s.ArmEnd(a.ID, a.EndDeadline())
	}

	scheduled, err := s.d.Store.ListByStatus(ctx, auction.StatusScheduled)
	if err != nil {
		return res, fmt.Errorf("list scheduled auctions: %w", err)
	}
	for _, a := range scheduled {
		if a.StartTime.After(now) {
			s.ArmStart(a.ID, a.StartTime)
			continue
		}
		res.add(s.Activate(ctx, a.ID))
	}

	slog.Info("scheduler recovered", slog.Int("active", len(active)), slog.Int("scheduled", len(scheduled)),
		slog.Int("activated", res.Activated), slog.Int("ended", res.Ended), slog.Int("cancelled", res.Cancelled))
	return res, nil
}

// Run sweeps every SweepInterval until ctx is done, then stops all timers.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.d.SweepInterval)
	defer t.Stop()
	defer s.stopAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.guard("sweep", "", func(hctx context.Context) {
				if res := s.Sweep(hctx); res != (SweepResult{}) {
					slog.Info("sweep", slog.Any("result", res))
				}
			})
		}
	}
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.starts {
		a.timer.Stop()
		delete(s.starts, id)
	}
	for id, a := range s.ends {
		a.timer.Stop()
		delete(s.ends, id)
	}
}
