package gate

import (
	"errors"
	"github.com/sony/gobreaker/v2"
	"log/slog"
	"time"
)

type BreakerState int

const (
	BreakerClosed   BreakerState = iota // gate in use
	BreakerOpen                         // store considered down, skip the round trip
	BreakerHalfOpen                     // trial calls allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func fromGobreaker(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// Breaker isolates the bid path from an unhealthy gate store.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

type BreakerConfig struct {
	Name string
	// consecutive failures that open the breaker
	FailureThreshold int
	// consecutive half-open successes that close it again
	SuccessThreshold int
	Cooldown         time.Duration
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         10 * time.Second,
	}
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	threshold := uint32(cfg.FailureThreshold)
	return &Breaker{cb: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("gate breaker state change", slog.String("name", name),
				slog.String("from", fromGobreaker(from).String()), slog.String("to", fromGobreaker(to).String()))
		},
	})}
}

// Execute runs op unless the breaker is open. A rejected call returns
// errBreakerRejected without touching the store.
func (b *Breaker) Execute(op func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, op()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errBreakerRejected
	}
	return err
}

func (b *Breaker) State() BreakerState {
	return fromGobreaker(b.cb.State())
}

var errBreakerRejected = errors.New("breaker rejected call")
