// Package gate is the fast price pre-filter in front of the durable bid path.
//
// The gate holds a soft copy of each auction's price in Redis. A bid passes
// only if it strictly exceeds that copy, and passing raises the copy in the
// same atomic script. Passing the gate is never acceptance: the durable
// store re-validates every bid under the auction row lock.
package gate

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-realtime-auctions/internal/redisx"
	"github.com/redis/go-redis/v9"
	"time"
)

// ErrUnavailable means the gate cannot answer. Callers fall back to the
// durable path; it is never reported to a bidder.
var ErrUnavailable = errors.New("price gate unavailable")

// KEYS[1] price key, ARGV[1] amount, ARGV[2] ttl seconds.
// An unseeded key admits: the durable check decides.
var admitScript = redis.NewScript(`
local curr = tonumber(redis.call('GET', KEYS[1]))
local bid = tonumber(ARGV[1])
if curr == nil or bid > curr then
	redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
	return 1
end
return 0
`)

// KEYS[1] price key, ARGV[1] attempted amount, ARGV[2] durable price, ARGV[3] ttl seconds.
// Only rolls back if nobody has raised the gate since the failed attempt.
var restoreScript = redis.NewScript(`
local curr = redis.call('GET', KEYS[1])
if curr == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[2], 'EX', ARGV[3])
	return 1
end
return 0
`)

type Gate struct {
	rdb     *redis.Client
	breaker *Breaker
	ttl     time.Duration
}

func New(rdb *redis.Client, breaker *Breaker) *Gate {
	if breaker == nil {
		breaker = NewBreaker(DefaultBreakerConfig("price-gate"))
	}
	return &Gate{rdb: rdb, breaker: breaker, ttl: redisx.TTLAuctionPrice}
}

func key(auctionID string) string {
	return fmt.Sprintf(redisx.KeyAuctionPrice, auctionID)
}

func (g *Gate) ttlSeconds() int64 {
	return int64(g.ttl / time.Second)
}

// call runs op behind the breaker and converts store failures to ErrUnavailable.
func (g *Gate) call(op func() error) error {
	err := g.breaker.Execute(op)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errBreakerRejected):
		return ErrUnavailable
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// TryAdmit atomically checks amount > gate price and, if so, raises the gate
// price to amount. false means the bid is certainly too low.
func (g *Gate) TryAdmit(ctx context.Context, auctionID string, amount int64) (bool, error) {
	var ok int
	err := g.call(func() error {
		n, err := admitScript.Run(ctx, g.rdb, []string{key(auctionID)}, amount, g.ttlSeconds()).Int()
		ok = n
		return err
	})
	if err != nil {
		return false, err
	}
	return ok == 1, nil
}

// Seed overwrites the gate with the durable price (activation, recovery).
func (g *Gate) Seed(ctx context.Context, auctionID string, price int64) error {
	return g.call(func() error {
		return g.rdb.Set(ctx, key(auctionID), price, g.ttl).Err()
	})
}

// Restore undoes a gate raise whose durable commit failed.
func (g *Gate) Restore(ctx context.Context, auctionID string, attempted, durable int64) (bool, error) {
	var ok int
	err := g.call(func() error {
		n, err := restoreScript.Run(ctx, g.rdb, []string{key(auctionID)}, attempted, durable, g.ttlSeconds()).Int()
		ok = n
		return err
	})
	if err != nil {
		return false, err
	}
	return ok == 1, nil
}

// Forget drops the gate entry once the auction stops accepting bids.
func (g *Gate) Forget(ctx context.Context, auctionID string) error {
	return g.call(func() error {
		return g.rdb.Del(ctx, key(auctionID)).Err()
	})
}

// Price reads the gate value; ok is false when unseeded.
func (g *Gate) Price(ctx context.Context, auctionID string) (price int64, ok bool, err error) {
	err = g.call(func() error {
		v, err := g.rdb.Get(ctx, key(auctionID)).Int64()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		price, ok = v, true
		return nil
	})
	return price, ok, err
}

func (g *Gate) BreakerState() BreakerState {
	return g.breaker.State()
}
