package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// bid outcomes
const (
	OutcomeAccepted    = "accepted"
	OutcomeGateReject  = "gate_rejected"
	OutcomeRejected    = "rejected"
	OutcomeLockTimeout = "lock_timeout"
	OutcomeError       = "error"
)

// broadcast drop reasons
const (
	DropInboxFull      = "inbox_full"
	DropSlowSubscriber = "slow_subscriber"
	DropBusError       = "bus_error"
)

var (
	BidsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auction_bids_total",
			Help: "Bid attempts by outcome.",
		},
		[]string{"outcome"},
	)
	GateFallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auction_gate_fallback_total",
			Help: "Bids admitted on the durable path because the price gate was unavailable.",
		})
	LifecycleTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auction_lifecycle_transitions_total",
			Help: "Scheduler-driven transitions (activated, overtime, ended, cancelled).",
		},
		[]string{"kind"},
	)
	BroadcastDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auction_broadcast_dropped_total",
			Help: "Price updates not delivered, by reason.",
		},
		[]string{"reason"},
	)
	LiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "auction_live_subscribers",
			Help: "Open live-viewer subscriptions on this node.",
		})
	BidCommitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "auction_bid_commit_seconds",
			Help:    "Latency of the durable bid commit, lock wait included.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
