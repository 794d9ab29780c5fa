package main

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-realtime-auctions/internal/auction"
	"github.com/ariefcatur/go-realtime-auctions/internal/bidding"
	"github.com/ariefcatur/go-realtime-auctions/internal/broadcast"
	"github.com/ariefcatur/go-realtime-auctions/internal/config"
	"github.com/ariefcatur/go-realtime-auctions/internal/events"
	"github.com/ariefcatur/go-realtime-auctions/internal/gate"
	"github.com/ariefcatur/go-realtime-auctions/internal/httpx"
	kafkax "github.com/ariefcatur/go-realtime-auctions/internal/kafka"
	"github.com/ariefcatur/go-realtime-auctions/internal/logx"
	"github.com/ariefcatur/go-realtime-auctions/internal/postgres"
	"github.com/ariefcatur/go-realtime-auctions/internal/redisx"
	"github.com/ariefcatur/go-realtime-auctions/internal/scheduler"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// factSink is what both the scheduler and the bid service publish to.
type factSink interface {
	scheduler.Events
	bidding.Events
}

func fatal(msg string, err error) {
	slog.Error(msg, slog.Any("err", err))
	os.Exit(1)
}

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	slog.SetDefault(logx.New(cfg.LogLevel, cfg.LogFormat).With(slog.String("service", cfg.ServiceName)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store
	var store auction.Store
	switch cfg.Store {
	case "memory":
		slog.Warn("using in-memory store, state is lost on restart")
		store = auction.NewMemStore(cfg.LockTimeout)
	default:
		if cfg.RunMigrations {
			if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
				fatal("db migrate", err)
			}
		}
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			fatal("db connect", err)
		}
		defer db.Close()
		store = &auction.Repo{DB: db, LockTimeout: cfg.LockTimeout}
	}

	// Redis: price gate, bus, display names
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		slog.Warn("redis unreachable at startup, running degraded", slog.Any("err", err))
	}

	var (
		bidGate   bidding.Gate
		schedGate scheduler.Gate
	)
	if cfg.GateEnabled {
		g := gate.New(rdb, gate.NewBreaker(gate.DefaultBreakerConfig("price-gate")))
		bidGate, schedGate = g, g
	}

	// Broadcast bus
	var bus broadcast.Bus
	switch cfg.BroadcastBus {
	case "local":
		slog.Warn("local broadcast bus, viewers only see updates from this node")
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName), nats.MaxReconnects(-1), nats.ReconnectWait(time.Second))
		if err != nil {
			fatal("nats connect", err)
		}
		defer nc.Close()
		bus = broadcast.NewNATSBus(nc)
	default:
		bus = broadcast.NewRedisBus(rdb)
	}
	hub := broadcast.NewHub(bus, broadcast.HubOptions{})
	hubCtx, stopHub := context.WithCancel(ctx)
	hub.Start(hubCtx)

	// Kafka producers: closed + outbid facts
	var (
		facts     factSink = events.Discard{}
		producers []*kafkax.Producer
	)
	if cfg.FactsEnabled {
		pClosed := kafkax.NewProducer(cfg.KafkaBrokers, auction.TopicAuctionClosed, 1024)
		pClosed.Start(ctx)
		pOutbid := kafkax.NewProducer(cfg.KafkaBrokers, auction.TopicBidOutbid, 1024)
		pOutbid.Start(ctx)
		producers = append(producers, pClosed, pOutbid)
		facts = &events.Publisher{Closed: pClosed, Outbid: pOutbid, Service: cfg.ServiceName}
	} else {
		slog.Warn("fact publishing disabled, settlement will not see closed auctions")
	}

	// Lifecycle
	sched := scheduler.New(scheduler.Deps{
		Store:         store,
		Gate:          schedGate,
		Hub:           hub,
		Events:        facts,
		SweepInterval: cfg.SweepInterval,
	})
	svc := &bidding.Service{
		Store:     store,
		Gate:      bidGate,
		Hub:       hub,
		Deadlines: sched,
		Events:    facts,
		Names:     redisx.NameDirectory{RDB: rdb},
	}

	// timers and the gate must be rebuilt before the first bid is admitted
	if _, err := sched.Recover(ctx); err != nil {
		fatal("scheduler recover", err)
	}
	go sched.Run(ctx)

	// HTTP
	router := httpx.NewRouter()
	(&httpx.AuctionsHandler{Bids: svc, Validate: httpx.NewValidator()}).Register(router)
	(&httpx.StreamHandler{Hub: hub, State: svc}).Register(router)
	(&httpx.AdminHandler{Lifecycle: sched}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	// live streams never finish on their own; stopping the hub ends them
	srv.RegisterOnShutdown(stopHub)

	go func() {
		slog.Info("HTTP listening", slog.String("addr", cfg.HTTPAddr), slog.String("store", cfg.Store),
			slog.String("bus", cfg.BroadcastBus), slog.Bool("gate", cfg.GateEnabled))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("listen", err)
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	slog.Info("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	for _, p := range producers {
		p.Close()
	}
	cancel() // stops scheduler, hub, producer loops
	for _, p := range producers {
		p.WaitClosed()
	}
}
