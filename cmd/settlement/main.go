package main

import (
	"context"
	"github.com/ariefcatur/go-realtime-auctions/internal/auction"
	"github.com/ariefcatur/go-realtime-auctions/internal/config"
	kafkax "github.com/ariefcatur/go-realtime-auctions/internal/kafka"
	"github.com/ariefcatur/go-realtime-auctions/internal/logx"
	"github.com/ariefcatur/go-realtime-auctions/internal/redisx"
	"github.com/ariefcatur/go-realtime-auctions/internal/settlement"
	"github.com/joho/godotenv"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	name := cfg.ServiceName + "-settlement"
	slog.SetDefault(logx.New(cfg.LogLevel, cfg.LogFormat).With(slog.String("service", name)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis (dedup)
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		slog.Warn("redis unreachable at startup, dedup degraded", slog.Any("err", err))
	}

	svc := &settlement.Service{
		Redis:       rdb,
		Sink:        settlement.LogSink{},
		ServiceName: name,
	}

	// Consumer
	topics := []string{auction.TopicAuctionClosed, auction.TopicBidOutbid}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.SettlementGroup, topics, cfg.SettlementWorkers)

	done := make(chan struct{})
	go func() {
		defer close(done)
		slog.Info("settlement consumer started", slog.String("group", cfg.SettlementGroup),
			slog.Any("topics", topics), slog.Int("workers", cfg.SettlementWorkers))
		if err := cons.Start(ctx, svc.Handle); err != nil {
			slog.Error("consumer exit", slog.Any("err", err))
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	slog.Info("shutting down consumer...")
	cancel()
	<-done
}
