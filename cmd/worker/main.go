package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/cart"
	"github.com/ariefcatur/go-marketplace-checkout/internal/config"
	kafkax "github.com/ariefcatur/go-marketplace-checkout/internal/kafka"
	"github.com/ariefcatur/go-marketplace-checkout/internal/ledger"
	"github.com/ariefcatur/go-marketplace-checkout/internal/logging"
	"github.com/ariefcatur/go-marketplace-checkout/internal/metrics"
	"github.com/ariefcatur/go-marketplace-checkout/internal/notify"
	"github.com/ariefcatur/go-marketplace-checkout/internal/orders"
	"github.com/ariefcatur/go-marketplace-checkout/internal/postgres"
	"github.com/ariefcatur/go-marketplace-checkout/internal/redisx"
	"github.com/ariefcatur/go-marketplace-checkout/internal/telemetry"
	"github.com/ariefcatur/go-marketplace-checkout/internal/webhook"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	cfg.ServiceName += "-worker"

	log := logging.MustNew(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal("tracing", zap.Error(err))
	}

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	store := postgres.NewStore(db)

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	pNotify := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderNotifications, 1024, log)
	pNotify.Start()
	// dead letters are acknowledged before the offset moves on
	pDLQ := kafkax.NewSyncProducer(cfg.KafkaBrokers, orders.TopicPaymentWebhookDLQ)

	l := &ledger.Ledger{Store: store, TTL: cfg.ReservationTTL, Log: log, Metrics: m}
	carts := &cart.Service{Store: store, Ledger: l, Catalog: store, Checkouts: store, TTL: cfg.ReservationTTL, Log: log}
	machine := &orders.Machine{
		Store: store, Ledger: l, Carts: carts, Log: log, Metrics: m,
		Notifier: &notify.Kafka{Producer: pNotify, ServiceName: cfg.ServiceName},
	}
	consumer := &webhook.Consumer{
		Processor: &webhook.Processor{
			Handler: &webhook.Reconciler{
				Store: store, Machine: machine, Log: log, Metrics: m,
				Dedup: &redisx.Dedup{Client: rdb, Service: cfg.ServiceName},
			},
			DeadLetters: &webhook.KafkaDeadLetters{Producer: pDLQ, ServiceName: cfg.ServiceName},
			MaxRetries:  cfg.WebhookMaxRetries,
			Log:         log,
			Metrics:     m,
		},
		Log: log,
	}
	sweeper := &ledger.Sweeper{Ledger: l, Interval: cfg.SweepInterval, Log: log}

	// metrics only; the worker serves no API
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.WorkerGroup, orders.TopicPaymentWebhook, cfg.WorkerCount, log)
		log.Info("webhook_consumer_started",
			zap.String("group", cfg.WorkerGroup), zap.String("topic", orders.TopicPaymentWebhook), zap.Int("workers", cfg.WorkerCount))
		return cons.Start(gctx, consumer.HandleMessage)
	})
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("worker_exit", zap.Error(err))
	}
	log.Info("shutting_down")

	pNotify.Close()
	pNotify.WaitClosed()
	if err := pDLQ.Close(); err != nil {
		log.Warn("kafka_writer_close", zap.Error(err))
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := shutdownTracing(ctx2); err != nil {
		log.Warn("tracing_shutdown", zap.Error(err))
	}
}
