package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/cart"
	"github.com/ariefcatur/go-marketplace-checkout/internal/checkout"
	"github.com/ariefcatur/go-marketplace-checkout/internal/config"
	"github.com/ariefcatur/go-marketplace-checkout/internal/gateway"
	"github.com/ariefcatur/go-marketplace-checkout/internal/guestlink"
	"github.com/ariefcatur/go-marketplace-checkout/internal/httpx"
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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log := logging.MustNew(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.Env, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal("tracing", zap.Error(err))
	}

	// DB
	if cfg.RunMigrations {
		if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
			log.Fatal("migrate", zap.Error(err))
		}
	}
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()
	store := postgres.NewStore(db)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Kafka producers; closed in reverse order on shutdown
	var producers []*kafkax.Producer
	newProducer := func(topic string) *kafkax.Producer {
		p := kafkax.NewProducer(cfg.KafkaBrokers, topic, 1024, log)
		p.Start()
		producers = append(producers, p)
		return p
	}

	// webhook intake answers the gateway only after the broker acknowledged
	var syncProducers []*kafkax.SyncProducer
	newSyncProducer := func(topic string) *kafkax.SyncProducer {
		p := kafkax.NewSyncProducer(cfg.KafkaBrokers, topic)
		syncProducers = append(syncProducers, p)
		return p
	}

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	var notifier orders.Notifier = &notify.Log{Logger: log}
	if len(cfg.KafkaBrokers) > 0 {
		notifier = &notify.Kafka{Producer: newProducer(orders.TopicOrderNotifications), ServiceName: cfg.ServiceName}
	}

	// Core
	l := &ledger.Ledger{Store: store, TTL: cfg.ReservationTTL, Log: log, Metrics: m}
	carts := &cart.Service{Store: store, Ledger: l, Catalog: store, Checkouts: store, TTL: cfg.ReservationTTL, Log: log}
	machine := &orders.Machine{Store: store, Ledger: l, Carts: carts, Notifier: notifier, Log: log, Metrics: m}

	var gw gateway.Gateway = gateway.NewFake()
	if cfg.GatewayURL != "" {
		gw = gateway.NewBreaker(gateway.NewHTTPClient(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.GatewayTimeout), cfg.GatewayTimeout)
	} else {
		log.Warn("gateway_fake", zap.String("reason", "GATEWAY_URL not set"))
	}
	orch := &checkout.Orchestrator{
		Carts: carts, Ledger: l, Catalog: store, Gateway: gw, Store: store,
		Currency: cfg.Currency, HoldTTL: cfg.CheckoutHoldTTL, GatewayTimeout: cfg.GatewayTimeout, Log: log, Metrics: m,
		Results: &redisx.CheckoutResults{Client: rdb},
	}

	// Webhook intake
	var sink httpx.WebhookSink
	switch cfg.WebhookMode {
	case config.WebhookKafka:
		sink = &webhook.Queue{Producer: newSyncProducer(orders.TopicPaymentWebhook), ServiceName: cfg.ServiceName}
	default:
		rec := &webhook.Reconciler{
			Store: store, Machine: machine, Log: log, Metrics: m,
			Dedup: &redisx.Dedup{Client: rdb, Service: cfg.ServiceName},
		}
		proc := &webhook.Processor{Handler: rec, MaxRetries: cfg.WebhookMaxRetries, Log: log, Metrics: m}
		if len(cfg.KafkaBrokers) > 0 {
			proc.DeadLetters = &webhook.KafkaDeadLetters{Producer: newSyncProducer(orders.TopicPaymentWebhookDLQ), ServiceName: cfg.ServiceName}
		}
		sink = proc
	}

	router := httpx.NewRouter(log, reg,
		&httpx.CartHandler{Carts: carts, Stock: l},
		&httpx.CheckoutHandler{Checkout: orch, Timeout: cfg.GatewayTimeout + 5*time.Second},
		&httpx.OrdersHandler{Machine: machine, Query: &orders.Query{Store: store}, Linker: &guestlink.Linker{Store: store, Log: log}},
		&httpx.WebhookHandler{Secret: []byte(cfg.WebhookSecret), Sink: sink},
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpx.Handler(router, cfg.ServiceName),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("http_listening", zap.String("addr", cfg.HTTPAddr), zap.String("webhook_mode", cfg.WebhookMode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting_down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	for i := len(producers) - 1; i >= 0; i-- {
		producers[i].Close()
		producers[i].WaitClosed()
	}
	for _, p := range syncProducers {
		if err := p.Close(); err != nil {
			log.Warn("kafka_writer_close", zap.Error(err))
		}
	}
	if err := shutdownTracing(ctx2); err != nil {
		log.Warn("tracing_shutdown", zap.Error(err))
	}
}
