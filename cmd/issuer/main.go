package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coupon-issuance/issuance"
	"coupon-issuance/issuance/application"
	"coupon-issuance/issuance/domain"
	"coupon-issuance/issuance/infra"
	"coupon-issuance/issuance/obs"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := readConfig(os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.logLevel, cfg.logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("issuer stopped", zap.Error(err))
	}
}

func run(cfg config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	catalog, err := infra.LoadCatalog(cfg.catalogPath)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.redisAddr,
		Password: cfg.redisPassword,
		DB:       cfg.redisDB,
	})
	defer func() { _ = rdb.Close() }()

	pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
	_, err = rdb.Ping(pingCtx).Result()
	pingCancel()
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	keys := infra.NewKeys(cfg.keyPrefix)
	stock := infra.NewRedisStockLedger(rdb, keys)
	queue := infra.NewRedisFairnessQueue(rdb, keys)
	tracker := infra.NewRedisRequestTracker(rdb, keys, infra.WithRetention(cfg.requestRetention))
	ranking := infra.NewRedisRankingStore(rdb, keys)
	locks := infra.NewRedisLocker(rdb)

	// estoque só é semeado se a chave não existe: reiniciar o processo não
	// devolve o que já foi emitido.
	for _, spec := range catalog.All() {
		created, err := stock.Init(ctx, spec.Type, spec.Stock)
		if err != nil {
			return fmt.Errorf("seed stock for %s: %w", spec.Type, err)
		}
		logger.Info("resource type loaded",
			zap.String("resource_type", spec.Type),
			zap.Int64("stock", spec.Stock),
			zap.String("mode", string(spec.Mode)),
			zap.Bool("seeded", created))
	}

	grants, closeGrants, err := openGrants(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeGrants()

	broker, closeBroker, err := openBroker(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBroker()

	metrics := obs.NewMetrics(prometheus.DefaultRegisterer)

	events := application.NewDispatcher(1024, logger.Named("events"), metrics)
	defer events.Close()
	events.Subscribe("ranking", application.RankingRecorder(ranking))

	slots := infra.NewKeyedPool(1)
	lockKey := keys.Lock

	issuer := &application.Issuer{
		Catalog: catalog,
		Locks:   locks,
		Stock:   stock,
		Queue:   queue,
		Grants:  grants,
		Slots:   slots,
		Lock: application.LockOptions{
			TTL:        cfg.lockTTL,
			Retries:    cfg.lockRetries,
			RetryDelay: cfg.lockRetryDelay,
		},
		LockKey: lockKey,
		Events:  events,
		Logger:  logger.Named("issuer"),
		Metrics: metrics,
	}
	intake := &application.Intake{
		Catalog: catalog,
		Tracker: tracker,
		Broker:  broker,
		Logger:  logger.Named("intake"),
		Metrics: metrics,
	}
	consumer := &application.Consumer{
		Tracker: tracker,
		Broker:  broker,
		Grants:  grants,
		Stock:   stock,
		Queue:   queue,
		Slots:   slots,
		Group:   cfg.kafkaGroup,
		Retry:   application.Backoff{Attempts: cfg.consumerMaxAttempts},
		Events:  events,
		Logger:  logger.Named("consumer"),
		Metrics: metrics,
	}
	compensator := &application.Compensator{
		Stock:   stock,
		Grants:  grants,
		Ranking: ranking,
		Logger:  logger.Named("compensation"),
		Metrics: metrics,
	}
	reservations := &application.Reservations{
		Catalog:     catalog,
		Grants:      grants,
		Stock:       stock,
		Ranking:     ranking,
		Compensator: compensator,
		Timeout:     cfg.reservationTimeout,
		Logger:      logger.Named("reservations"),
		Metrics:     metrics,
	}
	defer reservations.Close()

	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("consumer stopped", zap.Error(err))
			cancel()
		}
	}()
	if cfg.broker == "memory" {
		// sem consumidor externo de issue-response: drena para não acumular.
		go func() {
			_ = broker.Subscribe(ctx, domain.TopicIssueResponse, "issuer-local", func(_ context.Context, msg domain.Message) error {
				logger.Debug("issue response", zap.ByteString("payload", msg.Value))
				return nil
			})
		}()
	}

	srv := &issuance.Server{
		Issuer:         issuer,
		Intake:         intake,
		Status:         &application.StatusReader{Catalog: catalog, Stock: stock, Queue: queue},
		Reservations:   reservations,
		MetricsHandler: promhttp.Handler(),
		BusyRetryAfter: cfg.lockRetryDelay * time.Duration(cfg.lockRetries+1),
		Logger:         logger.Named("http"),
	}

	h := srv.Routes()
	h = issuance.Concurrency(issuance.ConcurrencyOptions{
		Max:            cfg.concurrencyMax,
		AcquireTimeout: cfg.concurrencyTimeout,
	})(h)
	if cfg.rateEnabled {
		limiter := infra.NewLimiterStore(cfg.rateRPS, cfg.rateBurst)
		limiter.StartJanitor(ctx)
		h = issuance.RateLimit(issuance.RateLimitOptions{
			Store:               limiter,
			TrustXForwardedFor:  cfg.trustXFF,
			RetryAfter:          cfg.retryAfter,
			AddRateLimitHeaders: cfg.addHeaders,
		})(h)
	}

	httpSrv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("issuer listening",
		zap.String("addr", cfg.listenAddr),
		zap.String("broker", cfg.broker),
		zap.String("persistence", cfg.persistence),
		zap.Duration("lock_ttl", cfg.lockTTL),
		zap.Int("lock_retries", cfg.lockRetries),
		zap.Bool("rate_enabled", cfg.rateEnabled),
		zap.Float64("rate_rps", cfg.rateRPS),
		zap.Int("rate_burst", cfg.rateBurst),
		zap.Int("concurrency_max", cfg.concurrencyMax))

	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func openGrants(ctx context.Context, cfg config) (domain.GrantRepository, func(), error) {
	switch cfg.persistence {
	case "postgres":
		repo, err := infra.ConnectPostgres(ctx, cfg.databaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		return repo, repo.Close, nil
	default:
		repo, err := infra.OpenSQLite(cfg.sqlitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		return repo, func() { _ = repo.Close() }, nil
	}
}

func openBroker(cfg config, logger *zap.Logger) (domain.Broker, func(), error) {
	switch cfg.broker {
	case "kafka":
		b, err := infra.NewKafkaBroker(cfg.kafkaBrokers, infra.WithKafkaLogger(logger.Named("kafka")))
		if err != nil {
			return nil, nil, fmt.Errorf("kafka: %w", err)
		}
		return b, func() { _ = b.Close() }, nil
	default:
		b := infra.NewMemoryBroker(
			infra.WithPartitions(cfg.brokerPartitions),
			infra.WithBrokerLogger(logger.Named("broker")),
		)
		return b, func() {}, nil
	}
}
