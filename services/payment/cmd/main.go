// Payment Service - платёжный сервис поверх шлюза ZaloPay.
// Принимает callback шлюза, сверяет зависшие транзакции по расписанию,
// проводит возвраты и публикует результаты через outbox в Kafka.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"example.com/order-payment/pkg/circuitbreaker"
	"example.com/order-payment/pkg/config"
	dbpkg "example.com/order-payment/pkg/db"
	"example.com/order-payment/pkg/events"
	"example.com/order-payment/pkg/healthcheck"
	"example.com/order-payment/pkg/kafka"
	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/pkg/metrics"
	"example.com/order-payment/pkg/middleware"
	"example.com/order-payment/pkg/outbox"
	"example.com/order-payment/pkg/retry"
	"example.com/order-payment/pkg/scheduler"
	"example.com/order-payment/pkg/tracing"
	"example.com/order-payment/services/payment/internal/callback"
	"example.com/order-payment/services/payment/internal/consumer"
	"example.com/order-payment/services/payment/internal/domain"
	"example.com/order-payment/services/payment/internal/handler"
	"example.com/order-payment/services/payment/internal/idgen"
	"example.com/order-payment/services/payment/internal/reconcile"
	"example.com/order-payment/services/payment/internal/repository"
	"example.com/order-payment/services/payment/internal/service"
	"example.com/order-payment/services/payment/internal/zalopay"
)

const serviceName = "payment-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Level:   cfg.App.LogLevel,
		Pretty:  cfg.App.LogPretty,
		Service: serviceName,
	})
	log := logger.Logger()

	if err := cfg.ZaloPay.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Некорректная конфигурация шлюза")
	}
	policy, err := domain.ParseLateSuccessPolicy(cfg.Payment.LateSuccessPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("Некорректная политика запоздавшего SUCCESS")
	}

	log.Info().
		Str("env", cfg.App.Env).
		Str("addr", cfg.HTTP.Addr()).
		Dur("expiry", cfg.Payment.Expiry).
		Str("late_success_policy", string(policy)).
		Msg("Запуск Payment Service")

	// === Observability: Tracing ===

	shutdownTracing, err := tracing.InitTracer(tracing.Config{
		ServiceName:    serviceName,
		JaegerEndpoint: cfg.Jaeger.OTLPEndpoint(),
		Environment:    cfg.App.Env,
		Enabled:        cfg.Jaeger.Enabled,
		SampleRatio:    cfg.Jaeger.SampleRatio,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Не удалось инициализировать tracing")
	}

	// === Подключение к зависимостям ===

	db, err := dbpkg.ConnectMySQL(cfg.MySQL, cfg.IsDevelopment())
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к MySQL")
	}
	log.Info().Msg("Подключение к MySQL установлено")

	if err := dbpkg.Migrate(db, append(repository.Models(), &outbox.OutboxModel{})...); err != nil {
		log.Fatal().Err(err).Msg("Ошибка миграции")
	}

	rdb, err := dbpkg.ConnectRedis(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к Redis")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Redis")
		}
	}()
	log.Info().Msg("Подключение к Redis установлено")

	readinessCheck := healthcheck.Composite(
		healthcheck.MySQL(db),
		healthcheck.Redis(rdb),
		healthcheck.Kafka(cfg.Kafka.Brokers),
	)

	// === Observability: Metrics ===

	var metricsServer *metrics.Server
	var metricsWg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(
			cfg.Metrics.Addr(),
			serviceName,
			metrics.WithReadinessCheck(readinessCheck),
		)
		metricsWg.Add(1)
		go func() {
			defer metricsWg.Done()
			if err := metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Ошибка Metrics Server")
			}
		}()
	}

	// === Kafka ===

	kafkaCfg := kafka.Config{Brokers: cfg.Kafka.Brokers}

	topicsCtx, topicsCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := kafka.EnsureTopics(topicsCtx, kafkaCfg, events.TopicSpecs(cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor)); err != nil {
		log.Warn().Err(err).Msg("Не удалось создать топики (возможно Kafka недоступна)")
	}
	topicsCancel()

	kafkaProducer, err := kafka.NewProducer(kafkaCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка создания Kafka Producer")
	}

	// === Инициализация бизнес-логики ===

	gateway := zalopay.NewClient(zalopay.Config{
		AppID:       cfg.ZaloPay.AppID,
		Key1:        cfg.ZaloPay.Key1,
		Key2:        cfg.ZaloPay.Key2,
		BaseURL:     cfg.ZaloPay.BaseURL,
		CallbackURL: cfg.ZaloPay.CallbackURL,
		RedirectURL: cfg.ZaloPay.RedirectURL,
		BankCode:    cfg.ZaloPay.BankCode,
		Timeout:     cfg.ZaloPay.Timeout,
	}, zalopay.WithBreaker(circuitbreaker.NewWithSettings("zalopay", circuitbreaker.Settings{
		MaxRequests:  cfg.Breaker.HalfOpenMax,
		Interval:     cfg.Breaker.Interval,
		Timeout:      cfg.Breaker.OpenTimeout,
		FailureRatio: cfg.Breaker.FailureRatio,
		MinRequests:  cfg.Breaker.MinRequests,
	})))

	ids, err := idgen.New(cfg.App.NodeID, cfg.ZaloPay.AppID)
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка создания генератора идентификаторов")
	}

	txRepo := repository.NewTransactionRepository(db)
	refundRepo := repository.NewRefundRepository(db)
	callbackLogs := repository.NewCallbackLogRepository(db)
	outboxRepo := outbox.NewOutboxRepository(db, service.AggregatePayment, service.AggregateRefund)

	paymentService := service.NewPaymentService(txRepo, gateway, ids, rdb, service.Config{
		Expiry:            cfg.Payment.Expiry,
		LateSuccessPolicy: policy,
		IdempotencyTTL:    cfg.Payment.IdempotencyTTL,
	})
	refundService := service.NewRefundService(txRepo, refundRepo, gateway, ids)

	var rateLimiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		rateLimiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
			Redis:  rdb,
			Prefix: "ratelimit:payment:",
			Limit:  cfg.RateLimit.Requests,
			Window: cfg.RateLimit.Window,
		})
	}

	router := handler.NewRouter(handler.RouterConfig{
		Payments:       paymentService,
		Refunds:        refundService,
		Callback:       callback.NewHandler(cfg.ZaloPay.Key2, paymentService, callbackLogs),
		RateLimiter:    rateLimiter,
		ReadinessCheck: readinessCheck,
		Debug:          cfg.IsDevelopment(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var workersWg sync.WaitGroup
	goWorker := func(name string, run func(ctx context.Context)) {
		workersWg.Add(1)
		go func() {
			defer workersWg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("worker", name).Msg("Паника в фоновом воркере")
				}
			}()
			run(ctx)
		}()
	}

	// Outbox relay: события смены статусов → Kafka
	relay := outbox.NewRelay(outboxRepo, kafkaProducer, outbox.RelayConfig{
		PollInterval: cfg.Events.OutboxInterval,
		BatchSize:    cfg.Events.OutboxBatch,
		MaxRetries:   cfg.Events.OutboxRetries,
		Backoff:      outbox.DefaultRelayConfig().Backoff,
	}, "payment")
	goWorker("outbox", relay.Run)

	// Входящие события Order Service
	bridge := events.NewBridge(kafkaCfg, kafkaProducer, retry.Policy{
		MaxAttempts:     cfg.Events.MaxAttempts,
		InitialInterval: cfg.Events.InitialInterval,
		Multiplier:      cfg.Events.Multiplier,
		MaxInterval:     cfg.Events.MaxInterval,
	})
	if err := consumer.New(paymentService, refundService).Register(bridge); err != nil {
		log.Fatal().Err(err).Msg("Ошибка регистрации обработчиков событий")
	}
	goWorker("events", func(ctx context.Context) {
		if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Ошибка моста событий")
		}
	})

	// === Планировщики ===

	locker := scheduler.NewRedisLocker(rdb, cfg.Payment.LockTTL)

	reconciler := reconcile.NewReconciler(txRepo, paymentService, reconcile.Config{
		Expiry: cfg.Payment.Expiry,
		Delay:  cfg.Payment.ReconcileDelay,
		Batch:  cfg.Payment.ReconcileBatch,
	})
	reconcileJob := scheduler.NewFixedDelay("payment-reconcile", cfg.Payment.ReconcileDelay, reconciler.Task(),
		scheduler.WithInitialDelay(cfg.Payment.ReconcileDelay),
		scheduler.WithLocker(locker),
		scheduler.WithTimeout(cfg.Payment.LockTTL),
	)
	goWorker("reconcile", reconcileJob.Run)

	refundChecker := reconcile.NewRefundChecker(refundRepo, refundService, reconcile.RefundCheckerConfig{
		Throttle: cfg.Refund.ThrottleDelay,
		MaxAge:   cfg.Refund.MaxAge,
		Batch:    cfg.Refund.Batch,
	})
	refundJob := scheduler.NewFixedDelay("refund-check", cfg.Refund.CheckDelay, refundChecker.Task(),
		scheduler.WithInitialDelay(cfg.Refund.InitialDelay),
		scheduler.WithLocker(locker),
		scheduler.WithTimeout(cfg.Payment.LockTTL),
	)
	goWorker("refund-check", refundJob.Run)

	// Очистка опубликованных событий и журнала callback
	retention := cron.New(cron.WithSeconds())
	if _, err := retention.AddFunc(cfg.Retention.Schedule, func() {
		cleanupRetention(ctx, relay, callbackLogs, cfg.Retention)
	}); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.Retention.Schedule).Msg("Некорректное расписание очистки")
	}
	retention.Start()

	// === HTTP Server ===

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP сервер запущен")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Ошибка HTTP сервера")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Получен сигнал завершения, останавливаем сервер...")

	// Сначала перестаём принимать callback и запросы, затем останавливаем воркеры
	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки HTTP сервера")
	}
	httpCancel()

	<-retention.Stop().Done()
	cancel()
	workersWg.Wait()

	if err := bridge.Close(); err != nil {
		log.Error().Err(err).Msg("Ошибка закрытия потребителей событий")
	}
	if err := kafkaProducer.Close(); err != nil {
		log.Error().Err(err).Msg("Ошибка закрытия Kafka Producer")
	}

	dbpkg.Close(db)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Metrics Server")
		}
		metricsWg.Wait()
	}

	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Tracing")
		}
	}

	log.Info().Msg("Payment Service остановлен")
}

// cleanupRetention удаляет записи старше сроков хранения.
func cleanupRetention(ctx context.Context, relay *outbox.Relay, logs repository.CallbackLogRepository, cfg config.RetentionConfig) {
	log := logger.Component("retention")

	if n, err := relay.Purge(ctx, cfg.OutboxTTL); err != nil {
		log.Error().Err(err).Msg("Ошибка очистки outbox")
	} else {
		log.Info().Int64("deleted", n).Msg("Outbox очищен")
	}

	if n, err := logs.DeleteBefore(ctx, time.Now().Add(-cfg.LogTTL)); err != nil {
		log.Error().Err(err).Msg("Ошибка очистки журнала callback")
	} else {
		log.Info().Int64("deleted", n).Msg("Журнал callback очищен")
	}
}
