// Order Service - заказы и их жизненный цикл.
// Оформляет оплату заказов через Payment Service и применяет
// платёжные события из Kafka к статусам заказов.
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
	"example.com/order-payment/pkg/tracing"
	"example.com/order-payment/services/order/internal/handler"
	"example.com/order-payment/services/order/internal/lifecycle"
	"example.com/order-payment/services/order/internal/paymentclient"
	"example.com/order-payment/services/order/internal/repository"
	"example.com/order-payment/services/order/internal/service"
)

const serviceName = "order-service"

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

	log.Info().
		Str("env", cfg.App.Env).
		Str("addr", cfg.HTTP.Addr()).
		Str("payment_service", cfg.Services.PaymentURL).
		Msg("Запуск Order Service")

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

	checks := []healthcheck.Check{
		healthcheck.MySQL(db),
		healthcheck.Kafka(cfg.Kafka.Brokers),
	}

	// Redis нужен только для rate limiting
	var rateLimiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		rdb, err := dbpkg.ConnectRedis(cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка подключения к Redis")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Error().Err(err).Msg("Ошибка закрытия Redis")
			}
		}()
		rateLimiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
			Redis:  rdb,
			Prefix: "ratelimit:order:",
			Limit:  cfg.RateLimit.Requests,
			Window: cfg.RateLimit.Window,
		})
		checks = append(checks, healthcheck.Redis(rdb))
	}

	readinessCheck := healthcheck.Composite(checks...)

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

	eventsPolicy := retry.Policy{
		MaxAttempts:     cfg.Events.MaxAttempts,
		InitialInterval: cfg.Events.InitialInterval,
		Multiplier:      cfg.Events.Multiplier,
		MaxInterval:     cfg.Events.MaxInterval,
	}

	// === Инициализация бизнес-логики ===

	payments := paymentclient.New(paymentclient.Config{
		BaseURL: cfg.Services.PaymentURL,
		Timeout: cfg.Services.PaymentTimeout,
		Retry:   eventsPolicy,
	}, paymentclient.WithBreaker(circuitbreaker.NewWithSettings("payment-service", circuitbreaker.Settings{
		MaxRequests:  cfg.Breaker.HalfOpenMax,
		Interval:     cfg.Breaker.Interval,
		Timeout:      cfg.Breaker.OpenTimeout,
		FailureRatio: cfg.Breaker.FailureRatio,
		MinRequests:  cfg.Breaker.MinRequests,
	})))

	orderRepo := repository.NewOrderRepository(db)
	outboxRepo := outbox.NewOutboxRepository(db, service.AggregateOrder)
	orderService := service.NewOrderService(orderRepo, payments)

	router := handler.NewRouter(handler.RouterConfig{
		Orders:         orderService,
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

	// Outbox relay: ORDER_CREATED и ORDER_RETURN_APPROVED → Kafka
	relay := outbox.NewRelay(outboxRepo, kafkaProducer, outbox.RelayConfig{
		PollInterval: cfg.Events.OutboxInterval,
		BatchSize:    cfg.Events.OutboxBatch,
		MaxRetries:   cfg.Events.OutboxRetries,
		Backoff:      outbox.DefaultRelayConfig().Backoff,
	}, "order")
	goWorker("outbox", relay.Run)

	// Платёжные события → статусы заказов
	bridge := events.NewBridge(kafkaCfg, kafkaProducer, eventsPolicy)
	if err := lifecycle.New(orderRepo).Register(bridge); err != nil {
		log.Fatal().Err(err).Msg("Ошибка регистрации обработчиков событий")
	}
	goWorker("events", func(ctx context.Context) {
		if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Ошибка моста событий")
		}
	})

	retention := cron.New(cron.WithSeconds())
	if _, err := retention.AddFunc(cfg.Retention.Schedule, func() {
		if n, err := relay.Purge(ctx, cfg.Retention.OutboxTTL); err != nil {
			log.Error().Err(err).Msg("Ошибка очистки outbox")
		} else {
			log.Info().Int64("deleted", n).Msg("Outbox очищен")
		}
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

	log.Info().Msg("Order Service остановлен")
}
