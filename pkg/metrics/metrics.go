// Package metrics предоставляет Prometheus метрики обоих сервисов
// и HTTP server для /metrics, /healthz и /readyz.
//
// Использование:
//
//	srv := metrics.NewServer(":9090", "payment-service", metrics.WithReadinessCheck(check))
//	go srv.Start()
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/order-payment/pkg/logger"
)

// =============================================================================
// HTTP метрики
// =============================================================================

var (
	// RequestsTotal - счётчик HTTP запросов.
	// PromQL: rate(requests_total{service="payment-service", method="/callback"}[5m])
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Общее количество запросов по сервису, методу и статусу",
		},
		[]string{"service", "method", "status"},
	)

	// RequestDuration - гистограмма latency запросов, от 5ms до 10s.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "Время выполнения запроса в секундах",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method"},
	)
)

// =============================================================================
// Доменные метрики
// =============================================================================

var (
	// GatewayCalls - вызовы платёжного шлюза по операции и результату (ok / error / open).
	GatewayCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_calls_total",
			Help: "Вызовы платёжного шлюза",
		},
		[]string{"operation", "result"},
	)

	// GatewayDuration - latency вызовов шлюза.
	GatewayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_call_duration_seconds",
			Help:    "Время вызова платёжного шлюза в секундах",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	// PaymentTransitions - переходы статуса платежа по источнику (callback / reconcile / sync).
	// Считаются только применённые переходы, NO_OP учитывается в PaymentNoops.
	PaymentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_transitions_total",
			Help: "Применённые переходы статуса платежа",
		},
		[]string{"status", "source"},
	)

	// PaymentNoops - повторные или запоздавшие результаты, не изменившие состояние.
	PaymentNoops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_noop_total",
			Help: "Результаты оплаты, не изменившие терминальный статус",
		},
		[]string{"reason", "source"},
	)

	// CallbackResults - ответы callback endpoint по return_code.
	CallbackResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callback_results_total",
			Help: "Результаты обработки callback от платёжного шлюза",
		},
		[]string{"return_code"},
	)

	// SchedulerRuns - прогоны фоновых задач и их длительность.
	SchedulerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_runs_total",
			Help: "Прогоны фоновых задач",
		},
		[]string{"task", "result"},
	)

	SchedulerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_run_duration_seconds",
			Help:    "Длительность прогона фоновой задачи",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"task"},
	)

	// RefundTransitions - терминальные статусы возвратов.
	RefundTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refund_transitions_total",
			Help: "Переходы статуса возвратов",
		},
		[]string{"status", "source"},
	)

	// EventsPublished - публикация событий из outbox.
	// result: published / failed / dead.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Публикация доменных событий",
		},
		[]string{"kind", "result"},
	)

	// ConsumerLag - отставание очереди (consumer group) от конца топика после последнего коммита.
	ConsumerLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "events_consumer_lag",
			Help: "Отставание потребителя событий в сообщениях",
		},
		[]string{"queue"},
	)

	// RateLimited - запросы, отклонённые rate limiter, по маршруту.
	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Запросы, отклонённые по лимиту",
		},
		[]string{"route"},
	)

	// BreakerState - текущее состояние circuit breaker удалённой стороны.
	// 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Состояние circuit breaker (0 closed, 1 half-open, 2 open)",
		},
		[]string{"remote"},
	)

	// BreakerRejections - вызовы, отклонённые открытым breaker без обращения к удалённой стороне.
	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_rejections_total",
			Help: "Вызовы, отклонённые circuit breaker",
		},
		[]string{"remote"},
	)

	// EventsConsumed - обработка событий потребителями.
	// result: ok / retried / dead_letter / skipped.
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_consumed_total",
			Help: "Обработка доменных событий",
		},
		[]string{"kind", "result"},
	)
)

// =============================================================================
// HTTP Server для /metrics endpoint
// =============================================================================

// ReadinessChecker - функция проверки готовности сервиса.
type ReadinessChecker func(ctx context.Context) error

// Server - HTTP сервер для экспорта метрик Prometheus.
type Server struct {
	httpServer     *http.Server
	service        string
	readinessCheck ReadinessChecker
}

// Option - функциональная опция для настройки Server.
type Option func(*Server)

// WithReadinessCheck добавляет проверку готовности для /readyz.
// Если checker возвращает ошибку, /readyz отвечает 503.
func WithReadinessCheck(checker ReadinessChecker) Option {
	return func(s *Server) {
		s.readinessCheck = checker
	}
}

// NewServer создаёт новый metrics server.
func NewServer(addr, service string, opts ...Option) *Server {
	s := &Server{
		service: service,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	// liveness: процесс отвечает
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"alive"}`))
	})

	// readiness: MySQL, Redis и прочие зависимости доступны
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if s.readinessCheck == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ready"}`))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.readinessCheck(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not_ready"}`))
			logger.Warn().Err(err).Str("service", s.service).Msg("Сервис не готов принимать трафик")
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	return mux
}

// Start запускает HTTP сервер для метрик. Блокирующий вызов.
func (s *Server) Start() error {
	logger.Info().Str("addr", s.httpServer.Addr).Str("service", s.service).Msg("Запуск Metrics Server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// Вспомогательные функции
// =============================================================================

// RecordRequest записывает метрики запроса.
// status - "success" или "error".
func RecordRequest(service, method, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(service, method, status).Inc()
	RequestDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// RecordGatewayCall записывает результат вызова платёжного шлюза.
func RecordGatewayCall(operation, result string, duration time.Duration) {
	GatewayCalls.WithLabelValues(operation, result).Inc()
	GatewayDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSchedulerRun записывает прогон фоновой задачи.
func RecordSchedulerRun(task string, err error, duration time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	SchedulerRuns.WithLabelValues(task, result).Inc()
	SchedulerDuration.WithLabelValues(task).Observe(duration.Seconds())
}

// GinMetricsMiddleware возвращает Gin middleware для сбора HTTP метрик.
func GinMetricsMiddleware(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := "success"
		if c.Writer.Status() >= 400 {
			status = "error"
		}

		RecordRequest(service, c.FullPath(), status, time.Since(start))
	}
}
