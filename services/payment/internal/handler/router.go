package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"example.com/order-payment/pkg/metrics"
	"example.com/order-payment/pkg/middleware"
	"example.com/order-payment/services/payment/internal/callback"
	"example.com/order-payment/services/payment/internal/service"
)

const serviceName = "payment-service"

// ReadinessChecker - функция проверки готовности сервиса.
type ReadinessChecker func(ctx context.Context) error

// RouterConfig - параметры для создания роутера.
type RouterConfig struct {
	Payments       service.PaymentService
	Refunds        service.RefundService
	Callback       *callback.Handler
	RateLimiter    *middleware.RateLimiter // nil - без ограничения
	ReadinessCheck ReadinessChecker        // опциональная проверка готовности для /readyz
	Debug          bool                    // Режим отладки Gin
}

// NewRouter создаёт и настраивает HTTP роутер.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(middleware.Recovery())
	engine.Use(otelgin.Middleware(serviceName))
	engine.Use(metrics.GinMetricsMiddleware(serviceName))
	engine.Use(middleware.Tracing("/healthz", "/readyz"))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	engine.GET("/readyz", readiness(cfg.ReadinessCheck))

	// Callback шлюза без rate limiting: шлюз повторяет уведомления сам
	if cfg.Callback != nil {
		cfg.Callback.Register(engine)
	}

	v1 := engine.Group("/api/v1")
	if cfg.RateLimiter != nil {
		v1.Use(cfg.RateLimiter.Handle())
	}

	h := NewPaymentHandler(cfg.Payments, cfg.Refunds)
	payments := v1.Group("/payments")
	{
		payments.POST("", h.CreatePayment)
		payments.GET("/:appTransId", h.GetPayment)
		payments.POST("/:appTransId/sync", h.SyncPayment)
	}
	refunds := v1.Group("/refunds")
	{
		refunds.POST("", h.CreateRefund)
		refunds.GET("/:mRefundId", h.GetRefund)
	}

	return engine
}

// readiness - readiness probe. Без проверки сервис считается готовым.
func readiness(check ReadinessChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if check == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		if err := check(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
