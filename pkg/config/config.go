// Package config предоставляет загрузку конфигурации из переменных окружения.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config содержит полную конфигурацию обоих сервисов.
// Каждый сервис читает только нужные ему секции.
type Config struct {
	App       AppConfig
	HTTP      HTTPConfig
	MySQL     MySQLConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	ZaloPay   ZaloPayConfig
	Payment   PaymentConfig
	Refund    RefundConfig
	Events    EventsConfig
	Retention RetentionConfig
	Services  ServicesConfig
	Breaker   BreakerConfig
	Jaeger    JaegerConfig
	Metrics   MetricsConfig
	RateLimit RateLimitConfig
}

// AppConfig содержит общие настройки приложения.
type AppConfig struct {
	Name      string `env:"APP_NAME" envDefault:"order-payment"`
	Env       string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
	NodeID    int64  `env:"NODE_ID" envDefault:"1"` // Номер узла для snowflake генератора (0..1023)
}

// HTTPConfig содержит настройки HTTP сервера (API и callback).
type HTTPConfig struct {
	Host            string        `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"HTTP_PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Addr возвращает адрес HTTP сервера.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MySQLConfig содержит настройки подключения к MySQL.
type MySQLConfig struct {
	Host            string        `env:"MYSQL_HOST" envDefault:"localhost"`
	Port            int           `env:"MYSQL_PORT" envDefault:"3306"`
	User            string        `env:"MYSQL_USER" envDefault:"root"`
	Password        string        `env:"MYSQL_PASSWORD" envDefault:"root"`
	Database        string        `env:"MYSQL_DATABASE" envDefault:"order_payment"`
	MaxOpenConns    int           `env:"MYSQL_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"MYSQL_MAX_IDLE_CONNS" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"MYSQL_CONN_MAX_LIFETIME" envDefault:"5m"`
	Debug           bool          `env:"MYSQL_DEBUG" envDefault:"false"`
	SlowQuery       time.Duration `env:"MYSQL_SLOW_QUERY" envDefault:"200ms"`
}

// DSN возвращает строку подключения к MySQL. Время в БД хранится в UTC.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig содержит настройки подключения к Redis.
type RedisConfig struct {
	Host     string `env:"REDIS_HOST" envDefault:"localhost"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD" envDefault:""`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Addr возвращает адрес Redis сервера.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KafkaConfig содержит настройки подключения к Kafka.
// Топики и группы потребителей не настраиваются: они заданы таблицей маршрутов в pkg/events.
type KafkaConfig struct {
	Brokers           []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	Partitions        int      `env:"KAFKA_TOPIC_PARTITIONS" envDefault:"3"`
	ReplicationFactor int      `env:"KAFKA_REPLICATION_FACTOR" envDefault:"1"`
}

// ZaloPayConfig содержит учётные данные мерчанта и адреса платёжного шлюза.
// Key1 подписывает исходящие запросы, Key2 проверяет callback.
type ZaloPayConfig struct {
	AppID       int64         `env:"ZALOPAY_APP_ID" envDefault:"2553"`
	Key1        string        `env:"ZALOPAY_KEY1"`
	Key2        string        `env:"ZALOPAY_KEY2"`
	BaseURL     string        `env:"ZALOPAY_BASE_URL" envDefault:"https://sb-openapi.zalopay.vn"`
	CallbackURL string        `env:"ZALOPAY_CALLBACK_URL" envDefault:""`
	RedirectURL string        `env:"ZALOPAY_REDIRECT_URL" envDefault:""`
	Timeout     time.Duration `env:"ZALOPAY_TIMEOUT" envDefault:"10s"` // Таймаут HTTP вызова, не путать со сроком жизни платежа
	BankCode    string        `env:"ZALOPAY_BANK_CODE" envDefault:""`
}

// Validate проверяет учётные данные мерчанта.
// Вызывается только платёжным сервисом: сервису заказов ключи шлюза не нужны.
func (c ZaloPayConfig) Validate() error {
	if c.AppID <= 0 {
		return fmt.Errorf("ZALOPAY_APP_ID должен быть положительным")
	}
	if c.Key1 == "" || c.Key2 == "" {
		return fmt.Errorf("ZALOPAY_KEY1 и ZALOPAY_KEY2 обязательны")
	}
	return nil
}

// PaymentConfig содержит настройки жизненного цикла платежей и сверки.
type PaymentConfig struct {
	// Expiry - срок жизни платёжной сессии, после которого PENDING становится EXPIRED.
	Expiry time.Duration `env:"PAYMENT_EXPIRY" envDefault:"15m"`
	// ReconcileDelay - пауза между окончанием одного прохода сверки и началом следующего.
	ReconcileDelay time.Duration `env:"PAYMENT_RECONCILE_DELAY" envDefault:"1m"`
	// ReconcileBatch - максимум транзакций за один проход.
	ReconcileBatch int `env:"PAYMENT_RECONCILE_BATCH" envDefault:"200"`
	// LateSuccessPolicy определяет судьбу SUCCESS, пришедшего после EXPIRED: ignore | honor.
	LateSuccessPolicy string `env:"PAYMENT_LATE_SUCCESS_POLICY" envDefault:"ignore"`
	// IdempotencyTTL - время хранения ключа идемпотентности createOrder в Redis.
	IdempotencyTTL time.Duration `env:"PAYMENT_IDEMPOTENCY_TTL" envDefault:"24h"`
	// LockTTL - время жизни распределённой блокировки тика планировщика.
	LockTTL time.Duration `env:"PAYMENT_SCHEDULER_LOCK_TTL" envDefault:"2m"`
}

// RefundConfig содержит настройки проверки статусов возвратов.
type RefundConfig struct {
	CheckDelay    time.Duration `env:"REFUND_CHECK_DELAY" envDefault:"5m"`
	InitialDelay  time.Duration `env:"REFUND_CHECK_INITIAL_DELAY" envDefault:"30s"`
	ThrottleDelay time.Duration `env:"REFUND_CHECK_THROTTLE" envDefault:"200ms"` // Пауза между запросами к шлюзу
	MaxAge        time.Duration `env:"REFUND_MAX_AGE" envDefault:"24h"`
	Batch         int           `env:"REFUND_CHECK_BATCH" envDefault:"100"`
}

// EventsConfig содержит политику повторов потребителей событий.
type EventsConfig struct {
	MaxAttempts     int           `env:"EVENTS_MAX_ATTEMPTS" envDefault:"3"`
	InitialInterval time.Duration `env:"EVENTS_RETRY_INITIAL" envDefault:"200ms"`
	Multiplier      float64       `env:"EVENTS_RETRY_MULTIPLIER" envDefault:"2"`
	MaxInterval     time.Duration `env:"EVENTS_RETRY_MAX" envDefault:"5s"`
	OutboxInterval  time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	OutboxBatch     int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	OutboxRetries   int           `env:"OUTBOX_MAX_RETRIES" envDefault:"5"`
}

// RetentionConfig определяет очистку служебных таблиц (outbox, журнал callback).
type RetentionConfig struct {
	Schedule  string        `env:"RETENTION_SCHEDULE" envDefault:"0 30 3 * * *"` // cron с секундами
	OutboxTTL time.Duration `env:"RETENTION_OUTBOX_TTL" envDefault:"168h"`
	LogTTL    time.Duration `env:"RETENTION_CALLBACK_LOG_TTL" envDefault:"720h"`
}

// ServicesConfig содержит адреса соседних сервисов.
type ServicesConfig struct {
	PaymentURL     string        `env:"PAYMENT_SERVICE_URL" envDefault:"http://localhost:8081"`
	PaymentTimeout time.Duration `env:"PAYMENT_SERVICE_TIMEOUT" envDefault:"15s"`
}

// BreakerConfig - circuit breaker для вызовов шлюза и платёжного сервиса.
type BreakerConfig struct {
	FailureRatio float64       `env:"BREAKER_FAILURE_RATIO" envDefault:"0.5"`
	MinRequests  uint32        `env:"BREAKER_MIN_REQUESTS" envDefault:"5"`
	Interval     time.Duration `env:"BREAKER_INTERVAL" envDefault:"60s"`
	OpenTimeout  time.Duration `env:"BREAKER_OPEN_TIMEOUT" envDefault:"30s"`
	HalfOpenMax  uint32        `env:"BREAKER_HALF_OPEN_MAX" envDefault:"1"`
}

// JaegerConfig содержит настройки трассировки Jaeger.
type JaegerConfig struct {
	Enabled  bool   `env:"JAEGER_ENABLED" envDefault:"true"`
	Host     string `env:"JAEGER_HOST" envDefault:"localhost"`
	OTLPPort int    `env:"JAEGER_OTLP_PORT" envDefault:"4317"` // OTLP gRPC порт
	// Доля сохраняемых корневых трасс; 0 выбирает значение по окружению.
	SampleRatio float64 `env:"TRACING_SAMPLE_RATIO" envDefault:"0"`
}

// OTLPEndpoint возвращает OTLP gRPC endpoint для Jaeger.
func (c JaegerConfig) OTLPEndpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.OTLPPort)
}

// MetricsConfig содержит настройки Prometheus метрик.
// Локально каждый сервис переопределяет METRICS_PORT.
type MetricsConfig struct {
	Enabled bool `env:"METRICS_ENABLED" envDefault:"true"`
	Port    int  `env:"METRICS_PORT" envDefault:"9090"`
}

// Addr возвращает адрес для Metrics HTTP сервера.
func (c MetricsConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// RateLimitConfig содержит лимиты публичного API (fixed window в Redis).
type RateLimitConfig struct {
	Enabled  bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	Requests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"100"`
	Window   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// Load загружает конфигурацию из переменных окружения.
// Опционально загружает .env файл, если он существует.
func Load() (*Config, error) {
	// Пытаемся загрузить .env файл (игнорируем ошибку, если файл не найден)
	_ = godotenv.Load()

	return parse()
}

// LoadFromFile загружает конфигурацию из указанного .env файла.
func LoadFromFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("ошибка загрузки .env файла %s: %w", path, err)
	}

	return parse()
}

func parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("ошибка парсинга конфигурации: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate проверяет согласованность значений, которые env не может проверить сам.
func (c *Config) validate() error {
	switch c.Payment.LateSuccessPolicy {
	case "ignore", "honor":
	default:
		return fmt.Errorf("недопустимое значение PAYMENT_LATE_SUCCESS_POLICY: %q", c.Payment.LateSuccessPolicy)
	}
	if c.Payment.Expiry <= 0 {
		return fmt.Errorf("PAYMENT_EXPIRY должен быть положительным")
	}
	if c.Payment.ReconcileDelay <= 0 || c.Refund.CheckDelay <= 0 {
		return fmt.Errorf("задержки планировщиков должны быть положительными")
	}
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		return fmt.Errorf("BREAKER_FAILURE_RATIO вне диапазона (0, 1]: %v", c.Breaker.FailureRatio)
	}
	if c.App.NodeID < 0 || c.App.NodeID > 1023 {
		return fmt.Errorf("NODE_ID вне диапазона 0..1023: %d", c.App.NodeID)
	}
	return nil
}

// IsDevelopment возвращает true, если приложение запущено в development режиме.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction возвращает true, если приложение запущено в production режиме.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
