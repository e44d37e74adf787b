package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/pkg/metrics"
)

// Счётчик окна живёт ровно до его конца: INCR и PEXPIRE на первом запросе выполняются атомарно.
var windowCounter = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// KeyFunc определяет, чей лимит расходует запрос.
type KeyFunc func(c *gin.Context) string

type RateLimitConfig struct {
	Redis  *redis.Client
	Prefix string // например "ratelimit:payment:"
	Limit  int
	Window time.Duration
	Key    KeyFunc // по умолчанию IP клиента
}

// RateLimiter - fixed window в Redis, окна выровнены по часам,
// поэтому все экземпляры сервиса считают в одном окне.
type RateLimiter struct {
	rdb    *redis.Client
	prefix string
	limit  int
	window time.Duration
	key    KeyFunc
	now    func() time.Time
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		rdb:    cfg.Redis,
		prefix: cfg.Prefix,
		limit:  cfg.Limit,
		window: cfg.Window,
		key:    cfg.Key,
		now:    time.Now,
	}
	if rl.limit <= 0 {
		rl.limit = 100
	}
	if rl.window < time.Second {
		rl.window = time.Minute
	}
	if rl.prefix == "" {
		rl.prefix = "ratelimit:"
	}
	if rl.key == nil {
		rl.key = func(c *gin.Context) string { return c.ClientIP() }
	}
	return rl
}

// Handle отклоняет запросы сверх лимита ответом 429.
// Недоступный Redis не блокирует API: запрос пропускается.
func (rl *RateLimiter) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		client := rl.key(c)

		now := rl.now()
		windowStart := now.Truncate(rl.window)
		resetIn := windowStart.Add(rl.window).Sub(now)
		key := rl.prefix + client + ":" + strconv.FormatInt(windowStart.Unix(), 10)

		n, err := windowCounter.Run(ctx, rl.rdb, []string{key}, rl.window.Milliseconds()).Int()
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("Rate limit недоступен, запрос пропущен")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(rl.limit-n, 0)))

		if n > rl.limit {
			metrics.RateLimited.WithLabelValues(c.FullPath()).Inc()
			logger.Ctx(ctx).Warn().
				Str("client", client).
				Int("limit", rl.limit).
				Msg("Превышен лимит запросов")
			c.Header("Retry-After", strconv.Itoa(int(resetIn.Round(time.Second).Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Превышен лимит запросов",
			})
			return
		}
		c.Next()
	}
}
