package scheduler

import (
	"context"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"example.com/order-payment/pkg/logger"
)

// RedisLocker - Locker на основе redsync.
// Блокировка берётся одной попыткой: если её держит другой экземпляр, тик пропускается.
type RedisLocker struct {
	rs     *redsync.Redsync
	ttl    time.Duration
	prefix string
}

// NewRedisLocker создаёт Locker. ttl должен превышать самый долгий прогон задачи.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(rdb)),
		ttl:    ttl,
		prefix: "scheduler:lock:",
	}
}

// TryLock пытается получить блокировку name.
// Занятая блокировка не считается ошибкой.
func (l *RedisLocker) TryLock(ctx context.Context, name string) (func(), bool, error) {
	mutex := l.rs.NewMutex(
		l.prefix+name,
		redsync.WithExpiry(l.ttl),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		logger.Debug().Err(err).Str("lock", name).Msg("Блокировка не получена")
		return nil, false, nil
	}

	unlock := func() {
		// Отдельный context: исходный может быть уже отменён при shutdown.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := mutex.UnlockContext(ctx); err != nil {
			logger.Warn().Err(err).Str("lock", name).Msg("Ошибка освобождения блокировки")
		}
	}
	return unlock, true, nil
}
