package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var ErrOutboxNotFound = errors.New("запись outbox не найдена")

// purgeBatch ограничивает один DELETE, чтобы не держать длинную блокировку таблицы.
const purgeBatch = 1000

// Store - хранилище записей outbox, которые публикует один сервис.
type Store interface {
	// Due возвращает неопубликованные записи с наступившим сроком, старые первыми.
	Due(ctx context.Context, now time.Time, limit int) ([]*Outbox, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	// Reschedule фиксирует неудачу и откладывает следующую попытку до next.
	Reschedule(ctx context.Context, id string, cause error, next time.Time) error
	// Bury выводит запись из очереди после исчерпания попыток. Запись остаётся для разбора.
	Bury(ctx context.Context, id string, cause error, at time.Time) error
	// Purge удаляет опубликованные записи старше before, не трогая dead letter.
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Insert пишет запись в транзакции tx. Репозитории сервисов вызывают его
// внутри db.Transaction вместе со сменой статуса.
func Insert(tx *gorm.DB, rec *Outbox) error {
	m := toModel(rec)
	if err := tx.Create(m).Error; err != nil {
		return fmt.Errorf("запись события %s в outbox: %w", rec.EventType, err)
	}
	rec.CreatedAt = m.CreatedAt
	rec.NextAttemptAt = m.NextAttemptAt
	return nil
}

type gormStore struct {
	db             *gorm.DB
	aggregateTypes []string
}

// NewOutboxRepository возвращает Store поверх общей таблицы outbox.
// aggregateTypes отделяет записи сервиса, если таблица общая.
func NewOutboxRepository(db *gorm.DB, aggregateTypes ...string) Store {
	return &gormStore{db: db, aggregateTypes: aggregateTypes}
}

func (s *gormStore) Due(ctx context.Context, now time.Time, limit int) ([]*Outbox, error) {
	var rows []OutboxModel
	err := s.db.WithContext(ctx).
		Where("aggregate_type IN ? AND processed_at IS NULL AND next_attempt_at <= ?", s.aggregateTypes, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("выборка outbox: %w", err)
	}

	out := make([]*Outbox, len(rows))
	for i := range rows {
		out[i] = rows[i].record()
	}
	return out, nil
}

func (s *gormStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, map[string]any{"processed_at": at})
}

func (s *gormStore) Reschedule(ctx context.Context, id string, cause error, next time.Time) error {
	return s.update(ctx, id, map[string]any{
		"retry_count":     gorm.Expr("retry_count + 1"),
		"last_error":      cause.Error(),
		"next_attempt_at": next,
	})
}

// Bury заполняет processed_at, поэтому запись больше не попадает в Due.
func (s *gormStore) Bury(ctx context.Context, id string, cause error, at time.Time) error {
	return s.update(ctx, id, map[string]any{
		"retry_count":  gorm.Expr("retry_count + 1"),
		"last_error":   cause.Error(),
		"dead_letter":  true,
		"processed_at": at,
	})
}

func (s *gormStore) update(ctx context.Context, id string, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&OutboxModel{}).Where("id = ?", id).Updates(fields)
	switch {
	case res.Error != nil:
		return fmt.Errorf("обновление outbox %s: %w", id, res.Error)
	case res.RowsAffected == 0:
		return ErrOutboxNotFound
	}
	return nil
}

func (s *gormStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("aggregate_type IN ? AND processed_at IS NOT NULL AND processed_at < ? AND dead_letter = ?", s.aggregateTypes, before, false).
		Limit(purgeBatch).
		Delete(&OutboxModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("очистка outbox: %w", res.Error)
	}
	return res.RowsAffected, nil
}
