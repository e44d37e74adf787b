// Package outbox - transactional outbox для доменных событий.
//
// Событие пишется в таблицу outbox в той же транзакции, что и смена статуса
// платежа, возврата или заказа (Insert). Relay публикует записи в Kafka в порядке
// создания и повторяет неудачи с экспоненциальной задержкой. Ошибка публикации
// никогда не откатывает уже зафиксированное состояние.
package outbox

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Outbox - запись таблицы outbox. ID совпадает с event_id конверта.
type Outbox struct {
	ID            string
	AggregateType string // payment, refund или order
	AggregateID   string
	EventType     string
	Topic         string
	MessageKey    string
	Payload       []byte
	Headers       map[string]string
	CreatedAt     time.Time
	NextAttemptAt time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
	DeadLetter    bool
}

func NewRecord(aggregateType, aggregateID, eventType, topic, key string, payload []byte, headers map[string]string) *Outbox {
	now := time.Now()
	return &Outbox{
		ID:            uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Topic:         topic,
		MessageKey:    key,
		Payload:       payload,
		Headers:       headers,
		CreatedAt:     now,
		NextAttemptAt: now,
	}
}

// OutboxModel - строка таблицы outbox.
// Индекс idx_outbox_due обслуживает выборку Due, idx_outbox_aggregate поиск по сущности.
type OutboxModel struct {
	ID            string                                  `gorm:"column:id;type:varchar(36);primaryKey"`
	AggregateType string                                  `gorm:"column:aggregate_type;type:varchar(20);not null;index:idx_outbox_due,priority:1"`
	AggregateID   string                                  `gorm:"column:aggregate_id;type:varchar(64);not null;index:idx_outbox_aggregate"`
	EventType     string                                  `gorm:"column:event_type;type:varchar(50);not null"`
	Topic         string                                  `gorm:"column:topic;type:varchar(100);not null"`
	MessageKey    string                                  `gorm:"column:message_key;type:varchar(100);not null"`
	Payload       datatypes.JSON                          `gorm:"column:payload;type:json;not null"`
	Headers       datatypes.JSONType[map[string]string] `gorm:"column:headers;type:json"`
	CreatedAt     time.Time                               `gorm:"column:created_at;autoCreateTime"`
	NextAttemptAt time.Time                               `gorm:"column:next_attempt_at;not null;index:idx_outbox_due,priority:3"`
	ProcessedAt   *time.Time                              `gorm:"column:processed_at;index:idx_outbox_due,priority:2"`
	RetryCount    int                                     `gorm:"column:retry_count;not null;default:0"`
	LastError     *string                                 `gorm:"column:last_error;type:text"`
	DeadLetter    bool                                    `gorm:"column:dead_letter;not null;default:false"`
}

func (OutboxModel) TableName() string { return "outbox" }

func toModel(o *Outbox) *OutboxModel {
	next := o.NextAttemptAt
	if next.IsZero() {
		next = time.Now()
	}
	return &OutboxModel{
		ID:            o.ID,
		AggregateType: o.AggregateType,
		AggregateID:   o.AggregateID,
		EventType:     o.EventType,
		Topic:         o.Topic,
		MessageKey:    o.MessageKey,
		Payload:       datatypes.JSON(o.Payload),
		Headers:       datatypes.NewJSONType(o.Headers),
		CreatedAt:     o.CreatedAt,
		NextAttemptAt: next,
		ProcessedAt:   o.ProcessedAt,
		RetryCount:    o.RetryCount,
		LastError:     o.LastError,
		DeadLetter:    o.DeadLetter,
	}
}

func (m *OutboxModel) record() *Outbox {
	return &Outbox{
		ID:            m.ID,
		AggregateType: m.AggregateType,
		AggregateID:   m.AggregateID,
		EventType:     m.EventType,
		Topic:         m.Topic,
		MessageKey:    m.MessageKey,
		Payload:       []byte(m.Payload),
		Headers:       m.Headers.Data(),
		CreatedAt:     m.CreatedAt,
		NextAttemptAt: m.NextAttemptAt,
		ProcessedAt:   m.ProcessedAt,
		RetryCount:    m.RetryCount,
		LastError:     m.LastError,
		DeadLetter:    m.DeadLetter,
	}
}
