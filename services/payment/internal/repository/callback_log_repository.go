package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Исходы обработки callback в журнале.
const (
	CallbackOutcomeApplied     = "applied"
	CallbackOutcomeNoop        = "noop"
	CallbackOutcomeUnknownTx   = "unknown_transaction"
	CallbackOutcomeBadMac      = "mac_invalid"
	CallbackOutcomeBadData     = "data_invalid"
	CallbackOutcomeStoreFailed = "persistence_error"
)

// CallbackLogEntry - запись журнала callback.
type CallbackLogEntry struct {
	AppTransID string
	TraceID    string
	Type       int
	Data       string
	RawBody    string
	MacValid   bool
	Outcome    string
	ReturnCode int
	Err        error
}

// CallbackLogRepository - журнал входящих callback для аудита.
type CallbackLogRepository interface {
	Record(ctx context.Context, entry CallbackLogEntry) error
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

type callbackLogRepository struct {
	db *gorm.DB
}

// NewCallbackLogRepository создаёт журнал callback.
func NewCallbackLogRepository(db *gorm.DB) CallbackLogRepository {
	return &callbackLogRepository{db: db}
}

// Record сохраняет запись. data сохраняется как JSON, только если он валиден.
func (r *callbackLogRepository) Record(ctx context.Context, entry CallbackLogEntry) error {
	model := &CallbackLogModel{
		ID:         uuid.NewString(),
		AppTransID: entry.AppTransID,
		TraceID:    entry.TraceID,
		Type:       entry.Type,
		RawBody:    entry.RawBody,
		MacValid:   entry.MacValid,
		Outcome:    entry.Outcome,
		ReturnCode: entry.ReturnCode,
	}
	if entry.Data != "" && json.Valid([]byte(entry.Data)) {
		model.Data = datatypes.JSON(entry.Data)
	}
	if entry.Err != nil {
		msg := entry.Err.Error()
		model.Error = &msg
	}

	return r.db.WithContext(ctx).Create(model).Error
}

// DeleteBefore удаляет записи старше before пачками по 1000.
func (r *callbackLogRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", before).
		Limit(1000).
		Delete(&CallbackLogModel{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
