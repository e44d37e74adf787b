// Package logger - структурированное логирование сервисов заказов и платежей на базе zerolog.
//
// В production пишется JSON, локально можно включить ConsoleWriter.
// Сообщения на русском, имена полей в snake_case: app_trans_id, m_refund_id, order_id.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var log zerolog.Logger

// Config - настройки глобального логгера.
type Config struct {
	Level   string // trace, debug, info, warn, error; неизвестное значение даёт info
	Pretty  bool
	Service string    // поле service в каждой записи
	Output  io.Writer // по умолчанию os.Stdout
}

// До загрузки конфигурации логгер настраивается из окружения.
func init() {
	Init(Config{
		Level:  os.Getenv("LOG_LEVEL"),
		Pretty: strings.EqualFold(os.Getenv("LOG_PRETTY"), "true"),
	})
}

// Init инициализирует глобальный логгер.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	lctx := zerolog.New(out).Level(level).With().Timestamp().Caller()
	if cfg.Service != "" {
		lctx = lctx.Str("service", cfg.Service)
	}
	log = lctx.Logger()
}

func parseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		return zerolog.WarnLevel
	}
	l, err := zerolog.ParseLevel(level)
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// Component возвращает логгер фоновой части сервиса: планировщика, воркера, клиента шлюза.
//
//	log := logger.Component("reconciler")
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

func Debug() *zerolog.Event { return log.Debug() }
func Info() *zerolog.Event  { return log.Info() }
func Warn() *zerolog.Event  { return log.Warn() }
func Error() *zerolog.Event { return log.Error() }

// With создаёт дочерний логгер с дополнительными полями.
func With() zerolog.Context {
	return log.With()
}

// Logger возвращает глобальный логгер.
func Logger() zerolog.Logger {
	return log
}
