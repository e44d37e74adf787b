// Package circuitbreaker защищает вызовы удалённых сторон (ZaloPay, Payment Service)
// от каскадных сбоев на базе gobreaker.
//
// Breaker считает сбоем только ошибки, которые FailureFunc признаёт сбоем удалённой
// стороны. Бизнес-отказы шлюза проходят как успешные вызовы.
//
//	cb := circuitbreaker.New("zalopay")
//	err := cb.Execute(func() error { return call() }, isRetryable)
package circuitbreaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"example.com/order-payment/pkg/logger"
	"example.com/order-payment/pkg/metrics"
)

// ErrOpen возвращается без вызова удалённой стороны: breaker открыт
// или в Half-Open исчерпан лимит пробных запросов.
var ErrOpen = errors.New("сервис временно недоступен (circuit breaker open)")

// Settings - пороги срабатывания.
type Settings struct {
	MaxRequests  uint32        // пробных запросов в Half-Open
	Interval     time.Duration // период сброса счётчиков в Closed
	Timeout      time.Duration // сколько breaker остаётся Open
	FailureRatio float64       // доля сбоев, после которой breaker открывается
	MinRequests  uint32        // ниже этого числа запросов доля не считается
}

func DefaultSettings() Settings {
	return Settings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.MaxRequests == 0 {
		s.MaxRequests = d.MaxRequests
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	if s.FailureRatio <= 0 {
		s.FailureRatio = d.FailureRatio
	}
	if s.MinRequests == 0 {
		s.MinRequests = d.MinRequests
	}
	return s
}

// FailureFunc решает, является ли ошибка сбоем удалённой стороны.
type FailureFunc func(err error) bool

// Breaker - именованный breaker одной удалённой стороны.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker[struct{}]
	remote string
}

func New(remote string) *Breaker {
	return NewWithSettings(remote, DefaultSettings())
}

// NewWithSettings создаёт breaker; нулевые поля s берутся из DefaultSettings.
func NewWithSettings(remote string, s Settings) *Breaker {
	s = s.withDefaults()
	b := &Breaker{remote: remote}

	b.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        remote,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= s.MinRequests &&
				float64(c.TotalFailures) >= s.FailureRatio*float64(c.Requests)
		},
		OnStateChange: b.onStateChange,
	})
	metrics.BreakerState.WithLabelValues(remote).Set(stateValue(gobreaker.StateClosed))

	return b
}

func (b *Breaker) onStateChange(remote string, from, to gobreaker.State) {
	metrics.BreakerState.WithLabelValues(remote).Set(stateValue(to))

	log := logger.Component("circuitbreaker")
	ev := log.Info()
	msg := "Связь с удалённой стороной восстановлена"
	switch to {
	case gobreaker.StateOpen:
		ev = log.Warn()
		msg = "Удалённая сторона недоступна, вызовы отклоняются"
	case gobreaker.StateHalfOpen:
		msg = "Пробные вызовы удалённой стороны"
	}
	ev.Str("remote", remote).
		Stringer("from", from).
		Stringer("to", to).
		Msg(msg)
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func (b *Breaker) Name() string { return b.remote }

// Execute вызывает fn через breaker и возвращает её ошибку без изменений.
// Для breaker ошибка считается сбоем, если isFailure вернул true;
// nil isFailure считает сбоем любую ошибку. Открытый breaker возвращает
// ErrOpen, не вызывая fn.
func (b *Breaker) Execute(fn func() error, isFailure FailureFunc) error {
	var callErr error

	_, err := b.cb.Execute(func() (struct{}, error) {
		callErr = fn()
		if callErr == nil || (isFailure != nil && !isFailure(callErr)) {
			return struct{}{}, nil
		}
		return struct{}{}, callErr
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.BreakerRejections.WithLabelValues(b.remote).Inc()
		return ErrOpen
	}
	return callErr
}
