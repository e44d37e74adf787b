// Package events описывает доменные события сервисов заказов и платежей,
// их маршрутизацию в Kafka и мост между брокером и обработчиками.
//
// Маршрут события: routing key - это топик Kafka, очередь - consumer group
// подписчика, DLQ - топик "<очередь>.dlq". Второй подписчик на тот же routing key
// получает собственную группу и тем самым собственную очередь.
package events

import (
	"errors"
	"fmt"
	"sort"

	"example.com/order-payment/pkg/kafka"
)

// Kind - вид доменного события.
type Kind string

const (
	KindPaymentSuccess      Kind = "PAYMENT_SUCCESS"
	KindPaymentFailed       Kind = "PAYMENT_FAILED"
	KindPaymentExpired      Kind = "PAYMENT_EXPIRED"
	KindRefundSuccess       Kind = "REFUND_SUCCESS"
	KindRefundFailed        Kind = "REFUND_FAILED"
	KindOrderCreated        Kind = "ORDER_CREATED"
	KindOrderReturnApproved Kind = "ORDER_RETURN_APPROVED"
)

// ErrUnknownKind - для вида события нет маршрута.
var ErrUnknownKind = errors.New("неизвестный вид события")

// Route связывает вид события с топиком, очередью и DLQ.
type Route struct {
	Kind       Kind
	RoutingKey string
	Queue      string
	DeadLetter string
}

func route(kind Kind, routingKey, queue string) Route {
	return Route{Kind: kind, RoutingKey: routingKey, Queue: queue, DeadLetter: queue + ".dlq"}
}

// routes - статическая таблица маршрутов.
var routes = map[Kind]Route{
	KindPaymentSuccess:      route(KindPaymentSuccess, "payment.success", "order-service.payment.success"),
	KindPaymentFailed:       route(KindPaymentFailed, "payment.failed", "order-service.payment.failed"),
	KindPaymentExpired:      route(KindPaymentExpired, "payment.expired", "order-service.payment.expired"),
	KindRefundSuccess:       route(KindRefundSuccess, "refund.success", "order-service.refund.success"),
	KindRefundFailed:        route(KindRefundFailed, "refund.failed", "order-service.refund.failed"),
	KindOrderCreated:        route(KindOrderCreated, "order.created", "payment-service.order.created"),
	KindOrderReturnApproved: route(KindOrderReturnApproved, "order.return_approved", "payment-service.order.return_approved"),
}

// RouteFor возвращает маршрут вида события.
func RouteFor(kind Kind) (Route, error) {
	r, ok := routes[kind]
	if !ok {
		return Route{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return r, nil
}

// Routes возвращает все маршруты, отсортированные по routing key.
func Routes() []Route {
	list := make([]Route, 0, len(routes))
	for _, r := range routes {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].RoutingKey < list[j].RoutingKey })
	return list
}

// TopicSpecs перечисляет топики routing key и DLQ для kafka.EnsureTopics.
func TopicSpecs(partitions, replication int) []kafka.TopicSpec {
	specs := make([]kafka.TopicSpec, 0, len(routes)*2)
	for _, r := range Routes() {
		specs = append(specs,
			kafka.TopicSpec{Name: r.RoutingKey, Partitions: partitions, ReplicationFactor: replication},
			// DLQ разбирается вручную, одной партиции достаточно.
			kafka.TopicSpec{Name: r.DeadLetter, Partitions: 1, ReplicationFactor: replication},
		)
	}
	return specs
}
