// Package idgen генерирует идентификаторы транзакций.
//
//	app_trans_id: yyMMdd_<snowflake>
//	m_refund_id:  yyMMdd_<app_id>_<snowflake>
//
// Дата берётся по GMT+7: шлюз отклоняет app_trans_id с датой, отличной от его текущих суток.
// Snowflake уникален в пределах узла (NODE_ID), поэтому у каждой реплики свой NodeID.
package idgen

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

// gatewayZone - часовой пояс шлюза.
var gatewayZone = time.FixedZone("GMT+7", 7*60*60)

// Generator выдаёт идентификаторы транзакций и возвратов.
type Generator struct {
	node  *snowflake.Node
	appID int64
	now   func() time.Time
}

// New создаёт генератор для узла nodeID (0..1023).
func New(nodeID, appID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания snowflake узла %d: %w", nodeID, err)
	}
	return &Generator{node: node, appID: appID, now: time.Now}, nil
}

// WithClock подменяет источник времени для префикса даты.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// AppTransID возвращает новый app_trans_id.
func (g *Generator) AppTransID() string {
	return fmt.Sprintf("%s_%d", DatePrefix(g.now()), g.node.Generate().Int64())
}

// MRefundID возвращает новый m_refund_id.
func (g *Generator) MRefundID() string {
	return fmt.Sprintf("%s_%d_%d", DatePrefix(g.now()), g.appID, g.node.Generate().Int64())
}

// DatePrefix возвращает yyMMdd по GMT+7.
func DatePrefix(t time.Time) string {
	return t.In(gatewayZone).Format("060102")
}
