package exec

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"basis-arb-bot/internal/market"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const paperPrefix = "paper-"

// LoggingGateway records orders instead of sending them and reports every
// order as filled. It stands in for a venue trading API. Paper ids issued by an
// earlier process are also reported filled, so a resumed exit can finish.
type LoggingGateway struct {
	log *zap.Logger

	mu     sync.Mutex
	orders map[string]Order
	seq    []string
}

func NewLoggingGateway(log *zap.Logger) *LoggingGateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &LoggingGateway{log: log, orders: make(map[string]Order)}
}

func (g *LoggingGateway) PlaceOrder(_ context.Context, order Order) (string, error) {
	id := paperPrefix + uuid.NewString()
	g.mu.Lock()
	g.orders[id] = order
	g.seq = append(g.seq, id)
	g.mu.Unlock()
	g.log.Info("paper order recorded",
		zap.String("exchange", string(order.Exchange)),
		zap.String("symbol", order.Symbol),
		zap.String("market", string(order.Kind)),
		zap.String("side", string(order.Side)),
		zap.Float64("qty", order.Qty),
		zap.String("order_id", id),
	)
	return id, nil
}

func (g *LoggingGateway) OrderStatus(_ context.Context, exchange market.ExchangeID, symbol, orderID string) (OrderStatus, error) {
	g.mu.Lock()
	order, ok := g.orders[orderID]
	g.mu.Unlock()
	if !ok {
		if strings.HasPrefix(orderID, paperPrefix) {
			g.log.Info("paper order from an earlier run reported filled",
				zap.String("exchange", string(exchange)),
				zap.String("symbol", symbol),
				zap.String("order_id", orderID),
			)
			return OrderStatus{OrderID: orderID, State: StateFilled}, nil
		}
		return OrderStatus{}, fmt.Errorf("unknown order %s on %s %s", orderID, exchange, symbol)
	}
	if order.Exchange != exchange || order.Symbol != symbol {
		return OrderStatus{}, fmt.Errorf("order %s belongs to %s %s, not %s %s", orderID, order.Exchange, order.Symbol, exchange, symbol)
	}
	return OrderStatus{OrderID: orderID, State: StateFilled, FilledQty: order.Qty}, nil
}

// Orders returns recorded orders in placement order.
func (g *LoggingGateway) Orders() []Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Order, 0, len(g.seq))
	for _, id := range g.seq {
		out = append(out, g.orders[id])
	}
	return out
}
