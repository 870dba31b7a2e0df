package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"basis-arb-bot/internal/exchange"
	"basis-arb-bot/internal/market"
	"basis-arb-bot/internal/metrics"
	"basis-arb-bot/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrUnconfirmed  = errors.New("order fills not confirmed")
	ErrQtyBelowLot  = errors.New("order quantity below lot step")
	ErrEmptyOrderID = errors.New("empty order id")
	ErrInvalidOrder = errors.New("invalid order")
	errNotFilledYet = errors.New("not filled")
)

const (
	defaultAttempts = 5
	defaultBackoff  = 200 * time.Millisecond
	orderKeyPrefix  = "cloid:"
	// Bybit and OKX cap client order ids at 32/36 characters.
	clientIDMaxLen = 32
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type Order struct {
	Exchange      market.ExchangeID `json:"exchange"`
	Symbol        string            `json:"symbol"`
	Kind          market.Kind       `json:"kind"`
	Side          Side              `json:"side"`
	Qty           float64           `json:"qty"`
	ReduceOnly    bool              `json:"reduce_only,omitempty"`
	ClientOrderID string            `json:"client_order_id"`
}

func (o Order) validate() error {
	switch {
	case !o.Exchange.Valid():
		return fmt.Errorf("%w: exchange %q", ErrInvalidOrder, o.Exchange)
	case o.Symbol == "":
		return fmt.Errorf("%w: symbol required", ErrInvalidOrder)
	case o.Side != Buy && o.Side != Sell:
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, o.Side)
	case o.Qty <= 0:
		return fmt.Errorf("%w: qty %v", ErrInvalidOrder, o.Qty)
	}
	return nil
}

type OrderState string

const (
	StateOpen      OrderState = "open"
	StatePartial   OrderState = "partially_filled"
	StateFilled    OrderState = "filled"
	StateCancelled OrderState = "cancelled"
	StateRejected  OrderState = "rejected"
)

type OrderStatus struct {
	OrderID   string     `json:"order_id"`
	State     OrderState `json:"state"`
	FilledQty float64    `json:"filled_qty"`
	AvgPrice  float64    `json:"avg_price"`
}

// Gateway is the exchange trading capability. Implementations place and look
// up orders; matching is entirely the exchange's business.
type Gateway interface {
	PlaceOrder(ctx context.Context, order Order) (string, error)
	OrderStatus(ctx context.Context, exchange market.ExchangeID, symbol, orderID string) (OrderStatus, error)
}

// Leg is a placed order awaiting confirmation.
type Leg struct {
	Order   Order  `json:"order"`
	OrderID string `json:"order_id"`
}

type Options struct {
	Attempts int
	Backoff  time.Duration
	LotStep  float64
}

type Executor struct {
	gateway  Gateway
	store    state.Store
	log      *zap.Logger
	metrics  *metrics.Metrics
	attempts int
	backoff  time.Duration
	lotStep  decimal.Decimal

	mu    sync.Mutex
	cache map[string]string
}

func New(gateway Gateway, store state.Store, opts Options, log *zap.Logger, m *metrics.Metrics) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	return &Executor{
		gateway:  gateway,
		store:    store,
		log:      log,
		metrics:  metrics.OrNoop(m),
		attempts: opts.Attempts,
		backoff:  opts.Backoff,
		lotStep:  decimal.NewFromFloat(opts.LotStep),
		cache:    make(map[string]string),
	}
}

// NewClientOrderID returns a fresh id short enough for every supported venue.
func NewClientOrderID(prefix string) string {
	id := prefix + uuid.NewString()
	if len(id) > clientIDMaxLen {
		id = id[:clientIDMaxLen]
	}
	return id
}

// ClampQty rounds qty down to a whole number of lot steps. A zero step leaves
// qty untouched.
func (e *Executor) ClampQty(qty float64) float64 {
	if e.lotStep.Sign() <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	steps := q.Div(e.lotStep).Floor()
	clamped, _ := steps.Mul(e.lotStep).Float64()
	return clamped
}

// PlaceOrder sends order once per client order id. A repeated id, even from a
// restarted process, returns the stored exchange order id without a new call.
func (e *Executor) PlaceOrder(ctx context.Context, order Order) (string, error) {
	order.Qty = e.ClampQty(order.Qty)
	if order.Qty <= 0 {
		return "", ErrQtyBelowLot
	}
	if err := order.validate(); err != nil {
		return "", err
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = NewClientOrderID("bab")
	}
	cacheKey := orderKeyPrefix + order.ClientOrderID
	e.mu.Lock()
	if oid, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return oid, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if oid, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			e.mu.Lock()
			e.cache[cacheKey] = oid
			e.mu.Unlock()
			return oid, nil
		}
	}
	orderID, err := e.placeWithRetry(ctx, order)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return "", err
	}
	e.metrics.OrdersPlaced.Inc()
	e.log.Info("order placed",
		zap.String("exchange", string(order.Exchange)),
		zap.String("symbol", order.Symbol),
		zap.String("market", string(order.Kind)),
		zap.String("side", string(order.Side)),
		zap.Float64("qty", order.Qty),
		zap.String("client_order_id", order.ClientOrderID),
		zap.String("order_id", orderID),
	)
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, orderID); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = orderID
	e.mu.Unlock()
	return orderID, nil
}

// PlaceLegs places each order in turn and stops at the first failure. The
// legs placed so far are returned with the error.
func (e *Executor) PlaceLegs(ctx context.Context, orders []Order) ([]Leg, error) {
	legs := make([]Leg, 0, len(orders))
	for _, order := range orders {
		order.Qty = e.ClampQty(order.Qty)
		if order.ClientOrderID == "" {
			order.ClientOrderID = NewClientOrderID("bab")
		}
		oid, err := e.PlaceOrder(ctx, order)
		if err != nil {
			return legs, fmt.Errorf("%s %s %s: %w", order.Exchange, order.Symbol, order.Side, err)
		}
		legs = append(legs, Leg{Order: order, OrderID: oid})
	}
	return legs, nil
}

// ConfirmFilled polls every leg until all report filled. It gives up after
// retries polls, doubling backoff between them, and returns ErrUnconfirmed.
func (e *Executor) ConfirmFilled(ctx context.Context, legs []Leg, retries int, backoff time.Duration) ([]OrderStatus, error) {
	if retries < 1 {
		retries = 1
	}
	statuses := make([]OrderStatus, len(legs))
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		pending := 0
		for i, leg := range legs {
			if statuses[i].State == StateFilled {
				continue
			}
			st, err := e.gateway.OrderStatus(ctx, leg.Order.Exchange, leg.Order.Symbol, leg.OrderID)
			if err != nil {
				lastErr = err
				pending++
				continue
			}
			statuses[i] = st
			switch st.State {
			case StateFilled:
			case StateCancelled, StateRejected:
				lastErr = fmt.Errorf("order %s %s", leg.OrderID, st.State)
				pending++
			default:
				lastErr = errNotFilledYet
				pending++
			}
		}
		if pending == 0 {
			return statuses, nil
		}
		if attempt == retries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return statuses, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return statuses, fmt.Errorf("%w after %d attempts: %v", ErrUnconfirmed, retries, lastErr)
}

func (e *Executor) placeWithRetry(ctx context.Context, order Order) (string, error) {
	var orderID string
	err := e.retry(ctx, func() error {
		var err error
		orderID, err = e.gateway.PlaceOrder(ctx, order)
		return err
	})
	if err != nil {
		return "", err
	}
	if orderID == "" {
		return "", ErrEmptyOrderID
	}
	return orderID, nil
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := e.backoff
	for attempt := 0; attempt < e.attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if exchange.KindOf(err) == exchange.KindAuth || errors.Is(err, ErrInvalidOrder) {
			return err
		}
		if attempt == e.attempts-1 {
			return fmt.Errorf("retry failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}
