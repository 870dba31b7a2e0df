package exec

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"basis-arb-bot/internal/exchange"
	"basis-arb-bot/internal/market"

	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

type mockGateway struct {
	mu       sync.Mutex
	calls    int
	orderID  string
	failures int
	err      error
	statuses map[string][]OrderState
	polls    map[string]int
	placed   []Order
}

func (m *mockGateway) PlaceOrder(ctx context.Context, order Order) (string, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return "", m.err
	}
	m.placed = append(m.placed, order)
	return m.orderID, nil
}

func (m *mockGateway) OrderStatus(ctx context.Context, exchange market.ExchangeID, symbol, orderID string) (OrderStatus, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.polls == nil {
		m.polls = make(map[string]int)
	}
	seq := m.statuses[orderID]
	i := m.polls[orderID]
	m.polls[orderID]++
	if len(seq) == 0 {
		return OrderStatus{}, errors.New("unknown order")
	}
	if i >= len(seq) {
		i = len(seq) - 1
	}
	return OrderStatus{OrderID: orderID, State: seq[i]}, nil
}

func testOrder() Order {
	return Order{Exchange: market.Binance, Symbol: "BTCUSDT", Kind: market.KindPerp, Side: Sell, Qty: 0.01, ClientOrderID: "abc"}
}

func TestExecutorIdempotentPlacement(t *testing.T) {
	store := newMemoryStore()
	gw := &mockGateway{orderID: "oid-1"}
	logger := zap.NewNop()
	executor := New(gw, store, Options{}, logger, nil)

	ctx := context.Background()
	order := testOrder()

	id1, err := executor.PlaceOrder(ctx, order)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := executor.PlaceOrder(ctx, order)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same order id, got %s and %s", id1, id2)
	}
	if gw.calls != 1 {
		t.Fatalf("expected 1 gateway call, got %d", gw.calls)
	}

	gw2 := &mockGateway{orderID: "oid-2"}
	executor2 := New(gw2, store, Options{}, logger, nil)
	id3, err := executor2.PlaceOrder(ctx, order)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id3 != id1 {
		t.Fatalf("expected stored order id %s, got %s", id1, id3)
	}
	if gw2.calls != 0 {
		t.Fatalf("expected no gateway calls on restart, got %d", gw2.calls)
	}
}

func TestExecutorRetriesTransportErrors(t *testing.T) {
	gw := &mockGateway{orderID: "oid", failures: 2, err: errors.New("connection reset")}
	executor := New(gw, nil, Options{Attempts: 3, Backoff: time.Millisecond}, zap.NewNop(), nil)
	if _, err := executor.PlaceOrder(context.Background(), testOrder()); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if gw.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", gw.calls)
	}
}

func TestExecutorDoesNotRetryAuthErrors(t *testing.T) {
	authErr := exchange.NewError(market.Binance, "place_order", exchange.KindAuth, errors.New("invalid key"))
	gw := &mockGateway{orderID: "oid", failures: 5, err: authErr}
	executor := New(gw, nil, Options{Attempts: 5, Backoff: time.Millisecond}, zap.NewNop(), nil)
	_, err := executor.PlaceOrder(context.Background(), testOrder())
	if exchange.KindOf(err) != exchange.KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
	if gw.calls != 1 {
		t.Fatalf("expected a single call for auth failure, got %d", gw.calls)
	}
}

func TestClampQty(t *testing.T) {
	executor := New(&mockGateway{}, nil, Options{LotStep: 0.001}, zap.NewNop(), nil)
	if got := executor.ClampQty(0.0016); got != 0.001 {
		t.Fatalf("expected 0.001, got %v", got)
	}
	if got := executor.ClampQty(0.3); got != 0.3 {
		t.Fatalf("expected 0.3 to stay exact, got %v", got)
	}
	order := testOrder()
	order.Qty = 0.0004
	if _, err := executor.PlaceOrder(context.Background(), order); !errors.Is(err, ErrQtyBelowLot) {
		t.Fatalf("expected ErrQtyBelowLot, got %v", err)
	}
}

func TestPlaceOrderRejectsInvalidOrder(t *testing.T) {
	gw := &mockGateway{orderID: "oid"}
	executor := New(gw, nil, Options{}, zap.NewNop(), nil)
	order := testOrder()
	order.Side = "hold"
	if _, err := executor.PlaceOrder(context.Background(), order); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder, got %v", err)
	}
	if gw.calls != 0 {
		t.Fatalf("expected no gateway call, got %d", gw.calls)
	}
}

func TestConfirmFilled(t *testing.T) {
	gw := &mockGateway{statuses: map[string][]OrderState{
		"a": {StateOpen, StateFilled},
		"b": {StateFilled},
	}}
	executor := New(gw, nil, Options{}, zap.NewNop(), nil)
	legs := []Leg{{Order: testOrder(), OrderID: "a"}, {Order: testOrder(), OrderID: "b"}}
	statuses, err := executor.ConfirmFilled(context.Background(), legs, 3, time.Millisecond)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if statuses[0].State != StateFilled || statuses[1].State != StateFilled {
		t.Fatalf("unexpected statuses %+v", statuses)
	}
	if gw.polls["b"] != 1 {
		t.Fatalf("expected filled leg not to be polled again, got %d polls", gw.polls["b"])
	}
}

func TestConfirmFilledExhaustsBudget(t *testing.T) {
	gw := &mockGateway{statuses: map[string][]OrderState{"a": {StateOpen}}}
	executor := New(gw, nil, Options{}, zap.NewNop(), nil)
	legs := []Leg{{Order: testOrder(), OrderID: "a"}}
	_, err := executor.ConfirmFilled(context.Background(), legs, 3, time.Millisecond)
	if !errors.Is(err, ErrUnconfirmed) {
		t.Fatalf("expected ErrUnconfirmed, got %v", err)
	}
	if gw.polls["a"] != 3 {
		t.Fatalf("expected 3 polls, got %d", gw.polls["a"])
	}
}

func TestLoggingGatewayReportsFilled(t *testing.T) {
	gw := NewLoggingGateway(zap.NewNop())
	executor := New(gw, nil, Options{}, zap.NewNop(), nil)
	legs, err := executor.PlaceLegs(context.Background(), []Order{
		{Exchange: market.Binance, Symbol: "BTCUSDT", Kind: market.KindSpot, Side: Buy, Qty: 0.01},
		{Exchange: market.Binance, Symbol: "BTCUSDT", Kind: market.KindPerp, Side: Sell, Qty: 0.01},
	})
	if err != nil {
		t.Fatalf("place legs: %v", err)
	}
	if len(legs) != 2 || legs[0].Order.ClientOrderID == "" || legs[0].OrderID == legs[1].OrderID {
		t.Fatalf("unexpected legs %+v", legs)
	}
	if _, err := executor.ConfirmFilled(context.Background(), legs, 1, time.Millisecond); err != nil {
		t.Fatalf("expected paper orders to be filled, got %v", err)
	}
	if got := gw.Orders(); len(got) != 2 || got[0].Kind != market.KindSpot {
		t.Fatalf("unexpected recorded orders %+v", got)
	}
}

func TestNewClientOrderIDLength(t *testing.T) {
	id := NewClientOrderID("bab")
	if len(id) > 32 || id[:3] != "bab" {
		t.Fatalf("unexpected client order id %q", id)
	}
	if NewClientOrderID("bab") == id {
		t.Fatalf("expected unique ids")
	}
}

func TestLoggingGatewayConfirmsOrdersFromEarlierRun(t *testing.T) {
	ctx := context.Background()
	first := NewLoggingGateway(zap.NewNop())
	id, err := first.PlaceOrder(ctx, Order{Exchange: market.Bybit, Symbol: "BTCUSDT", Kind: market.KindSpot, Side: Sell, Qty: 1})
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	restarted := NewLoggingGateway(zap.NewNop())
	st, err := restarted.OrderStatus(ctx, market.Bybit, "BTCUSDT", id)
	if err != nil || st.State != StateFilled {
		t.Fatalf("expected earlier paper order filled, got %+v %v", st, err)
	}
	if _, err := restarted.OrderStatus(ctx, market.Bybit, "BTCUSDT", "123456"); err == nil {
		t.Fatalf("expected error for a non-paper order id")
	}
	if _, err := first.OrderStatus(ctx, market.Binance, "BTCUSDT", id); err == nil {
		t.Fatalf("expected error for a known order on another exchange")
	}
}
