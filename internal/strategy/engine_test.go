package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"basis-arb-bot/internal/alerts"
	"basis-arb-bot/internal/exec"
	"basis-arb-bot/internal/market"
	"basis-arb-bot/internal/record"
	"basis-arb-bot/internal/state"
)

type memStore struct {
	mu      sync.Mutex
	data    map[string]string
	failSet bool
	phases  []string
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string)}
}

func (s *memStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !strings.HasPrefix(key, "strategy:") {
		s.data[key] = value
		return nil
	}
	if s.failSet {
		return errors.New("disk full")
	}
	s.data[key] = value
	var rec struct {
		Phase string `json:"phase"`
	}
	_ = json.Unmarshal([]byte(value), &rec)
	s.phases = append(s.phases, rec.Phase)
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) setFail(fail bool) {
	s.mu.Lock()
	s.failSet = fail
	s.mu.Unlock()
}

func (s *memStore) lastPhase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.phases) == 0 {
		return ""
	}
	return s.phases[len(s.phases)-1]
}

func (s *memStore) phaseHistory() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.phases...)
}

type fakeGateway struct {
	mu       sync.Mutex
	orders   []exec.Order
	failKind market.Kind
	unfilled bool
	onPlace  func(exec.Order)
}

func (g *fakeGateway) PlaceOrder(_ context.Context, order exec.Order) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failKind != "" && order.Kind == g.failKind {
		return "", errors.New("order rejected")
	}
	if g.onPlace != nil {
		g.onPlace(order)
	}
	g.orders = append(g.orders, order)
	return fmt.Sprintf("oid-%d", len(g.orders)), nil
}

func (g *fakeGateway) OrderStatus(_ context.Context, _ market.ExchangeID, _, orderID string) (exec.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unfilled {
		return exec.OrderStatus{OrderID: orderID, State: exec.StateOpen}, nil
	}
	return exec.OrderStatus{OrderID: orderID, State: exec.StateFilled, FilledQty: 10, AvgPrice: 100}, nil
}

func (g *fakeGateway) placed() []exec.Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]exec.Order(nil), g.orders...)
}

func (g *fakeGateway) set(fn func(g *fakeGateway)) {
	g.mu.Lock()
	fn(g)
	g.mu.Unlock()
}

type fakeSnapshots struct {
	mu   sync.Mutex
	snap market.UnifiedSnapshot
	ok   bool
}

func (f *fakeSnapshots) Current() (market.UnifiedSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap.Clone(), f.ok
}

type memRecords struct {
	mu        sync.Mutex
	trades    []record.Trade
	positions []record.Position
}

func (r *memRecords) SaveTrade(_ context.Context, t record.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, t)
	return nil
}

func (r *memRecords) SavePosition(_ context.Context, p record.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions = append(r.positions, p)
	return nil
}

type harness struct {
	engine  *Engine
	store   *memStore
	gateway *fakeGateway
	snaps   *fakeSnapshots
	alerts  *alerts.Recorder
	records *memRecords
	now     time.Time
}

func newHarness(t *testing.T, store *memStore, dryRun bool) *harness {
	t.Helper()
	cfg := testStrategyConfig()
	cfg.SpotExchange = "bybit"
	cfg.SpotSymbol = "BTCUSDT"
	cfg.DryRun = dryRun
	h := &harness{
		store:   store,
		gateway: &fakeGateway{},
		snaps:   &fakeSnapshots{},
		alerts:  &alerts.Recorder{},
		records: &memRecords{},
		now:     time.Unix(1_700_000_000, 0).UTC(),
	}
	deps := Deps{
		Snapshots: h.snaps,
		Store:     store,
		Records:   h.records,
		Alerts:    h.alerts,
	}
	if !dryRun {
		deps.Executor = exec.New(h.gateway, store, exec.Options{Attempts: 1, Backoff: time.Millisecond}, nil, nil)
	}
	engine, err := New(cfg, deps, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.now = func() time.Time { return h.now }
	if err := engine.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	h.engine = engine
	return h
}

func (h *harness) setPrices(perp, spot float64, partial ...market.ExchangeID) {
	h.snaps.mu.Lock()
	defer h.snaps.mu.Unlock()
	h.snaps.ok = true
	h.snaps.snap = market.UnifiedSnapshot{
		Seq:         h.snaps.snap.Seq + 1,
		Perp:        []market.PerpTick{{Exchange: market.Binance, Symbol: "BTCUSDT", Currency: market.USDT, MarkPrice: perp}},
		Spot:        []market.SpotTick{{Exchange: market.Bybit, Symbol: "BTCUSDT", Currency: market.USDT, Price: spot}},
		CollectedAt: h.now,
		Partial:     append([]market.ExchangeID{}, partial...),
	}
}

func (h *harness) enter(t *testing.T) {
	t.Helper()
	h.setPrices(100.60, 100.00)
	d, err := h.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("entry tick: %v", err)
	}
	if d.Action != ActionEnter || h.engine.State().Phase != PhaseEntered {
		t.Fatalf("expected entered, got %+v state %s", d, h.engine.State().Phase)
	}
}

func containsMessage(msgs []string, sub string) bool {
	for _, m := range msgs {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

func TestEngineEntersAndExitsOnReversion(t *testing.T) {
	h := newHarness(t, newMemStore(), false)
	var phaseAtOrder []string
	h.gateway.onPlace = func(exec.Order) { phaseAtOrder = append(phaseAtOrder, h.store.lastPhase()) }

	h.enter(t)
	orders := h.gateway.placed()
	if len(orders) != 2 {
		t.Fatalf("expected two entry orders, got %d", len(orders))
	}
	if orders[0].Kind != market.KindSpot || orders[0].Side != exec.Buy {
		t.Fatalf("expected spot buy first, got %+v", orders[0])
	}
	if orders[1].Kind != market.KindPerp || orders[1].Side != exec.Sell || orders[1].Qty != 10 {
		t.Fatalf("expected perp sell of 10, got %+v", orders[1])
	}
	for _, phase := range phaseAtOrder {
		if phase != state.PhaseEntered {
			t.Fatalf("expected entered persisted before orders, got %q", phase)
		}
	}
	pos := h.engine.State().Position
	if pos.Side != SideCarry || pos.EntryBasis < 0.0059 || pos.EntryBasis > 0.0061 {
		t.Fatalf("unexpected position %+v", pos)
	}

	h.setPrices(100.08, 100.00)
	d, err := h.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("exit tick: %v", err)
	}
	if d.Action != ActionClose || d.Reason != ExitReversion {
		t.Fatalf("expected close on reversion, got %+v", d)
	}
	if h.engine.State().Phase != PhaseIdle {
		t.Fatalf("expected idle, got %s", h.engine.State().Phase)
	}
	history := h.store.phaseHistory()
	exitingAt, idleAt := -1, -1
	for i, p := range history {
		if p == state.PhaseExiting && exitingAt < 0 {
			exitingAt = i
		}
		if p == state.PhaseIdle {
			idleAt = i
		}
	}
	if exitingAt < 0 || idleAt < exitingAt {
		t.Fatalf("expected exiting persisted before idle, got %v", history)
	}
	closing := h.gateway.placed()[2:]
	if len(closing) != 2 || closing[0].Side != exec.Sell || closing[1].Side != exec.Buy || !closing[1].ReduceOnly {
		t.Fatalf("unexpected closing orders %+v", closing)
	}
	if len(h.records.positions) != 2 || h.records.positions[1].Action != record.ActionClose {
		t.Fatalf("expected open and close position records, got %+v", h.records.positions)
	}
	opened, closed := h.records.positions[0], h.records.positions[1]
	if opened.BuyExchange != "bybit" || opened.SellExchange != "binance" {
		t.Fatalf("expected carry open to buy spot on bybit, got buy=%s sell=%s", opened.BuyExchange, opened.SellExchange)
	}
	if closed.BuyExchange != "binance" || closed.SellExchange != "bybit" {
		t.Fatalf("expected carry close to buy perp on binance, got buy=%s sell=%s", closed.BuyExchange, closed.SellExchange)
	}
	if len(h.records.trades) != 4 {
		t.Fatalf("expected four trade records, got %d", len(h.records.trades))
	}
}

func TestEngineReversePositionOnDiscount(t *testing.T) {
	h := newHarness(t, newMemStore(), false)
	h.setPrices(99.40, 100.00)
	d, err := h.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("entry tick: %v", err)
	}
	if d.Action != ActionEnter || d.Side != SideReverse {
		t.Fatalf("expected reverse entry at -0.6%%, got %+v", d)
	}
	orders := h.gateway.placed()
	if len(orders) != 2 || orders[0].Kind != market.KindSpot || orders[0].Side != exec.Sell ||
		orders[1].Kind != market.KindPerp || orders[1].Side != exec.Buy {
		t.Fatalf("expected spot sell and perp buy, got %+v", orders)
	}

	h.setPrices(97.90, 100.00)
	d, err = h.engine.Tick(context.Background())
	if err != nil || d.Action != ActionClose || d.Reason != ExitStopLoss {
		t.Fatalf("expected reverse stop loss at -2.1%%, got %+v %v", d, err)
	}
	closing := h.gateway.placed()[2:]
	if len(closing) != 2 || closing[0].Side != exec.Buy || closing[1].Side != exec.Sell || !closing[1].ReduceOnly {
		t.Fatalf("unexpected reverse closing orders %+v", closing)
	}
	opened, closed := h.records.positions[0], h.records.positions[1]
	if opened.Carry != "REVERSE" || opened.BuyExchange != "binance" || opened.SellExchange != "bybit" {
		t.Fatalf("expected reverse open to buy perp on binance, got %+v", opened)
	}
	if closed.BuyExchange != "bybit" || closed.SellExchange != "binance" {
		t.Fatalf("expected reverse close to buy spot on bybit, got %+v", closed)
	}

	h.setPrices(99.40, 100.00)
	if d, err := h.engine.Tick(context.Background()); err != nil || d.Side != SideReverse {
		t.Fatalf("expected second reverse entry, got %+v %v", d, err)
	}
	h.setPrices(99.95, 100.00)
	d, err = h.engine.Tick(context.Background())
	if err != nil || d.Action != ActionClose || d.Reason != ExitReversion {
		t.Fatalf("expected reverse reversion at -0.05%%, got %+v %v", d, err)
	}
	if h.engine.State().Phase != PhaseIdle {
		t.Fatalf("expected idle, got %s", h.engine.State().Phase)
	}
}

func TestEngineSkipsEntryOnPartialSnapshot(t *testing.T) {
	h := newHarness(t, newMemStore(), false)
	h.setPrices(100.60, 100.00, market.Bybit)
	d, err := h.engine.Tick(context.Background())
	if !errors.Is(err, ErrStaleData) {
		t.Fatalf("expected ErrStaleData, got %v", err)
	}
	if d.Action != ActionSkip || h.engine.State().Phase != PhaseIdle {
		t.Fatalf("expected skip while idle, got %+v", d)
	}
	if len(h.gateway.placed()) != 0 || len(h.store.phaseHistory()) != 0 {
		t.Fatalf("expected no orders and no writes on stale data")
	}
}

func TestEnginePersistFailureBlocksEntryAndHalts(t *testing.T) {
	store := newMemStore()
	h := newHarness(t, store, false)
	store.setFail(true)
	h.setPrices(100.60, 100.00)

	_, err := h.engine.Tick(context.Background())
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, ErrHalted) {
		t.Fatalf("expected halted persistence error, got %v", err)
	}
	if len(h.gateway.placed()) != 0 {
		t.Fatalf("expected no orders when Entered could not be persisted")
	}
	if h.engine.State().Phase != PhaseIdle || !h.engine.Halted() {
		t.Fatalf("expected idle and halted, got %s halted=%v", h.engine.State().Phase, h.engine.Halted())
	}
	if !containsMessage(h.alerts.Messages(), "halted") {
		t.Fatalf("expected halt alert, got %v", h.alerts.Messages())
	}

	if _, err := h.engine.Tick(context.Background()); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected still halted, got %v", err)
	}

	store.setFail(false)
	d, err := h.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("expected resume, got %v", err)
	}
	if h.engine.Halted() || d.Action != ActionEnter {
		t.Fatalf("expected entry after resume, got %+v halted=%v", d, h.engine.Halted())
	}
	if !containsMessage(h.alerts.Messages(), "resumed") {
		t.Fatalf("expected resume alert, got %v", h.alerts.Messages())
	}
}

func TestEngineRecoversOpenPositionAfterRestart(t *testing.T) {
	store := newMemStore()
	first := newHarness(t, store, false)
	first.enter(t)
	id := first.engine.State().Position.ID

	second := newHarness(t, store, false)
	st := second.engine.State()
	if st.Phase != PhaseEntered || st.Position == nil || st.Position.ID != id {
		t.Fatalf("expected resumed entered position %s, got %+v", id, st)
	}
	second.setPrices(100.08, 100.00)
	d, err := second.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("exit after restart: %v", err)
	}
	if d.Action != ActionClose {
		t.Fatalf("expected close, got %+v", d)
	}
	if got := len(second.gateway.placed()); got != 2 {
		t.Fatalf("expected only the two closing orders after restart, got %d", got)
	}
}

func TestEngineCompletesEntryPlannedBeforeCrash(t *testing.T) {
	store := newMemStore()
	now := time.Unix(1_700_000_000, 0).UTC()
	rec := State{
		Phase:     PhaseEntered,
		UpdatedAt: now,
		Position: &Position{
			ID:           "7d4b2a40-0f59-4e53-9d0c-52c4f3a1b2c3",
			Symbol:       "BTC",
			PerpExchange: market.Binance,
			PerpSymbol:   "BTCUSDT",
			SpotExchange: market.Bybit,
			SpotSymbol:   "BTCUSDT",
			Side:         SideCarry,
			Size:         10,
			EntryTime:    now,
			EntryOrders: []OrderRef{
				{Kind: market.KindSpot, Exchange: market.Bybit, Symbol: "BTCUSDT", Side: exec.Buy, Qty: 10, ClientOrderID: "e7d4b2a400f594e539d0c52c40"},
				{Kind: market.KindPerp, Exchange: market.Binance, Symbol: "BTCUSDT", Side: exec.Sell, Qty: 10, ClientOrderID: "e7d4b2a400f594e539d0c52c41"},
			},
		},
	}.record()
	if err := state.SaveStrategyRecord(context.Background(), store, "test", rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
	h := newHarness(t, store, false)
	if _, err := h.engine.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := len(h.gateway.placed()); got != 2 {
		t.Fatalf("expected planned entry orders to be sent, got %d", got)
	}
	if !h.engine.State().Position.entryComplete() {
		t.Fatalf("expected entry orders acknowledged")
	}
	if _, err := h.engine.Tick(context.Background()); err != nil && !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("second tick: %v", err)
	}
	if got := len(h.gateway.placed()); got != 2 {
		t.Fatalf("expected no duplicate entry orders, got %d", got)
	}
}

func TestEngineUnconfirmedExitStaysExiting(t *testing.T) {
	h := newHarness(t, newMemStore(), false)
	h.enter(t)
	h.gateway.set(func(g *fakeGateway) { g.unfilled = true })
	h.setPrices(100.08, 100.00)

	_, err := h.engine.Tick(context.Background())
	if !errors.Is(err, ErrExitUnconfirmed) {
		t.Fatalf("expected ErrExitUnconfirmed, got %v", err)
	}
	st := h.engine.State()
	if st.Phase != PhaseExiting || st.ExitReason != ExitReversion {
		t.Fatalf("expected exiting(reversion), got %+v", st)
	}
	if h.store.lastPhase() != state.PhaseExiting {
		t.Fatalf("expected exiting persisted, got %q", h.store.lastPhase())
	}
	if !containsMessage(h.alerts.Messages(), "unconfirmed") {
		t.Fatalf("expected unconfirmed alert, got %v", h.alerts.Messages())
	}

	h.gateway.set(func(g *fakeGateway) { g.unfilled = false })
	d, err := h.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("confirm tick: %v", err)
	}
	if d.Action != ActionClose || h.engine.State().Phase != PhaseIdle {
		t.Fatalf("expected close after fills, got %+v", d)
	}
	if got := len(h.gateway.placed()); got != 4 {
		t.Fatalf("expected closing orders sent once, got %d orders", got)
	}
}

func TestEngineEntryFailureUnwindsPlacedLeg(t *testing.T) {
	h := newHarness(t, newMemStore(), false)
	h.gateway.failKind = market.KindPerp
	h.setPrices(100.60, 100.00)

	d, err := h.engine.Tick(context.Background())
	if err == nil {
		t.Fatalf("expected entry error")
	}
	if d.Action != ActionClose || d.Reason != ExitEntryFailed {
		t.Fatalf("expected unwind to close, got %+v", d)
	}
	orders := h.gateway.placed()
	if len(orders) != 2 || orders[0].Side != exec.Buy || orders[1].Side != exec.Sell || orders[1].Kind != market.KindSpot {
		t.Fatalf("expected spot buy then spot sell, got %+v", orders)
	}
	history := h.store.phaseHistory()
	found := false
	for _, p := range history {
		if p == state.PhaseExiting {
			found = true
		}
	}
	if !found || h.engine.State().Phase != PhaseIdle {
		t.Fatalf("expected exiting then idle, got %v", history)
	}
}

func TestEngineMaxHoldAndStopLoss(t *testing.T) {
	h := newHarness(t, newMemStore(), false)
	h.enter(t)
	h.now = h.now.Add(25 * time.Hour)
	h.setPrices(100.60, 100.00)
	d, err := h.engine.Tick(context.Background())
	if err != nil || d.Reason != ExitMaxHold {
		t.Fatalf("expected max hold exit, got %+v %v", d, err)
	}

	h.enter(t)
	h.setPrices(102.50, 100.00)
	d, err = h.engine.Tick(context.Background())
	if err != nil || d.Reason != ExitStopLoss {
		t.Fatalf("expected stop loss exit, got %+v %v", d, err)
	}
}

func TestEngineHoldsOnStaleDataWhileEntered(t *testing.T) {
	h := newHarness(t, newMemStore(), false)
	h.enter(t)
	h.setPrices(100.08, 100.00, market.Binance)
	if _, err := h.engine.Tick(context.Background()); !errors.Is(err, ErrStaleData) {
		t.Fatalf("expected stale data, got %v", err)
	}
	if h.engine.State().Phase != PhaseEntered {
		t.Fatalf("expected position held on stale data")
	}
}

func TestEngineForceExit(t *testing.T) {
	h := newHarness(t, newMemStore(), false)
	if _, err := h.engine.ForceExit(context.Background(), ExitManual); !errors.Is(err, ErrNoPosition) {
		t.Fatalf("expected ErrNoPosition, got %v", err)
	}
	h.enter(t)
	d, err := h.engine.ForceExit(context.Background(), ExitManual)
	if err != nil {
		t.Fatalf("force exit: %v", err)
	}
	if d.Action != ActionClose || d.Reason != ExitManual {
		t.Fatalf("expected manual close, got %+v", d)
	}
}

func TestEngineDryRunNeverActs(t *testing.T) {
	store := newMemStore()
	h := newHarness(t, store, true)
	h.setPrices(100.60, 100.00)
	d, err := h.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("dry-run tick: %v", err)
	}
	if d.Action != ActionEnter || !d.DryRun {
		t.Fatalf("expected dry-run entry decision, got %+v", d)
	}
	if h.engine.State().Phase != PhaseIdle || len(store.phaseHistory()) != 0 {
		t.Fatalf("expected no transition in dry-run")
	}
}

func TestEngineViewIsACopy(t *testing.T) {
	h := newHarness(t, newMemStore(), false)
	h.enter(t)
	st := h.engine.State()
	st.Position.Size = 0
	st.Position.EntryOrders[0].OrderID = ""
	again := h.engine.State()
	if again.Position.Size == 0 || again.Position.EntryOrders[0].OrderID == "" {
		t.Fatalf("expected State to return an independent copy")
	}
	view, ok := h.engine.View().(View)
	if !ok || view.ID != "test" || view.Phase != PhaseEntered {
		t.Fatalf("unexpected view %+v", h.engine.View())
	}
}
