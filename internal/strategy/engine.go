package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"basis-arb-bot/internal/alerts"
	"basis-arb-bot/internal/config"
	"basis-arb-bot/internal/exec"
	"basis-arb-bot/internal/market"
	"basis-arb-bot/internal/metrics"
	"basis-arb-bot/internal/record"
	"basis-arb-bot/internal/state"
	"basis-arb-bot/internal/timescale"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultEvalInterval = 30 * time.Second

type SnapshotSource interface {
	Current() (market.UnifiedSnapshot, bool)
}

// Executor is the order capability the engine drives. *exec.Executor
// implements it.
type Executor interface {
	ClampQty(qty float64) float64
	PlaceLegs(ctx context.Context, orders []exec.Order) ([]exec.Leg, error)
	ConfirmFilled(ctx context.Context, legs []exec.Leg, retries int, backoff time.Duration) ([]exec.OrderStatus, error)
}

type ObservationSink interface {
	EnqueueObservation(obs timescale.BasisObservation)
}

type Deps struct {
	Snapshots    SnapshotSource
	Store        state.Store
	Executor     Executor
	Records      record.Recorder
	Alerts       alerts.Alerter
	Observations ObservationSink
	Metrics      *metrics.Metrics
}

type Action string

const (
	ActionNone  Action = "none"
	ActionSkip  Action = "skip"
	ActionEnter Action = "enter"
	ActionExit  Action = "exit"
	ActionClose Action = "close"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Action Action     `json:"action"`
	Phase  Phase      `json:"phase"`
	Side   Side       `json:"side,omitempty"`
	Basis  float64    `json:"basis"`
	Reason ExitReason `json:"reason,omitempty"`
	DryRun bool       `json:"dry_run,omitempty"`
}

// View is the read-only projection served over HTTP.
type View struct {
	ID     string `json:"id"`
	DryRun bool   `json:"dry_run"`
	Halted bool   `json:"halted"`
	State
}

type Engine struct {
	cfg          config.StrategyConfig
	perpEx       market.ExchangeID
	spotEx       market.ExchangeID
	snapshots    SnapshotSource
	store        state.Store
	executor     Executor
	records      record.Recorder
	alerts       alerts.Alerter
	observations ObservationSink
	metrics      *metrics.Metrics
	log          *zap.Logger
	now          func() time.Time

	// tickMu serializes evaluations so transitions never interleave.
	tickMu sync.Mutex

	mu        sync.RWMutex
	state     State
	halted    bool
	lastQuote Quote
}

func New(cfg config.StrategyConfig, deps Deps, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	perpEx, err := market.ParseExchangeID(cfg.PerpExchange)
	if err != nil {
		return nil, fmt.Errorf("perp exchange: %w", err)
	}
	spotEx, err := market.ParseExchangeID(cfg.SpotExchange)
	if err != nil {
		return nil, fmt.Errorf("spot exchange: %w", err)
	}
	if deps.Snapshots == nil {
		return nil, errors.New("snapshot source is required")
	}
	if deps.Store == nil {
		return nil, errors.New("state store is required")
	}
	if deps.Executor == nil && !cfg.DryRun {
		return nil, errors.New("executor is required outside dry-run")
	}
	if deps.Records == nil {
		deps.Records = record.Nop{}
	}
	return &Engine{
		cfg:          cfg,
		perpEx:       perpEx,
		spotEx:       spotEx,
		snapshots:    deps.Snapshots,
		store:        deps.Store,
		executor:     deps.Executor,
		records:      deps.Records,
		alerts:       alerts.OrNop(deps.Alerts),
		observations: deps.Observations,
		metrics:      metrics.OrNoop(deps.Metrics),
		log:          log.With(zap.String("strategy", cfg.ID)),
		now:          time.Now,
		state:        State{Phase: PhaseIdle},
	}, nil
}

// Resume loads the persisted state. A missing record means Idle; a corrupt
// one is an error so an open position is never silently forgotten.
func (e *Engine) Resume(ctx context.Context) error {
	rec, ok, err := state.LoadStrategyRecord(ctx, e.store, e.cfg.ID)
	if err != nil {
		return fmt.Errorf("load strategy state: %w", err)
	}
	st := State{Phase: PhaseIdle}
	if ok {
		st = stateFromRecord(rec)
	}
	e.mu.Lock()
	e.state = st
	e.mu.Unlock()
	fields := []zap.Field{zap.String("state", string(st.Phase))}
	if st.Position != nil {
		fields = append(fields,
			zap.String("position", st.Position.ID),
			zap.String("side", string(st.Position.Side)),
			zap.Float64("size", st.Position.Size),
		)
	}
	if st.ExitReason != "" {
		fields = append(fields, zap.String("reason", string(st.ExitReason)))
	}
	e.log.Info("strategy state resumed", fields...)
	return nil
}

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Clone()
}

func (e *Engine) Halted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.halted
}

func (e *Engine) View() any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return View{ID: e.cfg.ID, DryRun: e.cfg.DryRun, Halted: e.halted, State: e.state.Clone()}
}

func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.EvalInterval
	if interval <= 0 {
		interval = defaultEvalInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.Tick(ctx); err != nil {
			e.logTickError(err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) logTickError(err error) {
	switch {
	case errors.Is(err, context.Canceled):
	case errors.Is(err, ErrStaleData), errors.Is(err, ErrNoSnapshot):
		e.log.Debug("strategy tick skipped", zap.Error(err))
	default:
		e.log.Warn("strategy tick failed", zap.Error(err))
	}
}

// Tick runs one evaluation to completion, including any persistence writes.
func (e *Engine) Tick(ctx context.Context) (Decision, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	if err := e.probe(ctx); err != nil {
		return Decision{Action: ActionNone, Phase: e.State().Phase}, err
	}
	st := e.State()
	now := e.now()
	switch st.Phase {
	case PhaseExiting:
		if e.cfg.DryRun {
			e.log.Info("dry-run: exit pending", zap.String("reason", string(st.ExitReason)))
			return Decision{Action: ActionExit, Phase: PhaseExiting, Side: st.Position.Side, Reason: st.ExitReason, DryRun: true}, nil
		}
		return e.finishExit(ctx, st)
	case PhaseEntered:
		if !st.Position.entryComplete() && !e.cfg.DryRun {
			return e.placeEntry(ctx, st, e.lastQuoteValue())
		}
		if MaxHoldExceeded(e.cfg, *st.Position, now) {
			q, _ := e.quote(now)
			if e.cfg.DryRun {
				return e.dryRunExit(st, ExitMaxHold, q), nil
			}
			return e.exit(ctx, st, ExitMaxHold, q)
		}
	}

	q, err := e.quote(now)
	if errors.Is(err, ErrStaleData) {
		if st.Phase == PhaseIdle {
			if side, ok := EntrySignal(e.cfg, q.Basis); ok {
				e.metrics.EntrySkipped.Inc()
				e.log.Info("entry skipped: stale data",
					zap.String("side", string(side)),
					zap.Float64("basis", q.Basis),
					zap.Error(err),
				)
			}
		}
		return Decision{Action: ActionSkip, Phase: st.Phase, Basis: q.Basis}, err
	}
	if err != nil {
		e.log.Info("basis evaluation skipped", zap.String("state", string(st.Phase)), zap.Error(err))
		return Decision{Action: ActionSkip, Phase: st.Phase}, err
	}
	e.observe(now, q, st.Phase)

	if st.Phase == PhaseIdle {
		return e.evaluateEntry(ctx, q)
	}
	return e.evaluateExit(ctx, st, q)
}

// ForceExit moves an open position to Exiting with reason and runs the
// closing flow. An Exiting position only retries the flow.
func (e *Engine) ForceExit(ctx context.Context, reason ExitReason) (Decision, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	if err := e.probe(ctx); err != nil {
		return Decision{Action: ActionNone, Phase: e.State().Phase}, err
	}
	if e.executor == nil {
		return Decision{Action: ActionNone, Phase: e.State().Phase}, errors.New("forced exit needs an executor")
	}
	st := e.State()
	switch st.Phase {
	case PhaseIdle:
		return Decision{Action: ActionNone, Phase: PhaseIdle}, ErrNoPosition
	case PhaseExiting:
		return e.finishExit(ctx, st)
	}
	q, err := e.quote(e.now())
	if err != nil {
		e.log.Warn("forced exit without fresh quote", zap.Error(err))
	}
	return e.exit(ctx, st, reason, q)
}

func (e *Engine) quote(now time.Time) (Quote, error) {
	snap, ok := e.snapshots.Current()
	if !ok {
		return Quote{}, ErrNoSnapshot
	}
	q, err := QuoteFor(snap, e.perpEx, e.cfg.PerpSymbol, e.spotEx, e.cfg.SpotSymbol, e.cfg.MaxRateAge, now)
	if err != nil {
		return Quote{}, err
	}
	if snap.IsPartial(e.perpEx) || snap.IsPartial(e.spotEx) {
		return q, staleLegs(snap, e.perpEx, e.spotEx)
	}
	e.mu.Lock()
	e.lastQuote = q
	e.mu.Unlock()
	return q, nil
}

// staleLegsError marks a quote built on carried-forward data. quote still
// returns the quote alongside it.
type staleLegsError struct {
	exchanges []market.ExchangeID
}

func (s staleLegsError) Error() string {
	names := make([]string, len(s.exchanges))
	for i, id := range s.exchanges {
		names[i] = string(id)
	}
	return ErrStaleData.Error() + " (" + strings.Join(names, ",") + ")"
}

func (s staleLegsError) Unwrap() error { return ErrStaleData }

func staleLegs(snap market.UnifiedSnapshot, ids ...market.ExchangeID) error {
	var out []market.ExchangeID
	for _, id := range ids {
		if snap.IsPartial(id) {
			out = append(out, id)
		}
	}
	return staleLegsError{exchanges: out}
}

func (e *Engine) lastQuoteValue() Quote {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastQuote
}

func (e *Engine) evaluateEntry(ctx context.Context, q Quote) (Decision, error) {
	side, ok := EntrySignal(e.cfg, q.Basis)
	if !ok {
		return Decision{Action: ActionNone, Phase: PhaseIdle, Basis: q.Basis}, nil
	}
	if e.cfg.DryRun {
		e.log.Info("dry-run: entry signal",
			zap.String("side", string(side)),
			zap.Float64("basis", q.Basis),
			zap.Float64("perp_price", q.PerpPrice),
			zap.Float64("spot_price", q.SpotPrice),
		)
		return Decision{Action: ActionEnter, Phase: PhaseIdle, Side: side, Basis: q.Basis, DryRun: true}, nil
	}
	return e.enter(ctx, q, side)
}

func (e *Engine) evaluateExit(ctx context.Context, st State, q Quote) (Decision, error) {
	reason, ok := ExitSignal(e.cfg, *st.Position, q.Basis)
	if !ok {
		return Decision{Action: ActionNone, Phase: PhaseEntered, Side: st.Position.Side, Basis: q.Basis}, nil
	}
	if e.cfg.DryRun {
		return e.dryRunExit(st, reason, q), nil
	}
	return e.exit(ctx, st, reason, q)
}

func (e *Engine) dryRunExit(st State, reason ExitReason, q Quote) Decision {
	e.log.Info("dry-run: exit signal", zap.String("reason", string(reason)), zap.Float64("basis", q.Basis))
	return Decision{Action: ActionExit, Phase: PhaseEntered, Side: st.Position.Side, Basis: q.Basis, Reason: reason, DryRun: true}
}

func (e *Engine) enter(ctx context.Context, q Quote, side Side) (Decision, error) {
	now := e.now()
	qty := e.executor.ClampQty(e.cfg.NotionalUSD / q.SpotPrice)
	if qty <= 0 {
		e.metrics.EntrySkipped.Inc()
		e.log.Warn("entry skipped: size below lot step",
			zap.Float64("notional_usd", e.cfg.NotionalUSD),
			zap.Float64("spot_price", q.SpotPrice),
		)
		return Decision{Action: ActionSkip, Phase: PhaseIdle, Side: side, Basis: q.Basis}, exec.ErrQtyBelowLot
	}
	id := uuid.NewString()
	pos := &Position{
		ID:             id,
		Symbol:         strings.ToUpper(e.cfg.Symbol),
		PerpExchange:   e.perpEx,
		PerpSymbol:     e.cfg.PerpSymbol,
		SpotExchange:   e.spotEx,
		SpotSymbol:     e.cfg.SpotSymbol,
		Side:           side,
		Size:           qty,
		EntryBasis:     q.Basis,
		EntryTime:      now,
		PerpEntryPrice: q.PerpPrice,
		SpotEntryPrice: q.SpotPrice,
		EntryOrders:    e.entryOrders(id, side, qty),
	}
	next := State{Phase: PhaseEntered, Position: pos, UpdatedAt: now}
	// Nothing is sent to an exchange unless Entered is durable.
	if err := e.commit(ctx, EventEnter, next); err != nil {
		return Decision{Action: ActionNone, Phase: PhaseIdle, Side: side, Basis: q.Basis}, err
	}
	e.recordPosition(ctx, *pos, record.ActionOpen, q, "")
	e.alert(ctx, fmt.Sprintf("entered %s %s basis=%.4f%% size=%g (%s/%s)",
		side, pos.Symbol, q.Basis*100, qty, e.perpEx, e.spotEx))
	return e.placeEntry(ctx, next, q)
}

func (e *Engine) entryOrders(positionID string, side Side, qty float64) []OrderRef {
	spotSide, perpSide := exec.Buy, exec.Sell
	if side == SideReverse {
		spotSide, perpSide = exec.Sell, exec.Buy
	}
	return []OrderRef{
		{
			Kind:          market.KindSpot,
			Exchange:      e.spotEx,
			Symbol:        e.cfg.SpotSymbol,
			Side:          spotSide,
			Qty:           qty,
			ClientOrderID: clientOrderID("e", positionID, 0),
		},
		{
			Kind:          market.KindPerp,
			Exchange:      e.perpEx,
			Symbol:        e.cfg.PerpSymbol,
			Side:          perpSide,
			Qty:           qty,
			ClientOrderID: clientOrderID("e", positionID, 1),
		},
	}
}

func exitOrders(pos Position) []OrderRef {
	out := make([]OrderRef, 0, len(pos.EntryOrders))
	for i, o := range pos.EntryOrders {
		if !o.Placed() {
			continue
		}
		out = append(out, OrderRef{
			Kind:          o.Kind,
			Exchange:      o.Exchange,
			Symbol:        o.Symbol,
			Side:          o.Side.Opposite(),
			Qty:           o.Qty,
			ClientOrderID: clientOrderID("x", pos.ID, i),
		})
	}
	return out
}

// clientOrderID is derived from the position so a retried placement after a
// restart hits the executor's idempotency record instead of the exchange.
func clientOrderID(prefix, positionID string, leg int) string {
	compact := strings.ReplaceAll(positionID, "-", "")
	if len(compact) > 24 {
		compact = compact[:24]
	}
	return fmt.Sprintf("%s%s%d", prefix, compact, leg)
}

// placeEntry sends every entry order not yet acknowledged. A failure unwinds
// through Exiting(entry_failed) so placed legs are closed, never forgotten.
func (e *Engine) placeEntry(ctx context.Context, st State, q Quote) (Decision, error) {
	pos := st.Position.Clone()
	legs, err := e.placeMissing(ctx, pos.EntryOrders, false)
	e.recordTrades(ctx, legs, nil, record.ActionOpen)
	if err != nil {
		e.metrics.EntryFailed.Inc()
		e.log.Error("entry orders failed", zap.String("position", pos.ID), zap.Error(err))
		next := State{Phase: PhaseExiting, Position: &pos, ExitReason: ExitEntryFailed, UpdatedAt: e.now()}
		if cerr := e.commit(ctx, EventEntryAbort, next); cerr != nil {
			return Decision{Action: ActionNone, Phase: PhaseEntered, Basis: q.Basis}, errors.Join(err, cerr)
		}
		e.alert(ctx, fmt.Sprintf("entry failed for %s, unwinding: %v", pos.Symbol, err))
		d, ferr := e.finishExit(ctx, next)
		return d, errors.Join(fmt.Errorf("entry orders: %w", err), ferr)
	}
	next := st
	next.Position = &pos
	next.UpdatedAt = e.now()
	if err := e.save(ctx, next); err != nil {
		return Decision{Action: ActionEnter, Phase: PhaseEntered, Side: pos.Side, Basis: q.Basis}, err
	}
	return Decision{Action: ActionEnter, Phase: PhaseEntered, Side: pos.Side, Basis: q.Basis}, nil
}

func (e *Engine) exit(ctx context.Context, st State, reason ExitReason, q Quote) (Decision, error) {
	pos := st.Position.Clone()
	next := State{Phase: PhaseExiting, Position: &pos, ExitReason: reason, UpdatedAt: e.now()}
	if err := e.commit(ctx, EventExit, next); err != nil {
		return Decision{Action: ActionNone, Phase: st.Phase, Basis: q.Basis, Reason: reason}, err
	}
	e.alert(ctx, fmt.Sprintf("exiting %s %s: %s basis=%.4f%%", pos.Side, pos.Symbol, reason, q.Basis*100))
	return e.finishExit(ctx, next)
}

// finishExit places any missing closing orders, waits for fills and only
// then returns to Idle. Without confirmation the position stays Exiting.
func (e *Engine) finishExit(ctx context.Context, st State) (Decision, error) {
	pos := st.Position.Clone()
	decision := Decision{Action: ActionExit, Phase: PhaseExiting, Side: pos.Side, Reason: st.ExitReason}
	if len(pos.ExitOrders) == 0 {
		pos.ExitOrders = exitOrders(pos)
	}
	if len(pos.ExitOrders) > 0 {
		before := placedCount(pos.ExitOrders)
		_, placeErr := e.placeMissing(ctx, pos.ExitOrders, true)
		if placedCount(pos.ExitOrders) != before || len(st.Position.ExitOrders) == 0 {
			next := st
			next.Position = &pos
			next.UpdatedAt = e.now()
			if err := e.save(ctx, next); err != nil {
				return decision, errors.Join(placeErr, err)
			}
		}
		if placeErr != nil {
			e.metrics.ExitFailed.Inc()
			e.log.Error("closing orders failed", zap.String("position", pos.ID), zap.Error(placeErr))
			e.alert(ctx, fmt.Sprintf("closing orders failed for %s, still exiting: %v", pos.Symbol, placeErr))
			return decision, fmt.Errorf("closing orders: %w", placeErr)
		}
		confirmLegs := make([]exec.Leg, len(pos.ExitOrders))
		for i, o := range pos.ExitOrders {
			confirmLegs[i] = exec.Leg{Order: o.order(o.Kind == market.KindPerp), OrderID: o.OrderID}
		}
		statuses, err := e.executor.ConfirmFilled(ctx, confirmLegs, e.cfg.ConfirmRetries, e.cfg.ConfirmBackoff)
		if err != nil {
			e.metrics.ExitUnconfirmed.Inc()
			e.log.Error("exit unconfirmed", zap.String("position", pos.ID), zap.String("reason", string(st.ExitReason)), zap.Error(err))
			e.alert(ctx, fmt.Sprintf("exit of %s unconfirmed, position stays exiting: %v", pos.Symbol, err))
			return decision, fmt.Errorf("%w: %v", ErrExitUnconfirmed, err)
		}
		e.recordTrades(ctx, confirmLegs, statuses, record.ActionClose)
	}

	if err := e.commit(ctx, EventDone, State{Phase: PhaseIdle, UpdatedAt: e.now()}); err != nil {
		return decision, err
	}
	q := e.lastQuoteValue()
	e.recordPosition(ctx, pos, record.ActionClose, q, string(st.ExitReason))
	e.alert(ctx, fmt.Sprintf("closed %s %s: %s", pos.Side, pos.Symbol, st.ExitReason))
	return Decision{Action: ActionClose, Phase: PhaseIdle, Side: pos.Side, Basis: q.Basis, Reason: st.ExitReason}, nil
}

// placeMissing sends the unacknowledged orders in refs and writes the
// returned order ids back into refs.
func (e *Engine) placeMissing(ctx context.Context, refs []OrderRef, closing bool) ([]exec.Leg, error) {
	var orders []exec.Order
	var idx []int
	for i, o := range refs {
		if o.Placed() {
			continue
		}
		orders = append(orders, o.order(closing && o.Kind == market.KindPerp))
		idx = append(idx, i)
	}
	if len(orders) == 0 {
		return nil, nil
	}
	legs, err := e.executor.PlaceLegs(ctx, orders)
	for j, leg := range legs {
		refs[idx[j]].OrderID = leg.OrderID
		refs[idx[j]].Qty = leg.Order.Qty
	}
	return legs, err
}

func placedCount(refs []OrderRef) int {
	n := 0
	for _, o := range refs {
		if o.Placed() {
			n++
		}
	}
	return n
}

// commit persists next and only then makes it current.
func (e *Engine) commit(ctx context.Context, event Event, next State) error {
	cur := e.State()
	to, err := transition(cur.Phase, event)
	if err != nil {
		return err
	}
	if to != next.Phase {
		return fmt.Errorf("event %s leads to %s, not %s", event, to, next.Phase)
	}
	if err := e.persist(ctx, next); err != nil {
		return err
	}
	e.mu.Lock()
	e.state = next.Clone()
	e.mu.Unlock()
	e.metrics.StateTransitions.With(string(next.Phase)).Inc()
	fields := []zap.Field{zap.String("from", string(cur.Phase)), zap.String("state", string(next.Phase))}
	if next.ExitReason != "" {
		fields = append(fields, zap.String("reason", string(next.ExitReason)))
	}
	e.log.Info("strategy transition", fields...)
	return nil
}

// save persists an update within the current phase.
func (e *Engine) save(ctx context.Context, next State) error {
	if err := e.persist(ctx, next); err != nil {
		return err
	}
	e.mu.Lock()
	e.state = next.Clone()
	e.mu.Unlock()
	return nil
}

func (e *Engine) persist(ctx context.Context, st State) error {
	attempts := e.cfg.PersistRetries
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = state.SaveStrategyRecord(ctx, e.store, e.cfg.ID, st.record()); err == nil {
			e.resume(ctx)
			return nil
		}
		e.metrics.PersistFailures.Inc()
		e.log.Warn("strategy state persist failed", zap.Int("attempt", i+1), zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	e.halt(ctx, err)
	return fmt.Errorf("%w: %w: %v", ErrHalted, ErrPersistence, err)
}

// probe rewrites the current state while halted. The first successful write
// lifts the halt.
func (e *Engine) probe(ctx context.Context) error {
	if !e.Halted() {
		return nil
	}
	if err := state.SaveStrategyRecord(ctx, e.store, e.cfg.ID, e.State().record()); err != nil {
		e.metrics.PersistFailures.Inc()
		return fmt.Errorf("%w: %w: %v", ErrHalted, ErrPersistence, err)
	}
	e.resume(ctx)
	return nil
}

func (e *Engine) halt(ctx context.Context, cause error) {
	e.mu.Lock()
	already := e.halted
	e.halted = true
	e.mu.Unlock()
	if already {
		return
	}
	e.metrics.Halts.Inc()
	e.log.Error("strategy halted: state store unavailable", zap.Error(cause))
	e.alert(ctx, fmt.Sprintf("strategy %s halted, state store unavailable: %v", e.cfg.ID, cause))
}

func (e *Engine) resume(ctx context.Context) {
	e.mu.Lock()
	was := e.halted
	e.halted = false
	e.mu.Unlock()
	if !was {
		return
	}
	e.log.Info("strategy resumed: state store writable")
	e.alert(ctx, fmt.Sprintf("strategy %s resumed", e.cfg.ID))
}

func (e *Engine) observe(now time.Time, q Quote, phase Phase) {
	if e.observations == nil {
		return
	}
	e.observations.EnqueueObservation(timescale.BasisObservation{
		Time:         now,
		StrategyID:   e.cfg.ID,
		Symbol:       strings.ToUpper(e.cfg.Symbol),
		PerpExchange: string(e.perpEx),
		SpotExchange: string(e.spotEx),
		PerpPrice:    q.PerpPrice,
		SpotPrice:    q.SpotPrice,
		Basis:        q.Basis,
		State:        string(phase),
	})
}

func (e *Engine) alert(ctx context.Context, msg string) {
	if err := e.alerts.Send(ctx, msg); err != nil {
		e.log.Warn("alert send failed", zap.Error(err))
	}
}

func (e *Engine) recordPosition(ctx context.Context, pos Position, action string, q Quote, reason string) {
	buy, sell := recordExchanges(pos, action)
	err := e.records.SavePosition(ctx, record.Position{
		ExecutedAt:   e.now(),
		BotName:      e.cfg.ID,
		Carry:        strings.ToUpper(string(pos.Side)),
		Action:       action,
		Symbol:       pos.Symbol,
		SpotPrice:    q.SpotPrice,
		FuturesMark:  q.PerpPrice,
		Basis:        q.Basis,
		BuyExchange:  string(buy),
		SellExchange: string(sell),
		Reason:       reason,
	})
	if err != nil {
		e.log.Warn("position record failed", zap.String("action", action), zap.Error(err))
	}
}

// recordExchanges names the buying and selling venue of a position record.
// Closing a position trades each leg the other way round.
func recordExchanges(pos Position, action string) (buy, sell market.ExchangeID) {
	buySpot := pos.Side != SideReverse
	if action == record.ActionClose {
		buySpot = !buySpot
	}
	if buySpot {
		return pos.SpotExchange, pos.PerpExchange
	}
	return pos.PerpExchange, pos.SpotExchange
}

func (e *Engine) recordTrades(ctx context.Context, legs []exec.Leg, statuses []exec.OrderStatus, tradeType string) {
	for i, leg := range legs {
		t := record.Trade{
			ExecutedAt:    e.now(),
			Exchange:      string(leg.Order.Exchange),
			Symbol:        leg.Order.Symbol,
			MarketType:    string(leg.Order.Kind),
			Side:          strings.ToUpper(string(leg.Order.Side)),
			TradeType:     tradeType,
			Quantity:      leg.Order.Qty,
			ClientOrderID: leg.Order.ClientOrderID,
			OrderID:       leg.OrderID,
		}
		if i < len(statuses) && statuses[i].AvgPrice > 0 {
			price := statuses[i].AvgPrice
			t.Price = &price
			if statuses[i].FilledQty > 0 {
				t.Quantity = statuses[i].FilledQty
			}
		}
		if err := e.records.SaveTrade(ctx, t); err != nil {
			e.log.Warn("trade record failed", zap.String("order_id", leg.OrderID), zap.Error(err))
		}
	}
}
