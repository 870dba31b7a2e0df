package strategy

import (
	"time"

	"basis-arb-bot/internal/exec"
	"basis-arb-bot/internal/market"
	"basis-arb-bot/internal/state"
)

type Phase string

const (
	PhaseIdle    Phase = state.PhaseIdle
	PhaseEntered Phase = state.PhaseEntered
	PhaseExiting Phase = state.PhaseExiting
)

type Event string

const (
	EventEnter      Event = "ENTER"
	EventExit       Event = "EXIT"
	EventEntryAbort Event = "ENTRY_ABORT"
	EventDone       Event = "DONE"
)

// Side is the direction of a basis position. Carry is long spot and short
// perp; reverse is the mirror image.
type Side string

const (
	SideCarry   Side = "carry"
	SideReverse Side = "reverse"
)

type ExitReason string

const (
	ExitReversion   ExitReason = "reversion"
	ExitMaxHold     ExitReason = "max_hold"
	ExitStopLoss    ExitReason = "stop_loss"
	ExitManual      ExitReason = "manual"
	ExitEntryFailed ExitReason = "entry_failed"
)

type OrderRef struct {
	Kind          market.Kind       `json:"kind"`
	Exchange      market.ExchangeID `json:"exchange"`
	Symbol        string            `json:"symbol"`
	Side          exec.Side         `json:"side"`
	Qty           float64           `json:"qty"`
	ClientOrderID string            `json:"client_order_id"`
	OrderID       string            `json:"order_id,omitempty"`
}

func (o OrderRef) Placed() bool { return o.OrderID != "" }

func (o OrderRef) order(reduceOnly bool) exec.Order {
	return exec.Order{
		Exchange:      o.Exchange,
		Symbol:        o.Symbol,
		Kind:          o.Kind,
		Side:          o.Side,
		Qty:           o.Qty,
		ReduceOnly:    reduceOnly,
		ClientOrderID: o.ClientOrderID,
	}
}

// Position is an open two-legged basis trade. Prices are in USDT.
type Position struct {
	ID             string            `json:"id"`
	Symbol         string            `json:"symbol"`
	PerpExchange   market.ExchangeID `json:"perp_exchange"`
	PerpSymbol     string            `json:"perp_symbol"`
	SpotExchange   market.ExchangeID `json:"spot_exchange"`
	SpotSymbol     string            `json:"spot_symbol"`
	Side           Side              `json:"side"`
	Size           float64           `json:"size"`
	EntryBasis     float64           `json:"entry_basis"`
	EntryTime      time.Time         `json:"entry_time"`
	PerpEntryPrice float64           `json:"perp_entry_price"`
	SpotEntryPrice float64           `json:"spot_entry_price"`
	EntryOrders    []OrderRef        `json:"entry_orders,omitempty"`
	ExitOrders     []OrderRef        `json:"exit_orders,omitempty"`
}

func (p Position) Clone() Position {
	out := p
	out.EntryOrders = append([]OrderRef(nil), p.EntryOrders...)
	out.ExitOrders = append([]OrderRef(nil), p.ExitOrders...)
	return out
}

// Age is how long the position has been open at now.
func (p Position) Age(now time.Time) time.Duration {
	if p.EntryTime.IsZero() {
		return 0
	}
	return now.Sub(p.EntryTime)
}

func (p Position) entryComplete() bool {
	for _, o := range p.EntryOrders {
		if !o.Placed() {
			return false
		}
	}
	return true
}

// State is the engine's lifecycle phase. Position is set in Entered and
// Exiting; ExitReason only in Exiting.
type State struct {
	Phase      Phase      `json:"phase"`
	Position   *Position  `json:"position,omitempty"`
	ExitReason ExitReason `json:"exit_reason,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (s State) Clone() State {
	out := s
	if s.Position != nil {
		p := s.Position.Clone()
		out.Position = &p
	}
	return out
}

func (s State) record() state.StrategyRecord {
	rec := state.StrategyRecord{
		Phase:      string(s.Phase),
		ExitReason: string(s.ExitReason),
	}
	if !s.UpdatedAt.IsZero() {
		rec.UpdatedAtMS = s.UpdatedAt.UnixMilli()
	}
	if p := s.Position; p != nil {
		rec.Position = &state.PositionRecord{
			ID:             p.ID,
			Symbol:         p.Symbol,
			PerpExchange:   string(p.PerpExchange),
			PerpSymbol:     p.PerpSymbol,
			SpotExchange:   string(p.SpotExchange),
			SpotSymbol:     p.SpotSymbol,
			Side:           string(p.Side),
			Size:           p.Size,
			EntryBasis:     p.EntryBasis,
			EntryTime:      p.EntryTime,
			PerpEntryPrice: p.PerpEntryPrice,
			SpotEntryPrice: p.SpotEntryPrice,
			EntryOrders:    orderRecords(p.EntryOrders),
			ExitOrders:     orderRecords(p.ExitOrders),
		}
	}
	return rec
}

func stateFromRecord(rec state.StrategyRecord) State {
	st := State{
		Phase:      Phase(rec.Phase),
		ExitReason: ExitReason(rec.ExitReason),
	}
	if rec.UpdatedAtMS > 0 {
		st.UpdatedAt = time.UnixMilli(rec.UpdatedAtMS).UTC()
	}
	if p := rec.Position; p != nil {
		st.Position = &Position{
			ID:             p.ID,
			Symbol:         p.Symbol,
			PerpExchange:   market.ExchangeID(p.PerpExchange),
			PerpSymbol:     p.PerpSymbol,
			SpotExchange:   market.ExchangeID(p.SpotExchange),
			SpotSymbol:     p.SpotSymbol,
			Side:           Side(p.Side),
			Size:           p.Size,
			EntryBasis:     p.EntryBasis,
			EntryTime:      p.EntryTime,
			PerpEntryPrice: p.PerpEntryPrice,
			SpotEntryPrice: p.SpotEntryPrice,
			EntryOrders:    orderRefs(p.EntryOrders),
			ExitOrders:     orderRefs(p.ExitOrders),
		}
	}
	return st
}

func orderRecords(refs []OrderRef) []state.OrderRecord {
	if len(refs) == 0 {
		return nil
	}
	out := make([]state.OrderRecord, len(refs))
	for i, o := range refs {
		out[i] = state.OrderRecord{
			Kind:          string(o.Kind),
			Exchange:      string(o.Exchange),
			Symbol:        o.Symbol,
			Side:          string(o.Side),
			Qty:           o.Qty,
			ClientOrderID: o.ClientOrderID,
			OrderID:       o.OrderID,
		}
	}
	return out
}

func orderRefs(recs []state.OrderRecord) []OrderRef {
	if len(recs) == 0 {
		return nil
	}
	out := make([]OrderRef, len(recs))
	for i, o := range recs {
		out[i] = OrderRef{
			Kind:          market.Kind(o.Kind),
			Exchange:      market.ExchangeID(o.Exchange),
			Symbol:        o.Symbol,
			Side:          exec.Side(o.Side),
			Qty:           o.Qty,
			ClientOrderID: o.ClientOrderID,
			OrderID:       o.OrderID,
		}
	}
	return out
}
