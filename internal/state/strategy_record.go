package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	PhaseIdle    = "idle"
	PhaseEntered = "entered"
	PhaseExiting = "exiting"
)

var ErrCorruptRecord = errors.New("corrupt strategy record")

// StrategyRecord is the persisted form of a strategy's lifecycle phase.
type StrategyRecord struct {
	Phase       string          `json:"phase"`
	Position    *PositionRecord `json:"position,omitempty"`
	ExitReason  string          `json:"exit_reason,omitempty"`
	UpdatedAtMS int64           `json:"updated_at_ms"`
}

type PositionRecord struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	PerpExchange   string    `json:"perp_exchange"`
	PerpSymbol     string    `json:"perp_symbol"`
	SpotExchange   string    `json:"spot_exchange"`
	SpotSymbol     string    `json:"spot_symbol"`
	Side           string    `json:"side"`
	Size           float64   `json:"size"`
	EntryBasis     float64   `json:"entry_basis"`
	EntryTime      time.Time `json:"entry_time"`
	PerpEntryPrice float64   `json:"perp_entry_price"`
	SpotEntryPrice float64   `json:"spot_entry_price"`

	EntryOrders []OrderRecord `json:"entry_orders,omitempty"`
	ExitOrders  []OrderRecord `json:"exit_orders,omitempty"`
}

// OrderRecord is an order the strategy planned or placed. OrderID is empty
// until the venue acknowledged it.
type OrderRecord struct {
	Kind          string  `json:"kind"`
	Exchange      string  `json:"exchange"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty"`
	ClientOrderID string  `json:"client_order_id"`
	OrderID       string  `json:"order_id,omitempty"`
}

func StrategyKey(id string) string {
	return "strategy:" + id + ":state"
}

func (r StrategyRecord) validate() error {
	switch r.Phase {
	case PhaseIdle:
		return nil
	case PhaseEntered, PhaseExiting:
		if r.Position == nil {
			return fmt.Errorf("%w: phase %s without position", ErrCorruptRecord, r.Phase)
		}
		if r.Phase == PhaseExiting && r.ExitReason == "" {
			return fmt.Errorf("%w: exiting without reason", ErrCorruptRecord)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown phase %q", ErrCorruptRecord, r.Phase)
	}
}

func LoadStrategyRecord(ctx context.Context, store Store, id string) (StrategyRecord, bool, error) {
	if store == nil {
		return StrategyRecord{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, StrategyKey(id))
	if err != nil {
		return StrategyRecord{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return StrategyRecord{}, false, nil
	}
	var rec StrategyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return StrategyRecord{}, false, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if err := rec.validate(); err != nil {
		return StrategyRecord{}, false, err
	}
	return rec, true, nil
}

func SaveStrategyRecord(ctx context.Context, store Store, id string, rec StrategyRecord) error {
	if store == nil {
		return errors.New("state store is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := rec.validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return store.Set(ctx, StrategyKey(id), string(payload))
}
