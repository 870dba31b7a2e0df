package strategy

import (
	"errors"
	"fmt"
	"time"

	"basis-arb-bot/internal/config"
	"basis-arb-bot/internal/market"
)

var (
	ErrPersistence     = errors.New("state persistence failed")
	ErrHalted          = errors.New("engine halted")
	ErrStaleData       = errors.New("entry skipped: stale data")
	ErrRateStale       = errors.New("exchange rate stale")
	ErrLegMissing      = errors.New("leg missing from snapshot")
	ErrExitUnconfirmed = errors.New("exit not confirmed")
	ErrNoSnapshot      = errors.New("no snapshot published")
	ErrNoPosition      = errors.New("no open position")
)

// Quote is the basis for the configured pair with both legs in USDT.
type Quote struct {
	PerpPrice float64
	SpotPrice float64
	Basis     float64
	RateAt    time.Time
}

func Basis(perp, spot float64) float64 {
	if spot == 0 {
		return 0
	}
	return (perp - spot) / spot
}

// QuoteFor reads both legs from snap and converts them to USDT. maxRateAge of
// zero disables the rate age check.
func QuoteFor(snap market.UnifiedSnapshot, perpEx market.ExchangeID, perpSymbol string, spotEx market.ExchangeID, spotSymbol string, maxRateAge time.Duration, now time.Time) (Quote, error) {
	perp, ok := snap.FindPerp(perpEx, perpSymbol)
	if !ok || perp.MarkPrice <= 0 {
		return Quote{}, fmt.Errorf("perp %s %s: %w", perpEx, perpSymbol, ErrLegMissing)
	}
	spot, ok := snap.FindSpot(spotEx, spotSymbol)
	if !ok || spot.Price <= 0 {
		return Quote{}, fmt.Errorf("spot %s %s: %w", spotEx, spotSymbol, ErrLegMissing)
	}
	perpUSDT, perpAt, err := snap.Rates.Convert(perp.MarkPrice, currencyOf(perp.Currency, perpSymbol), market.USDT)
	if err != nil {
		return Quote{}, fmt.Errorf("perp leg: %w: %v", ErrRateStale, err)
	}
	spotUSDT, spotAt, err := snap.Rates.Convert(spot.Price, currencyOf(spot.Currency, spotSymbol), market.USDT)
	if err != nil {
		return Quote{}, fmt.Errorf("spot leg: %w: %v", ErrRateStale, err)
	}
	rateAt := oldest(perpAt, spotAt)
	if maxRateAge > 0 && !rateAt.IsZero() {
		if age := now.Sub(rateAt); age > maxRateAge {
			return Quote{}, fmt.Errorf("rate age %s exceeds %s: %w", age, maxRateAge, ErrRateStale)
		}
	}
	return Quote{
		PerpPrice: perpUSDT,
		SpotPrice: spotUSDT,
		Basis:     Basis(perpUSDT, spotUSDT),
		RateAt:    rateAt,
	}, nil
}

// EntrySignal reports which side to open when |basis| exceeds the entry
// threshold. A discount opens a reverse position unless allow_reverse is off.
func EntrySignal(cfg config.StrategyConfig, basis float64) (Side, bool) {
	switch {
	case basis > cfg.EntryThreshold:
		return SideCarry, true
	case basis < -cfg.EntryThreshold && cfg.ReverseEnabled():
		return SideReverse, true
	}
	return "", false
}

// StopLossHit is side aware: a carry position loses when basis widens upward,
// a reverse position when it widens downward.
func StopLossHit(cfg config.StrategyConfig, side Side, basis float64) bool {
	if cfg.StopLossThreshold <= 0 {
		return false
	}
	if side == SideReverse {
		return basis <= -cfg.StopLossThreshold
	}
	return basis >= cfg.StopLossThreshold
}

// Reverted reports whether basis came back inside the exit band, including an
// overshoot past zero in the position's favour.
func Reverted(cfg config.StrategyConfig, side Side, basis float64) bool {
	if side == SideReverse {
		return basis > -cfg.ExitThreshold
	}
	return basis < cfg.ExitThreshold
}

func MaxHoldExceeded(cfg config.StrategyConfig, pos Position, now time.Time) bool {
	return cfg.MaxHold > 0 && pos.Age(now) > cfg.MaxHold
}

// ExitSignal checks stop loss before reversion so an adverse move is never
// reported as a plain reversion.
func ExitSignal(cfg config.StrategyConfig, pos Position, basis float64) (ExitReason, bool) {
	if StopLossHit(cfg, pos.Side, basis) {
		return ExitStopLoss, true
	}
	if Reverted(cfg, pos.Side, basis) {
		return ExitReversion, true
	}
	return "", false
}

func currencyOf(c market.Currency, symbol string) market.Currency {
	if c != "" {
		return c
	}
	if _, q := market.SplitSymbol(symbol); q != "" {
		return q
	}
	return market.USDT
}

func oldest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case a.Before(b):
		return a
	}
	return b
}
