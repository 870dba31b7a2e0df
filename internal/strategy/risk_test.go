package strategy

import (
	"errors"
	"math"
	"testing"
	"time"

	"basis-arb-bot/internal/config"
	"basis-arb-bot/internal/market"
)

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		ID:                "test",
		Symbol:            "BTC",
		PerpExchange:      "binance",
		PerpSymbol:        "BTCUSDT",
		SpotExchange:      "bithumb",
		SpotSymbol:        "BTCKRW",
		EntryThreshold:    0.005,
		ExitThreshold:     0.001,
		StopLossThreshold: 0.02,
		MaxHold:           24 * time.Hour,
		EvalInterval:      time.Second,
		NotionalUSD:       1000,
		ConfirmRetries:    2,
		ConfirmBackoff:    time.Millisecond,
		PersistRetries:    2,
		MaxRateAge:        5 * time.Minute,
	}
}

func TestBasis(t *testing.T) {
	if got := Basis(100.60, 100); math.Abs(got-0.006) > 1e-12 {
		t.Fatalf("expected 0.006, got %f", got)
	}
	if got := Basis(1, 0); got != 0 {
		t.Fatalf("expected zero basis for zero spot, got %f", got)
	}
}

func TestQuoteForConvertsKRWLeg(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	snap := market.UnifiedSnapshot{
		Perp: []market.PerpTick{{Exchange: market.Binance, Symbol: "BTCUSDT", Currency: market.USDT, MarkPrice: 100.6}},
		Spot: []market.SpotTick{{Exchange: market.Bithumb, Symbol: "BTCKRW", Currency: market.KRW, Price: 140000}},
		Rates: market.Rates{
			market.USDTKRW: {Pair: market.USDTKRW, Rate: 1400, ObservedAt: now.Add(-time.Minute)},
		},
	}
	q, err := QuoteFor(snap, market.Binance, "BTCUSDT", market.Bithumb, "BTCKRW", 5*time.Minute, now)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if math.Abs(q.SpotPrice-100) > 1e-9 {
		t.Fatalf("expected spot 100 USDT, got %f", q.SpotPrice)
	}
	if math.Abs(q.Basis-0.006) > 1e-9 {
		t.Fatalf("expected basis 0.006, got %f", q.Basis)
	}
	if !q.RateAt.Equal(now.Add(-time.Minute)) {
		t.Fatalf("expected rate time from USDT/KRW, got %v", q.RateAt)
	}
}

func TestQuoteForRejectsOldRate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	snap := market.UnifiedSnapshot{
		Perp: []market.PerpTick{{Exchange: market.Binance, Symbol: "BTCUSDT", Currency: market.USDT, MarkPrice: 100.6}},
		Spot: []market.SpotTick{{Exchange: market.Bithumb, Symbol: "BTCKRW", Currency: market.KRW, Price: 140000}},
		Rates: market.Rates{
			market.USDTKRW: {Pair: market.USDTKRW, Rate: 1400, ObservedAt: now.Add(-10 * time.Minute)},
		},
	}
	_, err := QuoteFor(snap, market.Binance, "BTCUSDT", market.Bithumb, "BTCKRW", 5*time.Minute, now)
	if !errors.Is(err, ErrRateStale) {
		t.Fatalf("expected ErrRateStale, got %v", err)
	}
	snap.Rates = nil
	_, err = QuoteFor(snap, market.Binance, "BTCUSDT", market.Bithumb, "BTCKRW", 5*time.Minute, now)
	if !errors.Is(err, ErrRateStale) {
		t.Fatalf("expected ErrRateStale for missing rate, got %v", err)
	}
}

func TestQuoteForMissingLeg(t *testing.T) {
	snap := market.UnifiedSnapshot{
		Perp: []market.PerpTick{{Exchange: market.Binance, Symbol: "BTCUSDT", Currency: market.USDT, MarkPrice: 100}},
	}
	_, err := QuoteFor(snap, market.Binance, "BTCUSDT", market.Bybit, "BTCUSDT", 0, time.Now())
	if !errors.Is(err, ErrLegMissing) {
		t.Fatalf("expected ErrLegMissing, got %v", err)
	}
}

func TestEntrySignal(t *testing.T) {
	cfg := testStrategyConfig()
	if side, ok := EntrySignal(cfg, 0.006); !ok || side != SideCarry {
		t.Fatalf("expected carry entry, got %q %v", side, ok)
	}
	if _, ok := EntrySignal(cfg, 0.004); ok {
		t.Fatalf("expected no entry below threshold")
	}
	if side, ok := EntrySignal(cfg, -0.006); !ok || side != SideReverse {
		t.Fatalf("expected reverse entry on a discount by default, got %q %v", side, ok)
	}
	if _, ok := EntrySignal(cfg, -0.004); ok {
		t.Fatalf("expected no entry on a discount below threshold")
	}
	off := false
	cfg.AllowReverse = &off
	if _, ok := EntrySignal(cfg, -0.006); ok {
		t.Fatalf("expected no reverse entry with allow_reverse off")
	}
}

func TestExitSignalIsSideAware(t *testing.T) {
	cfg := testStrategyConfig()
	carry := Position{Side: SideCarry}
	reverse := Position{Side: SideReverse}

	if reason, ok := ExitSignal(cfg, carry, 0.0008); !ok || reason != ExitReversion {
		t.Fatalf("expected carry reversion, got %q %v", reason, ok)
	}
	if _, ok := ExitSignal(cfg, carry, 0.004); ok {
		t.Fatalf("expected carry to hold at 0.4%%")
	}
	if reason, ok := ExitSignal(cfg, carry, 0.021); !ok || reason != ExitStopLoss {
		t.Fatalf("expected carry stop loss, got %q %v", reason, ok)
	}
	if reason, ok := ExitSignal(cfg, carry, -0.03); !ok || reason != ExitReversion {
		t.Fatalf("expected favourable overshoot to exit as reversion, got %q %v", reason, ok)
	}
	if reason, ok := ExitSignal(cfg, reverse, -0.021); !ok || reason != ExitStopLoss {
		t.Fatalf("expected reverse stop loss, got %q %v", reason, ok)
	}
	if _, ok := ExitSignal(cfg, reverse, -0.004); ok {
		t.Fatalf("expected reverse to hold at -0.4%%")
	}
	if reason, ok := ExitSignal(cfg, reverse, -0.0005); !ok || reason != ExitReversion {
		t.Fatalf("expected reverse reversion, got %q %v", reason, ok)
	}
}

func TestMaxHoldExceeded(t *testing.T) {
	cfg := testStrategyConfig()
	start := time.Unix(1_700_000_000, 0)
	pos := Position{EntryTime: start}
	if MaxHoldExceeded(cfg, pos, start.Add(cfg.MaxHold)) {
		t.Fatalf("expected hold at exactly max_hold")
	}
	if !MaxHoldExceeded(cfg, pos, start.Add(cfg.MaxHold+time.Second)) {
		t.Fatalf("expected max hold exceeded")
	}
	cfg.MaxHold = 0
	if MaxHoldExceeded(cfg, pos, start.Add(1000*time.Hour)) {
		t.Fatalf("expected zero max_hold to disable the check")
	}
}
