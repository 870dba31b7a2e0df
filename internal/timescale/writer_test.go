package timescale

import (
	"context"
	"testing"
	"time"

	"basis-arb-bot/internal/config"
	"basis-arb-bot/internal/market"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	w, err := New(config.TimescaleConfig{Enabled: false}, zap.NewNop())
	if err != nil || w != nil {
		t.Fatalf("expected nil writer when disabled, got %v %v", w, err)
	}
	// Nil writers are safe to call.
	w.EnqueueObservation(BasisObservation{})
	w.ObserveSnapshot(market.UnifiedSnapshot{})
	w.Start(context.Background())
	if err := w.Close(); err != nil {
		t.Fatalf("close nil writer: %v", err)
	}
}

func TestNewRequiresDSN(t *testing.T) {
	if _, err := New(config.TimescaleConfig{Enabled: true}, zap.NewNop()); err == nil {
		t.Fatalf("expected error without dsn")
	}
}

func TestFullQueueDropsWithSingleWarning(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	w := newWriter(nil, "", 1, zap.New(core))
	for i := 0; i < 3; i++ {
		w.EnqueueObservation(BasisObservation{Basis: float64(i)})
	}
	snap := market.UnifiedSnapshot{Perp: []market.PerpTick{{Exchange: market.Binance, Symbol: "BTCUSDT", MarkPrice: 1}}}
	for i := 0; i < 3; i++ {
		w.ObserveSnapshot(snap)
	}
	obs, ticks := w.Dropped()
	if obs != 2 || ticks != 2 {
		t.Fatalf("expected 2 drops each, got %d/%d", obs, ticks)
	}
	if got := logs.FilterMessage("timescale observation queue full, dropping").Len(); got != 1 {
		t.Fatalf("expected a single observation warning, got %d", got)
	}
	if got := logs.FilterMessage("timescale tick queue full, dropping").Len(); got != 1 {
		t.Fatalf("expected a single tick warning, got %d", got)
	}
}

func TestFlatten(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	snap := market.UnifiedSnapshot{
		Seq: 7,
		Perp: []market.PerpTick{
			{Exchange: market.Binance, Symbol: "BTCUSDT", MarkPrice: 100.6, IndexPrice: 100.5, FundingRate: 0.0001},
		},
		Spot: []market.SpotTick{
			{Exchange: market.Bithumb, Symbol: "BTCKRW", Price: 135000, Volume24hUSD: 1e6},
		},
		CollectedAt: at,
		Partial:     []market.ExchangeID{market.Bithumb},
	}
	rows := Flatten(snap)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Kind != "perp" || rows[0].Price != 100.6 || rows[0].Partial || rows[0].Seq != 7 || !rows[0].Time.Equal(at) {
		t.Fatalf("unexpected perp row %+v", rows[0])
	}
	if rows[1].Kind != "spot" || !rows[1].Partial || rows[1].VolumeUSD != 1e6 {
		t.Fatalf("unexpected spot row %+v", rows[1])
	}
}
