package record

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestTradeRecords(t *testing.T) {
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	price := 100.6
	if err := store.SaveTrade(ctx, Trade{ExecutedAt: at, Exchange: "binance", Symbol: "BTCUSDT", MarketType: "FUTURES", Side: "SELL", TradeType: "MARKET", Price: &price, Quantity: 0.01, OrderID: "oid-1"}); err != nil {
		t.Fatalf("save trade: %v", err)
	}
	if err := store.SaveTrade(ctx, Trade{ExecutedAt: at.Add(time.Second), Exchange: "binance", Symbol: "BTCUSDT", MarketType: "SPOT", Side: "BUY", TradeType: "MARKET", Quantity: 0.01, Liquidation: true}); err != nil {
		t.Fatalf("save trade: %v", err)
	}
	trades, err := store.RecentTrades(ctx, 10)
	if err != nil {
		t.Fatalf("recent trades: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].MarketType != "SPOT" || trades[0].Price != nil || !trades[0].Liquidation {
		t.Fatalf("unexpected newest trade %+v", trades[0])
	}
	if trades[1].Price == nil || *trades[1].Price != 100.6 || trades[1].OrderID != "oid-1" || !trades[1].ExecutedAt.Equal(at) {
		t.Fatalf("unexpected oldest trade %+v", trades[1])
	}
}

func TestPositionRecordsPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := store.SavePosition(ctx, Position{BotName: "intra_basis", Carry: "CARRY", Action: ActionOpen, Symbol: "BTC", SpotPrice: 100, FuturesMark: 100.6, Basis: 0.006, BuyExchange: "binance", SellExchange: "binance"}); err != nil {
		t.Fatalf("save position: %v", err)
	}
	if err := store.SavePosition(ctx, Position{BotName: "other", Carry: "CARRY", Action: ActionOpen, Symbol: "ETH"}); err != nil {
		t.Fatalf("save position: %v", err)
	}
	_ = store.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	positions, err := reopened.RecentPositions(ctx, "intra_basis", 5)
	if err != nil {
		t.Fatalf("recent positions: %v", err)
	}
	if len(positions) != 1 || positions[0].Action != ActionOpen || positions[0].FuturesMark != 100.6 || positions[0].ExecutedAt.IsZero() {
		t.Fatalf("unexpected positions %+v", positions)
	}
}
