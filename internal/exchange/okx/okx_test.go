package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"basis-arb-bot/internal/config"
	"basis-arb-bot/internal/exchange"
	"basis-arb-bot/internal/market"

	"go.uber.org/zap"
)

func newTestAdapter(t *testing.T, handler http.Handler, cfg config.ExchangeConfig) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	cfg.BaseURL = server.URL
	cfg.Timeout = time.Second
	adapter := New(cfg, zap.NewNop())
	adapter.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return adapter
}

func TestNormalize(t *testing.T) {
	if got := normalize("BTC-USDT-SWAP", true); got != "BTCUSDT" {
		t.Fatalf("expected BTCUSDT, got %q", got)
	}
	if got := normalize("BTC-USD-SWAP", true); got != "" {
		t.Fatalf("expected coin-margined swap to be skipped, got %q", got)
	}
	if got := normalize("ETH-USDT", false); got != "ETHUSDT" {
		t.Fatalf("expected ETHUSDT, got %q", got)
	}
	if got := instID("ETHUSDT", market.KindPerp); got != "ETH-USDT-SWAP" {
		t.Fatalf("expected ETH-USDT-SWAP, got %q", got)
	}
}

func TestFetchPerpTickers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v5/public/mark-price", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[
			{"instType":"SWAP","instId":"BTC-USDT-SWAP","markPx":"100.6","ts":"1700000000200"},
			{"instType":"SWAP","instId":"BTC-USD-SWAP","markPx":"100.7","ts":"1700000000200"}
		]}`))
	})
	mux.HandleFunc("/api/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT-SWAP","last":"100","volCcy24h":"10","ts":"1700000000100"}]}`))
	})
	mux.HandleFunc("/api/v5/market/index-tickers", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT","idxPx":"100.5"}]}`))
	})
	adapter := newTestAdapter(t, mux, config.ExchangeConfig{})
	ticks, err := adapter.FetchPerpTickers(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(ticks) != 1 {
		t.Fatalf("expected 1 tick, got %+v", ticks)
	}
	tick := ticks[0]
	if tick.Symbol != "BTCUSDT" || tick.MarkPrice != 100.6 || tick.IndexPrice != 100.5 || tick.QuoteVolume24h != 1000 {
		t.Fatalf("unexpected tick %+v", tick)
	}
	if !tick.ObservedAt.Equal(time.UnixMilli(1700000000200)) {
		t.Fatalf("unexpected observed_at %v", tick.ObservedAt)
	}
}

func TestErrorCodes(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"50011","msg":"Too Many Requests","data":[]}`))
	}), config.ExchangeConfig{})
	_, err := adapter.FetchSpotTickers(context.Background())
	if got := exchange.KindOf(err); got != exchange.KindRateLimit {
		t.Fatalf("expected rate_limit, got %s (%v)", got, err)
	}
}

func TestFetchAssetsSigned(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts := r.Header.Get("OK-ACCESS-TIMESTAMP")
		if ts != "2023-11-14T22:13:20.000Z" {
			t.Errorf("unexpected timestamp %q", ts)
		}
		mac := hmac.New(sha256.New, []byte("secret"))
		mac.Write([]byte(ts + "GET" + "/api/v5/account/balance"))
		if got, want := r.Header.Get("OK-ACCESS-SIGN"), base64.StdEncoding.EncodeToString(mac.Sum(nil)); got != want {
			t.Errorf("signature mismatch")
		}
		if r.Header.Get("OK-ACCESS-PASSPHRASE") != "pass" {
			t.Errorf("missing passphrase")
		}
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"details":[{"ccy":"USDT","eq":"500","availBal":"450","frozenBal":"50"}]}]}`))
	}), config.ExchangeConfig{APIKey: "key", APISecret: "secret", Passphrase: "pass"})
	assets, err := adapter.FetchAssets(context.Background())
	if err != nil {
		t.Fatalf("assets: %v", err)
	}
	if len(assets) != 1 || assets[0].Total != 500 || assets[0].Available != 450 || assets[0].InUse != 50 {
		t.Fatalf("unexpected assets %+v", assets)
	}
}

func TestFetchAssetsNeedsPassphrase(t *testing.T) {
	adapter := newTestAdapter(t, http.NotFoundHandler(), config.ExchangeConfig{APIKey: "key", APISecret: "secret"})
	_, err := adapter.FetchAssets(context.Background())
	if got := exchange.KindOf(err); got != exchange.KindAuth {
		t.Fatalf("expected auth, got %s", got)
	}
}

func TestFetchOrderBook(t *testing.T) {
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("instId") != "BTC-USDT-SWAP" {
			t.Errorf("unexpected instId %q", r.URL.Query().Get("instId"))
		}
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"asks":[["101","2","0","1"]],"bids":[["99","3","0","2"]],"ts":"1700000000000"}]}`))
	}), config.ExchangeConfig{})
	book, err := adapter.FetchOrderBook(context.Background(), market.KindPerp, "BTCUSDT")
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if len(book.Bids) != 1 || book.Bids[0].Quantity != 3 || book.Asks[0].Price != 101 {
		t.Fatalf("unexpected book %+v", book)
	}
}
