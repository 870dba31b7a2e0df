package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"basis-arb-bot/internal/config"
	"basis-arb-bot/internal/exchange"
	"basis-arb-bot/internal/market"

	"go.uber.org/zap"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc, key, secret string) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	adapter := New(config.ExchangeConfig{BaseURL: server.URL, Timeout: time.Second, APIKey: key, APISecret: secret}, zap.NewNop())
	adapter.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return adapter
}

func TestFetchPerpTickers(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("category") != "linear" {
			t.Errorf("expected linear category, got %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","time":1700000000123,"result":{"category":"linear","list":[
			{"symbol":"ETHUSDT","markPrice":"2000.5","indexPrice":"2000.1","fundingRate":"-0.0002","nextFundingTime":"1700006400000","openInterestValue":"1500000","turnover24h":"9000000"},
			{"symbol":"BTCPERP","markPrice":"100","indexPrice":"100","fundingRate":"0","nextFundingTime":"0","openInterestValue":"0","turnover24h":"0"}
		]}}`))
	}, "", "")
	ticks, err := adapter.FetchPerpTickers(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(ticks) != 1 {
		t.Fatalf("expected 1 tick, got %+v", ticks)
	}
	tick := ticks[0]
	if tick.Symbol != "ETHUSDT" || tick.MarkPrice != 2000.5 || tick.FundingRate != -0.0002 {
		t.Fatalf("unexpected tick %+v", tick)
	}
	if tick.OpenInterestUSD != 1500000 || tick.QuoteVolume24h != 9000000 {
		t.Fatalf("unexpected volume fields %+v", tick)
	}
	if !tick.ObservedAt.Equal(time.UnixMilli(1700000000123)) {
		t.Fatalf("expected envelope time, got %v", tick.ObservedAt)
	}
	if !tick.NextFundingTime.Equal(time.UnixMilli(1700006400000)) {
		t.Fatalf("unexpected next funding %v", tick.NextFundingTime)
	}
}

func TestRetCodeRateLimit(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"retCode":10006,"retMsg":"Too many visits!","result":{}}`))
	}, "", "")
	_, err := adapter.FetchSpotTickers(context.Background())
	if got := exchange.KindOf(err); got != exchange.KindRateLimit {
		t.Fatalf("expected rate_limit, got %s (%v)", got, err)
	}
}

func TestFetchSpotTickers(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","time":1700000000000,"result":{"category":"spot","list":[
			{"symbol":"BTCUSDT","lastPrice":"100.00","turnover24h":"42"},
			{"symbol":"BTCUSDC","lastPrice":"100.01","turnover24h":"1"}
		]}}`))
	}, "", "")
	ticks, err := adapter.FetchSpotTickers(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(ticks) != 1 || ticks[0].Symbol != "BTCUSDT" || ticks[0].Price != 100 {
		t.Fatalf("unexpected ticks %+v", ticks)
	}
}

func TestFetchAssetsSigned(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		mac := hmac.New(sha256.New, []byte("secret"))
		mac.Write([]byte("1700000000000" + "key" + recvWindow + r.URL.RawQuery))
		if got, want := r.Header.Get("X-BAPI-SIGN"), hex.EncodeToString(mac.Sum(nil)); got != want {
			t.Errorf("signature mismatch: got %s want %s", got, want)
		}
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","time":1700000000000,"result":{"list":[{"coin":[
			{"coin":"USDT","walletBalance":"1000","locked":"100"},
			{"coin":"ETH","walletBalance":"0","locked":"0"}
		]}]}}`))
	}, "key", "secret")
	assets, err := adapter.FetchAssets(context.Background())
	if err != nil {
		t.Fatalf("assets: %v", err)
	}
	if len(assets) != 1 || assets[0].Available != 900 || assets[0].InUse != 100 {
		t.Fatalf("unexpected assets %+v", assets)
	}
}

func TestFetchAssetsWithoutCredentials(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request")
	}, "", "")
	_, err := adapter.FetchAssets(context.Background())
	if got := exchange.KindOf(err); got != exchange.KindAuth {
		t.Fatalf("expected auth, got %s", got)
	}
}

func TestFetchOrderBook(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("category") != "spot" {
			t.Errorf("expected spot category")
		}
		_, _ = w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"s":"BTCUSDT","b":[["99","1"]],"a":[["101","1"]],"ts":1700000000000}}`))
	}, "", "")
	book, err := adapter.FetchOrderBook(context.Background(), market.KindSpot, "BTCUSDT")
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if mid, ok := book.Mid(); !ok || mid != 100 {
		t.Fatalf("unexpected mid %v", mid)
	}
}
