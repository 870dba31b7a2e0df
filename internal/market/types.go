package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type ExchangeID string

const (
	Binance ExchangeID = "binance"
	Bybit   ExchangeID = "bybit"
	OKX     ExchangeID = "okx"
	Bitget  ExchangeID = "bitget"
	Bithumb ExchangeID = "bithumb"
)

var exchangeRank = map[ExchangeID]int{
	Binance: 0,
	Bybit:   1,
	OKX:     2,
	Bitget:  3,
	Bithumb: 4,
}

// AllExchanges returns every supported exchange in canonical order.
func AllExchanges() []ExchangeID {
	return []ExchangeID{Binance, Bybit, OKX, Bitget, Bithumb}
}

func ParseExchangeID(raw string) (ExchangeID, error) {
	id := ExchangeID(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := exchangeRank[id]; !ok {
		return "", fmt.Errorf("unknown exchange %q", raw)
	}
	return id, nil
}

func (e ExchangeID) Valid() bool {
	_, ok := exchangeRank[e]
	return ok
}

func (e ExchangeID) rank() int {
	if r, ok := exchangeRank[e]; ok {
		return r
	}
	return len(exchangeRank)
}

// ExchangeLess orders exchanges canonically; unknown ids sort last by name.
func ExchangeLess(a, b ExchangeID) bool {
	ra, rb := a.rank(), b.rank()
	if ra != rb {
		return ra < rb
	}
	return a < b
}

func SortExchanges(ids []ExchangeID) {
	sort.SliceStable(ids, func(i, j int) bool { return ExchangeLess(ids[i], ids[j]) })
}

type Currency string

const (
	USD  Currency = "USD"
	USDT Currency = "USDT"
	KRW  Currency = "KRW"
)

var quoteSuffixes = []Currency{USDT, KRW, USD}

// SplitSymbol splits a normalized symbol such as BTCUSDT into base and quote.
// Symbols without a known quote come back whole with an empty quote.
func SplitSymbol(symbol string) (string, Currency) {
	for _, q := range quoteSuffixes {
		if strings.HasSuffix(symbol, string(q)) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, string(q)), q
		}
	}
	return symbol, ""
}

func JoinSymbol(base string, quote Currency) string {
	return strings.ToUpper(base) + string(quote)
}

type Kind string

const (
	KindPerp Kind = "perp"
	KindSpot Kind = "spot"
)

type PerpTick struct {
	Exchange        ExchangeID `json:"exchange"`
	Symbol          string     `json:"symbol"`
	Currency        Currency   `json:"currency"`
	MarkPrice       float64    `json:"mark_price"`
	IndexPrice      float64    `json:"index_price"`
	FundingRate     float64    `json:"funding_rate"`
	OpenInterestUSD float64    `json:"oi_usd"`
	QuoteVolume24h  float64    `json:"vol_24h_quote"`
	Volume24hUSD    float64    `json:"vol_24h_usd"`
	NextFundingTime time.Time  `json:"next_funding_time"`
	ObservedAt      time.Time  `json:"observed_at"`
}

type SpotTick struct {
	Exchange       ExchangeID `json:"exchange"`
	Symbol         string     `json:"symbol"`
	Currency       Currency   `json:"currency"`
	Price          float64    `json:"price"`
	QuoteVolume24h float64    `json:"vol_24h_quote"`
	Volume24hUSD   float64    `json:"vol_24h_usd"`
	ObservedAt     time.Time  `json:"observed_at"`
}

func SortPerp(ticks []PerpTick) {
	sort.SliceStable(ticks, func(i, j int) bool {
		if ticks[i].Exchange != ticks[j].Exchange {
			return ExchangeLess(ticks[i].Exchange, ticks[j].Exchange)
		}
		return ticks[i].Symbol < ticks[j].Symbol
	})
}

func SortSpot(ticks []SpotTick) {
	sort.SliceStable(ticks, func(i, j int) bool {
		if ticks[i].Exchange != ticks[j].Exchange {
			return ExchangeLess(ticks[i].Exchange, ticks[j].Exchange)
		}
		return ticks[i].Symbol < ticks[j].Symbol
	})
}

type BookLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook holds bids best-first (descending) and asks best-first (ascending).
type OrderBook struct {
	Exchange   ExchangeID  `json:"exchange"`
	Symbol     string      `json:"symbol"`
	Kind       Kind        `json:"kind"`
	Bids       []BookLevel `json:"bids"`
	Asks       []BookLevel `json:"asks"`
	ObservedAt time.Time   `json:"observed_at"`
}

func (b OrderBook) Mid() (float64, bool) {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return 0, false
	}
	return (b.Bids[0].Price + b.Asks[0].Price) / 2, true
}

type Asset struct {
	Exchange   ExchangeID `json:"exchange"`
	Currency   string     `json:"currency"`
	Total      float64    `json:"total"`
	Available  float64    `json:"available"`
	InUse      float64    `json:"in_use"`
	ObservedAt time.Time  `json:"observed_at"`
}

// FeeSchedule rates are fractions: 0.0004 is 4 bps.
type FeeSchedule struct {
	Exchange ExchangeID `json:"exchange"`
	Symbol   string     `json:"symbol"`
	Maker    float64    `json:"maker"`
	Taker    float64    `json:"taker"`
}
