package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"basis-arb-bot/internal/config"
	"basis-arb-bot/internal/exchange"
	"basis-arb-bot/internal/exchange/rest"
	"basis-arb-bot/internal/market"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.bybit.com"

	recvWindow = "5000"
	bookDepth  = "50"
)

var defaultFees = market.FeeSchedule{Exchange: market.Bybit, Maker: 0.001, Taker: 0.001}

// Adapter covers Bybit v5 linear perpetuals and spot.
type Adapter struct {
	client    *rest.Client
	apiKey    string
	apiSecret string
	log       *zap.Logger
	now       func() time.Time
}

func New(cfg config.ExchangeConfig, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return &Adapter{
		client:    rest.New(market.Bybit, base, rest.Options{Timeout: cfg.Timeout, RPS: cfg.RateLimit, Burst: cfg.Burst}, log),
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		log:       log,
		now:       time.Now,
	}
}

func (a *Adapter) ID() market.ExchangeID {
	return market.Bybit
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

type tickerList struct {
	List []struct {
		Symbol            string `json:"symbol"`
		LastPrice         string `json:"lastPrice"`
		MarkPrice         string `json:"markPrice"`
		IndexPrice        string `json:"indexPrice"`
		FundingRate       string `json:"fundingRate"`
		NextFundingTime   string `json:"nextFundingTime"`
		OpenInterestValue string `json:"openInterestValue"`
		Turnover24h       string `json:"turnover24h"`
	} `json:"list"`
}

func (a *Adapter) FetchPerpTickers(ctx context.Context) ([]market.PerpTick, error) {
	var list tickerList
	at, err := a.get(ctx, "perp tickers", "/v5/market/tickers", url.Values{"category": {"linear"}}, nil, &list)
	if err != nil {
		return nil, err
	}
	out := make([]market.PerpTick, 0, len(list.List))
	for _, row := range list.List {
		if _, quote := market.SplitSymbol(row.Symbol); quote != market.USDT {
			continue
		}
		mark, err := exchange.ParseFloat(row.MarkPrice)
		if err != nil || mark <= 0 {
			continue
		}
		idx, _ := exchange.ParseFloat(row.IndexPrice)
		funding, _ := exchange.ParseFloat(row.FundingRate)
		oi, _ := exchange.ParseFloat(row.OpenInterestValue)
		vol, _ := exchange.ParseFloat(row.Turnover24h)
		tick := market.PerpTick{
			Exchange:        market.Bybit,
			Symbol:          row.Symbol,
			Currency:        market.USDT,
			MarkPrice:       mark,
			IndexPrice:      idx,
			FundingRate:     funding,
			OpenInterestUSD: oi,
			QuoteVolume24h:  vol,
			ObservedAt:      at,
		}
		if ms, err := exchange.ParseMillis(row.NextFundingTime); err == nil && ms > 0 {
			tick.NextFundingTime = time.UnixMilli(ms).UTC()
		}
		out = append(out, tick)
	}
	if len(out) == 0 && len(list.List) > 0 {
		return nil, exchange.NewError(market.Bybit, "perp tickers", exchange.KindParse, exchange.ErrNoRows)
	}
	return out, nil
}

func (a *Adapter) FetchSpotTickers(ctx context.Context) ([]market.SpotTick, error) {
	var list tickerList
	at, err := a.get(ctx, "spot tickers", "/v5/market/tickers", url.Values{"category": {"spot"}}, nil, &list)
	if err != nil {
		return nil, err
	}
	out := make([]market.SpotTick, 0, len(list.List))
	for _, row := range list.List {
		if _, quote := market.SplitSymbol(row.Symbol); quote != market.USDT {
			continue
		}
		price, err := exchange.ParseFloat(row.LastPrice)
		if err != nil || price <= 0 {
			continue
		}
		vol, _ := exchange.ParseFloat(row.Turnover24h)
		out = append(out, market.SpotTick{
			Exchange:       market.Bybit,
			Symbol:         row.Symbol,
			Currency:       market.USDT,
			Price:          price,
			QuoteVolume24h: vol,
			ObservedAt:     at,
		})
	}
	if len(out) == 0 && len(list.List) > 0 {
		return nil, exchange.NewError(market.Bybit, "spot tickers", exchange.KindParse, exchange.ErrNoRows)
	}
	return out, nil
}

type orderbook struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	TS     int64      `json:"ts"`
}

func (a *Adapter) FetchOrderBook(ctx context.Context, kind market.Kind, symbol string) (market.OrderBook, error) {
	category := "spot"
	if kind == market.KindPerp {
		category = "linear"
	}
	var raw orderbook
	at, err := a.get(ctx, "order book", "/v5/market/orderbook", url.Values{"category": {category}, "symbol": {symbol}, "limit": {bookDepth}}, nil, &raw)
	if err != nil {
		return market.OrderBook{}, err
	}
	bids, err := exchange.ParseLevels(raw.Bids)
	if err != nil {
		return market.OrderBook{}, exchange.NewError(market.Bybit, "order book", exchange.KindParse, err)
	}
	asks, err := exchange.ParseLevels(raw.Asks)
	if err != nil {
		return market.OrderBook{}, exchange.NewError(market.Bybit, "order book", exchange.KindParse, err)
	}
	if raw.TS > 0 {
		at = time.UnixMilli(raw.TS).UTC()
	}
	return market.OrderBook{Exchange: market.Bybit, Symbol: symbol, Kind: kind, Bids: bids, Asks: asks, ObservedAt: at}, nil
}

type walletBalance struct {
	List []struct {
		Coin []struct {
			Coin          string `json:"coin"`
			WalletBalance string `json:"walletBalance"`
			Locked        string `json:"locked"`
		} `json:"coin"`
	} `json:"list"`
}

func (a *Adapter) FetchAssets(ctx context.Context) ([]market.Asset, error) {
	header, query, err := a.signed("assets", url.Values{"accountType": {"UNIFIED"}})
	if err != nil {
		return nil, err
	}
	var wallet walletBalance
	at, err := a.get(ctx, "assets", "/v5/account/wallet-balance", query, header, &wallet)
	if err != nil {
		return nil, err
	}
	var out []market.Asset
	for _, acct := range wallet.List {
		for _, c := range acct.Coin {
			total, err := exchange.ParseFloat(c.WalletBalance)
			if err != nil {
				return nil, exchange.NewError(market.Bybit, "assets", exchange.KindParse, err)
			}
			locked, _ := exchange.ParseFloat(c.Locked)
			if total <= 0 {
				continue
			}
			out = append(out, market.Asset{
				Exchange:   market.Bybit,
				Currency:   c.Coin,
				Total:      total,
				Available:  total - locked,
				InUse:      locked,
				ObservedAt: at,
			})
		}
	}
	return out, nil
}

type feeRates struct {
	List []struct {
		Symbol       string `json:"symbol"`
		TakerFeeRate string `json:"takerFeeRate"`
		MakerFeeRate string `json:"makerFeeRate"`
	} `json:"list"`
}

func (a *Adapter) FetchFees(ctx context.Context, symbol string) (market.FeeSchedule, error) {
	if a.apiKey == "" || a.apiSecret == "" {
		fees := defaultFees
		fees.Symbol = symbol
		return fees, nil
	}
	header, query, err := a.signed("fees", url.Values{"category": {"spot"}, "symbol": {symbol}})
	if err != nil {
		return market.FeeSchedule{}, err
	}
	var rates feeRates
	if _, err := a.get(ctx, "fees", "/v5/account/fee-rate", query, header, &rates); err != nil {
		return market.FeeSchedule{}, err
	}
	for _, row := range rates.List {
		if row.Symbol != symbol {
			continue
		}
		maker, err := exchange.ParseFloat(row.MakerFeeRate)
		if err != nil {
			return market.FeeSchedule{}, exchange.NewError(market.Bybit, "fees", exchange.KindParse, err)
		}
		taker, err := exchange.ParseFloat(row.TakerFeeRate)
		if err != nil {
			return market.FeeSchedule{}, exchange.NewError(market.Bybit, "fees", exchange.KindParse, err)
		}
		return market.FeeSchedule{Exchange: market.Bybit, Symbol: symbol, Maker: maker, Taker: taker}, nil
	}
	return market.FeeSchedule{}, exchange.NewError(market.Bybit, "fees", exchange.KindParse, exchange.ErrNoRows)
}

// signed builds the v5 auth headers: HMAC-SHA256 over
// timestamp + apiKey + recvWindow + queryString.
func (a *Adapter) signed(op string, query url.Values) (http.Header, url.Values, error) {
	if a.apiKey == "" || a.apiSecret == "" {
		return nil, nil, exchange.NewError(market.Bybit, op, exchange.KindAuth, exchange.ErrNoCredentials)
	}
	ts := strconv.FormatInt(a.now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(a.apiSecret))
	mac.Write([]byte(ts + a.apiKey + recvWindow + query.Encode()))
	header := http.Header{}
	header.Set("X-BAPI-API-KEY", a.apiKey)
	header.Set("X-BAPI-TIMESTAMP", ts)
	header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	header.Set("X-BAPI-SIGN", hex.EncodeToString(mac.Sum(nil)))
	return header, query, nil
}

func (a *Adapter) get(ctx context.Context, op, path string, query url.Values, header http.Header, out any) (time.Time, error) {
	var env envelope
	if err := a.client.GetJSON(ctx, op, path, query, header, &env); err != nil {
		return time.Time{}, err
	}
	if env.RetCode != 0 {
		return time.Time{}, exchange.NewError(market.Bybit, op, kindForCode(env.RetCode), fmt.Errorf("retCode %d: %s", env.RetCode, env.RetMsg))
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return time.Time{}, exchange.NewError(market.Bybit, op, exchange.KindParse, err)
	}
	if env.Time > 0 {
		return time.UnixMilli(env.Time).UTC(), nil
	}
	return a.now().UTC(), nil
}

func kindForCode(code int) exchange.Kind {
	switch code {
	case 10006, 10018:
		return exchange.KindRateLimit
	case 10003, 10004, 10005, 10010, 33004:
		return exchange.KindAuth
	default:
		return exchange.KindTransport
	}
}
