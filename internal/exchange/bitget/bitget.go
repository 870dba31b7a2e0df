package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
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
	DefaultBaseURL = "https://api.bitget.com"

	productType = "USDT-FUTURES"
	successCode = "00000"
)

var defaultFees = market.FeeSchedule{Exchange: market.Bitget, Maker: 0.001, Taker: 0.001}

// Adapter covers Bitget v2 USDT futures and spot.
type Adapter struct {
	client     *rest.Client
	apiKey     string
	apiSecret  string
	passphrase string
	log        *zap.Logger
	now        func() time.Time
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
		client:     rest.New(market.Bitget, base, rest.Options{Timeout: cfg.Timeout, RPS: cfg.RateLimit, Burst: cfg.Burst}, log),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		passphrase: cfg.Passphrase,
		log:        log,
		now:        time.Now,
	}
}

func (a *Adapter) ID() market.ExchangeID {
	return market.Bitget
}

type envelope struct {
	Code        string          `json:"code"`
	Msg         string          `json:"msg"`
	RequestTime int64           `json:"requestTime"`
	Data        json.RawMessage `json:"data"`
}

type ticker struct {
	Symbol        string `json:"symbol"`
	LastPr        string `json:"lastPr"`
	MarkPrice     string `json:"markPrice"`
	IndexPrice    string `json:"indexPrice"`
	FundingRate   string `json:"fundingRate"`
	HoldingAmount string `json:"holdingAmount"`
	QuoteVolume   string `json:"quoteVolume"`
	TS            string `json:"ts"`
}

func (a *Adapter) FetchPerpTickers(ctx context.Context) ([]market.PerpTick, error) {
	var rows []ticker
	if err := a.get(ctx, "perp tickers", "/api/v2/mix/market/tickers", url.Values{"productType": {productType}}, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]market.PerpTick, 0, len(rows))
	for _, row := range rows {
		if _, quote := market.SplitSymbol(row.Symbol); quote != market.USDT {
			continue
		}
		mark, err := exchange.ParseFloat(row.MarkPrice)
		if err != nil || mark <= 0 {
			continue
		}
		idx, _ := exchange.ParseFloat(row.IndexPrice)
		funding, _ := exchange.ParseFloat(row.FundingRate)
		holding, _ := exchange.ParseFloat(row.HoldingAmount)
		vol, _ := exchange.ParseFloat(row.QuoteVolume)
		out = append(out, market.PerpTick{
			Exchange:        market.Bitget,
			Symbol:          row.Symbol,
			Currency:        market.USDT,
			MarkPrice:       mark,
			IndexPrice:      idx,
			FundingRate:     funding,
			OpenInterestUSD: holding * mark,
			QuoteVolume24h:  vol,
			ObservedAt:      a.observed(row.TS),
		})
	}
	if len(out) == 0 && len(rows) > 0 {
		return nil, exchange.NewError(market.Bitget, "perp tickers", exchange.KindParse, exchange.ErrNoRows)
	}
	return out, nil
}

func (a *Adapter) FetchSpotTickers(ctx context.Context) ([]market.SpotTick, error) {
	var rows []ticker
	if err := a.get(ctx, "spot tickers", "/api/v2/spot/market/tickers", nil, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]market.SpotTick, 0, len(rows))
	for _, row := range rows {
		if _, quote := market.SplitSymbol(row.Symbol); quote != market.USDT {
			continue
		}
		price, err := exchange.ParseFloat(row.LastPr)
		if err != nil || price <= 0 {
			continue
		}
		vol, _ := exchange.ParseFloat(row.QuoteVolume)
		out = append(out, market.SpotTick{
			Exchange:       market.Bitget,
			Symbol:         row.Symbol,
			Currency:       market.USDT,
			Price:          price,
			QuoteVolume24h: vol,
			ObservedAt:     a.observed(row.TS),
		})
	}
	if len(out) == 0 && len(rows) > 0 {
		return nil, exchange.NewError(market.Bitget, "spot tickers", exchange.KindParse, exchange.ErrNoRows)
	}
	return out, nil
}

type depth struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
	TS   string     `json:"ts"`
}

func (a *Adapter) FetchOrderBook(ctx context.Context, kind market.Kind, symbol string) (market.OrderBook, error) {
	path := "/api/v2/spot/market/orderbook"
	query := url.Values{"symbol": {symbol}, "limit": {"20"}}
	if kind == market.KindPerp {
		path = "/api/v2/mix/market/merge-depth"
		query = url.Values{"symbol": {symbol}, "productType": {productType}, "limit": {"15"}}
	}
	var raw depth
	if err := a.get(ctx, "order book", path, query, nil, &raw); err != nil {
		return market.OrderBook{}, err
	}
	bids, err := exchange.ParseLevels(raw.Bids)
	if err != nil {
		return market.OrderBook{}, exchange.NewError(market.Bitget, "order book", exchange.KindParse, err)
	}
	asks, err := exchange.ParseLevels(raw.Asks)
	if err != nil {
		return market.OrderBook{}, exchange.NewError(market.Bitget, "order book", exchange.KindParse, err)
	}
	return market.OrderBook{
		Exchange:   market.Bitget,
		Symbol:     symbol,
		Kind:       kind,
		Bids:       bids,
		Asks:       asks,
		ObservedAt: a.observed(raw.TS),
	}, nil
}

type assetRow struct {
	Coin      string `json:"coin"`
	Available string `json:"available"`
	Frozen    string `json:"frozen"`
	Locked    string `json:"locked"`
}

func (a *Adapter) FetchAssets(ctx context.Context) ([]market.Asset, error) {
	path := "/api/v2/spot/account/assets"
	header, err := a.sign("assets", path, "")
	if err != nil {
		return nil, err
	}
	var rows []assetRow
	if err := a.get(ctx, "assets", path, nil, header, &rows); err != nil {
		return nil, err
	}
	now := a.now().UTC()
	var out []market.Asset
	for _, row := range rows {
		avail, err := exchange.ParseFloat(row.Available)
		if err != nil {
			return nil, exchange.NewError(market.Bitget, "assets", exchange.KindParse, err)
		}
		frozen, _ := exchange.ParseFloat(row.Frozen)
		locked, _ := exchange.ParseFloat(row.Locked)
		inUse := frozen + locked
		if avail+inUse <= 0 {
			continue
		}
		out = append(out, market.Asset{
			Exchange:   market.Bitget,
			Currency:   row.Coin,
			Total:      avail + inUse,
			Available:  avail,
			InUse:      inUse,
			ObservedAt: now,
		})
	}
	return out, nil
}

type tradeRate struct {
	MakerFeeRate string `json:"makerFeeRate"`
	TakerFeeRate string `json:"takerFeeRate"`
}

func (a *Adapter) FetchFees(ctx context.Context, symbol string) (market.FeeSchedule, error) {
	if a.apiKey == "" || a.apiSecret == "" || a.passphrase == "" {
		fees := defaultFees
		fees.Symbol = symbol
		return fees, nil
	}
	path := "/api/v2/common/trade-rate"
	query := url.Values{"symbol": {symbol}, "businessType": {"spot"}}
	header, err := a.sign("fees", path, query.Encode())
	if err != nil {
		return market.FeeSchedule{}, err
	}
	var rate tradeRate
	if err := a.get(ctx, "fees", path, query, header, &rate); err != nil {
		return market.FeeSchedule{}, err
	}
	maker, err := exchange.ParseFloat(rate.MakerFeeRate)
	if err != nil {
		return market.FeeSchedule{}, exchange.NewError(market.Bitget, "fees", exchange.KindParse, err)
	}
	taker, err := exchange.ParseFloat(rate.TakerFeeRate)
	if err != nil {
		return market.FeeSchedule{}, exchange.NewError(market.Bitget, "fees", exchange.KindParse, err)
	}
	return market.FeeSchedule{Exchange: market.Bitget, Symbol: symbol, Maker: maker, Taker: taker}, nil
}

// sign builds ACCESS-* headers: base64 HMAC-SHA256 over
// timestamp + method + path + ?query.
func (a *Adapter) sign(op, path, rawQuery string) (http.Header, error) {
	if a.apiKey == "" || a.apiSecret == "" || a.passphrase == "" {
		return nil, exchange.NewError(market.Bitget, op, exchange.KindAuth, exchange.ErrNoCredentials)
	}
	ts := strconv.FormatInt(a.now().UnixMilli(), 10)
	target := path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	mac := hmac.New(sha256.New, []byte(a.apiSecret))
	mac.Write([]byte(ts + http.MethodGet + target))
	header := http.Header{}
	header.Set("ACCESS-KEY", a.apiKey)
	header.Set("ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	header.Set("ACCESS-TIMESTAMP", ts)
	header.Set("ACCESS-PASSPHRASE", a.passphrase)
	header.Set("locale", "en-US")
	return header, nil
}

func (a *Adapter) get(ctx context.Context, op, path string, query url.Values, header http.Header, out any) error {
	var env envelope
	if err := a.client.GetJSON(ctx, op, path, query, header, &env); err != nil {
		return err
	}
	if env.Code != successCode {
		return exchange.NewError(market.Bitget, op, kindForCode(env.Code), fmt.Errorf("code %s: %s", env.Code, env.Msg))
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return exchange.NewError(market.Bitget, op, exchange.KindParse, err)
	}
	return nil
}

func kindForCode(code string) exchange.Kind {
	switch code {
	case "429", "43011":
		return exchange.KindRateLimit
	case "40006", "40008", "40009", "40012", "40037":
		return exchange.KindAuth
	default:
		return exchange.KindTransport
	}
}

func (a *Adapter) observed(raw string) time.Time {
	if ms, err := exchange.ParseMillis(raw); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return a.now().UTC()
}
