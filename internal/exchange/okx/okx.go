package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"basis-arb-bot/internal/config"
	"basis-arb-bot/internal/exchange"
	"basis-arb-bot/internal/exchange/rest"
	"basis-arb-bot/internal/market"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://www.okx.com"

	bookDepth = "20"
)

var defaultFees = market.FeeSchedule{Exchange: market.OKX, Maker: 0.0008, Taker: 0.001}

// Adapter covers OKX v5 USDT swaps and spot. Instrument ids such as
// BTC-USDT-SWAP are normalized to BTCUSDT.
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
		client:     rest.New(market.OKX, base, rest.Options{Timeout: cfg.Timeout, RPS: cfg.RateLimit, Burst: cfg.Burst}, log),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		passphrase: cfg.Passphrase,
		log:        log,
		now:        time.Now,
	}
}

func (a *Adapter) ID() market.ExchangeID {
	return market.OKX
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type markPrice struct {
	InstID string `json:"instId"`
	MarkPx string `json:"markPx"`
	TS     string `json:"ts"`
}

type ticker struct {
	InstID    string `json:"instId"`
	Last      string `json:"last"`
	VolCcy24h string `json:"volCcy24h"`
	TS        string `json:"ts"`
}

type indexTicker struct {
	InstID string `json:"instId"`
	IdxPx  string `json:"idxPx"`
}

// normalize turns BTC-USDT or BTC-USDT-SWAP into BTCUSDT; other instruments
// come back empty.
func normalize(instID string, swap bool) string {
	parts := strings.Split(instID, "-")
	if swap {
		if len(parts) != 3 || parts[2] != "SWAP" {
			return ""
		}
	} else if len(parts) != 2 {
		return ""
	}
	if parts[1] != string(market.USDT) {
		return ""
	}
	return market.JoinSymbol(parts[0], market.USDT)
}

func instID(symbol string, kind market.Kind) string {
	base, quote := market.SplitSymbol(symbol)
	id := base + "-" + string(quote)
	if kind == market.KindPerp {
		id += "-SWAP"
	}
	return id
}

func (a *Adapter) FetchPerpTickers(ctx context.Context) ([]market.PerpTick, error) {
	var marks []markPrice
	if err := a.get(ctx, "perp tickers", "/api/v5/public/mark-price", url.Values{"instType": {"SWAP"}}, nil, &marks); err != nil {
		return nil, err
	}
	var tickers []ticker
	if err := a.get(ctx, "perp tickers", "/api/v5/market/tickers", url.Values{"instType": {"SWAP"}}, nil, &tickers); err != nil {
		return nil, err
	}
	var indices []indexTicker
	if err := a.get(ctx, "perp tickers", "/api/v5/market/index-tickers", url.Values{"quoteCcy": {"USDT"}}, nil, &indices); err != nil {
		return nil, err
	}
	volumes := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		symbol := normalize(t.InstID, true)
		if symbol == "" {
			continue
		}
		// volCcy24h is in base currency for swaps.
		base, _ := exchange.ParseFloat(t.VolCcy24h)
		last, _ := exchange.ParseFloat(t.Last)
		volumes[symbol] = base * last
	}
	index := make(map[string]float64, len(indices))
	for _, t := range indices {
		symbol := normalize(t.InstID, false)
		if symbol == "" {
			continue
		}
		if px, err := exchange.ParseFloat(t.IdxPx); err == nil {
			index[symbol] = px
		}
	}
	out := make([]market.PerpTick, 0, len(marks))
	for _, m := range marks {
		symbol := normalize(m.InstID, true)
		if symbol == "" {
			continue
		}
		mark, err := exchange.ParseFloat(m.MarkPx)
		if err != nil || mark <= 0 {
			continue
		}
		out = append(out, market.PerpTick{
			Exchange:       market.OKX,
			Symbol:         symbol,
			Currency:       market.USDT,
			MarkPrice:      mark,
			IndexPrice:     index[symbol],
			QuoteVolume24h: volumes[symbol],
			ObservedAt:     a.observed(m.TS),
		})
	}
	if len(out) == 0 && len(marks) > 0 {
		return nil, exchange.NewError(market.OKX, "perp tickers", exchange.KindParse, exchange.ErrNoRows)
	}
	return out, nil
}

func (a *Adapter) FetchSpotTickers(ctx context.Context) ([]market.SpotTick, error) {
	var tickers []ticker
	if err := a.get(ctx, "spot tickers", "/api/v5/market/tickers", url.Values{"instType": {"SPOT"}}, nil, &tickers); err != nil {
		return nil, err
	}
	out := make([]market.SpotTick, 0, len(tickers))
	for _, t := range tickers {
		symbol := normalize(t.InstID, false)
		if symbol == "" {
			continue
		}
		price, err := exchange.ParseFloat(t.Last)
		if err != nil || price <= 0 {
			continue
		}
		// volCcy24h is in quote currency for spot.
		vol, _ := exchange.ParseFloat(t.VolCcy24h)
		out = append(out, market.SpotTick{
			Exchange:       market.OKX,
			Symbol:         symbol,
			Currency:       market.USDT,
			Price:          price,
			QuoteVolume24h: vol,
			ObservedAt:     a.observed(t.TS),
		})
	}
	if len(out) == 0 && len(tickers) > 0 {
		return nil, exchange.NewError(market.OKX, "spot tickers", exchange.KindParse, exchange.ErrNoRows)
	}
	return out, nil
}

type book struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
	TS   string     `json:"ts"`
}

func (a *Adapter) FetchOrderBook(ctx context.Context, kind market.Kind, symbol string) (market.OrderBook, error) {
	var books []book
	if err := a.get(ctx, "order book", "/api/v5/market/books", url.Values{"instId": {instID(symbol, kind)}, "sz": {bookDepth}}, nil, &books); err != nil {
		return market.OrderBook{}, err
	}
	if len(books) == 0 {
		return market.OrderBook{}, exchange.NewError(market.OKX, "order book", exchange.KindParse, exchange.ErrNoRows)
	}
	bids, err := exchange.ParseLevels(books[0].Bids)
	if err != nil {
		return market.OrderBook{}, exchange.NewError(market.OKX, "order book", exchange.KindParse, err)
	}
	asks, err := exchange.ParseLevels(books[0].Asks)
	if err != nil {
		return market.OrderBook{}, exchange.NewError(market.OKX, "order book", exchange.KindParse, err)
	}
	return market.OrderBook{
		Exchange:   market.OKX,
		Symbol:     symbol,
		Kind:       kind,
		Bids:       bids,
		Asks:       asks,
		ObservedAt: a.observed(books[0].TS),
	}, nil
}

type balance struct {
	Details []struct {
		Ccy       string `json:"ccy"`
		Eq        string `json:"eq"`
		AvailBal  string `json:"availBal"`
		FrozenBal string `json:"frozenBal"`
	} `json:"details"`
}

func (a *Adapter) FetchAssets(ctx context.Context) ([]market.Asset, error) {
	path := "/api/v5/account/balance"
	header, err := a.sign("assets", path, "")
	if err != nil {
		return nil, err
	}
	var balances []balance
	if err := a.get(ctx, "assets", path, nil, header, &balances); err != nil {
		return nil, err
	}
	now := a.now().UTC()
	var out []market.Asset
	for _, b := range balances {
		for _, d := range b.Details {
			total, err := exchange.ParseFloat(d.Eq)
			if err != nil {
				return nil, exchange.NewError(market.OKX, "assets", exchange.KindParse, err)
			}
			if total <= 0 {
				continue
			}
			avail, _ := exchange.ParseFloat(d.AvailBal)
			frozen, _ := exchange.ParseFloat(d.FrozenBal)
			out = append(out, market.Asset{
				Exchange:   market.OKX,
				Currency:   d.Ccy,
				Total:      total,
				Available:  avail,
				InUse:      frozen,
				ObservedAt: now,
			})
		}
	}
	return out, nil
}

type tradeFee struct {
	Maker string `json:"maker"`
	Taker string `json:"taker"`
}

// FetchFees reads the account's spot tier. OKX reports fees as negative
// numbers for charges; they are returned as positive fractions.
func (a *Adapter) FetchFees(ctx context.Context, symbol string) (market.FeeSchedule, error) {
	if a.apiKey == "" || a.apiSecret == "" || a.passphrase == "" {
		fees := defaultFees
		fees.Symbol = symbol
		return fees, nil
	}
	query := url.Values{"instType": {"SPOT"}, "instId": {instID(symbol, market.KindSpot)}}
	path := "/api/v5/account/trade-fee"
	header, err := a.sign("fees", path, query.Encode())
	if err != nil {
		return market.FeeSchedule{}, err
	}
	var rows []tradeFee
	if err := a.get(ctx, "fees", path, query, header, &rows); err != nil {
		return market.FeeSchedule{}, err
	}
	if len(rows) == 0 {
		return market.FeeSchedule{}, exchange.NewError(market.OKX, "fees", exchange.KindParse, exchange.ErrNoRows)
	}
	maker, err := exchange.ParseFloat(rows[0].Maker)
	if err != nil {
		return market.FeeSchedule{}, exchange.NewError(market.OKX, "fees", exchange.KindParse, err)
	}
	taker, err := exchange.ParseFloat(rows[0].Taker)
	if err != nil {
		return market.FeeSchedule{}, exchange.NewError(market.OKX, "fees", exchange.KindParse, err)
	}
	return market.FeeSchedule{Exchange: market.OKX, Symbol: symbol, Maker: -maker, Taker: -taker}, nil
}

// sign builds OK-ACCESS headers: base64 HMAC-SHA256 over
// timestamp + method + requestPath(+query).
func (a *Adapter) sign(op, path, rawQuery string) (http.Header, error) {
	if a.apiKey == "" || a.apiSecret == "" || a.passphrase == "" {
		return nil, exchange.NewError(market.OKX, op, exchange.KindAuth, exchange.ErrNoCredentials)
	}
	ts := a.now().UTC().Format("2006-01-02T15:04:05.000Z")
	target := path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	mac := hmac.New(sha256.New, []byte(a.apiSecret))
	mac.Write([]byte(ts + http.MethodGet + target))
	header := http.Header{}
	header.Set("OK-ACCESS-KEY", a.apiKey)
	header.Set("OK-ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	header.Set("OK-ACCESS-TIMESTAMP", ts)
	header.Set("OK-ACCESS-PASSPHRASE", a.passphrase)
	return header, nil
}

func (a *Adapter) get(ctx context.Context, op, path string, query url.Values, header http.Header, out any) error {
	var env envelope
	if err := a.client.GetJSON(ctx, op, path, query, header, &env); err != nil {
		return err
	}
	if env.Code != "0" {
		return exchange.NewError(market.OKX, op, kindForCode(env.Code), fmt.Errorf("code %s: %s", env.Code, env.Msg))
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return exchange.NewError(market.OKX, op, exchange.KindParse, err)
	}
	return nil
}

func kindForCode(code string) exchange.Kind {
	switch code {
	case "50011", "50061":
		return exchange.KindRateLimit
	case "50100", "50101", "50102", "50103", "50104", "50105", "50111", "50113":
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
