package bithumb

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"basis-arb-bot/internal/config"
	"basis-arb-bot/internal/exchange"
	"basis-arb-bot/internal/exchange/rest"
	"basis-arb-bot/internal/market"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultBaseURL = "https://api.bithumb.com"

var defaultFees = market.FeeSchedule{Exchange: market.Bithumb, Maker: 0.0025, Taker: 0.0025}

// Adapter covers Bithumb KRW spot markets. Bithumb lists no perpetuals.
type Adapter struct {
	client    *rest.Client
	accessKey string
	secretKey string
	log       *zap.Logger
	now       func() time.Time
	nonce     func() string
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
		client:    rest.New(market.Bithumb, base, rest.Options{Timeout: cfg.Timeout, RPS: cfg.RateLimit, Burst: cfg.Burst}, log),
		accessKey: cfg.APIKey,
		secretKey: cfg.APISecret,
		log:       log,
		now:       time.Now,
		nonce:     func() string { return uuid.NewString() },
	}
}

func (a *Adapter) ID() market.ExchangeID {
	return market.Bithumb
}

func (a *Adapter) FetchPerpTickers(context.Context) ([]market.PerpTick, error) {
	return []market.PerpTick{}, nil
}

type marketInfo struct {
	Market string `json:"market"`
}

type tickerRow struct {
	Market           string  `json:"market"`
	TradePrice       float64 `json:"trade_price"`
	AccTradePrice24h float64 `json:"acc_trade_price_24h"`
	Timestamp        int64   `json:"timestamp"`
}

func (a *Adapter) FetchSpotTickers(ctx context.Context) ([]market.SpotTick, error) {
	var markets []marketInfo
	if err := a.client.GetJSON(ctx, "spot tickers", "/v1/market/all", url.Values{"isDetails": {"false"}}, nil, &markets); err != nil {
		return nil, err
	}
	codes := make([]string, 0, len(markets))
	for _, m := range markets {
		if strings.HasPrefix(m.Market, "KRW-") {
			codes = append(codes, m.Market)
		}
	}
	if len(codes) == 0 {
		return nil, exchange.NewError(market.Bithumb, "spot tickers", exchange.KindParse, exchange.ErrNoRows)
	}
	var rows []tickerRow
	if err := a.client.GetJSON(ctx, "spot tickers", "/v1/ticker", url.Values{"markets": {strings.Join(codes, ",")}}, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]market.SpotTick, 0, len(rows))
	for _, row := range rows {
		symbol := normalize(row.Market)
		if symbol == "" || row.TradePrice <= 0 {
			continue
		}
		out = append(out, market.SpotTick{
			Exchange:       market.Bithumb,
			Symbol:         symbol,
			Currency:       market.KRW,
			Price:          row.TradePrice,
			QuoteVolume24h: row.AccTradePrice24h,
			ObservedAt:     a.observed(row.Timestamp),
		})
	}
	if len(out) == 0 && len(rows) > 0 {
		return nil, exchange.NewError(market.Bithumb, "spot tickers", exchange.KindParse, exchange.ErrNoRows)
	}
	return out, nil
}

// normalize turns KRW-BTC into BTCKRW.
func normalize(code string) string {
	quote, base, ok := strings.Cut(code, "-")
	if !ok || quote != string(market.KRW) || base == "" {
		return ""
	}
	return market.JoinSymbol(base, market.KRW)
}

func marketCode(symbol string) string {
	base, quote := market.SplitSymbol(symbol)
	return string(quote) + "-" + base
}

type orderbookRow struct {
	Market         string `json:"market"`
	Timestamp      int64  `json:"timestamp"`
	OrderbookUnits []struct {
		AskPrice float64 `json:"ask_price"`
		BidPrice float64 `json:"bid_price"`
		AskSize  float64 `json:"ask_size"`
		BidSize  float64 `json:"bid_size"`
	} `json:"orderbook_units"`
}

func (a *Adapter) FetchOrderBook(ctx context.Context, kind market.Kind, symbol string) (market.OrderBook, error) {
	if kind == market.KindPerp {
		return market.OrderBook{}, exchange.NewError(market.Bithumb, "order book", exchange.KindTransport, exchange.ErrUnsupported)
	}
	var rows []orderbookRow
	if err := a.client.GetJSON(ctx, "order book", "/v1/orderbook", url.Values{"markets": {marketCode(symbol)}}, nil, &rows); err != nil {
		return market.OrderBook{}, err
	}
	if len(rows) == 0 {
		return market.OrderBook{}, exchange.NewError(market.Bithumb, "order book", exchange.KindParse, exchange.ErrNoRows)
	}
	book := market.OrderBook{
		Exchange:   market.Bithumb,
		Symbol:     symbol,
		Kind:       market.KindSpot,
		ObservedAt: a.observed(rows[0].Timestamp),
	}
	for _, u := range rows[0].OrderbookUnits {
		if u.BidPrice > 0 {
			book.Bids = append(book.Bids, market.BookLevel{Price: u.BidPrice, Quantity: u.BidSize})
		}
		if u.AskPrice > 0 {
			book.Asks = append(book.Asks, market.BookLevel{Price: u.AskPrice, Quantity: u.AskSize})
		}
	}
	return book, nil
}

type accountRow struct {
	Currency string `json:"currency"`
	Balance  string `json:"balance"`
	Locked   string `json:"locked"`
}

func (a *Adapter) FetchAssets(ctx context.Context) ([]market.Asset, error) {
	token, err := a.token("assets")
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	var rows []accountRow
	if err := a.client.GetJSON(ctx, "assets", "/v1/accounts", nil, header, &rows); err != nil {
		return nil, err
	}
	now := a.now().UTC()
	var out []market.Asset
	for _, row := range rows {
		avail, err := exchange.ParseFloat(row.Balance)
		if err != nil {
			return nil, exchange.NewError(market.Bithumb, "assets", exchange.KindParse, err)
		}
		locked, err := exchange.ParseFloat(row.Locked)
		if err != nil {
			return nil, exchange.NewError(market.Bithumb, "assets", exchange.KindParse, err)
		}
		if avail+locked <= 0 {
			continue
		}
		out = append(out, market.Asset{
			Exchange:   market.Bithumb,
			Currency:   row.Currency,
			Total:      avail + locked,
			Available:  avail,
			InUse:      locked,
			ObservedAt: now,
		})
	}
	return out, nil
}

// FetchFees returns the public KRW market schedule; per-account tiers need
// an order-chance query per market and are not fetched.
func (a *Adapter) FetchFees(_ context.Context, symbol string) (market.FeeSchedule, error) {
	fees := defaultFees
	fees.Symbol = symbol
	return fees, nil
}

// token signs an HS256 JWT carrying the access key, a one-time nonce and the
// request time in milliseconds.
func (a *Adapter) token(op string) (string, error) {
	if a.accessKey == "" || a.secretKey == "" {
		return "", exchange.NewError(market.Bithumb, op, exchange.KindAuth, exchange.ErrNoCredentials)
	}
	claims := jwt.MapClaims{
		"access_key": a.accessKey,
		"nonce":      a.nonce(),
		"timestamp":  a.now().UnixMilli(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.secretKey))
	if err != nil {
		return "", exchange.NewError(market.Bithumb, op, exchange.KindAuth, err)
	}
	return signed, nil
}

func (a *Adapter) observed(ms int64) time.Time {
	if ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return a.now().UTC()
}
