package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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
	DefaultSpotURL   = "https://api.binance.com"
	DefaultPerpURL   = "https://fapi.binance.com"
	DefaultStreamURL = "wss://fstream.binance.com/ws/!markPrice@arr@1s"

	recvWindow = "5000"
	bookDepth  = "20"
)

var defaultFees = market.FeeSchedule{Exchange: market.Binance, Maker: 0.001, Taker: 0.001}

// Adapter covers Binance USDT-margined perpetuals (fapi) and spot (api).
type Adapter struct {
	spot      *rest.Client
	perp      *rest.Client
	apiKey    string
	apiSecret string
	stream    *MarkStream
	log       *zap.Logger
	now       func() time.Time
}

func New(cfg config.ExchangeConfig, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	spotURL := cfg.BaseURL
	if spotURL == "" {
		spotURL = DefaultSpotURL
	}
	perpURL := cfg.PerpBaseURL
	if perpURL == "" {
		perpURL = DefaultPerpURL
	}
	opts := rest.Options{Timeout: cfg.Timeout, RPS: cfg.RateLimit, Burst: cfg.Burst}
	return &Adapter{
		spot:      rest.New(market.Binance, spotURL, opts, log),
		perp:      rest.New(market.Binance, perpURL, opts, log),
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		log:       log,
		now:       time.Now,
	}
}

// AttachStream makes FetchPerpTickers prefer fresh marks from the stream.
func (a *Adapter) AttachStream(s *MarkStream) {
	a.stream = s
}

func (a *Adapter) ID() market.ExchangeID {
	return market.Binance
}

type premiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

type ticker24h struct {
	Symbol      string `json:"symbol"`
	LastPrice   string `json:"lastPrice"`
	QuoteVolume string `json:"quoteVolume"`
	CloseTime   int64  `json:"closeTime"`
}

func (a *Adapter) FetchPerpTickers(ctx context.Context) ([]market.PerpTick, error) {
	var index []premiumIndex
	if err := a.perp.GetJSON(ctx, "perp tickers", "/fapi/v1/premiumIndex", nil, nil, &index); err != nil {
		return nil, err
	}
	var stats []ticker24h
	if err := a.perp.GetJSON(ctx, "perp tickers", "/fapi/v1/ticker/24hr", nil, nil, &stats); err != nil {
		return nil, err
	}
	volumes := make(map[string]float64, len(stats))
	for _, s := range stats {
		v, err := exchange.ParseFloat(s.QuoteVolume)
		if err == nil {
			volumes[s.Symbol] = v
		}
	}
	out := make([]market.PerpTick, 0, len(index))
	for _, row := range index {
		if _, quote := market.SplitSymbol(row.Symbol); quote != market.USDT {
			continue
		}
		mark, err := exchange.ParseFloat(row.MarkPrice)
		if err != nil || mark <= 0 {
			continue
		}
		idx, _ := exchange.ParseFloat(row.IndexPrice)
		funding, _ := exchange.ParseFloat(row.LastFundingRate)
		tick := market.PerpTick{
			Exchange:       market.Binance,
			Symbol:         row.Symbol,
			Currency:       market.USDT,
			MarkPrice:      mark,
			IndexPrice:     idx,
			FundingRate:    funding,
			QuoteVolume24h: volumes[row.Symbol],
			ObservedAt:     a.observed(row.Time),
		}
		if row.NextFundingTime > 0 {
			tick.NextFundingTime = time.UnixMilli(row.NextFundingTime).UTC()
		}
		if a.stream != nil {
			if m, ok := a.stream.Latest(row.Symbol); ok && m.At.After(tick.ObservedAt) {
				tick.MarkPrice = m.Mark
				tick.IndexPrice = m.Index
				tick.FundingRate = m.Funding
				tick.ObservedAt = m.At
			}
		}
		out = append(out, tick)
	}
	if len(out) == 0 && len(index) > 0 {
		return nil, exchange.NewError(market.Binance, "perp tickers", exchange.KindParse, exchange.ErrNoRows)
	}
	return out, nil
}

func (a *Adapter) FetchSpotTickers(ctx context.Context) ([]market.SpotTick, error) {
	var stats []ticker24h
	if err := a.spot.GetJSON(ctx, "spot tickers", "/api/v3/ticker/24hr", nil, nil, &stats); err != nil {
		return nil, err
	}
	out := make([]market.SpotTick, 0, len(stats))
	for _, row := range stats {
		if _, quote := market.SplitSymbol(row.Symbol); quote != market.USDT {
			continue
		}
		price, err := exchange.ParseFloat(row.LastPrice)
		if err != nil || price <= 0 {
			continue
		}
		vol, _ := exchange.ParseFloat(row.QuoteVolume)
		out = append(out, market.SpotTick{
			Exchange:       market.Binance,
			Symbol:         row.Symbol,
			Currency:       market.USDT,
			Price:          price,
			QuoteVolume24h: vol,
			ObservedAt:     a.observed(row.CloseTime),
		})
	}
	if len(out) == 0 && len(stats) > 0 {
		return nil, exchange.NewError(market.Binance, "spot tickers", exchange.KindParse, exchange.ErrNoRows)
	}
	return out, nil
}

type depth struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

func (a *Adapter) FetchOrderBook(ctx context.Context, kind market.Kind, symbol string) (market.OrderBook, error) {
	client, path := a.spot, "/api/v3/depth"
	if kind == market.KindPerp {
		client, path = a.perp, "/fapi/v1/depth"
	}
	var raw depth
	if err := client.GetJSON(ctx, "order book", path, url.Values{"symbol": {symbol}, "limit": {bookDepth}}, nil, &raw); err != nil {
		return market.OrderBook{}, err
	}
	bids, err := exchange.ParseLevels(raw.Bids)
	if err != nil {
		return market.OrderBook{}, exchange.NewError(market.Binance, "order book", exchange.KindParse, err)
	}
	asks, err := exchange.ParseLevels(raw.Asks)
	if err != nil {
		return market.OrderBook{}, exchange.NewError(market.Binance, "order book", exchange.KindParse, err)
	}
	return market.OrderBook{
		Exchange:   market.Binance,
		Symbol:     symbol,
		Kind:       kind,
		Bids:       bids,
		Asks:       asks,
		ObservedAt: a.now().UTC(),
	}, nil
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

func (a *Adapter) FetchAssets(ctx context.Context) ([]market.Asset, error) {
	var resp accountResponse
	if err := a.signedGet(ctx, "assets", "/api/v3/account", nil, &resp); err != nil {
		return nil, err
	}
	now := a.now().UTC()
	var out []market.Asset
	for _, b := range resp.Balances {
		free, err := exchange.ParseFloat(b.Free)
		if err != nil {
			return nil, exchange.NewError(market.Binance, "assets", exchange.KindParse, err)
		}
		locked, err := exchange.ParseFloat(b.Locked)
		if err != nil {
			return nil, exchange.NewError(market.Binance, "assets", exchange.KindParse, err)
		}
		if free+locked <= 0 {
			continue
		}
		out = append(out, market.Asset{
			Exchange:   market.Binance,
			Currency:   b.Asset,
			Total:      free + locked,
			Available:  free,
			InUse:      locked,
			ObservedAt: now,
		})
	}
	return out, nil
}

type tradeFee struct {
	Symbol          string `json:"symbol"`
	MakerCommission string `json:"makerCommission"`
	TakerCommission string `json:"takerCommission"`
}

// FetchFees returns the account's spot fee tier, or the public default
// schedule when no credentials are configured.
func (a *Adapter) FetchFees(ctx context.Context, symbol string) (market.FeeSchedule, error) {
	if a.apiKey == "" || a.apiSecret == "" {
		fees := defaultFees
		fees.Symbol = symbol
		return fees, nil
	}
	var rows []tradeFee
	if err := a.signedGet(ctx, "fees", "/sapi/v1/asset/tradeFee", url.Values{"symbol": {symbol}}, &rows); err != nil {
		return market.FeeSchedule{}, err
	}
	for _, row := range rows {
		if row.Symbol != symbol {
			continue
		}
		maker, err := exchange.ParseFloat(row.MakerCommission)
		if err != nil {
			return market.FeeSchedule{}, exchange.NewError(market.Binance, "fees", exchange.KindParse, err)
		}
		taker, err := exchange.ParseFloat(row.TakerCommission)
		if err != nil {
			return market.FeeSchedule{}, exchange.NewError(market.Binance, "fees", exchange.KindParse, err)
		}
		return market.FeeSchedule{Exchange: market.Binance, Symbol: symbol, Maker: maker, Taker: taker}, nil
	}
	return market.FeeSchedule{}, exchange.NewError(market.Binance, "fees", exchange.KindParse, exchange.ErrNoRows)
}

func (a *Adapter) signedGet(ctx context.Context, op, path string, params url.Values, out any) error {
	if a.apiKey == "" || a.apiSecret == "" {
		return exchange.NewError(market.Binance, op, exchange.KindAuth, exchange.ErrNoCredentials)
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(a.now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	query := params.Encode()
	query += "&signature=" + sign(a.apiSecret, query)
	header := http.Header{}
	header.Set("X-MBX-APIKEY", a.apiKey)
	return a.spot.GetRaw(ctx, op, path, query, header, out)
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) observed(ms int64) time.Time {
	if ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return a.now().UTC()
}
