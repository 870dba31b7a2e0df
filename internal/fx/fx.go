package fx

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"basis-arb-bot/internal/config"
	"basis-arb-bot/internal/exchange"
	"basis-arb-bot/internal/exchange/rest"
	"basis-arb-bot/internal/market"

	"go.uber.org/zap"
)

const sourceID market.ExchangeID = "fx"

// Source supplies the FX pairs used to normalize prices across quote currencies.
type Source interface {
	FetchRates(ctx context.Context) (market.Rates, error)
}

// HTTPSource reads USD/KRW from an FX reference endpoint and USDT/KRW from the
// Bithumb KRW-USDT ticker. USDT/USD is derived from the two.
type HTTPSource struct {
	usdKRW  endpoint
	usdtKRW endpoint
	log     *zap.Logger
	now     func() time.Time
}

type endpoint struct {
	client   *rest.Client
	path     string
	rawQuery string
}

func newEndpoint(id market.ExchangeID, raw string, timeout time.Duration, log *zap.Logger) (endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, err
	}
	if u.Scheme == "" || u.Host == "" {
		return endpoint{}, fmt.Errorf("fx url %q must be absolute", raw)
	}
	return endpoint{
		client:   rest.New(id, u.Scheme+"://"+u.Host, rest.Options{Timeout: timeout}, log),
		path:     u.Path,
		rawQuery: u.RawQuery,
	}, nil
}

func NewHTTPSource(cfg config.FXConfig, log *zap.Logger) (*HTTPSource, error) {
	if log == nil {
		log = zap.NewNop()
	}
	usd, err := newEndpoint(sourceID, cfg.USDKRWURL, cfg.Timeout, log)
	if err != nil {
		return nil, err
	}
	usdt, err := newEndpoint(market.Bithumb, cfg.USDTKRWURL, cfg.Timeout, log)
	if err != nil {
		return nil, err
	}
	return &HTTPSource{usdKRW: usd, usdtKRW: usdt, log: log, now: time.Now}, nil
}

type erAPIResponse struct {
	Result             string             `json:"result"`
	TimeLastUpdateUnix int64              `json:"time_last_update_unix"`
	Rates              map[string]float64 `json:"rates"`
}

type bithumbTicker struct {
	Market     string  `json:"market"`
	TradePrice float64 `json:"trade_price"`
	Timestamp  int64   `json:"timestamp"`
}

// FetchRates returns every pair it could obtain. A non-nil error means at least
// one pair is missing from the result.
func (s *HTTPSource) FetchRates(ctx context.Context) (market.Rates, error) {
	rates := make(market.Rates, 3)
	var errs []error

	if rate, err := s.fetchUSDKRW(ctx); err != nil {
		errs = append(errs, err)
	} else {
		rates[market.USDKRW] = rate
	}
	if rate, err := s.fetchUSDTKRW(ctx); err != nil {
		errs = append(errs, err)
	} else {
		rates[market.USDTKRW] = rate
	}

	usd, okUSD := rates[market.USDKRW]
	usdt, okUSDT := rates[market.USDTKRW]
	if okUSD && okUSDT {
		observed := usd.ObservedAt
		if usdt.ObservedAt.Before(observed) {
			observed = usdt.ObservedAt
		}
		rates[market.USDTUSD] = market.ExchangeRate{
			Pair:       market.USDTUSD,
			Rate:       usdt.Rate / usd.Rate,
			ObservedAt: observed,
		}
	} else {
		errs = append(errs, fmt.Errorf("%s: %w", market.USDTUSD, market.ErrRateMissing))
	}
	return rates, errors.Join(errs...)
}

func (s *HTTPSource) fetchUSDKRW(ctx context.Context) (market.ExchangeRate, error) {
	var resp erAPIResponse
	if err := s.usdKRW.client.GetRaw(ctx, "usd/krw", s.usdKRW.path, s.usdKRW.rawQuery, nil, &resp); err != nil {
		return market.ExchangeRate{}, err
	}
	rate := resp.Rates["KRW"]
	if resp.Result != "success" || rate <= 0 {
		return market.ExchangeRate{}, exchange.NewError(sourceID, "usd/krw", exchange.KindParse,
			fmt.Errorf("result %q with KRW rate %v", resp.Result, rate))
	}
	observed := s.now().UTC()
	if resp.TimeLastUpdateUnix > 0 {
		observed = time.Unix(resp.TimeLastUpdateUnix, 0).UTC()
	}
	return market.ExchangeRate{Pair: market.USDKRW, Rate: rate, ObservedAt: observed}, nil
}

func (s *HTTPSource) fetchUSDTKRW(ctx context.Context) (market.ExchangeRate, error) {
	var rows []bithumbTicker
	if err := s.usdtKRW.client.GetRaw(ctx, "usdt/krw", s.usdtKRW.path, s.usdtKRW.rawQuery, nil, &rows); err != nil {
		return market.ExchangeRate{}, err
	}
	if len(rows) == 0 || rows[0].TradePrice <= 0 {
		return market.ExchangeRate{}, exchange.NewError(market.Bithumb, "usdt/krw", exchange.KindParse, exchange.ErrNoRows)
	}
	observed := s.now().UTC()
	if rows[0].Timestamp > 0 {
		observed = time.UnixMilli(rows[0].Timestamp).UTC()
	}
	return market.ExchangeRate{Pair: market.USDTKRW, Rate: rows[0].TradePrice, ObservedAt: observed}, nil
}

// Static is a fixed rate source for tests and offline runs.
type Static struct {
	Rates market.Rates
	Err   error
}

func (s Static) FetchRates(context.Context) (market.Rates, error) {
	return s.Rates.Clone(), s.Err
}
