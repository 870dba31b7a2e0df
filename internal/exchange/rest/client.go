package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"basis-arb-bot/internal/exchange"
	"basis-arb-bot/internal/market"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Options struct {
	Timeout time.Duration
	RPS     float64
	Burst   int
}

// Client is a JSON-over-HTTP client shared by the exchange adapters. Every
// failure is returned as an *exchange.Error carrying its Kind.
type Client struct {
	exchange market.ExchangeID
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	log      *zap.Logger
}

func New(id market.ExchangeID, baseURL string, opts Options, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		exchange: id,
		baseURL:  strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: opts.Timeout,
		},
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetJSON issues GET baseURL+path?query and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, op, path string, query url.Values, header http.Header, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return c.do(ctx, op, http.MethodGet, target, header, out)
}

// GetRaw is GetJSON with a pre-encoded query string. Signed endpoints need the
// exact bytes that were signed on the wire.
func (c *Client) GetRaw(ctx context.Context, op, path, rawQuery string, header http.Header, out any) error {
	target := c.baseURL + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return c.do(ctx, op, http.MethodGet, target, header, out)
}

func (c *Client) do(ctx context.Context, op, method, target string, header http.Header, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return c.wrap(op, classify(ctx, err), err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return c.wrap(op, exchange.KindTransport, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.wrap(op, classify(ctx, err), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return c.wrap(op, kindForStatus(resp.StatusCode), fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return c.wrap(op, classify(ctx, err), err)
		}
		c.log.Warn("exchange response did not decode",
			zap.String("exchange", string(c.exchange)),
			zap.String("op", op),
			zap.String("kind", exchange.KindParse.String()),
			zap.Error(err),
		)
		return c.wrap(op, exchange.KindParse, err)
	}
	return nil
}

func (c *Client) wrap(op string, kind exchange.Kind, err error) error {
	return exchange.NewError(c.exchange, op, kind, err)
}

func kindForStatus(status int) exchange.Kind {
	switch status {
	case http.StatusTooManyRequests, 418:
		return exchange.KindRateLimit
	case http.StatusUnauthorized, http.StatusForbidden:
		return exchange.KindAuth
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return exchange.KindTimeout
	default:
		return exchange.KindTransport
	}
}

func classify(ctx context.Context, err error) exchange.Kind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return exchange.KindTimeout
	}
	return exchange.KindOf(err)
}
