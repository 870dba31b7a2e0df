package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"basis-arb-bot/internal/alerts"
	"basis-arb-bot/internal/exchange"
	"basis-arb-bot/internal/fx"
	"basis-arb-bot/internal/market"
	"basis-arb-bot/internal/metrics"
	"basis-arb-bot/internal/snapshot"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxBackoffIntervals = 8

var errBackoff = errors.New("skipped: rate limit backoff")

// Sink receives every published snapshot. Implementations must not block.
type Sink interface {
	ObserveSnapshot(snap market.UnifiedSnapshot)
}

type Options struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	// Symbols restricts ticks to these base assets; empty keeps everything.
	Symbols  []string
	WarmPath string
}

type backoffState struct {
	until  time.Time
	window time.Duration
}

type Collector struct {
	adapters []exchange.Adapter
	rates    fx.Source
	store    *snapshot.Store
	opts     Options
	symbols  map[string]struct{}
	log      *zap.Logger
	metrics  *metrics.Metrics
	alerts   alerts.Alerter
	sink     Sink
	now      func() time.Time

	mu      sync.Mutex
	backoff map[market.ExchangeID]backoffState
}

func New(adapters []exchange.Adapter, rates fx.Source, store *snapshot.Store, opts Options, log *zap.Logger, m *metrics.Metrics, a alerts.Alerter) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.FetchTimeout <= 0 || opts.FetchTimeout >= opts.Interval {
		opts.FetchTimeout = opts.Interval * 7 / 10
	}
	var symbols map[string]struct{}
	if len(opts.Symbols) > 0 {
		symbols = make(map[string]struct{}, len(opts.Symbols))
		for _, s := range opts.Symbols {
			symbols[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
		}
	}
	return &Collector{
		adapters: adapters,
		rates:    rates,
		store:    store,
		opts:     opts,
		symbols:  symbols,
		log:      log,
		metrics:  metrics.OrNoop(m),
		alerts:   alerts.OrNop(a),
		now:      time.Now,
		backoff:  make(map[market.ExchangeID]backoffState),
	}
}

func (c *Collector) SetSink(s Sink) {
	c.sink = s
}

// Run collects once immediately and then on every interval until ctx ends.
func (c *Collector) Run(ctx context.Context) error {
	c.log.Info("collector started",
		zap.Duration("interval", c.opts.Interval),
		zap.Duration("fetch_timeout", c.opts.FetchTimeout),
		zap.Int("adapters", len(c.adapters)),
	)
	if _, err := c.Cycle(ctx); err != nil && ctx.Err() == nil {
		c.log.Error("collector cycle failed", zap.Error(err))
	}
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Cycle(ctx); err != nil && ctx.Err() == nil {
				c.log.Error("collector cycle failed", zap.Error(err))
			}
		}
	}
}

// Cycle runs one fetch, merge and publish.
func (c *Collector) Cycle(ctx context.Context) (market.UnifiedSnapshot, error) {
	result := c.FetchCycle(ctx)
	c.metrics.CollectorCycles.Inc()
	if result.AllFailed() {
		c.metrics.AllAdaptersFailed.Inc()
		c.log.Error("all adapters failed", zap.Int("adapters", len(result.Adapters)))
		if err := c.alerts.Send(ctx, fmt.Sprintf("collector: all %d exchange adapters failed this cycle", len(result.Adapters))); err != nil {
			c.log.Warn("alert send failed", zap.Error(err))
		}
	}
	return c.Publish(result)
}

// Publish merges result onto the current snapshot and swaps it in.
// collected_at is forced past the previous snapshot's so publish order stays
// total even if the wall clock steps back.
func (c *Collector) Publish(result CycleResult) (market.UnifiedSnapshot, error) {
	prev, _ := c.store.Current()
	collectedAt := c.now().UTC()
	if !prev.CollectedAt.IsZero() && !collectedAt.After(prev.CollectedAt) {
		collectedAt = prev.CollectedAt.Add(time.Nanosecond)
	}
	next := Merge(prev, result, collectedAt)
	published, err := c.store.Publish(next)
	if err != nil {
		return market.UnifiedSnapshot{}, err
	}
	c.log.Debug("snapshot published",
		zap.Uint64("cycle", published.Seq),
		zap.Int("perp", len(published.Perp)),
		zap.Int("spot", len(published.Spot)),
		zap.Any("partial", published.Partial),
		zap.Bool("rates_stale", published.RatesStale),
	)
	if c.sink != nil {
		c.sink.ObserveSnapshot(published)
	}
	if c.opts.WarmPath != "" {
		if err := c.store.SaveFile(c.opts.WarmPath); err != nil {
			c.log.Warn("warm snapshot save failed", zap.String("path", c.opts.WarmPath), zap.Error(err))
		}
	}
	return published, nil
}

// FetchCycle fans out to every adapter and the rate source. Each exchange's
// perp and spot requests run concurrently under FetchTimeout; failures are
// recorded in the result and never cancel other fetches.
func (c *Collector) FetchCycle(ctx context.Context) CycleResult {
	results := make([]AdapterResult, len(c.adapters))
	var rates market.Rates
	var ratesErr error

	var g errgroup.Group
	for i, adapter := range c.adapters {
		i, adapter := i, adapter
		id := adapter.ID()
		results[i] = AdapterResult{Exchange: id}
		if c.inBackoff(id) {
			results[i].Skipped = true
			results[i].PerpErr = errBackoff
			results[i].SpotErr = errBackoff
			continue
		}
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
			defer cancel()
			perp, err := adapter.FetchPerpTickers(fctx)
			results[i].Perp, results[i].PerpErr = c.filterPerp(perp), err
			return nil
		})
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
			defer cancel()
			spot, err := adapter.FetchSpotTickers(fctx)
			results[i].Spot, results[i].SpotErr = c.filterSpot(spot), err
			return nil
		})
	}
	if c.rates != nil {
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
			defer cancel()
			rates, ratesErr = c.rates.FetchRates(fctx)
			return nil
		})
	}
	_ = g.Wait()

	if ratesErr != nil {
		c.log.Warn("rate fetch failed", zap.Error(ratesErr))
	}
	for _, r := range results {
		c.account(r)
	}
	return CycleResult{Adapters: results, Rates: rates, RatesErr: ratesErr}
}

func (c *Collector) account(r AdapterResult) {
	if !r.Failed() {
		c.clearBackoff(r.Exchange)
		return
	}
	c.metrics.AdapterFailures.With(string(r.Exchange)).Inc()
	if r.Skipped {
		c.log.Info("adapter skipped", zap.String("exchange", string(r.Exchange)), zap.String("reason", "rate_limit_backoff"))
		return
	}
	rateLimited := false
	for _, f := range []struct {
		kind market.Kind
		err  error
	}{{market.KindPerp, r.PerpErr}, {market.KindSpot, r.SpotErr}} {
		if f.err == nil {
			continue
		}
		errKind := exchange.KindOf(f.err)
		if errKind == exchange.KindRateLimit {
			rateLimited = true
		}
		fields := []zap.Field{
			zap.String("exchange", string(r.Exchange)),
			zap.String("market", string(f.kind)),
			zap.String("kind", errKind.String()),
			zap.Error(f.err),
		}
		if errKind == exchange.KindParse {
			c.log.Warn("adapter data-quality fault", fields...)
		} else {
			c.log.Warn("adapter fetch failed", fields...)
		}
	}
	if rateLimited {
		window := c.extendBackoff(r.Exchange)
		c.log.Warn("adapter rate limited, backing off", zap.String("exchange", string(r.Exchange)), zap.Duration("window", window))
	}
}

func (c *Collector) inBackoff(id market.ExchangeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.backoff[id]
	return ok && c.now().Before(b.until)
}

func (c *Collector) extendBackoff(id market.ExchangeID) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.backoff[id]
	if b.window == 0 {
		b.window = c.opts.Interval
	} else {
		b.window *= 2
	}
	if limit := maxBackoffIntervals * c.opts.Interval; b.window > limit {
		b.window = limit
	}
	b.until = c.now().Add(b.window)
	c.backoff[id] = b
	return b.window
}

func (c *Collector) clearBackoff(id market.ExchangeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.backoff, id)
}

func (c *Collector) keep(symbol string) bool {
	if c.symbols == nil {
		return true
	}
	base, _ := market.SplitSymbol(symbol)
	_, ok := c.symbols[base]
	return ok
}

func (c *Collector) filterPerp(ticks []market.PerpTick) []market.PerpTick {
	if c.symbols == nil {
		return ticks
	}
	out := ticks[:0:0]
	for _, t := range ticks {
		if c.keep(t.Symbol) {
			out = append(out, t)
		}
	}
	return out
}

func (c *Collector) filterSpot(ticks []market.SpotTick) []market.SpotTick {
	if c.symbols == nil {
		return ticks
	}
	out := ticks[:0:0]
	for _, t := range ticks {
		if c.keep(t.Symbol) {
			out = append(out, t)
		}
	}
	return out
}
