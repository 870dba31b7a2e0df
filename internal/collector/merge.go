package collector

import (
	"time"

	"basis-arb-bot/internal/market"
)

// AdapterResult is one exchange's outcome for a cycle. A nil error with no
// ticks means the exchange simply lists nothing of that kind.
type AdapterResult struct {
	Exchange market.ExchangeID
	Perp     []market.PerpTick
	Spot     []market.SpotTick
	PerpErr  error
	SpotErr  error
	Skipped  bool
}

func (r AdapterResult) Failed() bool {
	return r.Skipped || r.PerpErr != nil || r.SpotErr != nil
}

type CycleResult struct {
	Adapters []AdapterResult
	Rates    market.Rates
	RatesErr error
}

// AllFailed reports whether every configured adapter failed this cycle.
func (c CycleResult) AllFailed() bool {
	if len(c.Adapters) == 0 {
		return false
	}
	for _, r := range c.Adapters {
		if !r.Failed() {
			return false
		}
	}
	return true
}

// Merge builds the next snapshot from prev and one cycle's results. It is pure:
// the same inputs always produce the same snapshot. Failed exchanges keep
// prev's ticks for the failed kind and are listed in Partial. Seq is left for
// the store to assign.
func Merge(prev market.UnifiedSnapshot, result CycleResult, collectedAt time.Time) market.UnifiedSnapshot {
	rates, stale := mergeRates(prev.Rates, result)
	out := market.UnifiedSnapshot{
		Perp:        []market.PerpTick{},
		Spot:        []market.SpotTick{},
		Rates:       rates,
		RatesStale:  stale,
		CollectedAt: collectedAt,
		Partial:     []market.ExchangeID{},
	}
	for _, r := range result.Adapters {
		if r.Skipped || r.PerpErr != nil {
			out.Perp = append(out.Perp, prev.PerpFor(r.Exchange)...)
			out.PartialPerp = append(out.PartialPerp, r.Exchange)
		} else {
			for _, t := range r.Perp {
				t.Exchange = r.Exchange
				t.Volume24hUSD = usdVolume(rates, t.QuoteVolume24h, t.Currency, t.Volume24hUSD)
				out.Perp = append(out.Perp, t)
			}
		}
		if r.Skipped || r.SpotErr != nil {
			out.Spot = append(out.Spot, prev.SpotFor(r.Exchange)...)
			out.PartialSpot = append(out.PartialSpot, r.Exchange)
		} else {
			for _, t := range r.Spot {
				t.Exchange = r.Exchange
				t.Volume24hUSD = usdVolume(rates, t.QuoteVolume24h, t.Currency, t.Volume24hUSD)
				out.Spot = append(out.Spot, t)
			}
		}
		if r.Failed() {
			out.Partial = append(out.Partial, r.Exchange)
		}
	}
	market.SortPerp(out.Perp)
	market.SortSpot(out.Spot)
	market.SortExchanges(out.Partial)
	market.SortExchanges(out.PartialPerp)
	market.SortExchanges(out.PartialSpot)
	return out
}

// mergeRates overlays fresh rates on prev. stale is true when any pair had to
// be carried forward.
func mergeRates(prev market.Rates, result CycleResult) (market.Rates, bool) {
	out := make(market.Rates, len(market.RatePairs()))
	stale := false
	for _, pair := range market.RatePairs() {
		if fresh, ok := result.Rates[pair]; ok && fresh.Rate > 0 {
			out[pair] = fresh
			continue
		}
		if old, ok := prev[pair]; ok {
			out[pair] = old
			stale = true
		}
	}
	if result.RatesErr != nil && len(out) > 0 {
		stale = true
	}
	return out, stale
}

func usdVolume(rates market.Rates, quoteVolume float64, currency market.Currency, fallback float64) float64 {
	if quoteVolume <= 0 || currency == "" {
		return fallback
	}
	usd, _, err := rates.Convert(quoteVolume, currency, market.USD)
	if err != nil {
		return fallback
	}
	return usd
}
