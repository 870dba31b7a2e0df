package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"basis-arb-bot/internal/exchange"
	"basis-arb-bot/internal/market"

	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"
)

// Explore runs one collector cycle and prints the merged ticks, the FX rates
// and the assets of every exchange that has credentials. An auth failure on
// one exchange is printed and does not stop the others.
func (a *App) Explore(ctx context.Context, w io.Writer) error {
	snap, err := a.collector.Cycle(ctx)
	if err != nil {
		return err
	}
	renderTicks(w, snap, a.cfg.Strategy.Symbol)
	renderRates(w, snap)
	for _, adapter := range a.registry.Adapters() {
		id := adapter.ID()
		if !a.hasCredentials(id) {
			continue
		}
		assets, err := adapter.FetchAssets(ctx)
		if err != nil {
			if exchange.KindOf(err) == exchange.KindAuth {
				fmt.Fprintf(w, "\n%s assets: auth failed: %v\n", id, err)
			} else {
				fmt.Fprintf(w, "\n%s assets: %v\n", id, err)
			}
			a.log.Warn("explore assets failed", zap.String("exchange", string(id)), zap.Error(err))
			continue
		}
		renderAssets(w, id, assets)
	}
	return nil
}

func (a *App) hasCredentials(id market.ExchangeID) bool {
	ex, ok := a.cfg.Exchanges[string(id)]
	return ok && ex.APIKey != "" && ex.APISecret != ""
}

// renderTicks prints one row per exchange for the base asset; an empty base
// prints every tick.
func renderTicks(w io.Writer, snap market.UnifiedSnapshot, base string) {
	fmt.Fprintf(w, "snapshot seq=%d collected_at=%s partial=%v\n", snap.Seq, snap.CollectedAt.Format("2006-01-02T15:04:05Z07:00"), snap.Partial)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"exchange", "market", "symbol", "price", "quote", "funding", "vol 24h usd"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, t := range snap.Perp {
		if !matchesBase(t.Symbol, base) {
			continue
		}
		table.Append([]string{
			string(t.Exchange), string(market.KindPerp), t.Symbol,
			formatFloat(t.MarkPrice), string(t.Currency),
			strconv.FormatFloat(t.FundingRate*100, 'f', 4, 64) + "%",
			formatFloat(t.Volume24hUSD),
		})
	}
	for _, t := range snap.Spot {
		if !matchesBase(t.Symbol, base) {
			continue
		}
		table.Append([]string{
			string(t.Exchange), string(market.KindSpot), t.Symbol,
			formatFloat(t.Price), string(t.Currency), "",
			formatFloat(t.Volume24hUSD),
		})
	}
	table.Render()
}

func renderRates(w io.Writer, snap market.UnifiedSnapshot) {
	if len(snap.Rates) == 0 {
		fmt.Fprintln(w, "no exchange rates")
		return
	}
	pairs := make([]string, 0, len(snap.Rates))
	for pair := range snap.Rates {
		pairs = append(pairs, string(pair))
	}
	sort.Strings(pairs)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"pair", "rate", "observed at"})
	for _, p := range pairs {
		r := snap.Rates[market.RatePair(p)]
		table.Append([]string{p, formatFloat(r.Rate), r.ObservedAt.Format("15:04:05")})
	}
	table.Render()
	if snap.RatesStale {
		fmt.Fprintln(w, "rates stale: at least one pair carried forward")
	}
}

func renderAssets(w io.Writer, id market.ExchangeID, assets []market.Asset) {
	fmt.Fprintf(w, "\n%s assets\n", id)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"currency", "total", "available", "in use"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, asset := range assets {
		table.Append([]string{asset.Currency, formatFloat(asset.Total), formatFloat(asset.Available), formatFloat(asset.InUse)})
	}
	table.Render()
}

func matchesBase(symbol, base string) bool {
	if base == "" {
		return true
	}
	b, _ := market.SplitSymbol(symbol)
	return strings.EqualFold(b, base)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
