package market

import (
	"errors"
	"fmt"
	"time"
)

var ErrRateMissing = errors.New("exchange rate missing")

type RatePair string

const (
	USDKRW  RatePair = "USD/KRW"
	USDTUSD RatePair = "USDT/USD"
	USDTKRW RatePair = "USDT/KRW"
)

func RatePairs() []RatePair {
	return []RatePair{USDKRW, USDTUSD, USDTKRW}
}

// Currencies returns the pair legs: 1 base = Rate quote.
func (p RatePair) Currencies() (Currency, Currency) {
	switch p {
	case USDKRW:
		return USD, KRW
	case USDTUSD:
		return USDT, USD
	case USDTKRW:
		return USDT, KRW
	}
	return "", ""
}

type ExchangeRate struct {
	Pair       RatePair  `json:"pair"`
	Rate       float64   `json:"rate"`
	ObservedAt time.Time `json:"observed_at"`
}

type Rates map[RatePair]ExchangeRate

func (r Rates) Clone() Rates {
	out := make(Rates, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Convert turns amount of from into to using a direct, inverse, or one-hop
// cross rate. The returned time is the oldest observation used; it is zero
// when no conversion was needed.
func (r Rates) Convert(amount float64, from, to Currency) (float64, time.Time, error) {
	if from == to {
		return amount, time.Time{}, nil
	}
	if rate, at, ok := r.direct(from, to); ok {
		return amount * rate, at, nil
	}
	for _, pivot := range []Currency{USD, USDT, KRW} {
		if pivot == from || pivot == to {
			continue
		}
		first, firstAt, ok := r.direct(from, pivot)
		if !ok {
			continue
		}
		second, secondAt, ok := r.direct(pivot, to)
		if !ok {
			continue
		}
		oldest := firstAt
		if secondAt.Before(oldest) {
			oldest = secondAt
		}
		return amount * first * second, oldest, nil
	}
	return 0, time.Time{}, fmt.Errorf("%s to %s: %w", from, to, ErrRateMissing)
}

func (r Rates) direct(from, to Currency) (float64, time.Time, bool) {
	for pair, rate := range r {
		if rate.Rate <= 0 {
			continue
		}
		base, quote := pair.Currencies()
		if base == from && quote == to {
			return rate.Rate, rate.ObservedAt, true
		}
		if base == to && quote == from {
			return 1 / rate.Rate, rate.ObservedAt, true
		}
	}
	return 0, time.Time{}, false
}
