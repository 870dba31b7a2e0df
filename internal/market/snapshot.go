package market

import "time"

// UnifiedSnapshot is one merged view of every exchange's ticks plus FX rates.
// Perp and Spot are sorted by (exchange, symbol). Partial lists exchanges whose
// ticks were carried forward from an earlier cycle, sorted canonically.
// PartialPerp and PartialSpot narrow Partial to the market kind that failed;
// when both are empty every kind of a partial exchange counts as stale.
type UnifiedSnapshot struct {
	Seq         uint64       `json:"seq"`
	Perp        []PerpTick   `json:"perp"`
	Spot        []SpotTick   `json:"spot"`
	Rates       Rates        `json:"rates"`
	RatesStale  bool         `json:"rates_stale"`
	CollectedAt time.Time    `json:"collected_at"`
	Partial     []ExchangeID `json:"partial"`
	PartialPerp []ExchangeID `json:"partial_perp,omitempty"`
	PartialSpot []ExchangeID `json:"partial_spot,omitempty"`
}

func (s UnifiedSnapshot) Clone() UnifiedSnapshot {
	out := s
	out.Perp = append(make([]PerpTick, 0, len(s.Perp)), s.Perp...)
	out.Spot = append(make([]SpotTick, 0, len(s.Spot)), s.Spot...)
	out.Partial = append(make([]ExchangeID, 0, len(s.Partial)), s.Partial...)
	if s.PartialPerp != nil {
		out.PartialPerp = append(make([]ExchangeID, 0, len(s.PartialPerp)), s.PartialPerp...)
	}
	if s.PartialSpot != nil {
		out.PartialSpot = append(make([]ExchangeID, 0, len(s.PartialSpot)), s.PartialSpot...)
	}
	out.Rates = s.Rates.Clone()
	return out
}

func (s UnifiedSnapshot) IsPartial(id ExchangeID) bool {
	for _, p := range s.Partial {
		if p == id {
			return true
		}
	}
	return false
}

// StaleFor reports whether id's ticks of kind were carried forward.
func (s UnifiedSnapshot) StaleFor(id ExchangeID, kind Kind) bool {
	if !s.IsPartial(id) {
		return false
	}
	if len(s.PartialPerp) == 0 && len(s.PartialSpot) == 0 {
		return true
	}
	list := s.PartialSpot
	if kind == KindPerp {
		list = s.PartialPerp
	}
	for _, p := range list {
		if p == id {
			return true
		}
	}
	return false
}

func (s UnifiedSnapshot) FindPerp(id ExchangeID, symbol string) (PerpTick, bool) {
	for _, t := range s.Perp {
		if t.Exchange == id && t.Symbol == symbol {
			return t, true
		}
	}
	return PerpTick{}, false
}

func (s UnifiedSnapshot) FindSpot(id ExchangeID, symbol string) (SpotTick, bool) {
	for _, t := range s.Spot {
		if t.Exchange == id && t.Symbol == symbol {
			return t, true
		}
	}
	return SpotTick{}, false
}

// PerpFor returns the exchange's perp ticks in snapshot order.
func (s UnifiedSnapshot) PerpFor(id ExchangeID) []PerpTick {
	var out []PerpTick
	for _, t := range s.Perp {
		if t.Exchange == id {
			out = append(out, t)
		}
	}
	return out
}

func (s UnifiedSnapshot) SpotFor(id ExchangeID) []SpotTick {
	var out []SpotTick
	for _, t := range s.Spot {
		if t.Exchange == id {
			out = append(out, t)
		}
	}
	return out
}

func (s UnifiedSnapshot) Age(now time.Time) time.Duration {
	if s.CollectedAt.IsZero() {
		return 0
	}
	return now.Sub(s.CollectedAt)
}
