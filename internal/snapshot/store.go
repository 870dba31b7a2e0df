package snapshot

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"basis-arb-bot/internal/market"
	"basis-arb-bot/internal/metrics"
)

var (
	ErrNotMonotonic = errors.New("collected_at must be strictly increasing")
	ErrEmpty        = errors.New("no snapshot published")
)

type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDead     Status = "dead"
)

type Health struct {
	Status      Status              `json:"status"`
	Degraded    []market.ExchangeID `json:"degraded,omitempty"`
	Seq         uint64              `json:"seq"`
	CollectedAt time.Time           `json:"collected_at,omitempty"`
	Age         time.Duration       `json:"-"`
	AgeSeconds  float64             `json:"age_seconds"`
}

type Options struct {
	Interval  time.Duration
	DeadAfter int
	History   int
}

// view is never mutated after it is stored; every publish builds a new one.
type view struct {
	current  *market.UnifiedSnapshot
	// freshAt is when any exchange last refreshed; fully carried-forward
	// snapshots do not advance it.
	freshAt  time.Time
	history  []*market.UnifiedSnapshot
	lastPerp *market.UnifiedSnapshot
	lastSpot *market.UnifiedSnapshot
}

// Store holds the latest UnifiedSnapshot. Readers load one pointer and never
// lock; Publish swaps in a complete new view.
type Store struct {
	opts    Options
	metrics *metrics.Metrics

	writeMu sync.Mutex
	view    atomic.Pointer[view]
}

func NewStore(opts Options, m *metrics.Metrics) *Store {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.DeadAfter <= 0 {
		opts.DeadAfter = 3
	}
	if opts.History <= 0 {
		opts.History = 16
	}
	s := &Store{opts: opts, metrics: metrics.OrNoop(m)}
	s.view.Store(&view{})
	return s
}

// Publish stores a copy of snap with the next sequence number and returns it.
func (s *Store) Publish(snap market.UnifiedSnapshot) (market.UnifiedSnapshot, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := s.view.Load()
	next := snap.Clone()
	if prev.current != nil {
		if !next.CollectedAt.After(prev.current.CollectedAt) {
			return market.UnifiedSnapshot{}, fmt.Errorf("%w: %s <= %s", ErrNotMonotonic,
				next.CollectedAt.Format(time.RFC3339Nano), prev.current.CollectedAt.Format(time.RFC3339Nano))
		}
		next.Seq = prev.current.Seq + 1
	} else {
		next.Seq = 1
	}

	nv := &view{
		current:  &next,
		freshAt:  next.CollectedAt,
		lastPerp: prev.lastPerp,
		lastSpot: prev.lastSpot,
	}
	if carriedForward(next) && !prev.freshAt.IsZero() {
		nv.freshAt = prev.freshAt
	}
	keep := len(prev.history)
	if keep >= s.opts.History {
		keep = s.opts.History - 1
	}
	nv.history = make([]*market.UnifiedSnapshot, 0, keep+1)
	nv.history = append(nv.history, prev.history[len(prev.history)-keep:]...)
	nv.history = append(nv.history, &next)
	if cleanFor(next, market.KindPerp) {
		nv.lastPerp = &next
	}
	if cleanFor(next, market.KindSpot) {
		nv.lastSpot = &next
	}
	s.view.Store(nv)

	s.metrics.SnapshotSeq.Set(float64(next.Seq))
	s.metrics.PartialExchanges.Set(float64(len(next.Partial)))
	return next.Clone(), nil
}

// carriedForward reports whether no tick in snap was refreshed this cycle.
// A perp-only failure leaves the exchange's fresh spot ticks counting.
func carriedForward(snap market.UnifiedSnapshot) bool {
	if len(snap.Partial) == 0 {
		return false
	}
	for _, t := range snap.Perp {
		if !snap.StaleFor(t.Exchange, market.KindPerp) {
			return false
		}
	}
	for _, t := range snap.Spot {
		if !snap.StaleFor(t.Exchange, market.KindSpot) {
			return false
		}
	}
	return true
}

// cleanFor reports whether none of the snapshot's ticks of kind were carried
// forward.
func cleanFor(snap market.UnifiedSnapshot, kind market.Kind) bool {
	for _, id := range snap.Partial {
		if !snap.StaleFor(id, kind) {
			continue
		}
		switch kind {
		case market.KindPerp:
			if len(snap.PerpFor(id)) > 0 {
				return false
			}
		case market.KindSpot:
			if len(snap.SpotFor(id)) > 0 {
				return false
			}
		}
	}
	return true
}

// Current returns a copy of the latest snapshot.
func (s *Store) Current() (market.UnifiedSnapshot, bool) {
	v := s.view.Load()
	if v.current == nil {
		return market.UnifiedSnapshot{}, false
	}
	return v.current.Clone(), true
}

func (s *Store) Perp() []market.PerpTick {
	v := s.view.Load()
	if v.current == nil {
		return []market.PerpTick{}
	}
	return append(make([]market.PerpTick, 0, len(v.current.Perp)), v.current.Perp...)
}

func (s *Store) Spot() []market.SpotTick {
	v := s.view.Load()
	if v.current == nil {
		return []market.SpotTick{}
	}
	return append(make([]market.SpotTick, 0, len(v.current.Spot)), v.current.Spot...)
}

// History returns retained snapshots oldest first.
func (s *Store) History() []market.UnifiedSnapshot {
	v := s.view.Load()
	out := make([]market.UnifiedSnapshot, 0, len(v.history))
	for _, snap := range v.history {
		out = append(out, snap.Clone())
	}
	return out
}

// LastGood returns the newest snapshot whose ticks of kind were all refreshed
// in their own cycle.
func (s *Store) LastGood(kind market.Kind) (market.UnifiedSnapshot, bool) {
	v := s.view.Load()
	var snap *market.UnifiedSnapshot
	switch kind {
	case market.KindPerp:
		snap = v.lastPerp
	case market.KindSpot:
		snap = v.lastSpot
	}
	if snap == nil {
		return market.UnifiedSnapshot{}, false
	}
	return snap.Clone(), true
}

// Health ages the store by its freshest data: a snapshot republished with only
// carried-forward ticks does not keep the store alive.
func (s *Store) Health(now time.Time) Health {
	v := s.view.Load()
	if v.current == nil {
		return Health{Status: StatusDead}
	}
	cur := v.current
	age := now.Sub(v.freshAt)
	h := Health{
		Seq:         cur.Seq,
		CollectedAt: cur.CollectedAt,
		Age:         age,
		AgeSeconds:  age.Seconds(),
	}
	switch {
	case age > time.Duration(s.opts.DeadAfter)*s.opts.Interval:
		h.Status = StatusDead
		h.Degraded = append([]market.ExchangeID(nil), cur.Partial...)
	case len(cur.Partial) > 0:
		h.Status = StatusDegraded
		h.Degraded = append([]market.ExchangeID(nil), cur.Partial...)
	default:
		h.Status = StatusOK
	}
	return h
}
