package binance

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"basis-arb-bot/internal/exchange"
	"basis-arb-bot/internal/exchange/ws"

	"go.uber.org/zap"
)

type StreamMark struct {
	Mark    float64
	Index   float64
	Funding float64
	At      time.Time
}

// MarkStream keeps the latest mark price per symbol from the all-market
// mark price stream. Marks older than maxAge are not returned.
type MarkStream struct {
	client *ws.Client
	maxAge time.Duration
	log    *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	marks map[string]StreamMark
}

func NewMarkStream(url string, maxAge time.Duration, log *zap.Logger) *MarkStream {
	if log == nil {
		log = zap.NewNop()
	}
	if url == "" {
		url = DefaultStreamURL
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Second
	}
	return &MarkStream{
		client: ws.New(url, 2*time.Second, 30*time.Second, log),
		maxAge: maxAge,
		log:    log,
		now:    time.Now,
		marks:  make(map[string]StreamMark),
	}
}

func (s *MarkStream) Run(ctx context.Context) error {
	return s.client.Run(ctx, s.handle)
}

func (s *MarkStream) Latest(symbol string) (StreamMark, bool) {
	s.mu.RLock()
	m, ok := s.marks[symbol]
	s.mu.RUnlock()
	if !ok || s.now().Sub(m.At) > s.maxAge {
		return StreamMark{}, false
	}
	return m, true
}

type markPriceEvent struct {
	Type        string `json:"e"`
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	MarkPrice   string `json:"p"`
	SettlePrice string `json:"P"`
	IndexPrice  string `json:"i"`
	FundingRate string `json:"r"`
	NextFunding int64  `json:"T"`
}

func (s *MarkStream) handle(msg json.RawMessage) {
	var events []markPriceEvent
	if err := json.Unmarshal(msg, &events); err != nil {
		var single markPriceEvent
		if err := json.Unmarshal(msg, &single); err != nil {
			s.log.Debug("mark stream message ignored", zap.Error(err))
			return
		}
		events = []markPriceEvent{single}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		if ev.Type != "markPriceUpdate" || ev.Symbol == "" {
			continue
		}
		mark, err := exchange.ParseFloat(ev.MarkPrice)
		if err != nil || mark <= 0 {
			continue
		}
		index, _ := exchange.ParseFloat(ev.IndexPrice)
		funding, _ := exchange.ParseFloat(ev.FundingRate)
		at := time.UnixMilli(ev.EventTime).UTC()
		if prev, ok := s.marks[ev.Symbol]; ok && !at.After(prev.At) {
			continue
		}
		s.marks[ev.Symbol] = StreamMark{Mark: mark, Index: index, Funding: funding, At: at}
	}
}
