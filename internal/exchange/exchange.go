package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"basis-arb-bot/internal/market"
)

// Adapter is the per-exchange market data and account capability.
// Implementations hold no state between calls beyond transport resources.
type Adapter interface {
	ID() market.ExchangeID
	FetchPerpTickers(ctx context.Context) ([]market.PerpTick, error)
	FetchSpotTickers(ctx context.Context) ([]market.SpotTick, error)
	FetchOrderBook(ctx context.Context, kind market.Kind, symbol string) (market.OrderBook, error)
	FetchAssets(ctx context.Context) ([]market.Asset, error)
	FetchFees(ctx context.Context, symbol string) (market.FeeSchedule, error)
}

type Kind int

const (
	KindTransport Kind = iota
	KindTimeout
	KindRateLimit
	KindAuth
	KindParse
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRateLimit:
		return "rate_limit"
	case KindAuth:
		return "auth"
	case KindParse:
		return "parse"
	default:
		return "transport"
	}
}

var (
	ErrNoCredentials = errors.New("credentials not configured")
	ErrUnsupported   = errors.New("operation not supported")
	ErrNoRows        = errors.New("no usable rows in response")
)

type Error struct {
	Exchange market.ExchangeID
	Op       string
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Exchange, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(id market.ExchangeID, op string, kind Kind, err error) error {
	return &Error{Exchange: id, Op: op, Kind: kind, Err: err}
}

// KindOf classifies err. Context deadlines and network timeouts are Timeout;
// anything unclassified is Transport.
func KindOf(err error) Kind {
	var exErr *Error
	if errors.As(err, &exErr) {
		return exErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, ErrNoCredentials) {
		return KindAuth
	}
	return KindTransport
}

// Registry holds one adapter per exchange id.
type Registry struct {
	adapters map[market.ExchangeID]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[market.ExchangeID]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.adapters[a.ID()] = a
}

func (r *Registry) Get(id market.ExchangeID) (Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// Adapters returns the registered adapters in canonical exchange order.
func (r *Registry) Adapters() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return market.ExchangeLess(out[i].ID(), out[j].ID()) })
	return out
}

func (r *Registry) Len() int {
	return len(r.adapters)
}

// ParseFloat reads the string-encoded decimals exchanges return. Empty is zero.
func ParseFloat(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseFloat(raw, 64)
}

// ParseMillis reads a string-encoded unix millisecond timestamp.
func ParseMillis(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// ParseLevels reads [[price, qty, ...], ...] book sides; extra columns are ignored.
func ParseLevels(raw [][]string) ([]market.BookLevel, error) {
	out := make([]market.BookLevel, 0, len(raw))
	for _, row := range raw {
		if len(row) < 2 {
			return nil, fmt.Errorf("book level has %d columns", len(row))
		}
		price, err := ParseFloat(row[0])
		if err != nil {
			return nil, fmt.Errorf("book price: %w", err)
		}
		qty, err := ParseFloat(row[1])
		if err != nil {
			return nil, fmt.Errorf("book quantity: %w", err)
		}
		out = append(out, market.BookLevel{Price: price, Quantity: qty})
	}
	return out, nil
}
