package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

// CounterVec hands out a counter per label value, e.g. per exchange.
type CounterVec interface {
	With(label string) Counter
}

type Metrics struct {
	CollectorCycles   Counter
	AdapterFailures   CounterVec
	AllAdaptersFailed Counter
	PartialExchanges  Gauge
	SnapshotSeq       Gauge

	StateTransitions CounterVec
	EntrySkipped     Counter
	EntryFailed      Counter
	ExitFailed       Counter
	ExitUnconfirmed  Counter
	PersistFailures  Counter
	Halts            Counter

	OrdersPlaced Counter
	OrdersFailed Counter
	AlertsSent   Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

type noopVec struct{}

func (noopVec) With(string) Counter { return noopCounter{} }

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	v := noopVec{}
	return &Metrics{
		CollectorCycles:   n,
		AdapterFailures:   v,
		AllAdaptersFailed: n,
		PartialExchanges:  g,
		SnapshotSeq:       g,
		StateTransitions:  v,
		EntrySkipped:      n,
		EntryFailed:       n,
		ExitFailed:        n,
		ExitUnconfirmed:   n,
		PersistFailures:   n,
		Halts:             n,
		OrdersPlaced:      n,
		OrdersFailed:      n,
		AlertsSent:        n,
	}
}

// OrNoop lets callers accept a nil *Metrics.
func OrNoop(m *Metrics) *Metrics {
	if m == nil {
		return NewNoop()
	}
	return m
}
