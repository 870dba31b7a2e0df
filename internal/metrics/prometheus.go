package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "basis_arb_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type promVec struct {
	vec *prometheus.CounterVec
}

func (p promVec) With(label string) Counter {
	return promCounter{p.vec.WithLabelValues(label)}
}

type Prometheus struct {
	Metrics *Metrics

	registry         *prometheus.Registry
	cycles           prometheus.Counter
	adapterFailures  *prometheus.CounterVec
	allFailed        prometheus.Counter
	partialExchanges prometheus.Gauge
	snapshotSeq      prometheus.Gauge
	transitions      *prometheus.CounterVec
	entrySkipped     prometheus.Counter
	entryFailed      prometheus.Counter
	exitFailed       prometheus.Counter
	exitUnconfirmed  prometheus.Counter
	persistFailures  prometheus.Counter
	halts            prometheus.Counter
	ordersPlaced     prometheus.Counter
	ordersFailed     prometheus.Counter
	alertsSent       prometheus.Counter
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	p := &Prometheus{
		registry:         registry,
		cycles:           newCounter("collector_cycles_total", "Total number of collection cycles published."),
		allFailed:        newCounter("collector_all_failed_total", "Total number of cycles where every adapter failed."),
		partialExchanges: newGauge("snapshot_partial_exchanges", "Exchanges carried forward in the latest snapshot."),
		snapshotSeq:      newGauge("snapshot_seq", "Sequence number of the latest published snapshot."),
		entrySkipped:     newCounter("entry_skipped_total", "Total number of entries skipped on stale data."),
		entryFailed:      newCounter("entry_failed_total", "Total number of entry flow failures."),
		exitFailed:       newCounter("exit_failed_total", "Total number of exit flow failures."),
		exitUnconfirmed:  newCounter("exit_unconfirmed_total", "Total number of exits whose fills could not be confirmed."),
		persistFailures:  newCounter("persist_failures_total", "Total number of strategy state persistence failures."),
		halts:            newCounter("strategy_halts_total", "Total number of strategy halts on persistence failure."),
		ordersPlaced:     newCounter("orders_placed_total", "Total number of orders placed."),
		ordersFailed:     newCounter("orders_failed_total", "Total number of order placement failures."),
		alertsSent:       newCounter("alerts_sent_total", "Total number of operator alerts sent."),
		adapterFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "adapter_failures_total",
			Help:      "Total number of adapter fetch failures.",
		}, []string{"exchange"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      "strategy_transitions_total",
			Help:      "Total number of strategy state transitions.",
		}, []string{"to"}),
	}

	registry.MustRegister(
		p.cycles, p.adapterFailures, p.allFailed, p.partialExchanges, p.snapshotSeq,
		p.transitions, p.entrySkipped, p.entryFailed, p.exitFailed, p.exitUnconfirmed,
		p.persistFailures, p.halts, p.ordersPlaced, p.ordersFailed, p.alertsSent,
	)

	p.Metrics = &Metrics{
		CollectorCycles:   promCounter{p.cycles},
		AdapterFailures:   promVec{p.adapterFailures},
		AllAdaptersFailed: promCounter{p.allFailed},
		PartialExchanges:  promGauge{p.partialExchanges},
		SnapshotSeq:       promGauge{p.snapshotSeq},
		StateTransitions:  promVec{p.transitions},
		EntrySkipped:      promCounter{p.entrySkipped},
		EntryFailed:       promCounter{p.entryFailed},
		ExitFailed:        promCounter{p.exitFailed},
		ExitUnconfirmed:   promCounter{p.exitUnconfirmed},
		PersistFailures:   promCounter{p.persistFailures},
		Halts:             promCounter{p.halts},
		OrdersPlaced:      promCounter{p.ordersPlaced},
		OrdersFailed:      promCounter{p.ordersFailed},
		AlertsSent:        promCounter{p.alertsSent},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
