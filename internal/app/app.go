package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"basis-arb-bot/internal/alerts"
	"basis-arb-bot/internal/collector"
	"basis-arb-bot/internal/config"
	"basis-arb-bot/internal/exchange"
	"basis-arb-bot/internal/exchange/binance"
	"basis-arb-bot/internal/exchange/bitget"
	"basis-arb-bot/internal/exchange/bithumb"
	"basis-arb-bot/internal/exchange/bybit"
	"basis-arb-bot/internal/exchange/okx"
	"basis-arb-bot/internal/exec"
	"basis-arb-bot/internal/fx"
	"basis-arb-bot/internal/market"
	"basis-arb-bot/internal/metrics"
	"basis-arb-bot/internal/record"
	"basis-arb-bot/internal/server"
	"basis-arb-bot/internal/snapshot"
	"basis-arb-bot/internal/state"
	"basis-arb-bot/internal/state/sqlite"
	"basis-arb-bot/internal/strategy"
	"basis-arb-bot/internal/timescale"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const botName = "basis-arb-bot"

type App struct {
	cfg            *config.Config
	log            *zap.Logger
	metrics        *metrics.Metrics
	metricsHandler http.Handler
	alerts         alerts.Alerter
	registry       *exchange.Registry
	stream         *binance.MarkStream
	snapshots      *snapshot.Store
	collector      *collector.Collector
	timescale      *timescale.Writer
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m := metrics.NewNoop()
	var metricsHandler http.Handler
	if cfg.Metrics.EnabledValue() {
		prom := metrics.NewPrometheus()
		m = prom.Metrics
		metricsHandler = prom.Handler()
	}
	registry, stream, err := BuildAdapters(cfg, log)
	if err != nil {
		return nil, err
	}
	rates, err := fx.NewHTTPSource(cfg.FX, log)
	if err != nil {
		return nil, err
	}
	tsWriter, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		return nil, fmt.Errorf("timescale: %w", err)
	}
	alerter := alerts.NewTelegram(cfg.Telegram, botName, m, log)
	store := snapshot.NewStore(snapshot.Options{
		Interval:  cfg.Collector.Interval,
		DeadAfter: cfg.Collector.DeadAfter,
		History:   cfg.Collector.History,
	}, m)
	coll := collector.New(registry.Adapters(), rates, store, collector.Options{
		Interval:     cfg.Collector.Interval,
		FetchTimeout: cfg.Collector.FetchTimeout,
		Symbols:      cfg.Collector.Symbols,
		WarmPath:     cfg.Collector.WarmStartPath,
	}, log, m, alerter)
	if tsWriter != nil {
		coll.SetSink(tsWriter)
	}
	return &App{
		cfg:            cfg,
		log:            log,
		metrics:        m,
		metricsHandler: metricsHandler,
		alerts:         alerter,
		registry:       registry,
		stream:         stream,
		snapshots:      store,
		collector:      coll,
		timescale:      tsWriter,
	}, nil
}

// BuildAdapters constructs the configured exchanges in canonical order. The
// Binance mark stream is returned when enabled so the caller can run it.
func BuildAdapters(cfg *config.Config, log *zap.Logger) (*exchange.Registry, *binance.MarkStream, error) {
	registry := exchange.NewRegistry()
	var stream *binance.MarkStream
	for _, name := range cfg.Collector.Exchanges {
		id, err := market.ParseExchangeID(name)
		if err != nil {
			return nil, nil, err
		}
		exCfg := cfg.Exchanges[string(id)]
		exLog := log.With(zap.String("exchange", string(id)))
		switch id {
		case market.Binance:
			adapter := binance.New(exCfg, exLog)
			if exCfg.Stream {
				stream = binance.NewMarkStream(exCfg.StreamURL, cfg.Collector.Interval, exLog)
				adapter.AttachStream(stream)
			}
			registry.Register(adapter)
		case market.Bybit:
			registry.Register(bybit.New(exCfg, exLog))
		case market.OKX:
			registry.Register(okx.New(exCfg, exLog))
		case market.Bitget:
			registry.Register(bitget.New(exCfg, exLog))
		case market.Bithumb:
			registry.Register(bithumb.New(exCfg, exLog))
		}
	}
	if registry.Len() == 0 {
		return nil, nil, errors.New("no exchanges configured")
	}
	return registry, stream, nil
}

func (a *App) Snapshots() *snapshot.Store {
	return a.snapshots
}

func (a *App) Close() error {
	return a.timescale.Close()
}

// Oracle runs the collector and the HTTP server until ctx is cancelled.
func (a *App) Oracle(ctx context.Context) error {
	return a.serve(ctx, nil)
}

// Run is the oracle pipeline plus the strategy engine loop.
func (a *App) Run(ctx context.Context) error {
	store, err := OpenStateStore(a.cfg.State)
	if err != nil {
		return err
	}
	defer store.Close()
	recs, closeRecs, err := OpenRecords(a.cfg.Records)
	if err != nil {
		return err
	}
	defer closeRecs()
	engine, err := a.newEngine(store, recs, a.cfg.Strategy.DryRun)
	if err != nil {
		return err
	}
	if err := engine.Resume(ctx); err != nil {
		return err
	}
	return a.serve(ctx, engine)
}

func (a *App) serve(ctx context.Context, engine *strategy.Engine) error {
	a.warmStart()
	a.timescale.Start(ctx)

	opts := server.Options{
		Address:        a.cfg.HTTP.Address,
		MetricsPath:    a.cfg.Metrics.Path,
		MetricsHandler: a.metricsHandler,
	}
	if engine != nil {
		opts.Strategy = engine
	}
	srv := server.New(a.snapshots, opts, a.log)

	g, gctx := errgroup.WithContext(ctx)
	if a.stream != nil {
		g.Go(func() error {
			if err := a.stream.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("binance mark stream stopped", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error { return a.collector.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	if engine != nil {
		g.Go(func() error { return engine.Run(gctx) })
	}
	a.log.Info("oracle started",
		zap.String("address", a.cfg.HTTP.Address),
		zap.Int("exchanges", a.registry.Len()),
		zap.Duration("interval", a.cfg.Collector.Interval),
		zap.Bool("strategy", engine != nil),
	)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) warmStart() {
	path := a.cfg.Collector.WarmStartPath
	if path == "" {
		return
	}
	snap, ok, err := a.snapshots.LoadFile(path)
	if err != nil {
		a.log.Warn("warm start failed", zap.String("path", path), zap.Error(err))
		return
	}
	if ok {
		a.log.Info("warm start loaded",
			zap.String("path", path),
			zap.Int("perp", len(snap.Perp)),
			zap.Int("spot", len(snap.Spot)),
			zap.Time("collected_at", snap.CollectedAt),
		)
	}
}

// DryRun prints the thresholds and the persisted state, then evaluates one
// fresh cycle without acting on it.
func (a *App) DryRun(ctx context.Context, w io.Writer) error {
	store, err := OpenStateStore(a.cfg.State)
	if err != nil {
		return err
	}
	defer store.Close()
	engine, err := a.newEngine(store, record.Nop{}, true)
	if err != nil {
		return err
	}
	if err := engine.Resume(ctx); err != nil {
		return err
	}
	s := a.cfg.Strategy
	fmt.Fprintf(w, "strategy %s: %s perp=%s/%s spot=%s/%s\n", s.ID, s.Symbol, s.PerpExchange, s.PerpSymbol, s.SpotExchange, s.SpotSymbol)
	fmt.Fprintf(w, "entry=%.4f%% exit=%.4f%% stop_loss=%.4f%% max_hold=%s notional=%.2f USD reverse=%v\n",
		s.EntryThreshold*100, s.ExitThreshold*100, s.StopLossThreshold*100, s.MaxHold, s.NotionalUSD, s.ReverseEnabled())
	st := engine.State()
	fmt.Fprintf(w, "state: %s\n", st.Phase)
	if p := st.Position; p != nil {
		fmt.Fprintf(w, "position %s: %s size=%g entry_basis=%.4f%% age=%s\n",
			p.ID, p.Side, p.Size, p.EntryBasis*100, p.Age(time.Now()).Truncate(time.Second))
	}
	if st.ExitReason != "" {
		fmt.Fprintf(w, "exit reason: %s\n", st.ExitReason)
	}
	if _, err := a.collector.Cycle(ctx); err != nil {
		fmt.Fprintf(w, "collect: %v\n", err)
	}
	d, err := engine.Tick(ctx)
	if err != nil {
		fmt.Fprintf(w, "evaluation: %v\n", err)
		return nil
	}
	fmt.Fprintf(w, "decision: %s basis=%.4f%%", d.Action, d.Basis*100)
	if d.Side != "" {
		fmt.Fprintf(w, " side=%s", d.Side)
	}
	if d.Reason != "" {
		fmt.Fprintf(w, " reason=%s", d.Reason)
	}
	fmt.Fprintln(w)
	return nil
}

// Emergency exits the open position with reason manual and waits for the
// closing fills.
func (a *App) Emergency(ctx context.Context) (strategy.Decision, error) {
	store, err := OpenStateStore(a.cfg.State)
	if err != nil {
		return strategy.Decision{}, err
	}
	defer store.Close()
	recs, closeRecs, err := OpenRecords(a.cfg.Records)
	if err != nil {
		return strategy.Decision{}, err
	}
	defer closeRecs()
	engine, err := a.newEngine(store, recs, false)
	if err != nil {
		return strategy.Decision{}, err
	}
	if err := engine.Resume(ctx); err != nil {
		return strategy.Decision{}, err
	}
	if _, err := a.collector.Cycle(ctx); err != nil {
		a.log.Warn("emergency: no fresh snapshot", zap.Error(err))
	}
	return engine.ForceExit(ctx, strategy.ExitManual)
}

func (a *App) newEngine(store state.Store, recs record.Recorder, dryRun bool) (*strategy.Engine, error) {
	cfg := a.cfg.Strategy
	cfg.DryRun = dryRun
	deps := strategy.Deps{
		Snapshots: a.snapshots,
		Store:     store,
		Records:   recs,
		Alerts:    a.alerts,
		Metrics:   a.metrics,
	}
	if a.timescale != nil {
		deps.Observations = a.timescale
	}
	if !dryRun {
		deps.Executor = exec.New(exec.NewLoggingGateway(a.log), store, exec.Options{LotStep: cfg.LotStep}, a.log, a.metrics)
	}
	return strategy.New(cfg, deps, a.log)
}

// OpenStateStore opens the configured strategy state backend.
func OpenStateStore(cfg config.StateConfig) (state.Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "file":
		return state.NewFileStore(cfg.Dir)
	case "sqlite":
		return sqlite.New(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

// OpenRecords returns the audit recorder. Disabled records use a no-op.
func OpenRecords(cfg config.RecordsConfig) (record.Recorder, func(), error) {
	if !cfg.Enabled {
		return record.Nop{}, func() {}, nil
	}
	store, err := record.Open(cfg.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open records: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}
