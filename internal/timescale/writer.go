package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"basis-arb-bot/internal/config"
	"basis-arb-bot/internal/market"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// BasisObservation is one strategy evaluation.
type BasisObservation struct {
	Time         time.Time
	StrategyID   string
	Symbol       string
	PerpExchange string
	SpotExchange string
	PerpPrice    float64
	SpotPrice    float64
	Basis        float64
	State        string
}

// MarketTick is a flattened perp or spot tick from a published snapshot.
type MarketTick struct {
	Time        time.Time
	Seq         uint64
	Exchange    string
	Symbol      string
	Kind        string
	Price       float64
	IndexPrice  float64
	FundingRate float64
	VolumeUSD   float64
	Partial     bool
}

type Writer struct {
	db           *sql.DB
	log          *zap.Logger
	schema       string
	observations chan BasisObservation
	ticks        chan []MarketTick
	started      atomic.Bool
	dropObs      atomic.Uint64
	dropTicks    atomic.Uint64
}

// New returns nil when timescale is disabled; every method accepts a nil writer.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	w := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Writer{
		db:           db,
		log:          log,
		schema:       schema,
		observations: make(chan BasisObservation, queueSize),
		ticks:        make(chan []MarketTick, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueObservation(obs BasisObservation) {
	if w == nil {
		return
	}
	select {
	case w.observations <- obs:
	default:
		if w.dropObs.Add(1) == 1 {
			w.log.Warn("timescale observation queue full, dropping")
		}
	}
}

// ObserveSnapshot queues every tick of a published snapshot as one batch.
func (w *Writer) ObserveSnapshot(snap market.UnifiedSnapshot) {
	if w == nil {
		return
	}
	batch := Flatten(snap)
	if len(batch) == 0 {
		return
	}
	select {
	case w.ticks <- batch:
	default:
		if w.dropTicks.Add(1) == 1 {
			w.log.Warn("timescale tick queue full, dropping")
		}
	}
}

// Dropped reports how many observations and tick batches were discarded.
func (w *Writer) Dropped() (observations, ticks uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropObs.Load(), w.dropTicks.Load()
}

func Flatten(snap market.UnifiedSnapshot) []MarketTick {
	out := make([]MarketTick, 0, len(snap.Perp)+len(snap.Spot))
	for _, t := range snap.Perp {
		out = append(out, MarketTick{
			Time:        snap.CollectedAt,
			Seq:         snap.Seq,
			Exchange:    string(t.Exchange),
			Symbol:      t.Symbol,
			Kind:        string(market.KindPerp),
			Price:       t.MarkPrice,
			IndexPrice:  t.IndexPrice,
			FundingRate: t.FundingRate,
			VolumeUSD:   t.Volume24hUSD,
			Partial:     snap.IsPartial(t.Exchange),
		})
	}
	for _, t := range snap.Spot {
		out = append(out, MarketTick{
			Time:      snap.CollectedAt,
			Seq:       snap.Seq,
			Exchange:  string(t.Exchange),
			Symbol:    t.Symbol,
			Kind:      string(market.KindSpot),
			Price:     t.Price,
			VolumeUSD: t.Volume24hUSD,
			Partial:   snap.IsPartial(t.Exchange),
		})
	}
	return out
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-w.observations:
			w.writeObservation(ctx, obs)
		case batch := <-w.ticks:
			w.writeTicks(ctx, batch)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		seq BIGINT NOT NULL,
		exchange TEXT NOT NULL,
		symbol TEXT NOT NULL,
		kind TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		index_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		funding_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		volume_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		partial BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (ts, exchange, symbol, kind)
	)`, w.table("market_ticks"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		strategy_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		perp_exchange TEXT NOT NULL,
		spot_exchange TEXT NOT NULL,
		perp_price DOUBLE PRECISION NOT NULL,
		spot_price DOUBLE PRECISION NOT NULL,
		basis DOUBLE PRECISION NOT NULL,
		state TEXT NOT NULL
	)`, w.table("basis_observations"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"market_ticks", "basis_observations"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeObservation(ctx context.Context, obs BasisObservation) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, strategy_id, symbol, perp_exchange, spot_exchange, perp_price, spot_price, basis, state
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, w.table("basis_observations"))
	if _, err := w.db.ExecContext(ctx, query,
		obs.Time,
		obs.StrategyID,
		obs.Symbol,
		obs.PerpExchange,
		obs.SpotExchange,
		obs.PerpPrice,
		obs.SpotPrice,
		obs.Basis,
		obs.State,
	); err != nil {
		w.log.Warn("timescale observation insert failed", zap.Error(err))
	}
}

func (w *Writer) writeTicks(ctx context.Context, batch []MarketTick) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.log.Warn("timescale tick batch begin failed", zap.Error(err))
		return
	}
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, seq, exchange, symbol, kind, price, index_price, funding_rate, volume_usd, partial
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (ts, exchange, symbol, kind) DO NOTHING`, w.table("market_ticks"))
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		w.log.Warn("timescale tick prepare failed", zap.Error(err))
		return
	}
	defer stmt.Close()
	for _, t := range batch {
		if _, err := stmt.ExecContext(ctx, t.Time, int64(t.Seq), t.Exchange, t.Symbol, t.Kind, t.Price, t.IndexPrice, t.FundingRate, t.VolumeUSD, t.Partial); err != nil {
			_ = tx.Rollback()
			w.log.Warn("timescale tick insert failed", zap.Int("batch", len(batch)), zap.Error(err))
			return
		}
	}
	if err := tx.Commit(); err != nil {
		w.log.Warn("timescale tick commit failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
