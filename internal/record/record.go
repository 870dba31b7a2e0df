package record

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Trade struct {
	ID            int64     `json:"id"`
	ExecutedAt    time.Time `json:"executed_at"`
	Exchange      string    `json:"exchange"`
	Symbol        string    `json:"symbol"`
	MarketType    string    `json:"market_type"`
	Side          string    `json:"side"`
	TradeType     string    `json:"trade_type"`
	Price         *float64  `json:"executed_price,omitempty"`
	Quantity      float64   `json:"quantity"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	OrderID       string    `json:"order_id,omitempty"`
	Metadata      string    `json:"metadata,omitempty"`
	Liquidation   bool      `json:"is_liquidation"`
}

// Position records one open or close of a strategy position.
type Position struct {
	ID           int64     `json:"id"`
	ExecutedAt   time.Time `json:"executed_at"`
	BotName      string    `json:"bot_name"`
	Carry        string    `json:"carry"`
	Action       string    `json:"action"`
	Symbol       string    `json:"symbol"`
	SpotPrice    float64   `json:"spot_price"`
	FuturesMark  float64   `json:"futures_mark"`
	Basis        float64   `json:"basis"`
	BuyExchange  string    `json:"buy_exchange"`
	SellExchange string    `json:"sell_exchange"`
	Reason       string    `json:"reason,omitempty"`
}

const (
	ActionOpen  = "OPEN"
	ActionClose = "CLOSE"
)

// Recorder is the audit sink used by the strategy. Writes are best effort.
type Recorder interface {
	SaveTrade(ctx context.Context, t Trade) error
	SavePosition(ctx context.Context, p Position) error
}

type Nop struct{}

func (Nop) SaveTrade(context.Context, Trade) error { return nil }
func (Nop) SavePosition(context.Context, Position) error { return nil }

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trade_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			executed_at TEXT NOT NULL,
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			market_type TEXT NOT NULL,
			side TEXT NOT NULL,
			trade_type TEXT NOT NULL,
			executed_price REAL,
			quantity REAL NOT NULL,
			client_order_id TEXT,
			order_id TEXT,
			metadata TEXT,
			is_liquidation INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_records_executed_at ON trade_records (executed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_records_exchange ON trade_records (exchange)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_records_symbol ON trade_records (symbol)`,
		`CREATE TABLE IF NOT EXISTS position_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			executed_at TEXT NOT NULL,
			bot_name TEXT NOT NULL,
			carry TEXT NOT NULL,
			action TEXT NOT NULL,
			symbol TEXT NOT NULL,
			spot_price REAL NOT NULL,
			futures_mark REAL NOT NULL,
			basis REAL NOT NULL DEFAULT 0,
			buy_exchange TEXT NOT NULL,
			sell_exchange TEXT NOT NULL,
			reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_position_records_bot ON position_records (bot_name, executed_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveTrade(ctx context.Context, t Trade) error {
	if t.ExecutedAt.IsZero() {
		t.ExecutedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO trade_records
		(executed_at, exchange, symbol, market_type, side, trade_type, executed_price, quantity, client_order_id, order_id, metadata, is_liquidation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ExecutedAt.UTC().Format(time.RFC3339Nano),
		t.Exchange,
		t.Symbol,
		t.MarketType,
		t.Side,
		t.TradeType,
		nullFloat(t.Price),
		t.Quantity,
		nullString(t.ClientOrderID),
		nullString(t.OrderID),
		nullString(t.Metadata),
		t.Liquidation,
	)
	return err
}

func (s *Store) SavePosition(ctx context.Context, p Position) error {
	if p.ExecutedAt.IsZero() {
		p.ExecutedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO position_records
		(executed_at, bot_name, carry, action, symbol, spot_price, futures_mark, basis, buy_exchange, sell_exchange, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ExecutedAt.UTC().Format(time.RFC3339Nano),
		p.BotName,
		p.Carry,
		p.Action,
		p.Symbol,
		p.SpotPrice,
		p.FuturesMark,
		p.Basis,
		p.BuyExchange,
		p.SellExchange,
		nullString(p.Reason),
	)
	return err
}

// RecentTrades returns up to limit trades, newest first.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, executed_at, exchange, symbol, market_type, side, trade_type,
		executed_price, quantity, COALESCE(client_order_id, ''), COALESCE(order_id, ''), COALESCE(metadata, ''), is_liquidation
		FROM trade_records ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Trade
	for rows.Next() {
		var t Trade
		var executedAt string
		var price sql.NullFloat64
		if err := rows.Scan(&t.ID, &executedAt, &t.Exchange, &t.Symbol, &t.MarketType, &t.Side, &t.TradeType,
			&price, &t.Quantity, &t.ClientOrderID, &t.OrderID, &t.Metadata, &t.Liquidation); err != nil {
			return nil, err
		}
		if t.ExecutedAt, err = time.Parse(time.RFC3339Nano, executedAt); err != nil {
			return nil, err
		}
		if price.Valid {
			v := price.Float64
			t.Price = &v
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentPositions returns up to limit position records for bot, newest first.
func (s *Store) RecentPositions(ctx context.Context, bot string, limit int) ([]Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, executed_at, bot_name, carry, action, symbol, spot_price, futures_mark,
		basis, buy_exchange, sell_exchange, COALESCE(reason, '')
		FROM position_records WHERE bot_name = ? ORDER BY id DESC LIMIT ?`, bot, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Position
	for rows.Next() {
		var p Position
		var executedAt string
		if err := rows.Scan(&p.ID, &executedAt, &p.BotName, &p.Carry, &p.Action, &p.Symbol, &p.SpotPrice, &p.FuturesMark,
			&p.Basis, &p.BuyExchange, &p.SellExchange, &p.Reason); err != nil {
			return nil, err
		}
		if p.ExecutedAt, err = time.Parse(time.RFC3339Nano, executedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
