package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig             `yaml:"log"`
	Collector CollectorConfig           `yaml:"collector"`
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
	FX        FXConfig                  `yaml:"fx"`
	HTTP      HTTPConfig                `yaml:"http"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	Strategy  StrategyConfig            `yaml:"strategy"`
	State     StateConfig               `yaml:"state"`
	Records   RecordsConfig             `yaml:"records"`
	Timescale TimescaleConfig           `yaml:"timescale"`
	Telegram  TelegramConfig            `yaml:"telegram"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type CollectorConfig struct {
	Interval      time.Duration `yaml:"interval"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	Exchanges     []string      `yaml:"exchanges"`
	Symbols       []string      `yaml:"symbols"`
	History       int           `yaml:"history"`
	WarmStartPath string        `yaml:"warm_start_path"`
	DeadAfter     int           `yaml:"dead_after_intervals"`
}

type ExchangeConfig struct {
	BaseURL     string        `yaml:"base_url"`
	PerpBaseURL string        `yaml:"perp_base_url"`
	StreamURL   string        `yaml:"stream_url"`
	Stream      bool          `yaml:"stream"`
	RateLimit   float64       `yaml:"rate_limit_rps"`
	Burst       int           `yaml:"rate_limit_burst"`
	Timeout     time.Duration `yaml:"timeout"`
	APIKey      string        `yaml:"-"`
	APISecret   string        `yaml:"-"`
	Passphrase  string        `yaml:"-"`
}

type FXConfig struct {
	USDKRWURL  string        `yaml:"usd_krw_url"`
	USDTKRWURL string        `yaml:"usdt_krw_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

type HTTPConfig struct {
	Address string `yaml:"address"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type StrategyConfig struct {
	ID                string        `yaml:"id"`
	Symbol            string        `yaml:"symbol"`
	PerpExchange      string        `yaml:"perp_exchange"`
	PerpSymbol        string        `yaml:"perp_symbol"`
	SpotExchange      string        `yaml:"spot_exchange"`
	SpotSymbol        string        `yaml:"spot_symbol"`
	EntryThreshold    float64       `yaml:"entry_threshold"`
	ExitThreshold     float64       `yaml:"exit_threshold"`
	StopLossThreshold float64       `yaml:"stop_loss_threshold"`
	MaxHold           time.Duration `yaml:"max_hold"`
	EvalInterval      time.Duration `yaml:"eval_interval"`
	NotionalUSD       float64       `yaml:"notional_usd"`
	AllowReverse      *bool         `yaml:"allow_reverse"`
	ConfirmRetries    int           `yaml:"confirm_retries"`
	ConfirmBackoff    time.Duration `yaml:"confirm_backoff"`
	PersistRetries    int           `yaml:"persist_retries"`
	MaxRateAge        time.Duration `yaml:"max_rate_age"`
	LotStep           float64       `yaml:"lot_step"`
	DryRun            bool          `yaml:"dry_run"`
}

// ReverseEnabled reports whether a discount (negative basis) opens a reverse
// position. Unset means enabled.
func (s StrategyConfig) ReverseEnabled() bool {
	return s.AllowReverse == nil || *s.AllowReverse
}

type StateConfig struct {
	Backend    string `yaml:"backend"`
	Dir        string `yaml:"dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

type RecordsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SQLitePath string `yaml:"sqlite_path"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

// Default returns a configuration with every default and env override applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 5
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 10
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 14
		}
	}
	if cfg.Collector.Interval == 0 {
		cfg.Collector.Interval = 10 * time.Second
	}
	if cfg.Collector.FetchTimeout == 0 {
		cfg.Collector.FetchTimeout = 7 * time.Second
	}
	if len(cfg.Collector.Exchanges) == 0 {
		cfg.Collector.Exchanges = []string{"binance", "bybit", "okx", "bitget", "bithumb"}
	}
	if cfg.Collector.History == 0 {
		cfg.Collector.History = 16
	}
	if cfg.Collector.DeadAfter == 0 {
		cfg.Collector.DeadAfter = 3
	}
	if cfg.Exchanges == nil {
		cfg.Exchanges = make(map[string]ExchangeConfig)
	}
	for _, name := range cfg.Collector.Exchanges {
		key := strings.ToLower(strings.TrimSpace(name))
		ex := cfg.Exchanges[key]
		if ex.RateLimit == 0 {
			ex.RateLimit = 5
		}
		if ex.Burst == 0 {
			ex.Burst = 5
		}
		if ex.Timeout == 0 {
			ex.Timeout = cfg.Collector.FetchTimeout
		}
		cfg.Exchanges[key] = ex
	}
	if cfg.FX.USDKRWURL == "" {
		cfg.FX.USDKRWURL = "https://open.er-api.com/v6/latest/USD"
	}
	if cfg.FX.USDTKRWURL == "" {
		cfg.FX.USDTKRWURL = "https://api.bithumb.com/v1/ticker?markets=KRW-USDT"
	}
	if cfg.FX.Timeout == 0 {
		cfg.FX.Timeout = cfg.Collector.FetchTimeout
	}
	if cfg.HTTP.Address == "" {
		cfg.HTTP.Address = ":12090"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	applyStrategyDefaults(&cfg.Strategy)
	if cfg.State.Backend == "" {
		cfg.State.Backend = "file"
	}
	if cfg.State.Dir == "" {
		cfg.State.Dir = "data/state"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/basis-arb-bot.db"
	}
	if cfg.Records.SQLitePath == "" {
		cfg.Records.SQLitePath = "data/trade_records.db"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
}

func applyStrategyDefaults(s *StrategyConfig) {
	if s.ID == "" {
		s.ID = "intra_basis"
	}
	if s.Symbol == "" {
		s.Symbol = "BTC"
	}
	if s.PerpExchange == "" {
		s.PerpExchange = "binance"
	}
	if s.SpotExchange == "" {
		s.SpotExchange = s.PerpExchange
	}
	base := strings.ToUpper(strings.TrimSpace(s.Symbol))
	if s.PerpSymbol == "" {
		s.PerpSymbol = base + "USDT"
	}
	if s.SpotSymbol == "" {
		if strings.EqualFold(s.SpotExchange, "bithumb") {
			s.SpotSymbol = base + "KRW"
		} else {
			s.SpotSymbol = base + "USDT"
		}
	}
	if s.AllowReverse == nil {
		allow := true
		s.AllowReverse = &allow
	}
	if s.EntryThreshold == 0 {
		s.EntryThreshold = 0.005
	}
	if s.ExitThreshold == 0 {
		s.ExitThreshold = 0.001
	}
	if s.StopLossThreshold == 0 {
		s.StopLossThreshold = 0.02
	}
	if s.MaxHold == 0 {
		s.MaxHold = 24 * time.Hour
	}
	if s.EvalInterval == 0 {
		s.EvalInterval = 30 * time.Second
	}
	if s.NotionalUSD == 0 {
		s.NotionalUSD = 100
	}
	if s.ConfirmRetries == 0 {
		s.ConfirmRetries = 5
	}
	if s.ConfirmBackoff == 0 {
		s.ConfirmBackoff = 500 * time.Millisecond
	}
	if s.PersistRetries == 0 {
		s.PersistRetries = 3
	}
	if s.MaxRateAge == 0 {
		s.MaxRateAge = 5 * time.Minute
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := strings.TrimSpace(os.Getenv("TIMESCALE_DSN")); v != "" {
		cfg.Timescale.DSN = v
	}
	credentials := map[string][3]string{
		"binance": {"BINANCE_API_KEY", "BINANCE_API_SECRET", ""},
		"bithumb": {"BITHUMB_ACCESS_KEY", "BITHUMB_SECRET_KEY", ""},
		"bybit":   {"BYBIT_API_KEY", "BYBIT_API_SECRET", ""},
		"okx":     {"OKX_API_KEY", "OKX_API_SECRET", "OKX_PASSPHRASE"},
		"bitget":  {"BITGET_API_KEY", "BITGET_API_SECRET", "BITGET_PASSPHRASE"},
	}
	for name, keys := range credentials {
		ex, ok := cfg.Exchanges[name]
		if !ok {
			continue
		}
		ex.APIKey = strings.TrimSpace(os.Getenv(keys[0]))
		ex.APISecret = strings.TrimSpace(os.Getenv(keys[1]))
		if keys[2] != "" {
			ex.Passphrase = strings.TrimSpace(os.Getenv(keys[2]))
		}
		cfg.Exchanges[name] = ex
	}
}

func validate(cfg *Config) error {
	c := cfg.Collector
	if c.Interval <= 0 {
		return errors.New("collector.interval must be > 0")
	}
	if c.FetchTimeout <= 0 {
		return errors.New("collector.fetch_timeout must be > 0")
	}
	if c.FetchTimeout >= c.Interval {
		return fmt.Errorf("collector.fetch_timeout %s must be shorter than collector.interval %s", c.FetchTimeout, c.Interval)
	}
	if c.History < 1 {
		return errors.New("collector.history must be >= 1")
	}
	if c.DeadAfter < 1 {
		return errors.New("collector.dead_after_intervals must be >= 1")
	}
	seen := make(map[string]struct{}, len(c.Exchanges))
	for _, name := range c.Exchanges {
		key := strings.ToLower(strings.TrimSpace(name))
		if !knownExchange(key) {
			return fmt.Errorf("collector.exchanges: unknown exchange %q", name)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("collector.exchanges: duplicate exchange %q", name)
		}
		seen[key] = struct{}{}
	}
	if err := validateStrategy(cfg.Strategy); err != nil {
		return err
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	switch cfg.State.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("state.backend must be file or sqlite, got %q", cfg.State.Backend)
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	return nil
}

func validateStrategy(s StrategyConfig) error {
	if strings.TrimSpace(s.Symbol) == "" {
		return errors.New("strategy.symbol is required")
	}
	if !knownExchange(strings.ToLower(s.PerpExchange)) {
		return fmt.Errorf("strategy.perp_exchange: unknown exchange %q", s.PerpExchange)
	}
	if strings.EqualFold(s.PerpExchange, "bithumb") {
		return errors.New("strategy.perp_exchange: bithumb lists no perpetuals")
	}
	if !knownExchange(strings.ToLower(s.SpotExchange)) {
		return fmt.Errorf("strategy.spot_exchange: unknown exchange %q", s.SpotExchange)
	}
	if s.ExitThreshold < 0 || s.EntryThreshold <= 0 || s.StopLossThreshold <= 0 {
		return errors.New("strategy thresholds must be positive")
	}
	if s.ExitThreshold >= s.EntryThreshold {
		return errors.New("strategy.exit_threshold must be below strategy.entry_threshold")
	}
	if s.StopLossThreshold <= s.EntryThreshold {
		return errors.New("strategy.stop_loss_threshold must be above strategy.entry_threshold")
	}
	if s.MaxHold <= 0 {
		return errors.New("strategy.max_hold must be > 0")
	}
	if s.EvalInterval <= 0 {
		return errors.New("strategy.eval_interval must be > 0")
	}
	if s.NotionalUSD <= 0 {
		return errors.New("strategy.notional_usd must be > 0")
	}
	if s.ConfirmRetries < 1 || s.PersistRetries < 1 {
		return errors.New("strategy retry budgets must be >= 1")
	}
	if s.ConfirmBackoff <= 0 {
		return errors.New("strategy.confirm_backoff must be > 0")
	}
	if s.MaxRateAge < 0 {
		return errors.New("strategy.max_rate_age must be >= 0")
	}
	if s.LotStep < 0 {
		return errors.New("strategy.lot_step must be >= 0")
	}
	return nil
}

func knownExchange(name string) bool {
	switch name {
	case "binance", "bybit", "okx", "bitget", "bithumb":
		return true
	}
	return false
}
