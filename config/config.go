package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/propguard/flags"
	"github.com/rustyeddy/propguard/market"
	"github.com/rustyeddy/propguard/risk"
	"github.com/rustyeddy/propguard/session"
	"github.com/rustyeddy/propguard/strategy"
)

var (
	ErrUnknownPhase = errors.New("unknown account phase")
	ErrMissingRules = errors.New("no rules for phase")
)

// Config is loaded once at startup and not modified afterwards.
type Config struct {
	Phase       string                     `json:"phase" yaml:"phase"`
	Rules       map[string]Rules           `json:"rules" yaml:"rules"`
	Symbols     []string                   `json:"symbols" yaml:"symbols"`
	Strategy    map[string]strategy.Params `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Signal      SignalConfig               `json:"signal" yaml:"signal"`
	Correlation CorrelationConfig          `json:"correlation" yaml:"correlation"`
	Scaler      ScalerConfig               `json:"scaler" yaml:"scaler"`
	Execution   ExecutionConfig            `json:"execution" yaml:"execution"`
	Loop        LoopConfig                 `json:"loop" yaml:"loop"`
	Session     session.Window             `json:"session" yaml:"session"`
	Guards      GuardsConfig               `json:"guards" yaml:"guards"`
	Journal     JournalConfig              `json:"journal" yaml:"journal"`
	Broker      BrokerConfig               `json:"broker" yaml:"broker"`
	History     HistoryConfig              `json:"history" yaml:"history"`
	Metrics     MetricsConfig              `json:"metrics" yaml:"metrics"`
	Log         LogConfig                  `json:"log" yaml:"log"`
}

// Rules are the prop-firm limits for one phase, in account currency.
// Challenge rules carry a profit target, funded rules a withdrawal buffer.
type Rules struct {
	AccountBalance   float64 `json:"account_balance" yaml:"account_balance"`
	DailyLossLimit   float64 `json:"daily_loss_limit" yaml:"daily_loss_limit"`
	MaxLossLimit     float64 `json:"max_loss_limit" yaml:"max_loss_limit"`
	MaxRiskPerTrade  float64 `json:"max_risk_per_trade" yaml:"max_risk_per_trade"`
	ProfitTarget     float64 `json:"profit_target,omitempty" yaml:"profit_target,omitempty"`
	WithdrawalBuffer float64 `json:"withdrawal_buffer,omitempty" yaml:"withdrawal_buffer,omitempty"`
}

func (r Rules) validate() error {
	lim := risk.Limits{
		AccountBalance:  r.AccountBalance,
		DailyLossLimit:  r.DailyLossLimit,
		MaxLossLimit:    r.MaxLossLimit,
		MaxRiskPerTrade: r.MaxRiskPerTrade,
	}
	if err := lim.Validate(); err != nil {
		return err
	}
	if r.DailyLossLimit > r.MaxLossLimit {
		return fmt.Errorf("daily_loss_limit %.2f exceeds max_loss_limit %.2f", r.DailyLossLimit, r.MaxLossLimit)
	}
	if r.MaxRiskPerTrade > r.DailyLossLimit {
		return fmt.Errorf("max_risk_per_trade %.2f exceeds daily_loss_limit %.2f", r.MaxRiskPerTrade, r.DailyLossLimit)
	}
	if r.ProfitTarget < 0 || r.WithdrawalBuffer < 0 {
		return fmt.Errorf("profit_target and withdrawal_buffer must not be negative")
	}
	return nil
}

type CorrelationConfig struct {
	Threshold    float64  `json:"threshold" yaml:"threshold"`
	LookbackDays int      `json:"lookback_days" yaml:"lookback_days"`
	Timeframe    Duration `json:"timeframe" yaml:"timeframe"`
	Refresh      Duration `json:"refresh" yaml:"refresh"` // 0 computes once
}

type ScalerConfig struct {
	DrawdownFreeze float64     `json:"drawdown_freeze_pct" yaml:"drawdown_freeze_pct"`
	Tiers          []risk.Tier `json:"tiers" yaml:"tiers"`
}

type ExecutionConfig struct {
	Mode        string `json:"mode" yaml:"mode"`
	MLMode      string `json:"ml_mode,omitempty" yaml:"ml_mode,omitempty"` // empty picks the phase default
	AutoPromote bool   `json:"auto_promote" yaml:"auto_promote"`
}

type LoopConfig struct {
	Interval       Duration `json:"interval" yaml:"interval"`
	SymbolThrottle Duration `json:"symbol_throttle" yaml:"symbol_throttle"`
	PausedBackoff  Duration `json:"paused_backoff" yaml:"paused_backoff"`
	TickTimeout    Duration `json:"tick_timeout" yaml:"tick_timeout"`
	Concurrency    int      `json:"concurrency" yaml:"concurrency"`
	Candles        int      `json:"candles" yaml:"candles"`
	Timeframe      Duration `json:"timeframe" yaml:"timeframe"`
}

type GuardsConfig struct {
	MaxDailyDrawdown     float64 `json:"max_daily_drawdown" yaml:"max_daily_drawdown"`
	MaxTotalDrawdown     float64 `json:"max_total_drawdown" yaml:"max_total_drawdown"`
	ProfitLockActivation float64 `json:"profit_lock_activation" yaml:"profit_lock_activation"`
	ProfitLockRatio      float64 `json:"profit_lock_ratio" yaml:"profit_lock_ratio"`
}

// JournalConfig selects the journal backends. Type is "sqlite", "csv",
// "both" or "none".
type JournalConfig struct {
	Type       string `json:"type" yaml:"type"`
	DBPath     string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	OrdersFile string `json:"orders_file,omitempty" yaml:"orders_file,omitempty"`
	EquityFile string `json:"equity_file,omitempty" yaml:"equity_file,omitempty"`
}

func (j JournalConfig) SQLite() bool { return j.Type == "sqlite" || j.Type == "both" }
func (j JournalConfig) CSV() bool    { return j.Type == "csv" || j.Type == "both" }

type BrokerConfig struct {
	Kind      string `json:"kind" yaml:"kind"` // "sim" or "oanda"
	Practice  bool   `json:"practice" yaml:"practice"`
	AccountID string `json:"account_id,omitempty" yaml:"account_id,omitempty"`
	Token     string `json:"-" yaml:"-"` // OANDA_TOKEN only
}

type HistoryConfig struct {
	Source   string `json:"source" yaml:"source"` // "dukascopy" or "oanda"
	BaseURL  string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	CacheDir string `json:"cache_dir,omitempty" yaml:"cache_dir,omitempty"`
}

// SignalConfig tunes the EMA cross signal. MinADX 0 disables the trend
// filter.
type SignalConfig struct {
	StopATR     float64 `json:"stop_atr" yaml:"stop_atr"`
	RewardRatio float64 `json:"reward_ratio" yaml:"reward_ratio"`
	ADXPeriod   int     `json:"adx_period" yaml:"adx_period"`
	MinADX      float64 `json:"min_adx" yaml:"min_adx"`
}

type MetricsConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns a shadow-mode challenge configuration on the sim broker.
func Default() *Config {
	return &Config{
		Phase: "CHALLENGE",
		Rules: map[string]Rules{
			"CHALLENGE": {
				AccountBalance:  5_000,
				DailyLossLimit:  200,
				MaxLossLimit:    400,
				MaxRiskPerTrade: 50,
				ProfitTarget:    500,
			},
			"FUNDED": {
				AccountBalance:   5_000,
				DailyLossLimit:   200,
				MaxLossLimit:     400,
				MaxRiskPerTrade:  50,
				WithdrawalBuffer: 100,
			},
		},
		Symbols:  []string{"EURUSD", "GBPUSD", "USDJPY", "XAUUSD", "US30", "NAS100"},
		Strategy: strategy.DefaultParams(),
		Signal: SignalConfig{
			StopATR:     strategy.DefaultStopATR,
			RewardRatio: strategy.DefaultRewardRatio,
			ADXPeriod:   14,
		},
		Correlation: CorrelationConfig{
			Threshold:    0.85,
			LookbackDays: 30,
			Timeframe:    Duration(market.M5),
			Refresh:      Duration(6 * time.Hour),
		},
		Scaler: ScalerConfig{
			DrawdownFreeze: risk.DefaultDrawdownFreeze,
			Tiers:          risk.DefaultTiers(),
		},
		Execution: ExecutionConfig{
			Mode:        "SHADOW",
			AutoPromote: true,
		},
		Loop: LoopConfig{
			Interval:       Duration(time.Minute),
			SymbolThrottle: Duration(300 * time.Millisecond),
			PausedBackoff:  Duration(5 * time.Minute),
			TickTimeout:    Duration(45 * time.Second),
			Concurrency:    4,
			Candles:        300,
			Timeframe:      Duration(market.M5),
		},
		Session: session.DefaultWindow(),
		Guards: GuardsConfig{
			MaxDailyDrawdown:     0.02,
			MaxTotalDrawdown:     0.04,
			ProfitLockActivation: 0.02,
			ProfitLockRatio:      0.5,
		},
		Journal: JournalConfig{
			Type:   "sqlite",
			DBPath: "./propguard.db",
		},
		Broker: BrokerConfig{
			Kind:     "sim",
			Practice: true,
		},
		History: HistoryConfig{
			Source:   "dukascopy",
			CacheDir: "./data/dukascopy",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads .env files (missing ones are fine), then path on top of the
// defaults (an empty path keeps the defaults), then the environment
// overrides, and validates the result.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.Symbols = canonicalSymbols(cfg.Symbols)
	return cfg, nil
}

// LoadFromFile loads path (YAML, falling back to JSON) on top of the
// defaults without consulting the environment.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := Default()
	if err := decode(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.Symbols = canonicalSymbols(cfg.Symbols)
	return cfg, nil
}

// canonicalSymbols normalizes and dedupes a validated symbol list, keeping
// the first occurrence order.
func canonicalSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = market.Normalize(s)
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func decode(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): %w", errors.Join(err, jerr))
		}
	}
	return nil
}

// ApplyEnv applies TRADING_MODE, OANDA_TOKEN, OANDA_ACCOUNT_ID and
// PROPGUARD_LOG_LEVEL. An unknown TRADING_MODE is an error.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("TRADING_MODE"); ok && strings.TrimSpace(v) != "" {
		p, err := flags.ParsePhase(v)
		if err != nil {
			return fmt.Errorf("TRADING_MODE: %w: %q", ErrUnknownPhase, v)
		}
		c.Phase = p.String()
	}
	if v, ok := lookup("OANDA_TOKEN"); ok {
		c.Broker.Token = strings.TrimSpace(v)
	}
	if v, ok := lookup("OANDA_ACCOUNT_ID"); ok && strings.TrimSpace(v) != "" {
		c.Broker.AccountID = strings.TrimSpace(v)
	}
	if v, ok := lookup("PROPGUARD_LOG_LEVEL"); ok && strings.TrimSpace(v) != "" {
		c.Log.Level = strings.TrimSpace(v)
	}
	return nil
}

// SaveToFile writes YAML for .yaml/.yml paths and indented JSON otherwise.
// The broker token is never written.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if _, err := c.ActiveRules(); err != nil {
		return err
	}
	for name, r := range c.Rules {
		if err := r.validate(); err != nil {
			return fmt.Errorf("rules.%s: %w", name, err)
		}
	}

	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols: at least one symbol is required")
	}
	for _, s := range c.Symbols {
		if _, err := market.Lookup(s); err != nil {
			return fmt.Errorf("symbols: %w", err)
		}
	}

	if c.Signal.StopATR < 0 || c.Signal.RewardRatio < 0 || c.Signal.ADXPeriod < 0 || c.Signal.MinADX < 0 {
		return fmt.Errorf("signal settings must not be negative")
	}
	if c.Signal.MinADX > 0 && c.Signal.ADXPeriod == 0 {
		return fmt.Errorf("signal.min_adx needs signal.adx_period")
	}

	if c.Correlation.Threshold < 0 || c.Correlation.Threshold > 1 {
		return fmt.Errorf("correlation.threshold must be in [0,1]")
	}
	if c.Correlation.LookbackDays < 0 || c.Correlation.Refresh < 0 {
		return fmt.Errorf("correlation.lookback_days and refresh must not be negative")
	}
	if c.Scaler.DrawdownFreeze < 0 || c.Scaler.DrawdownFreeze >= 1 {
		return fmt.Errorf("scaler.drawdown_freeze_pct must be in [0,1)")
	}
	for i, t := range c.Scaler.Tiers {
		if t.MaxMultiplier < 1 || t.Step <= 0 || t.MaxBalance < 0 {
			return fmt.Errorf("scaler.tiers[%d]: max_multiplier >= 1 and step > 0 required", i)
		}
	}

	mode, err := flags.ParseMode(c.Execution.Mode)
	if err != nil {
		return fmt.Errorf("execution.mode: %w", err)
	}
	if mode == flags.Disabled {
		return fmt.Errorf("execution.mode: start in LIVE or SHADOW")
	}
	if c.Execution.MLMode != "" {
		if _, err := flags.ParseMLMode(c.Execution.MLMode); err != nil {
			return fmt.Errorf("execution.ml_mode: %w", err)
		}
	}

	if c.Loop.Interval <= 0 {
		return fmt.Errorf("loop.interval must be positive")
	}
	if c.Loop.SymbolThrottle < 0 || c.Loop.PausedBackoff < 0 || c.Loop.Concurrency < 0 || c.Loop.Candles < 0 {
		return fmt.Errorf("loop settings must not be negative")
	}
	if err := validateHours("session.london", c.Session.London); err != nil {
		return err
	}
	if err := validateHours("session.new_york", c.Session.NewYork); err != nil {
		return err
	}

	g := c.Guards
	if g.MaxDailyDrawdown < 0 || g.MaxDailyDrawdown >= 1 || g.MaxTotalDrawdown < 0 || g.MaxTotalDrawdown >= 1 {
		return fmt.Errorf("guards drawdowns must be in [0,1)")
	}
	if g.ProfitLockActivation < 0 || g.ProfitLockRatio < 0 || g.ProfitLockRatio > 1 {
		return fmt.Errorf("guards profit lock settings out of range")
	}

	switch c.Journal.Type {
	case "none":
	case "sqlite", "csv", "both":
		if c.Journal.SQLite() && c.Journal.DBPath == "" {
			return fmt.Errorf("journal.db_path required for sqlite")
		}
		if c.Journal.CSV() && (c.Journal.OrdersFile == "" || c.Journal.EquityFile == "") {
			return fmt.Errorf("journal.orders_file and equity_file required for csv")
		}
	default:
		return fmt.Errorf("journal.type must be sqlite, csv, both or none")
	}

	switch c.Broker.Kind {
	case "sim":
	case "oanda":
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id (or OANDA_ACCOUNT_ID) required for oanda")
		}
	default:
		return fmt.Errorf("broker.kind must be sim or oanda")
	}
	if mode == flags.Live && c.Broker.Kind != "oanda" {
		return fmt.Errorf("execution.mode LIVE needs broker.kind oanda")
	}

	switch c.History.Source {
	case "dukascopy":
	case "oanda":
		if c.Broker.AccountID == "" {
			return fmt.Errorf("history.source oanda needs broker.account_id")
		}
	default:
		return fmt.Errorf("history.source must be dukascopy or oanda")
	}
	return nil
}

func validateHours(name string, h session.Hours) error {
	if h.Start < 0 || h.End > 24 || h.Start > h.End {
		return fmt.Errorf("%s: hours must satisfy 0 <= start <= end <= 24", name)
	}
	return nil
}

// PhaseValue parses Phase.
func (c *Config) PhaseValue() (flags.Phase, error) {
	p, err := flags.ParsePhase(c.Phase)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPhase, c.Phase)
	}
	return p, nil
}

// RulesFor looks up the rule table entry for phase.
func (c *Config) RulesFor(phase flags.Phase) (Rules, error) {
	r, ok := c.Rules[phase.String()]
	if !ok {
		return Rules{}, fmt.Errorf("%w %s", ErrMissingRules, phase)
	}
	return r, nil
}

func (c *Config) ActiveRules() (Rules, error) {
	p, err := c.PhaseValue()
	if err != nil {
		return Rules{}, err
	}
	return c.RulesFor(p)
}

// Limits converts the active rules into risk limits.
func (c *Config) Limits() (risk.Limits, error) {
	r, err := c.ActiveRules()
	if err != nil {
		return risk.Limits{}, err
	}
	return risk.Limits{
		AccountBalance:       r.AccountBalance,
		DailyLossLimit:       r.DailyLossLimit,
		MaxLossLimit:         r.MaxLossLimit,
		MaxRiskPerTrade:      r.MaxRiskPerTrade,
		CorrelationThreshold: c.Correlation.Threshold,
	}, nil
}

// NewFlags builds the execution flags for the configured phase and mode.
// An empty ml_mode picks the phase default.
func (c *Config) NewFlags(opts ...flags.Option) (*flags.Flags, error) {
	p, err := c.PhaseValue()
	if err != nil {
		return nil, err
	}
	mode, err := flags.ParseMode(c.Execution.Mode)
	if err != nil {
		return nil, err
	}
	ml := flags.MLTraining
	if p == flags.Funded {
		ml = flags.MLFrozen
	}
	if c.Execution.MLMode != "" {
		if ml, err = flags.ParseMLMode(c.Execution.MLMode); err != nil {
			return nil, err
		}
	}
	return flags.New(p, mode, ml, opts...), nil
}
