package cmd

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/propguard/broker"
	"github.com/rustyeddy/propguard/broker/oanda"
	"github.com/rustyeddy/propguard/broker/sim"
	"github.com/rustyeddy/propguard/config"
	"github.com/rustyeddy/propguard/correlation"
	"github.com/rustyeddy/propguard/flags"
	"github.com/rustyeddy/propguard/gatekeeper"
	"github.com/rustyeddy/propguard/guard"
	"github.com/rustyeddy/propguard/journal"
	"github.com/rustyeddy/propguard/market"
	"github.com/rustyeddy/propguard/market/dukas"
	"github.com/rustyeddy/propguard/metrics"
	"github.com/rustyeddy/propguard/orchestrator"
	"github.com/rustyeddy/propguard/risk"
	"github.com/rustyeddy/propguard/router"
	"github.com/rustyeddy/propguard/session"
	"github.com/rustyeddy/propguard/strategy"
)

// app is the wired process: every component built from one config.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	flags   *flags.Flags
	risk    *risk.Manager
	gate    *gatekeeper.Gatekeeper
	corr    *correlation.Manager
	metrics *metrics.Registry
	journal journal.Journal
	engine  *sim.Engine
	orch    *orchestrator.Orchestrator
}

func buildApp(cfg *config.Config, log zerolog.Logger) (*app, error) {
	rules, err := cfg.ActiveRules()
	if err != nil {
		return nil, err
	}
	limits, err := cfg.Limits()
	if err != nil {
		return nil, err
	}
	f, err := cfg.NewFlags(flags.WithLogger(log))
	if err != nil {
		return nil, err
	}

	j, err := openJournal(cfg.Journal)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, flags: f, journal: j, metrics: metrics.New()}

	a.engine = sim.NewEngine(rules.AccountBalance)

	var oc *oanda.Client
	if cfg.Broker.Kind == "oanda" || cfg.History.Source == "oanda" {
		if cfg.Broker.Token == "" {
			j.Close()
			return nil, errors.New("OANDA_TOKEN is required for the oanda broker or history source")
		}
		oc = oanda.NewClient(cfg.Broker.Token, cfg.Broker.AccountID, cfg.Broker.Practice)
	}

	var history market.History
	if cfg.History.Source == "oanda" {
		history = oc
	} else {
		history = dukas.New(cfg.History.BaseURL, cfg.History.CacheDir, log.With().Str("component", "dukascopy").Logger())
	}

	a.corr = correlation.New(correlation.Config{
		Symbols:      cfg.Symbols,
		LookbackDays: cfg.Correlation.LookbackDays,
		Timeframe:    cfg.Correlation.Timeframe.D(),
		Refresh:      cfg.Correlation.Refresh.D(),
	}, history,
		correlation.WithLogger(log),
		correlation.WithReadyGauge(a.metrics.CorrelationReady),
	)

	a.risk = risk.NewManager(limits,
		risk.WithLogger(log),
		risk.WithCorrelator(a.corr),
		risk.WithScaler(risk.NewScaler(rules.AccountBalance, cfg.Scaler.Tiers, cfg.Scaler.DrawdownFreeze)),
		risk.OnHardStop(f.DisableExecution),
	)
	a.gate = gatekeeper.New(f, a.risk,
		gatekeeper.WithLogger(log),
		gatekeeper.WithObserver(a.metrics.ObserveDecision),
	)

	routerOpts := []router.Option{
		router.WithJournal(j),
		router.WithLogger(log),
		router.WithObserver(a.metrics.ObserveOrder),
	}
	var equity broker.EquitySource = a.engine
	var positions broker.PositionSource = a.engine
	if cfg.Broker.Kind == "oanda" {
		routerOpts = append(routerOpts, router.WithLive(oc))
		equity, positions = oc, oc
	}
	rt := router.New(f, a.engine, cfg.Symbols, routerOpts...)

	sc := session.NewController(f, a.risk, cfg.Execution.AutoPromote,
		session.WithLogger(log),
		session.WithRecorder(j),
	)

	g := cfg.Guards
	ks := guard.NewKillSwitch(rules.AccountBalance, g.MaxDailyDrawdown, g.MaxTotalDrawdown,
		guard.WithKillSwitchLogger(log),
		guard.OnLock(func(reason string) { f.DisableExecution(reason) }),
	)
	opts := []orchestrator.Option{
		orchestrator.WithShadowEngine(a.engine),
		orchestrator.WithKillSwitch(ks),
		orchestrator.WithProfitLock(guard.NewProfitLock(rules.AccountBalance, g.ProfitLockActivation, g.ProfitLockRatio, log)),
		orchestrator.WithWindow(cfg.Session),
		orchestrator.WithJournal(j),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithInterval(cfg.Loop.Interval.D(), cfg.Loop.PausedBackoff.D()),
		orchestrator.WithTickTimeout(cfg.Loop.TickTimeout.D()),
		orchestrator.WithCandles(cfg.Loop.Timeframe.D(), cfg.Loop.Candles),
		orchestrator.WithConcurrency(cfg.Loop.Concurrency, cfg.Loop.SymbolThrottle.D()),
		orchestrator.WithLogger(log),
	}
	if cfg.Broker.Kind == "oanda" {
		opts = append(opts, orchestrator.WithClosedTrades(oc))
	}
	if f.Phase() == flags.Challenge && rules.ProfitTarget > 0 {
		opts = append(opts, orchestrator.WithPassDetector(
			session.NewPassDetector(rules.AccountBalance, rules.ProfitTarget, ks.Locked, a.risk, log)))
	}

	a.orch, err = orchestrator.New(orchestrator.Components{
		Flags:      f,
		Risk:       a.risk,
		Gatekeeper: a.gate,
		Router:     rt,
		Session:    sc,
		Source: strategy.NewEMACross(cfg.Strategy,
			strategy.WithStopATR(cfg.Signal.StopATR),
			strategy.WithRewardRatio(cfg.Signal.RewardRatio),
			strategy.WithMinADX(cfg.Signal.ADXPeriod, cfg.Signal.MinADX),
			strategy.WithLogger(log),
		),
		History:   history,
		Equity:    equity,
		Positions: positions,
	}, cfg.Symbols, opts...)
	if err != nil {
		j.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error {
	return a.journal.Close()
}

func openJournal(jc config.JournalConfig) (journal.Journal, error) {
	var m journal.Multi
	if jc.SQLite() {
		s, err := journal.NewSQLite(jc.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite journal: %w", err)
		}
		m = append(m, s)
	}
	if jc.CSV() {
		c, err := journal.NewCSV(jc.OrdersFile, jc.EquityFile)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("open csv journal: %w", err)
		}
		m = append(m, c)
	}
	if len(m) == 0 {
		return journal.Nop{}, nil
	}
	return m, nil
}
