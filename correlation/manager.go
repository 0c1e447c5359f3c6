// Package correlation maintains the pairwise return correlation of the
// tracked symbols. The matrix is built in the background and swapped in
// whole; lookups never block and answer 0.0 until it is ready.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/rustyeddy/propguard/market"
)

type Config struct {
	Symbols      []string
	LookbackDays int
	Timeframe    time.Duration
	// Refresh of zero computes once.
	Refresh time.Duration
}

func (c Config) count() int {
	tf := c.Timeframe
	if tf <= 0 {
		tf = market.M5
	}
	days := c.LookbackDays
	if days <= 0 {
		days = 30
	}
	return int((24 * time.Hour / tf) * time.Duration(days))
}

type Manager struct {
	cfg     Config
	history market.History
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
	log     zerolog.Logger
	ready   prometheus.Gauge

	matrix  atomic.Pointer[Matrix]
	started sync.Once
	done    chan struct{}
}

type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l.With().Str("component", "correlation").Logger() }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithReadyGauge sets g to 1 once a matrix is published.
func WithReadyGauge(g prometheus.Gauge) Option {
	return func(m *Manager) { m.ready = g }
}

// New builds a manager for cfg.Symbols, normalized and deduped so the
// matrix keys match the lookups.
func New(cfg Config, history market.History, opts ...Option) *Manager {
	symbols := make([]string, 0, len(cfg.Symbols))
	seen := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		s = market.Normalize(s)
		if !seen[s] {
			seen[s] = true
			symbols = append(symbols, s)
		}
	}
	cfg.Symbols = symbols

	m := &Manager{
		cfg:     cfg,
		history: history,
		now:     time.Now,
		log:     zerolog.Nop(),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "history",
		Timeout: time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			// a symbol with no data is not a sick provider
			return err == nil || errors.Is(err, market.ErrNoHistory) || errors.Is(err, market.ErrUnknownSymbol)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return m
}

// Start launches the background computation and returns immediately. It
// is safe to call more than once; only the first call starts work.
// Cancelling ctx stops the task at any point.
func (m *Manager) Start(ctx context.Context) {
	m.started.Do(func() {
		go m.run(ctx)
	})
}

// Done is closed when the background task exits.
func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	if err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
		m.log.Error().Err(err).Msg("correlation matrix calculation failed")
	}
	if m.cfg.Refresh <= 0 {
		return
	}

	t := time.NewTicker(m.cfg.Refresh)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
				m.log.Error().Err(err).Msg("correlation matrix refresh failed, keeping previous")
			}
		}
	}
}

// Refresh fetches history for every symbol and publishes a new matrix.
// Symbols that fail are skipped; if none succeed the previous matrix stays.
func (m *Manager) Refresh(ctx context.Context) error {
	m.log.Info().Strs("symbols", m.cfg.Symbols).Msg("calculating correlation matrix")
	count := m.cfg.count()
	tf := m.cfg.Timeframe
	if tf <= 0 {
		tf = market.M5
	}

	series := make(map[string][]market.Candle, len(m.cfg.Symbols))
	for _, sym := range m.cfg.Symbols {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, err := m.breaker.Execute(func() (interface{}, error) {
			return m.history.History(ctx, sym, tf, count)
		})
		if err != nil {
			m.log.Warn().Err(err).Str("symbol", sym).Msg("no history for correlation matrix")
			continue
		}
		cs, _ := v.([]market.Candle)
		if len(cs) == 0 {
			m.log.Warn().Str("symbol", sym).Msg("empty history for correlation matrix")
			continue
		}
		series[sym] = cs
	}
	if len(series) == 0 {
		return fmt.Errorf("correlation: %w for any symbol", market.ErrNoHistory)
	}

	mx := Compute(series, m.now())
	m.matrix.Store(mx)
	if m.ready != nil {
		m.ready.Set(1)
	}
	m.log.Info().Int("symbols", len(mx.Symbols)).Time("computed_at", mx.ComputedAt).Msg("correlation matrix ready")
	return nil
}

func (m *Manager) Ready() bool {
	return m.matrix.Load() != nil
}

// Correlation returns the coefficient for a and b, or 0.0 when the matrix
// is not ready or either symbol is missing. Callers treat 0.0 as
// uncorrelated, so this fails open.
func (m *Manager) Correlation(a, b string) float64 {
	mx := m.matrix.Load()
	if mx == nil {
		m.log.Debug().Str("a", a).Str("b", b).Msg("correlation matrix not ready")
		return 0
	}
	v, ok := mx.Get(market.Normalize(a), market.Normalize(b))
	if !ok {
		m.log.Debug().Str("a", a).Str("b", b).Msg("pair not in correlation matrix")
		return 0
	}
	return v
}

// Matrix returns the last published matrix, or nil.
func (m *Manager) Matrix() *Matrix {
	return m.matrix.Load()
}
