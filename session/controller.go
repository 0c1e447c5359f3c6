// Package session runs the once-per-loop bookkeeping: UTC day rollover,
// challenge-to-funded promotion and the state snapshot.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/propguard/flags"
	"github.com/rustyeddy/propguard/risk"
)

// Snapshot is the observability record emitted each maintenance pass.
type Snapshot struct {
	Time              time.Time    `json:"time"`
	Phase             flags.Phase  `json:"phase"`
	Mode              flags.Mode   `json:"mode"`
	MLMode            flags.MLMode `json:"ml_mode"`
	DisableReason     string       `json:"disable_reason,omitempty"`
	Equity            float64      `json:"equity"`
	DailyLoss         float64      `json:"daily_loss"`
	TotalLoss         float64      `json:"total_loss"`
	MaxLossBreached   bool         `json:"max_loss_breached"`
	DailyLossBreached bool         `json:"daily_loss_breached"`
	ChallengePassed   bool         `json:"challenge_passed"`
	Multiplier        float64      `json:"multiplier"`
}

// Recorder persists snapshots. The journal implements it.
type Recorder interface {
	RecordSnapshot(ctx context.Context, s Snapshot) error
}

type Controller struct {
	flags       *flags.Flags
	risk        *risk.Manager
	autoPromote bool
	now         func() time.Time
	log         zerolog.Logger
	rec         Recorder

	mu        sync.Mutex
	lastReset string
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.log = l.With().Str("component", "session").Logger() }
}

func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.rec = r }
}

func NewController(f *flags.Flags, rm *risk.Manager, autoPromote bool, opts ...Option) *Controller {
	c := &Controller{
		flags:       f,
		risk:        rm,
		autoPromote: autoPromote,
		now:         time.Now,
		log:         zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	c.lastReset = c.now().UTC().Format("2006-01-02")
	return c
}

// DailyMaintenance rolls the day, promotes if earned and emits a snapshot.
// A recorder failure is logged, never returned: it has no control impact.
func (c *Controller) DailyMaintenance(ctx context.Context) Snapshot {
	c.ResetDailySession()
	c.UpdateAccountPhase()

	s := c.Snapshot()
	c.log.Info().
		Str("phase", s.Phase.String()).
		Str("mode", s.Mode.String()).
		Str("ml_mode", s.MLMode.String()).
		Float64("daily_loss", risk.RoundMoney(s.DailyLoss)).
		Bool("max_loss_breached", s.MaxLossBreached).
		Bool("daily_loss_breached", s.DailyLossBreached).
		Msg("session snapshot")
	if c.rec != nil {
		if err := c.rec.RecordSnapshot(ctx, s); err != nil {
			c.log.Error().Err(err).Msg("record session snapshot")
		}
	}
	return s
}

// ResetDailySession triggers the risk rollover once per UTC day. Calling it
// again the same day does nothing.
func (c *Controller) ResetDailySession() bool {
	today := c.now().UTC().Format("2006-01-02")
	c.mu.Lock()
	if today == c.lastReset {
		c.mu.Unlock()
		return false
	}
	c.lastReset = today
	c.mu.Unlock()

	c.risk.RolloverIfNewDay()
	c.log.Info().Str("day", today).Msg("daily session reset")
	return true
}

// UpdateAccountPhase promotes Challenge to Funded when the challenge is
// passed with no loss ceiling breached. It reports whether it promoted.
func (c *Controller) UpdateAccountPhase() bool {
	if !c.autoPromote {
		return false
	}
	if c.flags.Phase() != flags.Challenge {
		return false
	}
	if c.risk.MaxLossBreached() || c.risk.DailyLossBreached() || !c.risk.ChallengePassed() {
		return false
	}
	c.flags.PromoteToFunded()
	c.log.Info().Msg("challenge passed, promoted to funded")
	return true
}

func (c *Controller) Snapshot() Snapshot {
	fs := c.flags.Snapshot()
	rs := c.risk.Snapshot()
	return Snapshot{
		Time:              c.now().UTC(),
		Phase:             fs.Phase,
		Mode:              fs.Mode,
		MLMode:            fs.MLMode,
		DisableReason:     fs.DisableReason,
		Equity:            rs.Equity,
		DailyLoss:         rs.DailyLoss,
		TotalLoss:         rs.TotalLoss,
		MaxLossBreached:   rs.TotalLoss >= c.risk.Limits().MaxLossLimit,
		DailyLossBreached: rs.DailyLoss >= c.risk.Limits().DailyLossLimit,
		ChallengePassed:   rs.ChallengePassed,
		Multiplier:        rs.Scaler.Multiplier,
	}
}
