// Package flags holds the process-wide execution state: which account phase
// we are in, whether orders may reach a broker, and what the ML layer may do.
package flags

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/propguard/logging"
)

type Phase int

const (
	Challenge Phase = iota
	Funded
)

func (p Phase) String() string {
	switch p {
	case Challenge:
		return "CHALLENGE"
	case Funded:
		return "FUNDED"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// ParsePhase accepts the config/env spelling, case-insensitive.
func ParsePhase(s string) (Phase, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CHALLENGE":
		return Challenge, nil
	case "FUNDED":
		return Funded, nil
	default:
		return 0, fmt.Errorf("unknown account phase %q", s)
	}
}

type Mode int

const (
	Live Mode = iota
	Shadow
	Disabled
)

func (m Mode) String() string {
	switch m {
	case Live:
		return "LIVE"
	case Shadow:
		return "SHADOW"
	case Disabled:
		return "DISABLED"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LIVE":
		return Live, nil
	case "SHADOW":
		return Shadow, nil
	case "DISABLED":
		return Disabled, nil
	default:
		return 0, fmt.Errorf("unknown execution mode %q", s)
	}
}

type MLMode int

const (
	MLFrozen MLMode = iota
	MLTraining
	MLShadow
	MLOff
)

func (m MLMode) String() string {
	switch m {
	case MLFrozen:
		return "FROZEN"
	case MLTraining:
		return "TRAINING"
	case MLShadow:
		return "SHADOW"
	case MLOff:
		return "OFF"
	default:
		return fmt.Sprintf("MLMode(%d)", int(m))
	}
}

func ParseMLMode(s string) (MLMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FROZEN":
		return MLFrozen, nil
	case "TRAINING":
		return MLTraining, nil
	case "SHADOW":
		return MLShadow, nil
	case "OFF":
		return MLOff, nil
	default:
		return 0, fmt.Errorf("unknown ML mode %q", s)
	}
}

// Snapshot is a point-in-time copy for logs and the journal. Do not make
// control decisions from it; ask Flags directly.
type Snapshot struct {
	Phase         Phase     `json:"phase"`
	Mode          Mode      `json:"mode"`
	MLMode        MLMode    `json:"ml_mode"`
	DisableReason string    `json:"disable_reason,omitempty"`
	LastUpdated   time.Time `json:"last_updated"`
}

func (s Snapshot) MarshalZerologObject(e *zerolog.Event) {
	e.Str("phase", s.Phase.String()).
		Str("mode", s.Mode.String()).
		Str("ml_mode", s.MLMode.String()).
		Time("last_updated", s.LastUpdated)
	if s.DisableReason != "" {
		e.Str("disable_reason", s.DisableReason)
	}
}

// Flags is safe for concurrent use. Every transition holds the write lock
// for all fields it touches, so readers never see a half-applied switch.
type Flags struct {
	mu            sync.RWMutex
	phase         Phase
	mode          Mode
	ml            MLMode
	disableReason string
	updated       time.Time

	now func() time.Time
	log zerolog.Logger
}

type Option func(*Flags)

func WithClock(now func() time.Time) Option {
	return func(f *Flags) { f.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(f *Flags) { f.log = l.With().Str("component", "flags").Logger() }
}

// New builds flags for the starting phase. A Funded start never trains.
func New(phase Phase, mode Mode, ml MLMode, opts ...Option) *Flags {
	f := &Flags{
		phase: phase,
		mode:  mode,
		ml:    ml,
		now:   time.Now,
		log:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(f)
	}
	f.updated = f.now().UTC()
	f.enforceInvariantLocked()
	return f
}

// ForPhase returns the default flags the original phase switches produce.
func ForPhase(phase Phase, opts ...Option) *Flags {
	switch phase {
	case Funded:
		return New(Funded, Live, MLFrozen, opts...)
	default:
		return New(Challenge, Live, MLTraining, opts...)
	}
}

func (f *Flags) AllowLiveTrading() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.mode == Live
}

func (f *Flags) AllowShadowTrading() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.mode == Shadow
}

func (f *Flags) AllowAnyExecution() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.mode != Disabled
}

func (f *Flags) AllowMLTraining() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	switch f.ml {
	case MLTraining, MLShadow:
		return true
	default:
		return false
	}
}

func (f *Flags) AllowMLInference() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ml != MLOff
}

func (f *Flags) Phase() Phase {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.phase
}

func (f *Flags) Mode() Mode {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.mode
}

// SwitchToFunded sets Funded/Live/Frozen in one step.
func (f *Flags) SwitchToFunded() {
	f.transition(Funded, Live, MLFrozen, "switch to funded")
}

// SwitchToChallenge sets Challenge/Live/Training in one step.
func (f *Flags) SwitchToChallenge() {
	f.transition(Challenge, Live, MLTraining, "switch to challenge")
}

// PromoteToFunded is the session promotion: Funded/Live with ML kept in
// shadow, and any standing disable cleared.
func (f *Flags) PromoteToFunded() {
	f.transition(Funded, Live, MLShadow, "promotion to funded")
}

func (f *Flags) transition(p Phase, m Mode, ml MLMode, why string) {
	f.mu.Lock()
	f.phase, f.mode, f.ml = p, m, ml
	f.disableReason = ""
	f.updated = f.now().UTC()
	f.enforceInvariantLocked()
	snap := f.snapshotLocked()
	f.mu.Unlock()

	f.log.Info().Object("flags", snap).Msg(why)
}

// DisableExecution is the hard kill. It always succeeds and repeated calls
// keep the first reason.
func (f *Flags) DisableExecution(reason string) {
	f.mu.Lock()
	already := f.mode == Disabled
	f.mode = Disabled
	if !already {
		f.disableReason = reason
		f.updated = f.now().UTC()
	}
	f.mu.Unlock()

	if !already {
		logging.Critical(f.log).Str("reason", reason).Msg("execution disabled")
	}
}

// EnableShadowMode degrades Live to Shadow. It does not re-arm a disabled
// system; that takes Rearm or a phase switch.
func (f *Flags) EnableShadowMode() bool {
	f.mu.Lock()
	if f.mode == Disabled {
		reason := f.disableReason
		f.mu.Unlock()
		f.log.Warn().Str("disable_reason", reason).Msg("shadow mode refused while disabled")
		return false
	}
	f.mode = Shadow
	f.updated = f.now().UTC()
	f.mu.Unlock()

	f.log.Info().Msg("shadow mode enabled")
	return true
}

// Rearm is the explicit operator action that clears Disabled.
func (f *Flags) Rearm(mode Mode) error {
	if mode == Disabled {
		return fmt.Errorf("rearm: target mode must be %s or %s", Live, Shadow)
	}
	f.mu.Lock()
	prev := f.disableReason
	f.mode = mode
	f.disableReason = ""
	f.updated = f.now().UTC()
	f.mu.Unlock()

	f.log.Warn().Str("mode", mode.String()).Str("previous_reason", prev).Msg("execution re-armed")
	return nil
}

// DisableReason is empty unless execution is disabled.
func (f *Flags) DisableReason() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.disableReason
}

func (f *Flags) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enforceInvariantLocked()
	return f.snapshotLocked()
}

func (f *Flags) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:         f.phase,
		Mode:          f.mode,
		MLMode:        f.ml,
		DisableReason: f.disableReason,
		LastUpdated:   f.updated,
	}
}

// Funded never trains. If it ever does, log it loudly and freeze.
func (f *Flags) enforceInvariantLocked() {
	if f.phase == Funded && f.ml == MLTraining {
		logging.Critical(f.log).
			Str("phase", f.phase.String()).
			Str("ml_mode", f.ml.String()).
			Msg("funded phase with training ML mode, forcing frozen")
		f.ml = MLFrozen
		f.updated = f.now().UTC()
	}
}
