// Package guard holds the equity-based locks that sit outside the loss
// counters: the drawdown kill switch and the trailing profit lock.
package guard

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/propguard/logging"
)

const (
	DefaultMaxDailyDrawdown = 0.02
	DefaultMaxTotalDrawdown = 0.04
)

// KillSwitch latches once equity falls too far below the starting balance
// or the day's opening equity. Only Reset unlatches it.
type KillSwitch struct {
	start    float64
	maxDaily float64
	maxTotal float64
	now      func() time.Time
	log      zerolog.Logger
	onLock   func(reason string)

	mu         sync.Mutex
	dayStart   float64
	day        string
	locked     bool
	lockReason string
}

type KillSwitchOption func(*KillSwitch)

func WithKillSwitchClock(now func() time.Time) KillSwitchOption {
	return func(k *KillSwitch) { k.now = now }
}

func WithKillSwitchLogger(l zerolog.Logger) KillSwitchOption {
	return func(k *KillSwitch) { k.log = l.With().Str("component", "kill_switch").Logger() }
}

// OnLock runs once, outside the lock, when the switch trips.
func OnLock(fn func(reason string)) KillSwitchOption {
	return func(k *KillSwitch) { k.onLock = fn }
}

func NewKillSwitch(start, maxDaily, maxTotal float64, opts ...KillSwitchOption) *KillSwitch {
	if maxDaily <= 0 {
		maxDaily = DefaultMaxDailyDrawdown
	}
	if maxTotal <= 0 {
		maxTotal = DefaultMaxTotalDrawdown
	}
	k := &KillSwitch{
		start:    start,
		maxDaily: maxDaily,
		maxTotal: maxTotal,
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(k)
	}
	return k
}

// Check evaluates equity and reports whether trading may continue. A
// non-positive equity means the reading is unavailable: it returns false
// without latching.
func (k *KillSwitch) Check(equity float64) bool {
	k.mu.Lock()
	if k.locked {
		k.mu.Unlock()
		return false
	}
	if equity <= 0 {
		k.mu.Unlock()
		k.log.Error().Msg("equity unavailable for kill switch check")
		return false
	}

	today := k.now().UTC().Format("2006-01-02")
	if today != k.day || k.dayStart <= 0 {
		k.day = today
		k.dayStart = equity
		k.log.Info().Float64("equity", equity).Str("day", today).Msg("daily equity baseline reset")
	}

	totalDD := (k.start - equity) / k.start
	dailyDD := (k.dayStart - equity) / k.dayStart

	var reason string
	switch {
	case totalDD >= k.maxTotal:
		reason = fmt.Sprintf("max total drawdown hit (%.2f%% >= %.2f%%)", 100*totalDD, 100*k.maxTotal)
	case dailyDD >= k.maxDaily:
		reason = fmt.Sprintf("max daily drawdown hit (%.2f%% >= %.2f%%)", 100*dailyDD, 100*k.maxDaily)
	default:
		k.mu.Unlock()
		return true
	}
	k.locked = true
	k.lockReason = reason
	onLock := k.onLock
	k.mu.Unlock()

	logging.Critical(k.log).Float64("equity", equity).Str("reason", reason).Msg("equity kill switch activated")
	if onLock != nil {
		onLock(reason)
	}
	return false
}

func (k *KillSwitch) Locked() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.locked
}

func (k *KillSwitch) Reason() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lockReason
}

// Reset is the operator override; the next Check re-baselines the day.
func (k *KillSwitch) Reset() {
	k.mu.Lock()
	k.locked = false
	k.lockReason = ""
	k.dayStart = 0
	k.mu.Unlock()
	k.log.Warn().Msg("kill switch reset")
}
