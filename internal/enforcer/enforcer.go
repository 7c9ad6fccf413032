// Package enforcer is the quota enforcement loop of spec.md §4.4 (C6): it
// ticks every managed user, fires graduated notifications as their quota
// burns down, counts down a cancellable grace period once it runs out, and
// terminates sessions and locks the account when grace expires too.
package enforcer

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/familyguardian/guardiand/internal/clock"
	"github.com/familyguardian/guardiand/internal/policy"
	"github.com/familyguardian/guardiand/internal/store"
	"github.com/familyguardian/guardiand/internal/tracker"
	"github.com/familyguardian/guardiand/pkg/logger"
)

// Notifier delivers a message to a user's desktop agent; internal/agent.Registry
// implements it.
type Notifier interface {
	Notify(username, message, category string) error
}

// Platform performs the OS-level actions enforcement requires. A real
// implementation shells out to loginctl/usermod; tests supply a fake.
type Platform interface {
	TerminateSessions(ctx context.Context, username string) error
	LockAccount(username string) error
	UnlockAccount(username string) error
	IsLocked(username string) (bool, error)
}

// tier is one row of spec.md §4.4's notification table: fires once when
// remaining minutes first crosses at (crossing downward), subject to
// cooldown.
type tier struct {
	name     string
	at       float64
	category string
	cooldown time.Duration
}

// tiers implements spec.md §4.4's T15/T10/T5/T4-T1 ladder. Order matters:
// the first matching tier (scanned low-to-high remaining) wins a given
// tick.
var tiers = []tier{
	{name: "T1", at: 1, category: "critical", cooldown: time.Minute},
	{name: "T2", at: 2, category: "critical", cooldown: time.Minute},
	{name: "T3", at: 3, category: "critical", cooldown: time.Minute},
	{name: "T4", at: 4, category: "critical", cooldown: time.Minute},
	{name: "T5", at: 5, category: "warning", cooldown: 5 * time.Minute},
	{name: "T10", at: 10, category: "warning", cooldown: 5 * time.Minute},
	{name: "T15", at: 15, category: "info", cooldown: 5 * time.Minute},
}

// throttleInterval and throttleDelta throttle Tick: a user checked less than
// throttleInterval ago (and not in grace) is skipped outright, and a user
// with quota left whose remaining minutes moved by less than throttleDelta
// since the last check gets no notification or lock sync that tick.
const (
	throttleInterval = 30 * time.Second
	throttleDelta    = 1.0 // minutes
)

type userState struct {
	lastCheck     time.Time
	lastRemaining float64
	fired         map[string]time.Time // tier name -> last fired at
	inGrace       bool
	graceCancel   context.CancelFunc
}

// Enforcer owns one userState per managed user and the goroutines running
// their grace countdowns.
type Enforcer struct {
	tracker  *tracker.Tracker
	policy   *policy.Policy
	store    store.Store
	notifier Notifier
	platform Platform
	clock    clock.Clock
	log      logger.Logger

	mu    sync.Mutex
	state map[string]*userState
}

func New(tr *tracker.Tracker, pol *policy.Policy, st store.Store, notifier Notifier, platform Platform, clk clock.Clock, log logger.Logger) *Enforcer {
	if log == nil {
		log = logger.Noop()
	}
	return &Enforcer{
		tracker:  tr,
		policy:   pol,
		store:    st,
		notifier: notifier,
		platform: platform,
		clock:    clk,
		log:      log,
		state:    make(map[string]*userState),
	}
}

// Run ticks every monitored user on interval until ctx is cancelled.
func (e *Enforcer) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for username, up := range e.policy.Current().Users {
				if !up.Monitored || up.QuotaExempt {
					continue
				}
				if err := e.Tick(ctx, username); err != nil {
					e.log.Error("tick failed", "username", username, "err", err)
				}
			}
		}
	}
}

func (e *Enforcer) userState(username string) *userState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.state[username]
	if !ok {
		st = &userState{fired: make(map[string]time.Time)}
		e.state[username] = st
	}
	return st
}

// Tick runs one enforcement pass for username: notification tiers, grace
// entry, and account-lock sync driven solely by remaining<=0 (spec.md
// §4.4's design note — curfew never toggles the OS lock).
func (e *Enforcer) Tick(ctx context.Context, username string) error {
	st := e.userState(username)

	now := e.clock.Now()
	e.mu.Lock()
	skip := !st.inGrace && !st.lastCheck.IsZero() && now.Sub(st.lastCheck) < throttleInterval
	e.mu.Unlock()
	if skip {
		return nil
	}

	remaining, err := e.tracker.RemainingMinutes(username)
	if err != nil {
		return fmt.Errorf("enforcer: remaining minutes for %s: %w", username, err)
	}

	e.mu.Lock()
	moved := absFloat(remaining-st.lastRemaining) >= throttleDelta
	inGrace := st.inGrace
	st.lastCheck = now
	st.lastRemaining = remaining
	e.mu.Unlock()

	if inGrace {
		return e.syncLock(username, remaining)
	}
	if !moved && remaining > 0 {
		return nil
	}

	if remaining <= 0 {
		return e.enterGrace(username)
	}

	e.fireTier(username, remaining, now)
	return e.syncLock(username, remaining)
}

// fireTier notifies the first tier (scanned lowest-at to highest so a
// large jump only fires the tier the user actually lands on) whose
// threshold remaining has just reached, honoring per-tier cooldown.
func (e *Enforcer) fireTier(username string, remaining float64, now time.Time) {
	st := e.userState(username)
	for _, t := range tiers {
		if remaining < 0 || remaining > t.at {
			continue
		}
		e.mu.Lock()
		last, fired := st.fired[t.name]
		due := !fired || now.Sub(last) >= t.cooldown
		if due {
			st.fired[t.name] = now
		}
		e.mu.Unlock()
		if !due {
			return
		}
		msg := fmt.Sprintf("%d minutes of screen time remaining today", int(t.at))
		if err := e.notifier.Notify(username, msg, t.category); err != nil {
			e.log.Warn("notify failed", "username", username, "tier", t.name, "err", err)
		}
		return
	}
}

// syncLock applies spec.md §4.4's lock rule: locked iff remaining<=0.
func (e *Enforcer) syncLock(username string, remaining float64) error {
	locked, err := e.platform.IsLocked(username)
	if err != nil {
		return fmt.Errorf("enforcer: check lock state for %s: %w", username, err)
	}
	switch {
	case remaining <= 0 && !locked:
		return e.platform.LockAccount(username)
	case remaining > 0 && locked:
		return e.platform.UnlockAccount(username)
	}
	return nil
}

// enterGrace starts the grace-period countdown goroutine for username, a
// no-op if one is already running. Grace length is the effective policy's
// GraceMinutes plus any BonusPoolMinutes, consumed from the Store once.
func (e *Enforcer) enterGrace(username string) error {
	st := e.userState(username)

	e.mu.Lock()
	if st.inGrace {
		e.mu.Unlock()
		return nil
	}
	st.inGrace = true
	ctx, cancel := context.WithCancel(context.Background())
	st.graceCancel = cancel
	e.mu.Unlock()

	graceMinutes, err := e.consumeBonusPool(username)
	if err != nil {
		e.log.Warn("consume bonus pool failed", "username", username, "err", err)
	}

	if err := e.notifier.Notify(username, "Your screen time is up. Grace period starting.", "critical"); err != nil {
		e.log.Warn("notify failed", "username", username, "err", err)
	}
	if err := e.syncLock(username, 0); err != nil {
		e.log.Warn("lock sync failed entering grace", "username", username, "err", err)
	}

	go e.runGrace(ctx, username, graceMinutes)
	return nil
}

// consumeBonusPool folds the user's configured bonus pool into the grace
// length and zeroes it in the Store so it is spent once per exhaustion.
func (e *Enforcer) consumeBonusPool(username string) (int, error) {
	up := e.policy.Current().Effective(username)
	grace := up.GraceMinutes + up.BonusPoolMinutes
	if up.BonusPoolMinutes == 0 {
		return grace, nil
	}
	settings, err := e.store.GetUserSettings(username)
	if err != nil {
		return grace, err
	}
	settings["bonus_pool_minutes"] = 0
	if err := e.store.SetUserSettings(username, settings); err != nil {
		return grace, err
	}
	return grace, nil
}

// runGrace counts down minute by minute, notifying at each step, then
// terminates the user's sessions once the countdown reaches zero. A
// cancellation (quota reset, admin reset_quota) aborts the countdown
// without terminating anything.
func (e *Enforcer) runGrace(ctx context.Context, username string, minutes int) {
	defer e.exitGrace(username)

	for remaining := minutes; remaining > 0; remaining-- {
		msg := fmt.Sprintf("%d minute(s) of grace remaining", remaining)
		if err := e.notifier.Notify(username, msg, "critical"); err != nil {
			e.log.Warn("grace notify failed", "username", username, "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Minute):
		}
	}

	termCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.platform.TerminateSessions(termCtx, username); err != nil {
		e.log.Error("terminate sessions failed", "username", username, "err", err)
	}
	if err := e.platform.LockAccount(username); err != nil {
		e.log.Error("lock account failed", "username", username, "err", err)
	}
}

func (e *Enforcer) exitGrace(username string) {
	st := e.userState(username)
	e.mu.Lock()
	st.inGrace = false
	st.graceCancel = nil
	e.mu.Unlock()
}

// CancelGrace aborts username's running grace countdown, if any — called
// when an admin reset_quota command or the daily rollover clears their
// usage mid-grace.
func (e *Enforcer) CancelGrace(username string) {
	st := e.userState(username)
	e.mu.Lock()
	cancel := st.graceCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ResetTierHistory clears the fired-tier cooldown bookkeeping for
// username, so a post-rollover day starts the tier ladder fresh.
func (e *Enforcer) ResetTierHistory(username string) {
	st := e.userState(username)
	e.mu.Lock()
	st.fired = make(map[string]time.Time)
	st.lastRemaining = 0
	st.lastCheck = time.Time{}
	e.mu.Unlock()
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// execPlatform is the production Platform, shelling out to loginctl and
// usermod the way spec.md §6 describes, each bounded by the caller's
// context or a 15s hard timeout for termination.
type execPlatform struct{}

func NewPlatform() Platform { return execPlatform{} }

func (execPlatform) TerminateSessions(ctx context.Context, username string) error {
	cmd := exec.CommandContext(ctx, "loginctl", "terminate-user", username)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("enforcer: loginctl terminate-user %s: %w: %s", username, err, out)
	}
	return nil
}

func (execPlatform) LockAccount(username string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "usermod", "--lock", username)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("enforcer: usermod --lock %s: %w: %s", username, err, out)
	}
	return nil
}

func (execPlatform) UnlockAccount(username string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "usermod", "--unlock", username)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("enforcer: usermod --unlock %s: %w: %s", username, err, out)
	}
	return nil
}

func (execPlatform) IsLocked(username string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "passwd", "--status", username)
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("enforcer: passwd --status %s: %w", username, err)
	}
	fields := strings.Fields(string(out))
	return len(fields) >= 2 && fields[1] == "L", nil
}
