// Package tracker owns the ActiveSessionTable and the accounting rules
// that turn login-manager events into used/remaining quota minutes
// (spec.md §3, §4.3).
package tracker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/familyguardian/guardiand/internal/clock"
	"github.com/familyguardian/guardiand/internal/policy"
	"github.com/familyguardian/guardiand/internal/store"
	"github.com/familyguardian/guardiand/pkg/logger"
)

// lockDedupWindow is the per-session de-duplication window for lock/unlock
// events arriving from the per-user agent channel (spec.md §4.3, §5).
const lockDedupWindow = 2 * time.Second

// minSessionDuration filters spurious service logins out of quota
// accounting: a finished session shorter than this never counts.
const minSessionDuration = 30 * time.Second

// ignoredClasses and ignoredServices implement the SessionTracker filtering
// rules of spec.md §4.3, applied in order, first match decides.
var ignoredClasses = map[string]bool{"background": true, "manager": true}
var ignoredServices = map[string]bool{"systemd-user": true, "runuser": true}

// lockInterval is one (lock-start, lock-end?) pair on a session's lock
// stack; an open interval's effective end is "now" when queried.
type lockInterval struct {
	start time.Time
	end   *time.Time
}

// activeSession is one in-memory ActiveSessionTable entry.
type activeSession struct {
	internalID     int64
	platformID     string
	username       string
	uid            int
	desktop        string
	service        string
	startMonotonic time.Time
	lockStack      []lockInterval
	lastLockEvent  time.Time
}

// openLockSoFar returns how long the session's current open lock interval
// (if any) has lasted. Closed intervals need no separate accounting here:
// HandleLockEvent already folded each one into startMonotonic by advancing
// it forward, so elapsed time computed from startMonotonic already
// excludes every closed lock.
func (s *activeSession) openLockSoFar(now time.Time) time.Duration {
	if n := len(s.lockStack); n > 0 && s.lockStack[n-1].end == nil {
		return now.Sub(s.lockStack[n-1].start)
	}
	return 0
}

// Tracker is the SessionTracker of spec.md §4.3. ActiveSessionTable and
// per-session lock stacks are guarded by mu, the single exclusion
// primitive spec.md §5 requires; no I/O happens while mu is held.
type Tracker struct {
	store  store.Store
	policy *policy.Policy
	clock  clock.Clock
	log    logger.Logger

	bootIDPrefix string // first 8 hex chars of sha256(boot uuid)

	mu     sync.Mutex
	active map[string]*activeSession // unique session key -> entry
}

// New creates a Tracker. The boot identifier is minted fresh every process
// start (an in-memory UUID, never persisted), so unique session keys never
// collide with a prior boot's recycled platform session ids (spec.md §3,
// §9's anti-PK-reuse design note).
func New(st store.Store, pol *policy.Policy, clk clock.Clock, log logger.Logger) *Tracker {
	if log == nil {
		log = logger.Noop()
	}
	sum := sha256.Sum256([]byte(uuid.NewString()))
	return &Tracker{
		store:        st,
		policy:       pol,
		clock:        clk,
		log:          log,
		bootIDPrefix: hex.EncodeToString(sum[:])[:8],
		active:       make(map[string]*activeSession),
	}
}

func (t *Tracker) sessionKey(platformID string) string {
	return t.bootIDPrefix + ":" + platformID
}

// LoginEvent is the normalized login-manager SessionNew payload (spec.md
// §6); Class/Service/User decoding lives in internal/dbusutil.
type LoginEvent struct {
	PlatformID string
	UID        int
	Username   string
	Desktop    string
	Service    string
	Class      string
}

// HandleSessionNew applies the filtering rules of spec.md §4.3 and, if the
// session survives them, registers it in the ActiveSessionTable and writes
// the initial Store row.
func (t *Tracker) HandleSessionNew(ev LoginEvent) error {
	if ignoredClasses[ev.Class] {
		t.log.Debug("ignoring session, filtered class", "class", ev.Class, "platform_id", ev.PlatformID)
		return nil
	}
	if ignoredServices[ev.Service] {
		t.log.Debug("ignoring session, filtered service", "service", ev.Service, "platform_id", ev.PlatformID)
		return nil
	}
	if !t.isMonitored(ev.Username) {
		t.log.Debug("ignoring session, unmonitored user", "username", ev.Username, "platform_id", ev.PlatformID)
		return nil
	}

	now := t.clock.Now()
	key := t.sessionKey(ev.PlatformID)

	internalID, err := t.store.AddSession(ev.PlatformID, ev.Username, ev.UID, now, nil, 0, ev.Desktop, ev.Service)
	if err != nil {
		return fmt.Errorf("tracker: record session start: %w", err)
	}

	t.mu.Lock()
	t.active[key] = &activeSession{
		internalID:     internalID,
		platformID:     ev.PlatformID,
		username:       ev.Username,
		uid:            ev.UID,
		desktop:        ev.Desktop,
		service:        ev.Service,
		startMonotonic: t.clock.Monotonic(),
	}
	t.mu.Unlock()

	t.log.Info("session started", "username", ev.Username, "uid", ev.UID, "platform_id", ev.PlatformID)
	return nil
}

// HandleSessionRemoved closes the session matching platformID, computing
// duration as now - start - Σ(closed lock intervals), and drops it from the
// table.
func (t *Tracker) HandleSessionRemoved(platformID string) error {
	key := t.sessionKey(platformID)

	t.mu.Lock()
	sess, ok := t.active[key]
	if ok {
		delete(t.active, key)
	}
	t.mu.Unlock()

	if !ok {
		return nil
	}

	now := t.clock.Monotonic()
	duration := now.Sub(sess.startMonotonic)
	if duration < 0 {
		duration = 0
	}

	if err := t.store.CloseSession(fmt.Sprintf("%d", sess.internalID), t.clock.Now(), duration.Seconds()); err != nil {
		return fmt.Errorf("tracker: close session: %w", err)
	}
	t.log.Info("session ended", "username", sess.username, "platform_id", platformID, "duration_s", duration.Seconds())
	return nil
}

// HandleLockEvent applies a lock/unlock transition reported by a per-user
// agent, de-duplicating repeats within a 2-second window per session.
// Unlocking advances the recorded start forward by the interval length —
// the encoding spec.md §4.3 chooses for subtracting locked time.
func (t *Tracker) HandleLockEvent(platformID, username string, locked bool, timestamp time.Time) error {
	key := t.sessionKey(platformID)

	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.active[key]
	if !ok || sess.username != username {
		return nil
	}
	if !sess.lastLockEvent.IsZero() && timestamp.Sub(sess.lastLockEvent).Abs() < lockDedupWindow {
		return nil
	}
	sess.lastLockEvent = timestamp

	now := t.clock.Monotonic()
	if locked {
		n := len(sess.lockStack)
		if n > 0 && sess.lockStack[n-1].end == nil {
			return nil // already locked, nothing to do
		}
		sess.lockStack = append(sess.lockStack, lockInterval{start: now})
		return nil
	}

	n := len(sess.lockStack)
	if n == 0 || sess.lockStack[n-1].end != nil {
		return nil // not currently locked
	}
	end := now
	sess.lockStack[n-1].end = &end
	sess.startMonotonic = sess.startMonotonic.Add(end.Sub(sess.lockStack[n-1].start))
	return nil
}

func (t *Tracker) isMonitored(username string) bool {
	up := t.policy.Current().Effective(username)
	return up.Monitored
}

// snapshotActive returns a shallow copy of every active session for
// username, taken under mu with no I/O performed while holding it.
func (t *Tracker) snapshotActive(username string) []activeSessionView {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []activeSessionView
	now := t.clock.Monotonic()
	for _, s := range t.active {
		if s.username != username {
			continue
		}
		elapsed := now.Sub(s.startMonotonic) - s.openLockSoFar(now)
		if elapsed < 0 {
			elapsed = 0
		}
		out = append(out, activeSessionView{elapsed: elapsed})
	}
	return out
}

type activeSessionView struct {
	elapsed time.Duration
}

// UsedMinutes implements spec.md §4.3's used_minutes: finished-session sum
// since the last reset boundary (excluding sessions under 30s) plus the
// live elapsed time of every active session, in minutes.
func (t *Tracker) UsedMinutes(username string) (float64, error) {
	snap := t.policy.Current()
	boundary, err := LastResetBoundary(t.clock.Now(), snap.ResetTime)
	if err != nil {
		return 0, fmt.Errorf("tracker: compute reset boundary: %w", err)
	}

	sessions, err := t.store.SessionsFor(username, boundary)
	if err != nil {
		return 0, fmt.Errorf("tracker: load finished sessions: %w", err)
	}

	var totalSeconds float64
	for _, s := range sessions {
		if !s.Finished() {
			continue
		}
		if s.DurationSeconds < minSessionDuration.Seconds() {
			continue
		}
		totalSeconds += s.DurationSeconds
	}

	for _, active := range t.snapshotActive(username) {
		totalSeconds += active.elapsed.Seconds()
	}

	return totalSeconds / 60, nil
}

// RemainingMinutes implements spec.md §4.3's remaining_minutes. Unmonitored
// or quota-exempt users get +Inf.
func (t *Tracker) RemainingMinutes(username string) (float64, error) {
	up := t.policy.Current().Effective(username)
	if !up.Monitored || up.QuotaExempt {
		return math.Inf(1), nil
	}
	used, err := t.UsedMinutes(username)
	if err != nil {
		return 0, err
	}
	remaining := float64(up.DailyQuotaMinutes) - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// ResetActiveStarts advances every active session's recorded start to the
// current monotonic instant and clears lock stacks, so in-progress
// sessions count zero toward the new accounting day (spec.md §4.6 step 2).
func (t *Tracker) ResetActiveStarts() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Monotonic()
	for _, s := range t.active {
		s.startMonotonic = now
		s.lockStack = nil
	}
}

// LastResetBoundary returns the most recent local-time instant equal to
// resetTime (spec.md §4.3): today's reset if now is at or after it,
// otherwise yesterday's.
func LastResetBoundary(now time.Time, resetTime string) (time.Time, error) {
	hh, mm, err := parseHHMM(resetTime)
	if err != nil {
		return time.Time{}, err
	}
	todayReset := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, now.Location())
	if now.Before(todayReset) {
		return todayReset.AddDate(0, 0, -1), nil
	}
	return todayReset, nil
}

func parseHHMM(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("tracker: malformed reset_time %q", s)
	}
	var hh, mm int
	if _, err := fmt.Sscanf(parts[0], "%d", &hh); err != nil {
		return 0, 0, fmt.Errorf("tracker: malformed reset_time hour %q", s)
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &mm); err != nil {
		return 0, 0, fmt.Errorf("tracker: malformed reset_time minute %q", s)
	}
	return hh, mm, nil
}
