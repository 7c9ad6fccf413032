package tracker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/familyguardian/guardiand/internal/clock"
	"github.com/familyguardian/guardiand/internal/policy"
	"github.com/familyguardian/guardiand/internal/store"
	"github.com/familyguardian/guardiand/pkg/logger"
)

func newTestTracker(t *testing.T, configYAML string, at time.Time) (*Tracker, *clock.Fake, store.Store) {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(configYAML), 0o644))

	pol, err := policy.New(configPath, "", logger.Noop())
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(dir, "guardian.sqlite"), logger.Noop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fc := clock.NewFake(at)
	tr := New(st, pol, fc, logger.Noop())
	return tr, fc, st
}

const aliceConfig = `
defaults:
  daily_quota_minutes: 60
users:
  alice: {}
`

func TestFilterIgnoresBackgroundAndServiceSessions(t *testing.T) {
	tr, _, st := newTestTracker(t, aliceConfig, time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC))

	require.NoError(t, tr.HandleSessionNew(LoginEvent{PlatformID: "s1", UID: 1000, Username: "alice", Class: "background"}))
	require.NoError(t, tr.HandleSessionNew(LoginEvent{PlatformID: "s2", UID: 1000, Username: "alice", Service: "runuser"}))
	require.NoError(t, tr.HandleSessionNew(LoginEvent{PlatformID: "s3", UID: 1000, Username: "mallory"}))

	require.Len(t, tr.active, 0)
	active, err := st.ActiveSessions()
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestUsedMinutesCountsActiveSessionElapsed(t *testing.T) {
	start := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	tr, fc, _ := newTestTracker(t, aliceConfig, start)

	require.NoError(t, tr.HandleSessionNew(LoginEvent{PlatformID: "s1", UID: 1000, Username: "alice", Class: "user"}))

	fc.Advance(45 * time.Minute)
	used, err := tr.UsedMinutes("alice")
	require.NoError(t, err)
	require.InDelta(t, 45, used, 0.01)

	remaining, err := tr.RemainingMinutes("alice")
	require.NoError(t, err)
	require.InDelta(t, 15, remaining, 0.01)
}

// TestLockUnlockSubtraction reproduces spec.md scenario 2: bob logs in at
// 09:00 with a 60-minute quota, locks the screen 09:10-09:30 (20 minutes),
// unlocks, and continues. Grace should begin at 10:20, not 10:00.
func TestLockUnlockSubtraction(t *testing.T) {
	const bobConfig = `
defaults:
  daily_quota_minutes: 60
users:
  bob: {}
`
	loginAt := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	tr, fc, _ := newTestTracker(t, bobConfig, loginAt)

	require.NoError(t, tr.HandleSessionNew(LoginEvent{PlatformID: "s1", UID: 1001, Username: "bob", Class: "user"}))

	fc.Set(loginAt.Add(10 * time.Minute))
	require.NoError(t, tr.HandleLockEvent("s1", "bob", true, fc.Now()))

	fc.Set(loginAt.Add(30 * time.Minute))
	require.NoError(t, tr.HandleLockEvent("s1", "bob", false, fc.Now()))

	// At 10:00 wall-clock (60 min after login, 40 min unlocked), bob still
	// has 20 minutes left: 40 minutes of actual use so far.
	fc.Set(loginAt.Add(60 * time.Minute))
	remaining, err := tr.RemainingMinutes("bob")
	require.NoError(t, err)
	require.InDelta(t, 20, remaining, 0.01)

	// At 10:20 wall-clock, used == 60 and remaining hits zero.
	fc.Set(loginAt.Add(80 * time.Minute))
	used, err := tr.UsedMinutes("bob")
	require.NoError(t, err)
	require.InDelta(t, 60, used, 0.01)
	remaining, err = tr.RemainingMinutes("bob")
	require.NoError(t, err)
	require.InDelta(t, 0, remaining, 0.01)
}

func TestLockEventDeduplicatedWithinWindow(t *testing.T) {
	start := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	tr, fc, _ := newTestTracker(t, aliceConfig, start)
	require.NoError(t, tr.HandleSessionNew(LoginEvent{PlatformID: "s1", UID: 1000, Username: "alice", Class: "user"}))

	require.NoError(t, tr.HandleLockEvent("s1", "alice", true, fc.Now()))
	fc.Advance(500 * time.Millisecond)
	// Duplicate "locked" event inside the 2s window must be ignored, not
	// pushed as a second open interval.
	require.NoError(t, tr.HandleLockEvent("s1", "alice", true, fc.Now()))

	tr.mu.Lock()
	var stackLen int
	for _, s := range tr.active {
		stackLen = len(s.lockStack)
	}
	tr.mu.Unlock()
	require.Equal(t, 1, stackLen)
}

func TestLastResetBoundary(t *testing.T) {
	loc := time.UTC
	before := time.Date(2026, 7, 30, 2, 0, 0, 0, loc)
	b, err := LastResetBoundary(before, "03:00")
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 7, 29, 3, 0, 0, 0, loc), b)

	after := time.Date(2026, 7, 30, 4, 0, 0, 0, loc)
	b2, err := LastResetBoundary(after, "03:00")
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 7, 30, 3, 0, 0, 0, loc), b2)
}
