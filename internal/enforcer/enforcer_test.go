package enforcer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/familyguardian/guardiand/internal/clock"
	"github.com/familyguardian/guardiand/internal/policy"
	"github.com/familyguardian/guardiand/internal/store"
	"github.com/familyguardian/guardiand/internal/tracker"
	"github.com/familyguardian/guardiand/pkg/logger"
)

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeNotifier) Notify(username, message, category string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, username+":"+category+":"+message)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type fakePlatform struct {
	mu         sync.Mutex
	locked     map[string]bool
	terminated []string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{locked: make(map[string]bool)}
}

func (f *fakePlatform) TerminateSessions(ctx context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, username)
	return nil
}

func (f *fakePlatform) LockAccount(username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked[username] = true
	return nil
}

func (f *fakePlatform) UnlockAccount(username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked[username] = false
	return nil
}

func (f *fakePlatform) IsLocked(username string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked[username], nil
}

func newTestEnforcer(t *testing.T, configYAML string, at time.Time) (*Enforcer, *clock.Fake, *fakeNotifier, *fakePlatform, *tracker.Tracker) {
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
	tr := tracker.New(st, pol, fc, logger.Noop())
	notifier := &fakeNotifier{}
	platform := newFakePlatform()
	e := New(tr, pol, st, notifier, platform, fc, logger.Noop())
	return e, fc, notifier, platform, tr
}

const quickQuotaConfig = `
defaults:
  daily_quota_minutes: 5
  grace_minutes: 2
users:
  alice: {}
`

func TestTickFiresNotificationTierAndLocksOnExhaustion(t *testing.T) {
	start := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	e, fc, notifier, platform, tr := newTestEnforcer(t, quickQuotaConfig, start)

	require.NoError(t, tr.HandleSessionNew(tracker.LoginEvent{PlatformID: "s1", UID: 1000, Username: "alice", Class: "user"}))

	// 1 minute used, 4 remaining: crossing the T4 threshold fires once.
	fc.Advance(time.Minute)
	require.NoError(t, e.Tick(context.Background(), "alice"))
	require.Equal(t, 1, notifier.count())

	// 4 minutes used total, 1 remaining: crossing T1 fires again.
	fc.Advance(3 * time.Minute)
	require.NoError(t, e.Tick(context.Background(), "alice"))
	require.Equal(t, 2, notifier.count())

	locked, err := platform.IsLocked("alice")
	require.NoError(t, err)
	require.False(t, locked, "account is not locked while quota remains")

	// Quota now fully exhausted: entering grace locks the account immediately.
	fc.Advance(2 * time.Minute)
	require.NoError(t, e.Tick(context.Background(), "alice"))

	require.Eventually(t, func() bool {
		locked, _ := platform.IsLocked("alice")
		return locked
	}, time.Second, 10*time.Millisecond)

	e.CancelGrace("alice")
}

func TestFireTierRespectsCooldown(t *testing.T) {
	start := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	e, _, notifier, _, _ := newTestEnforcer(t, quickQuotaConfig, start)

	now := time.Now()
	e.fireTier("alice", 1, now)
	e.fireTier("alice", 1, now.Add(time.Second))
	require.Equal(t, 1, notifier.count(), "second call within cooldown must not re-fire")
}
