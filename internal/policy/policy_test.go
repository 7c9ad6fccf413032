package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/familyguardian/guardiand/pkg/logger"
)

const validConfig = `
db_path: /tmp/guardian.sqlite
ipc_socket: /tmp/guardian.sock
reset_time: "03:00"
timezone: "Europe/Berlin"
defaults:
  daily_quota_minutes: 120
  grace_minutes: 5
  curfew:
    weekday: "08:00-20:00"
users:
  alice:
    daily_quota_minutes: 60
  bob:
    curfew:
      weekday: "22:00-06:00"
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewLoadsAndMerges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", validConfig)

	p, err := New(path, "", logger.Noop())
	require.NoError(t, err)

	snap := p.Current()
	require.Equal(t, "03:00", snap.ResetTime)

	alice := snap.Effective("alice")
	require.Equal(t, 60, alice.DailyQuotaMinutes)
	require.Equal(t, 5, alice.GraceMinutes, "alice inherits grace_minutes from defaults")
	require.Equal(t, "08:00-20:00", alice.Curfew["weekday"], "alice inherits curfew from defaults")

	bob := snap.Effective("bob")
	require.Equal(t, 120, bob.DailyQuotaMinutes, "bob inherits quota from defaults")
	require.Equal(t, "22:00-06:00", bob.Curfew["weekday"], "bob's curfew overrides the default")

	stranger := snap.Effective("mallory")
	require.False(t, stranger.Monitored)
}

func TestReloadRollsBackOnInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", validConfig)

	p, err := New(path, "", logger.Noop())
	require.NoError(t, err)
	original := p.Current()

	writeFile(t, dir, "config.yaml", `
reset_time: "25:00"
defaults:
  daily_quota_minutes: 120
`)

	changed, _, _, err := p.Reload()
	require.Error(t, err)
	require.False(t, changed)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, BadTimeFormat, verr.Kind)

	require.Same(t, original, p.Current(), "snapshot must be unchanged after a rejected reload")
}

func TestReloadAppliesValidChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", validConfig)

	p, err := New(path, "", logger.Noop())
	require.NoError(t, err)

	writeFile(t, dir, "config.yaml", `
db_path: /tmp/guardian.sqlite
ipc_socket: /tmp/guardian.sock
reset_time: "04:30"
defaults:
  daily_quota_minutes: 120
`)

	changed, defaults, users, err := p.Reload()
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, "04:30", p.Current().ResetTime)
	require.Equal(t, 120, defaults["daily_quota_minutes"])
	require.Empty(t, users)
}

func TestNegativeQuotaRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
defaults:
  daily_quota_minutes: -5
`)
	_, err := New(path, "", logger.Noop())
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, NegativeNumber, verr.Kind)
}

func TestBadUsernameRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
defaults:
  daily_quota_minutes: 60
users:
  "1bad name":
    daily_quota_minutes: 30
`)
	_, err := New(path, "", logger.Noop())
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, BadUsername, verr.Kind)
}
