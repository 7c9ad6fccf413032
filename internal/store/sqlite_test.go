package store

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/familyguardian/guardiand/pkg/logger"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guardian.sqlite")
	s, err := Open(path, logger.Noop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddSessionIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	start := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)

	id1, err := s.AddSession("sess-1", "alice", 1000, start, nil, 0, "kde", "login-manager")
	require.NoError(t, err)

	id2, err := s.AddSession("sess-1-retry", "alice", 1000, start, nil, 0, "kde", "login-manager")
	require.NoError(t, err)
	require.Equal(t, id1, id2, "same (username, date, start) must resolve to the existing row")

	sessions, err := s.SessionsFor("alice", start.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, sessions, 1)
}

func TestCloseSessionIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	start := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	id, err := s.AddSession("sess-1", "alice", 1000, start, nil, 0, "kde", "login-manager")
	require.NoError(t, err)

	end := start.Add(45 * time.Minute)
	require.NoError(t, s.CloseSession(strconv.FormatInt(id, 10), end, 45*60))
	require.NoError(t, s.CloseSession(strconv.FormatInt(id, 10), end, 45*60))

	usage, err := s.DailyUsage("alice", "2026-07-30")
	require.NoError(t, err)
	require.InDelta(t, 45*60, usage, 0.001)
}

func TestArchiveAndClearZeroesDailyUsageAndWritesHistory(t *testing.T) {
	s := openTestStore(t)
	start := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	id, err := s.AddSession("sess-1", "bob", 1001, start, nil, 0, "", "")
	require.NoError(t, err)
	end := start.Add(30 * time.Minute)
	require.NoError(t, s.CloseSession(strconv.FormatInt(id, 10), end, 30*60))

	require.NoError(t, s.ArchiveAndClear("bob", "2026-07-30", start))

	usage, err := s.DailyUsage("bob", "2026-07-30")
	require.NoError(t, err)
	require.Zero(t, usage)

	active, err := s.ActiveSessions()
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestArchiveAndClearPreservesOpenSessionAcrossRollover(t *testing.T) {
	s := openTestStore(t)
	start := time.Date(2026, 7, 30, 22, 0, 0, 0, time.UTC)
	id, err := s.AddSession("sess-open", "bob", 1001, start, nil, 0, "kde", "login-manager")
	require.NoError(t, err)

	boundary := time.Date(2026, 7, 31, 3, 0, 0, 0, time.UTC)
	require.NoError(t, s.ArchiveAndClear("bob", "2026-07-30", boundary))

	active, err := s.ActiveSessions()
	require.NoError(t, err)
	require.Len(t, active, 1, "still-open session must survive the rollover, not be deleted")
	require.Equal(t, "2026-07-31", active[0].Date)
	require.WithinDuration(t, boundary, active[0].StartWallclock, time.Second)

	end := boundary.Add(10 * time.Minute)
	require.NoError(t, s.CloseSession(strconv.FormatInt(id, 10), end, 600))

	usage, err := s.DailyUsage("bob", "2026-07-31")
	require.NoError(t, err)
	require.InDelta(t, 600, usage, 0.001)
}

func TestSyncConfigToDBDeepMergesUserOverrides(t *testing.T) {
	s := openTestStore(t)
	defaults := map[string]interface{}{
		"daily_quota_minutes": float64(120),
		"curfew": map[string]interface{}{
			"weekday": "08:00-20:00",
		},
	}
	users := map[string]map[string]interface{}{
		"carol": {
			"daily_quota_minutes": float64(60),
		},
	}

	require.NoError(t, s.SyncConfigToDB(defaults, users))
	require.NoError(t, s.SyncConfigToDB(defaults, users)) // idempotent

	merged, err := s.GetUserSettings("carol")
	require.NoError(t, err)
	require.Equal(t, float64(60), merged["daily_quota_minutes"])
	curfew, ok := merged["curfew"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "08:00-20:00", curfew["weekday"])

	names, err := s.AllUsernames()
	require.NoError(t, err)
	require.Equal(t, []string{"carol"}, names)
}
