package pam

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/familyguardian/guardiand/internal/policy"
)

func snapWithCurfews() *policy.Snapshot {
	return &policy.Snapshot{
		Users: map[string]policy.UserPolicy{
			"alice": {Username: "alice", Curfew: policy.Curfew{"weekday": "08:00-20:00", "saturday": "09:00-21:00"}},
			"bob":   {Username: "bob", Curfew: policy.Curfew{"weekday": "22:00-06:00"}},
		},
	}
}

func TestInstallWritesExactlyOneRulePerCurfewDay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "time.conf")
	require.NoError(t, os.WriteFile(path, []byte("# hand-written rule\nlogin;*;root;weekday;00:00-23:59\n"), 0o644))

	w := New(path)
	require.NoError(t, w.Install(snapWithCurfews()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	// The unmanaged hand-written comment survives; the prior guardiand-owned
	// rule line for root does not (it starts with "login;*;").
	require.Contains(t, content, "# hand-written rule")
	require.NotContains(t, content, "root")

	ruleCount := strings.Count(content, "login;*;")
	require.Equal(t, 3, ruleCount, "alice has 2 curfew days, bob has 1")
	require.Contains(t, content, "login;*;alice;saturday;09:00-21:00")
	require.Contains(t, content, "login;*;bob;weekday;22:00-06:00")
}

func TestRemoveStripsManagedBlockOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "time.conf")

	w := New(path)
	require.NoError(t, w.Install(snapWithCurfews()))
	require.NoError(t, w.Remove())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "login;*;")
	require.NotContains(t, string(data), managedHeader)
}

func TestInstallIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "time.conf")
	w := New(path)

	require.NoError(t, w.Install(snapWithCurfews()))
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, w.Install(snapWithCurfews()))
	second, err := os.ReadFile(path)
	require.NoError(t, err)

	require.Equal(t, first, second)
}
