package supervisor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/familyguardian/guardiand/internal/peercred"
)

func TestResolveAdminGIDEmptyGroupNameMeansRootOnly(t *testing.T) {
	gid, ok, err := resolveAdminGID("")
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, gid)
}

func TestNewAdminAuthAllowsRootRegardlessOfGroup(t *testing.T) {
	auth := newAdminAuth(500, true)
	require.NoError(t, auth(peercred.Cred{UID: 0, GID: 999}))
}

func TestNewAdminAuthAllowsAdminGroupMember(t *testing.T) {
	auth := newAdminAuth(500, true)
	require.NoError(t, auth(peercred.Cred{UID: 1000, GID: 500}))
}

func TestNewAdminAuthRejectsEverythingElse(t *testing.T) {
	auth := newAdminAuth(500, true)
	require.Error(t, auth(peercred.Cred{UID: 1000, GID: 501}))

	noGroup := newAdminAuth(0, false)
	require.Error(t, noGroup(peercred.Cred{UID: 1000, GID: 0}))
}
