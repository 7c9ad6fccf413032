package admin

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/familyguardian/guardiand/internal/peercred"
)

func TestGuardRootRejectsNonRootCaller(t *testing.T) {
	called := false
	doc := commandDoc{
		requiresRoot: true,
		handler: func(peercred.Cred, map[string]interface{}) (interface{}, error) {
			called = true
			return "ok", nil
		},
	}
	guarded := guardRoot(doc)

	_, err := guarded(peercred.Cred{UID: 1000}, nil)
	require.Error(t, err)
	require.False(t, called, "handler must not run for a non-root caller")

	data, err := guarded(peercred.Cred{UID: 0}, nil)
	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, "ok", data)
}

func TestGuardRootPassesThroughReadOnlyCommands(t *testing.T) {
	doc := commandDoc{
		handler: func(peercred.Cred, map[string]interface{}) (interface{}, error) {
			return "ok", nil
		},
	}
	data, err := guardRoot(doc)(peercred.Cred{UID: 1000}, nil)
	require.NoError(t, err)
	require.Equal(t, "ok", data)
}
