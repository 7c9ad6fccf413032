package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInCurfewNoRestriction(t *testing.T) {
	require.True(t, InCurfew(time.Now(), nil))
	require.True(t, InCurfew(time.Now(), Curfew{}))
}

func TestInCurfewOrdinaryWindow(t *testing.T) {
	c := Curfew{"weekday": "08:00-20:00"}
	mon := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC) // a Monday
	require.True(t, InCurfew(mon, c))

	early := time.Date(2026, 8, 3, 6, 0, 0, 0, time.UTC)
	require.False(t, InCurfew(early, c))
}

func TestInCurfewWraparoundWindow(t *testing.T) {
	c := Curfew{"weekday": "22:00-06:00"}
	night := time.Date(2026, 8, 3, 23, 30, 0, 0, time.UTC)
	require.True(t, InCurfew(night, c))

	dawn := time.Date(2026, 8, 3, 2, 0, 0, 0, time.UTC)
	require.True(t, InCurfew(dawn, c))

	midday := time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC)
	require.False(t, InCurfew(midday, c))
}

func TestInCurfewMissingDayGroup(t *testing.T) {
	c := Curfew{"weekday": "08:00-20:00"}
	sat := time.Date(2026, 8, 1, 2, 0, 0, 0, time.UTC) // a Saturday, no entry
	require.True(t, InCurfew(sat, c))
}
