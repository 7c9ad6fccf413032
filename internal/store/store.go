// Package store is the durable persistence boundary for guardiand: session
// rows, per-user settings, daily history and process metadata. It is the
// only component that touches disk for domain state.
package store

import (
	"errors"
	"time"
)

// Typed error kinds per spec.md §7's Store taxonomy. Callers use
// errors.Is against these sentinels; Corrupt/Io wrap the underlying
// database/sql error with %w so the original cause survives.
var (
	ErrConflict = errors.New("store: conflict")
	ErrNotFound = errors.New("store: not found")
	ErrIo       = errors.New("store: io error")
	ErrCorrupt  = errors.New("store: corrupt")
)

// Session is one observed login, keyed by an autoincrement surrogate id —
// never the platform session id, which is transient and may be recycled
// across reboots (spec.md §3, §9).
type Session struct {
	ID              int64
	PlatformID      string
	Username        string
	UID             int
	Date            string // local date, "2006-01-02"
	StartWallclock  time.Time
	EndWallclock    *time.Time
	DurationSeconds float64
	Desktop         string
	Service         string
}

// Finished reports whether the session has a recorded end.
func (s Session) Finished() bool { return s.EndWallclock != nil }

// History is one immutable per (username, date) aggregate row written by
// ArchiveAndClear during daily rollover.
type History struct {
	Username          string
	Date              string
	TotalScreenTimeS  float64
	LoginCount        int
	FirstLogin        time.Time
	LastLogout        time.Time
	QuotaExceeded      bool
	BonusTimeUsedS     float64
}

// Store is the persistence contract described in spec.md §4.1. Every
// operation is either a success or one of the typed errors above.
type Store interface {
	// AddSession inserts a session row; on a (username, date, start)
	// conflict it is a no-op that returns the existing row's id.
	AddSession(platformID, username string, uid int, start time.Time, end *time.Time, durationSeconds float64, desktop, service string) (int64, error)

	// CloseSession updates end/duration for the session matching id
	// (either the platform id or the internal surrogate id); idempotent.
	CloseSession(idOrPlatformID string, end time.Time, durationSeconds float64) error

	// ActiveSessions returns every row with no recorded end.
	ActiveSessions() ([]Session, error)

	// SessionsFor returns every session for username overlapping
	// [since, now).
	SessionsFor(username string, since time.Time) ([]Session, error)

	// DailyUsage sums duration over finished sessions for username on
	// the given local date ("2006-01-02").
	DailyUsage(username, date string) (float64, error)

	// ArchiveAndClear archives the day's finished sessions for username
	// into History and deletes those rows, atomically. A session still
	// open at rollover time is not deleted: it is re-homed to
	// continuationStart's calendar date with its start reset to
	// continuationStart, so its eventual close is not silently lost
	// (spec.md §4.6).
	ArchiveAndClear(username, date string, continuationStart time.Time) error

	// GetUserSettings returns the raw merged JSON settings blob for
	// username ("default" is the reserved defaults key), or ErrNotFound.
	GetUserSettings(username string) (map[string]interface{}, error)

	// SetUserSettings replaces the settings blob for username.
	SetUserSettings(username string, settings map[string]interface{}) error

	// AllUsernames returns every managed username (excludes "default").
	AllUsernames() ([]string, error)

	// SyncConfigToDB is idempotent: stores defaults under "default" and,
	// for each configured user, the deep merge of defaults ⊕ override.
	SyncConfigToDB(defaults map[string]interface{}, users map[string]map[string]interface{}) error

	// LastResetDate returns the last local date a rollover completed, or
	// the empty string if none has ever run.
	LastResetDate() (string, error)

	// SetLastResetDate records the date a rollover completed.
	SetLastResetDate(date string) error

	// Close releases the underlying database handle.
	Close() error
}
