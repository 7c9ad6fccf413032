package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/familyguardian/guardiand/pkg/logger"
)

//go:embed schema.sql
var schemaFS embed.FS

const schemaVersionKey = "schema_version"
const lastResetDateKey = "last_reset_date"
const currentSchemaVersion = 1

// SQLite is the production Store, backed by a single-file SQLite database
// opened in WAL mode for durability and concurrent-reader friendliness.
type SQLite struct {
	db   *sql.DB
	path string
	log  logger.Logger
}

// Open creates the schema if absent, applies forward-only migrations keyed
// in the meta table, and returns a ready Store.
func Open(path string, log logger.Logger) (*SQLite, error) {
	if log == nil {
		log = logger.Noop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("%w: create db dir: %v", ErrIo, err)
		}
	}

	conn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_timeout=5000"
	db, err := sql.Open("sqlite3", conn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", ErrIo, err)
	}
	db.SetMaxOpenConns(1) // single writer; SQLite serializes writes anyway

	s := &SQLite{db: db, path: path, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("%w: read embedded schema: %v", ErrCorrupt, err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin migration tx: %v", ErrIo, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(schemaSQL)); err != nil {
		return fmt.Errorf("%w: apply schema: %v", ErrCorrupt, err)
	}

	var versionStr string
	err = tx.QueryRow(`SELECT value FROM meta WHERE key = ?`, schemaVersionKey).Scan(&versionStr)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)`, schemaVersionKey, strconv.Itoa(currentSchemaVersion)); err != nil {
			return fmt.Errorf("%w: seed schema_version: %v", ErrIo, err)
		}
	case err != nil:
		return fmt.Errorf("%w: read schema_version: %v", ErrIo, err)
	default:
		version, convErr := strconv.Atoi(versionStr)
		if convErr != nil {
			return fmt.Errorf("%w: non-numeric schema_version %q", ErrCorrupt, versionStr)
		}
		if version > currentSchemaVersion {
			return fmt.Errorf("%w: database schema_version %d newer than binary %d", ErrCorrupt, version, currentSchemaVersion)
		}
		// No migrations beyond v1 exist yet; future versions append
		// ALTER/UPDATE statements here, gated on the stored version.
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit migration tx: %v", ErrIo, err)
	}
	s.log.Info("store opened", "path", s.path, "schema_version", currentSchemaVersion)
	return nil
}

func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: close sqlite: %v", ErrIo, err)
	}
	return nil
}

// AddSession inserts a session row; on a (username, date, start) conflict
// it is a no-op that returns the existing row's id.
func (s *SQLite) AddSession(platformID, username string, uid int, start time.Time, end *time.Time, durationSeconds float64, desktop, service string) (int64, error) {
	date := start.Format("2006-01-02")
	startStr := start.UTC().Format(time.RFC3339Nano)

	var endVal interface{}
	if end != nil {
		endVal = end.UTC().Format(time.RFC3339Nano)
	}

	res, err := s.db.Exec(`
		INSERT INTO sessions (platform_id, username, uid, date, start_wallclock, end_wallclock, duration_seconds, desktop, service)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (username, date, start_wallclock) DO NOTHING`,
		platformID, username, uid, date, startStr, endVal, durationSeconds, desktop, service)
	if err != nil {
		return 0, fmt.Errorf("%w: insert session: %v", ErrIo, err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("%w: read inserted session id: %v", ErrIo, err)
		}
		return id, nil
	}

	var existingID int64
	err = s.db.QueryRow(`SELECT id FROM sessions WHERE username = ? AND date = ? AND start_wallclock = ?`,
		username, date, startStr).Scan(&existingID)
	if err != nil {
		return 0, fmt.Errorf("%w: resolve conflicting session id: %v", ErrIo, err)
	}
	return existingID, nil
}

// CloseSession updates end/duration, matching either by platform id or by
// the decimal internal surrogate id; idempotent.
func (s *SQLite) CloseSession(idOrPlatformID string, end time.Time, durationSeconds float64) error {
	endStr := end.UTC().Format(time.RFC3339Nano)
	var res sql.Result
	var err error
	if internalID, convErr := strconv.ParseInt(idOrPlatformID, 10, 64); convErr == nil {
		res, err = s.db.Exec(`UPDATE sessions SET end_wallclock = ?, duration_seconds = ? WHERE id = ?`, endStr, durationSeconds, internalID)
	} else {
		res, err = s.db.Exec(`UPDATE sessions SET end_wallclock = ?, duration_seconds = ? WHERE platform_id = ? AND end_wallclock IS NULL`, endStr, durationSeconds, idOrPlatformID)
	}
	if err != nil {
		return fmt.Errorf("%w: close session: %v", ErrIo, err)
	}
	_ = res
	return nil
}

func (s *SQLite) scanSessions(rows *sql.Rows) ([]Session, error) {
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		var start string
		var end sql.NullString
		if err := rows.Scan(&sess.ID, &sess.PlatformID, &sess.Username, &sess.UID, &sess.Date, &start, &end, &sess.DurationSeconds, &sess.Desktop, &sess.Service); err != nil {
			return nil, fmt.Errorf("%w: scan session row: %v", ErrIo, err)
		}
		t, err := time.Parse(time.RFC3339Nano, start)
		if err != nil {
			return nil, fmt.Errorf("%w: parse start_wallclock: %v", ErrCorrupt, err)
		}
		sess.StartWallclock = t
		if end.Valid {
			endT, err := time.Parse(time.RFC3339Nano, end.String)
			if err != nil {
				return nil, fmt.Errorf("%w: parse end_wallclock: %v", ErrCorrupt, err)
			}
			sess.EndWallclock = &endT
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate session rows: %v", ErrIo, err)
	}
	return out, nil
}

func (s *SQLite) ActiveSessions() ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT id, platform_id, username, uid, date, start_wallclock, end_wallclock, duration_seconds, desktop, service
		FROM sessions WHERE end_wallclock IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("%w: query active sessions: %v", ErrIo, err)
	}
	return s.scanSessions(rows)
}

func (s *SQLite) SessionsFor(username string, since time.Time) ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT id, platform_id, username, uid, date, start_wallclock, end_wallclock, duration_seconds, desktop, service
		FROM sessions
		WHERE username = ? AND (end_wallclock IS NULL OR end_wallclock >= ?)
		ORDER BY start_wallclock ASC`,
		username, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("%w: query sessions for user: %v", ErrIo, err)
	}
	return s.scanSessions(rows)
}

func (s *SQLite) DailyUsage(username, date string) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT SUM(duration_seconds) FROM sessions
		WHERE username = ? AND date = ? AND end_wallclock IS NOT NULL`, username, date).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("%w: sum daily usage: %v", ErrIo, err)
	}
	return total.Float64, nil
}

// ArchiveAndClear reads the day's sessions for username, aggregates them
// into a History row, deletes the finished ones, and re-homes any still-open
// session to continuationStart's date so its tail is not lost when it later
// closes — all inside one transaction so the operation is atomic (spec.md
// §4.1, §4.6, §8).
func (s *SQLite) ArchiveAndClear(username, date string, continuationStart time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin archive tx: %v", ErrIo, err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, platform_id, username, uid, date, start_wallclock, end_wallclock, duration_seconds, desktop, service
		FROM sessions WHERE username = ? AND date = ?`, username, date)
	if err != nil {
		return fmt.Errorf("%w: query sessions to archive: %v", ErrIo, err)
	}
	sessions, err := s.scanSessionsInTx(rows)
	if err != nil {
		return err
	}

	var total float64
	var loginCount int
	var first, last time.Time
	for i, sess := range sessions {
		if sess.Finished() {
			total += sess.DurationSeconds
		}
		loginCount++
		if i == 0 || sess.StartWallclock.Before(first) {
			first = sess.StartWallclock
		}
		end := sess.StartWallclock
		if sess.EndWallclock != nil {
			end = *sess.EndWallclock
		}
		if i == 0 || end.After(last) {
			last = end
		}
	}
	if loginCount == 0 {
		// Nothing to archive today; still safe to commit (no-op).
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit empty archive tx: %v", ErrIo, err)
		}
		return nil
	}

	_, err = tx.Exec(`
		INSERT INTO history (username, date, total_screen_time_s, login_count, first_login, last_logout, quota_exceeded, bonus_time_used_s)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0)
		ON CONFLICT (username, date) DO UPDATE SET
			total_screen_time_s = excluded.total_screen_time_s,
			login_count = excluded.login_count,
			first_login = excluded.first_login,
			last_logout = excluded.last_logout`,
		username, date, total, loginCount, first.UTC().Format(time.RFC3339Nano), last.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: upsert history: %v", ErrIo, err)
	}

	if _, err := tx.Exec(`DELETE FROM sessions WHERE username = ? AND date = ? AND end_wallclock IS NOT NULL`, username, date); err != nil {
		return fmt.Errorf("%w: delete archived sessions: %v", ErrIo, err)
	}

	newDate := continuationStart.Format("2006-01-02")
	newStart := continuationStart.UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(`
		UPDATE sessions SET date = ?, start_wallclock = ?
		WHERE username = ? AND date = ? AND end_wallclock IS NULL`,
		newDate, newStart, username, date); err != nil {
		return fmt.Errorf("%w: re-home open session across rollover: %v", ErrIo, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit archive tx: %v", ErrIo, err)
	}
	return nil
}

// scanSessionsInTx mirrors scanSessions but keeps the caller's transaction
// in scope for error wrapping consistency.
func (s *SQLite) scanSessionsInTx(rows *sql.Rows) ([]Session, error) {
	return s.scanSessions(rows)
}

func (s *SQLite) GetUserSettings(username string) (map[string]interface{}, error) {
	var raw string
	err := s.db.QueryRow(`SELECT settings FROM user_settings WHERE username = ?`, username).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read user settings: %v", ErrIo, err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%w: decode user settings json: %v", ErrCorrupt, err)
	}
	return out, nil
}

func (s *SQLite) SetUserSettings(username string, settings map[string]interface{}) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode user settings json: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO user_settings (username, settings) VALUES (?, ?)
		ON CONFLICT (username) DO UPDATE SET settings = excluded.settings`, username, string(raw))
	if err != nil {
		return fmt.Errorf("%w: write user settings: %v", ErrIo, err)
	}
	return nil
}

func (s *SQLite) AllUsernames() ([]string, error) {
	rows, err := s.db.Query(`SELECT username FROM user_settings WHERE username != 'default' ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("%w: query usernames: %v", ErrIo, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("%w: scan username: %v", ErrIo, err)
		}
		out = append(out, u)
	}
	sort.Strings(out)
	return out, rows.Err()
}

// SyncConfigToDB is idempotent: it stores defaults under "default" and, for
// each configured user, the deep merge of defaults ⊕ user-override. This is
// the canonical source of effective per-user policy at query time
// (spec.md §4.1).
func (s *SQLite) SyncConfigToDB(defaults map[string]interface{}, users map[string]map[string]interface{}) error {
	if err := s.SetUserSettings("default", defaults); err != nil {
		return err
	}
	for username, override := range users {
		merged := deepMerge(defaults, override)
		if err := s.SetUserSettings(username, merged); err != nil {
			return fmt.Errorf("sync user %q: %w", username, err)
		}
	}
	return nil
}

// deepMerge returns defaults ⊕ override: override keys win recursively on
// nested maps, replace outright on scalars/lists.
func deepMerge(defaults, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(defaults)+len(override))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range override {
		if existing, ok := out[k]; ok {
			existingMap, existingIsMap := existing.(map[string]interface{})
			overrideMap, overrideIsMap := v.(map[string]interface{})
			if existingIsMap && overrideIsMap {
				out[k] = deepMerge(existingMap, overrideMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func (s *SQLite) LastResetDate() (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, lastResetDateKey).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: read last_reset_date: %v", ErrIo, err)
	}
	return v, nil
}

func (s *SQLite) SetLastResetDate(date string) error {
	_, err := s.db.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, lastResetDateKey, date)
	if err != nil {
		return fmt.Errorf("%w: write last_reset_date: %v", ErrIo, err)
	}
	return nil
}
