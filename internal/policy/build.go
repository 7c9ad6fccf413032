package policy

import (
	"errors"
	"fmt"
)

// ErrConfigIo wraps failures reading configuration files from disk; it is
// distinct from the structured ValidationError kinds because it is an I/O
// failure, not a malformed-content failure.
var ErrConfigIo = errors.New("policy: config io error")

const (
	defaultResetTime     = "03:00"
	defaultTimezone      = "UTC"
	defaultGraceMinutes  = 5
	defaultLoggingLevel  = "info"
	defaultLoggingFormat = "text"
	defaultDBPath        = "/var/lib/guardian/guardian.sqlite"
	defaultIPCSocket     = "/run/guardian-daemon.sock"
)

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true, "fatal": true,
}

// buildSnapshot validates raw YAML content and produces an immutable
// Snapshot, or a *ValidationError identifying the first offending field.
func buildSnapshot(cfg *rawConfig) (*Snapshot, error) {
	resetTime := cfg.ResetTime
	if resetTime == "" {
		resetTime = defaultResetTime
	}
	if err := ValidateTimeFormat("reset_time", resetTime); err != nil {
		return nil, err
	}

	timezone := cfg.Timezone
	if timezone == "" {
		timezone = defaultTimezone
	}

	logLevel := cfg.Logging.Level
	if logLevel == "" {
		logLevel = defaultLoggingLevel
	}
	if !validLogLevels[toLower(logLevel)] {
		return nil, newErr(UnknownLogLevel, "logging.level", fmt.Sprintf("unrecognized log level %q", logLevel))
	}
	logFormat := cfg.Logging.Format
	if logFormat == "" {
		logFormat = defaultLoggingFormat
	}

	defaults, err := buildUserPolicy("default", cfg.Defaults, UserPolicy{
		GraceMinutes: defaultGraceMinutes,
		Monitored:    true,
	})
	if err != nil {
		return nil, err
	}

	users := make(map[string]UserPolicy, len(cfg.Users))
	for username, override := range cfg.Users {
		if err := ValidateUsername(username); err != nil {
			return nil, err
		}
		merged := mergeRawMap(cfg.Defaults, override)
		up, err := buildUserPolicy(username, merged, defaults)
		if err != nil {
			return nil, err
		}
		users[username] = up
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	ipcSocket := cfg.IPCSocket
	if ipcSocket == "" {
		ipcSocket = defaultIPCSocket
	}

	return &Snapshot{
		Defaults:   defaults,
		Users:      users,
		ResetTime:  resetTime,
		Timezone:   timezone,
		LogLevel:   logLevel,
		LogFormat:  logFormat,
		DBPath:     dbPath,
		IPCSocket:  ipcSocket,
		AdminGroup: cfg.AdminGroup,
	}, nil
}

// buildUserPolicy decodes one user's (already merged) settings map into a
// typed, validated UserPolicy, falling back to fallback's fields for
// anything absent.
func buildUserPolicy(username string, raw map[string]interface{}, fallback UserPolicy) (UserPolicy, error) {
	up := fallback
	up.Username = username

	if v, ok := raw["daily_quota_minutes"]; ok {
		n, err := toNonNegativeInt("daily_quota_minutes", v)
		if err != nil {
			return UserPolicy{}, err
		}
		up.DailyQuotaMinutes = n
	}
	if v, ok := raw["weekly_quota_minutes"]; ok {
		n, err := toNonNegativeInt("weekly_quota_minutes", v)
		if err != nil {
			return UserPolicy{}, err
		}
		up.WeeklyQuotaMinutes = n
	}
	if v, ok := raw["grace_minutes"]; ok {
		n, err := toNonNegativeInt("grace_minutes", v)
		if err != nil {
			return UserPolicy{}, err
		}
		up.GraceMinutes = n
	}
	if v, ok := raw["bonus_pool_minutes"]; ok {
		n, err := toNonNegativeInt("bonus_pool_minutes", v)
		if err != nil {
			return UserPolicy{}, err
		}
		up.BonusPoolMinutes = n
	}
	if v, ok := raw["monitored"]; ok {
		b, err := toBool("monitored", v)
		if err != nil {
			return UserPolicy{}, err
		}
		up.Monitored = b
	}
	if v, ok := raw["quota_exempt"]; ok {
		b, err := toBool("quota_exempt", v)
		if err != nil {
			return UserPolicy{}, err
		}
		up.QuotaExempt = b
	}
	if v, ok := raw["curfew"]; ok {
		c, err := toCurfew("curfew", v)
		if err != nil {
			return UserPolicy{}, err
		}
		if err := ValidateCurfew("curfew", c); err != nil {
			return UserPolicy{}, err
		}
		up.Curfew = c
	}
	return up, nil
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func toNonNegativeInt(field string, v interface{}) (int, error) {
	var n int
	switch t := v.(type) {
	case int:
		n = t
	case int64:
		n = int(t)
	case float64:
		n = int(t)
	default:
		return 0, newErr(BadType, field, fmt.Sprintf("expected integer, got %T", v))
	}
	if n < 0 {
		return 0, newErr(NegativeNumber, field, fmt.Sprintf("%d must be >= 0", n))
	}
	return n, nil
}

func toBool(field string, v interface{}) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, newErr(BadType, field, fmt.Sprintf("expected boolean, got %T", v))
	}
	return b, nil
}

func toCurfew(field string, v interface{}) (Curfew, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, newErr(BadType, field, fmt.Sprintf("expected mapping, got %T", v))
	}
	c := make(Curfew, len(m))
	for day, val := range m {
		s, ok := val.(string)
		if !ok {
			return nil, newErr(BadType, fmt.Sprintf("%s.%s", field, day), fmt.Sprintf("expected string, got %T", val))
		}
		c[day] = s
	}
	return c, nil
}

// mergeRawMap returns defaults ⊕ override for the decode step (a local
// equivalent of store.deepMerge, kept separate so policy does not import
// internal/store).
func mergeRawMap(defaults, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(defaults)+len(override))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range override {
		if existing, ok := out[k]; ok {
			existingMap, existingIsMap := existing.(map[string]interface{})
			overrideMap, overrideIsMap := v.(map[string]interface{})
			if existingIsMap && overrideIsMap {
				out[k] = mergeRawMap(existingMap, overrideMap)
				continue
			}
		}
		out[k] = v
	}
	return out
}
