// Package agent dispatches notifications to the per-user desktop agent
// processes that surface quota warnings and curfew countdowns to the
// screen (spec.md §4.4, §6). The daemon never talks to a desktop directly;
// it calls a well-known D-Bus name the user's own session agent owns.
package agent

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/familyguardian/guardiand/pkg/logger"
)

const (
	busNamePrefix = "com.familyguardian.Agent-"
	objectPath    = dbus.ObjectPath("/com/familyguardian/Agent")
	agentIfce     = "com.familyguardian.Agent"
)

// validCategories mirrors the notification tiers of spec.md §4.4; an
// unrecognized category degrades to "info" rather than failing the call.
var validCategories = map[string]bool{
	"info": true, "warning": true, "critical": true,
}

// Registry tracks which users currently have a reachable desktop agent and
// dispatches Notify calls to them over the system bus.
type Registry struct {
	conn *dbus.Conn
	log  logger.Logger

	mu    sync.Mutex
	known map[string]bool // username -> agent presently reachable
}

// New wraps an already-open system bus connection (shared with
// internal/dbusutil's Watcher is fine; D-Bus connections are safe for
// concurrent use).
func New(conn *dbus.Conn, log logger.Logger) *Registry {
	if log == nil {
		log = logger.Noop()
	}
	return &Registry{conn: conn, log: log, known: make(map[string]bool)}
}

// busName returns the well-known name the given user's agent registers,
// sanitizing characters D-Bus bus names disallow.
func busName(username string) string {
	sanitized := make([]byte, 0, len(username))
	for _, c := range []byte(username) {
		if c == '-' || c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			sanitized = append(sanitized, c)
		} else {
			sanitized = append(sanitized, '_')
		}
	}
	return busNamePrefix + string(sanitized)
}

// Notify sends message to username's desktop agent, tagged with category.
// An unrecognized category is downgraded to "info" rather than rejected —
// a malformed tier must never block a notification from reaching the
// screen. Returns an error only when the agent is unreachable.
func (r *Registry) Notify(username, message, category string) error {
	if !validCategories[category] {
		r.log.Warn("unrecognized notification category, downgrading to info", "username", username, "category", category)
		category = "info"
	}

	obj := r.conn.Object(busName(username), objectPath)
	call := obj.Call(agentIfce+".NotifyUser", 0, message, category)
	if call.Err != nil {
		r.setReachable(username, false)
		return fmt.Errorf("agent: notify %s: %w", username, call.Err)
	}
	r.setReachable(username, true)
	return nil
}

// Reachable reports whether username's agent answered the last Notify call
// successfully. VerifyUsername does not change this state.
func (r *Registry) Reachable(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.known[username]
}

func (r *Registry) setReachable(username string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[username] = ok
}

// VerifyUsername calls the agent's GetUsername method and compares it
// against the expected username, guarding against a stale or spoofed bus
// name registration.
func (r *Registry) VerifyUsername(expected string) error {
	obj := r.conn.Object(busName(expected), objectPath)
	var got string
	if err := obj.Call(agentIfce+".GetUsername", 0).Store(&got); err != nil {
		return fmt.Errorf("agent: verify username for %s: %w", expected, err)
	}
	if got != expected {
		return fmt.Errorf("agent: bus name for %s answered GetUsername as %q", expected, got)
	}
	return nil
}
