// Package dbusutil wraps the systemd-logind D-Bus surface guardiand watches
// for session lifecycle events (spec.md §4.1, §6). It is a thin adapter: all
// accounting lives in internal/tracker, all this package does is decode
// logind's wire shapes into plain Go values.
package dbusutil

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	loginManagerDest = "org.freedesktop.login1"
	loginManagerPath = dbus.ObjectPath("/org/freedesktop/login1")
	loginManagerIfce = "org.freedesktop.login1.Manager"
	sessionIfce      = "org.freedesktop.login1.Session"

	// supervisorBusName is the well-known name the daemon itself owns, so a
	// user's desktop agent can report lock/unlock transitions back to it
	// (spec.md §4.3, §6).
	supervisorBusName = "com.familyguardian.Supervisor"
	supervisorObjPath = dbus.ObjectPath("/com/familyguardian/Supervisor")
	supervisorIfce    = "com.familyguardian.Supervisor"
)

// Watcher subscribes to logind's SessionNew/SessionRemoved signals and
// decodes each session's properties on demand.
type Watcher struct {
	conn *dbus.Conn
}

// Connect opens a connection to the system bus and subscribes to logind's
// Manager signals. Callers must call Close when done.
func Connect() (*Watcher, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("dbusutil: connect system bus: %w", err)
	}
	call := conn.BusObject().Call(
		"org.freedesktop.DBus.AddMatch", 0,
		fmt.Sprintf("type='signal',interface='%s'", loginManagerIfce))
	if call.Err != nil {
		conn.Close()
		return nil, fmt.Errorf("dbusutil: add match: %w", call.Err)
	}
	return &Watcher{conn: conn}, nil
}

func (w *Watcher) Close() error {
	return w.conn.Close()
}

// Conn exposes the underlying bus connection so other components (e.g.
// internal/agent's Registry) can share it instead of opening a second one.
func (w *Watcher) Conn() *dbus.Conn {
	return w.conn
}

// Signal is a decoded SessionNew or SessionRemoved event.
type Signal struct {
	New        bool
	PlatformID string
	SessionObj dbus.ObjectPath
}

// Signals returns a channel of decoded Manager signals. The channel is
// closed when ctx is cancelled.
func (w *Watcher) Signals(ctx context.Context) <-chan Signal {
	raw := make(chan *dbus.Signal, 32)
	w.conn.Signal(raw)

	out := make(chan Signal, 32)
	go func() {
		defer close(out)
		defer w.conn.RemoveSignal(raw)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-raw:
				if !ok {
					return
				}
				decoded, ok := decodeManagerSignal(sig)
				if !ok {
					continue
				}
				select {
				case out <- decoded:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func decodeManagerSignal(sig *dbus.Signal) (Signal, bool) {
	switch sig.Name {
	case loginManagerIfce + ".SessionNew":
		if len(sig.Body) != 2 {
			return Signal{}, false
		}
		id, ok := sig.Body[0].(string)
		if !ok {
			return Signal{}, false
		}
		path, ok := sig.Body[1].(dbus.ObjectPath)
		if !ok {
			return Signal{}, false
		}
		return Signal{New: true, PlatformID: id, SessionObj: path}, true
	case loginManagerIfce + ".SessionRemoved":
		if len(sig.Body) != 2 {
			return Signal{}, false
		}
		id, ok := sig.Body[0].(string)
		if !ok {
			return Signal{}, false
		}
		return Signal{New: false, PlatformID: id}, true
	default:
		return Signal{}, false
	}
}

// SessionInfo is the set of Session properties guardiand needs to decide
// whether and how to track a session (spec.md §4.3's filtering rules).
type SessionInfo struct {
	UID      int
	Username string
	Class    string
	Service  string
	Desktop  string
}

// SessionInfo reads the properties of the session object at path. The
// "User" property arrives as either a (uid uint32, path ObjectPath) struct
// or, on older logind, a bare uint32 — both are accepted.
func (w *Watcher) SessionInfo(path dbus.ObjectPath) (SessionInfo, error) {
	obj := w.conn.Object(loginManagerDest, path)

	uid, err := w.propUint32(obj, "User")
	if err != nil {
		// Fall back to the (uid, path) tuple shape.
		uid, err = w.userTupleUID(obj)
		if err != nil {
			return SessionInfo{}, fmt.Errorf("dbusutil: read User property: %w", err)
		}
	}

	name, err := w.propString(obj, "Name")
	if err != nil {
		return SessionInfo{}, fmt.Errorf("dbusutil: read Name property: %w", err)
	}
	class, _ := w.propString(obj, "Class")
	service, _ := w.propString(obj, "Service")
	desktop, _ := w.propString(obj, "Desktop")

	return SessionInfo{
		UID:      int(uid),
		Username: name,
		Class:    class,
		Service:  service,
		Desktop:  desktop,
	}, nil
}

func (w *Watcher) propString(obj dbus.BusObject, name string) (string, error) {
	v, err := obj.GetProperty(sessionIfce + "." + name)
	if err != nil {
		return "", err
	}
	s, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("dbusutil: property %s is not a string", name)
	}
	return s, nil
}

func (w *Watcher) propUint32(obj dbus.BusObject, name string) (uint32, error) {
	v, err := obj.GetProperty(sessionIfce + "." + name)
	if err != nil {
		return 0, err
	}
	u, ok := v.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("dbusutil: property %s is not a uint32", name)
	}
	return u, nil
}

// userTupleUID decodes the (uid, path) struct shape some logind versions
// use for the Session.User property.
func (w *Watcher) userTupleUID(obj dbus.BusObject) (uint32, error) {
	v, err := obj.GetProperty(sessionIfce + ".User")
	if err != nil {
		return 0, err
	}
	tuple, ok := v.Value().([]interface{})
	if !ok || len(tuple) != 2 {
		return 0, fmt.Errorf("dbusutil: User property has unexpected shape %T", v.Value())
	}
	uid, ok := tuple[0].(uint32)
	if !ok {
		return 0, fmt.Errorf("dbusutil: User tuple uid is not a uint32")
	}
	return uid, nil
}

// LockEventFunc handles a LockEvent call reported by a user's desktop agent:
// sessionID is the logind session id, locked reports the new lock state,
// timestampUnix is the event time as a Unix epoch with fractional seconds,
// matching the agent's time.time() origin (spec.md §6's LockEvent channel).
type LockEventFunc func(sessionID, username string, locked bool, timestampUnix float64) error

// supervisorObject adapts a LockEventFunc to the method signature godbus's
// Export requires: ordinary Go arguments, a trailing *dbus.Error return.
type supervisorObject struct {
	handle LockEventFunc
}

// LockEvent is exposed on the bus as
// com.familyguardian.Supervisor.LockEvent(session_id, username, locked,
// timestamp) — spec.md §4.3's screen-lock accounting input.
func (o *supervisorObject) LockEvent(sessionID, username string, locked bool, timestampUnix float64) *dbus.Error {
	if err := o.handle(sessionID, username, locked, timestampUnix); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

// ExportSupervisor claims com.familyguardian.Supervisor on the shared bus
// connection and exports LockEvent, so every user's desktop agent can report
// lock/unlock transitions back to the daemon. Must be called once, before
// any agent attempts to call it.
func (w *Watcher) ExportSupervisor(handle LockEventFunc) error {
	obj := &supervisorObject{handle: handle}
	if err := w.conn.Export(obj, supervisorObjPath, supervisorIfce); err != nil {
		return fmt.Errorf("dbusutil: export supervisor object: %w", err)
	}
	reply, err := w.conn.RequestName(supervisorBusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("dbusutil: request name %s: %w", supervisorBusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("dbusutil: bus name %s already owned by another process", supervisorBusName)
	}
	return nil
}
