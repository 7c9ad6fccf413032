// Package supervisor is guardiand's top-level component (C8): it opens the
// Store, loads the Policy, installs PAM rules, starts the session tracker,
// enforcer and admin surface, and runs the reload and daily-rollover loops
// for the lifetime of the process.
package supervisor

import (
	"context"
	"fmt"
	"os/user"
	"strconv"
	"sync"
	"time"

	"github.com/familyguardian/guardiand/internal/admin"
	"github.com/familyguardian/guardiand/internal/agent"
	"github.com/familyguardian/guardiand/internal/clock"
	"github.com/familyguardian/guardiand/internal/config"
	"github.com/familyguardian/guardiand/internal/dbusutil"
	"github.com/familyguardian/guardiand/internal/diag"
	"github.com/familyguardian/guardiand/internal/enforcer"
	"github.com/familyguardian/guardiand/internal/pam"
	"github.com/familyguardian/guardiand/internal/peercred"
	"github.com/familyguardian/guardiand/internal/policy"
	"github.com/familyguardian/guardiand/internal/store"
	"github.com/familyguardian/guardiand/internal/tracker"
	"github.com/familyguardian/guardiand/pkg/logger"
)

// reloadInterval is the periodic policy reload tick (spec.md §4.6); SIGHUP
// forces an immediate one out of band.
const reloadInterval = 5 * time.Minute

// tickInterval is how often the enforcer re-evaluates every managed user.
const tickInterval = 10 * time.Second


// Config is everything Supervisor needs to start.
type Config struct {
	ConfigPath     string
	OverridePath   string
	DiagEnabled    bool
	PamPath        string
	AdminSocket    string // overrides policy's ipc_socket when non-empty
}

// Supervisor owns every long-lived component and the three loops that keep
// them consistent with the policy and the calendar.
type Supervisor struct {
	cfg Config
	log logger.Logger

	store    store.Store
	policy   *policy.Policy
	clock    clock.Clock
	tracker  *tracker.Tracker
	enforcer *enforcer.Enforcer
	pam      *pam.Writer
	admin    *Server
	diag     *diag.Server
	watcher  *dbusutil.Watcher
	agents   *agent.Registry

	mu      sync.Mutex
	running bool
}

// Server is the subset of admin.Server's lifecycle Supervisor drives.
type Server = admin.Server

// New wires every component per Config, opening the Store and loading the
// Policy, but starting nothing yet — call Run for that.
func New(cfg Config, log logger.Logger) (*Supervisor, error) {
	if log == nil {
		log = logger.Noop()
	}

	pol, err := policy.New(cfg.ConfigPath, cfg.OverridePath, log.With("policy"))
	if err != nil {
		return nil, fmt.Errorf("supervisor: load policy: %w", err)
	}
	snap := pol.Current()

	st, err := store.Open(snap.DBPath, log.With("store"))
	if err != nil {
		return nil, fmt.Errorf("supervisor: open store: %w", err)
	}

	defaults, users, err := pol.RawForSync()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("supervisor: read config for sync: %w", err)
	}
	if err := st.SyncConfigToDB(defaults, users); err != nil {
		st.Close()
		return nil, fmt.Errorf("supervisor: initial config sync: %w", err)
	}

	clk := clock.Real{}
	tr := tracker.New(st, pol, clk, log.With("tracker"))

	pamWriter := pam.New(cfg.PamPath)
	if err := pamWriter.Install(pol.Current()); err != nil {
		st.Close()
		return nil, fmt.Errorf("supervisor: install PAM rules: %w", err)
	}

	conn, err := dbusutil.Connect()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("supervisor: connect system bus: %w", err)
	}

	if err := conn.ExportSupervisor(func(sessionID, username string, locked bool, timestampUnix float64) error {
		sec := int64(timestampUnix)
		nsec := int64((timestampUnix - float64(sec)) * float64(time.Second))
		return tr.HandleLockEvent(sessionID, username, locked, time.Unix(sec, nsec))
	}); err != nil {
		conn.Close()
		st.Close()
		return nil, fmt.Errorf("supervisor: export lock-event interface: %w", err)
	}

	agents := agent.New(conn.Conn(), log.With("agent"))
	platform := enforcer.NewPlatform()
	enf := enforcer.New(tr, pol, st, agents, platform, clk, log.With("enforcer"))

	adminGID, hasAdminGroup, err := resolveAdminGID(snap.AdminGroup)
	if err != nil {
		conn.Close()
		st.Close()
		return nil, fmt.Errorf("supervisor: resolve admin_group: %w", err)
	}

	socketPath := cfg.AdminSocket
	if socketPath == "" {
		socketPath = snap.IPCSocket
	}
	s := &Supervisor{cfg: cfg, log: log}
	adminSrv, err := admin.New(socketPath, newAdminAuth(adminGID, hasAdminGroup), log.With("admin"))
	if err != nil {
		conn.Close()
		st.Close()
		return nil, fmt.Errorf("supervisor: start admin socket: %w", err)
	}
	admin.RegisterDefaultHandlers(adminSrv, admin.Deps{
		Store:    st,
		Policy:   pol,
		Tracker:  tr,
		Enforcer: enf,
		Pam:      pamWriter,
		Rollover: s,
		Clock:    clk,
	})

	var diagSrv *diag.Server
	if cfg.DiagEnabled {
		diagSrv = diag.New(config.DefaultDiagAddr, tr, pol, log.With("diag"))
	}

	s.store = st
	s.policy = pol
	s.clock = clk
	s.tracker = tr
	s.enforcer = enf
	s.pam = pamWriter
	s.admin = adminSrv
	s.diag = diagSrv
	s.watcher = conn
	s.agents = agents
	return s, nil
}

// resolveAdminGID looks up groupName's numeric gid. An empty groupName means
// no group is configured, so adminAuth falls back to uid 0 only.
func resolveAdminGID(groupName string) (gid int, ok bool, err error) {
	if groupName == "" {
		return 0, false, nil
	}
	g, err := user.LookupGroup(groupName)
	if err != nil {
		return 0, false, fmt.Errorf("lookup group %q: %w", groupName, err)
	}
	gid, err = strconv.Atoi(g.Gid)
	if err != nil {
		return 0, false, fmt.Errorf("group %q has non-numeric gid %q: %w", groupName, g.Gid, err)
	}
	return gid, true, nil
}

// newAdminAuth rejects every admin-socket peer except uid 0 and members of
// the configured admin group (spec.md §4.7, and the testable property that
// zero bytes are read from any other peer before the connection closes).
// SO_PEERCRED only reports a peer's single (primary) gid, so membership here
// means the connecting process's primary group is the admin group, not full
// supplementary-group membership.
func newAdminAuth(adminGID int, hasAdminGroup bool) admin.AuthFunc {
	return func(cred peercred.Cred) error {
		if cred.UID == 0 {
			return nil
		}
		if hasAdminGroup && cred.GID == adminGID {
			return nil
		}
		return fmt.Errorf("peer uid=%d gid=%d is not root and not in the admin group", cred.UID, cred.GID)
	}
}

// Run starts the session watcher, enforcer tick loop, reload loop, daily
// rollover loop and admin/diag servers, blocking until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.recoveryCatchUp(); err != nil {
		s.log.Error("startup recovery catch-up failed", "err", err)
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); s.sessionLoop(ctx) }()
	go func() { defer wg.Done(); s.enforcer.Run(ctx, tickInterval) }()
	go func() { defer wg.Done(); s.reloadLoop(ctx) }()
	go func() { defer wg.Done(); s.rolloverLoop(ctx) }()

	if s.diag != nil {
		wg.Add(1)
		go func() { defer wg.Done(); s.diag.Run(ctx) }()
	}

	wg.Add(1)
	go func() { defer wg.Done(); s.admin.Run(ctx) }()

	<-ctx.Done()
	s.admin.Close()
	s.watcher.Close()
	wg.Wait()
	return s.store.Close()
}

// sessionLoop translates logind SessionNew/SessionRemoved signals into
// Tracker calls for the lifetime of ctx.
func (s *Supervisor) sessionLoop(ctx context.Context) {
	for sig := range s.watcher.Signals(ctx) {
		if sig.New {
			info, err := s.watcher.SessionInfo(sig.SessionObj)
			if err != nil {
				s.log.Warn("session info lookup failed", "platform_id", sig.PlatformID, "err", err)
				continue
			}
			ev := tracker.LoginEvent{
				PlatformID: sig.PlatformID,
				UID:        info.UID,
				Username:   info.Username,
				Desktop:    info.Desktop,
				Service:    info.Service,
				Class:      info.Class,
			}
			if err := s.tracker.HandleSessionNew(ev); err != nil {
				s.log.Error("handle session new failed", "platform_id", sig.PlatformID, "err", err)
			}
			continue
		}
		if err := s.tracker.HandleSessionRemoved(sig.PlatformID); err != nil {
			s.log.Error("handle session removed failed", "platform_id", sig.PlatformID, "err", err)
		}
	}
}

// reloadLoop reloads the policy on a fixed tick; SIGHUP-triggered reloads
// are wired by cmd/guardiand into the same Reload call.
func (s *Supervisor) reloadLoop(ctx context.Context) {
	t := time.NewTicker(reloadInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Reload()
		}
	}
}

// Reload re-reads the policy and, if content changed and validated, reinstalls
// PAM rules to match. A rejected reload rolls back to the previous snapshot
// entirely inside internal/policy; nothing here needs to undo anything.
func (s *Supervisor) Reload() {
	changed, _, _, err := s.policy.Reload()
	if err != nil {
		s.log.Error("policy reload rejected", "err", err)
		return
	}
	if !changed {
		return
	}
	if err := s.pam.Install(s.policy.Current()); err != nil {
		s.log.Error("reinstall PAM rules after reload failed", "err", err)
	}
	s.log.Info("policy reloaded")
}

// rolloverLoop checks once a minute whether the policy's reset_time has
// passed since the last recorded rollover, and runs the rollover once per
// reset date when it has.
func (s *Supervisor) rolloverLoop(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.maybeRollover()
		}
	}
}

func (s *Supervisor) maybeRollover() {
	now := s.clock.Now()
	boundary, err := tracker.LastResetBoundary(now, s.policy.Current().ResetTime)
	if err != nil {
		s.log.Error("compute reset boundary failed", "err", err)
		return
	}
	today := boundary.Format("2006-01-02")

	lastReset, err := s.store.LastResetDate()
	if err != nil {
		s.log.Error("read last reset date failed", "err", err)
		return
	}
	if lastReset == today {
		return
	}
	s.doRollover(today, boundary)
}

// recoveryCatchUp runs the rollover immediately at startup if the daemon
// was down across a reset boundary (spec.md §4.6's recovery note).
func (s *Supervisor) recoveryCatchUp() error {
	s.maybeRollover()
	return nil
}

// doRollover archives and clears every managed user's usage, resets
// in-memory session starts and per-tier notification history, records the
// new reset date, then triggers an immediate Enforcer tick per user so
// account-lock state is reconciled against the fresh quota right away —
// spec.md §4.6's four-step sequence. boundary is the reset instant itself;
// any session still open when it hits is re-homed to boundary's date rather
// than losing its tail when ArchiveAndClear deletes the day's rows.
func (s *Supervisor) doRollover(today string, boundary time.Time) {
	users := s.policy.Current().Users
	for username := range users {
		if err := s.store.ArchiveAndClear(username, today, boundary); err != nil {
			s.log.Error("archive and clear failed", "username", username, "err", err)
			continue
		}
		s.enforcer.CancelGrace(username)
		s.enforcer.ResetTierHistory(username)
	}
	s.tracker.ResetActiveStarts()
	if err := s.store.SetLastResetDate(today); err != nil {
		s.log.Error("set last reset date failed", "err", err)
		return
	}
	for username := range users {
		if err := s.enforcer.Tick(context.Background(), username); err != nil {
			s.log.Error("post-rollover enforcer tick failed", "username", username, "err", err)
		}
	}
	s.log.Info("daily rollover complete", "date", today)
}

// ForceRollover runs the daily rollover immediately for every managed user,
// computing today's accounting date from the current time and policy
// reset_time. It is the admin surface's reset_quota command (spec.md §4.7:
// "reset_quota | — | force daily rollover").
func (s *Supervisor) ForceRollover() error {
	now := s.clock.Now()
	boundary, err := tracker.LastResetBoundary(now, s.policy.Current().ResetTime)
	if err != nil {
		return fmt.Errorf("supervisor: compute reset boundary: %w", err)
	}
	s.doRollover(boundary.Format("2006-01-02"), boundary)
	return nil
}
