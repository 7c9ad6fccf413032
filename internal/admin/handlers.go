package admin

import (
	"errors"
	"fmt"

	"github.com/familyguardian/guardiand/internal/clock"
	"github.com/familyguardian/guardiand/internal/enforcer"
	"github.com/familyguardian/guardiand/internal/pam"
	"github.com/familyguardian/guardiand/internal/peercred"
	"github.com/familyguardian/guardiand/internal/policy"
	"github.com/familyguardian/guardiand/internal/store"
	"github.com/familyguardian/guardiand/internal/tracker"
)

// Rollover is the subset of Supervisor's lifecycle the admin surface needs:
// forcing the daily rollover out of band via reset_quota.
type Rollover interface {
	ForceRollover() error
}

// Deps bundles everything the command table needs to answer spec.md
// §4.7's admin commands.
type Deps struct {
	Store    store.Store
	Policy   *policy.Policy
	Tracker  *tracker.Tracker
	Enforcer *enforcer.Enforcer
	Pam      *pam.Writer
	Rollover Rollover
	Clock    clock.Clock // nil defaults to clock.Real{}
}

// commandDoc pairs a short description with the handler, mirroring the
// original ipc.py's docstring-driven describe_commands reflection — Go has
// no runtime docstrings, so the description is carried explicitly instead.
// requiresRoot marks commands that mutate daemon state; the transport layer
// also admits admin-group members, so the uid=0 check happens here, per
// command.
type commandDoc struct {
	description  string
	params       []string
	requiresRoot bool
	handler      Handler
}

// RegisterDefaultHandlers wires spec.md §4.7's full command table onto s,
// wrapping every root-only command with a uid check.
func RegisterDefaultHandlers(s *Server, d Deps) {
	table := defaultCommandTable(d)
	for name, doc := range table {
		s.Handle(name, guardRoot(doc))
	}
}

// guardRoot rejects a root-only command from a non-root caller before the
// underlying handler ever runs.
func guardRoot(doc commandDoc) Handler {
	if !doc.requiresRoot {
		return doc.handler
	}
	h := doc.handler
	return func(cred peercred.Cred, args map[string]interface{}) (interface{}, error) {
		if cred.UID != 0 {
			return nil, fmt.Errorf("requires root, caller uid %d", cred.UID)
		}
		return h(cred, args)
	}
}

func defaultCommandTable(d Deps) map[string]commandDoc {
	clk := d.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	table := map[string]commandDoc{
		"list_kids": {
			description: "Returns the list of all managed users.",
			handler: func(cred peercred.Cred, args map[string]interface{}) (interface{}, error) {
				usernames, err := d.Store.AllUsernames()
				if err != nil {
					return nil, fmt.Errorf("list_kids: %w", err)
				}
				return map[string]interface{}{"kids": usernames}, nil
			},
		},
		"get_quota": {
			description: "Returns a managed user's quota status.",
			params:      []string{"kid"},
			handler: func(cred peercred.Cred, args map[string]interface{}) (interface{}, error) {
				kid, ok := stringArg(args, "kid")
				if !ok {
					return nil, fmt.Errorf("get_quota: missing kid")
				}
				up := d.Policy.Current().Effective(kid)
				if !up.Monitored {
					return nil, fmt.Errorf("get_quota: unknown kid %q", kid)
				}
				used, err := d.Tracker.UsedMinutes(kid)
				if err != nil {
					return nil, fmt.Errorf("get_quota: %w", err)
				}
				remaining, err := d.Tracker.RemainingMinutes(kid)
				if err != nil {
					return nil, fmt.Errorf("get_quota: %w", err)
				}
				return map[string]interface{}{
					"kid":       kid,
					"used":      used,
					"limit":     up.DailyQuotaMinutes,
					"remaining": remaining,
				}, nil
			},
		},
		"get_curfew": {
			description: "Returns a managed user's curfew windows.",
			params:      []string{"kid"},
			handler: func(cred peercred.Cred, args map[string]interface{}) (interface{}, error) {
				kid, ok := stringArg(args, "kid")
				if !ok {
					return nil, fmt.Errorf("get_curfew: missing kid")
				}
				up := d.Policy.Current().Effective(kid)
				if !up.Monitored {
					return nil, fmt.Errorf("get_curfew: unknown kid %q", kid)
				}
				return map[string]interface{}{
					"kid":               kid,
					"curfew":            up.Curfew,
					"login_allowed_now": policy.InCurfew(clk.Now(), up.Curfew),
				}, nil
			},
		},
		"list_timers": {
			description: "Lists the daemon's scheduled rollover and reload triggers.",
			handler: func(cred peercred.Cred, args map[string]interface{}) (interface{}, error) {
				snap := d.Policy.Current()
				return map[string]interface{}{
					"timers": []string{"daily-rollover@" + snap.ResetTime, "policy-reload@5m"},
				}, nil
			},
		},
		"reload_timers": {
			description:  "Forces an immediate policy reload and PAM rule re-install.",
			requiresRoot: true,
			handler: func(cred peercred.Cred, args map[string]interface{}) (interface{}, error) {
				changed, _, _, err := d.Policy.Reload()
				if err != nil {
					return nil, fmt.Errorf("reload_timers: %w", err)
				}
				if d.Pam != nil {
					if err := d.Pam.Install(d.Policy.Current()); err != nil {
						return nil, fmt.Errorf("reload_timers: reinstall PAM rules: %w", err)
					}
				}
				return map[string]interface{}{"status": "reloaded", "changed": changed}, nil
			},
		},
		"reset_quota": {
			description:  "Forces an immediate daily rollover for every managed user.",
			requiresRoot: true,
			handler: func(cred peercred.Cred, args map[string]interface{}) (interface{}, error) {
				if d.Rollover == nil {
					return nil, fmt.Errorf("reset_quota: rollover not wired")
				}
				if err := d.Rollover.ForceRollover(); err != nil {
					return nil, fmt.Errorf("reset_quota: %w", err)
				}
				return map[string]interface{}{"status": "quota reset"}, nil
			},
		},
		"setup_user": {
			description:  "Initializes Store-side settings for a newly managed user.",
			params:       []string{"kid"},
			requiresRoot: true,
			handler: func(cred peercred.Cred, args map[string]interface{}) (interface{}, error) {
				kid, ok := stringArg(args, "kid")
				if !ok {
					return nil, fmt.Errorf("setup_user: missing kid")
				}
				if err := d.Store.SetUserSettings(kid, map[string]interface{}{}); err != nil {
					return nil, fmt.Errorf("setup_user: %w", err)
				}
				return map[string]interface{}{"status": "initialized", "kid": kid}, nil
			},
		},
		"add_user": {
			description:  "Adds a managed user with the given settings, persisted for the next sync.",
			params:       []string{"kid", "settings"},
			requiresRoot: true,
			handler: func(cred peercred.Cred, args map[string]interface{}) (interface{}, error) {
				kid, ok := stringArg(args, "kid")
				if !ok {
					return nil, fmt.Errorf("add_user: missing kid")
				}
				if err := policy.ValidateUsername(kid); err != nil {
					return nil, err
				}
				settings, _ := args["settings"].(map[string]interface{})
				if settings == nil {
					settings = map[string]interface{}{}
				}
				if err := d.Store.SetUserSettings(kid, settings); err != nil {
					return nil, fmt.Errorf("add_user: %w", err)
				}
				return map[string]interface{}{"status": "added", "kid": kid}, nil
			},
		},
		"sync_users_from_config": {
			description:  "Re-syncs every user_settings row from the current policy snapshot.",
			requiresRoot: true,
			handler: func(cred peercred.Cred, args map[string]interface{}) (interface{}, error) {
				snap := d.Policy.Current()
				defaults, users, err := d.Policy.RawForSync()
				if err != nil {
					return nil, fmt.Errorf("sync_users_from_config: %w", err)
				}
				var added, updated int
				for username := range snap.Users {
					if _, err := d.Store.GetUserSettings(username); err != nil {
						if errors.Is(err, store.ErrNotFound) {
							added++
							continue
						}
						return nil, fmt.Errorf("sync_users_from_config: %w", err)
					}
					updated++
				}
				if err := d.Store.SyncConfigToDB(defaults, users); err != nil {
					return nil, fmt.Errorf("sync_users_from_config: %w", err)
				}
				return map[string]interface{}{"added": added, "updated": updated}, nil
			},
		},
	}

	table["describe_commands"] = commandDoc{
		description: "Describes every available admin command and its parameters.",
		handler: func(cred peercred.Cred, args map[string]interface{}) (interface{}, error) {
			out := make(map[string]interface{}, len(table))
			for name, doc := range table {
				out[name] = map[string]interface{}{
					"description":   doc.description,
					"params":        doc.params,
					"requires_root": doc.requiresRoot,
				}
			}
			return out, nil
		},
	}
	return table
}

func stringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
