package policy

import (
	"crypto/sha256"
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/familyguardian/guardiand/pkg/logger"
)

// rawConfig mirrors the two-layer YAML schema described in spec.md §6's
// Configuration files table.
type rawConfig struct {
	DBPath     string                            `yaml:"db_path"`
	IPCSocket  string                            `yaml:"ipc_socket"`
	AdminGroup string                            `yaml:"admin_group"`
	ResetTime  string                            `yaml:"reset_time"`
	Timezone   string                            `yaml:"timezone"`
	Defaults   map[string]interface{}            `yaml:"defaults"`
	Users      map[string]map[string]interface{} `yaml:"users"`
	Logging    rawLogging                        `yaml:"logging"`
}

type rawLogging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Target string `yaml:"target"`
}

// Policy owns the current Snapshot and the reload mechanics described in
// spec.md §4.2/§4.6: re-parse, re-validate, atomically swap on success,
// roll back (keep the previous snapshot) on failure.
type Policy struct {
	defaultPath  string
	overridePath string
	current      atomic.Pointer[Snapshot]
	lastHash     [32]byte
	log          logger.Logger
}

// New loads defaultPath (required) merged with overridePath (optional,
// ignored if it does not exist), validates the result, and returns a Policy
// holding the first Snapshot. A failure here is fatal at startup per
// spec.md §7.
func New(defaultPath, overridePath string, log logger.Logger) (*Policy, error) {
	if log == nil {
		log = logger.Noop()
	}
	p := &Policy{defaultPath: defaultPath, overridePath: overridePath, log: log}
	snap, hash, _, _, err := p.parseAndValidate()
	if err != nil {
		return nil, err
	}
	p.current.Store(snap)
	p.lastHash = hash
	return p, nil
}

// Current returns the live Snapshot. Safe for concurrent readers; the
// returned pointer is never mutated, only replaced.
func (p *Policy) Current() *Snapshot {
	return p.current.Load()
}

// RawForSync returns the raw defaults/user maps needed by
// store.SyncConfigToDB, recomputed from the files currently on disk (not
// from the live Snapshot, so SyncConfigToDB always sees what Reload just
// validated).
func (p *Policy) RawForSync() (map[string]interface{}, map[string]map[string]interface{}, error) {
	_, _, defaults, users, err := p.parseAndValidate()
	return defaults, users, err
}

// Reload re-reads and re-validates the configuration files. On success it
// atomically swaps the snapshot and returns (true, newDefaults, newUsers,
// nil). If the files' content is unchanged it returns (false, nil, nil,
// nil). On validation failure it leaves the previous snapshot in place and
// returns (false, nil, nil, err) — spec.md §4.6, §8's all-or-nothing reload
// guarantee.
func (p *Policy) Reload() (changed bool, defaults map[string]interface{}, users map[string]map[string]interface{}, err error) {
	hash, hashErr := p.contentHash()
	if hashErr != nil {
		return false, nil, nil, hashErr
	}
	if hash == p.lastHash {
		return false, nil, nil, nil
	}

	snap, newHash, defs, usrs, err := p.parseAndValidate()
	if err != nil {
		p.log.Error("policy reload rejected, keeping previous snapshot", "error", err)
		return false, nil, nil, err
	}
	p.current.Store(snap)
	p.lastHash = newHash
	p.log.Info("policy reloaded", "reset_time", snap.ResetTime, "users", len(snap.Users))
	return true, defs, usrs, nil
}

func (p *Policy) contentHash() ([32]byte, error) {
	var buf []byte
	for _, path := range []string{p.defaultPath, p.overridePath} {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) && path == p.overridePath {
				continue
			}
			return [32]byte{}, fmt.Errorf("%w: read %s: %v", ErrConfigIo, path, err)
		}
		buf = append(buf, data...)
	}
	return sha256.Sum256(buf), nil
}

func (p *Policy) parseAndValidate() (*Snapshot, [32]byte, map[string]interface{}, map[string]map[string]interface{}, error) {
	merged, hash, err := p.loadMergedRaw()
	if err != nil {
		return nil, hash, nil, nil, err
	}
	snap, err := buildSnapshot(merged)
	if err != nil {
		return nil, hash, nil, nil, err
	}
	return snap, hash, merged.Defaults, merged.Users, nil
}

func (p *Policy) loadMergedRaw() (*rawConfig, [32]byte, error) {
	base, err := readRawConfig(p.defaultPath)
	if err != nil {
		return nil, [32]byte{}, fmt.Errorf("%w: load default config: %v", ErrConfigIo, err)
	}
	if p.overridePath != "" {
		if _, statErr := os.Stat(p.overridePath); statErr == nil {
			override, err := readRawConfig(p.overridePath)
			if err != nil {
				return nil, [32]byte{}, fmt.Errorf("%w: load override config: %v", ErrConfigIo, err)
			}
			mergeRawConfig(base, override)
		}
	}
	hash, err := p.contentHash()
	if err != nil {
		return nil, [32]byte{}, err
	}
	return base, hash, nil
}

func readRawConfig(path string) (*rawConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, newErr(MissingRequired, path, "configuration file is empty")
	}
	var cfg rawConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, newErr(BadType, path, err.Error())
	}
	if cfg.Defaults == nil {
		cfg.Defaults = map[string]interface{}{}
	}
	if cfg.Users == nil {
		cfg.Users = map[string]map[string]interface{}{}
	}
	return &cfg, nil
}

// mergeRawConfig merges override into base in place: top-level scalars
// replace; defaults and each user's map merge one level deep, so an override
// key (including a nested map such as curfew) replaces the base value whole.
func mergeRawConfig(base, override *rawConfig) {
	if override.DBPath != "" {
		base.DBPath = override.DBPath
	}
	if override.IPCSocket != "" {
		base.IPCSocket = override.IPCSocket
	}
	if override.AdminGroup != "" {
		base.AdminGroup = override.AdminGroup
	}
	if override.ResetTime != "" {
		base.ResetTime = override.ResetTime
	}
	if override.Timezone != "" {
		base.Timezone = override.Timezone
	}
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}
	if override.Logging.Target != "" {
		base.Logging.Target = override.Logging.Target
	}
	for k, v := range override.Defaults {
		base.Defaults[k] = v
	}
	for username, settings := range override.Users {
		if existing, ok := base.Users[username]; ok {
			for k, v := range settings {
				existing[k] = v
			}
		} else {
			base.Users[username] = settings
		}
	}
}
