// Package pam rewrites /etc/security/time.conf's login-time rules for
// managed users (spec.md §4.5, §6), the curfew enforcement surface: PAM
// refuses the login outright, the OS account lock is enforcer's job alone.
package pam

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/familyguardian/guardiand/internal/policy"
)

// managedHeader marks the start of guardiand's block. Removal and re-install
// drop this header and every "login;*;" line in the file, whatever user it
// names; all other lines are kept.
const managedHeader = "# Managed by guardian-daemon — do not edit below this line"

// Writer rewrites the PAM time.conf managed block from a policy Snapshot.
type Writer struct {
	path string
}

func New(path string) *Writer {
	if path == "" {
		path = "/etc/security/time.conf"
	}
	return &Writer{path: path}
}

// Install rewrites the managed block to exactly the curfew rules the
// snapshot's users imply. Every line that is neither the managed header nor
// a "login;*;" rule is kept byte-for-byte above it; "login;*;" lines for
// users outside the snapshot are removed as well.
func (w *Writer) Install(snap *policy.Snapshot) error {
	unmanaged, err := w.readUnmanagedLines()
	if err != nil {
		return err
	}
	rules := generateRules(snap)
	return w.writeAtomic(unmanaged, rules)
}

// Remove strips guardiand's managed block entirely, leaving only the
// lines that predate it.
func (w *Writer) Remove() error {
	unmanaged, err := w.readUnmanagedLines()
	if err != nil {
		return err
	}
	return w.writeAtomic(unmanaged, nil)
}

// readUnmanagedLines reads the existing file (if any) and strips
// guardiand's header and every rule line it owns ("login;*;..."),
// preserving everything else verbatim.
func (w *Writer) readUnmanagedLines() ([]string, error) {
	f, err := os.Open(w.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pam: open %s: %w", w.path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == managedHeader || strings.HasPrefix(line, "login;*;") {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("pam: read %s: %w", w.path, err)
	}
	return lines, nil
}

// generateRules produces one "login;*;<user>;<day>;<start>-<end>" rule per
// curfew day entry, across every managed user, in deterministic order.
func generateRules(snap *policy.Snapshot) []string {
	usernames := make([]string, 0, len(snap.Users))
	for u := range snap.Users {
		usernames = append(usernames, u)
	}
	sort.Strings(usernames)

	var rules []string
	for _, username := range usernames {
		up := snap.Users[username]
		days := make([]string, 0, len(up.Curfew))
		for day := range up.Curfew {
			days = append(days, day)
		}
		sort.Strings(days)
		for _, day := range days {
			rules = append(rules, fmt.Sprintf("login;*;%s;%s;%s", username, day, up.Curfew[day]))
		}
	}
	return rules
}

// writeAtomic writes unmanaged lines, the managed header (only when there
// are rules to follow), and rules to a temp file in the same directory,
// then renames it over the target — never leaving a half-written
// time.conf behind.
func (w *Writer) writeAtomic(unmanaged, rules []string) error {
	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, ".time.conf.guardiand-*")
	if err != nil {
		return fmt.Errorf("pam: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	bw := bufio.NewWriter(tmp)
	for _, line := range unmanaged {
		fmt.Fprintln(bw, line)
	}
	if len(rules) > 0 {
		fmt.Fprintln(bw, managedHeader)
		for _, rule := range rules {
			fmt.Fprintln(bw, rule)
		}
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("pam: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("pam: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("pam: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("pam: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("pam: rename into place: %w", err)
	}
	return nil
}
