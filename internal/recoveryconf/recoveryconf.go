// Package recoveryconf implements the autofollow action: rewriting a
// standby's recovery.conf to point primary_conninfo at a newly promoted
// master and restarting PostgreSQL, grounded on
// modify_recovery_conf_to_point_at_new_master_host /
// start_following_new_master.
package recoveryconf

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/willibrandon/pgward/internal/dsn"
	"github.com/willibrandon/pgward/internal/execcommand"
	"github.com/willibrandon/pgward/internal/logger"
)

// Follower rewrites recoveryConfPath and restarts PostgreSQL when the
// master this standby should follow changes.
type Follower struct {
	recoveryConfPath string
	template         string
	pgStartCommand   string
	pgStopCommand    string
}

// New returns a Follower. template is the operator-supplied
// primary_conninfo_template connection string; host is overridden per call
// to Follow.
func New(recoveryConfPath, template, pgStartCommand, pgStopCommand string) *Follower {
	return &Follower{
		recoveryConfPath: recoveryConfPath,
		template:         template,
		pgStartCommand:   pgStartCommand,
		pgStopCommand:    pgStopCommand,
	}
}

// Follow rewrites recovery.conf to point at newMasterHost and, if that
// actually changed anything, stops and restarts PostgreSQL so the new
// configuration takes effect.
func (f *Follower) Follow(ctx context.Context, newMasterHost string) error {
	changed, err := f.rewrite(newMasterHost)
	if err != nil {
		return fmt.Errorf("recoveryconf: rewriting recovery.conf for %s: %w", newMasterHost, err)
	}
	if !changed {
		logger.Info("already following new master, no restart needed", "master", newMasterHost)
		return nil
	}

	logger.Info("following new master, restarting PostgreSQL", "master", newMasterHost)
	if f.pgStopCommand != "" {
		if res, err := execcommand.Run(ctx, f.pgStopCommand); err != nil {
			logger.Warn("pg_stop_command failed", "error", err, "output", res.Output)
		}
	}
	if f.pgStartCommand != "" {
		if res, err := execcommand.Run(ctx, f.pgStartCommand); err != nil {
			logger.Warn("pg_start_command failed", "error", err, "output", res.Output)
		}
	}
	return nil
}

// rewrite replaces any existing primary_conninfo (and ensures a
// recovery_target_timeline) in recoveryConfPath, returning false without
// touching the file when the effective connection info already matches.
func (f *Follower) rewrite(newMasterHost string) (bool, error) {
	templateFields, err := dsn.Parse(f.template)
	if err != nil {
		return false, fmt.Errorf("parsing primary_conninfo_template: %w", err)
	}
	newConnInfo := make(map[string]string, len(templateFields)+1)
	for k, v := range templateFields {
		newConnInfo[k] = v
	}
	newConnInfo["host"] = newMasterHost

	oldContent, err := os.ReadFile(f.recoveryConfPath)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}

	var kept []string
	hasTimeline := false
	var oldConnInfo map[string]string
	for _, line := range strings.Split(string(oldContent), "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "recovery_target_timeline"):
			hasTimeline = true
			kept = append(kept, line)
		case strings.HasPrefix(trimmed, "primary_conninfo"):
			if _, val, ok := strings.Cut(trimmed, "="); ok {
				if parsed, perr := dsn.Parse(unquoteConfValue(strings.TrimSpace(val))); perr == nil {
					oldConnInfo = parsed
				}
			}
			// dropped: replaced below with the freshly computed value
		default:
			kept = append(kept, line)
		}
	}

	if hasTimeline && sameConnInfo(oldConnInfo, newConnInfo) {
		return false, nil
	}

	header := fmt.Sprintf("# pgward updated primary_conninfo for host %s at %s", newMasterHost, time.Now().UTC().Format(time.RFC3339))
	out := append([]string{header}, kept...)
	out = append(out, fmt.Sprintf("primary_conninfo = %s", quoteConfValue(dsn.Format(newConnInfo))))
	if !hasTimeline {
		out = append(out, "recovery_target_timeline = 'latest'")
	}

	tmpPath := f.recoveryConfPath + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(strings.Join(out, "\n")+"\n"), 0o644); err != nil {
		return false, err
	}
	return true, os.Rename(tmpPath, f.recoveryConfPath)
}

func sameConnInfo(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func quoteConfValue(s string) string {
	escaped := strings.ReplaceAll(s, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `'`, `\'`)
	return "'" + escaped + "'"
}

func unquoteConfValue(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		inner := s[1 : len(s)-1]
		inner = strings.ReplaceAll(inner, `\'`, `'`)
		inner = strings.ReplaceAll(inner, `\\`, `\`)
		return inner
	}
	return s
}
