// Package paths resolves the OpenPocket home, state, and workspace roots and
// lays out the per-task file structure under them.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Roots holds the resolved directory layout for a runtime instance.
type Roots struct {
	Home      string // ~/.openpocket or $OPENPOCKET_HOME
	State     string // <home>/state
	Workspace string // <home>/workspace
}

// Home returns the OpenPocket home directory, honoring OPENPOCKET_HOME.
func Home() string {
	if override := os.Getenv("OPENPOCKET_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".openpocket")
}

// Resolve builds the Roots for the given home directory and creates the
// directory skeleton. An empty home resolves via Home().
func Resolve(home string) (Roots, error) {
	if home == "" {
		home = Home()
	}
	home = Expand(home)
	r := Roots{
		Home:      home,
		State:     filepath.Join(home, "state"),
		Workspace: filepath.Join(home, "workspace"),
	}
	for _, dir := range []string{
		r.Home,
		r.State,
		filepath.Join(r.State, "screenshots"),
		filepath.Join(r.State, "human-auth-relay"),
		filepath.Join(r.State, "human-auth-artifacts"),
		filepath.Join(r.Workspace, "sessions"),
		filepath.Join(r.Workspace, "memory"),
		filepath.Join(r.Workspace, "skills"),
		filepath.Join(r.Workspace, "scripts", "runs"),
		filepath.Join(r.Workspace, "cron"),
		filepath.Join(r.Home, "logs"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return r, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return r, nil
}

// ScreenshotDir returns the per-session screenshot directory.
func (r Roots) ScreenshotDir(sessionID string) string {
	return filepath.Join(r.State, "screenshots", sessionID)
}

// SessionsDir returns the directory holding per-task session files.
func (r Roots) SessionsDir() string {
	return filepath.Join(r.Workspace, "sessions")
}

// MemoryDir returns the directory holding per-day memory files.
func (r Roots) MemoryDir() string {
	return filepath.Join(r.Workspace, "memory")
}

// ScriptRunsDir returns the directory holding archived script runs.
func (r Roots) ScriptRunsDir() string {
	return filepath.Join(r.Workspace, "scripts", "runs")
}

// CronJobsFile returns the path of the cron jobs definition file.
func (r Roots) CronJobsFile() string {
	return filepath.Join(r.Workspace, "cron", "jobs.json")
}

// RelayStateFile returns the default relay server state file.
func (r Roots) RelayStateFile() string {
	return filepath.Join(r.State, "human-auth-relay", "requests.json")
}

// ArtifactDir returns the directory where relay-delivered artifacts land.
func (r Roots) ArtifactDir() string {
	return filepath.Join(r.State, "human-auth-artifacts")
}

// AuditDB returns the sqlite audit database path.
func (r Roots) AuditDB() string {
	return filepath.Join(r.State, "audit.db")
}

// PermissionTestAPK is where the bundled permission-exercise APK is unpacked.
func (r Roots) PermissionTestAPK() string {
	return filepath.Join(r.Home, "permission-test.apk")
}

// Expand resolves a leading ~ to the user home directory and absolutizes
// the result. Paths that cannot be absolutized are returned cleaned.
func Expand(p string) string {
	if p == "" {
		return p
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}
