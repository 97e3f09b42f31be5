package paths

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHome_EnvOverride(t *testing.T) {
	t.Setenv("OPENPOCKET_HOME", "/custom/pocket")
	if got := Home(); got != "/custom/pocket" {
		t.Fatalf("Home() = %q", got)
	}
}

func TestHome_DefaultsUnderUserHome(t *testing.T) {
	t.Setenv("OPENPOCKET_HOME", "")
	got := Home()
	if filepath.Base(got) != ".openpocket" {
		t.Fatalf("Home() = %q, want .openpocket leaf", got)
	}
}

func TestResolve_CreatesSkeleton(t *testing.T) {
	home := t.TempDir()
	r, err := Resolve(home)
	if err != nil {
		t.Fatal(err)
	}
	if r.Home != home {
		t.Fatalf("Home = %q, want %q", r.Home, home)
	}
	for _, dir := range []string{
		r.State,
		filepath.Join(r.State, "screenshots"),
		filepath.Join(r.State, "human-auth-relay"),
		r.ArtifactDir(),
		r.SessionsDir(),
		r.MemoryDir(),
		filepath.Join(r.Workspace, "skills"),
		r.ScriptRunsDir(),
		filepath.Dir(r.CronJobsFile()),
		filepath.Join(home, "logs"),
	} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("missing %s: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}

func TestResolve_EmptyHomeHonorsEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("OPENPOCKET_HOME", home)
	r, err := Resolve("")
	if err != nil {
		t.Fatal(err)
	}
	if r.Home != home {
		t.Fatalf("Home = %q, want %q", r.Home, home)
	}
}

func TestDerivedPaths(t *testing.T) {
	r := Roots{Home: "/h", State: "/h/state", Workspace: "/h/workspace"}
	cases := []struct {
		got, want string
	}{
		{r.ScreenshotDir("s1"), "/h/state/screenshots/s1"},
		{r.SessionsDir(), "/h/workspace/sessions"},
		{r.MemoryDir(), "/h/workspace/memory"},
		{r.ScriptRunsDir(), "/h/workspace/scripts/runs"},
		{r.CronJobsFile(), "/h/workspace/cron/jobs.json"},
		{r.RelayStateFile(), "/h/state/human-auth-relay/requests.json"},
		{r.AuditDB(), "/h/state/audit.db"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("got %q, want %q", c.got, c.want)
		}
	}
}

func TestExpand(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no user home")
	}
	if got := Expand("~"); got != home {
		t.Errorf("Expand(~) = %q, want %q", got, home)
	}
	if got := Expand("~/x/y"); got != filepath.Join(home, "x", "y") {
		t.Errorf("Expand(~/x/y) = %q", got)
	}
	if got := Expand(""); got != "" {
		t.Errorf("Expand(\"\") = %q", got)
	}
	if got := Expand("/already/abs"); got != "/already/abs" {
		t.Errorf("Expand(abs) = %q", got)
	}
	got := Expand("rel/path")
	if !filepath.IsAbs(got) || !strings.HasSuffix(got, filepath.Join("rel", "path")) {
		t.Errorf("Expand(rel/path) = %q", got)
	}
}
