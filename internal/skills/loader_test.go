package skills

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSkill(t *testing.T, root, dir, frontmatter string) {
	t.Helper()
	skillDir := filepath.Join(root, dir)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := "---\n" + frontmatter + "\n---\n\nInstructions go here.\n"
	if err := os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_WorkspaceShadowsBundled(t *testing.T) {
	bundled := t.TempDir()
	workspace := t.TempDir()
	writeSkill(t, bundled, "maps", "id: maps\nname: Maps\ndescription: bundled maps skill")
	writeSkill(t, bundled, "alarm", "id: alarm\nname: Alarm\ndescription: set alarms")
	writeSkill(t, workspace, "maps", "id: maps\nname: Maps\ndescription: workspace override")

	loader := NewLoader(bundled, "", workspace, testLogger())
	got, err := loader.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d skills, want 2", len(got))
	}
	// Sorted by id: alarm then maps.
	if got[0].ID != "alarm" || got[1].ID != "maps" {
		t.Fatalf("ids = %s, %s", got[0].ID, got[1].ID)
	}
	if got[1].Source != "workspace" || got[1].Description != "workspace override" {
		t.Fatalf("maps = %+v, workspace copy must win", got[1])
	}
}

func TestLoad_SkipsBrokenSkill(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "good", "id: good\ndescription: works")
	// No frontmatter fences at all.
	broken := filepath.Join(root, "broken")
	if err := os.MkdirAll(broken, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(broken, "SKILL.md"), []byte("just markdown"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Directory without SKILL.md is also skipped.
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(root, "", "", testLogger())
	got, err := loader.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "good" {
		t.Fatalf("got %+v, want only the good skill", got)
	}
}

func TestLoad_MissingDirsAreEmpty(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope"), "", "", testLogger())
	got, err := loader.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d skills from a missing root", len(got))
	}
}

func TestLoad_FallbackIDFromDirName(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "Weather", "name: Weather\ndescription: check the forecast")

	loader := NewLoader(root, "", "", testLogger())
	got, err := loader.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "weather" {
		t.Fatalf("got %+v, want id derived from directory name", got)
	}
}

func TestCatalogPrompt(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "maps", "id: maps\nname: Maps\ndescription: find places")

	loader := NewLoader(root, "", "", testLogger())
	if loader.CatalogPrompt() != "" {
		t.Fatal("prompt must be empty before Load")
	}
	if _, err := loader.Load(); err != nil {
		t.Fatal(err)
	}
	prompt := loader.CatalogPrompt()
	if !strings.HasPrefix(prompt, "Available skills:\n") || !strings.Contains(prompt, "- Maps: find places") {
		t.Fatalf("prompt = %q", prompt)
	}
}

func TestParseSkillMD_Errors(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"no frontmatter", "plain markdown"},
		{"unterminated", "---\nid: x\n"},
		{"empty identity", "---\ndescription: only a description\n---\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := parseSkillMD([]byte(c.data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
