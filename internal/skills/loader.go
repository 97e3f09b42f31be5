// Package skills enumerates named skill descriptions from the workspace,
// local, and bundled locations. Skills are declarative capability
// descriptions visible to the planner, not executable plugins.
package skills

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// maxSkillFileSize bounds a SKILL.md file (1 MiB).
const maxSkillFileSize = 1 << 20

// Skill is one loaded capability description.
type Skill struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Source      string `yaml:"-"` // "bundled", "local", "workspace"
	Path        string `yaml:"-"`
}

// Loader scans the three skill roots with workspace > local > bundled
// precedence by skill id.
type Loader struct {
	bundledDir   string
	localDir     string
	workspaceDir string
	logger       *slog.Logger

	mu     sync.RWMutex
	cached []Skill
}

// NewLoader creates a Loader over the three roots; any may be empty.
func NewLoader(bundledDir, localDir, workspaceDir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		bundledDir:   bundledDir,
		localDir:     localDir,
		workspaceDir: workspaceDir,
		logger:       logger,
	}
}

// Load scans all roots, later sources overriding earlier ones by id, and
// refreshes the cached catalog.
func (l *Loader) Load() ([]Skill, error) {
	type scanSpec struct {
		dir    string
		source string
	}
	// Order matters: later specs shadow earlier ones.
	specs := []scanSpec{
		{l.bundledDir, "bundled"},
		{l.localDir, "local"},
		{l.workspaceDir, "workspace"},
	}

	byID := map[string]Skill{}
	for _, spec := range specs {
		if strings.TrimSpace(spec.dir) == "" {
			continue
		}
		entries, err := os.ReadDir(spec.dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read skills dir %s: %w", spec.dir, err)
		}
		for _, ent := range entries {
			if !ent.IsDir() {
				continue
			}
			dir := filepath.Join(spec.dir, ent.Name())
			skill, err := loadOne(dir, ent.Name(), spec.source)
			if err != nil {
				l.logger.Warn("skipping unreadable skill", "dir", dir, "error", err)
				continue
			}
			if prev, ok := byID[skill.ID]; ok {
				l.logger.Debug("skill shadowed", "id", skill.ID, "loser", prev.Source, "winner", spec.source)
			}
			byID[skill.ID] = skill
		}
	}

	out := make([]Skill, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	l.mu.Lock()
	l.cached = out
	l.mu.Unlock()
	return out, nil
}

// Catalog returns the last loaded skill set without rescanning.
func (l *Loader) Catalog() []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Skill, len(l.cached))
	copy(out, l.cached)
	return out
}

// CatalogPrompt renders the skills as a system-prompt section.
func (l *Loader) CatalogPrompt() string {
	skills := l.Catalog()
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available skills:\n")
	for _, s := range skills {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
	}
	return b.String()
}

func loadOne(dir, fallbackID, source string) (Skill, error) {
	path := filepath.Join(dir, "SKILL.md")
	fi, err := os.Stat(path)
	if err != nil {
		return Skill{}, err
	}
	if fi.Size() > maxSkillFileSize {
		return Skill{}, fmt.Errorf("SKILL.md too large: %d bytes", fi.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Skill{}, err
	}
	skill, err := parseSkillMD(data)
	if err != nil {
		return Skill{}, err
	}
	if skill.ID == "" {
		skill.ID = strings.ToLower(fallbackID)
	}
	if skill.Name == "" {
		skill.Name = skill.ID
	}
	skill.Source = source
	skill.Path = dir
	return skill, nil
}

// parseSkillMD reads the YAML frontmatter between --- fences; the markdown
// body is ignored for catalog purposes.
func parseSkillMD(data []byte) (Skill, error) {
	var skill Skill
	trimmed := bytes.TrimLeft(data, "\n\r\t ")
	if !bytes.HasPrefix(trimmed, []byte("---")) {
		return skill, fmt.Errorf("missing frontmatter")
	}
	rest := trimmed[3:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return skill, fmt.Errorf("unterminated frontmatter")
	}
	if err := yaml.Unmarshal(rest[:end], &skill); err != nil {
		return skill, fmt.Errorf("parse frontmatter: %w", err)
	}
	skill.ID = strings.ToLower(strings.TrimSpace(skill.ID))
	skill.Name = strings.TrimSpace(skill.Name)
	skill.Description = strings.TrimSpace(skill.Description)
	if skill.Name == "" && skill.ID == "" {
		return skill, fmt.Errorf("skill has neither id nor name")
	}
	return skill, nil
}
