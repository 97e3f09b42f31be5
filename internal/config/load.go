package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/openpocket/openpocket/internal/operr"
	"github.com/openpocket/openpocket/internal/paths"
)

// Path returns the config file location: OPENPOCKET_CONFIG_PATH (alias
// OPENPOCKET_CONFIG) wins, otherwise <home>/config.json.
func Path(homeDir string) string {
	if p := os.Getenv("OPENPOCKET_CONFIG_PATH"); p != "" {
		return paths.Expand(p)
	}
	if p := os.Getenv("OPENPOCKET_CONFIG"); p != "" {
		return paths.Expand(p)
	}
	return filepath.Join(homeDir, "config.json")
}

// Load reads the config at path (or the default location when path is
// empty), migrates legacy keys, merges over defaults, clamps, and rewrites
// the file when the on-disk form was not canonical.
func Load(path string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = paths.Home()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, operr.Wrap(operr.KindConfigInvalid, fmt.Errorf("create home: %w", err))
	}
	if path == "" {
		path = Path(cfg.HomeDir)
	} else {
		path = paths.Expand(path)
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
		if err := normalize(&cfg); err != nil {
			return cfg, operr.Wrap(operr.KindConfigInvalid, err)
		}
		return cfg, nil
	}
	if err != nil {
		return cfg, operr.Wrap(operr.KindConfigInvalid, fmt.Errorf("read %s: %w", path, err))
	}

	raw, dirty, err := parseRaw(data)
	if err != nil {
		return cfg, operr.Wrap(operr.KindConfigInvalid, err)
	}

	canonical := canonicalizeKeys(raw)
	if !dirty {
		dirty = !mapsEqual(raw, canonical)
	}

	// Merge the parsed subset over defaults: re-marshal the canonical map and
	// unmarshal it onto the default-populated struct.
	merged, err := json.Marshal(canonical)
	if err != nil {
		return cfg, operr.Wrap(operr.KindConfigInvalid, err)
	}
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return cfg, operr.Wrap(operr.KindConfigInvalid, fmt.Errorf("merge config: %w", err))
	}
	if err := normalize(&cfg); err != nil {
		return cfg, operr.Wrap(operr.KindConfigInvalid, err)
	}

	if dirty {
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// parseRaw decodes the file into a generic map. Malformed JSON is repaired
// when possible; dirty reports whether the file needs rewriting.
func parseRaw(data []byte) (map[string]any, bool, error) {
	raw := map[string]any{}
	if len(data) == 0 {
		return raw, true, nil
	}
	if err := json.Unmarshal(data, &raw); err == nil {
		return raw, false, nil
	}
	fixed, err := jsonrepair.JSONRepair(string(data))
	if err != nil {
		return nil, false, fmt.Errorf("config is not valid JSON and could not be repaired: %w", err)
	}
	if err := json.Unmarshal([]byte(fixed), &raw); err != nil {
		return nil, false, fmt.Errorf("repaired config still invalid: %w", err)
	}
	return raw, true, nil
}

// Save writes the config atomically, pretty-printed with sorted keys.
func Save(path string, cfg Config) error {
	// Round-trip through a generic map so encoding/json sorts the keys.
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return operr.Wrap(operr.KindInternal, err)
	}
	var generic map[string]any
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return operr.Wrap(operr.KindInternal, err)
	}
	pretty, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return operr.Wrap(operr.KindInternal, err)
	}
	pretty = append(pretty, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return operr.Wrap(operr.KindConfigInvalid, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, pretty, 0o644); err != nil {
		return operr.Wrap(operr.KindConfigInvalid, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return operr.Wrap(operr.KindConfigInvalid, err)
	}
	return nil
}

// canonicalizeKeys rewrites snake_case legacy keys into camelCase,
// recursively. Values keyed by model names (inside "models") keep their
// spelling; only structural keys are migrated.
func canonicalizeKeys(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		ck := snakeToCamel(k)
		switch sub := v.(type) {
		case map[string]any:
			if ck == "models" {
				// Model names are user-chosen identifiers; canonicalize only
				// the profile fields beneath them.
				profiles := make(map[string]any, len(sub))
				for name, pv := range sub {
					if pm, ok := pv.(map[string]any); ok {
						profiles[name] = canonicalizeKeys(pm)
					} else {
						profiles[name] = pv
					}
				}
				out[ck] = profiles
			} else {
				out[ck] = canonicalizeKeys(sub)
			}
		default:
			out[ck] = v
		}
	}
	return out
}

func snakeToCamel(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	parts := strings.Split(s, "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(p)
			continue
		}
		// Keep initialisms the way the canonical keys spell them.
		switch strings.ToLower(p) {
		case "url":
			b.WriteString("Url")
		case "id":
			b.WriteString("Id")
		case "ids":
			b.WriteString("Ids")
		case "ms":
			b.WriteString("Ms")
		case "mb":
			b.WriteString("Mb")
		default:
			b.WriteString(strings.ToUpper(p[:1]) + p[1:])
		}
	}
	return b.String()
}

func mapsEqual(a, b map[string]any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
