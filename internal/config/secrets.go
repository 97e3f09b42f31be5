package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/openpocket/openpocket/internal/operr"
)

// credentialFiles maps an apiKeyEnv name to a provider credential file that
// may hold the key when neither config nor environment does. The JSON field
// probed is the env var name itself.
var credentialFiles = map[string]string{
	"OPENAI_API_KEY":    filepath.Join(".codex", "auth.json"),
	"ANTHROPIC_API_KEY": filepath.Join(".anthropic", "credentials.json"),
}

// ResolveSecret returns the API key for a model profile. Precedence:
// in-config key, then the environment variable named by apiKeyEnv, then a
// provider-specific credential file. A missing secret is an error; it is
// surfaced at task admission, never swallowed.
func ResolveSecret(p ModelProfile) (string, error) {
	if strings.TrimSpace(p.APIKey) != "" {
		return p.APIKey, nil
	}
	if p.APIKeyEnv != "" {
		if v := os.Getenv(p.APIKeyEnv); v != "" {
			return v, nil
		}
		if v := credentialFileKey(p.APIKeyEnv); v != "" {
			return v, nil
		}
		return "", operr.New(operr.KindSecretMissing,
			"no API key for model %q: config apiKey empty and $%s unset", p.Model, p.APIKeyEnv)
	}
	return "", operr.New(operr.KindSecretMissing,
		"model %q has neither apiKey nor apiKeyEnv configured", p.Model)
}

func credentialFileKey(envName string) string {
	rel, ok := credentialFiles[envName]
	if !ok {
		return ""
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(home, rel))
	if err != nil {
		return ""
	}
	var blob map[string]any
	if err := json.Unmarshal(data, &blob); err != nil {
		return ""
	}
	if v, ok := blob[envName].(string); ok {
		return v
	}
	// Some credential files use a lowercase api_key field.
	if v, ok := blob["api_key"].(string); ok {
		return v
	}
	return ""
}
