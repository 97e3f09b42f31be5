// Package config loads, normalizes, and persists the canonical OpenPocket
// settings file. Keys are camelCase on disk; snake_case legacy keys are
// accepted on read and rewritten in canonical form.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/openpocket/openpocket/internal/paths"
)

// ModelProfile describes one OpenAI-compatible provider endpoint.
type ModelProfile struct {
	BaseURL         string   `json:"baseUrl"`
	Model           string   `json:"model"`
	APIKey          string   `json:"apiKey,omitempty"`
	APIKeyEnv       string   `json:"apiKeyEnv,omitempty"`
	MaxTokens       int      `json:"maxTokens,omitempty"`
	ReasoningEffort string   `json:"reasoningEffort,omitempty"` // low|medium|high|xhigh or empty
	Temperature     *float64 `json:"temperature,omitempty"`
}

// AgentConfig bounds the observe/plan/act loop.
type AgentConfig struct {
	MaxSteps               int      `json:"maxSteps"`
	LoopDelayMs            int      `json:"loopDelayMs"`
	Lang                   string   `json:"lang"`
	ProgressReportInterval int      `json:"progressReportInterval"`
	AdbFailureLimit        int      `json:"adbFailureLimit"`
	PermissionPackages     []string `json:"permissionPackages,omitempty"`
	ModelTimeoutSec        int      `json:"modelTimeoutSec"`
}

// EmulatorConfig selects and times the Android emulator lifecycle.
type EmulatorConfig struct {
	AvdName        string `json:"avdName,omitempty"`
	DeviceID       string `json:"deviceId,omitempty"`
	BootTimeoutSec int    `json:"bootTimeoutSec"`
}

// ScreenshotsConfig caps the retained screenshot directory.
type ScreenshotsConfig struct {
	MaxCount int `json:"maxCount"`
}

// ScriptExecutorConfig governs sandboxed shell evaluation.
type ScriptExecutorConfig struct {
	AllowedCommands []string `json:"allowedCommands"`
	TimeoutSec      int      `json:"timeoutSec"`
	MaxOutputChars  int      `json:"maxOutputChars"`
	Sandbox         bool     `json:"sandbox,omitempty"`
	SandboxImage    string   `json:"sandboxImage,omitempty"`
	SandboxMemoryMB int64    `json:"sandboxMemoryMb,omitempty"`
	SandboxNetwork  string   `json:"sandboxNetwork,omitempty"`
}

// TelegramConfig configures the chat gateway provider.
type TelegramConfig struct {
	Token          string  `json:"token,omitempty"`
	TokenEnv       string  `json:"tokenEnv,omitempty"`
	AllowedChatIDs []int64 `json:"allowedChatIds,omitempty"`
	PollTimeoutSec int     `json:"pollTimeoutSec"`
}

// HeartbeatConfig paces the periodic health snapshot.
type HeartbeatConfig struct {
	EverySec         int `json:"everySec"`
	StuckTaskWarnSec int `json:"stuckTaskWarnSec"`
}

// CronConfig paces the scheduler tick.
type CronConfig struct {
	TickSec int `json:"tickSec"`
}

// TunnelConfig controls the optional public-tunnel supervisor.
type TunnelConfig struct {
	Enabled           bool   `json:"enabled"`
	Binary            string `json:"binary,omitempty"`
	AuthtokenEnv      string `json:"authtokenEnv,omitempty"`
	StartupTimeoutSec int    `json:"startupTimeoutSec"`
}

// HumanAuthConfig couples the in-process bridge with the relay service.
type HumanAuthConfig struct {
	RelayBaseURL      string       `json:"relayBaseUrl,omitempty"`
	PublicBaseURL     string       `json:"publicBaseUrl,omitempty"`
	LocalRelayPort    int          `json:"localRelayPort"`
	RequestTimeoutSec int          `json:"requestTimeoutSec"`
	PollIntervalMs    int          `json:"pollIntervalMs"`
	APIKey            string       `json:"apiKey,omitempty"`
	APIKeyEnv         string       `json:"apiKeyEnv,omitempty"`
	Tunnel            TunnelConfig `json:"tunnel"`
}

// DashboardConfig binds the optional read-only dashboard API.
type DashboardConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Config is the canonical nested settings record.
type Config struct {
	HomeDir string `json:"-"`

	DefaultModel string                  `json:"defaultModel"`
	Models       map[string]ModelProfile `json:"models"`

	Agent          AgentConfig          `json:"agent"`
	Emulator       EmulatorConfig       `json:"emulator"`
	Screenshots    ScreenshotsConfig    `json:"screenshots"`
	ScriptExecutor ScriptExecutorConfig `json:"scriptExecutor"`
	Telegram       TelegramConfig       `json:"telegram"`
	Heartbeat      HeartbeatConfig      `json:"heartbeat"`
	Cron           CronConfig           `json:"cron"`
	HumanAuth      HumanAuthConfig      `json:"humanAuth"`
	Dashboard      DashboardConfig      `json:"dashboard"`
	LogLevel       string               `json:"logLevel"`
}

// defaultAllowedCommands is the starting command allowlist for scripts.
// Deliberately conservative: read-mostly tools plus adb.
var defaultAllowedCommands = []string{
	"adb", "echo", "printf", "cat", "head", "tail", "grep", "wc", "sort",
	"uniq", "cut", "tr", "date", "sleep", "ls", "find", "mkdir", "cp", "mv",
	"touch", "curl", "jq", "sed", "awk", "basename", "dirname", "env", "true",
}

// defaultPermissionPackages are foreground packages that indicate the device
// is showing a system permission dialog.
var defaultPermissionPackages = []string{
	"com.google.android.permissioncontroller",
	"com.android.permissioncontroller",
	"com.android.packageinstaller",
}

func defaultConfig() Config {
	return Config{
		DefaultModel: "gpt-4o-mini",
		Models: map[string]ModelProfile{
			"gpt-4o-mini": {
				BaseURL:   "https://api.openai.com/v1",
				Model:     "gpt-4o-mini",
				APIKeyEnv: "OPENAI_API_KEY",
				MaxTokens: 1024,
			},
		},
		Agent: AgentConfig{
			MaxSteps:               50,
			LoopDelayMs:            1200,
			Lang:                   "en",
			ProgressReportInterval: 5,
			AdbFailureLimit:        3,
			PermissionPackages:     defaultPermissionPackages,
			ModelTimeoutSec:        int((90 * time.Second).Seconds()),
		},
		Emulator: EmulatorConfig{
			BootTimeoutSec: 180,
		},
		Screenshots: ScreenshotsConfig{MaxCount: 200},
		ScriptExecutor: ScriptExecutorConfig{
			AllowedCommands: defaultAllowedCommands,
			TimeoutSec:      60,
			MaxOutputChars:  20000,
			SandboxImage:    "alpine:3.20",
			SandboxMemoryMB: 512,
			SandboxNetwork:  "none",
		},
		Telegram: TelegramConfig{
			TokenEnv:       "TELEGRAM_BOT_TOKEN",
			PollTimeoutSec: 50,
		},
		Heartbeat: HeartbeatConfig{EverySec: 60, StuckTaskWarnSec: 300},
		Cron:      CronConfig{TickSec: 30},
		HumanAuth: HumanAuthConfig{
			LocalRelayPort:    8787,
			RequestTimeoutSec: 300,
			PollIntervalMs:    1500,
			Tunnel: TunnelConfig{
				Binary:            "cloudflared",
				StartupTimeoutSec: 20,
			},
		},
		Dashboard: DashboardConfig{Host: "127.0.0.1", Port: 8710},
		LogLevel:  "info",
	}
}

// Profile resolves a named model profile. Unknown names fall back to the
// default model; the second return distinguishes an exact hit so callers can
// record a warning line.
func (c Config) Profile(name string) (ModelProfile, bool) {
	if name != "" {
		if p, ok := c.Models[name]; ok {
			return p, true
		}
	}
	return c.Models[c.DefaultModel], name == "" || name == c.DefaultModel
}

// TelegramToken resolves the bot token from config then env.
func (c Config) TelegramToken() string {
	if c.Telegram.Token != "" {
		return c.Telegram.Token
	}
	if c.Telegram.TokenEnv != "" {
		return os.Getenv(c.Telegram.TokenEnv)
	}
	return ""
}

// RelayAPIKey resolves the relay bearer token from config then env. Empty
// means unauthenticated mode.
func (c Config) RelayAPIKey() string {
	if c.HumanAuth.APIKey != "" {
		return c.HumanAuth.APIKey
	}
	if c.HumanAuth.APIKeyEnv != "" {
		return os.Getenv(c.HumanAuth.APIKeyEnv)
	}
	return ""
}

func normalize(cfg *Config) error {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultConfig().DefaultModel
	}
	if len(cfg.Models) == 0 {
		cfg.Models = defaultConfig().Models
	}
	if _, ok := cfg.Models[cfg.DefaultModel]; !ok {
		return fmt.Errorf("defaultModel %q is not defined in models", cfg.DefaultModel)
	}

	// The planner prompt corpus is English-only.
	cfg.Agent.Lang = "en"

	clampMin(&cfg.Agent.MaxSteps, 1)
	clampMin(&cfg.Agent.LoopDelayMs, 100)
	clampMin(&cfg.Agent.ProgressReportInterval, 1)
	clampMin(&cfg.Agent.AdbFailureLimit, 1)
	clampMin(&cfg.Agent.ModelTimeoutSec, 10)
	if len(cfg.Agent.PermissionPackages) == 0 {
		cfg.Agent.PermissionPackages = defaultPermissionPackages
	}

	clampMin(&cfg.Emulator.BootTimeoutSec, 30)
	clampMin(&cfg.Screenshots.MaxCount, 20)
	clampMin(&cfg.ScriptExecutor.TimeoutSec, 1)
	clampMin(&cfg.ScriptExecutor.MaxOutputChars, 1000)
	if len(cfg.ScriptExecutor.AllowedCommands) == 0 {
		cfg.ScriptExecutor.AllowedCommands = defaultAllowedCommands
	}
	clampMin(&cfg.Telegram.PollTimeoutSec, 1)
	clampMin(&cfg.Heartbeat.EverySec, 5)
	clampMin(&cfg.Heartbeat.StuckTaskWarnSec, 30)
	clampMin(&cfg.Cron.TickSec, 2)
	if cfg.HumanAuth.LocalRelayPort < 1 || cfg.HumanAuth.LocalRelayPort > 65535 {
		cfg.HumanAuth.LocalRelayPort = 8787
	}
	clampMin(&cfg.HumanAuth.RequestTimeoutSec, 30)
	clampMin(&cfg.HumanAuth.PollIntervalMs, 500)
	clampMin(&cfg.HumanAuth.Tunnel.StartupTimeoutSec, 3)
	if cfg.HumanAuth.Tunnel.Binary == "" {
		cfg.HumanAuth.Tunnel.Binary = "cloudflared"
	}
	if cfg.Dashboard.Host == "" {
		cfg.Dashboard.Host = "127.0.0.1"
	}
	if cfg.Dashboard.Port <= 0 || cfg.Dashboard.Port > 65535 {
		cfg.Dashboard.Port = 8710
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	// Absolutize any path-bearing fields.
	cfg.HomeDir = paths.Expand(cfg.HomeDir)
	if strings.TrimSpace(cfg.ScriptExecutor.SandboxImage) == "" {
		cfg.ScriptExecutor.SandboxImage = "alpine:3.20"
	}
	return nil
}

func clampMin(v *int, floor int) {
	if *v < floor {
		*v = floor
	}
}
