package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/openpocket/openpocket/internal/config"
	"github.com/openpocket/openpocket/internal/paths"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, roots paths.Roots, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config, paths.Roots) CheckResult{
		checkConfig,
		checkModelSecret,
		checkTelegramToken,
		checkStateDirs,
		checkAndroidTools,
		checkDocker,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg, roots))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config, roots paths.Roots) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.DefaultModel == "" {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No default model configured", Detail: "Run `openpocket onboard` or set default_model in config.json"}
	}
	if _, ok := cfg.Profile(cfg.DefaultModel); !ok {
		return CheckResult{Name: "Config", Status: "FAIL", Message: fmt.Sprintf("Default model %q has no profile", cfg.DefaultModel)}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", roots.Home)}
}

func checkModelSecret(_ context.Context, cfg *config.Config, _ paths.Roots) CheckResult {
	if cfg == nil || cfg.DefaultModel == "" {
		return CheckResult{Name: "Model Secret", Status: "SKIP", Message: "No default model"}
	}
	profile, ok := cfg.Profile(cfg.DefaultModel)
	if !ok {
		return CheckResult{Name: "Model Secret", Status: "SKIP", Message: "Default model profile missing"}
	}
	if _, err := config.ResolveSecret(profile); err != nil {
		return CheckResult{
			Name:    "Model Secret",
			Status:  "FAIL",
			Message: fmt.Sprintf("No credential for model %q", cfg.DefaultModel),
			Detail:  err.Error(),
		}
	}
	return CheckResult{Name: "Model Secret", Status: "PASS", Message: fmt.Sprintf("Credential resolved for %q", cfg.DefaultModel)}
}

func checkTelegramToken(_ context.Context, cfg *config.Config, _ paths.Roots) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.TelegramToken() == "" {
		return CheckResult{
			Name:    "Telegram",
			Status:  "WARN",
			Message: "Bot token not set",
			Detail:  "Run `openpocket telegram setup` or set TELEGRAM_BOT_TOKEN",
		}
	}
	return CheckResult{Name: "Telegram", Status: "PASS", Message: "Bot token present"}
}

func checkStateDirs(_ context.Context, cfg *config.Config, roots paths.Roots) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "State Dirs", Status: "SKIP", Message: "Config missing"}
	}
	for _, dir := range []string{roots.State, roots.Workspace} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "State Dirs", Status: "FAIL", Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		probe := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "State Dirs", Status: "FAIL", Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		os.Remove(probe)
	}
	return CheckResult{Name: "State Dirs", Status: "PASS", Message: "State and workspace directories writable"}
}

func checkAndroidTools(ctx context.Context, cfg *config.Config, _ paths.Roots) CheckResult {
	var details []string
	status := "PASS"

	adbBin := "adb"
	if _, err := exec.LookPath(adbBin); err != nil {
		details = append(details, "adb: missing from PATH")
		status = "FAIL"
	} else {
		out, err := exec.CommandContext(ctx, adbBin, "devices").Output()
		switch {
		case err != nil:
			details = append(details, fmt.Sprintf("adb: found but `adb devices` failed (%v)", err))
			status = "WARN"
		case strings.Count(string(out), "\tdevice") == 0:
			details = append(details, "adb: ok, no device attached")
			if status == "PASS" {
				status = "WARN"
			}
		default:
			details = append(details, "adb: ok, device attached")
		}
	}

	if _, err := exec.LookPath("emulator"); err != nil {
		details = append(details, "emulator: missing (emulator start will fail)")
		if status == "PASS" {
			status = "WARN"
		}
	} else {
		details = append(details, "emulator: ok")
	}

	return CheckResult{
		Name:    "Android Tools",
		Status:  status,
		Message: fmt.Sprintf("Checked %d tools", 2),
		Detail:  strings.Join(details, "; "),
	}
}

func checkDocker(ctx context.Context, cfg *config.Config, _ paths.Roots) CheckResult {
	if cfg == nil || !cfg.ScriptExecutor.Sandbox {
		return CheckResult{Name: "Docker", Status: "SKIP", Message: "Script sandbox disabled"}
	}
	if _, err := exec.LookPath("docker"); err != nil {
		return CheckResult{Name: "Docker", Status: "FAIL", Message: "docker missing (required for script sandbox)"}
	}
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		return CheckResult{Name: "Docker", Status: "FAIL", Message: fmt.Sprintf("docker daemon unreachable (%v)", err)}
	}
	return CheckResult{Name: "Docker", Status: "PASS", Message: "Docker daemon reachable"}
}

func checkNetwork(ctx context.Context, cfg *config.Config, _ paths.Roots) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	host := "api.telegram.org"
	if cfg.DefaultModel != "" {
		if profile, ok := cfg.Profile(cfg.DefaultModel); ok && profile.BaseURL != "" {
			if u := strings.TrimPrefix(strings.TrimPrefix(profile.BaseURL, "https://"), "http://"); u != "" {
				host = strings.SplitN(u, "/", 2)[0]
				if h, _, err := net.SplitHostPort(host); err == nil {
					host = h
				}
			}
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup for %s failed: %v", host, err),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("Resolved %s in %s", host, time.Since(start).Round(time.Millisecond)),
		Detail:  fmt.Sprintf("%d addresses", len(addrs)),
	}
}
