package doctor

import (
	"context"
	"testing"
	"time"

	"github.com/openpocket/openpocket/internal/config"
	"github.com/openpocket/openpocket/internal/paths"
)

func testRoots(t *testing.T) paths.Roots {
	t.Helper()
	home := t.TempDir()
	return paths.Roots{Home: home, State: home + "/state", Workspace: home + "/workspace"}
}

func TestCheckConfig_NilConfig(t *testing.T) {
	result := checkConfig(context.Background(), nil, paths.Roots{})
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", result.Status)
	}
}

func TestCheckConfig_MissingProfile(t *testing.T) {
	cfg := &config.Config{DefaultModel: "ghost"}
	result := checkConfig(context.Background(), cfg, testRoots(t))
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for unknown default model, got %s", result.Status)
	}
}

func TestCheckStateDirs_Writable(t *testing.T) {
	cfg := &config.Config{}
	result := checkStateDirs(context.Background(), cfg, testRoots(t))
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckDocker_SandboxDisabled(t *testing.T) {
	cfg := &config.Config{}
	result := checkDocker(context.Background(), cfg, paths.Roots{})
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP when sandbox disabled, got %s", result.Status)
	}
}

func TestCheckNetwork_NilConfig(t *testing.T) {
	result := checkNetwork(context.Background(), nil, paths.Roots{})
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckNetwork_DefaultHost(t *testing.T) {
	cfg := &config.Config{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := checkNetwork(ctx, cfg, paths.Roots{})
	if result.Name != "Network" {
		t.Fatalf("expected name Network, got %s", result.Name)
	}
	// Allow FAIL in offline environments.
	if result.Status != "PASS" && result.Status != "FAIL" {
		t.Fatalf("expected PASS or FAIL, got %s", result.Status)
	}
}

func TestRun_AllChecksNamed(t *testing.T) {
	cfg := &config.Config{}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	d := Run(ctx, cfg, testRoots(t), "test")
	if len(d.Results) != 7 {
		t.Fatalf("expected 7 check results, got %d", len(d.Results))
	}
	for _, r := range d.Results {
		if r.Name == "" || r.Status == "" {
			t.Fatalf("check result missing name or status: %+v", r)
		}
	}
}
