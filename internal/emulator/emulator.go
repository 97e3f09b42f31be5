// Package emulator manages the local Android emulator lifecycle: start with
// boot polling, stop, window visibility, and AVD listing.
package emulator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/openpocket/openpocket/internal/adb"
	"github.com/openpocket/openpocket/internal/config"
	"github.com/openpocket/openpocket/internal/operr"
)

// Manager owns emulator process lifecycle for the configured AVD.
type Manager struct {
	cfg    config.EmulatorConfig
	client *adb.Client
	logger *slog.Logger

	// launch starts the emulator process detached; injectable for tests.
	launch func(avd string) error
	// listAvds enumerates installed AVDs; injectable for tests.
	listAvds func(ctx context.Context) ([]string, error)
}

// NewManager creates a Manager over an adb client.
func NewManager(cfg config.EmulatorConfig, client *adb.Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{cfg: cfg, client: client, logger: logger}
	m.launch = m.launchProcess
	m.listAvds = m.listAvdsExec
	return m
}

// Status reports the configured AVD plus attached and booted devices.
type Status struct {
	AvdName       string   `json:"avdName"`
	Devices       []string `json:"devices"`
	BootedDevices []string `json:"bootedDevices"`
}

// Status lists devices and classifies booted ones.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	st := Status{AvdName: m.cfg.AvdName}
	devices, err := m.client.Devices(ctx)
	if err != nil {
		return st, err
	}
	for _, d := range devices {
		st.Devices = append(st.Devices, d.ID)
		if d.Booted {
			st.BootedDevices = append(st.BootedDevices, d.ID)
		}
	}
	return st, nil
}

// Start launches the configured AVD detached and, when wait is true, polls
// until a device reports boot completion or the configured timeout elapses.
// Start is idempotent when a device is already booted.
func (m *Manager) Start(ctx context.Context, wait bool) (string, error) {
	st, err := m.Status(ctx)
	if err == nil && len(st.BootedDevices) > 0 {
		return fmt.Sprintf("Emulator already running (booted: %s)", strings.Join(st.BootedDevices, ", ")), nil
	}

	avd := m.cfg.AvdName
	if avd == "" {
		avds, err := m.listAvds(ctx)
		if err != nil || len(avds) == 0 {
			return "", operr.New(operr.KindDeviceUnavailable, "no AVD configured and none installed")
		}
		avd = avds[0]
	}

	m.logger.Info("starting emulator", "avd", avd, "wait", wait)
	if err := m.launch(avd); err != nil {
		return "", operr.Wrap(operr.KindDeviceUnavailable, err)
	}
	if !wait {
		return fmt.Sprintf("Emulator %s launching in background", avd), nil
	}

	deadline := time.Now().Add(time.Duration(m.cfg.BootTimeoutSec) * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", operr.Wrap(operr.KindCancelled, ctx.Err())
		case <-time.After(3 * time.Second):
		}
		st, err := m.Status(ctx)
		if err != nil {
			continue
		}
		if len(st.BootedDevices) > 0 {
			return fmt.Sprintf("Emulator %s booted (device %s)", avd, st.BootedDevices[0]), nil
		}
	}
	return "", operr.New(operr.KindDeviceUnavailable,
		"emulator %s did not boot within %ds", avd, m.cfg.BootTimeoutSec)
}

// Stop sends the console kill command to every online emulator device.
func (m *Manager) Stop(ctx context.Context) error {
	st, err := m.Status(ctx)
	if err != nil {
		return err
	}
	var lastErr error
	for _, id := range st.Devices {
		if !strings.HasPrefix(id, "emulator-") {
			continue
		}
		if _, err := m.client.Shell(ctx, id, "reboot -p"); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// HideWindow and ShowWindow toggle the emulator window through the console.
func (m *Manager) HideWindow(ctx context.Context) error { return m.windowCommand(ctx, "hide") }
func (m *Manager) ShowWindow(ctx context.Context) error { return m.windowCommand(ctx, "show") }

func (m *Manager) windowCommand(ctx context.Context, verb string) error {
	id, err := m.client.ResolveDevice(ctx, m.cfg.DeviceID)
	if err != nil {
		return err
	}
	// The emulator console exposes window control on emulator-* devices only.
	if !strings.HasPrefix(id, "emulator-") {
		return operr.New(operr.KindDeviceUnavailable, "%s is not an emulator device", id)
	}
	_, err = m.client.Shell(ctx, id, "cmd window "+verb)
	return err
}

// ListAvds enumerates installed AVD names.
func (m *Manager) ListAvds(ctx context.Context) ([]string, error) {
	return m.listAvds(ctx)
}

func (m *Manager) listAvdsExec(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, emulatorBinary(), "-list-avds")
	out, err := cmd.Output()
	if err != nil {
		return nil, operr.New(operr.KindDeviceUnavailable, "emulator -list-avds: %v", err)
	}
	var avds []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		// Newer SDKs print an INFO banner before the list.
		if line == "" || strings.HasPrefix(line, "INFO") {
			continue
		}
		avds = append(avds, line)
	}
	return avds, nil
}

func (m *Manager) launchProcess(avd string) error {
	cmd := exec.Command(emulatorBinary(), "-avd", avd, "-no-snapshot-save", "-no-boot-anim")
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch emulator: %w", err)
	}
	// Detach: the emulator outlives the gateway process.
	go func() { _ = cmd.Wait() }()
	return nil
}

func emulatorBinary() string {
	if sdk := os.Getenv("ANDROID_SDK_ROOT"); sdk != "" {
		candidate := filepath.Join(sdk, "emulator", "emulator")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return "emulator"
}
