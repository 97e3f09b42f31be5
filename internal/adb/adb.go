// Package adb wraps the Android Debug Bridge binary: device selection,
// screenshots, and input primitives. All invocations for a given device are
// serialized behind a per-device mutex so concurrent callers never interleave
// input events.
package adb

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/openpocket/openpocket/internal/operr"
)

const (
	commandTimeout = 30 * time.Second
	maxStderr      = 2 * 1024
)

// Runner executes an adb invocation and returns raw stdout/stderr. It exists
// so tests can substitute a fake without a device attached.
type Runner func(ctx context.Context, args ...string) (stdout, stderr []byte, err error)

// Client invokes adb with device selection rules.
type Client struct {
	binary   string
	pinned   string // config-pinned device id, may be empty
	run      Runner
	locksMu  sync.Mutex
	devLocks map[string]*sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithRunner substitutes the subprocess runner (used in tests).
func WithRunner(r Runner) Option { return func(c *Client) { c.run = r } }

// WithBinary overrides the adb binary path.
func WithBinary(path string) Option { return func(c *Client) { c.binary = path } }

// New creates a Client. pinnedDevice is the config-pinned device id ("" for
// none).
func New(pinnedDevice string, opts ...Option) *Client {
	c := &Client{
		binary:   "adb",
		pinned:   pinnedDevice,
		devLocks: map[string]*sync.Mutex{},
	}
	c.run = c.execRun
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) execRun(ctx context.Context, args ...string) ([]byte, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, c.binary, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	err := cmd.Run()
	return out.Bytes(), errb.Bytes(), err
}

// deviceLock returns the serialization mutex for a device id.
func (c *Client) deviceLock(deviceID string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	mu, ok := c.devLocks[deviceID]
	if !ok {
		mu = &sync.Mutex{}
		c.devLocks[deviceID] = mu
	}
	return mu
}

// Device describes one entry from `adb devices`.
type Device struct {
	ID     string
	State  string // "device", "offline", "unauthorized", ...
	Booted bool
}

// Devices lists attached devices and probes boot completion for online ones.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	out, stderr, err := c.run(ctx, "devices")
	if err != nil {
		return nil, adbErr("devices", stderr, err)
	}
	var devices []Device
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		d := Device{ID: fields[0], State: fields[1]}
		if d.State == "device" {
			d.Booted = c.bootCompleted(ctx, d.ID)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func (c *Client) bootCompleted(ctx context.Context, deviceID string) bool {
	out, _, err := c.run(ctx, "-s", deviceID, "shell", "getprop", "sys.boot_completed")
	if err != nil {
		return false
	}
	v := strings.TrimSpace(string(out))
	return v == "1" || strings.EqualFold(v, "true")
}

// ResolveDevice applies the selection rules: explicit id > config-pinned >
// first booted > first online. Fails with device_unavailable when none match.
func (c *Client) ResolveDevice(ctx context.Context, explicit string) (string, error) {
	devices, err := c.Devices(ctx)
	if err != nil {
		return "", err
	}
	if explicit != "" {
		for _, d := range devices {
			if d.ID == explicit && d.State == "device" {
				return d.ID, nil
			}
		}
		return "", operr.New(operr.KindDeviceUnavailable, "no_device: requested device %q not online", explicit)
	}
	if c.pinned != "" {
		for _, d := range devices {
			if d.ID == c.pinned && d.State == "device" {
				return d.ID, nil
			}
		}
	}
	for _, d := range devices {
		if d.Booted {
			return d.ID, nil
		}
	}
	for _, d := range devices {
		if d.State == "device" {
			return d.ID, nil
		}
	}
	return "", operr.New(operr.KindDeviceUnavailable, "no_device: no online device")
}

// Shell runs an arbitrary shell command on the device and returns stdout.
func (c *Client) Shell(ctx context.Context, deviceID, command string) (string, error) {
	return c.deviceCommand(ctx, deviceID, "shell", command)
}

// Tap dispatches `input tap x y`.
func (c *Client) Tap(ctx context.Context, deviceID string, x, y int) error {
	_, err := c.deviceCommand(ctx, deviceID, "shell", "input", "tap", itoa(x), itoa(y))
	return err
}

// Swipe dispatches `input swipe x1 y1 x2 y2 durationMs`.
func (c *Client) Swipe(ctx context.Context, deviceID string, x1, y1, x2, y2, durationMs int) error {
	_, err := c.deviceCommand(ctx, deviceID, "shell", "input", "swipe",
		itoa(x1), itoa(y1), itoa(x2), itoa(y2), itoa(durationMs))
	return err
}

// Keyevent dispatches a named or numeric keycode.
func (c *Client) Keyevent(ctx context.Context, deviceID, code string) error {
	if strings.TrimSpace(code) == "" {
		code = "KEYCODE_ENTER"
	}
	_, err := c.deviceCommand(ctx, deviceID, "shell", "input", "keyevent", code)
	return err
}

// LaunchApp resolves the package's launcher activity via monkey, which works
// without knowing the activity name.
func (c *Client) LaunchApp(ctx context.Context, deviceID, pkg string) error {
	if strings.TrimSpace(pkg) == "" {
		return operr.New(operr.KindAdbFailed, "launch_app: empty package name")
	}
	_, err := c.deviceCommand(ctx, deviceID, "shell", "monkey",
		"-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")
	return err
}

// Install pushes and installs an APK, replacing any existing install.
func (c *Client) Install(ctx context.Context, deviceID, apkPath string) error {
	if strings.TrimSpace(apkPath) == "" {
		return operr.New(operr.KindAdbFailed, "install: empty apk path")
	}
	_, err := c.deviceCommand(ctx, deviceID, "install", "-r", apkPath)
	return err
}

// Uninstall removes a package from the device.
func (c *Client) Uninstall(ctx context.Context, deviceID, pkg string) error {
	if strings.TrimSpace(pkg) == "" {
		return operr.New(operr.KindAdbFailed, "uninstall: empty package name")
	}
	_, err := c.deviceCommand(ctx, deviceID, "uninstall", pkg)
	return err
}

// Screenshot captures the device framebuffer as PNG bytes.
func (c *Client) Screenshot(ctx context.Context, deviceID string) ([]byte, error) {
	id, err := c.ResolveDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	mu := c.deviceLock(id)
	mu.Lock()
	out, stderr, err := c.run(ctx, "-s", id, "exec-out", "screencap", "-p")
	mu.Unlock()
	if err != nil {
		return nil, adbErr("screencap", stderr, err)
	}
	if len(out) < 8 || !bytes.HasPrefix(out, []byte("\x89PNG")) {
		return nil, operr.New(operr.KindAdbFailed, "screencap returned %d bytes that are not a PNG", len(out))
	}
	return out, nil
}

// deviceCommand resolves the device, serializes on its mutex, and runs adb.
func (c *Client) deviceCommand(ctx context.Context, deviceID string, args ...string) (string, error) {
	id, err := c.ResolveDevice(ctx, deviceID)
	if err != nil {
		return "", err
	}
	mu := c.deviceLock(id)
	mu.Lock()
	defer mu.Unlock()
	full := append([]string{"-s", id}, args...)
	out, stderr, err := c.run(ctx, full...)
	if err != nil {
		return "", adbErr(strings.Join(args, " "), stderr, err)
	}
	return string(out), nil
}

func adbErr(op string, stderr []byte, err error) error {
	snippet := strings.TrimSpace(string(stderr))
	if len(snippet) > maxStderr {
		snippet = snippet[:maxStderr]
	}
	if snippet == "" {
		return operr.New(operr.KindAdbFailed, "adb %s: %v", op, err)
	}
	return operr.New(operr.KindAdbFailed, "adb %s: %v: %s", op, err, snippet)
}

func itoa(v int) string { return fmt.Sprintf("%d", v) }
