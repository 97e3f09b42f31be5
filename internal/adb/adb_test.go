package adb

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openpocket/openpocket/internal/operr"
)

// fakeRunner maps the joined adb argument string to a canned response.
type fakeRunner struct {
	responses map[string]string
	errs      map[string]error
	calls     []string
}

func (f *fakeRunner) run(ctx context.Context, args ...string) ([]byte, []byte, error) {
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if err, ok := f.errs[key]; ok {
		return nil, []byte("adb: error"), err
	}
	if out, ok := f.responses[key]; ok {
		return []byte(out), nil, nil
	}
	return nil, nil, nil
}

func twoDevices() *fakeRunner {
	return &fakeRunner{responses: map[string]string{
		"devices": "List of devices attached\nemulator-5554\tdevice\nemulator-5556\toffline\nR58M123\tdevice\n",
		"-s emulator-5554 shell getprop sys.boot_completed": "1\n",
		"-s R58M123 shell getprop sys.boot_completed":       "0\n",
	}}
}

func TestDevices_ParsesListing(t *testing.T) {
	f := twoDevices()
	c := New("", WithRunner(f.run))

	devices, err := c.Devices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 3 {
		t.Fatalf("parsed %d devices, want 3", len(devices))
	}
	want := []Device{
		{ID: "emulator-5554", State: "device", Booted: true},
		{ID: "emulator-5556", State: "offline"},
		{ID: "R58M123", State: "device", Booted: false},
	}
	for i, d := range devices {
		if d != want[i] {
			t.Errorf("device %d = %+v, want %+v", i, d, want[i])
		}
	}
}

func TestDevices_AdbFailure(t *testing.T) {
	f := &fakeRunner{errs: map[string]error{"devices": errors.New("exit status 1")}}
	c := New("", WithRunner(f.run))
	_, err := c.Devices(context.Background())
	if operr.KindOf(err) != operr.KindAdbFailed {
		t.Fatalf("kind = %q", operr.KindOf(err))
	}
}

func TestResolveDevice_Precedence(t *testing.T) {
	ctx := context.Background()

	t.Run("explicit wins", func(t *testing.T) {
		c := New("emulator-5554", WithRunner(twoDevices().run))
		id, err := c.ResolveDevice(ctx, "R58M123")
		if err != nil || id != "R58M123" {
			t.Fatalf("got (%q, %v)", id, err)
		}
	})
	t.Run("explicit offline fails", func(t *testing.T) {
		c := New("", WithRunner(twoDevices().run))
		_, err := c.ResolveDevice(ctx, "emulator-5556")
		if operr.KindOf(err) != operr.KindDeviceUnavailable {
			t.Fatalf("kind = %q", operr.KindOf(err))
		}
	})
	t.Run("pinned beats booted order", func(t *testing.T) {
		c := New("R58M123", WithRunner(twoDevices().run))
		id, err := c.ResolveDevice(ctx, "")
		if err != nil || id != "R58M123" {
			t.Fatalf("got (%q, %v)", id, err)
		}
	})
	t.Run("first booted otherwise", func(t *testing.T) {
		c := New("", WithRunner(twoDevices().run))
		id, err := c.ResolveDevice(ctx, "")
		if err != nil || id != "emulator-5554" {
			t.Fatalf("got (%q, %v)", id, err)
		}
	})
	t.Run("first online when none booted", func(t *testing.T) {
		f := &fakeRunner{responses: map[string]string{
			"devices": "List of devices attached\nR58M123\tdevice\n",
			"-s R58M123 shell getprop sys.boot_completed": "0\n",
		}}
		c := New("", WithRunner(f.run))
		id, err := c.ResolveDevice(ctx, "")
		if err != nil || id != "R58M123" {
			t.Fatalf("got (%q, %v)", id, err)
		}
	})
	t.Run("no devices", func(t *testing.T) {
		f := &fakeRunner{responses: map[string]string{"devices": "List of devices attached\n"}}
		c := New("", WithRunner(f.run))
		_, err := c.ResolveDevice(ctx, "")
		if operr.KindOf(err) != operr.KindDeviceUnavailable {
			t.Fatalf("kind = %q", operr.KindOf(err))
		}
	})
}

func TestTap_SendsInputEvent(t *testing.T) {
	f := twoDevices()
	c := New("", WithRunner(f.run))
	if err := c.Tap(context.Background(), "emulator-5554", 540, 1200); err != nil {
		t.Fatal(err)
	}
	want := "-s emulator-5554 shell input tap 540 1200"
	found := false
	for _, call := range f.calls {
		if call == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("calls = %v, want %q", f.calls, want)
	}
}

func TestInstallUninstall_Args(t *testing.T) {
	f := twoDevices()
	c := New("", WithRunner(f.run))

	if err := c.Install(context.Background(), "emulator-5554", "/tmp/app.apk"); err != nil {
		t.Fatal(err)
	}
	if err := c.Uninstall(context.Background(), "emulator-5554", "com.openpocket.permissiontest"); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"-s emulator-5554 install -r /tmp/app.apk",
		"-s emulator-5554 uninstall com.openpocket.permissiontest",
	} {
		found := false
		for _, call := range f.calls {
			if call == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("calls = %v, want %q", f.calls, want)
		}
	}

	if err := c.Install(context.Background(), "emulator-5554", " "); operr.KindOf(err) != operr.KindAdbFailed {
		t.Fatalf("kind = %q for empty apk path", operr.KindOf(err))
	}
	if err := c.Uninstall(context.Background(), "emulator-5554", ""); operr.KindOf(err) != operr.KindAdbFailed {
		t.Fatalf("kind = %q for empty package", operr.KindOf(err))
	}
}

func TestScreenshot_RejectsNonPNG(t *testing.T) {
	f := twoDevices()
	f.responses["-s emulator-5554 exec-out screencap -p"] = "oops not an image"
	c := New("", WithRunner(f.run))
	_, err := c.Screenshot(context.Background(), "emulator-5554")
	if operr.KindOf(err) != operr.KindAdbFailed {
		t.Fatalf("kind = %q", operr.KindOf(err))
	}
}

func TestLaunchApp_EmptyPackage(t *testing.T) {
	c := New("", WithRunner(twoDevices().run))
	err := c.LaunchApp(context.Background(), "emulator-5554", "  ")
	if operr.KindOf(err) != operr.KindAdbFailed {
		t.Fatalf("kind = %q", operr.KindOf(err))
	}
}

func TestForegroundPackage(t *testing.T) {
	cases := []struct {
		name, dump, want string
	}{
		{
			"current focus",
			"mCurrentFocus=Window{abc123 u0 com.android.settings/.Settings}",
			"com.android.settings",
		},
		{
			"focused app fallback",
			"mFocusedApp=ActivityRecord{def u0 com.whatsapp/.HomeActivity t12}",
			"com.whatsapp",
		},
		{
			"resumed activity fallback",
			"mResumedActivity: ActivityRecord{9 u0 org.telegram.messenger/.LaunchActivity}",
			"org.telegram.messenger",
		},
		{"no match", "nothing here", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ForegroundPackage(c.dump); got != c.want {
				t.Errorf("ForegroundPackage = %q, want %q", got, c.want)
			}
		})
	}
}

func TestRescaleClamp(t *testing.T) {
	s := &Snapshot{
		WidthDevice: 1080, HeightDevice: 2400,
		WidthScaled: 768, HeightScaled: 1707,
		ScaleX: 1080.0 / 768.0, ScaleY: 2400.0 / 1707.0,
	}
	cases := []struct {
		x, y, wantX, wantY int
	}{
		{0, 0, 0, 0},
		{768, 1707, 1079, 2399},  // at the far edge, clamped inside bounds
		{384, 853, 540, 1199},    // center maps near device center
		{-10, -10, 0, 0},         // negative clamps to zero
		{5000, 5000, 1079, 2399}, // far out of range
	}
	for _, c := range cases {
		gx, gy := s.RescaleClamp(c.x, c.y)
		if gx != c.wantX || gy != c.wantY {
			t.Errorf("RescaleClamp(%d,%d) = (%d,%d), want (%d,%d)", c.x, c.y, gx, gy, c.wantX, c.wantY)
		}
	}
}
