package dashboard

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/openpocket/openpocket/internal/adb"
	"github.com/openpocket/openpocket/internal/config"
	"github.com/openpocket/openpocket/internal/emulator"
	"github.com/openpocket/openpocket/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fakeAdbRun(ctx context.Context, args ...string) ([]byte, []byte, error) {
	switch strings.Join(args, " ") {
	case "devices":
		return []byte("List of devices attached\nemulator-5554\tdevice\n"), nil, nil
	case "-s emulator-5554 shell getprop sys.boot_completed":
		return []byte("1\n"), nil, nil
	case "-s emulator-5554 exec-out screencap -p":
		return []byte("\x89PNG\r\n\x1a\nfakebody"), nil, nil
	default:
		return nil, nil, nil
	}
}

func newTestServer(t *testing.T) (*Server, *telemetry.Ring, *telemetry.Metrics) {
	t.Helper()
	client := adb.New("", adb.WithRunner(fakeAdbRun))
	emu := emulator.NewManager(config.EmulatorConfig{AvdName: "pocket_avd"}, client, testLogger())
	ring := telemetry.NewRing(64)
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		t.Fatal(err)
	}
	srv := New(Options{
		Cfg:     config.DashboardConfig{Host: "127.0.0.1", Port: 0},
		Emu:     emu,
		Adb:     client,
		Ring:    ring,
		Metrics: metrics,
		Logger:  testLogger(),
		GetGatewayStatus: func() GatewayStatus {
			return GatewayStatus{Connected: true, Uptime: "5m"}
		},
	})
	return srv, ring, metrics
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out any) *http.Response {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp
}

func TestHandleRuntime(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var body map[string]any
	resp := getJSON(t, ts, "/api/runtime", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	emu, ok := body["emulator"].(map[string]any)
	if !ok || emu["avdName"] != "pocket_avd" {
		t.Fatalf("emulator = %#v", body["emulator"])
	}
	booted, _ := emu["bootedDevices"].([]any)
	if len(booted) != 1 || booted[0] != "emulator-5554" {
		t.Fatalf("bootedDevices = %#v", emu["bootedDevices"])
	}
	gw, ok := body["gateway"].(map[string]any)
	if !ok || gw["connected"] != true {
		t.Fatalf("gateway = %#v", body["gateway"])
	}
	if _, ok := body["uptime"].(string); !ok {
		t.Fatal("uptime missing")
	}
}

func TestHandleTap(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+"/api/emulator/tap", "application/json",
		strings.NewReader(`{"x": 540, "y": 1200}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	bad, err := ts.Client().Post(ts.URL+"/api/emulator/tap", "application/json",
		strings.NewReader(`{"x": `))
	if err != nil {
		t.Fatal(err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", bad.StatusCode)
	}
}

func TestHandlePreview(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var body struct {
		MimeType string `json:"mimeType"`
		Base64   string `json:"base64"`
	}
	resp := getJSON(t, ts, "/api/emulator/preview", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body.MimeType != "image/png" {
		t.Fatalf("mimeType = %q", body.MimeType)
	}
	raw, err := base64.StdEncoding.DecodeString(body.Base64)
	if err != nil || !strings.HasPrefix(string(raw), "\x89PNG") {
		t.Fatalf("base64 payload is not the screenshot: %v", err)
	}
}

func TestHandleLogTail(t *testing.T) {
	srv, ring, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for _, line := range []string{"one", "two", "three"} {
		ring.Append(line)
	}
	var body struct {
		Lines []string `json:"lines"`
	}
	getJSON(t, ts, "/api/logs?n=2", &body)
	if len(body.Lines) != 2 || body.Lines[0] != "two" || body.Lines[1] != "three" {
		t.Fatalf("lines = %v", body.Lines)
	}
}

func TestHandleMetrics(t *testing.T) {
	srv, _, metrics := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	metrics.TasksStarted.Add(context.Background(), 3)
	metrics.StepsExecuted.Add(context.Background(), 12)

	var body map[string]any
	resp := getJSON(t, ts, "/api/metrics", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got, _ := body["openpocket.tasks.started"].(float64); got != 3 {
		t.Fatalf("tasks.started = %v", body["openpocket.tasks.started"])
	}
	if got, _ := body["openpocket.loop.steps"].(float64); got != 12 {
		t.Fatalf("loop.steps = %v", body["openpocket.loop.steps"])
	}
}

func TestLogStream_ReplaysAndFollows(t *testing.T) {
	srv, ring, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ring.Append("replayed")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/logs/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var ev struct {
		Line string `json:"line"`
	}
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Line != "replayed" {
		t.Fatalf("replayed line = %q", ev.Line)
	}

	// The handler subscribes only after replay, so keep appending until the
	// live line comes through.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(50 * time.Millisecond):
				ring.Append("live")
			}
		}
	}()
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Line != "live" {
		t.Fatalf("live line = %q", ev.Line)
	}
}
