// Package dashboard serves a local read-mostly HTTP API over the runtime:
// status snapshots, emulator controls, a live log stream, and metrics.
package dashboard

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/openpocket/openpocket/internal/adb"
	"github.com/openpocket/openpocket/internal/config"
	"github.com/openpocket/openpocket/internal/emulator"
	"github.com/openpocket/openpocket/internal/telemetry"
)

// GatewayStatus is what an embedded gateway reports to the dashboard.
type GatewayStatus struct {
	Connected bool   `json:"connected"`
	Uptime    string `json:"uptime"`
	Tasks     []any  `json:"tasks"`
}

// Server is the dashboard HTTP front end. In standalone mode (no status
// callback) it falls back to scanning the process table for a running
// gateway.
type Server struct {
	cfg     config.DashboardConfig
	emu     *emulator.Manager
	adbc    *adb.Client
	device  string
	ring    *telemetry.Ring
	metrics *telemetry.Metrics
	logger  *slog.Logger

	// getGatewayStatus is nil in standalone mode.
	getGatewayStatus func() GatewayStatus

	startedAt time.Time
}

// Options wires the dashboard collaborators.
type Options struct {
	Cfg              config.DashboardConfig
	Emu              *emulator.Manager
	Adb              *adb.Client
	DeviceID         string
	Ring             *telemetry.Ring
	Metrics          *telemetry.Metrics
	Logger           *slog.Logger
	GetGatewayStatus func() GatewayStatus
}

// New builds a dashboard server.
func New(o Options) *Server {
	return &Server{
		cfg:              o.Cfg,
		emu:              o.Emu,
		adbc:             o.Adb,
		device:           o.DeviceID,
		ring:             o.Ring,
		metrics:          o.Metrics,
		logger:           o.Logger,
		getGatewayStatus: o.GetGatewayStatus,
		startedAt:        time.Now(),
	}
}

// Handler builds the API mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/runtime", s.handleRuntime)
	mux.HandleFunc("POST /api/emulator/start", s.emulatorAction("start"))
	mux.HandleFunc("POST /api/emulator/stop", s.emulatorAction("stop"))
	mux.HandleFunc("POST /api/emulator/show", s.emulatorAction("show"))
	mux.HandleFunc("POST /api/emulator/hide", s.emulatorAction("hide"))
	mux.HandleFunc("POST /api/emulator/tap", s.handleTap)
	mux.HandleFunc("POST /api/emulator/type", s.handleType)
	mux.HandleFunc("GET /api/emulator/preview", s.handlePreview)
	mux.HandleFunc("GET /api/logs/stream", s.handleLogStream)
	mux.HandleFunc("GET /api/logs", s.handleLogTail)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	return mux
}

// Serve binds the configured address and serves until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dashboard listen: %w", err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.logger.Info("dashboard listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleRuntime(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := map[string]any{
		"startedAt":   s.startedAt.Format(time.RFC3339),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
		"goroutines":  runtime.NumGoroutine(),
		"heapAllocMb": mem.HeapAlloc / (1024 * 1024),
	}
	if status, err := s.emu.Status(r.Context()); err == nil {
		resp["emulator"] = status
	} else {
		resp["emulatorError"] = err.Error()
	}
	if s.getGatewayStatus != nil {
		resp["gateway"] = s.getGatewayStatus()
	} else {
		resp["gateway"] = map[string]any{"detected": siblingGatewayRunning()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) emulatorAction(verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		switch verb {
		case "start":
			_, err = s.emu.Start(r.Context(), false)
		case "stop":
			err = s.emu.Stop(r.Context())
		case "show":
			err = s.emu.ShowWindow(r.Context())
		case "hide":
			err = s.emu.HideWindow(r.Context())
		}
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func (s *Server) handleTap(w http.ResponseWriter, r *http.Request) {
	var body struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	deviceID, err := s.adbc.ResolveDevice(r.Context(), s.device)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if err := s.adbc.Tap(r.Context(), deviceID, body.X, body.Y); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleType(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	deviceID, err := s.adbc.ResolveDevice(r.Context(), s.device)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	msg, err := s.adbc.Type(r.Context(), deviceID, body.Text)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "detail": msg})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	deviceID, err := s.adbc.ResolveDevice(r.Context(), s.device)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	png, err := s.adbc.Screenshot(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mimeType": "image/png",
		"base64":   base64.StdEncoding.EncodeToString(png),
		"takenAt":  time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleLogTail(w http.ResponseWriter, r *http.Request) {
	n := 200
	if q := r.URL.Query().Get("n"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v > 0 {
			n = v
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": s.ring.Tail(n)})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	rm, err := s.metrics.Collect(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := map[string]any{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = metricValue(m.Data)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// siblingGatewayRunning scans the process table for another openpocket
// gateway, used only when the dashboard runs standalone.
func siblingGatewayRunning() bool {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return false
	}
	self := os.Getpid()
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == self {
			continue
		}
		data, err := os.ReadFile(filepath.Join("/proc", e.Name(), "cmdline"))
		if err != nil {
			continue
		}
		cmdline := strings.ReplaceAll(string(data), "\x00", " ")
		if strings.Contains(cmdline, "openpocket") && strings.Contains(cmdline, "gateway") {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": http.StatusText(status), "message": err.Error()},
	})
}
