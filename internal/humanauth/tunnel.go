package humanauth

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/openpocket/openpocket/internal/config"
	"github.com/openpocket/openpocket/internal/operr"
)

// wellKnownAPIBases are the fallback local control API origins probed when
// the tunnel process does not announce one in its log.
var wellKnownAPIBases = []string{
	"http://127.0.0.1:4040",
	"http://127.0.0.1:4041",
	"http://127.0.0.1:4042",
}

// Tunnel supervises an external tunneling binary that exposes the local
// relay on a public https URL.
type Tunnel struct {
	cfg        config.TunnelConfig
	targetHost string
	targetPort int
	logger     *slog.Logger
	http       *http.Client

	mu        sync.Mutex
	cmd       *exec.Cmd
	publicURL string
	apiBase   string
	done      chan struct{}
}

// NewTunnel builds a supervisor for the relay at targetHost:targetPort.
func NewTunnel(cfg config.TunnelConfig, targetHost string, targetPort int, logger *slog.Logger) *Tunnel {
	return &Tunnel{
		cfg:        cfg,
		targetHost: targetHost,
		targetPort: targetPort,
		logger:     logger,
		http:       &http.Client{Timeout: 3 * time.Second},
	}
}

// Start spawns the tunnel process and resolves the public URL. Calling Start
// while a tunnel is already up returns the existing URL.
func (t *Tunnel) Start(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.cmd != nil && t.publicURL != "" {
		url := t.publicURL
		t.mu.Unlock()
		return url, nil
	}
	if t.cmd != nil {
		t.mu.Unlock()
		return "", operr.New(operr.KindInternal, "tunnel is starting")
	}

	binary := t.cfg.Binary
	if binary == "" {
		binary = "cloudflared"
	}
	target := fmt.Sprintf("http://%s:%d", t.targetHost, t.targetPort)
	cmd := exec.Command(binary, "tunnel", "--no-autoupdate", "--url", target)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if t.cfg.AuthtokenEnv != "" {
		if token := os.Getenv(t.cfg.AuthtokenEnv); token != "" {
			cmd.Env = append(os.Environ(), "TUNNEL_AUTHTOKEN="+token)
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.mu.Unlock()
		return "", fmt.Errorf("tunnel stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.mu.Unlock()
		return "", fmt.Errorf("tunnel stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		t.mu.Unlock()
		return "", fmt.Errorf("start %s: %w", binary, err)
	}
	t.cmd = cmd
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	t.logger.Info("tunnel process started", "binary", binary, "pid", cmd.Process.Pid, "target", target)

	discovered := make(chan string, 8)
	go t.tailLog(stdout, discovered)
	go t.tailLog(stderr, discovered)
	go func() {
		err := cmd.Wait()
		t.logger.Info("tunnel process exited", "error", err)
		close(done)
	}()

	startupTimeout := time.Duration(t.cfg.StartupTimeoutSec) * time.Second
	if startupTimeout < 3*time.Second {
		startupTimeout = 3 * time.Second
	}
	deadline := time.NewTimer(startupTimeout)
	defer deadline.Stop()
	probe := time.NewTicker(500 * time.Millisecond)
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-done:
			t.reset()
			return "", operr.New(operr.KindInternal, "tunnel process exited before publishing a URL")
		case <-deadline.C:
			t.Stop()
			return "", operr.New(operr.KindInternal,
				"tunnel did not publish a public URL within %s", startupTimeout)
		case origin := <-discovered:
			if strings.HasPrefix(origin, "https://") {
				// cloudflared prints the public URL directly
				t.setPublic(origin, "")
				return origin, nil
			}
			t.mu.Lock()
			t.apiBase = origin
			t.mu.Unlock()
		case <-probe.C:
			if url := t.pollAPI(ctx); url != "" {
				t.setPublic(url, t.apiBase)
				return url, nil
			}
		}
	}
}

// PublicURL returns the resolved public URL, empty when the tunnel is down.
func (t *Tunnel) PublicURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.publicURL
}

// Stop terminates the tunnel process: SIGTERM, then SIGKILL after 3 seconds.
// Stopping a stopped tunnel is a no-op.
func (t *Tunnel) Stop() {
	t.mu.Lock()
	cmd := t.cmd
	done := t.done
	t.cmd = nil
	t.publicURL = ""
	t.apiBase = ""
	t.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		<-done
	}
	t.logger.Info("tunnel stopped")
}

func (t *Tunnel) setPublic(url, apiBase string) {
	t.mu.Lock()
	t.publicURL = url
	if apiBase != "" {
		t.apiBase = apiBase
	}
	t.mu.Unlock()
	t.logger.Info("tunnel public URL resolved", "url", url)
}

func (t *Tunnel) reset() {
	t.mu.Lock()
	t.cmd = nil
	t.publicURL = ""
	t.mu.Unlock()
}

// tailLog scans structured process output for a public https URL or the
// control API origin.
func (t *Tunnel) tailLog(r io.Reader, discovered chan<- string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()

		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err == nil {
			for _, key := range []string{"url", "addr", "address", "message", "msg"} {
				if v, ok := record[key].(string); ok {
					if origin := extractOrigin(v); origin != "" {
						select {
						case discovered <- origin:
						default:
						}
					}
				}
			}
			continue
		}
		if origin := extractOrigin(line); origin != "" {
			select {
			case discovered <- origin:
			default:
			}
		}
	}
}

// extractOrigin pulls the first https URL or local API origin from a log
// fragment.
func extractOrigin(s string) string {
	for _, field := range strings.Fields(s) {
		field = strings.Trim(field, `"',`)
		if strings.HasPrefix(field, "https://") {
			return field
		}
		if strings.HasPrefix(field, "http://127.0.0.1:") || strings.HasPrefix(field, "http://localhost:") {
			return field
		}
	}
	return ""
}

type tunnelAPIResponse struct {
	Tunnels []struct {
		PublicURL string `json:"public_url"`
		Proto     string `json:"proto"`
		Config    struct {
			Addr string `json:"addr"`
		} `json:"config"`
	} `json:"tunnels"`
}

// pollAPI probes candidate control API bases in order and returns the https
// public URL whose forwarding target matches the relay address.
func (t *Tunnel) pollAPI(ctx context.Context) string {
	t.mu.Lock()
	bases := make([]string, 0, 4)
	if t.apiBase != "" {
		bases = append(bases, t.apiBase)
	}
	t.mu.Unlock()
	bases = append(bases, wellKnownAPIBases...)

	want := fmt.Sprintf("%s:%d", t.targetHost, t.targetPort)
	for _, base := range bases {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/tunnels", nil)
		if err != nil {
			continue
		}
		resp, err := t.http.Do(req)
		if err != nil {
			continue
		}
		var body tunnelAPIResponse
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			continue
		}
		for _, tun := range body.Tunnels {
			if tun.Proto != "https" && !strings.HasPrefix(tun.PublicURL, "https://") {
				continue
			}
			if strings.Contains(tun.Config.Addr, want) {
				return tun.PublicURL
			}
		}
	}
	return ""
}
