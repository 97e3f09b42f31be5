// Package humanauth brokers human approval requests: a relay HTTP server, an
// in-process bridge with single-shot settlement, and an optional public
// tunnel supervisor.
package humanauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Request statuses as they appear on the wire.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusTimeout  = "timeout"
)

// Artifact is an approval attachment uploaded by the human.
type Artifact struct {
	MimeType string `json:"mimeType"`
	Base64   string `json:"base64"`
}

// relayRecord is one entry of the relay's on-disk state.
type relayRecord struct {
	RequestID   string    `json:"requestId"`
	ChatID      int64     `json:"chatId,omitempty"`
	Task        string    `json:"task,omitempty"`
	SessionID   string    `json:"sessionId,omitempty"`
	Step        int       `json:"step,omitempty"`
	Capability  string    `json:"capability"`
	Instruction string    `json:"instruction,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CurrentApp  string    `json:"currentApp,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
	PollToken   string    `json:"pollToken"`
	OpenToken   string    `json:"openToken"`
	Status      string    `json:"status"`
	Note        string    `json:"note,omitempty"`
	DecidedAt   time.Time `json:"decidedAt,omitempty"`
	Artifact    *Artifact `json:"artifact,omitempty"`
}

// Relay is the approval broker HTTP service. The server process can run
// locally next to the agent or on a separate reachable host.
type Relay struct {
	mu         sync.Mutex
	requests   map[string]*relayRecord
	statePath  string
	apiKey     string
	publicBase string
	logger     *slog.Logger

	srv  *http.Server
	addr string
}

// NewRelay loads any persisted state from statePath. apiKey may be empty for
// unauthenticated mode.
func NewRelay(statePath, apiKey string, logger *slog.Logger) (*Relay, error) {
	r := &Relay{
		requests:  make(map[string]*relayRecord),
		statePath: statePath,
		apiKey:    apiKey,
		logger:    logger,
	}
	if err := r.loadState(); err != nil {
		return nil, err
	}
	return r, nil
}

// SetPublicBaseURL fixes the base used for approval links. When set it takes
// precedence over the per-request publicBaseUrl and the Host header.
func (r *Relay) SetPublicBaseURL(base string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publicBase = strings.TrimSuffix(base, "/")
}

// Handler builds the relay HTTP mux.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/human-auth/requests", r.requireBearer(r.handleCreate))
	mux.HandleFunc("GET /v1/human-auth/requests/{id}", r.handlePoll)
	mux.HandleFunc("POST /v1/human-auth/requests/{id}/resolve", r.handleResolve)
	mux.HandleFunc("GET /human-auth/{id}", r.handleApprovalPage)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Serve binds host:port and serves until ctx is cancelled.
func (r *Relay) Serve(ctx context.Context, host string, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	r.mu.Lock()
	r.addr = ln.Addr().String()
	r.srv = &http.Server{Handler: r.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := r.srv
	r.mu.Unlock()

	r.logger.Info("human-auth relay listening", "addr", r.addr)

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

// Addr returns the bound address, empty before Serve.
func (r *Relay) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

type createRequest struct {
	RequestID      string `json:"requestId"`
	ChatID         int64  `json:"chatId"`
	Task           string `json:"task"`
	SessionID      string `json:"sessionId"`
	Step           int    `json:"step"`
	Capability     string `json:"capability"`
	Instruction    string `json:"instruction"`
	Reason         string `json:"reason"`
	TimeoutSec     int    `json:"timeoutSec"`
	CurrentApp     string `json:"currentApp"`
	ScreenshotPath string `json:"screenshotPath,omitempty"`
	PublicBaseURL  string `json:"publicBaseUrl,omitempty"`
}

func (r *Relay) handleCreate(w http.ResponseWriter, req *http.Request) {
	var body createRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if body.RequestID == "" {
		body.RequestID = uuid.NewString()
	}
	if body.Capability == "" {
		body.Capability = "unknown"
	}
	if body.TimeoutSec <= 0 {
		body.TimeoutSec = 300
	}

	rec := &relayRecord{
		RequestID:   body.RequestID,
		ChatID:      body.ChatID,
		Task:        body.Task,
		SessionID:   body.SessionID,
		Step:        body.Step,
		Capability:  body.Capability,
		Instruction: body.Instruction,
		Reason:      body.Reason,
		CurrentApp:  body.CurrentApp,
		ExpiresAt:   time.Now().Add(time.Duration(body.TimeoutSec) * time.Second).UTC(),
		PollToken:   newToken(),
		OpenToken:   newToken(),
		Status:      StatusPending,
	}

	r.mu.Lock()
	r.requests[rec.RequestID] = rec
	r.saveStateLocked()
	base := r.publicBase
	r.mu.Unlock()

	if base == "" {
		base = strings.TrimSuffix(body.PublicBaseURL, "/")
	}
	if base == "" {
		base = "http://" + req.Host
	}
	openURL := fmt.Sprintf("%s/human-auth/%s?token=%s", base, rec.RequestID, rec.OpenToken)

	r.logger.Info("approval request created",
		"requestId", rec.RequestID, "capability", rec.Capability, "expiresAt", rec.ExpiresAt)

	writeJSON(w, http.StatusOK, map[string]any{
		"requestId": rec.RequestID,
		"openUrl":   openURL,
		"pollToken": rec.PollToken,
		"expiresAt": rec.ExpiresAt.Format(time.RFC3339),
	})
}

func (r *Relay) handlePoll(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")

	r.mu.Lock()
	rec, ok := r.requests[id]
	if ok {
		r.expireLocked(rec)
	}
	var snapshot relayRecord
	if ok {
		snapshot = *rec
	}
	r.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown request id")
		return
	}
	if req.URL.Query().Get("pollToken") != snapshot.PollToken {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid poll token")
		return
	}

	resp := map[string]any{"requestId": snapshot.RequestID, "status": snapshot.Status}
	if snapshot.Note != "" {
		resp["note"] = snapshot.Note
	}
	if !snapshot.DecidedAt.IsZero() {
		resp["decidedAt"] = snapshot.DecidedAt.Format(time.RFC3339)
	}
	if snapshot.Artifact != nil {
		resp["artifact"] = snapshot.Artifact
	}
	writeJSON(w, http.StatusOK, resp)
}

type resolveRequest struct {
	Approved bool      `json:"approved"`
	Note     string    `json:"note,omitempty"`
	Token    string    `json:"token,omitempty"`
	Artifact *Artifact `json:"artifact,omitempty"`
}

func (r *Relay) handleResolve(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")

	var body resolveRequest
	contentType := req.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		if err := req.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid form body")
			return
		}
		body.Approved = req.PostFormValue("decision") == "approve"
		body.Note = req.PostFormValue("note")
		body.Token = req.PostFormValue("token")
	} else if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	r.mu.Lock()
	rec, ok := r.requests[id]
	if !ok {
		r.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "unknown request id")
		return
	}
	if !r.authorizedLocked(req, rec, body.Token) {
		r.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials")
		return
	}
	r.expireLocked(rec)
	if rec.Status != StatusPending {
		r.mu.Unlock()
		writeError(w, http.StatusConflict, "already_resolved", "request already resolved")
		return
	}
	if body.Approved {
		rec.Status = StatusApproved
	} else {
		rec.Status = StatusRejected
	}
	rec.Note = body.Note
	rec.DecidedAt = time.Now().UTC()
	rec.Artifact = body.Artifact
	// one-time link: burn the token on settle
	rec.OpenToken = ""
	r.saveStateLocked()
	r.mu.Unlock()

	r.logger.Info("approval request resolved", "requestId", id, "approved", body.Approved)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

var approvalPage = template.Must(template.New("approval").Parse(`<!doctype html>
<html><head><meta name="viewport" content="width=device-width, initial-scale=1">
<title>Approval required</title>
<style>
body{font-family:sans-serif;max-width:28rem;margin:2rem auto;padding:0 1rem}
button{padding:.6rem 1.4rem;font-size:1rem;margin-right:.5rem}
.approve{background:#2a2;color:#fff;border:none}.reject{background:#a22;color:#fff;border:none}
dt{font-weight:bold;margin-top:.6rem}
</style></head><body>
<h1>Approval required</h1>
<dl>
<dt>Capability</dt><dd>{{.Capability}}</dd>
{{if .Task}}<dt>Task</dt><dd>{{.Task}}</dd>{{end}}
{{if .Instruction}}<dt>Instruction</dt><dd>{{.Instruction}}</dd>{{end}}
{{if .CurrentApp}}<dt>Current app</dt><dd>{{.CurrentApp}}</dd>{{end}}
<dt>Expires</dt><dd>{{.ExpiresAt}}</dd>
</dl>
<form method="POST" action="/v1/human-auth/requests/{{.RequestID}}/resolve">
<input type="hidden" name="token" value="{{.Token}}">
<p><input type="text" name="note" placeholder="optional note" style="width:100%"></p>
<button class="approve" name="decision" value="approve">Approve</button>
<button class="reject" name="decision" value="reject">Reject</button>
</form>
</body></html>`))

func (r *Relay) handleApprovalPage(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	token := req.URL.Query().Get("token")

	r.mu.Lock()
	rec, ok := r.requests[id]
	var snapshot relayRecord
	if ok {
		r.expireLocked(rec)
		snapshot = *rec
	}
	r.mu.Unlock()

	if !ok || token == "" || token != snapshot.OpenToken {
		http.Error(w, "link expired or invalid", http.StatusNotFound)
		return
	}
	if snapshot.Status != StatusPending {
		http.Error(w, "request already resolved", http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = approvalPage.Execute(w, map[string]string{
		"RequestID":   snapshot.RequestID,
		"Capability":  snapshot.Capability,
		"Task":        snapshot.Task,
		"Instruction": snapshot.Instruction,
		"CurrentApp":  snapshot.CurrentApp,
		"ExpiresAt":   snapshot.ExpiresAt.Format(time.RFC1123),
		"Token":       token,
	})
}

// authorizedLocked accepts either the bearer API key or the request's
// one-time open token.
func (r *Relay) authorizedLocked(req *http.Request, rec *relayRecord, formToken string) bool {
	if r.apiKey == "" {
		return true
	}
	if bearerToken(req) == r.apiKey {
		return true
	}
	return formToken != "" && formToken == rec.OpenToken
}

func (r *Relay) requireBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.apiKey != "" && bearerToken(req) != r.apiKey {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
			return
		}
		next(w, req)
	}
}

// expireLocked flips a pending record to timeout once past its deadline.
func (r *Relay) expireLocked(rec *relayRecord) {
	if rec.Status == StatusPending && time.Now().After(rec.ExpiresAt) {
		rec.Status = StatusTimeout
		rec.DecidedAt = rec.ExpiresAt
		r.saveStateLocked()
	}
}

func (r *Relay) loadState() error {
	data, err := os.ReadFile(r.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("relay state: %w", err)
	}
	var stored map[string]*relayRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		r.logger.Warn("relay state unreadable, starting fresh", "path", r.statePath, "error", err)
		return nil
	}
	r.requests = stored
	return nil
}

func (r *Relay) saveStateLocked() {
	data, err := json.MarshalIndent(r.requests, "", "  ")
	if err != nil {
		return
	}
	dir := filepath.Dir(r.statePath)
	_ = os.MkdirAll(dir, 0o755)
	tmp, err := os.CreateTemp(dir, ".requests-*.json")
	if err != nil {
		r.logger.Warn("relay state write failed", "error", err)
		return
	}
	if _, err := tmp.Write(data); err == nil {
		_ = tmp.Close()
		_ = os.Rename(tmp.Name(), r.statePath)
		return
	}
	_ = tmp.Close()
	_ = os.Remove(tmp.Name())
}

func bearerToken(req *http.Request) string {
	h := req.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return ""
}

func newToken() string {
	buf := make([]byte, 24)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
