package humanauth

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openpocket/openpocket/internal/bus"
	"github.com/openpocket/openpocket/internal/config"
	"github.com/openpocket/openpocket/internal/paths"
)

// Decision is the single terminal outcome of a pending approval request.
type Decision struct {
	Approved     bool   `json:"approved"`
	Status       string `json:"status"`
	Message      string `json:"message"`
	Actor        string `json:"actor,omitempty"`
	ArtifactPath string `json:"artifactPath,omitempty"`
}

// AuthRequest describes what the agent wants a human to approve.
type AuthRequest struct {
	Capability  string
	Instruction string
	Reason      string
	TimeoutSec  int
	SessionID   string
	Step        int
	CurrentApp  string
}

// Opened is handed to the onOpened callback so the gateway can DM the link
// and the manual fallback commands.
type Opened struct {
	ID          string
	ChatID      int64
	Capability  string
	Instruction string
	OpenURL     string
	ExpiresAt   time.Time
}

// PendingSummary is a read-only view of one pending entry.
type PendingSummary struct {
	ID          string    `json:"id"`
	ChatID      int64     `json:"chatId"`
	Task        string    `json:"task"`
	Capability  string    `json:"capability"`
	Instruction string    `json:"instruction"`
	Step        int       `json:"step"`
	ExpiresAt   time.Time `json:"expiresAt"`
	OpenURL     string    `json:"openUrl,omitempty"`
}

// pendingEntry is the bridge's in-process record. The settle channel is
// buffered with capacity 1 and written exactly once, guarded by closed.
type pendingEntry struct {
	id        string
	chatID    int64
	task      string
	request   AuthRequest
	expiresAt time.Time
	openURL   string
	pollToken string
	closed    bool
	settle    chan Decision
	timer     *time.Timer
	cancel    context.CancelFunc
}

// Bridge owns the pending-request table and converges relay decisions, chat
// fallback, and timeouts onto a single settlement per entry.
type Bridge struct {
	cfg    config.HumanAuthConfig
	roots  paths.Roots
	relay  *RelayClient
	bus    *bus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewBridge wires the bridge; relay polls happen only when relayBaseUrl is
// configured. apiKey is the resolved relay bearer token, empty for
// unauthenticated relays.
func NewBridge(cfg config.HumanAuthConfig, apiKey string, roots paths.Roots, b *bus.Bus, logger *slog.Logger) *Bridge {
	br := &Bridge{
		cfg:     cfg,
		roots:   roots,
		bus:     b,
		logger:  logger,
		pending: make(map[string]*pendingEntry),
	}
	if cfg.RelayBaseURL != "" {
		br.relay = NewRelayClient(cfg.RelayBaseURL, apiKey)
	}
	return br
}

// ListPending returns summaries of all unsettled requests.
func (b *Bridge) ListPending() []PendingSummary {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PendingSummary, 0, len(b.pending))
	for _, e := range b.pending {
		out = append(out, PendingSummary{
			ID:          e.id,
			ChatID:      e.chatID,
			Task:        e.task,
			Capability:  e.request.Capability,
			Instruction: e.request.Instruction,
			Step:        e.request.Step,
			ExpiresAt:   e.expiresAt,
			OpenURL:     e.openURL,
		})
	}
	return out
}

// ResolvePending settles an entry from the chat fallback path. Returns false
// when the id is unknown or already settled.
func (b *Bridge) ResolvePending(id string, approved bool, note, actor string) bool {
	status := StatusRejected
	message := "Rejected by " + actor
	if approved {
		status = StatusApproved
		message = "Approved by " + actor
	}
	if note != "" {
		message += ": " + note
	}
	return b.settle(id, Decision{Approved: approved, Status: status, Message: message, Actor: actor})
}

// RequestAndWait registers a pending request and blocks until the first of
// relay decision, chat fallback, or timeout. Exactly one Decision is returned
// per call; ctx cancellation settles the entry as a timeout.
func (b *Bridge) RequestAndWait(ctx context.Context, chatID int64, task string, req AuthRequest, onOpened func(Opened)) Decision {
	if req.TimeoutSec <= 0 {
		req.TimeoutSec = b.cfg.RequestTimeoutSec
	}
	timeout := time.Duration(req.TimeoutSec) * time.Second
	if timeout < 500*time.Millisecond {
		timeout = 500 * time.Millisecond
	}

	entry := &pendingEntry{
		id:        uuid.NewString(),
		chatID:    chatID,
		task:      task,
		request:   req,
		expiresAt: time.Now().Add(timeout),
		settle:    make(chan Decision, 1),
		cancel:    func() {},
	}
	entry.timer = time.AfterFunc(timeout, func() {
		b.settle(entry.id, Decision{
			Status:  StatusTimeout,
			Message: "Human authorization timed out after " + timeout.String(),
		})
	})

	b.mu.Lock()
	b.pending[entry.id] = entry
	b.mu.Unlock()

	b.logger.Info("human auth requested",
		"id", entry.id, "chatId", chatID, "capability", req.Capability, "timeoutSec", req.TimeoutSec)
	b.bus.Publish(bus.TopicAuthOpened, bus.AuthEvent{
		RequestID: entry.id, ChatID: chatID, Capability: req.Capability,
	})

	if b.relay != nil {
		b.openRemote(ctx, entry)
	}

	if onOpened != nil {
		onOpened(Opened{
			ID:          entry.id,
			ChatID:      chatID,
			Capability:  req.Capability,
			Instruction: req.Instruction,
			OpenURL:     entry.openURL,
			ExpiresAt:   entry.expiresAt,
		})
	}

	select {
	case d := <-entry.settle:
		return d
	case <-ctx.Done():
		b.settle(entry.id, Decision{Status: StatusTimeout, Message: "Task cancelled while awaiting authorization"})
		return <-entry.settle
	}
}

// openRemote registers the request with the relay and starts the decision
// poll. Relay failures leave the entry on the chat-fallback and timer paths.
func (b *Bridge) openRemote(ctx context.Context, entry *pendingEntry) {
	created, err := b.relay.Create(ctx, createRequest{
		RequestID:     entry.id,
		ChatID:        entry.chatID,
		Task:          entry.task,
		SessionID:     entry.request.SessionID,
		Step:          entry.request.Step,
		Capability:    entry.request.Capability,
		Instruction:   entry.request.Instruction,
		Reason:        entry.request.Reason,
		TimeoutSec:    entry.request.TimeoutSec,
		CurrentApp:    entry.request.CurrentApp,
		PublicBaseURL: b.cfg.PublicBaseURL,
	})
	if err != nil {
		b.logger.Warn("relay unreachable, continuing on chat fallback", "id", entry.id, "error", err)
		return
	}

	b.mu.Lock()
	if e, ok := b.pending[entry.id]; ok && !e.closed {
		e.openURL = created.OpenURL
		e.pollToken = created.PollToken
	}
	b.mu.Unlock()
	entry.openURL = created.OpenURL
	entry.pollToken = created.PollToken

	go b.pollRemote(entry)
}

func (b *Bridge) pollRemote(entry *pendingEntry) {
	interval := time.Duration(b.cfg.PollIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pollCtx := b.entryContext(entry.id)
	if pollCtx == nil {
		return
	}
	for {
		select {
		case <-pollCtx.Done():
			return
		case <-ticker.C:
		}

		resp, err := b.relay.Poll(pollCtx, entry.id, entry.pollToken)
		if err != nil {
			if pollCtx.Err() != nil {
				return
			}
			b.logger.Warn("relay poll failed", "id", entry.id, "error", err)
			continue
		}
		switch resp.Status {
		case StatusPending:
			continue
		case StatusApproved, StatusRejected:
			d := Decision{
				Approved: resp.Status == StatusApproved,
				Status:   resp.Status,
				Actor:    "relay",
			}
			d.Message = "Approved via relay"
			if !d.Approved {
				d.Message = "Rejected via relay"
			}
			if resp.Note != "" {
				d.Message += ": " + resp.Note
			}
			if resp.Artifact != nil {
				d.ArtifactPath = b.saveArtifact(entry.id, resp.Artifact)
			}
			b.settle(entry.id, d)
			return
		case StatusTimeout:
			b.settle(entry.id, Decision{Status: StatusTimeout, Message: "Human authorization timed out on the relay"})
			return
		}
	}
}

// entryContext returns a context cancelled when the entry settles.
func (b *Bridge) entryContext(id string) context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.pending[id]
	if !ok || e.closed {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	prev := e.cancel
	e.cancel = func() {
		prev()
		cancel()
	}
	return ctx
}

// settle delivers the decision exactly once. The first caller wins; all
// later calls return false.
func (b *Bridge) settle(id string, d Decision) bool {
	b.mu.Lock()
	entry, ok := b.pending[id]
	if !ok || entry.closed {
		b.mu.Unlock()
		return false
	}
	entry.closed = true
	delete(b.pending, id)
	entry.timer.Stop()
	entry.cancel()
	b.mu.Unlock()

	entry.settle <- d
	b.logger.Info("human auth settled", "id", id, "status", d.Status, "approved", d.Approved)
	b.bus.Publish(bus.TopicAuthResolved, bus.AuthEvent{
		RequestID: id, ChatID: entry.chatID, Capability: entry.request.Capability, Status: d.Status,
	})
	return true
}

// saveArtifact decodes a relay artifact under state/human-auth-artifacts.
func (b *Bridge) saveArtifact(id string, a *Artifact) string {
	data, err := base64.StdEncoding.DecodeString(a.Base64)
	if err != nil {
		b.logger.Warn("artifact decode failed", "id", id, "error", err)
		return ""
	}
	dir := b.roots.ArtifactDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ""
	}
	path := filepath.Join(dir, id+artifactExt(a.MimeType))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		b.logger.Warn("artifact write failed", "id", id, "error", err)
		return ""
	}
	return path
}

func artifactExt(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "application/json":
		return ".json"
	default:
		return ".bin"
	}
}
