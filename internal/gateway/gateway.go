// Package gateway couples the Telegram provider with the agent runtime: it
// long-polls updates, admits tasks per chat, and routes commands.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/openpocket/openpocket/internal/adb"
	"github.com/openpocket/openpocket/internal/agent"
	"github.com/openpocket/openpocket/internal/audit"
	"github.com/openpocket/openpocket/internal/bus"
	"github.com/openpocket/openpocket/internal/config"
	"github.com/openpocket/openpocket/internal/cron"
	"github.com/openpocket/openpocket/internal/emulator"
	"github.com/openpocket/openpocket/internal/humanauth"
	"github.com/openpocket/openpocket/internal/skills"
)

// stallTimeout is how long the update channel may stay silent before the
// connection is considered dead. The provider long-polls at pollTimeoutSec,
// so this must comfortably exceed it.
const stallTimeout = 150 * time.Second

// botAPI is the subset of tgbotapi.BotAPI the gateway uses, separated so
// tests can fake the provider.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Gateway is the chat front door of the runtime.
type Gateway struct {
	cfg      config.Config
	bot      botAPI
	tasks    *TaskManager
	bridge   *humanauth.Bridge
	emu      *emulator.Manager
	adbc     *adb.Client
	cron     *cron.Scheduler
	skills   *skills.Loader
	bus      *bus.Bus
	auditlog *audit.Store
	logger   *slog.Logger
	restart  func()
	started  time.Time
	username string

	mu             sync.Mutex
	modelByChat    map[int64]string
	menuRegistered bool
}

// Options carries the gateway collaborators.
type Options struct {
	Cfg     config.Config
	Deps    agent.Deps
	Bridge  *humanauth.Bridge
	Emu     *emulator.Manager
	Cron    *cron.Scheduler
	Skills  *skills.Loader
	Bus     *bus.Bus
	Audit   *audit.Store
	Logger  *slog.Logger
	Restart func()

	// Bot overrides the provider connection in tests.
	Bot botAPI
}

// New wires a gateway. The task manager's completion hook reports results
// back to the chat; agent notifications flow through the same send path.
func New(o Options) *Gateway {
	g := &Gateway{
		cfg:         o.Cfg,
		bot:         o.Bot,
		adbc:        o.Deps.Adb,
		bridge:      o.Bridge,
		emu:         o.Emu,
		cron:        o.Cron,
		skills:      o.Skills,
		bus:         o.Bus,
		auditlog:    o.Audit,
		logger:      o.Logger,
		restart:     o.Restart,
		modelByChat: make(map[int64]string),
	}
	deps := o.Deps
	deps.Notify = g.SendText
	deps.NotifyAuth = g.sendAuthPrompt
	g.tasks = NewTaskManager(deps, g.taskDone, o.Logger)
	return g
}

// Tasks exposes the admission table for the heartbeat and dashboard.
func (g *Gateway) Tasks() *TaskManager { return g.tasks }

// SetCron attaches the scheduler after construction; cron submission runs
// through the gateway's task manager, so the two are wired in two steps.
func (g *Gateway) SetCron(c *cron.Scheduler) { g.cron = c }

// Uptime reports time since the gateway connected.
func (g *Gateway) Uptime() time.Duration {
	if g.started.IsZero() {
		return 0
	}
	return time.Since(g.started)
}

// Start connects to the provider and long-polls until ctx is cancelled.
// Transient poll failures reconnect with exponential backoff.
func (g *Gateway) Start(ctx context.Context) error {
	if g.bot == nil {
		token := g.cfg.TelegramToken()
		if token == "" {
			return fmt.Errorf("telegram token is not configured (telegram.token or telegram.tokenEnv)")
		}
		bot, err := tgbotapi.NewBotAPI(token)
		if err != nil {
			return fmt.Errorf("telegram init failed: %w", err)
		}
		g.bot = bot
		g.username = bot.Self.UserName
	}
	g.started = time.Now()
	g.logger.Info("gateway connected", "bot", g.username)
	g.registerMenu()

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = g.cfg.Telegram.PollTimeoutSec
		updates := g.bot.GetUpdatesChan(u)

		pollErr := g.pollUpdates(ctx, updates)
		g.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		g.logger.Warn("gateway poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Stop drains running tasks within the grace period.
func (g *Gateway) Stop(grace time.Duration) {
	g.tasks.CancelAll(grace)
	g.logger.Info("gateway stopped")
}

// pollUpdates consumes the update channel until ctx is done, the channel
// closes, or the stream stalls. nil means clean shutdown.
func (g *Gateway) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			switch {
			case update.Message != nil:
				if !g.admitted(update.Message.Chat.ID) {
					g.logger.Warn("chat access denied", "chatId", update.Message.Chat.ID)
					continue
				}
				g.handleMessage(ctx, update.Message)
			case update.CallbackQuery != nil:
				if update.CallbackQuery.Message == nil || !g.admitted(update.CallbackQuery.Message.Chat.ID) {
					continue
				}
				g.handleCallback(update.CallbackQuery)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v", stallTimeout)
		}
	}
}

// admitted applies allowedChatIds; an empty list means the gateway is open.
func (g *Gateway) admitted(chatID int64) bool {
	allowed := g.cfg.Telegram.AllowedChatIDs
	if len(allowed) == 0 {
		return true
	}
	for _, id := range allowed {
		if id == chatID {
			return true
		}
	}
	return false
}

func (g *Gateway) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chatID := msg.Chat.ID

	if strings.HasPrefix(text, "/") {
		g.handleCommand(ctx, chatID, text)
		return
	}

	switch classifyIntent(text) {
	case "task":
		g.submitTask(chatID, text, false)
	default:
		g.SendText(chatID, "Noted. Send a concrete phone task (or /help) and I'll drive the device.")
	}
}

// submitTask admits the text as a task. queue selects the /run semantics.
func (g *Gateway) submitTask(chatID int64, text string, queue bool) {
	task, err := g.tasks.Submit(chatID, text, g.chatModel(chatID), queue)
	if err != nil {
		g.SendText(chatID, "Cannot start task: "+err.Error())
		return
	}
	if queue {
		g.SendText(chatID, fmt.Sprintf("Queued task %s: %s", task.ID, task.Text))
	} else {
		g.SendText(chatID, fmt.Sprintf("Working on it (task %s).", task.ID))
	}
}

// taskDone records the terminal result and reports it back to the chat.
func (g *Gateway) taskDone(task *agent.Task, res agent.Result) {
	if g.auditlog != nil {
		err := g.auditlog.RecordTask(context.Background(), audit.TaskResult{
			TaskID:      task.ID,
			ChatID:      task.ChatID,
			Task:        task.Text,
			State:       string(res.State),
			Kind:        string(res.Kind),
			Steps:       res.Steps,
			Message:     res.Message,
			SessionPath: res.SessionPath,
			FinishedAt:  time.Now(),
		})
		if err != nil {
			g.logger.Warn("task result not recorded", "taskId", task.ID, "error", err)
		}
	}
	if task.ChatID == 0 {
		return
	}
	var text string
	switch res.State {
	case agent.StateSucceeded:
		text = res.Message
		if text == "" {
			text = "Task finished."
		}
	case agent.StateCancelled:
		text = "Task cancelled."
	default:
		text = "Task failed: " + res.Message
	}
	g.SendText(task.ChatID, text)
}

// SendText sanitizes and sends a plain message; long content is truncated by
// the sanitizer.
func (g *Gateway) SendText(chatID int64, text string) {
	if chatID == 0 || g.bot == nil {
		return
	}
	clean := Sanitize(text)
	if clean == "" {
		return
	}
	if _, err := g.bot.Send(tgbotapi.NewMessage(chatID, clean)); err != nil {
		g.logger.Warn("send failed", "chatId", chatID, "error", err)
	}
}

// sendAuthPrompt delivers the approval link with inline approve/reject
// buttons plus the manual command fallback.
func (g *Gateway) sendAuthPrompt(o humanauth.Opened) {
	if o.ChatID == 0 || g.bot == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Authorization needed (%s): %s\n", o.Capability, o.Instruction)
	if o.OpenURL != "" {
		fmt.Fprintf(&b, "Approve from another device: %s\n", o.OpenURL)
	}
	fmt.Fprintf(&b, "Fallback: /auth approve %s or /auth reject %s (expires %s).",
		o.ID, o.ID, o.ExpiresAt.Format("15:04:05"))

	msg := tgbotapi.NewMessage(o.ChatID, Sanitize(b.String()))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", "auth:approve:"+o.ID),
			tgbotapi.NewInlineKeyboardButtonData("Reject", "auth:reject:"+o.ID),
		),
	)
	if _, err := g.bot.Send(msg); err != nil {
		g.logger.Warn("auth prompt send failed", "chatId", o.ChatID, "error", err)
	}
}

// handleCallback settles a pending auth request from an inline button.
func (g *Gateway) handleCallback(cb *tgbotapi.CallbackQuery) {
	parts := strings.Split(cb.Data, ":")
	if len(parts) != 3 || parts[0] != "auth" {
		return
	}
	approved := parts[1] == "approve"
	actor := cb.From.UserName
	if actor == "" {
		actor = fmt.Sprintf("user %d", cb.From.ID)
	}

	ack := "Already resolved."
	if g.bridge.ResolvePending(parts[2], approved, "", actor) {
		if approved {
			ack = "Approved."
		} else {
			ack = "Rejected."
		}
	}
	_, _ = g.bot.Request(tgbotapi.NewCallback(cb.ID, ack))
}

// chatModel returns the per-chat model override, falling back to the config
// default.
func (g *Gateway) chatModel(chatID int64) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.modelByChat[chatID]
}

// registerMenu publishes the command list to the provider once.
func (g *Gateway) registerMenu() {
	g.mu.Lock()
	already := g.menuRegistered
	g.menuRegistered = true
	g.mu.Unlock()
	if already || g.bot == nil {
		return
	}

	commands := tgbotapi.NewSetMyCommands(
		tgbotapi.BotCommand{Command: "help", Description: "Show available commands"},
		tgbotapi.BotCommand{Command: "status", Description: "Runtime and task status"},
		tgbotapi.BotCommand{Command: "model", Description: "Show or switch the model"},
		tgbotapi.BotCommand{Command: "startvm", Description: "Start the emulator"},
		tgbotapi.BotCommand{Command: "stopvm", Description: "Stop the emulator"},
		tgbotapi.BotCommand{Command: "screen", Description: "Send a screenshot"},
		tgbotapi.BotCommand{Command: "skills", Description: "List available skills"},
		tgbotapi.BotCommand{Command: "run", Description: "Queue a task"},
		tgbotapi.BotCommand{Command: "stop", Description: "Cancel the running task"},
		tgbotapi.BotCommand{Command: "auth", Description: "Pending authorizations"},
	)
	if _, err := g.bot.Request(commands); err != nil {
		g.logger.Warn("command menu registration failed", "error", err)
	}
}
