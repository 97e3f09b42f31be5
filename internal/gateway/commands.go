package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const helpText = `Commands:
/status - runtime and task status
/model [name] - show or switch the planning model
/startvm /stopvm - emulator lifecycle
/hidevm /showvm - emulator window
/screen - send a fresh screenshot
/skills - list available skills
/run <task> - queue a task behind the running one
/stop - cancel the running task and its queue
/clear /reset - clear chat state
/restart - restart the runtime
/cronrun <job-id> - fire a cron job now
/auth [pending|approve <id> [note]|reject <id> [note]]

Anything else you send is treated as a phone task or chat.`

func (g *Gateway) handleCommand(ctx context.Context, chatID int64, text string) {
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	args := fields[1:]

	switch cmd {
	case "/help", "/start":
		g.SendText(chatID, helpText)

	case "/status":
		g.SendText(chatID, g.statusText(ctx, chatID))

	case "/model":
		g.commandModel(chatID, args)

	case "/startvm":
		g.SendText(chatID, "Starting emulator...")
		if device, err := g.emu.Start(ctx, true); err != nil {
			g.SendText(chatID, "Emulator start failed: "+err.Error())
		} else {
			g.SendText(chatID, "Emulator booted: "+device)
		}

	case "/stopvm":
		if err := g.emu.Stop(ctx); err != nil {
			g.SendText(chatID, "Emulator stop failed: "+err.Error())
		} else {
			g.SendText(chatID, "Emulator stopped.")
		}

	case "/hidevm":
		g.windowCommand(ctx, chatID, false)

	case "/showvm":
		g.windowCommand(ctx, chatID, true)

	case "/screen":
		g.commandScreen(ctx, chatID)

	case "/skills":
		g.commandSkills(chatID)

	case "/clear":
		g.mu.Lock()
		delete(g.modelByChat, chatID)
		g.mu.Unlock()
		g.SendText(chatID, "Chat state cleared.")

	case "/reset":
		g.tasks.Cancel(chatID)
		g.mu.Lock()
		delete(g.modelByChat, chatID)
		g.mu.Unlock()
		g.SendText(chatID, "Reset done: task cancelled, queue dropped, model restored to default.")

	case "/stop":
		if g.tasks.Cancel(chatID) {
			g.SendText(chatID, "Stopping the running task.")
		} else {
			g.SendText(chatID, "Nothing is running.")
		}

	case "/restart":
		g.SendText(chatID, "Restarting the runtime...")
		if g.restart != nil {
			g.restart()
		}

	case "/cronrun":
		if len(args) == 0 {
			g.SendText(chatID, "Usage: /cronrun <job-id>")
			return
		}
		if err := g.cron.RunJob(args[0]); err != nil {
			g.SendText(chatID, "Cron job failed: "+err.Error())
		} else {
			g.SendText(chatID, "Cron job submitted: "+args[0])
		}

	case "/run":
		if len(args) == 0 {
			g.SendText(chatID, "Usage: /run <task>")
			return
		}
		g.submitTask(chatID, strings.Join(args, " "), true)

	case "/auth":
		g.commandAuth(chatID, args)

	default:
		g.SendText(chatID, "Unknown command. Try /help.")
	}
}

func (g *Gateway) statusText(ctx context.Context, chatID int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Uptime: %s\n", g.Uptime().Round(time.Second))
	fmt.Fprintf(&b, "Model: %s\n", g.effectiveModel(chatID))

	if status, err := g.emu.Status(ctx); err == nil {
		fmt.Fprintf(&b, "Emulator: %d device(s), %d booted\n", len(status.Devices), len(status.BootedDevices))
	} else {
		fmt.Fprintf(&b, "Emulator: unavailable (%v)\n", err)
	}

	running := g.tasks.Running()
	if len(running) == 0 {
		b.WriteString("Tasks: idle")
	} else {
		fmt.Fprintf(&b, "Tasks (%d):\n", len(running))
		for _, t := range running {
			fmt.Fprintf(&b, "- [%s] %s (%s)\n", t.State, t.Text, t.Runtime.Round(time.Second))
		}
	}
	if pending := g.bridge.ListPending(); len(pending) > 0 {
		fmt.Fprintf(&b, "\nPending authorizations: %d (see /auth pending)", len(pending))
	}
	return b.String()
}

func (g *Gateway) commandModel(chatID int64, args []string) {
	if len(args) == 0 {
		names := make([]string, 0, len(g.cfg.Models))
		for name := range g.cfg.Models {
			names = append(names, name)
		}
		sort.Strings(names)
		g.SendText(chatID, fmt.Sprintf("Current model: %s\nAvailable: %s",
			g.effectiveModel(chatID), strings.Join(names, ", ")))
		return
	}
	name := args[0]
	if _, ok := g.cfg.Profile(name); !ok {
		g.SendText(chatID, fmt.Sprintf("Unknown model %q. Use /model to list profiles.", name))
		return
	}
	g.mu.Lock()
	g.modelByChat[chatID] = name
	g.mu.Unlock()
	g.SendText(chatID, "Model switched to "+name+" for this chat.")
}

func (g *Gateway) effectiveModel(chatID int64) string {
	if m := g.chatModel(chatID); m != "" {
		return m
	}
	return g.cfg.DefaultModel
}

func (g *Gateway) windowCommand(ctx context.Context, chatID int64, show bool) {
	var err error
	verb := "hidden"
	if show {
		err = g.emu.ShowWindow(ctx)
		verb = "shown"
	} else {
		err = g.emu.HideWindow(ctx)
	}
	if err != nil {
		g.SendText(chatID, "Emulator window command failed: "+err.Error())
		return
	}
	g.SendText(chatID, "Emulator window "+verb+".")
}

func (g *Gateway) commandScreen(ctx context.Context, chatID int64) {
	deviceID, err := g.adbc.ResolveDevice(ctx, g.cfg.Emulator.DeviceID)
	if err != nil {
		g.SendText(chatID, "No device available: "+err.Error())
		return
	}
	png, err := g.adbc.Screenshot(ctx, deviceID)
	if err != nil {
		g.SendText(chatID, "Screenshot failed: "+err.Error())
		return
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "screen.png", Bytes: png})
	if _, err := g.bot.Send(photo); err != nil {
		g.logger.Warn("screenshot send failed", "chatId", chatID, "error", err)
	}
}

func (g *Gateway) commandSkills(chatID int64) {
	catalog := g.skills.Catalog()
	if len(catalog) == 0 {
		g.SendText(chatID, "No skills installed.")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Skills (%d):\n", len(catalog))
	for _, s := range catalog {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
	}
	g.SendText(chatID, b.String())
}

func (g *Gateway) commandAuth(chatID int64, args []string) {
	if len(args) == 0 || args[0] == "pending" {
		pending := g.bridge.ListPending()
		if len(pending) == 0 {
			g.SendText(chatID, "No pending authorizations.")
			return
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Pending authorizations (%d):\n", len(pending))
		for _, p := range pending {
			fmt.Fprintf(&b, "- %s (%s): %s, expires %s\n",
				p.ID, p.Capability, p.Instruction, p.ExpiresAt.Format("15:04:05"))
		}
		b.WriteString("Resolve with /auth approve <id> or /auth reject <id>.")
		g.SendText(chatID, b.String())
		return
	}

	if len(args) < 2 {
		g.SendText(chatID, "Usage: /auth [pending|approve <id> [note]|reject <id> [note]]")
		return
	}
	verb, id := args[0], args[1]
	note := strings.Join(args[2:], " ")
	approved := false
	switch verb {
	case "approve":
		approved = true
	case "reject":
	default:
		g.SendText(chatID, "Usage: /auth [pending|approve <id> [note]|reject <id> [note]]")
		return
	}

	if g.bridge.ResolvePending(id, approved, note, fmt.Sprintf("chat %d", chatID)) {
		if approved {
			g.SendText(chatID, "Approved "+id+".")
		} else {
			g.SendText(chatID, "Rejected "+id+".")
		}
	} else {
		g.SendText(chatID, "No pending request with id "+id+" (already resolved or expired).")
	}
}
