package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/openpocket/openpocket/internal/adb"
	"github.com/openpocket/openpocket/internal/agent"
	"github.com/openpocket/openpocket/internal/bus"
	"github.com/openpocket/openpocket/internal/config"
	"github.com/openpocket/openpocket/internal/doctor"
	"github.com/openpocket/openpocket/internal/emulator"
	"github.com/openpocket/openpocket/internal/humanauth"
	"github.com/openpocket/openpocket/internal/paths"
	"github.com/openpocket/openpocket/internal/script"
	"github.com/openpocket/openpocket/internal/session"
	"github.com/openpocket/openpocket/internal/skills"
	"github.com/openpocket/openpocket/internal/telemetry"
)

type app struct {
	cfg     config.Config
	cfgPath string
	roots   paths.Roots
	ring    *telemetry.Ring
	logger  *slog.Logger
}

func (a *app) adbClient() *adb.Client {
	return adb.New(a.cfg.Emulator.DeviceID)
}

func (a *app) emulatorManager() *emulator.Manager {
	return emulator.NewManager(a.cfg.Emulator, a.adbClient(), a.logger)
}

func (a *app) skillsLoader() *skills.Loader {
	bundled := os.Getenv("OPENPOCKET_TEMPLATE_DIR")
	return skills.NewLoader(bundled,
		filepath.Join(a.roots.Home, "skills"),
		filepath.Join(a.roots.Workspace, "skills"),
		a.logger)
}

// installCLI symlinks the running binary into ~/.local/bin.
func (a *app) installCLI() (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return exitInfra, err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return exitInfra, err
	}
	binDir := filepath.Join(home, ".local", "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return exitInfra, err
	}
	link := filepath.Join(binDir, "openpocket")
	_ = os.Remove(link)
	if err := os.Symlink(exe, link); err != nil {
		return exitInfra, err
	}
	fmt.Printf("Installed %s -> %s\n", link, exe)
	if !strings.Contains(os.Getenv("PATH"), binDir) {
		fmt.Printf("Add %s to your PATH.\n", binDir)
	}
	return exitOK, nil
}

// onboard makes sure the home skeleton and default config exist, then prints
// where everything lives.
func (a *app) onboard() (int, error) {
	fmt.Printf("Home:      %s\n", a.roots.Home)
	fmt.Printf("Config:    %s\n", a.cfgPath)
	fmt.Printf("State:     %s\n", a.roots.State)
	fmt.Printf("Workspace: %s\n", a.roots.Workspace)
	if a.cfg.TelegramToken() == "" {
		fmt.Println("\nNext: run `openpocket telegram setup` to connect a bot.")
	}
	return exitOK, nil
}

// configShow prints the effective config with secret values masked.
func (a *app) configShow() (int, error) {
	masked := a.cfg
	models := make(map[string]config.ModelProfile, len(masked.Models))
	for name, p := range masked.Models {
		if p.APIKey != "" {
			p.APIKey = "[redacted]"
		}
		models[name] = p
	}
	masked.Models = models
	if masked.Telegram.Token != "" {
		masked.Telegram.Token = "[redacted]"
	}
	if masked.HumanAuth.APIKey != "" {
		masked.HumanAuth.APIKey = "[redacted]"
	}

	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return exitInfra, err
	}
	fmt.Println(string(data))
	return exitOK, nil
}

func (a *app) emulatorVerb(ctx context.Context, args []string) (int, error) {
	if len(args) == 0 {
		return exitUser, fmt.Errorf("usage: openpocket emulator <status|start|stop|hide|show|list-avds|screenshot|tap|type>")
	}
	mgr := a.emulatorManager()
	client := a.adbClient()

	switch args[0] {
	case "status":
		status, err := mgr.Status(ctx)
		if err != nil {
			return exitInfra, err
		}
		data, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(data))
		return exitOK, nil

	case "start":
		device, err := mgr.Start(ctx, true)
		if err != nil {
			return exitInfra, err
		}
		fmt.Println("Booted:", device)
		return exitOK, nil

	case "stop":
		if err := mgr.Stop(ctx); err != nil {
			return exitInfra, err
		}
		fmt.Println("Emulator stopped.")
		return exitOK, nil

	case "hide":
		if err := mgr.HideWindow(ctx); err != nil {
			return exitInfra, err
		}
		return exitOK, nil

	case "show":
		if err := mgr.ShowWindow(ctx); err != nil {
			return exitInfra, err
		}
		return exitOK, nil

	case "list-avds":
		avds, err := mgr.ListAvds(ctx)
		if err != nil {
			return exitInfra, err
		}
		for _, avd := range avds {
			fmt.Println(avd)
		}
		return exitOK, nil

	case "screenshot":
		fs := flag.NewFlagSet("screenshot", flag.ContinueOnError)
		out := fs.String("out", "screenshot.png", "output path")
		device := fs.String("device", "", "device id")
		if err := fs.Parse(args[1:]); err != nil {
			return exitUser, err
		}
		deviceID, err := client.ResolveDevice(ctx, *device)
		if err != nil {
			return exitInfra, err
		}
		png, err := client.Screenshot(ctx, deviceID)
		if err != nil {
			return exitInfra, err
		}
		if err := os.WriteFile(paths.Expand(*out), png, 0o644); err != nil {
			return exitInfra, err
		}
		fmt.Println("Saved", *out)
		return exitOK, nil

	case "tap":
		fs := flag.NewFlagSet("tap", flag.ContinueOnError)
		x := fs.Int("x", -1, "x coordinate")
		y := fs.Int("y", -1, "y coordinate")
		device := fs.String("device", "", "device id")
		if err := fs.Parse(args[1:]); err != nil {
			return exitUser, err
		}
		if *x < 0 || *y < 0 {
			return exitUser, fmt.Errorf("tap requires --x and --y")
		}
		deviceID, err := client.ResolveDevice(ctx, *device)
		if err != nil {
			return exitInfra, err
		}
		if err := client.Tap(ctx, deviceID, *x, *y); err != nil {
			return exitInfra, err
		}
		return exitOK, nil

	case "type":
		fs := flag.NewFlagSet("type", flag.ContinueOnError)
		text := fs.String("text", "", "text to type")
		device := fs.String("device", "", "device id")
		if err := fs.Parse(args[1:]); err != nil {
			return exitUser, err
		}
		if *text == "" {
			return exitUser, fmt.Errorf("type requires --text")
		}
		deviceID, err := client.ResolveDevice(ctx, *device)
		if err != nil {
			return exitInfra, err
		}
		msg, err := client.Type(ctx, deviceID, *text)
		if err != nil {
			return exitInfra, err
		}
		fmt.Println(msg)
		return exitOK, nil

	default:
		return exitUser, fmt.Errorf("unknown emulator subcommand %q", args[0])
	}
}

// agentVerb runs a single task from the terminal, without the gateway.
func (a *app) agentVerb(ctx context.Context, args []string) (int, error) {
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	modelName := fs.String("model", "", "model profile name")
	if err := fs.Parse(args); err != nil {
		return exitUser, err
	}
	task := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if task == "" {
		return exitUser, fmt.Errorf("usage: openpocket agent [--model <name>] <task>")
	}

	deps, cleanup, err := a.agentDeps()
	if err != nil {
		return exitCodeFor(err), err
	}
	defer cleanup()
	deps.Notify = func(_ int64, text string) { fmt.Println(text) }

	loop := agent.New(deps, agent.NewTask(0, task, *modelName))
	res := loop.Run(ctx)
	fmt.Printf("%s after %d step(s): %s\n", res.State, res.Steps, res.Message)
	if res.SessionPath != "" {
		fmt.Println("Session:", res.SessionPath)
	}
	if res.State == agent.StateSucceeded {
		return exitOK, nil
	}
	return exitCodeFor(fmt.Errorf("%s", res.Kind)), nil
}

// agentDeps assembles the loop collaborators shared by the CLI and gateway.
func (a *app) agentDeps() (agent.Deps, func(), error) {
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return agent.Deps{}, nil, err
	}
	events := bus.New()
	loader := a.skillsLoader()
	if _, err := loader.Load(); err != nil {
		a.logger.Warn("skill load failed", "error", err)
	}
	bridge := humanauth.NewBridge(a.cfg.HumanAuth, a.cfg.RelayAPIKey(), a.roots, events, a.logger)

	deps := agent.Deps{
		Cfg:      a.cfg,
		Adb:      a.adbClient(),
		Sessions: session.NewWriter(a.roots, a.cfg.Screenshots.MaxCount),
		Scripts:  script.NewExecutor(a.cfg.ScriptExecutor, a.roots, a.logger),
		Bridge:   bridge,
		Skills:   loader,
		Bus:      events,
		Metrics:  metrics,
		Logger:   a.logger,
	}
	return deps, func() {}, nil
}

func (a *app) skillsVerb(args []string) (int, error) {
	if len(args) != 1 || args[0] != "list" {
		return exitUser, fmt.Errorf("usage: openpocket skills list")
	}
	loader := a.skillsLoader()
	catalog, err := loader.Load()
	if err != nil {
		return exitInfra, err
	}
	if len(catalog) == 0 {
		fmt.Println("No skills installed.")
		return exitOK, nil
	}
	for _, s := range catalog {
		fmt.Printf("%-24s %-10s %s\n", s.ID, s.Source, s.Description)
	}
	return exitOK, nil
}

func (a *app) scriptVerb(ctx context.Context, args []string) (int, error) {
	if len(args) == 0 || args[0] != "run" {
		return exitUser, fmt.Errorf("usage: openpocket script run [--file <path> | --text <script>] [--timeout <sec>]")
	}
	fs := flag.NewFlagSet("script run", flag.ContinueOnError)
	file := fs.String("file", "", "script file")
	text := fs.String("text", "", "inline script")
	timeout := fs.Int("timeout", 0, "timeout seconds")
	if err := fs.Parse(args[1:]); err != nil {
		return exitUser, err
	}

	body := *text
	if *file != "" {
		data, err := os.ReadFile(paths.Expand(*file))
		if err != nil {
			return exitUser, err
		}
		body = string(data)
	}
	if strings.TrimSpace(body) == "" {
		return exitUser, fmt.Errorf("provide --file or --text")
	}

	ex := script.NewExecutor(a.cfg.ScriptExecutor, a.roots, a.logger)
	res := ex.Execute(ctx, body, *timeout)
	data, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(data))
	if res.OK {
		return exitOK, nil
	}
	if res.RunDir == "" {
		// blocked before execution
		return exitUser, nil
	}
	return exitOK, nil
}

func (a *app) telegramVerb(args []string) (int, error) {
	if len(args) != 1 {
		return exitUser, fmt.Errorf("usage: openpocket telegram <setup|whoami>")
	}
	switch args[0] {
	case "setup":
		fmt.Print("Bot token (from @BotFather): ")
		reader := bufio.NewReader(os.Stdin)
		token, err := reader.ReadString('\n')
		if err != nil {
			return exitUser, err
		}
		token = strings.TrimSpace(token)
		if token == "" {
			return exitUser, fmt.Errorf("empty token")
		}
		bot, err := tgbotapi.NewBotAPI(token)
		if err != nil {
			return exitUser, fmt.Errorf("token rejected: %w", err)
		}
		a.cfg.Telegram.Token = token
		if err := config.Save(a.cfgPath, a.cfg); err != nil {
			return exitInfra, err
		}
		fmt.Printf("Connected as @%s. Token saved to %s.\n", bot.Self.UserName, a.cfgPath)
		return exitOK, nil

	case "whoami":
		token := a.cfg.TelegramToken()
		if token == "" {
			return exitUser, fmt.Errorf("no telegram token configured")
		}
		bot, err := tgbotapi.NewBotAPI(token)
		if err != nil {
			return exitInfra, err
		}
		fmt.Printf("@%s (id %d)\n", bot.Self.UserName, bot.Self.ID)
		return exitOK, nil

	default:
		return exitUser, fmt.Errorf("unknown telegram subcommand %q", args[0])
	}
}

func (a *app) relayVerb(ctx context.Context, args []string) (int, error) {
	if len(args) == 0 || args[0] != "start" {
		return exitUser, fmt.Errorf("usage: openpocket human-auth-relay start [--host <host>] [--port <port>] " +
			"[--public-base-url <url>] [--api-key <key>] [--state-file <path>]")
	}
	fs := flag.NewFlagSet("human-auth-relay start", flag.ContinueOnError)
	host := fs.String("host", "127.0.0.1", "bind host")
	port := fs.Int("port", a.cfg.HumanAuth.LocalRelayPort, "bind port")
	publicBase := fs.String("public-base-url", "", "base URL for approval links")
	apiKey := fs.String("api-key", a.cfg.RelayAPIKey(), "bearer key, empty for unauthenticated mode")
	stateFile := fs.String("state-file", a.roots.RelayStateFile(), "persisted request state")
	if err := fs.Parse(args[1:]); err != nil {
		return exitUser, err
	}

	relay, err := humanauth.NewRelay(*stateFile, *apiKey, a.logger)
	if err != nil {
		return exitInfra, err
	}
	if *publicBase != "" {
		relay.SetPublicBaseURL(*publicBase)
	}
	if err := relay.Serve(ctx, *host, *port); err != nil {
		return exitInfra, err
	}
	return exitOK, nil
}

func (a *app) dashboardVerb(ctx context.Context, args []string) (int, error) {
	if len(args) == 0 || args[0] != "start" {
		return exitUser, fmt.Errorf("usage: openpocket dashboard start [--host <host>] [--port <port>]")
	}
	fs := flag.NewFlagSet("dashboard start", flag.ContinueOnError)
	host := fs.String("host", a.cfg.Dashboard.Host, "bind host")
	port := fs.Int("port", a.cfg.Dashboard.Port, "bind port")
	if err := fs.Parse(args[1:]); err != nil {
		return exitUser, err
	}
	cfg := a.cfg.Dashboard
	cfg.Host, cfg.Port = *host, *port

	srv, err := a.standaloneDashboard(cfg)
	if err != nil {
		return exitInfra, err
	}
	if err := srv.Serve(ctx); err != nil {
		return exitInfra, err
	}
	return exitOK, nil
}

// permissionCase is one exercise the bundled permission app offers. The task
// text is what gets handed to the agent (or a chat) for the end-to-end flow.
type permissionCase struct {
	ID   string
	Task string
}

var permissionCases = []permissionCase{
	{"camera", "Open the Permission Test app, tap the Camera button, and approve the permission dialog that appears."},
	{"microphone", "Open the Permission Test app, tap the Microphone button, and approve the permission dialog that appears."},
	{"location", "Open the Permission Test app, tap the Location button, and approve the permission dialog, choosing 'While using the app'."},
	{"contacts", "Open the Permission Test app, tap the Contacts button, and approve the permission dialog that appears."},
	{"notifications", "Open the Permission Test app, tap the Notifications button, and allow notifications in the dialog that appears."},
}

func findPermissionCase(id string) (permissionCase, error) {
	if id == "" {
		return permissionCases[0], nil
	}
	for _, c := range permissionCases {
		if c.ID == id {
			return c, nil
		}
	}
	return permissionCase{}, fmt.Errorf("unknown case %q, run `openpocket test permission-app cases`", id)
}

// testVerb drives the bundled permission-exercise app over adb. Lifecycle
// subcommands wrap adb directly; task/run/cases exercise the agent flow.
func (a *app) testVerb(ctx context.Context, args []string) (int, error) {
	usage := fmt.Errorf("usage: openpocket test permission-app {deploy|install|launch|reset|uninstall|task|run|cases} " +
		"[--device <id>] [--clean] [--case <id>] [--send] [--chat <id>] [--model <name>]")
	if len(args) < 2 || args[0] != "permission-app" {
		return exitUser, usage
	}
	sub := args[1]
	fs := flag.NewFlagSet("test permission-app "+sub, flag.ContinueOnError)
	pkg := fs.String("package", "com.openpocket.permissiontest", "permission-exercise app package")
	device := fs.String("device", "", "device id")
	clean := fs.Bool("clean", false, "uninstall before installing")
	caseID := fs.String("case", "", "exercise case id (see cases)")
	send := fs.Bool("send", false, "send the task text to a telegram chat")
	chat := fs.Int64("chat", 0, "telegram chat id for --send")
	modelName := fs.String("model", "", "model profile name")
	if err := fs.Parse(args[2:]); err != nil {
		return exitUser, err
	}

	switch sub {
	case "cases":
		for _, c := range permissionCases {
			fmt.Printf("  %-14s %s\n", c.ID, c.Task)
		}
		return exitOK, nil

	case "task":
		c, err := findPermissionCase(*caseID)
		if err != nil {
			return exitUser, err
		}
		if !*send {
			fmt.Println(c.Task)
			return exitOK, nil
		}
		if *chat == 0 {
			return exitUser, fmt.Errorf("--send requires --chat <id>")
		}
		token := a.cfg.TelegramToken()
		if token == "" {
			return exitUser, fmt.Errorf("no telegram token configured")
		}
		bot, err := tgbotapi.NewBotAPI(token)
		if err != nil {
			return exitInfra, err
		}
		if _, err := bot.Send(tgbotapi.NewMessage(*chat, c.Task)); err != nil {
			return exitInfra, err
		}
		fmt.Printf("Sent case %q to chat %d.\n", c.ID, *chat)
		return exitOK, nil

	case "run":
		c, err := findPermissionCase(*caseID)
		if err != nil {
			return exitUser, err
		}
		return a.agentVerb(ctx, append([]string{"--model", *modelName}, c.Task))

	case "deploy", "install", "launch", "reset", "uninstall":
		return a.permissionAppLifecycle(ctx, sub, *pkg, *device, *clean)

	default:
		return exitUser, usage
	}
}

// permissionAppLifecycle runs the adb-level subcommands. deploy is
// install-then-launch; launch also watches for the permission dialog.
func (a *app) permissionAppLifecycle(ctx context.Context, sub, pkg, device string, clean bool) (int, error) {
	client := a.adbClient()
	deviceID, err := client.ResolveDevice(ctx, device)
	if err != nil {
		return exitInfra, err
	}

	if sub == "uninstall" || clean {
		if err := client.Uninstall(ctx, deviceID, pkg); err != nil {
			fmt.Printf("uninstall %s: %v\n", pkg, err)
		} else {
			fmt.Printf("Uninstalled %s from %s.\n", pkg, deviceID)
		}
		if sub == "uninstall" {
			return exitOK, nil
		}
	}

	if sub == "reset" {
		if _, err := client.Shell(ctx, deviceID, "pm clear "+pkg); err != nil {
			return exitInfra, err
		}
		fmt.Printf("Cleared data and permissions for %s on %s.\n", pkg, deviceID)
		return exitOK, nil
	}

	if sub == "install" || sub == "deploy" {
		apk := a.roots.PermissionTestAPK()
		if _, err := os.Stat(apk); err != nil {
			return exitUser, fmt.Errorf("permission-exercise apk not found at %s", apk)
		}
		if err := client.Install(ctx, deviceID, apk); err != nil {
			return exitInfra, err
		}
		fmt.Printf("Installed %s on %s.\n", apk, deviceID)
		if sub == "install" {
			return exitOK, nil
		}
	}

	// launch, or the tail of deploy
	if err := client.LaunchApp(ctx, deviceID, pkg); err != nil {
		return exitInfra, err
	}
	fmt.Printf("Launched %s on %s, waiting for a permission dialog...\n", pkg, deviceID)
	return a.watchForPermissionDialog(ctx, client, deviceID)
}

// watchForPermissionDialog polls the foreground window until a configured
// permission-controller package takes focus.
func (a *app) watchForPermissionDialog(ctx context.Context, client *adb.Client, deviceID string) (int, error) {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return exitUser, ctx.Err()
		case <-time.After(time.Second):
		}
		dump, err := client.Shell(ctx, deviceID, "dumpsys window windows")
		if err != nil {
			continue
		}
		foreground := adb.ForegroundPackage(dump)
		for _, p := range a.cfg.Agent.PermissionPackages {
			if foreground == p {
				fmt.Printf("OK: permission dialog in foreground (%s)\n", foreground)
				return exitOK, nil
			}
		}
	}
	return exitInfra, fmt.Errorf("no permission dialog appeared within 30s")
}

func (a *app) doctorVerb(ctx context.Context) (int, error) {
	d := doctor.Run(ctx, &a.cfg, a.roots, Version)
	fmt.Printf("openpocket %s on %s/%s\n\n", d.System.Version, d.System.OS, d.System.Arch)
	failed := false
	for _, r := range d.Results {
		fmt.Printf("  [%s] %-14s %s\n", r.Status, r.Name, r.Message)
		if r.Detail != "" {
			fmt.Printf("         %16s %s\n", "", r.Detail)
		}
		if r.Status == "FAIL" {
			failed = true
		}
	}
	if failed {
		return exitInfra, nil
	}
	return exitOK, nil
}
