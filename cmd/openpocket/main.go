// Command openpocket is the local phone-use agent runtime: a chat gateway
// that drives an Android emulator with a remote model, plus CLI verbs for
// direct device control.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/openpocket/openpocket/internal/config"
	"github.com/openpocket/openpocket/internal/operr"
	"github.com/openpocket/openpocket/internal/paths"
	"github.com/openpocket/openpocket/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "dev"

const (
	exitOK    = 0
	exitUser  = 1
	exitInfra = 2
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `openpocket %s - local phone-use agent runtime

Usage:
  openpocket [--config <path>] <verb> [...args]

Verbs:
  install-cli                     Symlink the binary onto PATH
  onboard                         Create the home directory and default config
  config-show                     Print the effective config (secrets redacted)
  emulator status|start|stop|hide|show|list-avds
  emulator screenshot [--out <path>]
  emulator tap --x <int> --y <int> [--device <id>]
  emulator type --text <text> [--device <id>]
  agent [--model <name>] <task>   Run one task from the terminal
  skills list                     List discovered skills
  script run [--file <path> | --text <script>] [--timeout <sec>]
  telegram setup|whoami           Configure / verify the bot token
  gateway start                   Run the always-on gateway
  dashboard start [--host <host>] [--port <port>]
  human-auth-relay start [--host <host>] [--port <port>]
                         [--public-base-url <url>] [--api-key <key>] [--state-file <path>]
  test permission-app {deploy|install|launch|reset|uninstall|task|run|cases}
  doctor                          Run environment diagnostics
`, Version)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("openpocket", flag.ContinueOnError)
	fs.Usage = printUsage
	configPath := fs.String("config", "", "config file path (default: ~/.openpocket/config.json)")
	if err := fs.Parse(args); err != nil {
		return exitUser
	}
	if fs.NArg() == 0 {
		printUsage()
		return exitUser
	}
	verb, rest := fs.Arg(0), fs.Args()[1:]

	roots, err := paths.Resolve("")
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitInfra
	}
	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.Path(roots.Home)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitUser
	}

	ring := telemetry.NewRing(0)
	pretty := isatty.IsTerminal(os.Stdout.Fd()) && verb != "gateway"
	logger, closeLogs, err := telemetry.NewLogger(roots.Home, cfg.LogLevel, pretty, ring)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging error:", err)
		return exitInfra
	}
	defer closeLogs.Close()

	app := &app{cfg: cfg, cfgPath: cfgPath, roots: roots, ring: ring, logger: logger}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	code, err := dispatch(ctx, app, verb, rest)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return code
}

func dispatch(ctx context.Context, a *app, verb string, args []string) (int, error) {
	switch verb {
	case "install-cli":
		return a.installCLI()
	case "onboard":
		return a.onboard()
	case "config-show":
		return a.configShow()
	case "emulator":
		return a.emulatorVerb(ctx, args)
	case "agent":
		return a.agentVerb(ctx, args)
	case "skills":
		return a.skillsVerb(args)
	case "script":
		return a.scriptVerb(ctx, args)
	case "telegram":
		return a.telegramVerb(args)
	case "gateway":
		if len(args) != 1 || args[0] != "start" {
			return exitUser, fmt.Errorf("usage: openpocket gateway start")
		}
		return a.gatewayStart(ctx)
	case "dashboard":
		return a.dashboardVerb(ctx, args)
	case "human-auth-relay":
		return a.relayVerb(ctx, args)
	case "test":
		return a.testVerb(ctx, args)
	case "doctor":
		return a.doctorVerb(ctx)
	default:
		printUsage()
		return exitUser, fmt.Errorf("unknown verb %q", verb)
	}
}

// exitCodeFor maps failure kinds onto the CLI contract: user mistakes exit 1,
// infrastructure trouble exits 2.
func exitCodeFor(err error) int {
	switch operr.KindOf(err) {
	case operr.KindConfigInvalid, operr.KindSecretMissing, operr.KindScriptBlocked:
		return exitUser
	default:
		return exitInfra
	}
}
