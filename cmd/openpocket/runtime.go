package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openpocket/openpocket/internal/audit"
	"github.com/openpocket/openpocket/internal/config"
	"github.com/openpocket/openpocket/internal/cron"
	"github.com/openpocket/openpocket/internal/dashboard"
	"github.com/openpocket/openpocket/internal/gateway"
	"github.com/openpocket/openpocket/internal/heartbeat"
	"github.com/openpocket/openpocket/internal/humanauth"
	"github.com/openpocket/openpocket/internal/skills"
	"github.com/openpocket/openpocket/internal/supervisor"
	"github.com/openpocket/openpocket/internal/telemetry"
)

// gatewayStart runs the always-on stack under the supervisor: each restart
// cycle reloads the config and rebuilds the runtime.
func (a *app) gatewayStart(ctx context.Context) (int, error) {
	sup := supervisor.New(nil, a.logger)
	factory := func() (supervisor.Runtime, error) {
		cfg, err := config.Load(a.cfgPath)
		if err != nil {
			return nil, err
		}
		fresh := *a
		fresh.cfg = cfg
		return newRuntime(&fresh, sup.RequestRestart)
	}
	sup.SetFactory(factory)

	if err := sup.Run(ctx); err != nil {
		return exitInfra, err
	}
	return exitOK, nil
}

// runtime is one supervised start/stop cycle of the full stack.
type runtime struct {
	app     *app
	restart func()

	gw       *gateway.Gateway
	cronSch  *cron.Scheduler
	beat     *heartbeat.Heartbeat
	tunnel   *humanauth.Tunnel
	auditDB  *audit.Store
	recorder *audit.Recorder

	wg   sync.WaitGroup
	stop context.CancelFunc
}

func newRuntime(a *app, restart func()) (*runtime, error) {
	return &runtime{app: a, restart: restart}, nil
}

// Start assembles the stack: relay, optional tunnel, bridge, agent deps,
// gateway, cron, heartbeat, dashboard. It blocks on the gateway long-poll.
func (r *runtime) Start(ctx context.Context) error {
	a := r.app
	ctx, r.stop = context.WithCancel(ctx)
	defer r.stop()

	deps, _, err := a.agentDeps()
	if err != nil {
		return err
	}

	// Local relay unless an external one is configured.
	haCfg := a.cfg.HumanAuth
	if haCfg.RelayBaseURL == "" {
		relay, err := humanauth.NewRelay(a.roots.RelayStateFile(), a.cfg.RelayAPIKey(), a.logger)
		if err != nil {
			return err
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := relay.Serve(ctx, "127.0.0.1", haCfg.LocalRelayPort); err != nil {
				a.logger.Error("relay server failed", "error", err)
			}
		}()
		haCfg.RelayBaseURL = fmt.Sprintf("http://127.0.0.1:%d", haCfg.LocalRelayPort)
	}

	// Public tunnel for the approval links.
	if haCfg.Tunnel.Enabled && haCfg.PublicBaseURL == "" {
		r.tunnel = humanauth.NewTunnel(haCfg.Tunnel, "127.0.0.1", haCfg.LocalRelayPort, a.logger)
		if url, err := r.tunnel.Start(ctx); err != nil {
			a.logger.Warn("tunnel unavailable, approval links stay local", "error", err)
		} else {
			haCfg.PublicBaseURL = url
		}
	}

	bridge := humanauth.NewBridge(haCfg, a.cfg.RelayAPIKey(), a.roots, deps.Bus, a.logger)
	deps.Bridge = bridge

	auditDB, err := audit.Open(a.roots.AuditDB())
	if err != nil {
		return err
	}
	r.auditDB = auditDB
	r.recorder = audit.NewRecorder(auditDB, deps.Bus, a.logger)
	r.recorder.Start()

	emu := a.emulatorManager()

	gw := gateway.New(gateway.Options{
		Cfg:     a.cfg,
		Deps:    deps,
		Bridge:  bridge,
		Emu:     emu,
		Skills:  deps.Skills,
		Bus:     deps.Bus,
		Audit:   auditDB,
		Logger:  a.logger,
		Restart: r.restart,
	})
	r.gw = gw

	r.cronSch = cron.NewScheduler(a.roots.CronJobsFile(), a.cfg.Cron,
		func(chatID int64, task, model string) error {
			_, err := gw.Tasks().Submit(chatID, task, model, true)
			return err
		}, a.logger)
	gw.SetCron(r.cronSch)

	r.beat = heartbeat.New(a.cfg.Heartbeat, gw.Tasks(), gw.Uptime, a.logger)

	// Live skill reload.
	watcher := skills.NewWatcher(deps.Skills, a.logger)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := watcher.Start(ctx); err != nil {
			a.logger.Warn("skills watcher stopped", "error", err)
		}
	}()

	// Embedded dashboard.
	if a.cfg.Dashboard.Port > 0 {
		dash := dashboard.New(dashboard.Options{
			Cfg:      a.cfg.Dashboard,
			Emu:      emu,
			Adb:      deps.Adb,
			DeviceID: a.cfg.Emulator.DeviceID,
			Ring:     a.ring,
			Metrics:  deps.Metrics,
			Logger:   a.logger,
			GetGatewayStatus: func() dashboard.GatewayStatus {
				tasks := gw.Tasks().Running()
				anyTasks := make([]any, len(tasks))
				for i, t := range tasks {
					anyTasks[i] = t
				}
				return dashboard.GatewayStatus{
					Connected: true,
					Uptime:    gw.Uptime().Round(time.Second).String(),
					Tasks:     anyTasks,
				}
			},
		})
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := dash.Serve(ctx); err != nil {
				a.logger.Error("dashboard failed", "error", err)
			}
		}()
	}

	r.cronSch.Start(ctx)
	r.beat.Start(ctx)

	return gw.Start(ctx)
}

// Stop drains in dependency order: no new work, then tasks, then the
// periodic services and stores.
func (r *runtime) Stop(reason string, grace time.Duration) {
	r.app.logger.Info("runtime stopping", "reason", reason)
	if r.stop != nil {
		r.stop()
	}
	if r.gw != nil {
		r.gw.Stop(grace)
	}
	if r.cronSch != nil {
		r.cronSch.Stop()
	}
	if r.beat != nil {
		r.beat.Stop()
	}
	if r.tunnel != nil {
		r.tunnel.Stop()
	}
	r.wg.Wait()
	if r.recorder != nil {
		r.recorder.Stop()
	}
	if r.auditDB != nil {
		_ = r.auditDB.Close()
	}
}

// standaloneDashboard wires a dashboard with no gateway attached.
func (a *app) standaloneDashboard(cfg config.DashboardConfig) (*dashboard.Server, error) {
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return nil, err
	}
	return dashboard.New(dashboard.Options{
		Cfg:      cfg,
		Emu:      a.emulatorManager(),
		Adb:      a.adbClient(),
		DeviceID: a.cfg.Emulator.DeviceID,
		Ring:     a.ring,
		Metrics:  metrics,
		Logger:   a.logger,
	}), nil
}
