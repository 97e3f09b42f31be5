// Package supervisor is the outer run loop: it starts the gateway stack,
// blocks on signals, and restarts in place on SIGUSR1.
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// DrainGrace bounds how long a stopping runtime waits for running tasks.
const DrainGrace = 5 * time.Second

// Runtime is one start/stop cycle of the supervised system.
type Runtime interface {
	// Start blocks until ctx is cancelled or the runtime fails.
	Start(ctx context.Context) error
	// Stop drains within the grace period. reason is "restart" or "shutdown".
	Stop(reason string, grace time.Duration)
}

// Factory builds a fresh runtime for each cycle so a restart picks up config
// changes.
type Factory func() (Runtime, error)

// Supervisor loops runtime cycles until a terminating signal.
type Supervisor struct {
	factory Factory
	logger  *slog.Logger

	// restartCh lets the gateway's /restart command act like SIGUSR1.
	restartCh chan struct{}
}

// New builds a supervisor.
func New(factory Factory, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		factory:   factory,
		logger:    logger,
		restartCh: make(chan struct{}, 1),
	}
}

// SetFactory installs the runtime factory. This exists because the factory
// usually needs RequestRestart, which needs the supervisor first.
func (s *Supervisor) SetFactory(f Factory) { s.factory = f }

// RequestRestart triggers an in-place restart, equivalent to SIGUSR1.
func (s *Supervisor) RequestRestart() {
	select {
	case s.restartCh <- struct{}{}:
	default:
	}
}

// Run blocks until SIGTERM/SIGINT. Each SIGUSR1 (or RequestRestart) stops
// the current runtime and starts a fresh one. A startup error terminates the
// loop and is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	defer signal.Stop(signals)

	for {
		rt, err := s.factory()
		if err != nil {
			return err
		}

		runCtx, cancel := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() { errCh <- rt.Start(runCtx) }()

		reason := ""
	wait:
		for {
			select {
			case <-ctx.Done():
				reason = "shutdown"
				break wait
			case sig := <-signals:
				if sig == syscall.SIGUSR1 {
					reason = "restart"
				} else {
					reason = "shutdown"
				}
				break wait
			case <-s.restartCh:
				reason = "restart"
				break wait
			case err := <-errCh:
				cancel()
				if err != nil {
					s.logger.Error("runtime failed", "error", err)
					return err
				}
				// clean self-exit counts as shutdown
				return nil
			}
		}

		s.logger.Info("stopping runtime", "reason", reason)
		cancel()
		rt.Stop(reason, DrainGrace)
		<-errCh

		if reason != "restart" {
			return nil
		}
		s.logger.Info("restarting runtime")
	}
}
