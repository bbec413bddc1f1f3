package rotation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ierrors "github.com/tidemark/tidemark/internal/errors"
	"github.com/tidemark/tidemark/internal/indices"
)

// DaemonConfig holds configuration for the rotation daemon.
type DaemonConfig struct {
	// CheckInterval is how often rotation and retention run.
	CheckInterval time.Duration
}

// DefaultDaemonConfig checks once a minute.
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{CheckInterval: time.Minute}
}

// Daemon periodically rotates the write target and sweeps retention.
type Daemon struct {
	config    DaemonConfig
	manager   *indices.Manager
	deflector *Deflector
	strategy  Strategy
	sweeper   *Sweeper
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDaemon creates a daemon. A nil sweeper disables retention.
func NewDaemon(config DaemonConfig, manager *indices.Manager, deflector *Deflector, strategy Strategy, sweeper *Sweeper, logger *slog.Logger) *Daemon {
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultDaemonConfig().CheckInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		config:    config,
		manager:   manager,
		deflector: deflector,
		strategy:  strategy,
		sweeper:   sweeper,
		logger:    logger.With("component", "rotation"),
	}
}

// Start begins the rotation loop. It runs until the context is cancelled or
// Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("rotation: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})

	go d.run(ctx)
	return nil
}

// Stop stops the loop and waits for the current run to finish.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}
	d.cancel()
	<-d.done
	d.running = false
	return nil
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	d.RunOnce(ctx)

	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce performs one rotation check followed by one retention sweep.
// Errors are logged; a failed rotation does not prevent the sweep.
func (d *Daemon) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := d.rotate(ctx); err != nil {
		d.logger.Error("rotation check failed", "error", err)
	}

	if d.sweeper == nil || ctx.Err() != nil {
		return
	}
	res, err := d.sweeper.Sweep(ctx)
	if err != nil {
		d.logger.Error("retention failed", "error", err)
		return
	}
	if len(res.Removed) > 0 || len(res.Failed) > 0 {
		d.logger.Info("retention finished", "removed", res.Removed, "failed", len(res.Failed))
	}
}

func (d *Daemon) rotate(ctx context.Context) error {
	target, err := d.deflector.CurrentTarget(ctx)
	if ierrors.IsKind(err, ierrors.KindNotFound) {
		d.logger.Info("deflector alias missing, setting it up", "alias", d.deflector.Name())
		return d.deflector.Setup(ctx)
	}
	if err != nil {
		return err
	}

	rotate, reason, err := d.strategy.ShouldRotate(ctx, d.manager, target)
	if err != nil {
		return err
	}
	if !rotate {
		return nil
	}
	d.logger.Info("rotating deflector", "strategy", d.strategy.Name(), "reason", reason)
	_, err = d.deflector.Cycle(ctx)
	return err
}
